package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/charter/internal/artifact"
	"github.com/fyrsmithlabs/charter/internal/eventlog"
	"github.com/fyrsmithlabs/charter/internal/logging"
	"github.com/fyrsmithlabs/charter/internal/orchestrator"
	"github.com/fyrsmithlabs/charter/internal/pipeline"
)

var stages = []string{"technical", "portal"}

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Start(ctx context.Context, params map[string]string) (*pipeline.Run, error) {
	args := m.Called(params)
	run, _ := args.Get(0).(*pipeline.Run)
	return run, args.Error(1)
}

func (m *mockRunner) Recollect(ctx context.Context, runID, stage string) (*pipeline.Run, error) {
	args := m.Called(runID, stage)
	run, _ := args.Get(0).(*pipeline.Run)
	return run, args.Error(1)
}

func fixtureRun(id string, at time.Time, states ...artifact.State) *pipeline.Run {
	run := pipeline.NewRun(id, stages, at)
	for i, name := range stages {
		a := run.Artifacts[name]
		a.State = states[i]
		a.ProducedAt = at
		a.AddSection("Body", artifact.Text("body of "+name))
		if states[i] == artifact.StateInvalid {
			a.Errors = []string{`required section "Body" is empty`}
		}
		run.Events = append(run.Events, eventlog.Event{Seq: int64(i + 1), RunID: id, Stage: name, Kind: eventlog.KindStep, To: states[i]})
	}
	run.Status = pipeline.DeriveStatus(run.StageStates())
	run.UpdatedAt = at
	return run
}

type testServer struct {
	*Server
	runner *mockRunner
	repo   *pipeline.FileRepository
	logs   *logging.TestLogger
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	repo := pipeline.NewFileRepository(t.TempDir())
	runner := &mockRunner{}
	tl := logging.NewTestLogger()
	s, err := NewServer(runner, repo, tl.Logger, &Config{Host: "localhost", Port: 0, GateStages: stages})
	require.NoError(t, err)
	return &testServer{Server: s, runner: runner, repo: repo, logs: tl}
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	repo := pipeline.NewFileRepository(t.TempDir())

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		s, err := NewServer(&mockRunner{}, repo, logging.Nop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", s.config.Host)
		assert.Equal(t, 9191, s.config.Port)
	})

	t.Run("requires dependencies", func(t *testing.T) {
		_, err := NewServer(nil, repo, logging.Nop(), nil)
		assert.ErrorContains(t, err, "runner cannot be nil")
		_, err = NewServer(&mockRunner{}, nil, logging.Nop(), nil)
		assert.ErrorContains(t, err, "repository cannot be nil")
		_, err = NewServer(&mockRunner{}, repo, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})
}

func TestHandleHealth(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
	ts.logs.AssertLogged(t, zapcore.InfoLevel, "http request")
}

func TestListRuns(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	rec := ts.do(t, http.MethodGet, "/api/v1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"runs":[]}`, rec.Body.String())

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, ts.repo.Save(ctx, fixtureRun("old", base, artifact.StateValid, artifact.StateValid)))
	require.NoError(t, ts.repo.Save(ctx, fixtureRun("new", base.Add(time.Hour), artifact.StateValid, artifact.StateInvalid)))

	rec = ts.do(t, http.MethodGet, "/api/v1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[RunListResponse](t, rec)
	require.Len(t, resp.Runs, 2)
	assert.Equal(t, "new", resp.Runs[0].ID)
	assert.Equal(t, pipeline.StatusBlocked, resp.Runs[0].Status)
	assert.Equal(t, pipeline.StatusReady, resp.Runs[1].Status)
}

func TestGetRun(t *testing.T) {
	ts := setupTestServer(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, ts.repo.Save(context.Background(), fixtureRun("r1", at, artifact.StateValid, artifact.StateValid)))

	for _, target := range []string{"/api/v1/runs/r1", "/api/v1/runs/latest"} {
		rec := ts.do(t, http.MethodGet, target, "")
		require.Equal(t, http.StatusOK, rec.Code, target)
		run := decode[pipeline.Run](t, rec)
		assert.Equal(t, "r1", run.ID)
		assert.Equal(t, artifact.StateValid, run.State("portal"))
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvents(t *testing.T) {
	ts := setupTestServer(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, ts.repo.Save(context.Background(), fixtureRun("r1", at, artifact.StateValid, artifact.StateValid)))

	resp := decode[EventsResponse](t, ts.do(t, http.MethodGet, "/api/v1/runs/r1/events", ""))
	assert.Len(t, resp.Events, 2)

	resp = decode[EventsResponse](t, ts.do(t, http.MethodGet, "/api/v1/runs/r1/events?since=1", ""))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "portal", resp.Events[0].Stage)

	resp = decode[EventsResponse](t, ts.do(t, http.MethodGet, "/api/v1/runs/r1/events?since=9", ""))
	assert.NotNil(t, resp.Events)
	assert.Empty(t, resp.Events)

	rec := ts.do(t, http.MethodGet, "/api/v1/runs/r1/events?since=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGate(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, ts.repo.Save(ctx, fixtureRun("ready", at, artifact.StateValid, artifact.StateValid)))
	require.NoError(t, ts.repo.Save(ctx, fixtureRun("blocked", at, artifact.StateValid, artifact.StateInvalid)))

	rec := ts.do(t, http.MethodGet, "/api/v1/runs/ready/gate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	ready := decode[GateResponse](t, rec)
	assert.Equal(t, "ready", ready.Verdict)
	assert.Len(t, ready.BundleID, 64)
	assert.Len(t, ready.Manifest, 2)
	assert.Empty(t, ready.Failures)

	rec = ts.do(t, http.MethodGet, "/api/v1/runs/blocked/gate", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	blocked := decode[GateResponse](t, rec)
	assert.Equal(t, "blocked", blocked.Verdict)
	assert.Empty(t, blocked.BundleID)
	require.Len(t, blocked.Failures, 1)
	assert.Equal(t, "portal", blocked.Failures[0].Stage)
	assert.Equal(t, []string{`required section "Body" is empty`}, blocked.Failures[0].Errors)
}

func TestStartRun(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("passes params and returns the run", func(t *testing.T) {
		ts := setupTestServer(t)
		run := fixtureRun("r9", at, artifact.StateValid, artifact.StateValid)
		ts.runner.On("Start", map[string]string{"portal.url": "https://example.test"}).Return(run, nil).Once()

		rec := ts.do(t, http.MethodPost, "/api/v1/runs", `{"params":{"portal.url":"https://example.test"}}`)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "r9", decode[pipeline.Run](t, rec).ID)
		ts.runner.AssertExpectations(t)
	})

	t.Run("empty body", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.runner.On("Start", map[string]string(nil)).Return(fixtureRun("r10", at, artifact.StateValid, artifact.StateValid), nil).Once()
		rec := ts.do(t, http.MethodPost, "/api/v1/runs", "")
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("run failure still returns the run", func(t *testing.T) {
		ts := setupTestServer(t)
		run := fixtureRun("r11", at, artifact.StateValid, artifact.StateValid)
		run.Status = pipeline.StatusFailed
		ts.runner.On("Start", mock.Anything).Return(run, errors.New("disk full")).Once()

		rec := ts.do(t, http.MethodPost, "/api/v1/runs", "")
		assert.Equal(t, http.StatusCreated, rec.Code)
		ts.logs.AssertLogged(t, zapcore.ErrorLevel, "run finished with error")
	})

	t.Run("internal error", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.runner.On("Start", mock.Anything).Return(nil, errors.New("no collector")).Once()
		rec := ts.do(t, http.MethodPost, "/api/v1/runs", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "no collector")
	})

	t.Run("bad body", func(t *testing.T) {
		ts := setupTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/runs", `{"params":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		ts.runner.AssertNotCalled(t, "Start", mock.Anything)
	})
}

func TestRecollect(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("resolves latest and re-collects", func(t *testing.T) {
		ts := setupTestServer(t)
		require.NoError(t, ts.repo.Save(context.Background(), fixtureRun("r1", at, artifact.StateValid, artifact.StateValid)))
		updated := fixtureRun("r1", at.Add(time.Minute), artifact.StateValid, artifact.StateValid)
		ts.runner.On("Recollect", "r1", "portal").Return(updated, nil).Once()

		rec := ts.do(t, http.MethodPost, "/api/v1/runs/latest/stages/portal/recollect", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "r1", decode[pipeline.Run](t, rec).ID)
		ts.runner.AssertExpectations(t)
	})

	t.Run("unknown stage", func(t *testing.T) {
		ts := setupTestServer(t)
		require.NoError(t, ts.repo.Save(context.Background(), fixtureRun("r1", at, artifact.StateValid, artifact.StateValid)))
		ts.runner.On("Recollect", "r1", "nope").Return(nil, fmt.Errorf("%w: nope", orchestrator.ErrUnknownStage)).Once()

		rec := ts.do(t, http.MethodPost, "/api/v1/runs/r1/stages/nope/recollect", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "unknown stage")
	})

	t.Run("missing run", func(t *testing.T) {
		ts := setupTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/runs/ghost/stages/portal/recollect", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		ts.runner.AssertNotCalled(t, "Recollect", mock.Anything, mock.Anything)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	orchestrator.NewMetrics()

	rec := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "charter_active_stages")
}

func TestShutdown(t *testing.T) {
	ts := setupTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, ts.Shutdown(ctx))
}
