package monitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/charter/internal/artifact"
	"github.com/fyrsmithlabs/charter/internal/eventlog"
	"github.com/fyrsmithlabs/charter/internal/pipeline"
)

var started = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func sampleRun() *pipeline.Run {
	run := pipeline.NewRun("run-42", []string{"technical", "issue-tracker", "portal", "manual-docs"}, started)
	tech := run.Artifacts["technical"]
	tech.State = artifact.StateValid
	tech.Attempts = 1
	tech.SourceAdapter = "codebase"
	tech.ProducedAt = started.Add(time.Second)

	tickets := run.Artifacts["issue-tracker"]
	tickets.State = artifact.StateFailed
	tickets.Attempts = 3
	tickets.Errors = []string{"attempt 1: rate limited", "attempt 2: rate limited", "attempt 3: rate limited"}

	portal := run.Artifacts["portal"]
	portal.State = artifact.StateInvalid
	portal.Errors = []string{`required section "Headings Hierarchy" is missing`}

	run.Artifacts["manual-docs"].State = artifact.StateCollecting
	run.Status = pipeline.StatusRunning
	run.UpdatedAt = started.Add(90 * time.Second)
	for i := 1; i <= 10; i++ {
		run.Events = append(run.Events, eventlog.Event{
			Seq: int64(i), RunID: run.ID, Time: started.Add(time.Duration(i) * time.Second),
			Kind: eventlog.KindInfo, Message: fmt.Sprintf("event number %d", i),
		})
	}
	return run
}

func newTestModel(t *testing.T) (Model, *pipeline.FileRepository) {
	t.Helper()
	repo := pipeline.NewFileRepository(t.TempDir())
	m := NewModel(repo, "", 2*time.Second)
	m.now = func() time.Time { return started.Add(2 * time.Minute) }
	return m, repo
}

func TestModel_Init(t *testing.T) {
	m, _ := newTestModel(t)
	assert.NotNil(t, m.Init())
}

func TestModel_Update_QuitKey(t *testing.T) {
	m, _ := newTestModel(t)
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	assert.True(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, updated.View())
}

func TestModel_Update_TickSchedulesFetch(t *testing.T) {
	m, _ := newTestModel(t)
	updated, cmd := m.Update(tickMsg(time.Now()))
	assert.False(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
}

func TestFetchRun(t *testing.T) {
	m, repo := newTestModel(t)

	msg := fetchRun(m.repo, "")()
	errm, ok := msg.(errMsg)
	require.True(t, ok)
	assert.ErrorIs(t, errm, pipeline.ErrRunNotFound)

	require.NoError(t, repo.Save(context.Background(), sampleRun()))
	msg = fetchRun(m.repo, "")()
	rm, ok := msg.(runMsg)
	require.True(t, ok)
	assert.Equal(t, "run-42", rm.run.ID)
}

func TestModel_Update_RunMsg(t *testing.T) {
	m, _ := newTestModel(t)
	m.err = fmt.Errorf("stale")

	updated, cmd := m.Update(runMsg{run: sampleRun()})
	got := updated.(Model)
	assert.Nil(t, cmd)
	assert.Nil(t, got.err)
	assert.Equal(t, "run-42", got.run.ID)
	assert.Equal(t, started.Add(2*time.Minute), got.lastUpdate)
}

func TestModel_View_Run(t *testing.T) {
	m, _ := newTestModel(t)
	updated, _ := m.Update(runMsg{run: sampleRun()})
	view := updated.View()

	assert.Contains(t, view, "charter Monitor")
	assert.Contains(t, view, "RUNNING")
	assert.Contains(t, view, "run-42")
	assert.Contains(t, view, "2m 0s")
	assert.Contains(t, view, "3/4 stages, 75.0%")
	assert.Contains(t, view, "codebase")
	assert.Contains(t, view, "Needs Attention")
	assert.Contains(t, view, "portal (invalid)")
	assert.Contains(t, view, "event number 10")
	assert.NotContains(t, view, "event number 2", "only the last events are shown")
	assert.Contains(t, view, "[q]")
}

func TestModel_View_Error(t *testing.T) {
	m, _ := newTestModel(t)
	updated, _ := m.Update(errMsg(fmt.Errorf("no runs in /tmp/x")))
	view := updated.View()
	assert.Contains(t, view, "Cannot load run")
	assert.Contains(t, view, "latest")
	assert.Contains(t, view, "no runs in /tmp/x")
}

func TestModel_View_NoData(t *testing.T) {
	m, _ := newTestModel(t)
	view := m.View()
	assert.Contains(t, view, "Waiting for run data")
	assert.Contains(t, view, "[r]")
}

func TestInterventions(t *testing.T) {
	lines := Interventions(sampleRun())
	assert.Equal(t, []string{
		"issue-tracker (failed): attempt 1: rate limited; attempt 2: rate limited; attempt 3: rate limited",
		`portal (invalid): required section "Headings Hierarchy" is missing`,
	}, lines)
}

func TestRenderStatus(t *testing.T) {
	run := sampleRun()
	run.Artifacts["manual-docs"].State = artifact.StateBlocked
	run.Status = pipeline.StatusBlocked

	out := RenderStatus(run)
	assert.Contains(t, out, "BLOCKED")
	assert.Contains(t, out, "STAGE")
	assert.Contains(t, out, "(+2 more)")
	assert.Contains(t, out, "needs attention:")
	assert.Contains(t, out, "  - manual-docs (blocked)\n")
}
