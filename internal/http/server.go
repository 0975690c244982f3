// Package http provides the pipeline status API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/charter/internal/eventlog"
	"github.com/fyrsmithlabs/charter/internal/gate"
	"github.com/fyrsmithlabs/charter/internal/logging"
	"github.com/fyrsmithlabs/charter/internal/orchestrator"
	"github.com/fyrsmithlabs/charter/internal/pipeline"
)

// Runner executes pipeline operations. *orchestrator.Orchestrator
// satisfies it.
type Runner interface {
	Start(ctx context.Context, params map[string]string) (*pipeline.Run, error)
	Recollect(ctx context.Context, runID, stage string) (*pipeline.Run, error)
}

// Server provides HTTP endpoints for pipeline runs.
type Server struct {
	echo       *echo.Echo
	runner     Runner
	repo       pipeline.Repository
	gateStages []string
	logger     *logging.Logger
	config     *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// GateStages lists the stages the gate requires. Empty means every
	// stage recorded on the run.
	GateStages []string
}

// NewServer creates a new HTTP server.
func NewServer(runner Runner, repo pipeline.Repository, logger *logging.Logger, cfg *Config) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if repo == nil {
		return nil, fmt.Errorf("repository cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			if err := next(c); err != nil {
				c.Error(err)
			}

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})

	s := &Server{
		echo:       e,
		runner:     runner,
		repo:       repo,
		gateStages: cfg.GateStages,
		logger:     logger,
		config:     cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/runs", s.handleListRuns)
	v1.POST("/runs", s.handleStartRun)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.GET("/runs/:id/events", s.handleEvents)
	v1.GET("/runs/:id/gate", s.handleGate)
	v1.POST("/runs/:id/stages/:stage/recollect", s.handleRecollect)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleListRuns(c echo.Context) error {
	runs, err := s.repo.List(c.Request().Context())
	if err != nil {
		return s.internal(c, "list runs", err)
	}
	if runs == nil {
		runs = []pipeline.Summary{}
	}
	return c.JSON(http.StatusOK, RunListResponse{Runs: runs})
}

func (s *Server) handleStartRun(c echo.Context) error {
	var req StartRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			s.logger.Warn(c.Request().Context(), "invalid start request", zap.Error(err))
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}

	// Runs outlive the request that started them.
	ctx := context.WithoutCancel(c.Request().Context())
	run, err := s.runner.Start(ctx, req.Params)
	if run == nil {
		return s.internal(c, "start run", err)
	}
	if err != nil {
		s.logger.Error(ctx, "run finished with error", zap.String("run.id", run.ID), zap.Error(err))
	}
	return c.JSON(http.StatusCreated, run)
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.loadRun(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleEvents(c echo.Context) error {
	run, err := s.loadRun(c)
	if err != nil {
		return err
	}
	var since int64
	if raw := c.QueryParam("since"); raw != "" {
		since, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || since < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be a non-negative integer")
		}
	}
	resp := EventsResponse{RunID: run.ID, Events: make([]eventlog.Event, 0, len(run.Events))}
	for _, e := range run.Events {
		if e.Seq > since {
			resp.Events = append(resp.Events, e)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGate(c echo.Context) error {
	run, err := s.loadRun(c)
	if err != nil {
		return err
	}
	res := gate.Evaluate(run, gate.Stages(run, s.gateStages))
	resp := GateResponse{
		RunID:    res.RunID,
		Verdict:  string(res.Verdict),
		Manifest: res.Manifest,
		Failures: res.Failures,
	}
	if res.Bundle != nil {
		resp.BundleID = res.Bundle.ID()
	}
	code := http.StatusOK
	if !res.Ready() {
		code = http.StatusConflict
	}
	return c.JSON(code, resp)
}

func (s *Server) handleRecollect(c echo.Context) error {
	current, err := s.loadRun(c)
	if err != nil {
		return err
	}
	ctx := context.WithoutCancel(c.Request().Context())
	run, err := s.runner.Recollect(ctx, current.ID, c.Param("stage"))
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	case errors.Is(err, orchestrator.ErrUnknownStage):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case run == nil:
		return s.internal(c, "recollect stage", err)
	case err != nil:
		s.logger.Error(ctx, "recollection finished with error", zap.String("run.id", run.ID), zap.Error(err))
	}
	return c.JSON(http.StatusOK, run)
}

// loadRun resolves the :id parameter. "latest" selects the most recent run.
func (s *Server) loadRun(c echo.Context) (*pipeline.Run, error) {
	id := c.Param("id")
	if id == "latest" {
		id = ""
	}
	run, err := pipeline.Resolve(c.Request().Context(), s.repo, id)
	if errors.Is(err, pipeline.ErrRunNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return nil, s.internal(c, "load run", err)
	}
	return run, nil
}

func (s *Server) internal(c echo.Context, op string, err error) error {
	s.logger.Error(c.Request().Context(), op+" failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, op+" failed")
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
