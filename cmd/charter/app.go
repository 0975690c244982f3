package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/charter/internal/collector"
	"github.com/fyrsmithlabs/charter/internal/collector/codebase"
	"github.com/fyrsmithlabs/charter/internal/collector/manual"
	"github.com/fyrsmithlabs/charter/internal/collector/portal"
	"github.com/fyrsmithlabs/charter/internal/collector/tickets"
	"github.com/fyrsmithlabs/charter/internal/config"
	"github.com/fyrsmithlabs/charter/internal/eventlog"
	"github.com/fyrsmithlabs/charter/internal/logging"
	"github.com/fyrsmithlabs/charter/internal/orchestrator"
	"github.com/fyrsmithlabs/charter/internal/pipeline"
	"github.com/fyrsmithlabs/charter/internal/redact"
	"github.com/fyrsmithlabs/charter/internal/stage"
	"github.com/fyrsmithlabs/charter/internal/telemetry"
)

// app holds the dependencies shared by every command.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry
	repo   *pipeline.FileRepository
	graph  *stage.Graph
	manual *manual.Collector
}

// loadApp reads configuration and sets up logging, telemetry and the run
// repository. Collectors are only built by orchestrator.
func loadApp(ctx context.Context, opts *globalOptions) (*app, error) {
	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.stateDir != "" {
		cfg.Pipeline.StateDir = opts.stateDir
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.FromAppConfig(cfg.Logging, tel.LoggerProvider() != nil)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to configure logger: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	graph, err := stage.NewGraph(stage.FromConfig(cfg))
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		tel:    tel,
		repo:   pipeline.NewFileRepository(cfg.Pipeline.StateDir),
		graph:  graph,
	}, nil
}

// gateStages returns the configured gate set. Empty means every stage.
func (a *app) gateStages() []string {
	return a.cfg.GateStages()
}

// resolve loads a run by ID; an empty ID or "latest" selects the newest run.
func (a *app) resolve(ctx context.Context, id string) (*pipeline.Run, error) {
	if id == "latest" {
		id = ""
	}
	run, err := pipeline.Resolve(ctx, a.repo, id)
	if err != nil {
		return nil, notFound(err, id)
	}
	return run, nil
}

// registry registers one collector per configured source.
func (a *app) registry() (*collector.Registry, error) {
	c := a.cfg.Collectors
	a.manual = manual.New(c.Manual, a.logger)

	reg := collector.NewRegistry()
	for _, col := range []collector.Collector{
		codebase.New(c.Codebase, a.logger),
		tickets.New(c.Tickets, a.logger),
		portal.New(c.Portal, a.logger),
		a.manual,
	} {
		if err := reg.Register(col.Name(), col); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// sinks opens the configured event mirrors.
func (a *app) sinks() ([]eventlog.Sink, error) {
	var sinks []eventlog.Sink
	if path := a.cfg.Events.File; path != "" {
		fs, err := eventlog.NewFileSink(path)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	if url := a.cfg.Events.NATSURL; url != "" {
		ns, err := eventlog.DialNATS(url, a.cfg.Events.SubjectPrefix)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		sinks = append(sinks, ns)
	}
	return sinks, nil
}

// orchestrator wires collectors, redaction and event sinks into an
// orchestrator. The caller closes it.
func (a *app) orchestrator() (*orchestrator.Orchestrator, error) {
	reg, err := a.registry()
	if err != nil {
		return nil, err
	}
	redactor, err := redact.New(a.cfg.Redaction)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize redaction: %w", err)
	}
	sinks, err := a.sinks()
	if err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(a.graph, reg, a.repo,
		orchestrator.WithPolicy(orchestrator.PolicyFromConfig(a.cfg.Pipeline)),
		orchestrator.WithMaxParallel(a.cfg.Pipeline.MaxParallel),
		orchestrator.WithStageTimeout(a.cfg.Pipeline.StageTimeout.Duration()),
		orchestrator.WithRedactor(redactor),
		orchestrator.WithSinks(sinks...),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithTracer(a.tel.Tracer("github.com/fyrsmithlabs/charter/orchestrator")),
	)
	if err != nil {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, err
	}

	a.logger.Debug(context.Background(), "orchestrator ready",
		zap.Strings("stages", a.graph.Order()),
		zap.String("state_dir", a.cfg.Pipeline.StateDir),
		zap.Int("sinks", len(sinks)))
	return orch, nil
}

// Close flushes telemetry and the logger.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.tel.Shutdown(ctx)
	_ = a.logger.Sync() // Best-effort sync on shutdown
	return err
}

// withApp loads the app for the duration of fn.
func withApp(ctx context.Context, opts *globalOptions, fn func(*app) error) error {
	a, err := loadApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			a.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(cerr))
		}
	}()
	return fn(a)
}

// withOrchestrator is withApp plus a ready orchestrator.
func withOrchestrator(ctx context.Context, opts *globalOptions, fn func(*app, *orchestrator.Orchestrator) error) error {
	return withApp(ctx, opts, func(a *app) error {
		orch, err := a.orchestrator()
		if err != nil {
			return err
		}
		defer func() {
			if cerr := orch.Close(); cerr != nil {
				a.logger.Warn(ctx, "closing event sinks failed", zap.Error(cerr))
			}
		}()
		return fn(a, orch)
	})
}

// notFound adds a hint when no run exists yet.
func notFound(err error, id string) error {
	if errors.Is(err, pipeline.ErrRunNotFound) && id == "" {
		return fmt.Errorf("no runs yet, start one with 'charter start': %w", err)
	}
	return err
}
