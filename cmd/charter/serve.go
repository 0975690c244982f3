package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/charter/internal/config"
	chttp "github.com/fyrsmithlabs/charter/internal/http"
	"github.com/fyrsmithlabs/charter/internal/orchestrator"
	"github.com/fyrsmithlabs/charter/internal/pipeline"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var (
		host  string
		port  int
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline status API",
		Long: `Serve the HTTP API for starting runs, reading status and events, evaluating
the gate and forcing re-collection. Prometheus metrics are exposed on
/metrics.

With --watch (or collectors.manual.watch) changes to the manual documents
folder re-collect the manual stages of the latest run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withOrchestrator(ctx, opts, func(a *app, orch *orchestrator.Orchestrator) error {
				if cmd.Flags().Changed("host") {
					a.cfg.Server.Host = host
				}
				if cmd.Flags().Changed("port") {
					a.cfg.Server.Port = port
				}
				if cmd.Flags().Changed("watch") {
					a.cfg.Collectors.Manual.Watch = watch
				}
				return serve(ctx, a, orch)
			})
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "listen host (overrides server.host)")
	cmd.Flags().IntVar(&port, "port", 9191, "listen port (overrides server.port)")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-collect manual stages when documents change")
	return cmd
}

// serve blocks until ctx is cancelled or the listener fails.
func serve(ctx context.Context, a *app, orch *orchestrator.Orchestrator) error {
	srv, err := chttp.NewServer(orch, a.repo, a.logger, &chttp.Config{
		Host:       a.cfg.Server.Host,
		Port:       a.cfg.Server.Port,
		GateStages: a.gateStages(),
	})
	if err != nil {
		return err
	}

	a.logger.Info(ctx, "starting charter",
		zap.String("version", version),
		zap.Int("port", a.cfg.Server.Port),
		zap.String("state_dir", a.cfg.Pipeline.StateDir),
		zap.Duration("shutdown_timeout", a.cfg.Server.ShutdownTimeout.Duration()))

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if a.cfg.Collectors.Manual.Watch && a.manual != nil {
		go func() {
			err := a.manual.Watch(watchCtx, func(paths []string) {
				recollectManual(watchCtx, a, orch, paths)
			})
			if err != nil && watchCtx.Err() == nil {
				a.logger.Warn(ctx, "manual document watcher stopped", zap.Error(err))
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	stopWatch()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	a.logger.Info(shutdownCtx, "server shutdown complete")
	return nil
}

// recollectManual re-collects every stage fed by the manual collector on
// the latest run.
func recollectManual(ctx context.Context, a *app, orch *orchestrator.Orchestrator, paths []string) {
	run, err := a.repo.Latest(ctx)
	if err != nil {
		if !errors.Is(err, pipeline.ErrRunNotFound) {
			a.logger.Warn(ctx, "cannot load latest run", zap.Error(err))
		}
		return
	}
	for _, name := range manualStages(a) {
		a.logger.Info(ctx, "manual documents changed, re-collecting",
			zap.String("run_id", run.ID),
			zap.String("stage", name),
			zap.Strings("paths", paths))
		if _, err := orch.Recollect(ctx, run.ID, name); err != nil {
			a.logger.Error(ctx, "re-collection failed", zap.String("stage", name), zap.Error(err))
		}
	}
}

func manualStages(a *app) []string {
	var out []string
	for _, name := range a.graph.Order() {
		def, ok := a.graph.Definition(name)
		if ok && def.Collector == config.CollectorManual {
			out = append(out, name)
		}
	}
	return out
}
