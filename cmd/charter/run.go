package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/charter/internal/gate"
	"github.com/fyrsmithlabs/charter/internal/monitor"
	"github.com/fyrsmithlabs/charter/internal/orchestrator"
	"github.com/fyrsmithlabs/charter/internal/pipeline"
)

func newStartCmd(opts *globalOptions) *cobra.Command {
	var (
		resume string
		params []string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the pipeline and print the gate report",
		Long: `Run every stage of the pipeline, persist the run and evaluate the gate.

Examples:
  # Start a new run
  charter start

  # Pass parameters to collectors; "stage.key" targets one stage
  charter start --param portal.url=https://docs.example.com --param branch=main

  # Collect every stage of an earlier run that is not valid yet
  charter start --resume latest`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kv, err := parseParams(params)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withOrchestrator(ctx, opts, func(a *app, orch *orchestrator.Orchestrator) error {
				var (
					run    *pipeline.Run
					runErr error
				)
				if resume != "" {
					prev, err := a.resolve(ctx, resume)
					if err != nil {
						return err
					}
					a.logger.Info(ctx, "resuming run", zap.String("run_id", prev.ID))
					run, runErr = orch.Resume(ctx, prev.ID)
				} else {
					run, runErr = orch.Start(ctx, kv)
				}
				if err := runErr; err != nil {
					if run != nil {
						fmt.Fprint(cmd.ErrOrStderr(), monitor.RenderStatus(run))
					}
					return err
				}
				return report(cmd.OutOrStdout(), run, a.gateStages())
			})
		},
	}
	cmd.Flags().StringVar(&resume, "resume", "", "resume RUN instead of starting a new one (\"latest\" for the newest)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "collector parameter as key=value (repeatable)")
	return cmd
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [RUN]",
		Short: "Show run and stage status",
		Long: `Show the status of every stage of a run and the gate verdict.
Without RUN the latest run is shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				run, err := a.resolve(ctx, firstArg(args))
				if err != nil {
					return err
				}
				switch run.Status {
				case pipeline.StatusRunning:
					fmt.Fprint(cmd.OutOrStdout(), monitor.RenderStatus(run))
					return nil
				case pipeline.StatusFailed:
					fmt.Fprint(cmd.OutOrStdout(), monitor.RenderStatus(run))
					return fmt.Errorf("run %s failed: %s", run.ID, run.Error)
				}
				return report(cmd.OutOrStdout(), run, a.gateStages())
			})
		},
	}
}

func newRecollectCmd(opts *globalOptions) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "recollect STAGE",
		Short: "Force re-collection of one stage",
		Long: `Reset STAGE and every stage depending on it, then collect them again.
Other stages keep their artifacts. Works on ready runs too.

Examples:
  # Re-collect the portal stage of the latest run
  charter recollect portal

  # Re-collect a stage of a specific run
  charter recollect issue-tracker --run 5f0c...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withOrchestrator(ctx, opts, func(a *app, orch *orchestrator.Orchestrator) error {
				prev, err := a.resolve(ctx, runID)
				if err != nil {
					return err
				}
				run, err := orch.Recollect(ctx, prev.ID, args[0])
				if err != nil {
					if run != nil {
						fmt.Fprint(cmd.ErrOrStderr(), monitor.RenderStatus(run))
					}
					return err
				}
				return report(cmd.OutOrStdout(), run, a.gateStages())
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run to modify (default latest)")
	return cmd
}

// report prints the run status and the gate verdict. A closed gate
// returns errBlocked after listing every failing stage.
func report(w io.Writer, run *pipeline.Run, required []string) error {
	fmt.Fprint(w, monitor.RenderStatus(run))
	res := gate.Evaluate(run, gate.Stages(run, required))
	if res.Ready() {
		fmt.Fprintf(w, "\nready for handoff: bundle %s (%d artifacts)\n", res.Bundle.ID(), len(res.Manifest))
		return nil
	}
	fmt.Fprintf(w, "\ngate blocked for run %s:\n", res.RunID)
	for _, f := range res.Failures {
		fmt.Fprintf(w, "  - %s\n", f)
	}
	return errBlocked
}

// parseParams turns key=value flags into a map. Later keys win.
func parseParams(list []string) (map[string]string, error) {
	if len(list) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(list))
	for _, p := range list {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
