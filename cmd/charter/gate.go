package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/charter/internal/gate"
	"github.com/fyrsmithlabs/charter/internal/synthesis"
)

func newGateCmd(opts *globalOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "gate [RUN]",
		Short: "Evaluate the gate and write the handoff bundle",
		Long: `Evaluate the gate for a run. When every required stage is valid the
handoff bundle is written as markdown with a YAML manifest header.
Otherwise every failing stage is listed and the command exits with 1.

Examples:
  # Write the bundle of the latest run to stdout
  charter gate

  # Write it to a file
  charter gate --out bundle.md`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				run, err := a.resolve(ctx, firstArg(args))
				if err != nil {
					return err
				}
				res := gate.Evaluate(run, gate.Stages(run, a.gateStages()))
				if !res.Ready() {
					return printBlocked(cmd, res)
				}
				doc, err := res.Bundle.Document()
				if err != nil {
					return err
				}
				if out == "" {
					_, err = cmd.OutOrStdout().Write(doc)
					return err
				}
				if err := writeFile(out, doc); err != nil {
					return err
				}
				a.logger.Info(ctx, "handoff bundle written",
					zap.String("run_id", run.ID),
					zap.String("bundle", res.Bundle.ID()),
					zap.String("path", out))
				fmt.Fprintf(cmd.OutOrStdout(), "bundle %s written to %s\n", res.Bundle.ID(), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the bundle to FILE instead of stdout")
	return cmd
}

func newSynthesizeCmd(opts *globalOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "synthesize [RUN]",
		Short: "Hand the bundle to the synthesis consumer",
		Long: `Evaluate the gate and pass the handoff bundle to the configured synthesis
provider. Without an LLM provider a deterministic markdown summary is
produced. Nothing is synthesized while the gate is blocked.

Examples:
  # Write CONSTITUTION.md (or synthesis.output) from the latest run
  charter synthesize

  # Choose the output file
  charter synthesize --out docs/requirements.md`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				run, err := a.resolve(ctx, firstArg(args))
				if err != nil {
					return err
				}
				res := gate.Evaluate(run, gate.Stages(run, a.gateStages()))
				if !res.Ready() {
					return printBlocked(cmd, res)
				}

				consumer, err := synthesis.New(a.cfg.Synthesis, a.logger)
				if err != nil {
					return err
				}
				doc, err := consumer.Synthesize(ctx, res.Bundle)
				if err != nil {
					return fmt.Errorf("synthesis failed: %w", err)
				}

				path := out
				if path == "" {
					path = a.cfg.Synthesis.Output
				}
				if err := synthesis.WriteFile(path, doc); err != nil {
					return err
				}
				a.logger.Info(ctx, "synthesis written",
					zap.String("run_id", run.ID),
					zap.String("provider", doc.Provider),
					zap.String("path", path))
				fmt.Fprintf(cmd.OutOrStdout(), "%s summary of bundle %s written to %s\n", doc.Provider, doc.BundleID, path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default synthesis.output)")
	return cmd
}

func printBlocked(cmd *cobra.Command, res gate.Result) error {
	w := cmd.ErrOrStderr()
	fmt.Fprintf(w, "gate blocked for run %s:\n", res.RunID)
	for _, f := range res.Failures {
		fmt.Fprintf(w, "  - %s\n", f)
	}
	return errBlocked
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
