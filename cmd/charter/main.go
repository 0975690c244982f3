// Charter runs the requirements-gathering pipeline.
//
// Usage:
//
//	# Run every stage and print the gate report
//	charter start
//
//	# Inspect the latest run
//	charter status
//
//	# Collect one stage again after fixing its source
//	charter recollect portal
//
// Exit codes: 0 when the run is ready for handoff, 1 when the gate is
// blocked, 2 on internal errors.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

const (
	exitReady    = 0
	exitBlocked  = 1
	exitInternal = 2
)

// errBlocked marks a command that completed but left the gate closed. The
// diagnostics have already been printed.
var errBlocked = errors.New("gate blocked")

// globalOptions holds the persistent flags.
type globalOptions struct {
	configPath string
	stateDir   string
	logLevel   string
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := root.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, errBlocked) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitReady
	case errors.Is(err, errBlocked):
		return exitBlocked
	default:
		return exitInternal
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "charter",
		Short: "Requirements-gathering pipeline orchestrator",
		Long: `charter collects requirements material from a codebase, an issue tracker,
a web portal and a folder of manual documents, validates every artifact
against its stage schema and hands the result to synthesis once every
required stage is valid.

Runs are persisted under the state directory, so any command that takes
a RUN argument defaults to the latest run.`,
		Version:       fmt.Sprintf("%s (%s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./charter.yaml or ~/.config/charter/config.yaml)")
	root.PersistentFlags().StringVar(&opts.stateDir, "state-dir", "", "directory holding persisted runs (overrides pipeline.state_dir)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newStartCmd(opts),
		newStatusCmd(opts),
		newRecollectCmd(opts),
		newGateCmd(opts),
		newSynthesizeCmd(opts),
		newServeCmd(opts),
		newMCPCmd(opts),
		newWatchCmd(opts),
	)
	return root
}
