package main

import (
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/charter/internal/mcp"
	"github.com/fyrsmithlabs/charter/internal/orchestrator"
)

func newMCPCmd(opts *globalOptions) *cobra.Command {
	var readOnly bool
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve pipeline tools over MCP stdio",
		Long: `Run an MCP server on stdin/stdout exposing pipeline_runs, pipeline_status,
pipeline_gate and stage_recollect. Logs go to stderr.

With --read-only the stage_recollect tool is not registered and no
collectors are configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if readOnly {
				return withApp(ctx, opts, func(a *app) error {
					return runMCP(cmd, a, nil)
				})
			}
			return withOrchestrator(ctx, opts, func(a *app, orch *orchestrator.Orchestrator) error {
				return runMCP(cmd, a, orch)
			})
		},
	}
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "expose status and gate tools only")
	return cmd
}

func runMCP(cmd *cobra.Command, a *app, rec mcp.Recollector) error {
	srv, err := mcp.NewServer(&mcp.Config{
		Name:       "charter",
		Version:    version,
		GateStages: a.gateStages(),
		Logger:     a.logger,
	}, a.repo, rec)
	if err != nil {
		return err
	}
	return srv.Run(cmd.Context())
}
