package main

import (
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/charter/internal/monitor"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch [RUN]",
		Short: "Live dashboard for a run",
		Long: `Open a terminal dashboard that polls the run and shows stage states,
retries, interventions and recent events. Without RUN it follows the
latest run, switching when a new one starts.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				id := firstArg(args)
				if id == "latest" {
					id = ""
				}
				m := monitor.NewModel(a.repo, id, interval)
				p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
				if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "polling interval")
	return cmd
}
