package monitor

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/fyrsmithlabs/charter/internal/artifact"
	"github.com/fyrsmithlabs/charter/internal/eventlog"
	"github.com/fyrsmithlabs/charter/internal/pipeline"
)

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	collectingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)
)

// StatusBadge returns a colored badge for a run status.
func StatusBadge(s pipeline.Status) string {
	switch s {
	case pipeline.StatusReady:
		return healthyStyle.Render("✓ READY")
	case pipeline.StatusRunning:
		return collectingStyle.Render("● RUNNING")
	case pipeline.StatusBlocked:
		return warningStyle.Render("⚠ BLOCKED")
	default:
		return errorStyle.Render("✗ " + strings.ToUpper(string(s)))
	}
}

func stateStyle(s artifact.State) lipgloss.Style {
	switch s {
	case artifact.StateValid:
		return healthyStyle
	case artifact.StateInvalid, artifact.StateBlocked:
		return warningStyle
	case artifact.StateFailed:
		return errorStyle
	case artifact.StateCollecting, artifact.StateCollected:
		return collectingStyle
	default:
		return dimStyle
	}
}

// StageTable renders one row per stage. active is prefixed to stages that
// are currently collecting.
func StageTable(run *pipeline.Run, active string) string {
	rows := make([][]string, 0, len(run.Stages))
	states := make([]artifact.State, 0, len(run.Stages))
	for _, name := range run.Stages {
		state := run.State(name)
		label := string(state)
		if state == artifact.StateCollecting && active != "" {
			label = active + " " + label
		}
		attempts, source, produced, errs := "-", "-", "-", ""
		if a, ok := run.Artifact(name); ok {
			if a.Attempts > 0 {
				attempts = fmt.Sprintf("%d", a.Attempts)
			}
			if a.SourceAdapter != "" {
				source = a.SourceAdapter
			}
			if !a.ProducedAt.IsZero() {
				produced = a.ProducedAt.Local().Format("15:04:05")
			}
			errs = summarizeErrors(a.Errors)
		}
		rows = append(rows, []string{name, label, attempts, source, produced, errs})
		states = append(states, state)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("STAGE", "STATE", "ATTEMPTS", "SOURCE", "PRODUCED", "ERRORS").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return cellStyle.Inherit(labelStyle).Bold(true)
			}
			if col == 1 && row >= 0 && row < len(states) {
				return cellStyle.Inherit(stateStyle(states[row]))
			}
			return cellStyle
		})
	return t.String()
}

func summarizeErrors(errs []string) string {
	switch len(errs) {
	case 0:
		return ""
	case 1:
		return Truncate(errs[0], 60)
	default:
		return fmt.Sprintf("%s (+%d more)", Truncate(errs[0], 48), len(errs)-1)
	}
}

// Interventions lists the stages that keep the run from being ready, one
// line per stage with every recorded error.
func Interventions(run *pipeline.Run) []string {
	var out []string
	for _, name := range run.Stages {
		state := run.State(name)
		if state == artifact.StateValid || !state.Terminal() {
			continue
		}
		line := fmt.Sprintf("%s (%s)", name, state)
		if a, ok := run.Artifact(name); ok && len(a.Errors) > 0 {
			line += ": " + strings.Join(a.Errors, "; ")
		}
		out = append(out, line)
	}
	return out
}

func terminalCount(run *pipeline.Run) (done, total int) {
	for _, name := range run.Stages {
		if run.State(name).Terminal() {
			done++
		}
	}
	return done, len(run.Stages)
}

// FormatEvent renders an event on one line.
func FormatEvent(e eventlog.Event) string {
	var b strings.Builder
	b.WriteString(dimStyle.Render(e.Time.Local().Format("15:04:05")))
	b.WriteString(" ")
	b.WriteString(kindStyle(e.Kind).Render(fmt.Sprintf("%-12s", e.Kind)))
	if e.Stage != "" {
		b.WriteString(" " + labelStyle.Render(e.Stage))
	}
	if e.IsTransition() {
		fmt.Fprintf(&b, " %s → %s", e.From, e.To)
	}
	if e.Message != "" {
		b.WriteString(" " + e.Message)
	}
	return b.String()
}

func kindStyle(k eventlog.Kind) lipgloss.Style {
	switch k {
	case eventlog.KindError:
		return errorStyle
	case eventlog.KindIntervention:
		return warningStyle
	case eventlog.KindStep:
		return collectingStyle
	default:
		return dimStyle
	}
}

// RenderStatus renders a static status report for a run.
func RenderStatus(run *pipeline.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s %s  %s %s\n",
		StatusBadge(run.Status),
		dimStyle.Render("run"), valueStyle.Render(run.ID),
		dimStyle.Render("updated"), run.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
	)
	b.WriteString(StageTable(run, "") + "\n")
	if run.Error != "" {
		b.WriteString(errorStyle.Render("error: ") + run.Error + "\n")
	}
	if needs := Interventions(run); len(needs) > 0 {
		b.WriteString(warningStyle.Render("needs attention:") + "\n")
		for _, line := range needs {
			b.WriteString("  - " + line + "\n")
		}
	}
	return b.String()
}
