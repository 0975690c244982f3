// Package monitor renders pipeline runs: a live bubbletea dashboard and a
// static status table for the CLI.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/fyrsmithlabs/charter/internal/pipeline"
)

const eventTail = 8

// Model is the bubbletea dashboard for one pipeline run.
type Model struct {
	repo       pipeline.Repository
	runID      string
	interval   time.Duration
	lastUpdate time.Time
	run        *pipeline.Run
	err        error
	quitting   bool

	progress progress.Model
	spinner  spinner.Model
	now      func() time.Time
}

// NewModel creates a dashboard that polls repo every interval. An empty
// runID follows the latest run.
func NewModel(repo pipeline.Repository, runID string, interval time.Duration) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = collectingStyle

	return Model{
		repo:     repo,
		runID:    runID,
		interval: interval,
		progress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
		spinner: sp,
		now:     time.Now,
	}
}

type tickMsg time.Time
type runMsg struct{ run *pipeline.Run }
type errMsg error

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchRun(m.repo, m.runID),
		m.spinner.Tick,
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchRun(repo pipeline.Repository, runID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		run, err := pipeline.Resolve(ctx, repo, runID)
		if err != nil {
			return errMsg(err)
		}
		return runMsg{run: run}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchRun(m.repo, m.runID)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchRun(m.repo, m.runID),
		)

	case runMsg:
		m.run = msg.run
		m.lastUpdate = m.now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" charter Monitor ") + "\n\n")
	b.WriteString(errorStyle.Render("⚠ Cannot load run") + "\n\n")
	target := m.runID
	if target == "" {
		target = "latest"
	}
	b.WriteString(dimStyle.Render("Run: ") + valueStyle.Render(target) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(footer(m.interval))
	return containerStyle.Render(b.String())
}

func (m Model) renderDashboard() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" charter Monitor ") + "\n")

	if m.run == nil {
		b.WriteString("\n" + dimStyle.Render("Waiting for run data...") + "\n\n")
		b.WriteString(footer(m.interval))
		return containerStyle.Render(b.String())
	}

	run := m.run
	lastUpdate := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("3:04:05 PM")
	}
	elapsed := run.UpdatedAt.Sub(run.StartedAt)
	if run.Status == pipeline.StatusRunning {
		elapsed = m.now().Sub(run.StartedAt)
	}
	fmt.Fprintf(&b, "%s   %s %s   %s %s   %s\n",
		StatusBadge(run.Status),
		dimStyle.Render("Run:"), valueStyle.Render(run.ID),
		dimStyle.Render("Elapsed:"), valueStyle.Render(FormatElapsed(elapsed)),
		dimStyle.Render(lastUpdate),
	)

	done, total := terminalCount(run)
	ratio := 0.0
	if total > 0 {
		ratio = float64(done) / float64(total)
	}
	b.WriteString(labelStyle.Render("Progress: ") + m.progress.ViewAs(ratio) +
		" " + dimStyle.Render(fmt.Sprintf("%d/%d stages, %s", done, total, FormatPercentage(ratio))) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Stages") + "\n")
	b.WriteString(StageTable(run, m.spinner.View()) + "\n")

	if needs := Interventions(run); len(needs) > 0 {
		b.WriteString("\n" + sectionStyle.Render("┃ Needs Attention") + "\n")
		for _, line := range needs {
			b.WriteString("  " + warningStyle.Render("•") + " " + line + "\n")
		}
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Recent Events") + "\n")
	events := run.Events
	if len(events) > eventTail {
		events = events[len(events)-eventTail:]
	}
	if len(events) == 0 {
		b.WriteString(dimStyle.Render("  no events") + "\n")
	}
	for _, e := range events {
		b.WriteString("  " + FormatEvent(e) + "\n")
	}

	b.WriteString("\n" + footer(m.interval))
	return containerStyle.Render(b.String())
}

func footer(interval time.Duration) string {
	return footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", interval))
}
