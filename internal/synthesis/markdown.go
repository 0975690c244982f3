package synthesis

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/charter/internal/artifact"
	"github.com/fyrsmithlabs/charter/internal/gate"
)

// Markdown builds a summary straight from the bundle: a source table, an
// outline of every section, then the full content.
type Markdown struct{}

// NewMarkdown returns the deterministic consumer.
func NewMarkdown() *Markdown { return &Markdown{} }

// Name implements Consumer.
func (*Markdown) Name() string { return "markdown" }

// Synthesize implements Consumer.
func (*Markdown) Synthesize(_ context.Context, b *gate.Bundle) (*Document, error) {
	if b == nil || len(b.References()) == 0 {
		return nil, ErrEmptyBundle
	}
	arts := b.Artifacts()

	var sb strings.Builder
	sb.WriteString("# Requirements Constitution\n\n")
	fmt.Fprintf(&sb, "Run `%s`, bundle `%s`.\n\n", b.RunID(), shortID(b.ID()))

	sb.WriteString("## Sources\n\n")
	sb.WriteString("| Stage | Source | Collected | Reference |\n")
	sb.WriteString("| --- | --- | --- | --- |\n")
	for i, m := range b.Manifest() {
		source := "-"
		if i < len(arts) && arts[i].SourceAdapter != "" {
			source = arts[i].SourceAdapter
		}
		collected := "-"
		if !m.Timestamp.IsZero() {
			collected = m.Timestamp.UTC().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(&sb, "| %s | %s | %s | `%s` |\n", m.Stage, source, collected, m.Reference)
	}

	sb.WriteString("\n## Outline\n\n")
	for _, a := range arts {
		fmt.Fprintf(&sb, "- **%s**\n", a.Name)
		for _, s := range a.Sections {
			fmt.Fprintf(&sb, "  - %s (%s)\n", s.Name, describe(s.Block))
		}
	}

	sb.WriteString("\n## Collected Material\n\n")
	sb.WriteString(demote(b.Content()))

	return &Document{
		BundleID: b.ID(),
		RunID:    b.RunID(),
		Provider: "markdown",
		Content:  sb.String(),
	}, nil
}

func describe(b artifact.Block) string {
	switch b.Kind {
	case artifact.KindTable:
		return fmt.Sprintf("%d rows", len(b.Rows))
	case artifact.KindMapping:
		return fmt.Sprintf("%d entries", len(b.Entries))
	case artifact.KindList:
		return fmt.Sprintf("%d items", len(b.Items))
	default:
		return fmt.Sprintf("%d lines", strings.Count(strings.TrimSpace(b.Text), "\n")+1)
	}
}

// demote shifts markdown headings two levels down so bundled artifacts
// nest under the summary's own headings.
func demote(content string) string {
	lines := strings.Split(content, "\n")
	inFence := false
	for i, l := range lines {
		if strings.HasPrefix(l, "```") {
			inFence = !inFence
			continue
		}
		if !inFence && strings.HasPrefix(l, "#") {
			lines[i] = "##" + l
		}
	}
	return strings.Join(lines, "\n")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
