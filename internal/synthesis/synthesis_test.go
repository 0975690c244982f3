package synthesis

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/charter/internal/artifact"
	"github.com/fyrsmithlabs/charter/internal/config"
	"github.com/fyrsmithlabs/charter/internal/gate"
	"github.com/fyrsmithlabs/charter/internal/logging"
	"github.com/fyrsmithlabs/charter/internal/pipeline"
)

var stages = []string{"technical", "issue-tracker", "portal", "manual-docs"}

func bundle(t *testing.T) *gate.Bundle {
	t.Helper()
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	run := pipeline.NewRun("run-7", stages, at)
	for _, name := range stages {
		a := run.Artifacts[name]
		a.State = artifact.StateValid
		a.ProducedAt = at
		a.SourceAdapter = name + "-collector"
		a.AddSection("Summary", artifact.Text("about "+name+"\nsecond line"))
		a.AddSection("Items", artifact.List("one", "two"))
	}
	res := gate.Evaluate(run, stages)
	require.True(t, res.Ready())
	return res.Bundle
}

type fakeModel struct {
	prompts []string
	reply   string
	err     error
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, m := range messages {
		for _, p := range m.Parts {
			if tc, ok := p.(llms.TextContent); ok {
				f.prompts = append(f.prompts, tc.Text)
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestMarkdown_Synthesize(t *testing.T) {
	b := bundle(t)
	doc, err := NewMarkdown().Synthesize(context.Background(), b)
	require.NoError(t, err)

	assert.Equal(t, "markdown", doc.Provider)
	assert.Equal(t, b.ID(), doc.BundleID)
	assert.Equal(t, "run-7", doc.RunID)
	assert.True(t, strings.HasPrefix(doc.Content, "# Requirements Constitution\n"))
	assert.Contains(t, doc.Content, "| technical | technical-collector | 2026-03-01 09:30 |")
	assert.Contains(t, doc.Content, "  - Summary (2 lines)")
	assert.Contains(t, doc.Content, "  - Items (2 items)")
	// Artifact headings are nested below the summary's own.
	assert.Contains(t, doc.Content, "\n### portal\n")
	assert.Contains(t, doc.Content, "\n#### Summary\n")
	assert.NotContains(t, doc.Content, "\n# portal\n")
}

func TestMarkdown_Deterministic(t *testing.T) {
	b := bundle(t)
	first, err := NewMarkdown().Synthesize(context.Background(), b)
	require.NoError(t, err)
	second, err := NewMarkdown().Synthesize(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMarkdown_EmptyBundle(t *testing.T) {
	_, err := NewMarkdown().Synthesize(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyBundle)
}

func TestDemote_SkipsFencedCode(t *testing.T) {
	in := "# title\n```\n# comment\n```\n## sub"
	assert.Equal(t, "### title\n```\n# comment\n```\n#### sub", demote(in))
}

func TestLLM_Synthesize(t *testing.T) {
	b := bundle(t)
	model := &fakeModel{reply: "  # Constitution\n\nPurpose.  "}
	tl := logging.NewTestLogger()

	doc, err := NewLLM(model, WithLogger(tl.Logger), WithModelName("gpt-test")).Synthesize(context.Background(), b)
	require.NoError(t, err)

	assert.Equal(t, "# Constitution\n\nPurpose.\n", doc.Content)
	assert.Equal(t, "llm:gpt-test", doc.Provider)
	require.Len(t, model.prompts, 1)
	for _, ref := range b.References() {
		assert.Contains(t, model.prompts[0], ref)
	}
	assert.Contains(t, model.prompts[0], "about manual-docs")
	tl.AssertLogged(t, zapcore.InfoLevel, "bundle synthesized")
	tl.AssertNotLogged(t, zapcore.WarnLevel, "truncated")
}

func TestLLM_TruncatesInput(t *testing.T) {
	b := bundle(t)
	model := &fakeModel{reply: "ok"}
	tl := logging.NewTestLogger()

	_, err := NewLLM(model, WithMaxInputChars(80), WithLogger(tl.Logger)).Synthesize(context.Background(), b)
	require.NoError(t, err)

	require.Len(t, model.prompts, 1)
	assert.Contains(t, model.prompts[0], "[truncated]")
	assert.NotContains(t, model.prompts[0], "about manual-docs")
	tl.AssertLogged(t, zapcore.WarnLevel, "bundle truncated for synthesis")
}

func TestLLM_Errors(t *testing.T) {
	b := bundle(t)

	boom := errors.New("quota exceeded")
	_, err := NewLLM(&fakeModel{err: boom}).Synthesize(context.Background(), b)
	assert.ErrorIs(t, err, boom)

	_, err = NewLLM(&fakeModel{reply: "   "}).Synthesize(context.Background(), b)
	assert.ErrorContains(t, err, "model returned no content")

	_, err = NewLLM(&fakeModel{}).Synthesize(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyBundle)
}

func TestTruncate(t *testing.T) {
	s, cut := truncate("short", 100)
	assert.False(t, cut)
	assert.Equal(t, "short", s)

	s, cut = truncate("line one\nline two\nline three", 20)
	assert.True(t, cut)
	assert.Equal(t, "line one\nline two\n\n[truncated]", s)

	s, cut = truncate("abcdefghij", 4)
	assert.True(t, cut)
	assert.Equal(t, "abcd\n\n[truncated]", s)

	_, cut = truncate("anything", 0)
	assert.False(t, cut)
}

func TestNew(t *testing.T) {
	c, err := New(config.SynthesisConfig{Provider: "markdown"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "markdown", c.Name())

	tl := logging.NewTestLogger()
	c, err = New(config.SynthesisConfig{Provider: "openai", Model: "gpt-4o-mini"}, tl.Logger)
	require.NoError(t, err)
	assert.Equal(t, "markdown", c.Name())
	tl.AssertLogged(t, zapcore.WarnLevel, "no synthesis API key")

	_, err = New(config.SynthesisConfig{Provider: "carrier-pigeon"}, nil)
	assert.ErrorContains(t, err, "unknown provider")
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "CONSTITUTION.md")
	require.NoError(t, WriteFile(path, &Document{Content: "# hello\n"}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# hello\n", string(data))
}
