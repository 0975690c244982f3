package synthesis

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/charter/internal/gate"
	"github.com/fyrsmithlabs/charter/internal/logging"
)

const promptTemplate = `You are preparing a product requirements constitution.
The material below was collected from a codebase, an issue tracker, a web portal
and manual documents. Write a concise markdown document with these sections:
Purpose, Users, Functional Requirements, Constraints, Open Questions.
Only state what the material supports. Cite the stage name in brackets after
each requirement.

Sources:
%s
Material:
%s`

// LLM synthesizes with a language model.
type LLM struct {
	model         llms.Model
	modelName     string
	maxInputChars int
	temperature   float64
	logger        *logging.Logger
}

// LLMOption configures an LLM consumer.
type LLMOption func(*LLM)

// WithMaxInputChars truncates bundle content sent to the model.
func WithMaxInputChars(n int) LLMOption {
	return func(l *LLM) { l.maxInputChars = n }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) LLMOption {
	return func(l *LLM) { l.logger = logger }
}

// WithModelName labels the provider in produced documents.
func WithModelName(name string) LLMOption {
	return func(l *LLM) { l.modelName = name }
}

// NewLLM wraps a langchaingo model.
func NewLLM(model llms.Model, opts ...LLMOption) *LLM {
	l := &LLM{
		model:         model,
		maxInputChars: 16000,
		temperature:   0.2,
		logger:        logging.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name implements Consumer.
func (l *LLM) Name() string {
	if l.modelName == "" {
		return "llm"
	}
	return "llm:" + l.modelName
}

// Synthesize implements Consumer.
func (l *LLM) Synthesize(ctx context.Context, b *gate.Bundle) (*Document, error) {
	if b == nil || len(b.References()) == 0 {
		return nil, ErrEmptyBundle
	}

	content, truncated := truncate(b.Content(), l.maxInputChars)
	if truncated {
		l.logger.Warn(ctx, "bundle truncated for synthesis",
			zap.Int("chars", len(b.Content())),
			zap.Int("limit", l.maxInputChars),
		)
	}
	prompt := fmt.Sprintf(promptTemplate, strings.Join(b.References(), "\n"), content)

	out, err := llms.GenerateFromSinglePrompt(ctx, l.model, prompt, llms.WithTemperature(l.temperature))
	if err != nil {
		return nil, fmt.Errorf("synthesize bundle %s: %w", shortID(b.ID()), err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, fmt.Errorf("synthesize bundle %s: model returned no content", shortID(b.ID()))
	}
	l.logger.Info(ctx, "bundle synthesized",
		zap.String("bundle", shortID(b.ID())),
		zap.Int("prompt_chars", len(prompt)),
		zap.Int("output_chars", len(out)),
	)
	return &Document{
		BundleID: b.ID(),
		RunID:    b.RunID(),
		Provider: l.Name(),
		Content:  out + "\n",
	}, nil
}

// truncate cuts s to at most max bytes on a line boundary when possible.
func truncate(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	cut := s[:max]
	if i := strings.LastIndex(cut, "\n"); i > max/2 {
		cut = cut[:i]
	}
	return cut + "\n\n[truncated]", true
}
