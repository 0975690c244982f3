// Package synthesis turns a handoff bundle into a requirements summary.
//
// Markdown is deterministic and needs no network access. LLM hands the
// bundle to a langchaingo model and falls back to nothing: callers decide
// whether a model failure is fatal.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/charter/internal/config"
	"github.com/fyrsmithlabs/charter/internal/gate"
	"github.com/fyrsmithlabs/charter/internal/logging"
)

// ErrEmptyBundle is returned when there is nothing to synthesize.
var ErrEmptyBundle = errors.New("synthesis: bundle is empty")

// Document is a synthesized summary.
type Document struct {
	BundleID string
	RunID    string
	Provider string
	Content  string
}

// Consumer receives the handoff bundle.
type Consumer interface {
	Name() string
	Synthesize(ctx context.Context, b *gate.Bundle) (*Document, error)
}

// New returns the consumer selected by cfg. The openai provider without an
// API key falls back to Markdown with a warning.
func New(cfg config.SynthesisConfig, logger *logging.Logger) (Consumer, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	switch cfg.Provider {
	case "", "markdown":
		return NewMarkdown(), nil
	case "openai":
		if !cfg.APIKey.IsSet() {
			logger.Warn(context.Background(), "no synthesis API key configured, using markdown summary",
				zap.String("model", cfg.Model),
			)
			return NewMarkdown(), nil
		}
		opts := []openai.Option{
			openai.WithModel(cfg.Model),
			openai.WithToken(cfg.APIKey.Value()),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		return NewLLM(llm, WithMaxInputChars(cfg.MaxInputChars), WithLogger(logger), WithModelName(cfg.Model)), nil
	default:
		return nil, fmt.Errorf("synthesis: unknown provider %q", cfg.Provider)
	}
}

// WriteFile writes the document to path, creating parent directories.
func WriteFile(path string, doc *Document) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(doc.Content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
