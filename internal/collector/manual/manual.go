// Package manual collects the manual-docs stage from reference documents
// dropped into a folder by hand.
package manual

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/charter/internal/artifact"
	"github.com/fyrsmithlabs/charter/internal/collector"
	"github.com/fyrsmithlabs/charter/internal/config"
	"github.com/fyrsmithlabs/charter/internal/logging"
	"go.uber.org/zap"
)

// Section names produced by this collector.
const (
	SectionDocuments = "Documents"
	SectionContents  = "Contents"
)

const truncatedMarker = "\n\n_(truncated)_"

// Collector imports documents matching glob patterns from one folder.
type Collector struct {
	cfg      config.ManualConfig
	logger   *logging.Logger
	now      func() time.Time
	debounce time.Duration
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock overrides the clock used for produced_at.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithDebounce sets how long Watch waits for a burst of changes to settle.
func WithDebounce(d time.Duration) Option {
	return func(c *Collector) { c.debounce = d }
}

// New creates a manual document collector.
func New(cfg config.ManualConfig, logger *logging.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = logging.Nop()
	}
	c := &Collector{
		cfg:      cfg,
		logger:   logger.Named("manual"),
		now:      time.Now,
		debounce: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements collector.Collector.
func (c *Collector) Name() string { return config.CollectorManual }

// Dir returns the watched folder.
func (c *Collector) Dir() string { return c.cfg.Dir }

type document struct {
	name      string
	size      int64
	modified  time.Time
	content   string
	truncated bool
}

// Collect implements collector.Collector. The "dir" param overrides the
// configured folder and "patterns" takes a comma-separated glob list.
func (c *Collector) Collect(ctx context.Context, in collector.Input) (*artifact.Artifact, error) {
	dir := in.Param("dir", c.cfg.Dir)
	patterns := c.cfg.Patterns
	if v := in.Param("patterns", ""); v != "" {
		patterns = strings.Split(v, ",")
	}
	for _, p := range patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, collector.Permanentf(in.Stage, "invalid pattern %q: %v", p, err)
		}
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, collector.Permanentf(in.Stage, "folder not found: %s", dir)
		}
		return nil, collector.Transient(in.Stage, err)
	}
	if !info.IsDir() {
		return nil, collector.Permanentf(in.Stage, "%s is not a folder", dir)
	}

	docs, err := c.read(ctx, dir, patterns)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, collector.Transient(in.Stage, err)
	}

	a := collector.NewArtifact(in, c.Name())
	a.ProducedAt = c.now().UTC()
	a.AddSection(SectionDocuments, documentsTable(docs))
	a.AddSection(SectionContents, artifact.Text(contents(docs)))

	c.logger.Debug(ctx, "manual documents collected",
		zap.String("dir", dir),
		zap.Int("documents", len(docs)),
	)
	return a, nil
}

// read returns matching regular files in name order. Subfolders are ignored.
func (c *Collector) read(ctx context.Context, dir string, patterns []string) ([]document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	limit := c.cfg.MaxDocBytes
	if limit <= 0 {
		limit = 64 * 1024
	}

	var docs []document
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.Type().IsRegular() || !matches(patterns, e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		content, truncated, err := readLimited(filepath.Join(dir, e.Name()), limit)
		if err != nil {
			return nil, err
		}
		docs = append(docs, document{
			name:      e.Name(),
			size:      info.Size(),
			modified:  info.ModTime().UTC(),
			content:   content,
			truncated: truncated,
		})
	}
	return docs, nil
}

func matches(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(strings.TrimSpace(p), name); ok {
			return true
		}
	}
	return false
}

func readLimited(path string, limit int) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > limit {
		return string(runeBoundary(data[:limit])), true, nil
	}
	return string(data), false, nil
}

// runeBoundary drops a multi-byte rune split by truncation.
func runeBoundary(b []byte) []byte {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return b[:i]
		}
		break
	}
	return b
}

func documentsTable(docs []document) artifact.Block {
	rows := make([][]string, 0, len(docs))
	for _, d := range docs {
		rows = append(rows, []string{d.name, strconv.FormatInt(d.size, 10), d.modified.Format(time.RFC3339)})
	}
	return artifact.Table([]string{"Name", "Size", "Modified"}, rows)
}

func contents(docs []document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		body := strings.TrimSpace(d.content)
		if d.truncated {
			body += truncatedMarker
		}
		parts = append(parts, fmt.Sprintf("### %s\n\n%s", d.name, body))
	}
	return strings.Join(parts, "\n\n")
}
