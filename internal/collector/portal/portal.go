// Package portal collects the portal stage by crawling a documentation or
// product portal breadth-first and recording page titles, heading outlines
// and navigation links.
package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/charter/internal/artifact"
	"github.com/fyrsmithlabs/charter/internal/collector"
	"github.com/fyrsmithlabs/charter/internal/config"
	"github.com/fyrsmithlabs/charter/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Section names produced by this collector.
const (
	SectionPageInventory     = "Page Inventory"
	SectionHeadingsHierarchy = "Headings Hierarchy"
	SectionNavigationLinks   = "Navigation Links"
)

// Collector crawls a single host.
type Collector struct {
	cfg     config.PortalConfig
	logger  *logging.Logger
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock overrides the clock used for produced_at.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Collector) { c.client = client }
}

// New creates a portal collector.
func New(cfg config.PortalConfig, logger *logging.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = logging.Nop()
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	c := &Collector{
		cfg:     cfg,
		logger:  logger.Named("portal"),
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements collector.Collector.
func (c *Collector) Name() string { return config.CollectorPortal }

// Collect implements collector.Collector. The "url" param overrides the
// configured start URL.
//
// A failure on the start page fails the attempt. Failures on later pages
// are recorded in the inventory, except rate limiting which aborts the
// crawl so the whole attempt is retried.
func (c *Collector) Collect(ctx context.Context, in collector.Input) (*artifact.Artifact, error) {
	raw := in.Param("url", c.cfg.URL)
	if raw == "" {
		return nil, collector.Permanentf(in.Stage, "portal url not configured")
	}
	start, err := url.Parse(raw)
	if err != nil || (start.Scheme != "http" && start.Scheme != "https") || start.Host == "" {
		return nil, collector.Permanentf(in.Stage, "invalid portal url %q", raw)
	}
	start.Fragment = ""
	if start.Path == "" {
		start.Path = "/"
	}

	maxPages := c.cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 25
	}

	var pages []*page
	queue := []*url.URL{start}
	seen := map[string]bool{start.String(): true}
	for len(queue) > 0 && len(pages) < maxPages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target := queue[0]
		queue = queue[1:]

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		p, err := c.fetch(ctx, in.Stage, target)
		if err != nil {
			if len(pages) == 0 || collector.Classify(err).RateLimited || ctx.Err() != nil {
				return nil, err
			}
			c.logger.Debug(ctx, "portal page skipped", zap.String("url", target.String()), zap.Error(err))
		}
		pages = append(pages, p)

		for _, l := range p.links {
			if l.URL.Host != start.Host || seen[l.URL.String()] {
				continue
			}
			seen[l.URL.String()] = true
			queue = append(queue, l.URL)
		}
	}

	a := collector.NewArtifact(in, c.Name())
	a.ProducedAt = c.now().UTC()
	a.AddSection(SectionPageInventory, inventory(pages))
	a.AddSection(SectionHeadingsHierarchy, artifact.Text(outline(pages)))
	if nav := navigation(pages); len(nav.Rows) > 0 {
		a.AddSection(SectionNavigationLinks, nav)
	}

	c.logger.Debug(ctx, "portal crawled",
		zap.String("start", start.String()),
		zap.Int("pages", len(pages)),
	)
	return a, nil
}

// fetch returns the page, plus a classified error for failed responses.
// The page is never nil so failed requests still appear in the inventory.
func (c *Collector) fetch(ctx context.Context, stage string, target *url.URL) (*page, error) {
	p := &page{url: target.String()}

	timeout := c.cfg.RequestTimeout.Duration()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.url, nil)
	if err != nil {
		p.status = "error"
		return p, collector.Permanent(stage, err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.client.Do(req)
	if err != nil {
		p.status = "error"
		if ctx.Err() != nil {
			return p, ctx.Err()
		}
		return p, collector.Transient(stage, err)
	}
	defer resp.Body.Close()

	p.status = strconv.Itoa(resp.StatusCode)
	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		return p, collector.RateLimited(stage, retryAfter(resp.Header, c.now()), statusError(p.url, resp))
	case code >= 500:
		return p, collector.Transient(stage, statusError(p.url, resp))
	case code >= 400:
		return p, collector.Permanent(stage, statusError(p.url, resp))
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return p, nil
	}
	limit := c.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 2 << 20
	}
	if err := p.parse(resp.Body, limit, resp.Request.URL); err != nil {
		return p, collector.Transient(stage, fmt.Errorf("parse %s: %w", p.url, err))
	}
	return p, nil
}

func statusError(u string, resp *http.Response) error {
	return fmt.Errorf("GET %s: %s", u, resp.Status)
}

// retryAfter reads Retry-After as seconds or an HTTP date.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func inventory(pages []*page) artifact.Block {
	rows := make([][]string, 0, len(pages))
	for _, p := range pages {
		title := p.title
		if title == "" {
			title = "-"
		}
		rows = append(rows, []string{p.url, title, p.status})
	}
	return artifact.Table([]string{"URL", "Title", "Status"}, rows)
}

// outline renders every page's headings as a nested list, indented two
// spaces per heading level below the page entry.
func outline(pages []*page) string {
	var b strings.Builder
	for _, p := range pages {
		if len(p.headings) == 0 {
			continue
		}
		fmt.Fprintf(&b, "- %s\n", p.url)
		for _, h := range p.headings {
			fmt.Fprintf(&b, "%s- H%d %s\n", strings.Repeat("  ", h.level), h.level, h.text)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// navigation lists links found inside <nav> elements, once per target.
func navigation(pages []*page) artifact.Block {
	var rows [][]string
	seen := make(map[string]bool)
	for _, p := range pages {
		for _, l := range p.links {
			target := l.URL.String()
			if !l.nav || seen[target] {
				continue
			}
			seen[target] = true
			rows = append(rows, []string{p.url, l.text, target})
		}
	}
	return artifact.Table([]string{"Page", "Label", "Target"}, rows)
}
