// Package tickets collects the issue-tracker stage from GitHub issues.
package tickets

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/charter/internal/artifact"
	"github.com/fyrsmithlabs/charter/internal/collector"
	"github.com/fyrsmithlabs/charter/internal/config"
	"github.com/fyrsmithlabs/charter/internal/logging"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Section names produced by this collector.
const (
	SectionWorkItems     = "Work Items"
	SectionSummaryByType = "Summary by Type"
	SectionDescriptions  = "Descriptions"
)

const descriptionLimit = 100

// Collector lists issues from a GitHub repository.
type Collector struct {
	cfg     config.TicketsConfig
	logger  *logging.Logger
	limiter *rate.Limiter
	now     func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock overrides the clock used for produced_at and rate-limit waits.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// New creates a tickets collector. Credentials are checked per attempt so
// a missing token fails the stage instead of startup.
func New(cfg config.TicketsConfig, logger *logging.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = logging.Nop()
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	c := &Collector{
		cfg:     cfg,
		logger:  logger.Named("tickets"),
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements collector.Collector.
func (c *Collector) Name() string { return config.CollectorTickets }

func (c *Collector) client(ctx context.Context) (*github.Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.cfg.Token.Value()})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if c.cfg.BaseURL != "" {
		base := c.cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid base_url %q: %w", c.cfg.BaseURL, err)
		}
		client.BaseURL = u
	}
	return client, nil
}

// Collect implements collector.Collector. The "owner", "repo" and "labels"
// params override configuration.
func (c *Collector) Collect(ctx context.Context, in collector.Input) (*artifact.Artifact, error) {
	owner := in.Param("owner", c.cfg.Owner)
	repo := in.Param("repo", c.cfg.Repo)
	if owner == "" || repo == "" {
		return nil, collector.Permanentf(in.Stage, "issue tracker owner and repo are required")
	}
	if !c.cfg.Token.IsSet() {
		return nil, collector.Permanentf(in.Stage, "issue tracker token not configured")
	}

	client, err := c.client(ctx)
	if err != nil {
		return nil, collector.Permanent(in.Stage, err)
	}

	labels := c.cfg.Labels
	if v := in.Param("labels", ""); v != "" {
		labels = strings.Split(v, ",")
	}
	items, err := c.list(ctx, client, in.Stage, owner, repo, labels)
	if err != nil {
		return nil, err
	}

	a := collector.NewArtifact(in, c.Name())
	a.ProducedAt = c.now().UTC()
	a.AddSection(SectionWorkItems, workItemsTable(items))
	a.AddSection(SectionSummaryByType, summaryByType(items))
	if desc := descriptions(items); desc != "" {
		a.AddSection(SectionDescriptions, artifact.Text(desc))
	}

	c.logger.Debug(ctx, "issues collected",
		zap.String("repo", owner+"/"+repo),
		zap.Int("items", len(items)),
	)
	return a, nil
}

type workItem struct {
	id       int
	kind     string
	title    string
	state    string
	assignee string
	body     string
}

func (c *Collector) list(ctx context.Context, client *github.Client, stage, owner, repo string, labels []string) ([]workItem, error) {
	limit := c.cfg.MaxItems
	if limit <= 0 {
		limit = 50
	}
	perPage := limit
	if perPage > 100 {
		perPage = 100
	}
	opts := &github.IssueListByRepoOptions{
		State:       c.cfg.State,
		Labels:      labels,
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	var items []workItem
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		issues, resp, err := client.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, c.classify(stage, resp, err)
		}
		for _, is := range issues {
			if is.IsPullRequest() {
				continue
			}
			items = append(items, toWorkItem(is))
			if len(items) >= limit {
				return items, nil
			}
		}
		if resp.NextPage == 0 {
			return items, nil
		}
		c.logger.Trace(ctx, "fetching next issue page", zap.Int("page", resp.NextPage))
		opts.Page = resp.NextPage
	}
}

func toWorkItem(is *github.Issue) workItem {
	item := workItem{
		id:    is.GetNumber(),
		kind:  kindOf(is.Labels),
		title: is.GetTitle(),
		state: is.GetState(),
		body:  is.GetBody(),
	}
	if is.Assignee != nil {
		item.assignee = is.Assignee.GetLogin()
	}
	return item
}

// Label names mapped to work item types, checked in order.
var kindLabels = []struct {
	kind   string
	labels []string
}{
	{"Epic", []string{"epic"}},
	{"Feature", []string{"feature", "enhancement"}},
	{"User Story", []string{"user story", "story"}},
	{"Bug", []string{"bug", "defect"}},
	{"Task", []string{"task", "chore"}},
}

func kindOf(labels []*github.Label) string {
	names := make(map[string]bool, len(labels))
	for _, l := range labels {
		names[strings.ToLower(l.GetName())] = true
	}
	for _, k := range kindLabels {
		for _, l := range k.labels {
			if names[l] {
				return k.kind
			}
		}
	}
	return "Issue"
}

func workItemsTable(items []workItem) artifact.Block {
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		assignee := it.assignee
		if assignee == "" {
			assignee = "-"
		}
		rows = append(rows, []string{"#" + strconv.Itoa(it.id), it.kind, it.title, it.state, assignee})
	}
	return artifact.Table([]string{"ID", "Type", "Title", "State", "Assignee"}, rows)
}

func summaryByType(items []workItem) artifact.Block {
	counts := make(map[string]int)
	for _, it := range items {
		counts[it.kind]++
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	entries := make([]artifact.Entry, 0, len(kinds))
	for _, k := range kinds {
		entries = append(entries, artifact.Entry{Key: k, Value: strconv.Itoa(counts[k])})
	}
	return artifact.Mapping(entries...)
}

func descriptions(items []workItem) string {
	var b strings.Builder
	for _, it := range items {
		body := strings.TrimSpace(it.body)
		if body == "" {
			continue
		}
		if r := []rune(body); len(r) > descriptionLimit {
			body = string(r[:descriptionLimit]) + "..."
		}
		fmt.Fprintf(&b, "### #%d %s\n\n%s\n\n", it.id, it.title, body)
	}
	return strings.TrimSpace(b.String())
}
