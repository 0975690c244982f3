// Package codebase collects the technical stage: repository facts from
// git, a module inventory from a tree walk, and declared dependencies
// from package manifests.
package codebase

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/charter/internal/artifact"
	"github.com/fyrsmithlabs/charter/internal/collector"
	"github.com/fyrsmithlabs/charter/internal/config"
	"github.com/fyrsmithlabs/charter/internal/ignore"
	"github.com/fyrsmithlabs/charter/internal/logging"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"go.uber.org/zap"
)

// Section names produced by this collector.
const (
	SectionOverview      = "Overview"
	SectionModules       = "Modules"
	SectionDependencies  = "Dependencies"
	SectionRecentCommits = "Recent Commits"
)

const readmeExcerptBytes = 1500

// Collector reads a local repository.
type Collector struct {
	cfg    config.CodebaseConfig
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock overrides the clock used for produced_at.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// New creates a codebase collector.
func New(cfg config.CodebaseConfig, logger *logging.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = logging.Nop()
	}
	c := &Collector{cfg: cfg, logger: logger.Named("codebase"), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements collector.Collector.
func (c *Collector) Name() string { return config.CollectorCodebase }

// Collect implements collector.Collector. The "path" param overrides the
// configured repository path.
func (c *Collector) Collect(ctx context.Context, in collector.Input) (*artifact.Artifact, error) {
	root := in.Param("path", c.cfg.Path)
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, collector.Permanentf(in.Stage, "repository path %s not found", root)
		}
		return nil, collector.Transient(in.Stage, err)
	}
	if !info.IsDir() {
		return nil, collector.Permanentf(in.Stage, "repository path %s is not a directory", root)
	}

	repo := c.readGit(ctx, root)

	tree, err := c.walk(ctx, root)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, collector.Transient(in.Stage, fmt.Errorf("walk %s: %w", root, err))
	}

	deps, err := readManifests(root)
	if err != nil {
		return nil, collector.Permanent(in.Stage, err)
	}

	a := collector.NewArtifact(in, c.Name())
	a.ProducedAt = c.now().UTC()
	a.AddSection(SectionOverview, artifact.Text(overview(root, repo, tree)))
	a.AddSection(SectionModules, modulesTable(tree))
	a.AddSection(SectionDependencies, dependencyTable(deps))
	if len(repo.commits) > 0 {
		a.AddSection(SectionRecentCommits, commitsTable(repo.commits))
	}

	c.logger.Debug(ctx, "codebase collected",
		zap.String("path", root),
		zap.Bool("git", repo.isGit),
		zap.Int("files", tree.files),
		zap.Int("dependencies", len(deps)),
	)
	return a, nil
}

type commit struct {
	hash    string
	author  string
	when    time.Time
	subject string
}

type repoInfo struct {
	isGit   bool
	branch  string
	head    string
	origin  string
	commits []commit
}

// readGit never fails the stage: a directory that is not a repository
// is collected as a plain tree.
func (c *Collector) readGit(ctx context.Context, root string) repoInfo {
	repo, err := git.PlainOpen(root)
	if err != nil {
		if !errors.Is(err, git.ErrRepositoryNotExists) {
			c.logger.Warn(ctx, "opening repository failed, continuing without git", zap.Error(err))
		}
		return repoInfo{}
	}
	info := repoInfo{isGit: true}

	if remote, err := repo.Remote("origin"); err == nil && len(remote.Config().URLs) > 0 {
		info.origin = remote.Config().URLs[0]
	}

	head, err := repo.Head()
	if err != nil {
		// Empty repository.
		return info
	}
	info.head = head.Hash().String()[:7]
	if head.Name().IsBranch() {
		info.branch = head.Name().Short()
	}

	limit := c.cfg.MaxCommits
	if limit <= 0 {
		return info
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		c.logger.Warn(ctx, "reading git log failed", zap.Error(err))
		return info
	}
	defer iter.Close()
	_ = iter.ForEach(func(cm *object.Commit) error {
		if len(info.commits) >= limit || ctx.Err() != nil {
			return storer.ErrStop
		}
		subject, _, _ := strings.Cut(strings.TrimSpace(cm.Message), "\n")
		info.commits = append(info.commits, commit{
			hash:    cm.Hash.String()[:7],
			author:  cm.Author.Name,
			when:    cm.Author.When.UTC(),
			subject: subject,
		})
		return nil
	})
	return info
}

type dirStats struct {
	files     int
	languages map[string]int
}

type treeInfo struct {
	files  int
	dirs   map[string]*dirStats
	readme string
}

// walk counts files per top-level directory. Configured excludes and the
// repository's ignore files are honored.
func (c *Collector) walk(ctx context.Context, root string) (treeInfo, error) {
	ignored, err := ignore.NewParser(ignore.DefaultFiles, c.cfg.Exclude).ParseProject(root)
	if err != nil {
		return treeInfo{}, fmt.Errorf("read ignore files: %w", err)
	}
	tree := treeInfo{dirs: make(map[string]*dirStats)}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		if d.IsDir() {
			if path != root && ignored.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || ignored.Match(rel, false) {
			return nil
		}

		top := "."
		if first, _, found := strings.Cut(filepath.ToSlash(rel), "/"); found {
			top = first
		}
		st, ok := tree.dirs[top]
		if !ok {
			st = &dirStats{languages: make(map[string]int)}
			tree.dirs[top] = st
		}
		st.files++
		tree.files++
		if lang := languageOf(d.Name()); lang != "" {
			st.languages[lang]++
		}

		if top == "." && tree.readme == "" && isReadme(d.Name()) {
			tree.readme = readExcerpt(path, readmeExcerptBytes)
		}
		return nil
	})
	return tree, err
}

func isReadme(name string) bool {
	lower := strings.ToLower(name)
	return lower == "readme" || strings.HasPrefix(lower, "readme.")
}

func readExcerpt(path string, max int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	buf := make([]byte, max)
	n, _ := f.Read(buf)
	return strings.TrimSpace(string(buf[:n]))
}

var languages = map[string]string{
	".go":    "Go",
	".py":    "Python",
	".js":    "JavaScript",
	".jsx":   "JavaScript",
	".ts":    "TypeScript",
	".tsx":   "TypeScript",
	".java":  "Java",
	".kt":    "Kotlin",
	".cs":    "C#",
	".rb":    "Ruby",
	".rs":    "Rust",
	".c":     "C",
	".h":     "C",
	".cpp":   "C++",
	".php":   "PHP",
	".swift": "Swift",
	".sql":   "SQL",
	".sh":    "Shell",
	".md":    "Markdown",
	".yaml":  "YAML",
	".yml":   "YAML",
	".json":  "JSON",
	".html":  "HTML",
	".css":   "CSS",
}

func languageOf(name string) string {
	return languages[strings.ToLower(filepath.Ext(name))]
}

func dominantLanguage(counts map[string]int) string {
	best, bestN := "", 0
	for lang, n := range counts {
		if n > bestN || (n == bestN && lang < best) {
			best, bestN = lang, n
		}
	}
	if best == "" {
		return "-"
	}
	return best
}

func overview(root string, repo repoInfo, tree treeInfo) string {
	var b strings.Builder
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	fmt.Fprintf(&b, "Repository: %s\n", filepath.Base(abs))
	if repo.isGit {
		if repo.branch != "" {
			fmt.Fprintf(&b, "Branch: %s\n", repo.branch)
		}
		if repo.head != "" {
			fmt.Fprintf(&b, "HEAD: %s\n", repo.head)
		}
		if repo.origin != "" {
			fmt.Fprintf(&b, "Origin: %s\n", repo.origin)
		}
	}
	fmt.Fprintf(&b, "Files: %d\n", tree.files)
	if tree.readme != "" {
		b.WriteString("\n")
		b.WriteString(tree.readme)
		b.WriteString("\n")
	}
	return b.String()
}

func modulesTable(tree treeInfo) artifact.Block {
	names := make([]string, 0, len(tree.dirs))
	for name := range tree.dirs {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		st := tree.dirs[name]
		rows = append(rows, []string{name, dominantLanguage(st.languages), strconv.Itoa(st.files)})
	}
	return artifact.Table([]string{"Directory", "Language", "Files"}, rows)
}

func dependencyTable(deps []dependency) artifact.Block {
	rows := make([][]string, 0, len(deps))
	for _, d := range deps {
		version := d.version
		if version == "" {
			version = "-"
		}
		rows = append(rows, []string{d.manifest, d.name, version})
	}
	return artifact.Table([]string{"Manifest", "Dependency", "Version"}, rows)
}

func commitsTable(commits []commit) artifact.Block {
	rows := make([][]string, 0, len(commits))
	for _, cm := range commits {
		rows = append(rows, []string{cm.hash, cm.author, cm.when.Format("2006-01-02"), cm.subject})
	}
	return artifact.Table([]string{"Commit", "Author", "Date", "Subject"}, rows)
}
