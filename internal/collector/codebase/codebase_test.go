package codebase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/charter/internal/artifact"
	"github.com/fyrsmithlabs/charter/internal/collector"
	"github.com/fyrsmithlabs/charter/internal/config"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func testConfig(path string) config.CodebaseConfig {
	cfg := config.Default().Collectors.Codebase
	cfg.Path = path
	return cfg
}

func newRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "README.md", "# Billing\n\nHandles invoices.\n")
	writeFile(t, root, "go.mod", "module example.com/billing\n\ngo 1.24\n\nrequire (\n\tgithub.com/google/uuid v1.6.0\n\tgo.uber.org/zap v1.27.1 // indirect\n)\n\nrequire github.com/spf13/cobra v1.9.1\n")
	writeFile(t, root, "cmd/billing/main.go", "package main\n")
	writeFile(t, root, "internal/invoice/invoice.go", "package invoice\n")
	writeFile(t, root, "internal/invoice/invoice_test.go", "package invoice\n")
	writeFile(t, root, "node_modules/left-pad/index.js", "module.exports = 1\n")

	repo, err := git.PlainInit(root, false)
	require.NoError(t, err)
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{"git@github.com:acme/billing.git"}})
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	sig := &object.Signature{Name: "Dana", Email: "dana@example.com", When: fixedNow.Add(-time.Hour)}
	_, err = wt.Commit("Initial import\n\nLonger body.", &git.CommitOptions{Author: sig})
	require.NoError(t, err)

	writeFile(t, root, "docs/notes.md", "notes\n")
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	sig.When = fixedNow
	_, err = wt.Commit("Add notes", &git.CommitOptions{Author: sig})
	require.NoError(t, err)
	return root
}

func TestCollect_GitRepository(t *testing.T) {
	root := newRepo(t)
	c := New(testConfig(root), nil, WithClock(func() time.Time { return fixedNow }))

	a, err := c.Collect(context.Background(), collector.Input{Stage: config.StageTechnical})
	require.NoError(t, err)

	assert.Equal(t, config.StageTechnical, a.Name)
	assert.Equal(t, artifact.StateCollected, a.State)
	assert.Equal(t, "codebase", a.SourceAdapter)
	assert.Equal(t, fixedNow, a.ProducedAt)
	assert.Equal(t, []string{SectionOverview, SectionModules, SectionDependencies, SectionRecentCommits}, a.SectionNames())

	ov, _ := a.Section(SectionOverview)
	assert.Contains(t, ov.Text, "Branch: master")
	assert.Contains(t, ov.Text, "Origin: git@github.com:acme/billing.git")
	assert.Contains(t, ov.Text, "Handles invoices.")

	mods, _ := a.Section(SectionModules)
	assert.Equal(t, [][]string{
		{".", "Markdown", "2"},
		{"cmd", "Go", "1"},
		{"docs", "Markdown", "1"},
		{"internal", "Go", "2"},
	}, mods.Rows)

	deps, _ := a.Section(SectionDependencies)
	assert.Equal(t, [][]string{
		{"go.mod", "github.com/google/uuid", "v1.6.0"},
		{"go.mod", "go.uber.org/zap", "v1.27.1"},
		{"go.mod", "github.com/spf13/cobra", "v1.9.1"},
	}, deps.Rows)

	commits, _ := a.Section(SectionRecentCommits)
	require.Len(t, commits.Rows, 2)
	assert.Equal(t, "Add notes", commits.Rows[0][3])
	assert.Equal(t, "Initial import", commits.Rows[1][3])
	assert.Equal(t, "Dana", commits.Rows[0][1])
}

func TestCollect_MaxCommits(t *testing.T) {
	root := newRepo(t)
	cfg := testConfig(root)
	cfg.MaxCommits = 1
	a, err := New(cfg, nil).Collect(context.Background(), collector.Input{Stage: "technical"})
	require.NoError(t, err)
	commits, _ := a.Section(SectionRecentCommits)
	assert.Len(t, commits.Rows, 1)
}

func TestCollect_PlainDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "app.py", "print('hi')\n")
	writeFile(t, root, "requirements.txt", "# deps\nrequests==2.31.0\nflask>=3.0\n-r other.txt\nrich\n")
	writeFile(t, root, "package.json", `{"dependencies":{"react":"^18.0.0"},"devDependencies":{"vitest":"1.0.0"}}`)
	writeFile(t, root, "pyproject.toml", "[project]\ndependencies = [\"pydantic>=2\"]\n")
	writeFile(t, root, "Cargo.toml", "[dependencies]\nserde = { version = \"1.0\", features = [\"derive\"] }\nrand = \"0.8\"\n")

	a, err := New(testConfig(root), nil).Collect(context.Background(), collector.Input{Stage: "technical"})
	require.NoError(t, err)

	_, ok := a.Section(SectionRecentCommits)
	assert.False(t, ok)
	ov, _ := a.Section(SectionOverview)
	assert.NotContains(t, ov.Text, "Branch:")

	deps, _ := a.Section(SectionDependencies)
	assert.Equal(t, [][]string{
		{"requirements.txt", "requests", "==2.31.0"},
		{"requirements.txt", "flask", ">=3.0"},
		{"requirements.txt", "rich", "-"},
		{"package.json", "react", "^18.0.0"},
		{"package.json", "vitest (dev)", "1.0.0"},
		{"pyproject.toml", "pydantic", ">=2"},
		{"Cargo.toml", "rand", "0.8"},
		{"Cargo.toml", "serde", "1.0"},
	}, deps.Rows)
}

func TestCollect_HonorsIgnoreFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".gitignore", "build/\n*.tmp\n")
	writeFile(t, root, ".charterignore", "fixtures/\n")
	writeFile(t, root, "src/main.go", "package main\n")
	writeFile(t, root, "src/scratch.tmp", "x\n")
	writeFile(t, root, "build/out.go", "package out\n")
	writeFile(t, root, "fixtures/big.go", "package fixtures\n")
	writeFile(t, root, "vendor/dep/dep.go", "package dep\n")

	a, err := New(testConfig(root), nil).Collect(context.Background(), collector.Input{Stage: "technical"})
	require.NoError(t, err)

	mods, _ := a.Section(SectionModules)
	dirs := make(map[string]string, len(mods.Rows))
	for _, row := range mods.Rows {
		dirs[row[0]] = row[2]
	}
	assert.Equal(t, "1", dirs["src"])
	assert.NotContains(t, dirs, "build")
	assert.NotContains(t, dirs, "fixtures")
	assert.NotContains(t, dirs, "vendor", "default excludes still apply")
}

func TestCollect_PathParamOverrides(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n")
	c := New(testConfig("/does/not/exist"), nil)

	a, err := c.Collect(context.Background(), collector.Input{Stage: "technical", Params: map[string]string{"path": root}})
	require.NoError(t, err)
	mods, _ := a.Section(SectionModules)
	assert.Equal(t, [][]string{{".", "Go", "1"}}, mods.Rows)
}

func TestCollect_MissingPathIsPermanent(t *testing.T) {
	c := New(testConfig(filepath.Join(t.TempDir(), "gone")), nil)
	_, err := c.Collect(context.Background(), collector.Input{Stage: "technical"})
	require.Error(t, err)

	var ce *collector.CollectionError
	require.True(t, errors.As(err, &ce))
	assert.False(t, ce.Retryable)
	assert.Contains(t, err.Error(), "not found")
}

func TestCollect_MalformedManifestIsPermanent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "package.json", "{not json")
	_, err := New(testConfig(root), nil).Collect(context.Background(), collector.Input{Stage: "technical"})
	require.Error(t, err)
	assert.False(t, collector.Classify(err).Retryable)
}

func TestCollect_Canceled(t *testing.T) {
	root := newRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(testConfig(root), nil).Collect(ctx, collector.Input{Stage: "technical"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseGoMod(t *testing.T) {
	deps, err := parseGoMod([]byte("module x\n\nrequire (\n\tbroken\n)\n"))
	require.Error(t, err)
	assert.Nil(t, deps)
}
