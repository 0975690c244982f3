package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected string
	}{
		{"empty line", "", ""},
		{"whitespace only", "   ", ""},
		{"comment", "# this is a comment", ""},
		{"negation kept", "!important.txt", "!important.txt"},
		{"trailing whitespace", "*.log  \t", "*.log"},
		{"crlf", "dist/\r", "dist/"},
		{"directory", "node_modules/", "node_modules/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLine(tt.line))
		})
	}
}

func TestDeduplicate(t *testing.T) {
	assert.Equal(t, []string{"!build", "build"}, deduplicate([]string{"build", "!build", "build"}))
	assert.Equal(t, []string{"a", "b"}, deduplicate([]string{"a", "b"}))
	assert.Empty(t, deduplicate(nil))
}

func TestParseProject(t *testing.T) {
	root := t.TempDir()
	gitignore := "# build output\n*.log\ndist/\n/coverage.out\n!keep.log\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte(gitignore), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".charterignore"), []byte("docs/drafts/\n"), 0o644))

	m, err := NewParser(DefaultFiles, []string{".git", "node_modules"}).ParseProject(root)
	require.NoError(t, err)
	assert.Equal(t, 7, m.Len())

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{".git", true, true},
		{"node_modules", true, true},
		{"web/node_modules", true, true},
		{"server.log", false, true},
		{"logs/app.log", false, true},
		{"keep.log", false, false},
		{"dist", true, true},
		{"pkg/dist", true, true},
		{"coverage.out", false, true},
		{"pkg/coverage.out", false, false},
		{"docs/drafts", true, true},
		{"docs/guide.md", false, false},
		{"main.go", false, false},
		{".", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Match(tt.path, tt.isDir))
		})
	}
}

func TestParseProject_NoIgnoreFiles(t *testing.T) {
	m, err := NewParser(DefaultFiles, []string{"vendor"}).ParseProject(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())
	assert.True(t, m.Match("vendor", true))
	assert.False(t, m.Match("src", true))
}

func TestMatcher_Empty(t *testing.T) {
	var m *Matcher
	assert.False(t, m.Match("anything", false))
	assert.Equal(t, 0, m.Len())

	m, err := NewParser(nil, nil).ParseProject(t.TempDir())
	require.NoError(t, err)
	assert.False(t, m.Match("anything", false))
}

func TestParseProject_UnreadableFile(t *testing.T) {
	root := t.TempDir()
	// A directory named like an ignore file cannot be read as one.
	require.NoError(t, os.Mkdir(filepath.Join(root, ".gitignore"), 0o755))
	_, err := NewParser(DefaultFiles, nil).ParseProject(root)
	assert.Error(t, err)
}
