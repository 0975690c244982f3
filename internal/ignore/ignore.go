// Package ignore reads gitignore-style files so the codebase collector
// skips the same paths git does.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// DefaultFiles are the ignore files read from the repository root.
var DefaultFiles = []string{".gitignore", ".charterignore"}

// Parser reads and parses gitignore-style files.
type Parser struct {
	// IgnoreFiles is the list of ignore file names to look for.
	IgnoreFiles []string

	// BasePatterns apply whether or not any ignore file exists.
	BasePatterns []string
}

// NewParser creates a parser. basePatterns use gitignore syntax.
func NewParser(ignoreFiles, basePatterns []string) *Parser {
	return &Parser{
		IgnoreFiles:  ignoreFiles,
		BasePatterns: basePatterns,
	}
}

// Matcher decides whether a path relative to the project root is ignored.
type Matcher struct {
	m     gitignore.Matcher
	count int
}

// Match reports whether rel (slash or OS separated) is ignored.
func (m *Matcher) Match(rel string, isDir bool) bool {
	if m == nil || m.count == 0 {
		return false
	}
	rel = filepath.ToSlash(rel)
	if rel == "" || rel == "." {
		return false
	}
	return m.m.Match(strings.Split(rel, "/"), isDir)
}

// Len returns the number of patterns in effect.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return m.count
}

// ParseProject reads the ignore files at projectRoot. Later files take
// precedence over earlier ones, and both over the base patterns, so a
// negation in .gitignore can re-include a base exclusion.
func (p *Parser) ParseProject(projectRoot string) (*Matcher, error) {
	lines := append([]string(nil), p.BasePatterns...)

	for _, name := range p.IgnoreFiles {
		fileLines, err := readLines(filepath.Join(projectRoot, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		lines = append(lines, fileLines...)
	}

	var patterns []gitignore.Pattern
	for _, line := range deduplicate(lines) {
		if l := parseLine(line); l != "" {
			patterns = append(patterns, gitignore.ParsePattern(l, nil))
		}
	}
	return &Matcher{m: gitignore.NewMatcher(patterns), count: len(patterns)}, nil
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// parseLine returns the pattern on a gitignore line, or "" for blank
// lines and comments.
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	return line
}

// deduplicate removes repeated patterns, keeping the last occurrence so
// precedence is unchanged.
func deduplicate(patterns []string) []string {
	seen := make(map[string]bool, len(patterns))
	keep := make([]bool, len(patterns))
	for i := len(patterns) - 1; i >= 0; i-- {
		if !seen[patterns[i]] {
			seen[patterns[i]] = true
			keep[i] = true
		}
	}

	result := make([]string, 0, len(seen))
	for i, p := range patterns {
		if keep[i] {
			result = append(result, p)
		}
	}
	return result
}
