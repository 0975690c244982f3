package redact

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidAllowlist is returned for unparseable allowlist files.
	ErrInvalidAllowlist = errors.New("redact: invalid allowlist")
)

// Allowlist holds content patterns that are never redacted. The file
// format is the gitleaks one:
//
//	[allowlist]
//	regexes = ['''EXAMPLE[0-9]+''']
type Allowlist struct {
	Regexes  []string
	compiled []*regexp.Regexp
}

// LoadAllowlist reads and compiles an allowlist file. An empty path
// returns an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	var doc struct {
		Allowlist struct {
			Regexes []string `toml:"regexes"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAllowlist, path, err)
	}
	return NewAllowlist(doc.Allowlist.Regexes...)
}

// NewAllowlist compiles patterns.
func NewAllowlist(patterns ...string) (*Allowlist, error) {
	a := &Allowlist{Regexes: patterns}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidAllowlist, p, err)
		}
		a.compiled = append(a.compiled, re)
	}
	return a, nil
}
