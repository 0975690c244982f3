package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Span is a detected secret's byte range in the scanned text.
type Span struct {
	RuleID     string
	Start, End int
}

// Engine finds secrets in text.
type Engine interface {
	Find(text string) ([]Span, error)
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []string
}

// RegexpEngine matches a fixed rule set.
type RegexpEngine struct {
	rules []compiledRule
	allow []*regexp.Regexp
}

// NewRegexpEngine compiles rules. Matches of any allow pattern are kept.
func NewRegexpEngine(rules []Rule, allow *Allowlist) (*RegexpEngine, error) {
	e := &RegexpEngine{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		if r.ID == "" || r.Pattern == "" {
			return nil, fmt.Errorf("redact: rule id and pattern are required")
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("redact: rule %s: %w", r.ID, err)
		}
		kws := make([]string, 0, len(r.Keywords))
		for _, kw := range r.Keywords {
			kws = append(kws, strings.ToLower(kw))
		}
		e.rules = append(e.rules, compiledRule{id: r.ID, pattern: re, keywords: kws})
	}
	if allow != nil {
		e.allow = allow.compiled
	}
	return e, nil
}

// Find implements Engine.
func (e *RegexpEngine) Find(text string) ([]Span, error) {
	var lower string
	var spans []Span
	for _, r := range e.rules {
		if len(r.keywords) > 0 {
			if lower == "" {
				lower = strings.ToLower(text)
			}
			if !containsAny(lower, r.keywords) {
				continue
			}
		}
		for _, m := range r.pattern.FindAllStringIndex(text, -1) {
			if allowed(e.allow, text[m[0]:m[1]]) {
				continue
			}
			spans = append(spans, Span{RuleID: r.id, Start: m[0], End: m[1]})
		}
	}
	return spans, nil
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func allowed(allow []*regexp.Regexp, match string) bool {
	for _, re := range allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// GitleaksEngine runs the gitleaks default rule set.
type GitleaksEngine struct {
	mu       sync.Mutex
	detector *detect.Detector
	allow    []*regexp.Regexp
}

// NewGitleaksEngine loads the gitleaks default configuration and merges
// the allowlist into it.
func NewGitleaksEngine(allow *Allowlist) (*GitleaksEngine, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("redact: load gitleaks config: %w", err)
	}
	e := &GitleaksEngine{detector: detector}
	if allow != nil && len(allow.compiled) > 0 {
		e.allow = allow.compiled
		entry := &gitleaksconfig.Allowlist{Description: "charter allowlist"}
		for _, re := range allow.compiled {
			entry.Regexes = append(entry.Regexes, (*gitleaksregexp.Regexp)(re))
		}
		detector.Config.Allowlists = append(detector.Config.Allowlists, entry)
	}
	return e, nil
}

// Find implements Engine. Gitleaks reports the secret value, so every
// occurrence of it in text is returned.
func (e *GitleaksEngine) Find(text string) ([]Span, error) {
	e.mu.Lock()
	findings := e.detector.DetectString(text)
	e.mu.Unlock()

	var spans []Span
	for _, f := range findings {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" || allowed(e.allow, secret) {
			continue
		}
		for off := 0; ; {
			i := strings.Index(text[off:], secret)
			if i < 0 {
				break
			}
			start := off + i
			spans = append(spans, Span{RuleID: f.RuleID, Start: start, End: start + len(secret)})
			off = start + len(secret)
		}
	}
	return spans, nil
}

// apply replaces spans with markers. Overlapping spans merge and keep the
// rule of the earliest one.
func apply(text string, spans []Span) string {
	if len(spans) == 0 {
		return text
	}
	sorted := append([]Span(nil), spans...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End > sorted[j].End
	})
	merged := []Span{sorted[0]}
	for _, s := range sorted[1:] {
		last := &merged[len(merged)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}

	var b strings.Builder
	prev := 0
	for _, s := range merged {
		b.WriteString(text[prev:s.Start])
		b.WriteString(Marker(s.RuleID))
		prev = s.End
	}
	b.WriteString(text[prev:])
	return b.String()
}

// Marker is the replacement written in place of a secret.
func Marker(ruleID string) string {
	return "[REDACTED:" + ruleID + "]"
}
