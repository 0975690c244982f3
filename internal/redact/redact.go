// Package redact scrubs credentials out of collected artifacts before they
// are validated, persisted or handed to synthesis.
package redact

import (
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/charter/internal/artifact"
	"github.com/fyrsmithlabs/charter/internal/config"
)

// Finding is one redacted secret. The secret value is never kept.
type Finding struct {
	RuleID  string `json:"rule_id"`
	Section string `json:"section"`
}

// Report summarizes what an artifact pass redacted.
type Report struct {
	Findings []Finding `json:"findings,omitempty"`
}

// Count returns the number of redactions.
func (r Report) Count() int { return len(r.Findings) }

// RuleIDs returns the distinct rules that fired, sorted.
func (r Report) RuleIDs() []string {
	seen := make(map[string]struct{}, len(r.Findings))
	for _, f := range r.Findings {
		seen[f.RuleID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Redactor applies an Engine to strings and artifacts.
// A nil or disabled Redactor passes content through unchanged.
type Redactor struct {
	engine Engine
}

// New builds the redactor selected by cfg.
func New(cfg config.RedactionConfig) (*Redactor, error) {
	if !cfg.Enabled {
		return &Redactor{}, nil
	}
	allow, err := LoadAllowlist(cfg.AllowlistFile)
	if err != nil {
		return nil, err
	}
	var engine Engine
	switch cfg.Engine {
	case "", "regexp":
		engine, err = NewRegexpEngine(DefaultRules(), allow)
	case "gitleaks":
		engine, err = NewGitleaksEngine(allow)
	default:
		return nil, fmt.Errorf("redact: unknown engine %q", cfg.Engine)
	}
	if err != nil {
		return nil, err
	}
	return &Redactor{engine: engine}, nil
}

// WithEngine returns a redactor around a specific engine.
func WithEngine(e Engine) *Redactor {
	return &Redactor{engine: e}
}

// Enabled reports whether the redactor changes anything.
func (r *Redactor) Enabled() bool {
	return r != nil && r.engine != nil
}

// String redacts s and returns the findings' rule IDs in match order.
func (r *Redactor) String(s string) (string, []string, error) {
	if !r.Enabled() || s == "" {
		return s, nil, nil
	}
	spans, err := r.engine.Find(s)
	if err != nil {
		return s, nil, err
	}
	if len(spans) == 0 {
		return s, nil, nil
	}
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	ids := make([]string, len(spans))
	for i, sp := range spans {
		ids[i] = sp.RuleID
	}
	return apply(s, spans), ids, nil
}

// Artifact redacts every string of every section in place.
func (r *Redactor) Artifact(a *artifact.Artifact) (Report, error) {
	var rep Report
	if !r.Enabled() || a == nil {
		return rep, nil
	}
	for i := range a.Sections {
		sec := &a.Sections[i]
		scrub := func(s *string) error {
			out, ids, err := r.String(*s)
			if err != nil {
				return fmt.Errorf("redact section %q: %w", sec.Name, err)
			}
			*s = out
			for _, id := range ids {
				rep.Findings = append(rep.Findings, Finding{RuleID: id, Section: sec.Name})
			}
			return nil
		}

		b := &sec.Block
		if err := scrub(&b.Text); err != nil {
			return rep, err
		}
		for j := range b.Rows {
			for k := range b.Rows[j] {
				if err := scrub(&b.Rows[j][k]); err != nil {
					return rep, err
				}
			}
		}
		for j := range b.Entries {
			if err := scrub(&b.Entries[j].Value); err != nil {
				return rep, err
			}
		}
		for j := range b.Items {
			if err := scrub(&b.Items[j]); err != nil {
				return rep, err
			}
		}
	}
	return rep, nil
}
