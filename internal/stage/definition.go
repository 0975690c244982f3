// Package stage holds stage definitions and the validated dependency graph
// the orchestrator schedules from.
package stage

import (
	"time"

	"github.com/fyrsmithlabs/charter/internal/config"
)

// Definition declares one pipeline stage.
type Definition struct {
	Name             string
	Collector        string
	RequiredSections []string
	OptionalSections []string
	DependsOn        []string
	// Timeout overrides the pipeline-wide per-attempt timeout when non-zero.
	Timeout         time.Duration
	Params          map[string]string
	RequiredForGate bool
}

// FromConfig converts configured stages into definitions.
func FromConfig(cfg *config.Config) []Definition {
	defs := make([]Definition, 0, len(cfg.Stages))
	for _, s := range cfg.Stages {
		collector := s.Collector
		if collector == "" {
			collector = s.Name
		}
		defs = append(defs, Definition{
			Name:             s.Name,
			Collector:        collector,
			RequiredSections: append([]string(nil), s.RequiredSections...),
			OptionalSections: append([]string(nil), s.OptionalSections...),
			DependsOn:        append([]string(nil), s.DependsOn...),
			Timeout:          s.Timeout.Duration(),
			Params:           cloneParams(s.Params),
			RequiredForGate:  !s.SkipGate,
		})
	}
	return defs
}

// IsRequired reports whether section is listed in RequiredSections.
func (d Definition) IsRequired(section string) bool {
	for _, s := range d.RequiredSections {
		if s == section {
			return true
		}
	}
	return false
}

func cloneParams(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
