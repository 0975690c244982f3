// Package gate is the barrier before synthesis. Evaluate is a pure read
// of a pipeline run: it either assembles an immutable handoff bundle from
// the required artifacts or reports every stage that is not valid.
package gate

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/charter/internal/artifact"
	"github.com/fyrsmithlabs/charter/internal/pipeline"
)

// Verdict is the gate outcome.
type Verdict string

const (
	VerdictReady   Verdict = "ready"
	VerdictBlocked Verdict = "blocked"
)

// StageFailure is one required stage that is not valid.
type StageFailure struct {
	Stage  string         `json:"stage"`
	State  artifact.State `json:"state"`
	Errors []string       `json:"errors,omitempty"`
}

func (f StageFailure) String() string {
	if len(f.Errors) == 0 {
		return fmt.Sprintf("%s: %s", f.Stage, f.State)
	}
	return fmt.Sprintf("%s: %s (%s)", f.Stage, f.State, strings.Join(f.Errors, "; "))
}

// ManifestEntry describes one required stage at gate time.
type ManifestEntry struct {
	Stage string `json:"stage" yaml:"stage"`
	// Reference is "run/stage@checksum" for present artifacts.
	Reference string         `json:"artifact_reference,omitempty" yaml:"artifact_reference,omitempty"`
	State     artifact.State `json:"state" yaml:"state"`
	Timestamp time.Time      `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Present   bool           `json:"present" yaml:"present"`
}

// Result is the outcome of one evaluation.
type Result struct {
	RunID    string          `json:"run_id"`
	Verdict  Verdict         `json:"verdict"`
	Manifest []ManifestEntry `json:"manifest"`
	Failures []StageFailure  `json:"failures,omitempty"`
	// Bundle is set only when Verdict is ready.
	Bundle *Bundle `json:"-"`
}

// Ready reports whether every required stage is valid.
func (r Result) Ready() bool { return r.Verdict == VerdictReady }

// Err returns a *BlockedError carrying every failure, or nil when ready.
func (r Result) Err() error {
	if r.Ready() {
		return nil
	}
	return &BlockedError{RunID: r.RunID, Failures: append([]StageFailure(nil), r.Failures...)}
}

// BlockedError reports a gate that did not open.
type BlockedError struct {
	RunID    string
	Failures []StageFailure
}

func (e *BlockedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.String()
	}
	return fmt.Sprintf("gate blocked for run %s: %d stages not valid: %s", e.RunID, len(e.Failures), strings.Join(parts, "; "))
}

// Evaluate checks that every required stage is valid. Failures are listed
// in required order; a required stage absent from the run counts as
// pending. The run is never modified.
func Evaluate(run *pipeline.Run, required []string) Result {
	res := Result{Verdict: VerdictReady}
	if run == nil {
		run = &pipeline.Run{}
	}
	res.RunID = run.ID

	var valid []*artifact.Artifact
	for _, name := range required {
		a, ok := run.Artifact(name)
		entry := ManifestEntry{Stage: name, State: artifact.StatePending}
		if ok {
			entry.State = a.State
			entry.Timestamp = a.ProducedAt
		}
		if ok && a.State == artifact.StateValid {
			entry.Present = true
			entry.Reference = reference(run.ID, a)
			valid = append(valid, a.Clone())
		} else {
			f := StageFailure{Stage: name, State: entry.State}
			if ok {
				f.Errors = append([]string(nil), a.Errors...)
			}
			res.Failures = append(res.Failures, f)
		}
		res.Manifest = append(res.Manifest, entry)
	}

	if len(res.Failures) > 0 {
		res.Verdict = VerdictBlocked
		return res
	}
	res.Bundle = newBundle(run.ID, res.Manifest, valid)
	return res
}

// Stages returns the gate set for a run: the explicit list when given,
// otherwise every stage of the run.
func Stages(run *pipeline.Run, required []string) []string {
	if len(required) > 0 {
		return required
	}
	if run == nil {
		return nil
	}
	return append([]string(nil), run.Stages...)
}

func reference(runID string, a *artifact.Artifact) string {
	return fmt.Sprintf("%s/%s@%s", runID, a.Name, artifact.Checksum(a)[:12])
}
