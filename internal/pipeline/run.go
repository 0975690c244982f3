// Package pipeline holds the persisted view of a pipeline run and the
// repository that stores it between CLI invocations.
package pipeline

import (
	"time"

	"github.com/fyrsmithlabs/charter/internal/artifact"
	"github.com/fyrsmithlabs/charter/internal/eventlog"
)

// Status is the overall run status.
type Status string

const (
	StatusRunning Status = "running"
	StatusBlocked Status = "blocked"
	StatusReady   Status = "ready"
	// StatusFailed is reserved for internal errors: persistence failures,
	// cancellation. Stage failures make a run blocked, not failed.
	StatusFailed Status = "failed"
)

// Run is one pipeline execution.
type Run struct {
	ID        string                        `json:"run_id"`
	Status    Status                        `json:"status"`
	Stages    []string                      `json:"stages"`
	Artifacts map[string]*artifact.Artifact `json:"artifacts"`
	Events    []eventlog.Event              `json:"events,omitempty"`
	Params    map[string]string             `json:"params,omitempty"`
	Error     string                        `json:"error,omitempty"`
	StartedAt time.Time                     `json:"started_at"`
	UpdatedAt time.Time                     `json:"updated_at"`
}

// NewRun returns a running run with a pending artifact per stage.
func NewRun(id string, stages []string, now time.Time) *Run {
	r := &Run{
		ID:        id,
		Status:    StatusRunning,
		Stages:    append([]string(nil), stages...),
		Artifacts: make(map[string]*artifact.Artifact, len(stages)),
		StartedAt: now,
		UpdatedAt: now,
	}
	for _, s := range stages {
		r.Artifacts[s] = artifact.New(s)
	}
	return r
}

// Artifact returns the named stage's artifact.
func (r *Run) Artifact(stage string) (*artifact.Artifact, bool) {
	a, ok := r.Artifacts[stage]
	return a, ok && a != nil
}

// State returns the named stage's state, pending when unknown.
func (r *Run) State(stage string) artifact.State {
	if a, ok := r.Artifact(stage); ok {
		return a.State
	}
	return artifact.StatePending
}

// Terminal reports whether the run has finished.
func (r *Run) Terminal() bool {
	return r.Status != StatusRunning
}

// Clone returns a deep copy.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Stages = append([]string(nil), r.Stages...)
	out.Events = append([]eventlog.Event(nil), r.Events...)
	if r.Artifacts != nil {
		out.Artifacts = make(map[string]*artifact.Artifact, len(r.Artifacts))
		for k, a := range r.Artifacts {
			out.Artifacts[k] = a.Clone()
		}
	}
	if r.Params != nil {
		out.Params = make(map[string]string, len(r.Params))
		for k, v := range r.Params {
			out.Params[k] = v
		}
	}
	return &out
}

// DeriveStatus computes the run status from stage states: running while
// any stage is non-terminal, then ready when all are valid, blocked
// otherwise.
func DeriveStatus(states []artifact.State) Status {
	ready := true
	for _, s := range states {
		if !s.Terminal() {
			return StatusRunning
		}
		if s != artifact.StateValid {
			ready = false
		}
	}
	if ready {
		return StatusReady
	}
	return StatusBlocked
}

// StageStates returns the state of every stage in declaration order.
func (r *Run) StageStates() []artifact.State {
	out := make([]artifact.State, len(r.Stages))
	for i, s := range r.Stages {
		out[i] = r.State(s)
	}
	return out
}

// Summary is the listing view of a run.
type Summary struct {
	ID        string    `json:"run_id"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary returns the listing view.
func (r *Run) Summary() Summary {
	return Summary{ID: r.ID, Status: r.Status, StartedAt: r.StartedAt, UpdatedAt: r.UpdatedAt}
}
