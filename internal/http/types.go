package http

import (
	"github.com/fyrsmithlabs/charter/internal/eventlog"
	"github.com/fyrsmithlabs/charter/internal/gate"
	"github.com/fyrsmithlabs/charter/internal/pipeline"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StartRequest is the request body for POST /api/v1/runs.
type StartRequest struct {
	// Params are collector parameters. Keys of the form "stage.key" apply to
	// one stage only.
	Params map[string]string `json:"params,omitempty"`
}

// RunListResponse is the response body for GET /api/v1/runs.
type RunListResponse struct {
	Runs []pipeline.Summary `json:"runs"`
}

// EventsResponse is the response body for GET /api/v1/runs/:id/events.
type EventsResponse struct {
	RunID  string           `json:"run_id"`
	Events []eventlog.Event `json:"events"`
}

// GateResponse is the response body for GET /api/v1/runs/:id/gate.
type GateResponse struct {
	RunID    string               `json:"run_id"`
	Verdict  string               `json:"verdict"`
	BundleID string               `json:"bundle_id,omitempty"`
	Manifest []gate.ManifestEntry `json:"manifest"`
	Failures []gate.StageFailure  `json:"failures,omitempty"`
}
