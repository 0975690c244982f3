package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/charter/internal/gate"
	"github.com/fyrsmithlabs/charter/internal/pipeline"
)

const timeLayout = time.RFC3339

type runsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum runs to return (default: 10)"`
}

type runSummary struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	StartedAt string `json:"started_at"`
	UpdatedAt string `json:"updated_at"`
}

type runsOutput struct {
	Runs  []runSummary `json:"runs" jsonschema:"Runs, newest first"`
	Count int          `json:"count"`
}

type runInput struct {
	RunID string `json:"run_id,omitempty" jsonschema:"Run ID (default: latest run)"`
}

type stageStatus struct {
	Name     string   `json:"name"`
	State    string   `json:"state"`
	Attempts int      `json:"attempts,omitempty"`
	Source   string   `json:"source,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

type statusOutput struct {
	RunID     string        `json:"run_id"`
	Status    string        `json:"status"`
	Stages    []stageStatus `json:"stages"`
	Error     string        `json:"error,omitempty"`
	UpdatedAt string        `json:"updated_at"`
}

type gateFailure struct {
	Stage  string   `json:"stage"`
	State  string   `json:"state"`
	Errors []string `json:"errors,omitempty"`
}

type gateOutput struct {
	RunID      string        `json:"run_id"`
	Verdict    string        `json:"verdict"`
	BundleID   string        `json:"bundle_id,omitempty"`
	References []string      `json:"references,omitempty"`
	Failures   []gateFailure `json:"failures,omitempty"`
}

type recollectInput struct {
	RunID string `json:"run_id,omitempty" jsonschema:"Run ID (default: latest run)"`
	Stage string `json:"stage" jsonschema:"Stage to re-collect, e.g. portal"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pipeline_runs",
		Description: "List recent requirements pipeline runs",
	}, instrument(s, "pipeline_runs", s.handleRuns))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pipeline_status",
		Description: "Show the state of every stage of a pipeline run, with validation and collection errors",
	}, instrument(s, "pipeline_status", s.handleStatus))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pipeline_gate",
		Description: "Evaluate the handoff gate: ready with a bundle ID, or blocked with the stages that need attention",
	}, instrument(s, "pipeline_gate", s.handleGate))

	if s.recollector != nil {
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "stage_recollect",
			Description: "Re-collect one stage and every stage that depends on it, then return the updated run status",
		}, instrument(s, "stage_recollect", s.handleRecollect))
	}
}

// instrument wraps a handler with metrics and a text summary.
func instrument[In, Out any](s *Server, name string, fn func(context.Context, In) (Out, string, error)) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		done := s.metrics.Begin(ctx, name)
		out, text, err := fn(ctx, args)
		done(err)
		if err != nil {
			s.logger.Warn(ctx, "tool failed", zap.String("tool", name), zap.Error(err))
			var zero Out
			return nil, zero, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	}
}

func (s *Server) handleRuns(ctx context.Context, args runsInput) (runsOutput, string, error) {
	limit := args.Limit
	if limit <= 0 {
		limit = 10
	}
	runs, err := s.repo.List(ctx)
	if err != nil {
		return runsOutput{}, "", fmt.Errorf("list runs: %w", err)
	}
	if len(runs) > limit {
		runs = runs[:limit]
	}
	out := runsOutput{Runs: make([]runSummary, 0, len(runs)), Count: len(runs)}
	for _, r := range runs {
		out.Runs = append(out.Runs, runSummary{
			RunID:     r.ID,
			Status:    string(r.Status),
			StartedAt: r.StartedAt.Format(timeLayout),
			UpdatedAt: r.UpdatedAt.Format(timeLayout),
		})
	}
	return out, fmt.Sprintf("%d runs", len(runs)), nil
}

func (s *Server) handleStatus(ctx context.Context, args runInput) (statusOutput, string, error) {
	run, err := pipeline.Resolve(ctx, s.repo, args.RunID)
	if err != nil {
		return statusOutput{}, "", err
	}
	out := statusOf(run)
	return out, statusText(out), nil
}

func (s *Server) handleGate(ctx context.Context, args runInput) (gateOutput, string, error) {
	run, err := pipeline.Resolve(ctx, s.repo, args.RunID)
	if err != nil {
		return gateOutput{}, "", err
	}
	res := gate.Evaluate(run, gate.Stages(run, s.gateStages))
	s.metrics.RecordVerdict(ctx, res.Verdict)
	out := gateOutput{RunID: res.RunID, Verdict: string(res.Verdict)}
	if res.Bundle != nil {
		out.BundleID = res.Bundle.ID()
		out.References = res.Bundle.References()
		return out, fmt.Sprintf("run %s is ready, bundle %s", run.ID, out.BundleID), nil
	}
	for _, f := range res.Failures {
		out.Failures = append(out.Failures, gateFailure{Stage: f.Stage, State: string(f.State), Errors: f.Errors})
	}
	return out, res.Err().Error(), nil
}

func (s *Server) handleRecollect(ctx context.Context, args recollectInput) (statusOutput, string, error) {
	if strings.TrimSpace(args.Stage) == "" {
		return statusOutput{}, "", fmt.Errorf("stage is required")
	}
	current, err := pipeline.Resolve(ctx, s.repo, args.RunID)
	if err != nil {
		return statusOutput{}, "", err
	}
	run, err := s.recollector.Recollect(ctx, current.ID, args.Stage)
	if run == nil {
		return statusOutput{}, "", err
	}
	out := statusOf(run)
	if err != nil {
		out.Error = err.Error()
	}
	return out, fmt.Sprintf("re-collected %s: %s", args.Stage, statusText(out)), nil
}

func statusOf(run *pipeline.Run) statusOutput {
	out := statusOutput{
		RunID:     run.ID,
		Status:    string(run.Status),
		Stages:    make([]stageStatus, 0, len(run.Stages)),
		Error:     run.Error,
		UpdatedAt: run.UpdatedAt.Format(timeLayout),
	}
	for _, name := range run.Stages {
		st := stageStatus{Name: name, State: string(run.State(name))}
		if a, ok := run.Artifact(name); ok {
			st.Attempts = a.Attempts
			st.Source = a.SourceAdapter
			st.Errors = a.Errors
		}
		out.Stages = append(out.Stages, st)
	}
	return out
}

func statusText(out statusOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s is %s", out.RunID, out.Status)
	for _, st := range out.Stages {
		fmt.Fprintf(&b, "\n- %s: %s", st.Name, st.State)
		if len(st.Errors) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(st.Errors, "; "))
		}
	}
	return b.String()
}
