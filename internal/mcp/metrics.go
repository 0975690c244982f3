package mcp

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/charter/internal/gate"
	"github.com/fyrsmithlabs/charter/internal/logging"
	"github.com/fyrsmithlabs/charter/internal/orchestrator"
	"github.com/fyrsmithlabs/charter/internal/pipeline"
)

const instrumentationName = "github.com/fyrsmithlabs/charter/internal/mcp"

// Metrics records tool calls and the gate verdicts they observe.
type Metrics struct {
	meter    metric.Meter
	logger   *logging.Logger
	calls    metric.Int64Counter
	duration metric.Float64Histogram
	failures metric.Int64Counter
	inFlight metric.Int64UpDownCounter
	verdicts metric.Int64Counter
}

// NewMetrics creates metrics on the global meter provider.
func NewMetrics(logger *logging.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *logging.Logger) *Metrics {
	if logger == nil {
		logger = logging.Nop()
	}
	m := &Metrics{meter: meter, logger: logger}

	var err error
	warn := func(name string) {
		if err != nil {
			logger.Warn(context.Background(), "failed to create mcp instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m.calls, err = meter.Int64Counter("charter.mcp.tool.calls_total",
		metric.WithDescription("Pipeline tool calls by tool and outcome"),
		metric.WithUnit("{call}"))
	warn("calls")

	m.duration, err = meter.Float64Histogram("charter.mcp.tool.duration_seconds",
		metric.WithDescription("Duration of pipeline tool calls"),
		metric.WithUnit("s"),
		// recollect runs collectors, so the upper buckets reach minutes
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.25, 1, 5, 15, 60, 180))
	warn("duration")

	m.failures, err = meter.Int64Counter("charter.mcp.tool.failures_total",
		metric.WithDescription("Failed tool calls by tool and reason"),
		metric.WithUnit("{call}"))
	warn("failures")

	m.inFlight, err = meter.Int64UpDownCounter("charter.mcp.tool.in_flight",
		metric.WithDescription("Tool calls currently executing"),
		metric.WithUnit("{call}"))
	warn("in_flight")

	m.verdicts, err = meter.Int64Counter("charter.mcp.gate.verdicts_total",
		metric.WithDescription("Gate evaluations served over MCP by verdict"),
		metric.WithUnit("{evaluation}"))
	warn("verdicts")

	return m
}

// Begin marks a call as in flight and returns the function that ends it.
func (m *Metrics) Begin(ctx context.Context, tool string) func(err error) {
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	if m.inFlight != nil {
		m.inFlight.Add(ctx, 1, attrs)
	}
	return func(err error) {
		if m.inFlight != nil {
			m.inFlight.Add(ctx, -1, attrs)
		}
		m.record(ctx, tool, time.Since(start), err)
	}
}

func (m *Metrics) record(ctx context.Context, tool string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if m.calls != nil {
		m.calls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("outcome", outcome)))
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
	}
	if err != nil && m.failures != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("reason", failureReason(err))))
	}
}

// RecordVerdict counts one gate evaluation.
func (m *Metrics) RecordVerdict(ctx context.Context, v gate.Verdict) {
	if m.verdicts != nil {
		m.verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", string(v))))
	}
}

// failureReason maps an error to a low-cardinality label.
func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, pipeline.ErrRunNotFound):
		return "run_not_found"
	case errors.Is(err, orchestrator.ErrUnknownStage):
		return "unknown_stage"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "canceled"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "is required"), strings.Contains(msg, "invalid run id"):
		return "bad_request"
	case strings.Contains(msg, "list runs"), strings.Contains(msg, "persist"):
		return "storage"
	default:
		return "internal"
	}
}
