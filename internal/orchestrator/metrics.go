package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus collectors for pipeline execution.
type Metrics struct {
	AttemptsTotal    *prometheus.CounterVec
	StageOutcomes    *prometheus.CounterVec
	AttemptDuration  *prometheus.HistogramVec
	RetryWaitSeconds *prometheus.HistogramVec
	RunsTotal        *prometheus.CounterVec
	ActiveStages     prometheus.Gauge
}

// NewMetrics registers the pipeline metrics once with the default registry.
//
// Metrics:
//   - charter_stage_attempts_total{stage,result}
//   - charter_stage_outcomes_total{stage,state}
//   - charter_stage_attempt_duration_seconds{stage}
//   - charter_stage_retry_wait_seconds{stage,reason}
//   - charter_runs_total{status}
//   - charter_active_stages
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			AttemptsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "charter_stage_attempts_total",
					Help: "Collector attempts by stage and result",
				},
				[]string{"stage", "result"}, // "ok", "error", "timeout", "panic"
			),
			StageOutcomes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "charter_stage_outcomes_total",
					Help: "Terminal stage states",
				},
				[]string{"stage", "state"},
			),
			AttemptDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "charter_stage_attempt_duration_seconds",
					Help:    "Duration of one collector attempt in seconds",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
				},
				[]string{"stage"},
			),
			RetryWaitSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "charter_stage_retry_wait_seconds",
					Help:    "Backoff applied before a retry",
					Buckets: []float64{0.5, 1, 2, 4, 8, 16, 30, 60, 120},
				},
				[]string{"stage", "reason"}, // "backoff" or "rate_limit"
			),
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "charter_runs_total",
					Help: "Finished pipeline executions by status",
				},
				[]string{"status"},
			),
			ActiveStages: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "charter_active_stages",
					Help: "Stages currently collecting",
				},
			),
		}
	})
	return globalMetrics
}
