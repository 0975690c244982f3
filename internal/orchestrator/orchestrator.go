package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/charter/internal/artifact"
	"github.com/fyrsmithlabs/charter/internal/collector"
	"github.com/fyrsmithlabs/charter/internal/eventlog"
	"github.com/fyrsmithlabs/charter/internal/logging"
	"github.com/fyrsmithlabs/charter/internal/pipeline"
	"github.com/fyrsmithlabs/charter/internal/redact"
	"github.com/fyrsmithlabs/charter/internal/stage"
)

const instrumentationName = "github.com/fyrsmithlabs/charter/internal/orchestrator"

// DefaultStageTimeout bounds one collector attempt when neither the stage
// nor the orchestrator sets a timeout.
const DefaultStageTimeout = 2 * time.Minute

// ErrUnknownStage is returned when an operation names a stage the graph
// does not contain.
var ErrUnknownStage = errors.New("orchestrator: unknown stage")

// Orchestrator executes pipeline runs over a stage graph. It is safe for
// concurrent use: executions on the same run ID are serialized, so a
// Recollect issued while another one is collecting waits for it and then
// loads the persisted result.
type Orchestrator struct {
	graph        *stage.Graph
	registry     *collector.Registry
	repo         pipeline.Repository
	policy       RetryPolicy
	maxParallel  int
	stageTimeout time.Duration
	redactor     *redact.Redactor
	sinks        []eventlog.Sink

	logger  *logging.Logger
	tracer  trace.Tracer
	metrics *Metrics
	locks   *runLocks

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy sets the retry policy.
func WithPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithMaxParallel bounds concurrently collecting stages. Zero means one
// slot per stage.
func WithMaxParallel(n int) Option {
	return func(o *Orchestrator) { o.maxParallel = n }
}

// WithStageTimeout sets the default per-attempt timeout.
func WithStageTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.stageTimeout = d }
}

// WithRedactor scrubs collected artifacts before validation.
func WithRedactor(r *redact.Redactor) Option {
	return func(o *Orchestrator) { o.redactor = r }
}

// WithSinks mirrors every run's events to the given sinks.
func WithSinks(sinks ...eventlog.Sink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, sinks...) }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracer sets the tracer used for run and stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep overrides how retry backoff waits.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// New returns an orchestrator. Every stage's collector must be registered.
func New(graph *stage.Graph, registry *collector.Registry, repo pipeline.Repository, opts ...Option) (*Orchestrator, error) {
	if graph == nil || registry == nil || repo == nil {
		return nil, errors.New("orchestrator: graph, registry and repository are required")
	}
	o := &Orchestrator{
		graph:        graph,
		registry:     registry,
		repo:         repo,
		policy:       DefaultRetryPolicy(),
		stageTimeout: DefaultStageTimeout,
		logger:       logging.Nop(),
		tracer:       otel.Tracer(instrumentationName),
		metrics:      NewMetrics(),
		locks:        newRunLocks(),
		now:          time.Now,
		sleep:        sleepCtx,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.policy.applyDefaults()
	if o.stageTimeout <= 0 {
		o.stageTimeout = DefaultStageTimeout
	}
	if o.maxParallel <= 0 || o.maxParallel > graph.Len() {
		o.maxParallel = graph.Len()
	}

	for _, name := range graph.Order() {
		def, _ := graph.Definition(name)
		if _, err := registry.Get(def.Collector); err != nil {
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}
	}
	return o, nil
}

// Graph returns the stage graph.
func (o *Orchestrator) Graph() *stage.Graph { return o.graph }

// Repository returns the run repository.
func (o *Orchestrator) Repository() pipeline.Repository { return o.repo }

// Start creates a run, executes every stage and persists the result.
// params are passed to collectors: a "stage.key" entry applies to that
// stage only, a plain "key" entry to every stage.
//
// A run that ends blocked is not an error. The returned error reports
// internal failures such as persistence or cancellation; the run is
// returned whenever one was created.
func (o *Orchestrator) Start(ctx context.Context, params map[string]string) (*pipeline.Run, error) {
	run := pipeline.NewRun(o.newID(), o.graph.Order(), o.now().UTC())
	if len(params) > 0 {
		run.Params = make(map[string]string, len(params))
		for k, v := range params {
			run.Params[k] = v
		}
	}

	release, err := o.locks.acquire(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	ex := o.newExecution(run)
	ctx = logging.WithRunID(ctx, run.ID)
	ex.append(ctx, eventlog.Event{Kind: eventlog.KindInfo, Message: fmt.Sprintf("run started with %d stages", len(run.Stages))})
	if err := ex.persist(); err != nil {
		return ex.snapshot(), err
	}
	return o.execute(ctx, ex, "start", run.Stages)
}

// Resume reloads a persisted run and re-executes every stage that is not
// valid. Valid stages keep their artifacts.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*pipeline.Run, error) {
	release, err := o.locks.acquire(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer release()

	run, err := o.repo.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	ex := o.newExecution(run)
	ctx = logging.WithRunID(ctx, run.ID)

	var targets []string
	for _, name := range o.graph.Order() {
		if ex.state(name) == artifact.StateValid {
			continue
		}
		if err := ex.reset(ctx, name, "reset on resume"); err != nil {
			return ex.snapshot(), err
		}
		targets = append(targets, name)
	}
	ex.append(ctx, eventlog.Event{Kind: eventlog.KindInfo, Message: fmt.Sprintf("run resumed, %d stages to collect", len(targets))})
	ex.markRunning()
	if err := ex.persist(); err != nil {
		return ex.snapshot(), err
	}
	return o.execute(ctx, ex, "resume", targets)
}

// Recollect resets a stage and its transitive dependents to pending and
// runs them again. It is allowed in any run status, including ready.
func (o *Orchestrator) Recollect(ctx context.Context, runID, stageName string) (*pipeline.Run, error) {
	if !o.graph.Has(stageName) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stageName)
	}
	release, err := o.locks.acquire(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer release()

	run, err := o.repo.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	ex := o.newExecution(run)
	ctx = logging.WithRunID(ctx, run.ID)

	targets := append([]string{stageName}, o.graph.Downstream(stageName)...)
	for _, name := range targets {
		if err := ex.reset(ctx, name, "reset for re-collection of "+stageName); err != nil {
			return ex.snapshot(), err
		}
	}
	ex.append(ctx, eventlog.Event{Stage: stageName, Kind: eventlog.KindInfo, Message: fmt.Sprintf("re-collection requested, %d stages reset", len(targets))})
	ex.markRunning()
	if err := ex.persist(); err != nil {
		return ex.snapshot(), err
	}
	return o.execute(ctx, ex, "recollect", targets)
}

// Close closes the event sinks.
func (o *Orchestrator) Close() error {
	var errs []error
	for _, s := range o.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) execute(ctx context.Context, ex *execution, op string, targets []string) (*pipeline.Run, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator."+op, trace.WithAttributes(
		attribute.String("run.id", ex.run.ID),
		attribute.Int("stages", len(targets)),
	))
	defer span.End()

	start := o.now()
	ex.markRunning()
	ex.schedule(ctx, targets)
	status, err := ex.complete(ctx)

	o.metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	span.SetAttributes(attribute.String("run.status", string(status)))
	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Duration("duration", o.now().Sub(start)),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error(ctx, "pipeline run failed", append(fields, zap.Error(err))...)
		return ex.snapshot(), err
	}
	span.SetStatus(codes.Ok, "")
	o.logger.Info(ctx, "pipeline run finished", fields...)
	return ex.snapshot(), nil
}

func (o *Orchestrator) timeoutFor(def stage.Definition) time.Duration {
	if def.Timeout > 0 {
		return def.Timeout
	}
	return o.stageTimeout
}

// stageParams merges definition params with run params. Scoped
// "stage.key" entries win over plain ones.
func stageParams(def stage.Definition, runParams map[string]string) map[string]string {
	out := make(map[string]string, len(def.Params)+len(runParams))
	for k, v := range def.Params {
		out[k] = v
	}
	prefix := def.Name + "."
	for k, v := range runParams {
		if !strings.Contains(k, ".") {
			out[k] = v
		}
	}
	for k, v := range runParams {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out
}
