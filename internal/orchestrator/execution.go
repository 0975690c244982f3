package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/charter/internal/artifact"
	"github.com/fyrsmithlabs/charter/internal/collector"
	"github.com/fyrsmithlabs/charter/internal/eventlog"
	"github.com/fyrsmithlabs/charter/internal/logging"
	"github.com/fyrsmithlabs/charter/internal/pipeline"
	"github.com/fyrsmithlabs/charter/internal/stage"
	"github.com/fyrsmithlabs/charter/internal/validator"
)

var errCollectorPanic = errors.New("collector panicked")

// execution is the mutable state of one Start, Resume or Recollect call.
// Artifacts live in the store and events in the log; run carries metadata.
type execution struct {
	o     *Orchestrator
	run   *pipeline.Run
	store *artifact.Store
	log   *eventlog.Log

	// mu serializes transitions so the event order matches the order in
	// which states are published.
	mu         sync.Mutex
	persistErr error
}

func (o *Orchestrator) newExecution(run *pipeline.Run) *execution {
	run = run.Clone()
	if run.Artifacts == nil {
		run.Artifacts = make(map[string]*artifact.Artifact)
	}
	// Stages added to the graph since the run was persisted start pending.
	for _, name := range o.graph.Order() {
		if _, ok := run.Artifact(name); !ok {
			run.Artifacts[name] = artifact.New(name)
		}
	}
	run.Stages = o.graph.Order()

	store := artifact.NewStore()
	store.Load(run.Artifacts)

	opts := []eventlog.Option{eventlog.WithClock(o.now), eventlog.WithLogger(o.logger)}
	for _, s := range o.sinks {
		opts = append(opts, eventlog.WithSink(s))
	}
	ex := &execution{
		o:     o,
		run:   run,
		store: store,
		log:   eventlog.Restore(run.Events, opts...),
	}
	run.Artifacts = nil
	run.Events = nil
	return ex
}

func (ex *execution) state(name string) artifact.State {
	st, ok := ex.store.State(name)
	if !ok {
		return artifact.StatePending
	}
	return st
}

func (ex *execution) append(ctx context.Context, e eventlog.Event) eventlog.Event {
	e.RunID = ex.run.ID
	return ex.log.Append(ctx, e)
}

func (ex *execution) markRunning() {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.run.Status = pipeline.StatusRunning
	ex.run.Error = ""
}

// change describes one state transition.
type change struct {
	to      artifact.State
	attempt int
	message string
	apply   func(a *artifact.Artifact)
	// only, when set, makes the transition a no-op unless the stage is
	// currently in that state.
	only artifact.State
}

// transition moves a stage to c.to. The event is appended before the store
// publishes the new state. Terminal states are persisted.
func (ex *execution) transition(ctx context.Context, name string, c change) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	a, err := ex.store.Get(name)
	if err != nil {
		return err
	}
	from := a.State
	if c.only != "" && from != c.only {
		return nil
	}
	if c.to == artifact.StatePending {
		a.Reset()
	} else if err := a.TransitionTo(c.to); err != nil {
		return err
	}
	if c.apply != nil {
		c.apply(a)
	}

	kind := eventlog.KindStep
	if c.to == artifact.StateInvalid || c.to == artifact.StateFailed {
		kind = eventlog.KindError
	}
	ex.append(ctx, eventlog.Event{
		Stage:   name,
		Kind:    kind,
		From:    from,
		To:      c.to,
		Attempt: c.attempt,
		Message: c.message,
	})
	if err := ex.store.Put(a); err != nil {
		return err
	}

	if c.to.Terminal() {
		ex.o.metrics.StageOutcomes.WithLabelValues(name, string(c.to)).Inc()
		ex.persistLocked()
	}
	return nil
}

// reset returns a stage to pending unless it already is.
func (ex *execution) reset(ctx context.Context, name, reason string) error {
	if ex.state(name) == artifact.StatePending {
		return nil
	}
	return ex.transition(ctx, name, change{to: artifact.StatePending, message: reason})
}

// snapshot returns the run with current artifacts and events.
func (ex *execution) snapshot() *pipeline.Run {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.snapshotLocked()
}

func (ex *execution) snapshotLocked() *pipeline.Run {
	run := ex.run.Clone()
	run.Artifacts = ex.store.Snapshot()
	run.Events = ex.log.Events()
	return run
}

func (ex *execution) persist() error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.persistLocked()
	return ex.persistErr
}

func (ex *execution) persistLocked() {
	ex.run.UpdatedAt = ex.o.now().UTC()
	// Persistence is independent of the caller's cancellation.
	if err := ex.o.repo.Save(context.Background(), ex.snapshotLocked()); err != nil && ex.persistErr == nil {
		ex.persistErr = fmt.Errorf("persist run %s: %w", ex.run.ID, err)
	}
}

type readiness int

const (
	waiting readiness = iota
	ready
	blocked
)

// readiness reports whether every dependency of name is valid, and which
// dependency blocks it otherwise.
func (ex *execution) readiness(name string) (readiness, string) {
	r := ready
	for _, dep := range ex.o.graph.Dependencies(name) {
		st := ex.state(dep)
		switch {
		case st == artifact.StateValid:
		case st.Terminal():
			return blocked, dep
		default:
			r = waiting
		}
	}
	return r, ""
}

// schedule runs targets in dependency order until each is terminal.
func (ex *execution) schedule(ctx context.Context, targets []string) {
	pending := make(map[string]bool, len(targets))
	for _, name := range targets {
		if ex.state(name) == artifact.StatePending {
			pending[name] = true
		}
	}
	order := ex.o.graph.Order()
	sem := semaphore.NewWeighted(int64(ex.o.maxParallel))
	done := make(chan string, len(targets))
	running := 0

	for {
		for _, name := range order {
			if !pending[name] {
				continue
			}
			if ex.state(name) != artifact.StatePending {
				delete(pending, name)
				continue
			}
			if ctx.Err() != nil {
				break
			}
			r, dep := ex.readiness(name)
			switch r {
			case ready:
				delete(pending, name)
				running++
				def, _ := ex.o.graph.Definition(name)
				go func() {
					defer func() { done <- def.Name }()
					if err := sem.Acquire(ctx, 1); err != nil {
						return
					}
					defer sem.Release(1)
					ex.runStage(ctx, def)
				}()
			case blocked:
				delete(pending, name)
				ex.block(ctx, name, dep)
			}
		}

		if running == 0 {
			break
		}
		<-done
		running--
	}

	if ctx.Err() != nil {
		return
	}
	// Anything left waits on a dependency outside this execution that
	// never reached a terminal state.
	for _, name := range order {
		if pending[name] && ex.state(name) == artifact.StatePending {
			ex.block(ctx, name, "")
		}
	}
}

func (ex *execution) block(ctx context.Context, name, cause string) {
	msg := "dependency did not complete"
	if cause != "" {
		msg = fmt.Sprintf("blocked by %s (%s)", cause, ex.state(cause))
	}
	err := ex.transition(ctx, name, change{
		to:      artifact.StateBlocked,
		only:    artifact.StatePending,
		message: msg,
		apply:   func(a *artifact.Artifact) { a.Errors = []string{msg} },
	})
	if err != nil {
		ex.o.logger.Error(ctx, "failed to block stage", zap.String("stage", name), zap.Error(err))
	}
}

// blockDownstream marks every pending transitive dependent of name blocked.
func (ex *execution) blockDownstream(ctx context.Context, name string) {
	for _, dep := range ex.o.graph.Downstream(name) {
		if ex.state(dep) != artifact.StatePending {
			continue
		}
		cause := name
		for _, d := range ex.o.graph.Dependencies(dep) {
			if st := ex.state(d); st.Terminal() && st != artifact.StateValid {
				cause = d
				break
			}
		}
		ex.block(ctx, dep, cause)
	}
}

// runStage drives one stage from pending to a terminal state.
func (ex *execution) runStage(ctx context.Context, def stage.Definition) {
	o := ex.o
	ctx = logging.WithStage(ctx, def.Name)
	ctx, span := o.tracer.Start(ctx, "orchestrator.stage", trace.WithAttributes(
		attribute.String("run.id", ex.run.ID),
		attribute.String("stage", def.Name),
		attribute.String("collector", def.Collector),
	))
	defer span.End()

	o.metrics.ActiveStages.Inc()
	defer o.metrics.ActiveStages.Dec()

	if err := ex.transition(ctx, def.Name, change{
		to:      artifact.StateCollecting,
		attempt: 1,
		message: "collecting with " + def.Collector,
	}); err != nil {
		o.logger.Error(ctx, "failed to start stage", zap.Error(err))
		return
	}
	c, err := o.registry.Get(def.Collector)
	if err != nil {
		// New verifies registrations; a miss here means the registry changed.
		ex.collectingFailed(ctx, def, 1, []string{err.Error()})
		return
	}

	var (
		collected *artifact.Artifact
		errs      []string
		attempt   int
	)
	for attempt = 1; ; attempt++ {
		collected, err = ex.attempt(ctx, c, def, attempt)
		if err == nil {
			break
		}
		errs = append(errs, fmt.Sprintf("attempt %d: %v", attempt, err))
		ex.append(ctx, eventlog.Event{Stage: def.Name, Kind: eventlog.KindError, Attempt: attempt, Message: err.Error()})

		cls := collector.Classify(err)
		if ctx.Err() != nil || !o.policy.ShouldRetry(attempt, cls) {
			o.logger.Warn(ctx, "stage collection failed",
				zap.Int("attempt", attempt),
				zap.Bool("retryable", cls.Retryable),
				zap.Error(err),
			)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			ex.collectingFailed(ctx, def, attempt, errs)
			return
		}

		if o.policy.ExceedsWait(cls) {
			resetAt := o.now().Add(cls.RetryAfter).UTC().Format(time.RFC3339)
			errs = append(errs, fmt.Sprintf("rate limit resets at %s, beyond the %s wait limit", resetAt, o.policy.MaxRateLimitWait))
			o.logger.Warn(ctx, "rate limit wait too long",
				zap.Duration("retry_after", cls.RetryAfter),
				zap.Duration("max_wait", o.policy.MaxRateLimitWait),
			)
			ex.collectingFailed(ctx, def, attempt, errs)
			return
		}

		delay := o.policy.Delay(attempt, cls)
		reason := "backoff"
		if cls.RateLimited {
			reason = "rate_limit"
		}
		o.metrics.RetryWaitSeconds.WithLabelValues(def.Name, reason).Observe(delay.Seconds())
		ex.append(ctx, eventlog.Event{
			Stage:   def.Name,
			Kind:    eventlog.KindStep,
			Attempt: attempt + 1,
			Message: fmt.Sprintf("retrying in %s (%s)", delay, strings.ReplaceAll(reason, "_", " ")),
		})
		o.logger.Info(ctx, "retrying stage",
			zap.Int("next_attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := o.sleep(ctx, delay); err != nil {
			errs = append(errs, fmt.Sprintf("retry wait: %v", err))
			ex.collectingFailed(ctx, def, attempt, errs)
			return
		}
	}

	report, err := o.redactor.Artifact(collected)
	if err != nil {
		ex.collectingFailed(ctx, def, attempt, append(errs, fmt.Sprintf("redaction: %v", err)))
		return
	}
	if report.Count() > 0 {
		ex.append(ctx, eventlog.Event{
			Stage:   def.Name,
			Kind:    eventlog.KindInfo,
			Attempt: attempt,
			Message: fmt.Sprintf("redacted %d secrets (%s)", report.Count(), strings.Join(report.RuleIDs(), ", ")),
		})
	}

	result := validator.Validate(collected, def)
	producedAt := collected.ProducedAt
	if producedAt.IsZero() {
		producedAt = o.now().UTC()
	}
	if err := ex.transition(ctx, def.Name, change{
		to:      artifact.StateCollected,
		attempt: attempt,
		message: fmt.Sprintf("collected %d sections", len(collected.Sections)),
		apply: func(a *artifact.Artifact) {
			a.Sections = collected.Clone().Sections
			a.SourceAdapter = collected.SourceAdapter
			if a.SourceAdapter == "" {
				a.SourceAdapter = c.Name()
			}
			a.ProducedAt = producedAt
			a.Attempts = attempt
		},
	}); err != nil {
		o.logger.Error(ctx, "failed to record collected stage", zap.Error(err))
		return
	}

	if result.Valid() {
		err = ex.transition(ctx, def.Name, change{to: artifact.StateValid, attempt: attempt, message: "validation passed"})
	} else {
		messages := result.Messages()
		err = ex.transition(ctx, def.Name, change{
			to:      artifact.StateInvalid,
			attempt: attempt,
			message: fmt.Sprintf("validation failed: %d issues", len(messages)),
			apply:   func(a *artifact.Artifact) { a.Errors = messages },
		})
		span.SetStatus(codes.Error, "validation failed")
		o.logger.Warn(ctx, "stage failed validation", zap.Strings("issues", messages))
	}
	if err != nil {
		o.logger.Error(ctx, "failed to record validation result", zap.Error(err))
		return
	}
	span.SetAttributes(attribute.String("stage.state", string(ex.state(def.Name))))
	if !result.Valid() {
		ex.blockDownstream(ctx, def.Name)
	}
}

func (ex *execution) collectingFailed(ctx context.Context, def stage.Definition, attempt int, errs []string) {
	err := ex.transition(ctx, def.Name, change{
		to:      artifact.StateFailed,
		attempt: attempt,
		message: fmt.Sprintf("failed after %d attempts", attempt),
		apply: func(a *artifact.Artifact) {
			a.Errors = errs
			a.Attempts = attempt
		},
	})
	if err != nil {
		ex.o.logger.Error(ctx, "failed to record stage failure", zap.Error(err))
		return
	}
	ex.blockDownstream(ctx, def.Name)
}

// attempt runs one collector call bounded by the stage timeout. The
// orchestrator stops waiting at the deadline even if the collector
// ignores its context. Panics become non-retryable failures.
func (ex *execution) attempt(ctx context.Context, c collector.Collector, def stage.Definition, n int) (*artifact.Artifact, error) {
	o := ex.o
	timeout := o.timeoutFor(def)
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	in := collector.Input{
		RunID:   ex.run.ID,
		Stage:   def.Name,
		Attempt: n,
		Params:  stageParams(def, ex.run.Params),
	}

	type result struct {
		a   *artifact.Artifact
		err error
	}
	done := make(chan result, 1)
	start := o.now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: collector.Permanent(def.Name, fmt.Errorf("%w: %v", errCollectorPanic, r))}
			}
		}()
		a, err := c.Collect(actx, in)
		done <- result{a: a, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-actx.Done():
		res.err = actx.Err()
	}
	o.metrics.AttemptDuration.WithLabelValues(def.Name).Observe(o.now().Sub(start).Seconds())

	if res.err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		res.err = &collector.TimeoutError{Stage: def.Name, Timeout: timeout}
	}
	if res.err == nil && res.a == nil {
		res.err = collector.Permanentf(def.Name, "collector %s returned no artifact", c.Name())
	}

	label := "ok"
	var te *collector.TimeoutError
	switch {
	case errors.Is(res.err, errCollectorPanic):
		label = "panic"
	case errors.As(res.err, &te):
		label = "timeout"
	case res.err != nil:
		label = "error"
	}
	o.metrics.AttemptsTotal.WithLabelValues(def.Name, label).Inc()
	if res.err != nil {
		return nil, res.err
	}
	return res.a, nil
}

// complete derives the final run status, records it and persists the run.
func (ex *execution) complete(ctx context.Context) (pipeline.Status, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	states := make([]artifact.State, len(ex.run.Stages))
	for i, name := range ex.run.Stages {
		states[i] = ex.state(name)
	}
	status := pipeline.DeriveStatus(states)

	var runErr error
	switch {
	case ctx.Err() != nil:
		runErr = fmt.Errorf("run %s interrupted: %w", ex.run.ID, ctx.Err())
	case status == pipeline.StatusRunning:
		runErr = fmt.Errorf("run %s ended with stages still in progress", ex.run.ID)
	case ex.persistErr != nil:
		runErr = ex.persistErr
	}
	if runErr != nil {
		status = pipeline.StatusFailed
		ex.run.Error = runErr.Error()
	}
	ex.run.Status = status

	switch status {
	case pipeline.StatusReady:
		ex.append(ctx, eventlog.Event{Kind: eventlog.KindInfo, Message: "run ready"})
	case pipeline.StatusBlocked:
		for _, name := range ex.run.Stages {
			a, err := ex.store.Get(name)
			if err != nil || a.State == artifact.StateValid {
				continue
			}
			msg := fmt.Sprintf("needs attention (%s)", a.State)
			if len(a.Errors) > 0 {
				msg += ": " + strings.Join(a.Errors, "; ")
			}
			ex.append(ctx, eventlog.Event{Stage: name, Kind: eventlog.KindIntervention, Message: msg})
		}
		ex.append(ctx, eventlog.Event{Kind: eventlog.KindInfo, Message: "run blocked"})
	default:
		ex.append(ctx, eventlog.Event{Kind: eventlog.KindError, Message: ex.run.Error})
	}

	hadErr := ex.persistErr
	ex.persistLocked()
	if runErr == nil && hadErr == nil && ex.persistErr != nil {
		runErr = ex.persistErr
		ex.run.Status = pipeline.StatusFailed
		ex.run.Error = runErr.Error()
		status = pipeline.StatusFailed
	}
	return status, runErr
}
