// Package eventlog is the append-only, ordered record of everything that
// happens to a pipeline run: stage transitions, attempts, errors and
// interventions. Appended events are mirrored to optional sinks.
package eventlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fyrsmithlabs/charter/internal/artifact"
	"github.com/fyrsmithlabs/charter/internal/logging"
	"go.uber.org/zap"
)

// Kind classifies an event.
type Kind string

const (
	KindInfo  Kind = "INFO"
	KindStep  Kind = "STEP"
	KindError Kind = "ERROR"

	// KindIntervention marks a point where a human has to act, such as a
	// blocked gate listing missing sections.
	KindIntervention Kind = "INTERVENTION"
)

// Event is one log entry. Seq is assigned by the log and is strictly
// increasing within a run.
type Event struct {
	Seq     int64          `json:"seq"`
	RunID   string         `json:"run_id"`
	Stage   string         `json:"stage,omitempty"`
	Time    time.Time      `json:"time"`
	Kind    Kind           `json:"kind"`
	From    artifact.State `json:"from,omitempty"`
	To      artifact.State `json:"to,omitempty"`
	Attempt int            `json:"attempt,omitempty"`
	Message string         `json:"message,omitempty"`
}

// IsTransition reports whether the event records a stage state change.
func (e Event) IsTransition() bool {
	return e.To != ""
}

// Sink receives every appended event in order.
type Sink interface {
	Write(ctx context.Context, e Event) error
	Close() error
}

// Log is safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	events []Event
	seq    int64
	sinks  []Sink
	now    func() time.Time
	logger *logging.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithSink mirrors events to s.
func WithSink(s Sink) Option {
	return func(l *Log) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithLogger sets the logger used to report sink failures.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// New returns an empty log.
func New(opts ...Option) *Log {
	return Restore(nil, opts...)
}

// Restore returns a log that continues after previously persisted events.
func Restore(events []Event, opts ...Option) *Log {
	l := &Log{
		events: append([]Event(nil), events...),
		now:    time.Now,
		logger: logging.Nop(),
	}
	for _, e := range events {
		if e.Seq > l.seq {
			l.seq = e.Seq
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records e and returns it with Seq and Time filled in. Sink
// failures are logged and never fail the append.
func (l *Log) Append(ctx context.Context, e Event) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e.Seq = l.seq
	if e.Time.IsZero() {
		e.Time = l.now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindInfo
	}
	l.events = append(l.events, e)

	for _, s := range l.sinks {
		if err := s.Write(ctx, e); err != nil {
			l.logger.Warn(ctx, "event sink write failed",
				zap.Int64("seq", e.Seq),
				zap.Error(err),
			)
		}
	}
	return e
}

// Events returns a copy of all events in order.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Since returns events with Seq greater than seq.
func (l *Log) Since(seq int64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Close closes every sink.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.sinks = nil
	return errors.Join(errs...)
}
