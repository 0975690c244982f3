package collector

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownCollector is returned for unregistered collector keys.
var ErrUnknownCollector = errors.New("collector: unknown collector")

// CollectionError is a classified collector failure.
type CollectionError struct {
	Stage     string
	Retryable bool
	// RateLimited errors wait at least the pipeline's rate-limit floor.
	RateLimited bool
	RetryAfter  time.Duration
	Err         error
}

func (e *CollectionError) Error() string {
	kind := "permanent"
	switch {
	case e.RateLimited:
		kind = "rate limited"
	case e.Retryable:
		kind = "retryable"
	}
	return fmt.Sprintf("collect %s (%s): %v", e.Stage, kind, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }

// Permanent returns a non-retryable CollectionError.
func Permanent(stage string, err error) *CollectionError {
	return &CollectionError{Stage: stage, Err: err}
}

// Permanentf formats a non-retryable CollectionError.
func Permanentf(stage, format string, args ...any) *CollectionError {
	return Permanent(stage, fmt.Errorf(format, args...))
}

// Transient returns a retryable CollectionError.
func Transient(stage string, err error) *CollectionError {
	return &CollectionError{Stage: stage, Retryable: true, Err: err}
}

// RateLimited returns a retryable CollectionError that asks the caller to
// wait at least retryAfter.
func RateLimited(stage string, retryAfter time.Duration, err error) *CollectionError {
	return &CollectionError{Stage: stage, Retryable: true, RateLimited: true, RetryAfter: retryAfter, Err: err}
}

// TimeoutError reports an attempt that exceeded its deadline. Always retryable.
type TimeoutError struct {
	Stage   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("collect %s: timed out after %s", e.Stage, e.Timeout)
}

// Is lets errors.Is(err, context.DeadlineExceeded) match.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// Classification is the retry-relevant view of an error.
type Classification struct {
	Retryable   bool
	RateLimited bool
	RetryAfter  time.Duration
}

// Classify maps an error onto the retry policy. Unknown errors are
// retryable; cancellation is not.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	var ce *CollectionError
	if errors.As(err, &ce) {
		return Classification{Retryable: ce.Retryable, RateLimited: ce.RateLimited, RetryAfter: ce.RetryAfter}
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return Classification{Retryable: true}
	}
	if errors.Is(err, context.Canceled) {
		return Classification{}
	}
	return Classification{Retryable: true}
}
