package orchestrator

import (
	"context"
	"math"
	"time"

	"github.com/fyrsmithlabs/charter/internal/collector"
	"github.com/fyrsmithlabs/charter/internal/config"
)

// RetryPolicy decides how often and how long to wait between attempts.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt.
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// RateLimitFloor is the minimum wait after a rate-limited failure.
	RateLimitFloor time.Duration
	// MaxRateLimitWait caps the wait after a rate-limited failure. A limit
	// that resets later fails the stage instead.
	MaxRateLimitWait time.Duration
}

// DefaultRetryPolicy returns three attempts, 1s doubling to 30s, and
// rate-limit waits between 30s and 5m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2,
		RateLimitFloor:    30 * time.Second,
		MaxRateLimitWait:  5 * time.Minute,
	}
}

// PolicyFromConfig builds a policy from pipeline settings, falling back to
// defaults for unset values.
func PolicyFromConfig(c config.PipelineConfig) RetryPolicy {
	p := RetryPolicy{
		MaxAttempts:       c.MaxAttempts,
		InitialBackoff:    c.InitialBackoff.Duration(),
		MaxBackoff:        c.MaxBackoff.Duration(),
		BackoffMultiplier: c.BackoffMultiplier,
		RateLimitFloor:    c.RateLimitFloor.Duration(),
		MaxRateLimitWait:  c.MaxRateLimitWait.Duration(),
	}
	p.applyDefaults()
	return p
}

func (p *RetryPolicy) applyDefaults() {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = d.BackoffMultiplier
	}
	if p.RateLimitFloor < 0 {
		p.RateLimitFloor = 0
	}
	if p.MaxRateLimitWait <= 0 {
		p.MaxRateLimitWait = d.MaxRateLimitWait
	}
	if p.MaxRateLimitWait < p.RateLimitFloor {
		p.MaxRateLimitWait = p.RateLimitFloor
	}
}

// Backoff returns the wait after failed attempt n (1-based):
// InitialBackoff * BackoffMultiplier^(n-1), capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if d > float64(p.MaxBackoff) || math.IsInf(d, 0) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Delay returns the wait before the attempt after n, given how it failed.
// Rate-limited waits never exceed MaxRateLimitWait.
func (p RetryPolicy) Delay(attempt int, c collector.Classification) time.Duration {
	d := p.Backoff(attempt)
	if !c.RateLimited {
		return d
	}
	if d < p.RateLimitFloor {
		d = p.RateLimitFloor
	}
	if d < c.RetryAfter {
		d = c.RetryAfter
	}
	if d > p.MaxRateLimitWait {
		d = p.MaxRateLimitWait
	}
	return d
}

// ExceedsWait reports whether a rate limit resets later than the policy is
// willing to wait.
func (p RetryPolicy) ExceedsWait(c collector.Classification) bool {
	return c.RateLimited && c.RetryAfter > p.MaxRateLimitWait
}

// ShouldRetry reports whether another attempt follows attempt n.
func (p RetryPolicy) ShouldRetry(attempt int, c collector.Classification) bool {
	return c.Retryable && attempt < p.MaxAttempts
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
