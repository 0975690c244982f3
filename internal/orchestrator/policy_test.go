package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/charter/internal/collector"
	"github.com/fyrsmithlabs/charter/internal/config"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{200, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 2*time.Second, p.Delay(2, collector.Classification{Retryable: true}))
	assert.Equal(t, 30*time.Second, p.Delay(1, collector.Classification{Retryable: true, RateLimited: true}))
	assert.Equal(t, 90*time.Second, p.Delay(1, collector.Classification{Retryable: true, RateLimited: true, RetryAfter: 90 * time.Second}))
	// RetryAfter is ignored unless the error is rate limited.
	assert.Equal(t, time.Second, p.Delay(1, collector.Classification{Retryable: true, RetryAfter: time.Hour}))
	// Rate-limited waits are capped.
	assert.Equal(t, 5*time.Minute, p.Delay(1, collector.Classification{Retryable: true, RateLimited: true, RetryAfter: 50 * time.Minute}))
}

func TestRetryPolicy_ExceedsWait(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.False(t, p.ExceedsWait(collector.Classification{Retryable: true, RateLimited: true, RetryAfter: 90 * time.Second}))
	assert.False(t, p.ExceedsWait(collector.Classification{Retryable: true, RateLimited: true, RetryAfter: 5 * time.Minute}))
	assert.True(t, p.ExceedsWait(collector.Classification{Retryable: true, RateLimited: true, RetryAfter: 50*time.Minute + time.Second}))
	assert.False(t, p.ExceedsWait(collector.Classification{Retryable: true, RetryAfter: time.Hour}))

	p = PolicyFromConfig(config.PipelineConfig{RateLimitFloor: config.Duration(10 * time.Minute)})
	assert.Equal(t, 10*time.Minute, p.MaxRateLimitWait, "cap is never below the floor")
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := DefaultRetryPolicy()
	retryable := collector.Classification{Retryable: true}
	assert.True(t, p.ShouldRetry(1, retryable))
	assert.True(t, p.ShouldRetry(2, retryable))
	assert.False(t, p.ShouldRetry(3, retryable))
	assert.False(t, p.ShouldRetry(1, collector.Classification{}))
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.Default()
	p := PolicyFromConfig(cfg.Pipeline)
	assert.Equal(t, DefaultRetryPolicy(), p)

	p = PolicyFromConfig(config.PipelineConfig{MaxAttempts: 5})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialBackoff)
	assert.Equal(t, 2.0, p.BackoffMultiplier)
	assert.Equal(t, 5*time.Minute, p.MaxRateLimitWait)
}

func TestSleepCtx(t *testing.T) {
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))
	assert.NoError(t, sleepCtx(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
