package tickets

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/charter/internal/collector"
	"github.com/google/go-github/v57/github"
)

// classify maps a go-github failure onto the collector error taxonomy.
func (c *Collector) classify(stage string, resp *github.Response, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return collector.RateLimited(stage, c.untilReset(rle.Rate.Reset.Time), err)
	}
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		var after time.Duration
		if abuse.RetryAfter != nil {
			after = *abuse.RetryAfter
		}
		return collector.RateLimited(stage, after, err)
	}

	if resp == nil || resp.Response == nil {
		// Network failure.
		return collector.Transient(stage, err)
	}

	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		return collector.RateLimited(stage, retryAfterHeader(resp.Header), err)
	case code == http.StatusForbidden && rateLimited403(resp, err):
		if after := retryAfterHeader(resp.Header); after > 0 {
			return collector.RateLimited(stage, after, err)
		}
		return collector.RateLimited(stage, c.untilReset(resp.Rate.Reset.Time), err)
	case code >= 500:
		return collector.Transient(stage, err)
	default:
		// 400, 401, 404, 422, permission 403s and other client errors.
		return collector.Permanent(stage, err)
	}
}

// rateLimited403 reports whether a 403 that go-github did not already type
// as a rate limit is one. Every GitHub response carries X-RateLimit
// headers, so their presence alone means nothing.
func rateLimited403(resp *github.Response, err error) bool {
	if resp.Rate.Limit > 0 && resp.Rate.Remaining == 0 {
		return true
	}
	if resp.Header.Get("Retry-After") != "" {
		return true
	}
	var er *github.ErrorResponse
	if errors.As(err, &er) {
		return strings.Contains(strings.ToLower(er.Message), "rate limit")
	}
	return false
}

func (c *Collector) untilReset(reset time.Time) time.Duration {
	if reset.IsZero() {
		return 0
	}
	d := reset.Sub(c.now()) + time.Second
	if d < 0 {
		return 0
	}
	return d
}

func retryAfterHeader(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
