// Package resilience holds the admission, retry and failure-tracking
// primitives shared by backends, pools and routers.
package resilience

import (
	"context"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// maxPollInterval caps the sleep between admission attempts in Wait.
const maxPollInterval = 500 * time.Millisecond

// RateLimiter is a token bucket holding at most burst tokens, refilled at a
// fixed rate. Refill happens lazily on every admission check, so there is no
// background goroutine to stop.
type RateLimiter struct {
	lim       *rate.Limiter
	rate      float64
	burst     int
	unlimited bool
	now       func() time.Time
}

// NewRateLimiter creates a full bucket. A non-positive rate disables
// limiting; a burst below 1 defaults to the per-second rate rounded up.
func NewRateLimiter(ratePerSecond float64, burst int) *RateLimiter {
	if ratePerSecond <= 0 {
		return &RateLimiter{unlimited: true, burst: max(burst, 1), now: time.Now}
	}
	if burst < 1 {
		burst = max(1, int(math.Ceil(ratePerSecond)))
	}
	return &RateLimiter{
		lim:   rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		rate:  ratePerSecond,
		burst: burst,
		now:   time.Now,
	}
}

// Acquire takes one token if available. It never blocks.
func (l *RateLimiter) Acquire() bool {
	if l == nil || l.unlimited {
		return true
	}
	return l.lim.AllowN(l.now(), 1)
}

// Wait polls Acquire until it succeeds, the timeout elapses or ctx is done.
// It reports whether a token was taken.
func (l *RateLimiter) Wait(ctx context.Context, timeout time.Duration) bool {
	if l.Acquire() {
		return true
	}
	if timeout <= 0 {
		return false
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		poll := time.NewTimer(l.pollInterval())
		select {
		case <-ctx.Done():
			poll.Stop()
			return false
		case <-deadline.C:
			poll.Stop()
			return l.Acquire()
		case <-poll.C:
			if l.Acquire() {
				return true
			}
		}
	}
}

// pollInterval is the time until the next whole token, capped at
// maxPollInterval.
func (l *RateLimiter) pollInterval() time.Duration {
	missing := 1 - l.Tokens()
	if missing <= 0 {
		return time.Millisecond
	}
	d := time.Duration(missing / l.rate * float64(time.Second))
	return min(max(d, time.Millisecond), maxPollInterval)
}

// Tokens returns the current bucket level, always within [0, burst].
func (l *RateLimiter) Tokens() float64 {
	if l == nil || l.unlimited {
		return float64(l.Burst())
	}
	return l.lim.TokensAt(l.now())
}

// Rate returns the refill rate in tokens per second, 0 when unlimited.
func (l *RateLimiter) Rate() float64 {
	if l == nil {
		return 0
	}
	return l.rate
}

// Burst returns the bucket capacity.
func (l *RateLimiter) Burst() int {
	if l == nil {
		return 1
	}
	return l.burst
}
