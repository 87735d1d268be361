package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/llmgate/internal/llm"
)

// Retry defaults.
const (
	DefaultMaxRetries      = 3
	DefaultBaseDelay       = time.Second
	DefaultBackoffFactor   = 2.0
	DefaultRateLimitFactor = 2.0
	defaultMaxDelay        = 10 * time.Minute
)

// RetryPolicy runs an operation up to MaxRetries+1 times. Attempt 0 runs at
// once; attempt k waits BaseDelay*BackoffFactor^(k-1) first. There is no
// jitter, so the schedule is exact.
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
	// MaxDelay caps a single wait. Zero means no practical cap.
	MaxDelay time.Duration
	// AttemptTimeout bounds each attempt separately. Zero disables it.
	AttemptTimeout time.Duration
	// RateLimitFactor stretches the wait after a rate limit failure, unless
	// the vendor's Retry-After hint is longer still.
	RateLimitFactor float64
	// Retryable overrides llm.IsRetryable for classifying failures.
	Retryable func(error) bool
	Logger    *zerolog.Logger

	timer backoff.Timer
}

// DefaultRetryPolicy returns 3 retries starting at one second, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      DefaultMaxRetries,
		BaseDelay:       DefaultBaseDelay,
		BackoffFactor:   DefaultBackoffFactor,
		RateLimitFactor: DefaultRateLimitFactor,
	}
}

// WithTimer returns a copy of p that waits on t instead of a real timer.
func (p RetryPolicy) WithTimer(t backoff.Timer) RetryPolicy {
	p.timer = t
	return p
}

// Delays returns the wait before each retry, ignoring rate limit stretching.
func (p RetryPolicy) Delays() []time.Duration {
	out := make([]time.Duration, 0, max(p.MaxRetries, 0))
	d := float64(p.BaseDelay)
	for i := 0; i < p.MaxRetries; i++ {
		out = append(out, min(time.Duration(d), p.maxDelay()))
		d *= p.factor()
	}
	return out
}

func (p RetryPolicy) factor() float64 {
	if p.BackoffFactor < 1 {
		return 1
	}
	return p.BackoffFactor
}

func (p RetryPolicy) maxDelay() time.Duration {
	if p.MaxDelay > 0 {
		return p.MaxDelay
	}
	return defaultMaxDelay
}

func (p RetryPolicy) logger() *zerolog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return &log.Logger
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return llm.IsRetryable(err)
}

// Do runs op under the policy and returns nil on the first success, or the
// last failure once retries are exhausted. Non-retryable failures and a
// done ctx end the loop immediately.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var (
		attempt int
		lastErr error
	)

	operation := func() error {
		err := p.runAttempt(ctx, op)
		attempt++
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !p.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		p.logger().Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_retries", p.MaxRetries).
			Dur("delay", wait).
			Msg("retrying after failure")
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(&policyBackOff{policy: p, lastErr: &lastErr}, uint64(max(p.MaxRetries, 0))),
		ctx,
	)
	err := backoff.RetryNotifyWithTimer(operation, b, notify, p.timer)
	if err != nil && ctx.Err() != nil && lastErr != nil && !llm.IsCanceled(lastErr) {
		// The caller gave up between attempts; report that rather than
		// the stale failure.
		return ctx.Err()
	}
	return err
}

// runAttempt runs one attempt, turning an expired per-attempt deadline into
// a retryable call error while the caller's own ctx is still live.
func (p RetryPolicy) runAttempt(ctx context.Context, op func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return op(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	err := op(actx)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		var typed *llm.Error
		if !errors.As(err, &typed) {
			return llm.NewError(llm.KindCall, "", fmt.Sprintf("attempt timed out after %s", p.AttemptTimeout), nil)
		}
	}
	return err
}

// Retry is Do for operations that produce a value.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// policyBackOff is an exponential schedule without jitter that stretches
// the wait after rate limit failures.
type policyBackOff struct {
	policy  RetryPolicy
	lastErr *error
	exp     *backoff.ExponentialBackOff
}

func (b *policyBackOff) Reset() {
	b.exp = &backoff.ExponentialBackOff{
		InitialInterval:     b.policy.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          b.policy.factor(),
		MaxInterval:         b.policy.maxDelay(),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.exp.Reset()
}

func (b *policyBackOff) NextBackOff() time.Duration {
	if b.exp == nil {
		b.Reset()
	}
	d := b.exp.NextBackOff()
	if d == backoff.Stop || b.lastErr == nil {
		return d
	}

	var rl *llm.Error
	if errors.As(*b.lastErr, &rl) && rl.Kind == llm.KindRateLimit {
		stretched := d
		if f := b.policy.RateLimitFactor; f > 1 {
			stretched = time.Duration(math.Min(float64(d)*f, float64(b.policy.maxDelay())))
		}
		d = max(stretched, min(rl.RetryAfter, b.policy.maxDelay()))
	}
	return d
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP
// date. It returns 0 when the header is absent or unparsable.
func RetryAfter(h http.Header) time.Duration {
	ra := h.Get("Retry-After")
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
