// Package resilience guards OneMap requests with bounded retries and a
// circuit breaker.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is the delay schedule between attempts.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter randomises each delay by up to this fraction in either direction.
	Jitter float64
}

var defaultBackoff = Backoff{
	Initial:    500 * time.Millisecond,
	Max:        10 * time.Second,
	Multiplier: 2,
	Jitter:     0.25,
}

// Delay returns the pause before retry n, counting from zero.
func (b Backoff) Delay(n int) time.Duration {
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(n))
	d = math.Min(d, float64(b.Max))
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(math.Max(d, 0))
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = defaultBackoff.Initial
	}
	if b.Max <= 0 {
		b.Max = defaultBackoff.Max
	}
	if b.Multiplier <= 0 {
		b.Multiplier = defaultBackoff.Multiplier
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	return b
}

// RetryPolicy bounds how often a request is attempted.
type RetryPolicy struct {
	// Attempts counts the first try. Values below 2 disable retries.
	Attempts int
	Backoff  Backoff
	// Retryable classifies failures; nil falls back to the package Retryable.
	Retryable func(err error) bool
	// OnRetry runs before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// NoRetry runs every request exactly once.
func NoRetry() RetryPolicy {
	return RetryPolicy{Attempts: 1}
}

// Retry calls fn until it succeeds or returns an error the policy will not
// retry. The last error is returned once attempts run out or ctx is done.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := max(p.Attempts, 1)
	backoff := p.Backoff.withDefaults()
	retryable := p.Retryable
	if retryable == nil {
		retryable = Retryable
	}

	for n := 1; ; n++ {
		val, err := fn(ctx)
		if err == nil || n >= attempts || ctx.Err() != nil || !retryable(err) {
			return val, err
		}

		wait := backoff.Delay(n - 1)
		if p.OnRetry != nil {
			p.OnRetry(n, wait, err)
		}
		if sleep(ctx, wait) != nil {
			return val, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
