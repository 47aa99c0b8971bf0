package resilience

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds how an external call is attempted.
type RetryPolicy struct {
	// MaxAttempts counts the first try. Values below 1 mean 1.
	MaxAttempts int
	// Backoff is the delay before the second attempt.
	Backoff time.Duration
	// Multiplier scales Backoff after each retry. 0 or 1 keeps it fixed.
	Multiplier float64
	// AttemptTimeout bounds each attempt. Zero means no per-attempt bound.
	AttemptTimeout time.Duration
	// ShouldRetry decides whether an error is retried. Nil retries all errors.
	ShouldRetry func(err error) bool
	// OnRetry runs before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds, the policy is exhausted, ShouldRetry
// declines, or ctx is done. It returns the last error.
func Do[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		val, err := runAttempt(ctx, p.AttemptTimeout, attempt, fn)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || attempt == attempts {
			break
		}
		if p.ShouldRetry != nil && !p.ShouldRetry(err) {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		if !sleep(ctx, p.delay(attempt)) {
			break
		}
	}
	return zero, lastErr
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, attempt int, fn func(context.Context, int) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx, attempt)
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	if p.Multiplier <= 1 {
		return p.Backoff
	}
	return time.Duration(float64(p.Backoff) * math.Pow(p.Multiplier, float64(attempt-1)))
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// RetryLogger returns an OnRetry callback that logs each retry.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
