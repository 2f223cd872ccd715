// Package retry applies a single bounded retry policy at the client
// boundary. Delay grows exponentially with full jitter so concurrent
// callers do not synchronize their retries.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Policy describes how many attempts to make and how long to back off
// between them.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Do invokes fn until it succeeds, the attempt budget is exhausted, or the
// context is cancelled. The last error is returned wrapped with the attempt
// count.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, Jitter(Exponential(p.BaseDelay, attempt-1))); err != nil {
				// Keep the cause that was being retried alongside the
				// cancellation.
				return fmt.Errorf("retry: %w (last error: %v)", err, lastErr)
			}
		}

		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("retry: giving up after %d attempts: %w", attempts, lastErr)
}

// Exponential calculates exponential delay based on attempt number.
// The delay is base * 2^attempt with overflow protection.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(base) * multiplier)
}

// Jitter returns a random duration in [0, delay).
func Jitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(delay)))
}

// sleep waits for the given duration but respects context cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
