// Package retry provides a small bounded-retry helper with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy controls how Do re-runs the function.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Backoff      float64
	MaxDelay     time.Duration

	// ShouldRetry decides whether an error is retryable. Nil means every
	// error is retried until MaxAttempts.
	ShouldRetry func(error) bool
}

// ConditionalUpdate is the policy for compare-and-swap races against the
// durable store.
var ConditionalUpdate = Policy{
	MaxAttempts:  100,
	InitialDelay: 10 * time.Millisecond,
	Backoff:      1.5,
	MaxDelay:     2 * time.Second,
}

// Do runs fn until it succeeds, the policy is exhausted, or ctx is done.
// The last error is returned wrapped with the attempt count.
func Do(ctx context.Context, policy Policy, fn func() error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	delay := policy.InitialDelay

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if policy.ShouldRetry != nil && !policy.ShouldRetry(lastErr) {
			return lastErr
		}

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if policy.Backoff > 1 {
			delay = time.Duration(float64(delay) * policy.Backoff)
			if policy.MaxDelay > 0 && delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}
	}

	return fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}
