// Package retry implements the bounded exponential backoff used by
// internal/durable (transient transaction conflicts) and internal/snapshot
// (request_maybe_delivered retries). Modeled directly on the teacher's
// client-side RetryPolicy/shouldRetry in clientlibs/go/client.go, stripped
// of the gRPC-code classification since that library's backoff shape (not
// its transport-specific retry predicate) is what the spec needs here.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy configures exponential backoff with jitter.
type Policy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64
}

// DefaultPolicy mirrors the teacher client's DefaultClientOptions retry
// shape.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       8,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            0.2,
	}
}

// backoffFor computes the sleep duration after attempt N (1-indexed, the
// delay applied after attempt N failed and before attempt N+1).
func backoffFor(policy Policy, attempt int) time.Duration {
	backoff := policy.InitialBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	multiplier := policy.BackoffMultiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * multiplier)
		if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
			break
		}
	}
	if policy.Jitter > 0 {
		jitterFrac := (rand.Float64()*2 - 1) * policy.Jitter
		backoff = time.Duration(float64(backoff) * (1 + jitterFrac))
		if backoff < 0 {
			backoff = 0
		}
	}
	return backoff
}

// RetryableFunc is retried by Do while it returns an error for which
// isRetryable returns true.
type RetryableFunc func(ctx context.Context, attempt int) error

// Do runs fn, retrying on errors isRetryable accepts, until it succeeds,
// attempts are exhausted, or ctx is cancelled. A nil isRetryable treats
// every non-nil error as retryable.
func Do(ctx context.Context, policy Policy, isRetryable func(error) bool, fn RetryableFunc) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if isRetryable != nil && !isRetryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(backoffFor(policy, attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
