// Package resilience retries transient outbound failures with exponential
// backoff. Only errors explicitly marked Transient are retried; everything
// else surfaces on the first attempt.
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config controls the retry loop
type Config struct {
	// MaxAttempts is the total number of attempts including the first.
	// Values below 1 mean a single attempt.
	MaxAttempts int
	// BackoffBase is the delay before the first retry; it doubles per attempt
	BackoffBase time.Duration
	// BackoffMax caps the per-retry delay
	BackoffMax time.Duration
	// Jitter spreads retries by up to ±25% to avoid thundering herds
	Jitter bool
}

// transientError marks an error as worth retrying
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with Transient
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Do runs fn up to cfg.MaxAttempts times, sleeping between attempts.
// A non-transient error or a cancelled context stops the loop immediately.
// The last attempt's error is returned unwrapped so callers see the same
// message with or without retries configured.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	max := cfg.BackoffMax
	if max <= 0 {
		max = 5 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt, base, max, cfg.Jitter)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
	}

	// Strip the transient marker so an exhausted budget reads exactly like
	// a single failed attempt
	var t *transientError
	if errors.As(lastErr, &t) {
		return t.err
	}
	return lastErr
}

// backoff computes base * 2^(attempt-1) capped at max, with optional jitter
func backoff(attempt int, base, max time.Duration, jitter bool) time.Duration {
	d := base * time.Duration(math.Pow(2, float64(attempt-1)))
	if d > max || d <= 0 {
		d = max
	}
	if jitter {
		spread := float64(d) * 0.25
		d += time.Duration((rand.Float64() - 0.5) * 2 * spread)
		if d < 0 {
			d = base
		}
	}
	return d
}
