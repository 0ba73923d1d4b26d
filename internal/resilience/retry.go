// SPDX-License-Identifier: MIT

package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy controls exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      bool
	// Retryable decides whether an error is worth another attempt. A nil
	// func retries everything.
	Retryable func(error) bool
}

// DefaultRetryPolicy matches the persistence service contract: three
// attempts with 0.5s, 1s, 2s delays.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    60 * time.Second,
	}
}

// Retry runs fn with exponential backoff until it succeeds, the error is
// not retryable, attempts are exhausted, or the context is cancelled. The
// last error is returned on failure.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.Multiplier <= 1 {
		policy.Multiplier = 2
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 60 * time.Second
	}

	var err error
	delay := policy.BaseDelay
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if policy.Retryable != nil && !policy.Retryable(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		wait := delay
		if policy.Jitter {
			// Full jitter: anywhere between half and the full delay.
			wait = delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return err
}
