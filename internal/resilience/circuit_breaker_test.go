// SPDX-License-Identifier: MIT

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

var errBoom = errors.New("boom")

func failing() error    { return errBoom }
func succeeding() error { return nil }

func newTestBreaker(clk *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker("test", 3, 10*time.Second, WithClock(clk))
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(clk)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(failing), errBoom)
		assert.Equal(t, StateClosed, cb.State())
	}
	assert.ErrorIs(t, cb.Execute(failing), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	// While open, calls are short-circuited without running fn.
	ran := false
	err := cb.Execute(func() error { ran = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, ran)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(clk)

	require.Error(t, cb.Execute(failing))
	require.Error(t, cb.Execute(failing))
	require.NoError(t, cb.Execute(succeeding))

	// The streak restarted, so two more failures do not trip it.
	require.Error(t, cb.Execute(failing))
	require.Error(t, cb.Execute(failing))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(clk)

	for i := 0; i < 3; i++ {
		require.Error(t, cb.Execute(failing))
	}
	require.Equal(t, StateOpen, cb.State())

	clk.Advance(11 * time.Second)

	// First probe succeeds but one success is not enough to close.
	require.NoError(t, cb.Execute(succeeding))
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(succeeding))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(clk)

	for i := 0; i < 3; i++ {
		require.Error(t, cb.Execute(failing))
	}
	clk.Advance(11 * time.Second)

	require.ErrorIs(t, cb.Execute(failing), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	// The open window restarts from the probe failure.
	assert.ErrorIs(t, cb.Execute(failing), ErrCircuitOpen)
}

func TestBreakerRetryAfter(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(clk)

	assert.Zero(t, cb.RetryAfter())

	for i := 0; i < 3; i++ {
		require.Error(t, cb.Execute(failing))
	}
	assert.Equal(t, 10*time.Second, cb.RetryAfter())

	clk.Advance(4 * time.Second)
	assert.Equal(t, 6*time.Second, cb.RetryAfter())
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond}
	calls := 0
	err := Retry(context.Background(), policy, func() error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond}
	calls := 0
	err := Retry(context.Background(), policy, func() error { calls++; return errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
}

func TestRetryNonRetryableShortCircuits(t *testing.T) {
	t.Parallel()

	fatal := errors.New("fatal")
	policy := RetryPolicy{
		MaxAttempts: 5, BaseDelay: time.Millisecond,
		Retryable: func(err error) bool { return !errors.Is(err, fatal) },
	}
	calls := 0
	err := Retry(context.Background(), policy, func() error { calls++; return fatal })
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestRetryHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Hour}
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, policy, func() error { calls++; return errBoom })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "cancellation interrupts the backoff wait")
}
