// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alexi5000/videoforge/internal/store"
)

func TestParsePriority(t *testing.T) {
	t.Parallel()
	assert.Equal(t, PriorityHigh, ParsePriority("high"))
	assert.Equal(t, PriorityLow, ParsePriority("low"))
	assert.Equal(t, PriorityNormal, ParsePriority("normal"))
	assert.Equal(t, PriorityNormal, ParsePriority(""))
	assert.Equal(t, PriorityNormal, ParsePriority("urgent"))

	assert.Equal(t, "high", PriorityHigh.String())
	assert.Equal(t, "normal", PriorityNormal.String())
	assert.Equal(t, "low", PriorityLow.String())
}

// gateRunner blocks every job until released and records execution order.
type gateRunner struct {
	mu      sync.Mutex
	order   []string
	started chan string
	release chan struct{}
}

func newGateRunner() *gateRunner {
	return &gateRunner{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (g *gateRunner) run(_ context.Context, job Job) error {
	g.mu.Lock()
	g.order = append(g.order, job.VideoID)
	g.mu.Unlock()
	g.started <- job.VideoID
	<-g.release
	return nil
}

func (g *gateRunner) executionOrder() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

func waitState(t *testing.T, q *Queue, videoID, state string) JobStatus {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if st, ok := q.Status(videoID); ok && st.State == state {
			return st
		}
		select {
		case <-deadline:
			st, _ := q.Status(videoID)
			t.Fatalf("video %s never reached state %q (last: %+v)", videoID, state, st)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()
	g := newGateRunner()
	q := New(g.run, 1)
	defer func() { _ = q.Shutdown(2 * time.Second) }()

	// Occupy the single worker so the rest queue up.
	_, _, err := q.Enqueue("blocker", "/v/blocker.mp4", PriorityHigh)
	require.NoError(t, err)
	require.Equal(t, "blocker", <-g.started)

	_, _, err = q.Enqueue("low1", "/v/l1.mp4", PriorityLow)
	require.NoError(t, err)
	_, _, err = q.Enqueue("norm1", "/v/n1.mp4", PriorityNormal)
	require.NoError(t, err)
	_, _, err = q.Enqueue("high1", "/v/h1.mp4", PriorityHigh)
	require.NoError(t, err)
	_, _, err = q.Enqueue("norm2", "/v/n2.mp4", PriorityNormal)
	require.NoError(t, err)

	// Higher bands first, FIFO inside a band.
	assert.Equal(t, 1, q.Position("high1"))
	assert.Equal(t, 2, q.Position("norm1"))
	assert.Equal(t, 3, q.Position("norm2"))
	assert.Equal(t, 4, q.Position("low1"))
	assert.Zero(t, q.Position("blocker"), "running jobs have no queue position")

	close(g.release)
	for i := 0; i < 4; i++ {
		<-g.started
	}
	waitState(t, q, "low1", "complete")

	assert.Equal(t, []string{"blocker", "high1", "norm1", "norm2", "low1"}, g.executionOrder())
}

func TestEnqueueIdempotentForActiveVideo(t *testing.T) {
	t.Parallel()
	g := newGateRunner()
	q := New(g.run, 1)
	defer func() { _ = q.Shutdown(2 * time.Second) }()

	first, created, err := q.Enqueue("v1", "/v/v1.mp4", PriorityNormal)
	require.NoError(t, err)
	assert.True(t, created)
	require.Equal(t, "v1", <-g.started)

	// Resubmitting a running video returns its existing job unchanged;
	// the new priority is ignored.
	again, created, err := q.Enqueue("v1", "/v/v1.mp4", PriorityHigh)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, PriorityNormal, again.Priority)

	// Same for a queued video.
	queued, created, err := q.Enqueue("v2", "/v/v2.mp4", PriorityNormal)
	require.NoError(t, err)
	assert.True(t, created)
	dup, created, err := q.Enqueue("v2", "/v/v2.mp4", PriorityNormal)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, queued.ID, dup.ID)
	assert.Equal(t, 1, q.Position("v2"), "duplicate submission must not add a second entry")

	close(g.release)
	<-g.started
	waitState(t, q, "v2", "complete")

	// Terminal jobs release the slot; the next submission is a new job.
	fresh, created, err := q.Enqueue("v1", "/v/v1.mp4", PriorityNormal)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, fresh.ID)
}

func TestStatusLifecycle(t *testing.T) {
	t.Parallel()
	g := newGateRunner()
	q := New(g.run, 1)
	defer func() { _ = q.Shutdown(2 * time.Second) }()

	job, created, err := q.Enqueue("v1", "/v/v1.mp4", PriorityHigh)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotEmpty(t, job.ID)

	require.Equal(t, "v1", <-g.started)
	st := waitState(t, q, "v1", "running")
	assert.False(t, st.StartedAt.IsZero())

	close(g.release)
	st = waitState(t, q, "v1", "complete")
	assert.False(t, st.FinishedAt.IsZero())
	assert.Equal(t, job.ID, st.ID)

	_, ok := q.Status("never-seen")
	assert.False(t, ok)
}

func TestJobErrorRecorded(t *testing.T) {
	t.Parallel()
	q := New(func(context.Context, Job) error {
		return errors.New("pipeline exploded")
	}, 1)
	defer func() { _ = q.Shutdown(2 * time.Second) }()

	_, _, err := q.Enqueue("v1", "/v/v1.mp4", PriorityNormal)
	require.NoError(t, err)

	st := waitState(t, q, "v1", "error")
	assert.Equal(t, "pipeline exploded", st.Error)
}

func TestTransientFailureRequeuedOnce(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	attempts := 0
	transient := &store.Error{Kind: store.KindTransient, Op: "test", Err: errors.New("busy")}

	q := New(func(_ context.Context, job Job) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		if job.Attempts == 0 {
			return transient
		}
		return nil
	}, 1)
	defer func() { _ = q.Shutdown(2 * time.Second) }()

	_, _, err := q.Enqueue("v1", "/v/v1.mp4", PriorityHigh)
	require.NoError(t, err)

	st := waitState(t, q, "v1", "complete")
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, PriorityLow, st.Priority, "retry runs in the low band")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestTransientFailureTwiceIsFinal(t *testing.T) {
	t.Parallel()
	transient := &store.Error{Kind: store.KindTransient, Op: "test", Err: errors.New("busy")}
	q := New(func(context.Context, Job) error { return transient }, 1)
	defer func() { _ = q.Shutdown(2 * time.Second) }()

	_, _, err := q.Enqueue("v1", "/v/v1.mp4", PriorityNormal)
	require.NoError(t, err)

	st := waitState(t, q, "v1", "error")
	assert.Equal(t, 1, st.Attempts)
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	g := newGateRunner()
	q := New(g.run, 1)
	defer func() { _ = q.Shutdown(2 * time.Second) }()

	_, _, err := q.Enqueue("v1", "/v/v1.mp4", PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, "v1", <-g.started)
	_, _, err = q.Enqueue("v2", "/v/v2.mp4", PriorityNormal)
	require.NoError(t, err)

	queued, running, recent := q.Snapshot()
	assert.Equal(t, 1, queued)
	assert.Equal(t, 1, running)
	assert.Empty(t, recent)

	close(g.release)
	<-g.started
	waitState(t, q, "v2", "complete")

	queued, running, recent = q.Snapshot()
	assert.Zero(t, queued)
	assert.Zero(t, running)
	require.Len(t, recent, 2)
	assert.Equal(t, "v2", recent[0].VideoID, "newest first")
}

func TestShutdownStopsIntake(t *testing.T) {
	t.Parallel()
	q := New(func(context.Context, Job) error { return nil }, 2)
	require.NoError(t, q.Shutdown(time.Second))
	assert.True(t, q.ShutdownRequested())

	_, _, err := q.Enqueue("v1", "/v/v1.mp4", PriorityNormal)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestShutdownDiscardsPending(t *testing.T) {
	t.Parallel()
	g := newGateRunner()
	q := New(g.run, 1)

	_, _, err := q.Enqueue("v1", "/v/v1.mp4", PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, "v1", <-g.started)
	_, _, err = q.Enqueue("v2", "/v/v2.mp4", PriorityNormal)
	require.NoError(t, err)

	// Stop intake while the worker is still busy, then let it finish.
	done := make(chan error, 1)
	go func() { done <- q.Shutdown(2 * time.Second) }()
	for !q.ShutdownRequested() {
		time.Sleep(time.Millisecond)
	}
	close(g.release)
	require.NoError(t, <-done)

	// The queued-but-never-started job is gone without a trace.
	_, ok := q.Status("v2")
	assert.False(t, ok)
}

func TestWorkersDefault(t *testing.T) {
	t.Parallel()
	q := New(func(context.Context, Job) error { return nil }, 0)
	defer func() { _ = q.Shutdown(time.Second) }()
	assert.Equal(t, 4, q.Workers())
}
