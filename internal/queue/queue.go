// SPDX-License-Identifier: MIT

// Package queue schedules video processing jobs across a bounded worker
// pool. Scheduling is strict priority with FIFO order inside each band.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	vflog "github.com/Alexi5000/videoforge/internal/log"
	"github.com/Alexi5000/videoforge/internal/metrics"
	"github.com/Alexi5000/videoforge/internal/store"
)

// Priority bands. Lower value schedules first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// ParsePriority maps the wire names onto priority bands. Unknown names get
// the normal band.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ErrQueueClosed rejects enqueues after shutdown has begun.
var ErrQueueClosed = errors.New("queue closed")

// Job is one scheduled processing request.
type Job struct {
	ID         string    `json:"job_id"`
	VideoID    string    `json:"video_id"`
	VideoPath  string    `json:"video_path"`
	Priority   Priority  `json:"priority"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	seq uint64
}

// JobStatus is the externally visible state of a job.
type JobStatus struct {
	Job
	State      string    `json:"state"` // queued|running|complete|error
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Runner executes one job; the pipeline processor implements it.
type Runner func(ctx context.Context, job Job) error

// completedRingSize bounds the history kept for finished jobs.
const completedRingSize = 100

type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// Queue owns the pending heap and the worker pool.
type Queue struct {
	runner  Runner
	workers int
	logger  zerolog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	pending   jobHeap
	byVideo   map[string]*JobStatus // queued and running jobs
	completed []*JobStatus          // ring, newest last
	nextSeq   uint64
	closed    bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds the queue and starts its workers.
func New(runner Runner, workers int) *Queue {
	if workers <= 0 {
		workers = 4
	}
	q := &Queue{
		runner:  runner,
		workers: workers,
		logger:  vflog.WithComponent("queue"),
		byVideo: make(map[string]*JobStatus),
	}
	q.cond = sync.NewCond(&q.mu)

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return q
}

// Enqueue schedules a video for processing. A video holds at most one
// queued-or-running job at a time; submitting it again returns that job
// unchanged and reports created false, so resubmission is idempotent.
func (q *Queue) Enqueue(videoID, videoPath string, priority Priority) (*Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, false, ErrQueueClosed
	}
	if st, busy := q.byVideo[videoID]; busy {
		existing := st.Job
		return &existing, false, nil
	}

	j := &Job{
		ID:         uuid.NewString(),
		VideoID:    videoID,
		VideoPath:  videoPath,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
		seq:        q.nextSeq,
	}
	q.nextSeq++

	heap.Push(&q.pending, j)
	q.byVideo[videoID] = &JobStatus{Job: *j, State: "queued"}
	metrics.SetQueueDepth(len(q.pending))
	metrics.IncJob("queued")
	q.cond.Signal()

	copied := *j
	return &copied, true, nil
}

// Status returns the state of the job currently associated with a video,
// falling back to the most recent completed entry.
func (q *Queue) Status(videoID string) (JobStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.byVideo[videoID]; ok {
		return *st, true
	}
	for i := len(q.completed) - 1; i >= 0; i-- {
		if q.completed[i].VideoID == videoID {
			return *q.completed[i], true
		}
	}
	return JobStatus{}, false
}

// Snapshot reports queue depth, running jobs and recent history.
func (q *Queue) Snapshot() (queued, running int, recent []JobStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, st := range q.byVideo {
		if st.State == "running" {
			running++
		}
	}
	queued = len(q.pending)
	recent = make([]JobStatus, 0, len(q.completed))
	for i := len(q.completed) - 1; i >= 0; i-- {
		recent = append(recent, *q.completed[i])
	}
	return queued, running, recent
}

// Position reports the 1-based scheduling position of a queued video
// within the pending heap, 0 when the video is not queued.
func (q *Queue) Position(videoID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var target *Job
	for _, j := range q.pending {
		if j.VideoID == videoID {
			target = j
			break
		}
	}
	if target == nil {
		return 0
	}
	pos := 1
	for _, j := range q.pending {
		if j == target {
			continue
		}
		if j.Priority < target.Priority || (j.Priority == target.Priority && j.seq < target.seq) {
			pos++
		}
	}
	return pos
}

// Workers returns the pool size.
func (q *Queue) Workers() int { return q.workers }

// ShutdownRequested reports whether intake has stopped.
func (q *Queue) ShutdownRequested() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Shutdown stops intake and waits up to timeout for in-flight jobs. Queued
// jobs that never started are discarded; running jobs past the deadline are
// cancelled.
func (q *Queue) Shutdown(timeout time.Duration) error {
	q.mu.Lock()
	q.closed = true
	for _, job := range q.pending {
		delete(q.byVideo, job.VideoID)
	}
	q.pending = nil
	metrics.SetQueueDepth(0)
	q.cond.Broadcast()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-time.After(timeout):
		q.cancel()
		<-done
		return fmt.Errorf("queue: shutdown deadline exceeded after %s", timeout)
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		job, ok := q.take()
		if !ok {
			return
		}
		q.run(ctx, job)
	}
}

// take blocks until a job is available or the queue closes.
func (q *Queue) take() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.pending) == 0 {
		return nil, false
	}
	job := heap.Pop(&q.pending).(*Job)
	metrics.SetQueueDepth(len(q.pending))
	if st, ok := q.byVideo[job.VideoID]; ok {
		st.State = "running"
		st.StartedAt = time.Now().UTC()
	}
	metrics.AddActiveJobs(1)
	return job, true
}

func (q *Queue) run(ctx context.Context, job *Job) {
	defer metrics.AddActiveJobs(-1)

	log := q.logger.With().
		Str("job_id", job.ID).
		Str("video_id", job.VideoID).
		Str("priority", job.Priority.String()).
		Logger()

	err := q.runner(ctx, *job)

	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.byVideo[job.VideoID]
	if !ok {
		return
	}
	st.FinishedAt = time.Now().UTC()

	switch {
	case err == nil:
		st.State = "complete"
		metrics.IncJob("complete")
		log.Info().Msg("job complete")
	case store.IsTransient(err) && job.Attempts == 0 && !q.closed:
		// One retry at low priority; a second transient failure is final.
		retry := *job
		retry.Attempts++
		retry.Priority = PriorityLow
		retry.seq = q.nextSeq
		q.nextSeq++
		heap.Push(&q.pending, &retry)
		st.Job = retry
		st.State = "queued"
		st.StartedAt = time.Time{}
		st.FinishedAt = time.Time{}
		metrics.SetQueueDepth(len(q.pending))
		metrics.IncJob("requeued")
		q.cond.Signal()
		log.Warn().Err(err).Msg("transient failure, requeued at low priority")
		return
	default:
		st.State = "error"
		st.Error = err.Error()
		metrics.IncJob("error")
		log.Error().Err(err).Msg("job failed")
	}

	delete(q.byVideo, job.VideoID)
	q.completed = append(q.completed, st)
	if len(q.completed) > completedRingSize {
		q.completed = q.completed[len(q.completed)-completedRingSize:]
	}
}
