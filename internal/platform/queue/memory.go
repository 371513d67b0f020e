package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue with the same coalescing and run
// exclusivity semantics as the Redis implementation. Used by tests and the
// offline validate command.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    chan Job
	done    chan struct{}
	pending map[uuid.UUID]bool
	running map[uuid.UUID]bool
	dead    []DeadJob
	closed  bool
}

// DeadJob is a dead-lettered job with its failure reason.
type DeadJob struct {
	Job    Job
	Reason string
	At     time.Time
}

// NewMemoryQueue creates a MemoryQueue with the given buffer size.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 128
	}
	return &MemoryQueue{
		jobs:    make(chan Job, buffer),
		done:    make(chan struct{}),
		pending: make(map[uuid.UUID]bool),
		running: make(map[uuid.UUID]bool),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) (bool, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrClosed
	}
	if q.pending[job.RunID] {
		q.mu.Unlock()
		return false, nil
	}
	q.pending[job.RunID] = true
	q.mu.Unlock()

	// The send happens outside the lock, so it races a concurrent Close;
	// selecting on done keeps it off a closed channel.
	select {
	case q.jobs <- job:
		return true, nil
	case <-q.done:
		q.mu.Lock()
		delete(q.pending, job.RunID)
		q.mu.Unlock()
		return false, ErrClosed
	}
}

func (q *MemoryQueue) Requeue(_ context.Context, job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()

	select {
	case q.jobs <- job:
		return nil
	case <-q.done:
		return ErrClosed
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case <-ctx.Done():
		return Job{}, ctx.Err()
	case <-q.done:
		return Job{}, ErrClosed
	case job := <-q.jobs:
		return job, nil
	}
}

func (q *MemoryQueue) Ack(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, job.RunID)
	return nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, job Job, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, DeadJob{Job: job, Reason: reason, At: time.Now()})
	delete(q.pending, job.RunID)
	return nil
}

func (q *MemoryQueue) AcquireRun(_ context.Context, runID uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running[runID] {
		return false, nil
	}
	q.running[runID] = true
	return true, nil
}

func (q *MemoryQueue) ReleaseRun(_ context.Context, runID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, runID)
	return nil
}

// DeadJobs returns a copy of the dead-letter list.
func (q *MemoryQueue) DeadJobs() []DeadJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadJob, len(q.dead))
	copy(out, q.dead)
	return out
}

// Close releases blocked producers and consumers. The jobs channel itself
// is never closed so a sender caught mid-Enqueue cannot panic.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
