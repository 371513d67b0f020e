// Package queue provides the background job queue that drives validation
// runs. Jobs are keyed by run id: enqueuing the same run twice coalesces to a
// single job, and a run is executed by at most one worker at a time.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned when the queue has been shut down.
	ErrClosed = errors.New("queue: closed")
)

// Job is a unit of background work identified by the validation run it drives.
type Job struct {
	RunID   uuid.UUID       `json:"run_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Attempt int             `json:"attempt"`
}

// Handler processes a single job. A non-nil error triggers a retry.
type Handler func(ctx context.Context, job Job) error

// Queue abstracts the job transport. Implementations must coalesce Enqueue
// calls by run id and guarantee run exclusivity via AcquireRun/ReleaseRun.
type Queue interface {
	// Enqueue schedules a job. It returns false when a job for the same run
	// is already pending and the call coalesced into it.
	Enqueue(ctx context.Context, job Job) (bool, error)
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (Job, error)
	// Requeue schedules a retry attempt, bypassing coalescing.
	Requeue(ctx context.Context, job Job) error
	// Ack marks the job finished and clears its pending marker.
	Ack(ctx context.Context, job Job) error
	// DeadLetter parks a job that exhausted its attempts.
	DeadLetter(ctx context.Context, job Job, reason string) error
	// AcquireRun takes the exclusive execution lock for a run.
	AcquireRun(ctx context.Context, runID uuid.UUID) (bool, error)
	// ReleaseRun releases the exclusive execution lock.
	ReleaseRun(ctx context.Context, runID uuid.UUID) error
	Close() error
}

// Worker consumes jobs with bounded concurrency, retrying failed jobs with
// exponential backoff before dead-lettering them.
type Worker struct {
	queue       Queue
	handler     Handler
	concurrency int
	maxAttempts int
	backoff     []time.Duration
	logger      zerolog.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithConcurrency bounds the number of jobs a worker processes in parallel.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithMaxAttempts sets the attempt budget before a job is dead-lettered.
func WithMaxAttempts(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithBackoff overrides the retry delays. Attempt n sleeps backoff[min(n, len-1)].
func WithBackoff(delays ...time.Duration) WorkerOption {
	return func(w *Worker) {
		if len(delays) > 0 {
			w.backoff = delays
		}
	}
}

// NewWorker creates a worker with the default concurrency of 2 and the
// 1s/2s/4s retry schedule.
func NewWorker(q Queue, handler Handler, logger zerolog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:       q,
		handler:     handler,
		concurrency: 2,
		maxAttempts: 3,
		backoff:     []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
		logger:      logger,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run consumes jobs until ctx is cancelled. It blocks.
func (w *Worker) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < w.concurrency; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			w.loop(ctx)
		}()
	}
	for i := 0; i < w.concurrency; i++ {
		<-done
	}
}

func (w *Worker) loop(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrClosed) {
				return
			}
			w.logger.Error().Err(err).Msg("queue dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job Job) {
	acquired, err := w.queue.AcquireRun(ctx, job.RunID)
	if err != nil {
		w.logger.Error().Err(err).Str("run_id", job.RunID.String()).Msg("run lock failed")
		_ = w.queue.Requeue(ctx, job)
		return
	}
	if !acquired {
		// Another worker owns this run; put the job back and move on.
		_ = w.queue.Requeue(ctx, job)
		return
	}
	defer w.queue.ReleaseRun(ctx, job.RunID)

	if err := w.handler(ctx, job); err != nil {
		w.retry(ctx, job, err)
		return
	}
	if err := w.queue.Ack(ctx, job); err != nil {
		w.logger.Error().Err(err).Str("run_id", job.RunID.String()).Msg("ack failed")
	}
}

func (w *Worker) retry(ctx context.Context, job Job, cause error) {
	next := job.Attempt + 1
	if next >= w.maxAttempts {
		w.logger.Error().Err(cause).
			Str("run_id", job.RunID.String()).
			Int("attempts", next).
			Msg("job dead-lettered")
		if err := w.queue.DeadLetter(ctx, job, cause.Error()); err != nil {
			w.logger.Error().Err(err).Str("run_id", job.RunID.String()).Msg("dead-letter failed")
		}
		return
	}

	delay := w.backoff[len(w.backoff)-1]
	if job.Attempt < len(w.backoff) {
		delay = w.backoff[job.Attempt]
	}
	w.logger.Warn().Err(cause).
		Str("run_id", job.RunID.String()).
		Int("attempt", next).
		Dur("delay", delay).
		Msg("job failed, scheduling retry")

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	job.Attempt = next
	if err := w.queue.Requeue(ctx, job); err != nil {
		w.logger.Error().Err(err).Str("run_id", job.RunID.String()).Msg("requeue failed")
	}
}
