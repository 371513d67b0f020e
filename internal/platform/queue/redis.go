package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	jobsKey       = "validation:jobs"
	deadKey       = "validation:dead"
	pendingPrefix = "validation:pending:"
	runLockPrefix = "validation:running:"
)

// RedisQueue is the production Queue backed by Redis lists. The pending
// marker (SETNX) coalesces duplicate enqueues for a run; the run lock key
// carries a TTL so a crashed worker cannot strand a run forever.
type RedisQueue struct {
	client     *redis.Client
	runLockTTL time.Duration
}

// NewRedisQueue connects to Redis at the given URL. runLockTTL should exceed
// the run timeout so locks outlive the longest legitimate run.
func NewRedisQueue(url string, runLockTTL time.Duration) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if runLockTTL <= 0 {
		runLockTTL = 15 * time.Minute
	}
	return &RedisQueue{client: redis.NewClient(opts), runLockTTL: runLockTTL}, nil
}

// Ping verifies connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) (bool, error) {
	set, err := q.client.SetNX(ctx, pendingPrefix+job.RunID.String(), "1", q.runLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("set pending marker: %w", err)
	}
	if !set {
		return false, nil
	}
	if err := q.push(ctx, job); err != nil {
		return false, err
	}
	return true, nil
}

func (q *RedisQueue) Requeue(ctx context.Context, job Job) error {
	return q.push(ctx, job)
}

func (q *RedisQueue) push(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, jobsKey, data).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	// A short poll interval keeps the blocking pop responsive to ctx
	// cancellation.
	return dequeueLoop(ctx, func(ctx context.Context) ([]string, error) {
		return q.client.BRPop(ctx, 5*time.Second, jobsKey).Result()
	})
}

// dequeueLoop polls until a job arrives. redis.Nil marks an empty poll
// window and loops, it is not an error.
func dequeueLoop(ctx context.Context, pop func(context.Context) ([]string, error)) (Job, error) {
	for {
		res, err := pop(ctx)
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, fmt.Errorf("brpop: %w", err)
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return Job{}, fmt.Errorf("unmarshal job: %w", err)
		}
		return job, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, job Job) error {
	return q.client.Del(ctx, pendingPrefix+job.RunID.String()).Err()
}

func (q *RedisQueue) DeadLetter(ctx context.Context, job Job, reason string) error {
	entry, err := json.Marshal(struct {
		Job    Job       `json:"job"`
		Reason string    `json:"reason"`
		At     time.Time `json:"at"`
	}{job, reason, time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, deadKey, entry)
	pipe.Del(ctx, pendingPrefix+job.RunID.String())
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) AcquireRun(ctx context.Context, runID uuid.UUID) (bool, error) {
	return q.client.SetNX(ctx, runLockPrefix+runID.String(), "1", q.runLockTTL).Result()
}

func (q *RedisQueue) ReleaseRun(ctx context.Context, runID uuid.UUID) error {
	return q.client.Del(ctx, runLockPrefix+runID.String()).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
