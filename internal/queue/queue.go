package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kr8tiv/mission-control/pkg/errors"
	"github.com/kr8tiv/mission-control/pkg/metrics"
)

// jobTTL bounds how long an undelivered job payload survives in Redis
const jobTTL = 24 * time.Hour

// Queue is a Redis-backed FIFO job queue with delayed retries and a dead letter list
type Queue struct {
	client  redis.Cmdable
	name    string
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Queue
type Option func(*Queue)

// WithMetrics records enqueue, requeue and drop outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithClock overrides the clock used for delayed job scores
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates a new job queue
func NewQueue(client redis.Cmdable, name string, opts ...Option) *Queue {
	q := &Queue{client: client, name: name, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) readyKey() string {
	return fmt.Sprintf("queue:%s:ready", q.name)
}

func (q *Queue) delayedKey() string {
	return fmt.Sprintf("queue:%s:delayed", q.name)
}

func (q *Queue) deadLetterKey() string {
	return fmt.Sprintf("queue:%s:dead", q.name)
}

func (q *Queue) jobKey(jobID string) string {
	return fmt.Sprintf("queue:%s:job:%s", q.name, jobID)
}

// Enqueue adds a job to the tail of the queue
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.NewValidationError("job cannot be nil")
	}
	if job.Type == "" {
		return errors.NewValidationError("job type is required")
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now().UTC()
	}

	data, err := job.ToJSON()
	if err != nil {
		return errors.NewInternalError("failed to serialize job").WithCause(err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), data, jobTTL)
		pipe.LPush(ctx, q.readyKey(), job.ID)
		return nil
	})
	if err != nil {
		return errors.NewInternalError("failed to enqueue job").WithCause(err)
	}

	q.metrics.RecordQueueJob(job.Type, "enqueued")
	return nil
}

// Dequeue returns the next ready job, waiting up to timeout. It returns nil, nil
// when nothing arrived in time. A non-positive timeout does not block.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	for {
		jobID, err := q.pop(ctx, timeout)
		if err != nil || jobID == "" {
			return nil, err
		}

		data, err := q.client.GetDel(ctx, q.jobKey(jobID)).Result()
		if err == redis.Nil {
			// payload expired; skip the orphaned id
			continue
		}
		if err != nil {
			return nil, errors.NewInternalError("failed to load job").WithCause(err)
		}

		job, err := FromJSON([]byte(data))
		if err != nil {
			return nil, errors.NewInternalError("failed to deserialize job").WithCause(err)
		}
		return job, nil
	}
}

func (q *Queue) pop(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		jobID, err := q.client.RPop(ctx, q.readyKey()).Result()
		if err == redis.Nil {
			return "", nil
		}
		if err != nil {
			return "", errors.NewInternalError("failed to dequeue job").WithCause(err)
		}
		return jobID, nil
	}

	result, err := q.client.BRPop(ctx, timeout, q.readyKey()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.NewInternalError("failed to dequeue job").WithCause(err)
	}
	if len(result) < 2 {
		return "", nil
	}
	return result[1], nil
}

// promoteDue moves delayed jobs whose time has come onto the ready list
func (q *Queue) promoteDue(ctx context.Context) error {
	cutoff := strconv.FormatInt(q.now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return errors.NewInternalError("failed to read delayed jobs").WithCause(err)
	}

	for _, jobID := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), jobID).Result()
		if err != nil {
			return errors.NewInternalError("failed to promote delayed job").WithCause(err)
		}
		// another worker claimed it
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey(), jobID).Err(); err != nil {
			return errors.NewInternalError("failed to promote delayed job").WithCause(err)
		}
	}
	return nil
}

// Requeue counts a failed attempt and schedules the job after delay. It returns false
// and moves the job to the dead letter list once the attempt budget is spent.
func (q *Queue) Requeue(ctx context.Context, job *Job, delay time.Duration) (bool, error) {
	if job == nil {
		return false, errors.NewValidationError("job cannot be nil")
	}

	job.Attempts++
	data, err := job.ToJSON()
	if err != nil {
		return false, errors.NewInternalError("failed to serialize job").WithCause(err)
	}

	if !job.CanRetry() {
		if err := q.client.LPush(ctx, q.deadLetterKey(), data).Err(); err != nil {
			return false, errors.NewInternalError("failed to dead-letter job").WithCause(err)
		}
		q.metrics.RecordQueueJob(job.Type, "dropped")
		return false, nil
	}

	if delay < 0 {
		delay = 0
	}
	score := float64(q.now().Add(delay).UnixMilli())
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), data, jobTTL+delay)
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: score, Member: job.ID})
		return nil
	})
	if err != nil {
		return false, errors.NewInternalError("failed to requeue job").WithCause(err)
	}

	q.metrics.RecordQueueJob(job.Type, "requeued")
	return true, nil
}

// Stats returns the current queue depth and publishes it as gauges
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	var ready, delayed, dead *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.LLen(ctx, q.readyKey())
		delayed = pipe.ZCard(ctx, q.delayedKey())
		dead = pipe.LLen(ctx, q.deadLetterKey())
		return nil
	})
	if err != nil {
		return nil, errors.NewInternalError("failed to read queue stats").WithCause(err)
	}

	stats := &Stats{Ready: ready.Val(), Delayed: delayed.Val(), DeadLetter: dead.Val()}
	q.metrics.UpdateQueueSize(q.name, "ready", stats.Ready)
	q.metrics.UpdateQueueSize(q.name, "delayed", stats.Delayed)
	q.metrics.UpdateQueueSize(q.name, "dead", stats.DeadLetter)
	return stats, nil
}

// DeadLetters returns the most recently dropped jobs, newest first
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := q.client.LRange(ctx, q.deadLetterKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.NewInternalError("failed to read dead letters").WithCause(err)
	}

	jobs := make([]*Job, 0, len(raw))
	for _, item := range raw {
		job, err := FromJSON([]byte(item))
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
