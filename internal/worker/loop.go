package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kr8tiv/mission-control/internal/queue"
	"github.com/kr8tiv/mission-control/internal/recovery"
	apperrors "github.com/kr8tiv/mission-control/pkg/errors"
	"github.com/kr8tiv/mission-control/pkg/logging"
	"github.com/kr8tiv/mission-control/pkg/metrics"
	"github.com/kr8tiv/mission-control/pkg/resilience"
)

// loopErrorBackoff is slept after a failed loop iteration
const loopErrorBackoff = time.Second

// Sweeper runs one recovery sweep over every board
type Sweeper interface {
	RunOnce(ctx context.Context) (recovery.SweepResult, error)
}

// Gate reports whether recovery sweeps may run
type Gate interface {
	Ready(ctx context.Context) (bool, error)
}

// JobQueue is the subset of the job queue the loop consumes
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Requeue(ctx context.Context, job *queue.Job, delay time.Duration) (bool, error)
}

// Handler processes one dequeued job
type Handler func(ctx context.Context, job *queue.Job) error

// Config contains the loop timing settings
type Config struct {
	RecoveryEnabled  bool
	RecoveryInterval time.Duration
	BlockTimeout     time.Duration
	Throttle         time.Duration
	Backoff          resilience.JobBackoff
}

// Loop is the single control process: a timed recovery sweep plus a job queue consumer
type Loop struct {
	sweeper  Sweeper
	gate     Gate
	jobs     JobQueue
	handlers map[string]Handler
	config   Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Loop
type Option func(*Loop)

// WithHandler registers the handler for a job type
func WithHandler(jobType string, handler Handler) Option {
	return func(l *Loop) { l.handlers[jobType] = handler }
}

// WithLogger sets the loop logger
func WithLogger(logger *logging.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithMetrics records job outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithClock overrides the clock. time.Now carries a monotonic reading, so the
// default is immune to wall clock jumps.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithSleep overrides how the loop waits between iterations
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Loop) { l.sleep = sleep }
}

// NewLoop creates a worker loop
func NewLoop(sweeper Sweeper, gate Gate, jobs JobQueue, cfg Config, opts ...Option) *Loop {
	l := &Loop{
		sweeper:  sweeper,
		gate:     gate,
		jobs:     jobs,
		handlers: make(map[string]Handler),
		config:   cfg,
		logger:   logging.GetLogger(),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunRecoverySweepOnce runs one sweep when sweeps are enabled and migrations are applied.
// It reports whether a sweep ran.
func (l *Loop) RunRecoverySweepOnce(ctx context.Context) (bool, error) {
	if !l.config.RecoveryEnabled || l.sweeper == nil {
		return false, nil
	}

	if l.gate != nil {
		ready, err := l.gate.Ready(ctx)
		if err != nil {
			l.logger.Warn("queue.worker.migration_gate_failed", "error", err.Error())
		}
		if !ready {
			l.logger.Info("queue.worker.recovery_sweep_deferred_migrations_pending")
			return false, nil
		}
	}

	result, err := l.sweeper.RunOnce(ctx)
	if err != nil {
		return false, err
	}

	l.logger.WithContext(ctx).WithFields(result.Fields()).Info("queue.worker.recovery_sweep")
	return true, nil
}

// FlushQueue dispatches jobs until the queue stays empty for one block timeout.
// It returns the number of jobs handled successfully.
func (l *Loop) FlushQueue(ctx context.Context) (int, error) {
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		job, err := l.jobs.Dequeue(ctx, l.config.BlockTimeout)
		if err != nil {
			l.logger.Error("queue.worker.dequeue_failed", "error", err.Error())
			return processed, err
		}
		if job == nil {
			break
		}

		if l.dispatch(ctx, job) {
			processed++
		}

		if err := l.sleep(ctx, l.config.Throttle); err != nil {
			return processed, err
		}
	}

	if processed > 0 {
		l.logger.Info("queue.worker.batch_complete", "count", processed)
	}
	return processed, nil
}

func (l *Loop) dispatch(ctx context.Context, job *queue.Job) bool {
	handler, ok := l.handlers[job.Type]
	if !ok {
		l.logger.Warn("queue.worker.task_unhandled", "task_type", job.Type, "job_id", job.ID)
		l.metrics.RecordQueueJob(job.Type, "unhandled")
		return false
	}

	err := handler(ctx, job)
	if err == nil {
		l.logger.Info("queue.worker.success", "task_type", job.Type, "attempt", job.Attempts)
		l.metrics.RecordQueueJob(job.Type, "success")
		return true
	}

	l.logger.WithFields(logrus.Fields{
		"task_type": job.Type,
		"attempt":   job.Attempts,
		"job_id":    job.ID,
	}).WithError(err).Error("queue.worker.failed")
	l.metrics.RecordQueueJob(job.Type, "failed")

	job.LastError = err.Error()

	// A board or organization that no longer exists will not come back on retry
	if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		l.logger.Warn("queue.worker.drop_task", "task_type", job.Type, "attempt", job.Attempts, "job_id", job.ID, "reason", "not_found")
		l.metrics.RecordQueueJob(job.Type, "dropped")
		return false
	}

	delay := l.config.Backoff.Delay(job.Attempts)
	requeued, requeueErr := l.jobs.Requeue(ctx, job, delay)
	if requeueErr != nil {
		l.logger.Error("queue.worker.requeue_failed", "task_type", job.Type, "job_id", job.ID, "error", requeueErr.Error())
		return false
	}
	if !requeued {
		l.logger.Warn("queue.worker.drop_task", "task_type", job.Type, "attempt", job.Attempts, "job_id", job.ID)
	}
	return false
}

// Run drives sweeps and queue consumption until ctx is cancelled
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("queue.worker.started", "throttle", l.config.Throttle.String(), "handlers", len(l.handlers))
	defer l.logger.Info("queue.worker.stopped")

	nextDue := l.now()
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := l.iterate(ctx, &nextDue); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error("queue.worker.loop_failed", "error", err.Error())
			if l.sleep(ctx, loopErrorBackoff) != nil {
				return nil
			}
		}
	}
}

func (l *Loop) iterate(ctx context.Context, nextDue *time.Time) error {
	if l.config.RecoveryEnabled && !l.now().Before(*nextDue) {
		if _, err := l.RunRecoverySweepOnce(ctx); err != nil {
			return err
		}
		interval := l.config.RecoveryInterval
		if interval < time.Second {
			interval = time.Second
		}
		*nextDue = l.now().Add(interval)
	}

	_, err := l.FlushQueue(ctx)
	return err
}

// BoardRunner runs a recovery pass for one board of an organization
type BoardRunner interface {
	RunNow(ctx context.Context, organizationID, boardID uuid.UUID, force bool, gsdRunID *uuid.UUID) (*recovery.RunSummary, error)
}

// EvaluateBoardHandler handles queue.TaskTypeEvaluateBoard jobs
func EvaluateBoardHandler(runner BoardRunner) Handler {
	return func(ctx context.Context, job *queue.Job) error {
		req, err := queue.DecodeEvaluateBoard(job)
		if err != nil {
			return err
		}
		_, err = runner.RunNow(ctx, req.OrganizationID, req.BoardID, req.Force, nil)
		return err
	}
}
