package recovery

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kr8tiv/mission-control/pkg/logging"
	"github.com/kr8tiv/mission-control/pkg/metrics"
	"github.com/kr8tiv/mission-control/pkg/tracing"
	"github.com/kr8tiv/mission-control/pkg/types"
)

// BoardEvaluator is the engine operation the scheduler drives
type BoardEvaluator interface {
	EvaluateBoard(ctx context.Context, boardID uuid.UUID, opts EvaluateOptions) ([]*types.RecoveryIncident, error)
}

// SweepResult holds the counters of one sweep
type SweepResult struct {
	BoardCount             int `json:"board_count"`
	IncidentCount          int `json:"incident_count"`
	AlertsSent             int `json:"alerts_sent"`
	AlertsSuppressedDedupe int `json:"alerts_suppressed_dedupe"`
	AlertsSkippedStatus    int `json:"alerts_skipped_status"`
	BoardErrors            int `json:"board_errors"`
}

// Fields returns the counters as log fields
func (r SweepResult) Fields() logrus.Fields {
	return logrus.Fields{
		"board_count":              r.BoardCount,
		"incident_count":           r.IncidentCount,
		"alerts_sent":              r.AlertsSent,
		"alerts_suppressed_dedupe": r.AlertsSuppressedDedupe,
		"alerts_skipped_status":    r.AlertsSkippedStatus,
		"board_errors":             r.BoardErrors,
	}
}

// Scheduler runs the engine over every board and routes deduplicated alerts
type Scheduler struct {
	boards    BoardReader
	policies  PolicyStore
	incidents IncidentStore
	engine    BoardEvaluator
	router    AlertRouter

	metrics *metrics.Metrics
	tracer  *tracing.TracingService
	logger  *logging.Logger
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithSchedulerMetrics records sweep counters
func WithSchedulerMetrics(m *metrics.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithSchedulerTracer traces sweeps
func WithSchedulerTracer(t *tracing.TracingService) SchedulerOption {
	return func(s *Scheduler) { s.tracer = t }
}

// WithSchedulerLogger overrides the global logger
func WithSchedulerLogger(l *logging.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a recovery scheduler
func NewScheduler(boards BoardReader, policies PolicyStore, incidents IncidentStore, engine BoardEvaluator, router AlertRouter, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		boards:    boards,
		policies:  policies,
		incidents: incidents,
		engine:    engine,
		router:    router,
		tracer:    tracing.Noop(),
		logger:    logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce evaluates every board once with cooldowns enforced. A failing board
// is counted in BoardErrors and never stops the sweep.
func (s *Scheduler) RunOnce(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	sweepID := uuid.New().String()
	ctx = logging.WithSweepID(ctx, sweepID)
	ctx, span := s.tracer.StartSweepSpan(ctx, sweepID)
	defer span.End()

	var result SweepResult

	boards, err := s.boards.ListBoards(ctx)
	if err != nil {
		tracing.RecordError(span, err)
		s.metrics.RecordSweep("error", time.Since(start))
		return result, err
	}
	result.BoardCount = len(boards)

	policyCache := make(map[uuid.UUID]*types.RecoveryPolicy)
	for _, board := range boards {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		if err := s.sweepBoard(ctx, board, policyCache, &result); err != nil {
			result.BoardErrors++
			s.metrics.RecordBoardEvaluation("error")
			s.logger.LogError(ctx, err, "recovery.scheduler.board_failed", logrus.Fields{
				"board_id":        board.ID.String(),
				"organization_id": board.OrganizationID.String(),
			})
			continue
		}
		s.metrics.RecordBoardEvaluation("ok")
	}

	span.SetAttributes(
		attribute.Int("recovery.boards", result.BoardCount),
		attribute.Int("recovery.incidents", result.IncidentCount),
		attribute.Int("recovery.board_errors", result.BoardErrors),
	)
	s.metrics.RecordSweep("ok", time.Since(start))
	s.logger.LogSweep(ctx, "recovery.scheduler.sweep_complete", time.Since(start), result.Fields())
	return result, nil
}

func (s *Scheduler) sweepBoard(ctx context.Context, board *types.Board, policyCache map[uuid.UUID]*types.RecoveryPolicy, result *SweepResult) error {
	// A partial pass still returns the incidents it persisted. They are alerted
	// before the board is counted as failed.
	incidents, evalErr := s.engine.EvaluateBoard(ctx, board.ID, EvaluateOptions{})
	if len(incidents) == 0 {
		return evalErr
	}
	result.IncidentCount += len(incidents)

	policy, ok := policyCache[board.OrganizationID]
	if !ok {
		var err error
		policy, err = s.policies.GetOrCreate(ctx, board.OrganizationID)
		if err != nil {
			return err
		}
		policyCache[board.OrganizationID] = policy
	}

	for _, incident := range incidents {
		if incident.Status == types.IncidentStatusSuppressed {
			result.AlertsSkippedStatus++
			s.metrics.RecordAlertSkipped("status")
			continue
		}

		duplicate, err := s.isDuplicateAlert(ctx, incident, policy.AlertDedupe())
		if err != nil {
			return err
		}
		if duplicate {
			result.AlertsSuppressedDedupe++
			s.metrics.RecordAlertSkipped("dedupe")
			continue
		}

		if s.router == nil {
			continue
		}
		if delivery := s.router.Route(ctx, incident, policy); delivery.Delivered {
			result.AlertsSent++
		}
	}
	return evalErr
}

func (s *Scheduler) isDuplicateAlert(ctx context.Context, incident *types.RecoveryIncident, dedupe time.Duration) (bool, error) {
	if dedupe <= 0 || incident.BoardID == nil || incident.AgentID == nil {
		return false, nil
	}
	return s.incidents.FindDuplicate(ctx, incident, incident.DetectedAt.Add(-dedupe))
}
