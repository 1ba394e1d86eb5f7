package recovery

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kr8tiv/mission-control/internal/continuity"
	"github.com/kr8tiv/mission-control/pkg/errors"
	"github.com/kr8tiv/mission-control/pkg/logging"
	"github.com/kr8tiv/mission-control/pkg/metrics"
	"github.com/kr8tiv/mission-control/pkg/tracing"
	"github.com/kr8tiv/mission-control/pkg/types"
)

// Suppression reasons and action labels written on incidents
const (
	ReasonCooldownActive       = "cooldown_active"
	ReasonAttemptLimitExceeded = "attempt_limit_exceeded"

	ActionForcedHeartbeatResync = "forced_heartbeat_resync"
	ActionSessionResync         = "session_resync"

	ErrActionReturnedFalse = "recovery_action_returned_false"
)

// AttemptWindow is the sliding window for the per-agent restart budget
const AttemptWindow = time.Hour

// ActionFunc performs a recovery attempt. It returns whether the attempt
// succeeded and a label for the action taken.
type ActionFunc func(ctx context.Context, boardID, agentID uuid.UUID, reason string) (bool, string, error)

// EvaluateOptions modify one board evaluation
type EvaluateOptions struct {
	BypassCooldown       bool
	ForceHeartbeatResync bool
}

// Engine turns continuity reports into guarded recovery attempts and incidents
type Engine struct {
	boards    BoardReader
	agents    AgentWriter
	policies  PolicyStore
	incidents IncidentStore
	snapshots SnapshotProvider
	action    ActionFunc

	metrics *metrics.Metrics
	tracer  *tracing.TracingService
	logger  *logging.Logger
	now     func() time.Time
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithAction injects the recovery action used when no built-in action applies
func WithAction(action ActionFunc) EngineOption {
	return func(e *Engine) { e.action = action }
}

// WithEngineClock overrides the time source
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithEngineMetrics counts incidents by status and reason
func WithEngineMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithEngineTracer traces board evaluations
func WithEngineTracer(t *tracing.TracingService) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithEngineLogger overrides the global logger
func WithEngineLogger(l *logging.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a recovery engine
func NewEngine(boards BoardReader, agents AgentWriter, policies PolicyStore, incidents IncidentStore, snapshots SnapshotProvider, opts ...EngineOption) *Engine {
	e := &Engine{
		boards:    boards,
		agents:    agents,
		policies:  policies,
		incidents: incidents,
		snapshots: snapshots,
		tracer:    tracing.Noop(),
		logger:    logging.GetLogger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateBoard classifies the board's agents and records one incident for every
// agent that is not alive. Incidents are persisted as they are produced so later
// agents and later passes observe them. A failure on one agent does not stop the
// others: the incidents that were persisted are returned together with the error.
func (e *Engine) EvaluateBoard(ctx context.Context, boardID uuid.UUID, opts EvaluateOptions) ([]*types.RecoveryIncident, error) {
	ctx, span := e.tracer.StartBoardSpan(ctx, boardID.String(), opts.BypassCooldown)
	defer span.End()
	ctx = logging.WithBoardID(ctx, boardID.String())

	incidents, err := e.evaluate(ctx, boardID, opts)
	span.SetAttributes(attribute.Int("recovery.incidents", len(incidents)))
	if err != nil {
		tracing.RecordError(span, err)
	}
	return incidents, err
}

func (e *Engine) evaluate(ctx context.Context, boardID uuid.UUID, opts EvaluateOptions) ([]*types.RecoveryIncident, error) {
	board, err := e.boards.GetBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}

	policy, err := e.policies.GetOrCreate(ctx, board.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !policy.Enabled {
		return []*types.RecoveryIncident{}, nil
	}

	report, err := e.snapshots.SnapshotForBoard(ctx, board.ID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	incidents := make([]*types.RecoveryIncident, 0)
	var firstErr error
	failed := 0

	for _, item := range report.Agents {
		if !continuity.RequiresRecovery(item.Continuity) {
			continue
		}

		incident, err := e.evaluateAgent(ctx, board, policy, item, opts, now)
		if err == nil {
			if insertErr := e.incidents.Insert(ctx, incident); insertErr != nil {
				err = errors.NewInternalError("failed to record recovery incident").WithCause(insertErr)
			}
		}
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			e.logger.LogError(ctx, err, "recovery.engine.agent_failed", logrus.Fields{
				"board_id": board.ID.String(),
				"agent_id": item.AgentID.String(),
			})
			continue
		}

		incidents = append(incidents, incident)
		e.observe(ctx, incident)
	}

	if firstErr != nil {
		return incidents, errors.NewInternalError("recovery pass incomplete").
			WithCause(firstErr).
			WithDetail("failed_agents", strconv.Itoa(failed))
	}
	return incidents, nil
}

func (e *Engine) evaluateAgent(ctx context.Context, board *types.Board, policy *types.RecoveryPolicy, item continuity.Item, opts EvaluateOptions, now time.Time) (*types.RecoveryIncident, error) {
	latest, err := e.incidents.Latest(ctx, item.AgentID)
	if err != nil {
		return nil, errors.NewInternalError("failed to load latest incident").WithCause(err)
	}

	if latest != nil && !opts.BypassCooldown {
		elapsed := int64(now.Sub(latest.DetectedAt) / time.Second)
		if elapsed < int64(policy.Cooldown()/time.Second) {
			return newIncident(board, item.AgentID, types.IncidentStatusSuppressed, ReasonCooldownActive, latest.Attempts, now), nil
		}
	}

	attempts, err := e.attemptsInWindow(ctx, item.AgentID, now)
	if err != nil {
		return nil, err
	}
	if attempts >= policy.RestartLimit() {
		return newIncident(board, item.AgentID, types.IncidentStatusSuppressed, ReasonAttemptLimitExceeded, attempts, now), nil
	}

	incident := newIncident(board, item.AgentID, types.IncidentStatusFailed, item.ContinuityReason, attempts+1, now)

	ok, action, err := e.recoverAgent(ctx, board.ID, item, opts)
	switch {
	case err != nil:
		msg := err.Error()
		incident.LastError = &msg
	case !ok:
		msg := ErrActionReturnedFalse
		incident.Action = &action
		incident.LastError = &msg
	default:
		recoveredAt := now
		incident.Status = types.IncidentStatusRecovered
		incident.Action = &action
		incident.RecoveredAt = &recoveredAt
	}
	return incident, nil
}

func (e *Engine) attemptsInWindow(ctx context.Context, agentID uuid.UUID, now time.Time) (int, error) {
	recent, err := e.incidents.ListSince(ctx, agentID, now.Add(-AttemptWindow))
	if err != nil {
		return 0, errors.NewInternalError("failed to count recovery attempts").WithCause(err)
	}

	count := 0
	for _, incident := range recent {
		if incident.Status.IsAttempt() {
			count++
		}
	}
	return count, nil
}

func (e *Engine) recoverAgent(ctx context.Context, boardID uuid.UUID, item continuity.Item, opts EvaluateOptions) (bool, string, error) {
	if opts.ForceHeartbeatResync && continuity.IsHeartbeatReason(item.ContinuityReason) {
		resynced, err := e.agents.MarkHeartbeatResynced(ctx, boardID, item.AgentID, e.now())
		if err != nil {
			return false, "", err
		}
		if resynced {
			return true, ActionForcedHeartbeatResync, nil
		}
	}

	if e.action != nil {
		return e.action(ctx, boardID, item.AgentID, item.ContinuityReason)
	}
	return true, ActionSessionResync, nil
}

func (e *Engine) observe(ctx context.Context, incident *types.RecoveryIncident) {
	e.metrics.RecordIncident(string(incident.Status), incident.Reason)

	fields := logrus.Fields{
		"incident_id": incident.ID.String(),
		"status":      string(incident.Status),
		"reason":      incident.Reason,
		"attempts":    incident.Attempts,
	}
	if incident.Action != nil {
		fields["action"] = *incident.Action
	}
	if incident.LastError != nil {
		fields["last_error"] = *incident.LastError
	}
	e.logger.LogRecoveryEvent(ctx, "recovery.engine.incident", incident.BoardID.String(), incident.AgentID.String(), fields)
}

func newIncident(board *types.Board, agentID uuid.UUID, status types.IncidentStatus, reason string, attempts int, now time.Time) *types.RecoveryIncident {
	boardID := board.ID
	return &types.RecoveryIncident{
		ID:             uuid.New(),
		OrganizationID: board.OrganizationID,
		BoardID:        &boardID,
		AgentID:        &agentID,
		Status:         status,
		Reason:         reason,
		Attempts:       attempts,
		DetectedAt:     now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
