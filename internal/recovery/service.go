package recovery

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kr8tiv/mission-control/internal/continuity"
	"github.com/kr8tiv/mission-control/pkg/errors"
	"github.com/kr8tiv/mission-control/pkg/logging"
	"github.com/kr8tiv/mission-control/pkg/types"
)

// Incident list bounds
const (
	DefaultIncidentLimit = 100
	MaxIncidentLimit     = 500
)

// SummaryCounts are the per-status counts of one run
type SummaryCounts struct {
	Total      int `json:"total_incidents"`
	Recovered  int `json:"recovered"`
	Failed     int `json:"failed"`
	Suppressed int `json:"suppressed"`
}

// CountIncidents tallies incidents by status
func CountIncidents(incidents []*types.RecoveryIncident) SummaryCounts {
	counts := SummaryCounts{Total: len(incidents)}
	for _, incident := range incidents {
		switch incident.Status {
		case types.IncidentStatusRecovered:
			counts.Recovered++
		case types.IncidentStatusFailed:
			counts.Failed++
		case types.IncidentStatusSuppressed:
			counts.Suppressed++
		}
	}
	return counts
}

// RunSummary is the result of an on-demand recovery run
type RunSummary struct {
	BoardID     uuid.UUID                 `json:"board_id"`
	GeneratedAt time.Time                 `json:"generated_at"`
	Total       int                       `json:"total_incidents"`
	Recovered   int                       `json:"recovered"`
	Failed      int                       `json:"failed"`
	Suppressed  int                       `json:"suppressed"`
	Incidents   []*types.RecoveryIncident `json:"incidents"`
}

// EnqueuedRun acknowledges an asynchronous run
type EnqueuedRun struct {
	BoardID uuid.UUID `json:"board_id"`
	JobID   string    `json:"job_id"`
	Force   bool      `json:"force"`
}

// Service is the operator surface over policies, incidents and on-demand runs
type Service struct {
	boards    BoardReader
	policies  PolicyStore
	incidents IncidentStore
	engine    BoardEvaluator
	snapshots SnapshotProvider
	evidence  EvidenceSink
	jobs      JobEnqueuer

	logger *logging.Logger
	now    func() time.Time
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithEvidenceSink enables pushing run summaries to rollout evidence records
func WithEvidenceSink(sink EvidenceSink) ServiceOption {
	return func(s *Service) { s.evidence = sink }
}

// WithJobEnqueuer enables asynchronous runs
func WithJobEnqueuer(jobs JobEnqueuer) ServiceOption {
	return func(s *Service) { s.jobs = jobs }
}

// WithServiceClock overrides the time source
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates the operations service
func NewService(boards BoardReader, policies PolicyStore, incidents IncidentStore, engine BoardEvaluator, snapshots SnapshotProvider, opts ...ServiceOption) *Service {
	s := &Service{
		boards:    boards,
		policies:  policies,
		incidents: incidents,
		engine:    engine,
		snapshots: snapshots,
		logger:    logging.GetLogger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetPolicy returns the organization's policy, creating defaults on first read
func (s *Service) GetPolicy(ctx context.Context, organizationID uuid.UUID) (*types.RecoveryPolicy, error) {
	return s.policies.GetOrCreate(ctx, organizationID)
}

// UpdatePolicy applies a partial update to the organization's policy
func (s *Service) UpdatePolicy(ctx context.Context, organizationID uuid.UUID, update PolicyUpdate) (*types.RecoveryPolicy, error) {
	if _, err := s.policies.GetOrCreate(ctx, organizationID); err != nil {
		return nil, err
	}
	return s.policies.Update(ctx, organizationID, update)
}

// ListIncidents returns the organization's incidents newest first, optionally for one board
func (s *Service) ListIncidents(ctx context.Context, organizationID uuid.UUID, boardID *uuid.UUID, limit int) ([]*types.RecoveryIncident, error) {
	return s.incidents.ListRecent(ctx, organizationID, boardID, ClampIncidentLimit(limit))
}

// ClampIncidentLimit applies the default and bounds of incident listings
func ClampIncidentLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultIncidentLimit
	case limit < 1:
		return 1
	case limit > MaxIncidentLimit:
		return MaxIncidentLimit
	default:
		return limit
	}
}

// RunNow evaluates one board immediately. force bypasses the cooldown and
// resyncs heartbeat-only failures. With gsdRunID the counts are recorded on that run.
func (s *Service) RunNow(ctx context.Context, organizationID, boardID uuid.UUID, force bool, gsdRunID *uuid.UUID) (*RunSummary, error) {
	board, err := s.boardInOrganization(ctx, organizationID, boardID)
	if err != nil {
		return nil, err
	}

	incidents, err := s.engine.EvaluateBoard(ctx, board.ID, EvaluateOptions{
		BypassCooldown:       force,
		ForceHeartbeatResync: force,
	})
	if err != nil {
		return nil, err
	}

	if incidents == nil {
		incidents = []*types.RecoveryIncident{}
	}
	counts := CountIncidents(incidents)

	if gsdRunID != nil {
		if s.evidence == nil {
			return nil, errors.NewGSDRunNotFoundError(gsdRunID.String())
		}
		if err := s.evidence.RecordRecoverySummary(ctx, organizationID, board.ID, *gsdRunID, counts); err != nil {
			return nil, err
		}
	}

	s.logger.Info("recovery.ops.run_complete",
		"organization_id", organizationID.String(),
		"board_id", board.ID.String(),
		"force", force,
		"total_incidents", counts.Total,
		"recovered", counts.Recovered,
		"failed", counts.Failed,
		"suppressed", counts.Suppressed,
	)

	return &RunSummary{
		BoardID:     board.ID,
		GeneratedAt: s.now(),
		Total:       counts.Total,
		Recovered:   counts.Recovered,
		Failed:      counts.Failed,
		Suppressed:  counts.Suppressed,
		Incidents:   incidents,
	}, nil
}

// EnqueueRun schedules a board evaluation on the worker queue
func (s *Service) EnqueueRun(ctx context.Context, organizationID, boardID uuid.UUID, force bool) (*EnqueuedRun, error) {
	board, err := s.boardInOrganization(ctx, organizationID, boardID)
	if err != nil {
		return nil, err
	}
	if s.jobs == nil {
		return nil, errors.NewUnavailableError("job queue")
	}

	jobID, err := s.jobs.EnqueueEvaluateBoard(ctx, organizationID, board.ID, force)
	if err != nil {
		return nil, err
	}
	return &EnqueuedRun{BoardID: board.ID, JobID: jobID, Force: force}, nil
}

// ContinuitySnapshot returns the current continuity report of an organization's board
func (s *Service) ContinuitySnapshot(ctx context.Context, organizationID, boardID uuid.UUID) (*continuity.Report, error) {
	board, err := s.boardInOrganization(ctx, organizationID, boardID)
	if err != nil {
		return nil, err
	}
	return s.snapshots.SnapshotForBoard(ctx, board.ID)
}

func (s *Service) boardInOrganization(ctx context.Context, organizationID, boardID uuid.UUID) (*types.Board, error) {
	board, err := s.boards.GetBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if board.OrganizationID != organizationID {
		return nil, errors.NewBoardNotFoundError(boardID.String())
	}
	return board, nil
}
