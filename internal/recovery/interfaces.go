package recovery

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kr8tiv/mission-control/internal/alerts"
	"github.com/kr8tiv/mission-control/internal/continuity"
	"github.com/kr8tiv/mission-control/pkg/types"
)

// BoardReader reads boards across organizations
type BoardReader interface {
	GetBoard(ctx context.Context, id uuid.UUID) (*types.Board, error)
	// ListBoards returns every board of every organization, oldest first
	ListBoards(ctx context.Context) ([]*types.Board, error)
}

// AgentWriter applies the built-in heartbeat resync
type AgentWriter interface {
	// MarkHeartbeatResynced sets the agent online with last_seen_at = now.
	// It returns false when the agent does not belong to the board.
	MarkHeartbeatResynced(ctx context.Context, boardID, agentID uuid.UUID, now time.Time) (bool, error)
}

// PolicyStore persists one recovery policy per organization
type PolicyStore interface {
	// GetOrCreate returns the organization's policy, creating the default one when absent
	GetOrCreate(ctx context.Context, organizationID uuid.UUID) (*types.RecoveryPolicy, error)
	Update(ctx context.Context, organizationID uuid.UUID, update PolicyUpdate) (*types.RecoveryPolicy, error)
}

// IncidentStore is the append-only incident log
type IncidentStore interface {
	Insert(ctx context.Context, incident *types.RecoveryIncident) error
	// Latest returns the most recent incident for the agent, or nil
	Latest(ctx context.Context, agentID uuid.UUID) (*types.RecoveryIncident, error)
	// ListSince returns the agent's incidents detected at or after since
	ListSince(ctx context.Context, agentID uuid.UUID, since time.Time) ([]*types.RecoveryIncident, error)
	// FindDuplicate reports whether another incident with the same board, agent, status
	// and reason was detected at or after since
	FindDuplicate(ctx context.Context, incident *types.RecoveryIncident, since time.Time) (bool, error)
	// ListRecent returns an organization's incidents newest first
	ListRecent(ctx context.Context, organizationID uuid.UUID, boardID *uuid.UUID, limit int) ([]*types.RecoveryIncident, error)
}

// SnapshotProvider produces the continuity report of a board
type SnapshotProvider interface {
	SnapshotForBoard(ctx context.Context, boardID uuid.UUID) (*continuity.Report, error)
}

// AlertRouter delivers owner alerts for non-suppressed incidents
type AlertRouter interface {
	Route(ctx context.Context, incident *types.RecoveryIncident, policy *types.RecoveryPolicy) alerts.Result
}

// EvidenceSink receives run summaries for rollout evidence records
type EvidenceSink interface {
	// RecordRecoverySummary merges the counters into the run. It returns a not-found
	// error when the run does not exist in the organization or belongs to another board.
	RecordRecoverySummary(ctx context.Context, organizationID, boardID, runID uuid.UUID, summary SummaryCounts) error
}

// JobEnqueuer schedules asynchronous recovery runs
type JobEnqueuer interface {
	EnqueueEvaluateBoard(ctx context.Context, organizationID, boardID uuid.UUID, force bool) (string, error)
}
