package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/kr8tiv/mission-control/internal/recovery"
	"github.com/kr8tiv/mission-control/pkg/errors"
	"github.com/kr8tiv/mission-control/pkg/types"
)

const pqForeignKeyViolation = "23503"

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return stderrors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation
}

// BoardRepository reads boards
type BoardRepository struct {
	db *DB
}

// NewBoardRepository creates a new board repository
func NewBoardRepository(db *DB) *BoardRepository {
	return &BoardRepository{db: db}
}

// GetBoard retrieves a board by ID
func (r *BoardRepository) GetBoard(ctx context.Context, id uuid.UUID) (*types.Board, error) {
	var board types.Board
	query := `SELECT id, organization_id, gateway_id, name, created_at, updated_at FROM boards WHERE id = $1`

	if err := r.db.GetContext(ctx, &board, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewBoardNotFoundError(id.String())
		}
		return nil, errors.NewInternalError("failed to get board").WithCause(err)
	}

	return &board, nil
}

// ListBoards returns every board, oldest first
func (r *BoardRepository) ListBoards(ctx context.Context) ([]*types.Board, error) {
	var boards []*types.Board
	query := `SELECT id, organization_id, gateway_id, name, created_at, updated_at FROM boards ORDER BY created_at, id`

	if err := r.db.SelectContext(ctx, &boards, query); err != nil {
		return nil, errors.NewInternalError("failed to list boards").WithCause(err)
	}

	return boards, nil
}

// GatewayRepository reads runtime gateways
type GatewayRepository struct {
	db *DB
}

// NewGatewayRepository creates a new gateway repository
func NewGatewayRepository(db *DB) *GatewayRepository {
	return &GatewayRepository{db: db}
}

// GetGateway retrieves a gateway by ID
func (r *GatewayRepository) GetGateway(ctx context.Context, id uuid.UUID) (*types.Gateway, error) {
	var gateway types.Gateway
	query := `SELECT id, organization_id, name, url, token, created_at, updated_at FROM gateways WHERE id = $1`

	if err := r.db.GetContext(ctx, &gateway, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("gateway")
		}
		return nil, errors.NewInternalError("failed to get gateway").WithCause(err)
	}

	return &gateway, nil
}

// AgentRepository reads and resyncs agents
type AgentRepository struct {
	db *DB
}

// NewAgentRepository creates a new agent repository
func NewAgentRepository(db *DB) *AgentRepository {
	return &AgentRepository{db: db}
}

// ListAgentsByBoard returns a board's agents ordered by creation time
func (r *AgentRepository) ListAgentsByBoard(ctx context.Context, boardID uuid.UUID) ([]*types.Agent, error) {
	var agents []*types.Agent
	query := `
		SELECT id, board_id, name, status, openclaw_session_id, last_seen_at, created_at, updated_at
		FROM agents
		WHERE board_id = $1
		ORDER BY created_at, id`

	if err := r.db.SelectContext(ctx, &agents, query, boardID); err != nil {
		return nil, errors.NewInternalError("failed to list agents").WithCause(err)
	}

	return agents, nil
}

// MarkHeartbeatResynced sets the agent online and refreshes last_seen_at
func (r *AgentRepository) MarkHeartbeatResynced(ctx context.Context, boardID, agentID uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE agents
		SET status = $3, last_seen_at = $4, updated_at = $4
		WHERE id = $1 AND board_id = $2`

	result, err := r.db.ExecContext(ctx, query, agentID, boardID, types.AgentStatusOnline, now)
	if err != nil {
		return false, errors.NewInternalError("failed to resync agent heartbeat").WithCause(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.NewInternalError("failed to read affected rows").WithCause(err)
	}

	return rows > 0, nil
}

// PolicyRepository persists recovery policies
type PolicyRepository struct {
	db  *DB
	now func() time.Time
}

// NewPolicyRepository creates a new policy repository
func NewPolicyRepository(db *DB) *PolicyRepository {
	return &PolicyRepository{db: db, now: time.Now}
}

const policyColumns = `id, organization_id, enabled, stale_after_seconds, max_restarts_per_hour,
	cooldown_seconds, alert_dedupe_seconds, alert_telegram, alert_whatsapp, alert_ui, created_at, updated_at`

// GetOrCreate returns the organization's policy, inserting the defaults when absent
func (r *PolicyRepository) GetOrCreate(ctx context.Context, organizationID uuid.UUID) (*types.RecoveryPolicy, error) {
	defaults := types.NewDefaultRecoveryPolicy(organizationID, r.now().UTC())
	insert := `
		INSERT INTO recovery_policies (` + policyColumns + `)
		VALUES (:id, :organization_id, :enabled, :stale_after_seconds, :max_restarts_per_hour,
			:cooldown_seconds, :alert_dedupe_seconds, :alert_telegram, :alert_whatsapp, :alert_ui,
			:created_at, :updated_at)
		ON CONFLICT (organization_id) DO NOTHING`

	if _, err := r.db.NamedExecContext(ctx, insert, defaults); err != nil {
		if isForeignKeyViolation(err) {
			return nil, errors.NewOrganizationNotFoundError(organizationID.String())
		}
		return nil, errors.NewInternalError("failed to create recovery policy").WithCause(err)
	}

	var policy types.RecoveryPolicy
	query := `SELECT ` + policyColumns + ` FROM recovery_policies WHERE organization_id = $1`
	if err := r.db.GetContext(ctx, &policy, query, organizationID); err != nil {
		return nil, errors.NewInternalError("failed to get recovery policy").WithCause(err)
	}

	return &policy, nil
}

// Update applies a partial update under a row lock
func (r *PolicyRepository) Update(ctx context.Context, organizationID uuid.UUID, update recovery.PolicyUpdate) (*types.RecoveryPolicy, error) {
	if _, err := r.GetOrCreate(ctx, organizationID); err != nil {
		return nil, err
	}

	var policy types.RecoveryPolicy
	err := r.db.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		query := `SELECT ` + policyColumns + ` FROM recovery_policies WHERE organization_id = $1 FOR UPDATE`
		if err := tx.GetContext(ctx, &policy, query, organizationID); err != nil {
			return errors.NewInternalError("failed to lock recovery policy").WithCause(err)
		}

		update.Apply(&policy, r.now().UTC())

		stmt := `
			UPDATE recovery_policies
			SET enabled = :enabled,
				stale_after_seconds = :stale_after_seconds,
				max_restarts_per_hour = :max_restarts_per_hour,
				cooldown_seconds = :cooldown_seconds,
				alert_dedupe_seconds = :alert_dedupe_seconds,
				alert_telegram = :alert_telegram,
				alert_whatsapp = :alert_whatsapp,
				alert_ui = :alert_ui,
				updated_at = :updated_at
			WHERE id = :id`
		if _, err := tx.NamedExecContext(ctx, stmt, &policy); err != nil {
			return errors.NewInternalError("failed to update recovery policy").WithCause(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &policy, nil
}

// IncidentRepository is the append-only incident log
type IncidentRepository struct {
	db *DB
}

// NewIncidentRepository creates a new incident repository
func NewIncidentRepository(db *DB) *IncidentRepository {
	return &IncidentRepository{db: db}
}

const incidentColumns = `id, organization_id, board_id, agent_id, status, reason, action, attempts,
	last_error, detected_at, recovered_at, created_at, updated_at`

// Insert writes a new incident
func (r *IncidentRepository) Insert(ctx context.Context, incident *types.RecoveryIncident) error {
	if incident.ID == uuid.Nil {
		incident.ID = uuid.New()
	}
	query := `
		INSERT INTO recovery_incidents (` + incidentColumns + `)
		VALUES (:id, :organization_id, :board_id, :agent_id, :status, :reason, :action, :attempts,
			:last_error, :detected_at, :recovered_at, :created_at, :updated_at)`

	if _, err := r.db.NamedExecContext(ctx, query, incident); err != nil {
		return errors.NewInternalError("failed to insert recovery incident").WithCause(err)
	}

	return nil
}

// Latest returns the most recent incident for the agent, or nil
func (r *IncidentRepository) Latest(ctx context.Context, agentID uuid.UUID) (*types.RecoveryIncident, error) {
	var incident types.RecoveryIncident
	query := `
		SELECT ` + incidentColumns + `
		FROM recovery_incidents
		WHERE agent_id = $1
		ORDER BY detected_at DESC, created_at DESC
		LIMIT 1`

	if err := r.db.GetContext(ctx, &incident, query, agentID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.NewInternalError("failed to get latest recovery incident").WithCause(err)
	}

	return &incident, nil
}

// ListSince returns the agent's incidents detected at or after since
func (r *IncidentRepository) ListSince(ctx context.Context, agentID uuid.UUID, since time.Time) ([]*types.RecoveryIncident, error) {
	var incidents []*types.RecoveryIncident
	query := `
		SELECT ` + incidentColumns + `
		FROM recovery_incidents
		WHERE agent_id = $1 AND detected_at >= $2
		ORDER BY detected_at DESC`

	if err := r.db.SelectContext(ctx, &incidents, query, agentID, since); err != nil {
		return nil, errors.NewInternalError("failed to list recovery incidents").WithCause(err)
	}

	return incidents, nil
}

// FindDuplicate reports whether a matching incident other than this one exists since the cutoff
func (r *IncidentRepository) FindDuplicate(ctx context.Context, incident *types.RecoveryIncident, since time.Time) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM recovery_incidents
			WHERE board_id = $1
				AND agent_id = $2
				AND status = $3
				AND reason = $4
				AND detected_at >= $5
				AND id <> $6
		)`

	err := r.db.GetContext(ctx, &exists, query,
		incident.BoardID, incident.AgentID, incident.Status, incident.Reason, since, incident.ID)
	if err != nil {
		return false, errors.NewInternalError("failed to check duplicate alert").WithCause(err)
	}

	return exists, nil
}

// ListRecent returns an organization's incidents newest first, optionally scoped to a board
func (r *IncidentRepository) ListRecent(ctx context.Context, organizationID uuid.UUID, boardID *uuid.UUID, limit int) ([]*types.RecoveryIncident, error) {
	var incidents []*types.RecoveryIncident
	query := `
		SELECT ` + incidentColumns + `
		FROM recovery_incidents
		WHERE organization_id = $1
			AND ($2::uuid IS NULL OR board_id = $2::uuid)
		ORDER BY detected_at DESC, created_at DESC
		LIMIT $3`

	if err := r.db.SelectContext(ctx, &incidents, query, organizationID, boardID, limit); err != nil {
		return nil, errors.NewInternalError("failed to list recovery incidents").WithCause(err)
	}

	return incidents, nil
}

// Metrics snapshot keys written by recovery runs
const (
	SnapshotIncidentsTotal      = "incidents_total"
	SnapshotIncidentsRecovered  = "incidents_recovered"
	SnapshotIncidentsFailed     = "incidents_failed"
	SnapshotIncidentsSuppressed = "incidents_suppressed"
)

// GSDRunRepository writes recovery summaries into rollout evidence runs
type GSDRunRepository struct {
	db  *DB
	now func() time.Time
}

// NewGSDRunRepository creates a new run repository
func NewGSDRunRepository(db *DB) *GSDRunRepository {
	return &GSDRunRepository{db: db, now: time.Now}
}

// GetRun retrieves a run by ID
func (r *GSDRunRepository) GetRun(ctx context.Context, id uuid.UUID) (*types.GSDRun, error) {
	var run types.GSDRun
	query := `
		SELECT id, organization_id, board_id, run_name, stage, status, metrics_snapshot, created_at, updated_at
		FROM gsd_runs WHERE id = $1`

	if err := r.db.GetContext(ctx, &run, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewGSDRunNotFoundError(id.String())
		}
		return nil, errors.NewInternalError("failed to get gsd run").WithCause(err)
	}

	return &run, nil
}

// RecordRecoverySummary merges run counters into the run's metrics snapshot
func (r *GSDRunRepository) RecordRecoverySummary(ctx context.Context, organizationID, boardID, runID uuid.UUID, summary recovery.SummaryCounts) error {
	return r.db.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		var run types.GSDRun
		query := `
			SELECT id, organization_id, board_id, run_name, stage, status, metrics_snapshot, created_at, updated_at
			FROM gsd_runs WHERE id = $1 FOR UPDATE`
		if err := tx.GetContext(ctx, &run, query, runID); err != nil {
			if err == sql.ErrNoRows {
				return errors.NewGSDRunNotFoundError(runID.String())
			}
			return errors.NewInternalError("failed to lock gsd run").WithCause(err)
		}

		if !RunAcceptsSummary(&run, organizationID, boardID) {
			return errors.NewGSDRunNotFoundError(runID.String())
		}

		now := r.now().UTC()
		run.MetricsSnapshot = MergeSummary(run.MetricsSnapshot, summary)
		run.UpdatedAt = now

		update := `UPDATE gsd_runs SET metrics_snapshot = $2, updated_at = $3 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, update, run.ID, run.MetricsSnapshot, now); err != nil {
			return errors.NewInternalError("failed to update gsd run").WithCause(err)
		}
		return nil
	})
}

// RunAcceptsSummary reports whether the run belongs to the organization and is unscoped or on the board
func RunAcceptsSummary(run *types.GSDRun, organizationID, boardID uuid.UUID) bool {
	if run.OrganizationID != organizationID {
		return false
	}
	return run.BoardID == nil || *run.BoardID == boardID
}

// MergeSummary overwrites the recovery counters in a snapshot, keeping other keys
func MergeSummary(snapshot types.MetricsSnapshot, summary recovery.SummaryCounts) types.MetricsSnapshot {
	out := make(types.MetricsSnapshot, len(snapshot)+4)
	for k, v := range snapshot {
		out[k] = v
	}
	out[SnapshotIncidentsTotal] = float64(nonNegative(summary.Total))
	out[SnapshotIncidentsRecovered] = float64(nonNegative(summary.Recovered))
	out[SnapshotIncidentsFailed] = float64(nonNegative(summary.Failed))
	out[SnapshotIncidentsSuppressed] = float64(nonNegative(summary.Suppressed))
	return out
}

func nonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// ContinuityStore satisfies continuity.Store from the individual repositories
type ContinuityStore struct {
	*BoardRepository
	*AgentRepository
	*GatewayRepository
}

// Repositories groups every repository over one connection
type Repositories struct {
	Boards    *BoardRepository
	Gateways  *GatewayRepository
	Agents    *AgentRepository
	Policies  *PolicyRepository
	Incidents *IncidentRepository
	Runs      *GSDRunRepository
}

// NewRepositories builds all repositories over db
func NewRepositories(db *DB) *Repositories {
	return &Repositories{
		Boards:    NewBoardRepository(db),
		Gateways:  NewGatewayRepository(db),
		Agents:    NewAgentRepository(db),
		Policies:  NewPolicyRepository(db),
		Incidents: NewIncidentRepository(db),
		Runs:      NewGSDRunRepository(db),
	}
}

// Continuity returns the store used by the continuity service
func (r *Repositories) Continuity() *ContinuityStore {
	return &ContinuityStore{BoardRepository: r.Boards, AgentRepository: r.Agents, GatewayRepository: r.Gateways}
}
