package recovery

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kr8tiv/mission-control/internal/alerts"
	"github.com/kr8tiv/mission-control/internal/continuity"
	"github.com/kr8tiv/mission-control/pkg/errors"
	"github.com/kr8tiv/mission-control/pkg/types"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// memStore is an in-memory implementation of the persistence interfaces
type memStore struct {
	mu        sync.Mutex
	boards    []*types.Board
	agents    map[uuid.UUID]*types.Agent
	policies  map[uuid.UUID]*types.RecoveryPolicy
	incidents []*types.RecoveryIncident

	insertErr    error
	failInsertOn int
	insertCalls  int
	listBoardErr error
	policyReads  int
}

func newMemStore() *memStore {
	return &memStore{
		agents:   make(map[uuid.UUID]*types.Agent),
		policies: make(map[uuid.UUID]*types.RecoveryPolicy),
	}
}

func (m *memStore) addBoard(orgID uuid.UUID) *types.Board {
	board := &types.Board{ID: uuid.New(), OrganizationID: orgID, Name: "board"}
	m.boards = append(m.boards, board)
	return board
}

func (m *memStore) addAgent(boardID uuid.UUID) *types.Agent {
	agent := &types.Agent{ID: uuid.New(), BoardID: &boardID, Status: types.AgentStatusOffline}
	m.agents[agent.ID] = agent
	return agent
}

func (m *memStore) GetBoard(ctx context.Context, id uuid.UUID) (*types.Board, error) {
	for _, board := range m.boards {
		if board.ID == id {
			return board, nil
		}
	}
	return nil, errors.NewBoardNotFoundError(id.String())
}

func (m *memStore) ListBoards(ctx context.Context) ([]*types.Board, error) {
	if m.listBoardErr != nil {
		return nil, m.listBoardErr
	}
	return m.boards, nil
}

func (m *memStore) MarkHeartbeatResynced(ctx context.Context, boardID, agentID uuid.UUID, now time.Time) (bool, error) {
	agent, ok := m.agents[agentID]
	if !ok || agent.BoardID == nil || *agent.BoardID != boardID {
		return false, nil
	}
	agent.Status = types.AgentStatusOnline
	agent.LastSeenAt = &now
	agent.UpdatedAt = now
	return true, nil
}

func (m *memStore) GetOrCreate(ctx context.Context, organizationID uuid.UUID) (*types.RecoveryPolicy, error) {
	m.policyReads++
	if policy, ok := m.policies[organizationID]; ok {
		return policy, nil
	}
	policy := types.NewDefaultRecoveryPolicy(organizationID, testNow)
	m.policies[organizationID] = policy
	return policy, nil
}

func (m *memStore) Update(ctx context.Context, organizationID uuid.UUID, update PolicyUpdate) (*types.RecoveryPolicy, error) {
	policy, err := m.GetOrCreate(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	update.Apply(policy, testNow)
	return policy, nil
}

func (m *memStore) Insert(ctx context.Context, incident *types.RecoveryIncident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCalls++
	if m.insertErr != nil {
		return m.insertErr
	}
	if m.failInsertOn > 0 && m.insertCalls == m.failInsertOn {
		return stderrors.New("connection reset")
	}
	m.incidents = append(m.incidents, incident)
	return nil
}

func (m *memStore) Latest(ctx context.Context, agentID uuid.UUID) (*types.RecoveryIncident, error) {
	var latest *types.RecoveryIncident
	for _, incident := range m.incidents {
		if incident.AgentID != nil && *incident.AgentID == agentID {
			if latest == nil || !incident.DetectedAt.Before(latest.DetectedAt) {
				latest = incident
			}
		}
	}
	return latest, nil
}

func (m *memStore) ListSince(ctx context.Context, agentID uuid.UUID, since time.Time) ([]*types.RecoveryIncident, error) {
	var out []*types.RecoveryIncident
	for _, incident := range m.incidents {
		if incident.AgentID != nil && *incident.AgentID == agentID && !incident.DetectedAt.Before(since) {
			out = append(out, incident)
		}
	}
	return out, nil
}

func (m *memStore) FindDuplicate(ctx context.Context, incident *types.RecoveryIncident, since time.Time) (bool, error) {
	for _, other := range m.incidents {
		if other.ID == incident.ID || other.BoardID == nil || other.AgentID == nil {
			continue
		}
		if *other.BoardID == *incident.BoardID && *other.AgentID == *incident.AgentID &&
			other.Status == incident.Status && other.Reason == incident.Reason &&
			!other.DetectedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListRecent(ctx context.Context, organizationID uuid.UUID, boardID *uuid.UUID, limit int) ([]*types.RecoveryIncident, error) {
	var out []*types.RecoveryIncident
	for _, incident := range m.incidents {
		if incident.OrganizationID != organizationID {
			continue
		}
		if boardID != nil && (incident.BoardID == nil || *incident.BoardID != *boardID) {
			continue
		}
		out = append(out, incident)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) byStatus(status types.IncidentStatus) []*types.RecoveryIncident {
	var out []*types.RecoveryIncident
	for _, incident := range m.incidents {
		if incident.Status == status {
			out = append(out, incident)
		}
	}
	return out
}

// fakeSnapshots returns fixed continuity items per board
type fakeSnapshots struct {
	items map[uuid.UUID][]continuity.Item
	err   map[uuid.UUID]error
	calls int
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{items: make(map[uuid.UUID][]continuity.Item), err: make(map[uuid.UUID]error)}
}

func (f *fakeSnapshots) set(boardID uuid.UUID, items ...continuity.Item) {
	f.items[boardID] = items
}

func (f *fakeSnapshots) SnapshotForBoard(ctx context.Context, boardID uuid.UUID) (*continuity.Report, error) {
	f.calls++
	if err := f.err[boardID]; err != nil {
		return nil, err
	}
	return &continuity.Report{BoardID: boardID, GeneratedAt: testNow, Agents: f.items[boardID]}, nil
}

func item(agentID uuid.UUID, verdict continuity.Verdict, reason string) continuity.Item {
	return continuity.Item{AgentID: agentID, Continuity: verdict, ContinuityReason: reason}
}

// fakeRouter records routed incidents
type fakeRouter struct {
	delivered bool
	routed    []*types.RecoveryIncident
}

func (r *fakeRouter) Route(ctx context.Context, incident *types.RecoveryIncident, policy *types.RecoveryPolicy) alerts.Result {
	r.routed = append(r.routed, incident)
	channel := alerts.ChannelUI
	return alerts.Result{Channel: channel, Delivered: r.delivered, AttemptedChannels: []alerts.Channel{channel}}
}

// fakeEvidence records summaries pushed to rollout evidence runs
type fakeEvidence struct {
	runs     map[uuid.UUID]uuid.UUID
	recorded map[uuid.UUID]SummaryCounts
}

func (f *fakeEvidence) RecordRecoverySummary(ctx context.Context, organizationID, boardID, runID uuid.UUID, summary SummaryCounts) error {
	if org, ok := f.runs[runID]; !ok || org != organizationID {
		return errors.NewGSDRunNotFoundError(runID.String())
	}
	if f.recorded == nil {
		f.recorded = make(map[uuid.UUID]SummaryCounts)
	}
	f.recorded[runID] = summary
	return nil
}

// fakeJobs records enqueued runs
type fakeJobs struct {
	boards []uuid.UUID
	forced []bool
}

func (f *fakeJobs) EnqueueEvaluateBoard(ctx context.Context, organizationID, boardID uuid.UUID, force bool) (string, error) {
	f.boards = append(f.boards, boardID)
	f.forced = append(f.forced, force)
	return "job-1", nil
}
