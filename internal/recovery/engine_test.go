package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kr8tiv/mission-control/internal/continuity"
	apperrors "github.com/kr8tiv/mission-control/pkg/errors"
	"github.com/kr8tiv/mission-control/pkg/types"
)

type engineFixture struct {
	store     *memStore
	snapshots *fakeSnapshots
	clock     *clock
	board     *types.Board
}

func newEngineFixture() *engineFixture {
	store := newMemStore()
	return &engineFixture{
		store:     store,
		snapshots: newFakeSnapshots(),
		clock:     &clock{now: testNow},
		board:     store.addBoard(uuid.New()),
	}
}

func (f *engineFixture) engine(opts ...EngineOption) *Engine {
	opts = append([]EngineOption{WithEngineClock(f.clock.Now)}, opts...)
	return NewEngine(f.store, f.store, f.store, f.store, f.snapshots, opts...)
}

func (f *engineFixture) policy() *types.RecoveryPolicy {
	policy, _ := f.store.GetOrCreate(context.Background(), f.board.OrganizationID)
	return policy
}

func TestEngine_UnknownBoard(t *testing.T) {
	f := newEngineFixture()

	_, err := f.engine().EvaluateBoard(context.Background(), uuid.New(), EvaluateOptions{})

	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestEngine_DisabledPolicyHasNoSideEffects(t *testing.T) {
	f := newEngineFixture()
	agent := f.store.addAgent(f.board.ID)
	f.snapshots.set(f.board.ID, item(agent.ID, continuity.VerdictUnreachable, continuity.ReasonRuntimeSessionUnreachable))
	f.policy().Enabled = false

	incidents, err := f.engine().EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{})

	require.NoError(t, err)
	assert.Empty(t, incidents)
	assert.Empty(t, f.store.incidents)
	assert.Equal(t, 0, f.snapshots.calls)
}

func TestEngine_AliveAgentsProduceNoIncidents(t *testing.T) {
	f := newEngineFixture()
	f.snapshots.set(f.board.ID,
		item(uuid.New(), continuity.VerdictAlive, continuity.ReasonHealthy),
		item(uuid.New(), continuity.VerdictAlive, continuity.ReasonRuntimeActivityRecent))

	incidents, err := f.engine().EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{})

	require.NoError(t, err)
	assert.Empty(t, incidents)
}

func TestEngine_DefaultActionRecovers(t *testing.T) {
	f := newEngineFixture()
	stale := f.store.addAgent(f.board.ID)
	gone := f.store.addAgent(f.board.ID)
	f.snapshots.set(f.board.ID,
		item(uuid.New(), continuity.VerdictAlive, continuity.ReasonHealthy),
		item(stale.ID, continuity.VerdictStale, continuity.ReasonHeartbeatStale),
		item(gone.ID, continuity.VerdictUnreachable, continuity.ReasonRuntimeSessionUnreachable))

	incidents, err := f.engine().EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{})

	require.NoError(t, err)
	require.Len(t, incidents, 2)
	assert.Equal(t, stale.ID, *incidents[0].AgentID, "incidents follow report order")
	assert.Equal(t, gone.ID, *incidents[1].AgentID)

	for _, incident := range incidents {
		assert.Equal(t, types.IncidentStatusRecovered, incident.Status)
		require.NotNil(t, incident.Action)
		assert.Equal(t, ActionSessionResync, *incident.Action)
		assert.Equal(t, 1, incident.Attempts)
		assert.Nil(t, incident.LastError)
		require.NotNil(t, incident.RecoveredAt)
		assert.Equal(t, testNow, *incident.RecoveredAt)
		assert.Equal(t, testNow, incident.DetectedAt)
		assert.Equal(t, f.board.OrganizationID, incident.OrganizationID)
		assert.Equal(t, f.board.ID, *incident.BoardID)
	}
	assert.Equal(t, continuity.ReasonHeartbeatStale, incidents[0].Reason)
	assert.Len(t, f.store.incidents, 2)
}

func TestEngine_CooldownSuppresses(t *testing.T) {
	f := newEngineFixture()
	agent := f.store.addAgent(f.board.ID)
	f.snapshots.set(f.board.ID, item(agent.ID, continuity.VerdictUnreachable, continuity.ReasonRuntimeSessionUnreachable))
	engine := f.engine()

	first, err := engine.EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, types.IncidentStatusRecovered, first[0].Status)

	f.clock.Advance(299 * time.Second)
	second, err := engine.EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, types.IncidentStatusSuppressed, second[0].Status)
	assert.Equal(t, ReasonCooldownActive, second[0].Reason)
	assert.Nil(t, second[0].Action)
	assert.Equal(t, first[0].Attempts, second[0].Attempts)
}

func TestEngine_CooldownElapsedAttemptsAgain(t *testing.T) {
	f := newEngineFixture()
	agent := f.store.addAgent(f.board.ID)
	f.snapshots.set(f.board.ID, item(agent.ID, continuity.VerdictUnreachable, continuity.ReasonRuntimeSessionUnreachable))
	engine := f.engine()

	_, err := engine.EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{})
	require.NoError(t, err)

	f.clock.Advance(300 * time.Second)
	incidents, err := engine.EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{})

	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, types.IncidentStatusRecovered, incidents[0].Status)
	assert.Equal(t, 2, incidents[0].Attempts)
}

func TestEngine_AttemptLimit(t *testing.T) {
	f := newEngineFixture()
	agent := f.store.addAgent(f.board.ID)
	f.snapshots.set(f.board.ID, item(agent.ID, continuity.VerdictUnreachable, continuity.ReasonRuntimeSessionUnreachable))
	f.policy().MaxRestartsPerHour = 2
	engine := f.engine()

	var last []*types.RecoveryIncident
	for i := 0; i < 3; i++ {
		var err error
		last, err = engine.EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{BypassCooldown: true})
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}

	require.Len(t, last, 1)
	assert.Equal(t, types.IncidentStatusSuppressed, last[0].Status)
	assert.Equal(t, ReasonAttemptLimitExceeded, last[0].Reason)
	assert.Equal(t, 2, last[0].Attempts)
	assert.Nil(t, last[0].Action)

	attempts := 0
	for _, incident := range f.store.incidents {
		if incident.Status.IsAttempt() {
			attempts++
		}
	}
	assert.Equal(t, 2, attempts)
}

func TestEngine_AttemptWindowSlides(t *testing.T) {
	f := newEngineFixture()
	agent := f.store.addAgent(f.board.ID)
	f.snapshots.set(f.board.ID, item(agent.ID, continuity.VerdictUnreachable, continuity.ReasonRuntimeSessionUnreachable))
	f.policy().MaxRestartsPerHour = 1
	engine := f.engine()

	_, err := engine.EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{})
	require.NoError(t, err)

	f.clock.Advance(time.Hour + time.Second)
	incidents, err := engine.EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{})

	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, types.IncidentStatusRecovered, incidents[0].Status)
	assert.Equal(t, 1, incidents[0].Attempts)
}

func TestEngine_ZeroRestartLimitAlwaysSuppresses(t *testing.T) {
	f := newEngineFixture()
	agent := f.store.addAgent(f.board.ID)
	f.snapshots.set(f.board.ID, item(agent.ID, continuity.VerdictStale, continuity.ReasonHeartbeatMissing))
	f.policy().MaxRestartsPerHour = -4

	incidents, err := f.engine().EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{})

	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, ReasonAttemptLimitExceeded, incidents[0].Reason)
	assert.Equal(t, 0, incidents[0].Attempts)
}

func TestEngine_SuppressedIncidentsDoNotCountAsAttempts(t *testing.T) {
	f := newEngineFixture()
	agent := f.store.addAgent(f.board.ID)
	f.snapshots.set(f.board.ID, item(agent.ID, continuity.VerdictUnreachable, continuity.ReasonRuntimeSessionUnreachable))
	f.policy().MaxRestartsPerHour = 2
	f.policy().CooldownSeconds = 600
	engine := f.engine()

	for i := 0; i < 5; i++ {
		_, err := engine.EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{})
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}

	assert.Len(t, f.store.byStatus(types.IncidentStatusRecovered), 1)
	assert.Len(t, f.store.byStatus(types.IncidentStatusSuppressed), 4)
}

func TestEngine_ForceHeartbeatResync(t *testing.T) {
	f := newEngineFixture()
	stale := f.store.addAgent(f.board.ID)
	gone := f.store.addAgent(f.board.ID)
	f.snapshots.set(f.board.ID,
		item(stale.ID, continuity.VerdictStale, continuity.ReasonHeartbeatStale),
		item(gone.ID, continuity.VerdictUnreachable, continuity.ReasonRuntimeSessionUnreachable))

	actionCalls := 0
	engine := f.engine(WithAction(func(ctx context.Context, boardID, agentID uuid.UUID, reason string) (bool, string, error) {
		actionCalls++
		return true, "restart_session", nil
	}))

	incidents, err := engine.EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{ForceHeartbeatResync: true})

	require.NoError(t, err)
	require.Len(t, incidents, 2)
	assert.Equal(t, ActionForcedHeartbeatResync, *incidents[0].Action)
	assert.Equal(t, types.AgentStatusOnline, stale.Status)
	require.NotNil(t, stale.LastSeenAt)
	assert.Equal(t, testNow, *stale.LastSeenAt)

	assert.Equal(t, "restart_session", *incidents[1].Action)
	assert.Equal(t, 1, actionCalls, "unreachable agents go through the injected action")
}

func TestEngine_ForceResyncSkipsAgentsOfOtherBoards(t *testing.T) {
	f := newEngineFixture()
	other := f.store.addBoard(f.board.OrganizationID)
	foreign := f.store.addAgent(other.ID)
	f.snapshots.set(f.board.ID, item(foreign.ID, continuity.VerdictStale, continuity.ReasonHeartbeatMissing))

	incidents, err := f.engine().EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{ForceHeartbeatResync: true})

	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, ActionSessionResync, *incidents[0].Action)
	assert.Equal(t, types.AgentStatusOffline, foreign.Status)
}

func TestEngine_ActionFailures(t *testing.T) {
	f := newEngineFixture()
	erring := f.store.addAgent(f.board.ID)
	refusing := f.store.addAgent(f.board.ID)
	f.snapshots.set(f.board.ID,
		item(erring.ID, continuity.VerdictUnreachable, continuity.ReasonRuntimeUnavailable),
		item(refusing.ID, continuity.VerdictUnreachable, continuity.ReasonRuntimeSessionMissing))

	engine := f.engine(WithAction(func(ctx context.Context, boardID, agentID uuid.UUID, reason string) (bool, string, error) {
		if agentID == erring.ID {
			return false, "", errors.New("gateway refused restart")
		}
		return false, "restart_session", nil
	}))

	incidents, err := engine.EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{})

	require.NoError(t, err)
	require.Len(t, incidents, 2)

	assert.Equal(t, types.IncidentStatusFailed, incidents[0].Status)
	assert.Nil(t, incidents[0].Action)
	require.NotNil(t, incidents[0].LastError)
	assert.Equal(t, "gateway refused restart", *incidents[0].LastError)
	assert.Equal(t, continuity.ReasonRuntimeUnavailable, incidents[0].Reason)
	assert.Equal(t, 1, incidents[0].Attempts)
	assert.Nil(t, incidents[0].RecoveredAt)

	assert.Equal(t, types.IncidentStatusFailed, incidents[1].Status)
	assert.Equal(t, "restart_session", *incidents[1].Action)
	assert.Equal(t, ErrActionReturnedFalse, *incidents[1].LastError)
	assert.Nil(t, incidents[1].RecoveredAt)
}

func TestEngine_FailedAttemptsCountTowardLimit(t *testing.T) {
	f := newEngineFixture()
	agent := f.store.addAgent(f.board.ID)
	f.snapshots.set(f.board.ID, item(agent.ID, continuity.VerdictUnreachable, continuity.ReasonRuntimeSessionUnreachable))
	f.policy().MaxRestartsPerHour = 1

	engine := f.engine(WithAction(func(ctx context.Context, boardID, agentID uuid.UUID, reason string) (bool, string, error) {
		return false, "", errors.New("boom")
	}))

	_, err := engine.EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{BypassCooldown: true})
	require.NoError(t, err)
	incidents, err := engine.EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{BypassCooldown: true})

	require.NoError(t, err)
	assert.Equal(t, ReasonAttemptLimitExceeded, incidents[0].Reason)
	assert.Equal(t, 1, incidents[0].Attempts)
}

func TestEngine_InsertFailureReturnsError(t *testing.T) {
	f := newEngineFixture()
	agent := f.store.addAgent(f.board.ID)
	f.snapshots.set(f.board.ID, item(agent.ID, continuity.VerdictUnreachable, continuity.ReasonRuntimeSessionUnreachable))
	f.store.insertErr = errors.New("connection reset")

	_, err := f.engine().EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{})

	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInternal))
}

func TestEngine_InsertFailureKeepsPersistedIncidents(t *testing.T) {
	f := newEngineFixture()
	a := f.store.addAgent(f.board.ID)
	b := f.store.addAgent(f.board.ID)
	c := f.store.addAgent(f.board.ID)
	f.snapshots.set(f.board.ID,
		item(a.ID, continuity.VerdictUnreachable, continuity.ReasonRuntimeSessionUnreachable),
		item(b.ID, continuity.VerdictUnreachable, continuity.ReasonRuntimeSessionUnreachable),
		item(c.ID, continuity.VerdictStale, continuity.ReasonHeartbeatStale))
	f.store.failInsertOn = 2

	incidents, err := f.engine().EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{})

	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInternal))
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "1", appErr.Details["failed_agents"])

	require.Len(t, incidents, 2)
	assert.Equal(t, a.ID, *incidents[0].AgentID)
	assert.Equal(t, c.ID, *incidents[1].AgentID)
	assert.Len(t, f.store.incidents, 2)
}

func TestEngine_SnapshotErrorPropagates(t *testing.T) {
	f := newEngineFixture()
	f.snapshots.err[f.board.ID] = errors.New("database unavailable")

	_, err := f.engine().EvaluateBoard(context.Background(), f.board.ID, EvaluateOptions{})

	require.Error(t, err)
	assert.Empty(t, f.store.incidents)
}
