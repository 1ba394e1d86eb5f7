package continuity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kr8tiv/mission-control/pkg/errors"
	"github.com/kr8tiv/mission-control/pkg/types"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetBoard(ctx context.Context, id uuid.UUID) (*types.Board, error) {
	args := m.Called(ctx, id)
	if board, ok := args.Get(0).(*types.Board); ok {
		return board, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) ListAgentsByBoard(ctx context.Context, boardID uuid.UUID) ([]*types.Agent, error) {
	args := m.Called(ctx, boardID)
	agents, _ := args.Get(0).([]*types.Agent)
	return agents, args.Error(1)
}

func (m *MockStore) GetGateway(ctx context.Context, id uuid.UUID) (*types.Gateway, error) {
	args := m.Called(ctx, id)
	if gateway, ok := args.Get(0).(*types.Gateway); ok {
		return gateway, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) FetchRuntimeSessions(ctx context.Context, gateway *types.Gateway) (RuntimeSessions, error) {
	args := m.Called(ctx, gateway)
	sessions, _ := args.Get(0).(RuntimeSessions)
	return sessions, args.Error(1)
}

func newTestService(store Store, fetcher SessionFetcher) *Service {
	return NewService(store, fetcher, NewClassifier(15*time.Minute), WithClock(func() time.Time { return testNow }))
}

func TestService_SnapshotForBoard(t *testing.T) {
	ctx := context.Background()
	gatewayID := uuid.New()
	board := &types.Board{ID: uuid.New(), OrganizationID: uuid.New(), GatewayID: &gatewayID}
	gateway := &types.Gateway{ID: gatewayID, URL: "http://gateway.local"}
	agents := []*types.Agent{
		agentSeen("alive", "sess-a", time.Minute),
		agentSeen("gone", "sess-x", time.Minute),
	}

	store := new(MockStore)
	store.On("GetBoard", ctx, board.ID).Return(board, nil)
	store.On("ListAgentsByBoard", ctx, board.ID).Return(agents, nil)
	store.On("GetGateway", ctx, gatewayID).Return(gateway, nil)

	fetcher := new(MockFetcher)
	fetcher.On("FetchRuntimeSessions", ctx, gateway).Return(SessionKeys("sess-a"), nil)

	report, err := newTestService(store, fetcher).SnapshotForBoard(ctx, board.ID)

	require.NoError(t, err)
	assert.Nil(t, report.RuntimeError)
	assert.Equal(t, 1, report.Counts[VerdictAlive])
	assert.Equal(t, 1, report.Counts[VerdictUnreachable])
	assert.Equal(t, testNow, report.GeneratedAt)
	store.AssertExpectations(t)
	fetcher.AssertExpectations(t)
}

func TestService_SnapshotForBoard_UnknownBoard(t *testing.T) {
	ctx := context.Background()
	boardID := uuid.New()

	store := new(MockStore)
	store.On("GetBoard", ctx, boardID).Return(nil, apperrors.NewBoardNotFoundError(boardID.String()))

	_, err := newTestService(store, new(MockFetcher)).SnapshotForBoard(ctx, boardID)

	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestService_SnapshotForBoard_NoGateway(t *testing.T) {
	ctx := context.Background()
	board := &types.Board{ID: uuid.New(), OrganizationID: uuid.New()}

	store := new(MockStore)
	store.On("GetBoard", ctx, board.ID).Return(board, nil)
	store.On("ListAgentsByBoard", ctx, board.ID).Return([]*types.Agent{agentSeen("a", "sess-a", time.Minute)}, nil)
	fetcher := new(MockFetcher)

	report, err := newTestService(store, fetcher).SnapshotForBoard(ctx, board.ID)

	require.NoError(t, err)
	require.NotNil(t, report.RuntimeError)
	assert.Equal(t, GatewayNotConfigured, *report.RuntimeError)
	assert.Equal(t, ReasonRuntimeUnavailable, report.Agents[0].ContinuityReason)
	fetcher.AssertNotCalled(t, "FetchRuntimeSessions", mock.Anything, mock.Anything)
}

func TestService_SnapshotForBoard_GatewayRowMissing(t *testing.T) {
	ctx := context.Background()
	gatewayID := uuid.New()
	board := &types.Board{ID: uuid.New(), GatewayID: &gatewayID}

	store := new(MockStore)
	store.On("GetBoard", ctx, board.ID).Return(board, nil)
	store.On("ListAgentsByBoard", ctx, board.ID).Return([]*types.Agent{}, nil)
	store.On("GetGateway", ctx, gatewayID).Return(nil, apperrors.NewNotFoundError("gateway"))

	report, err := newTestService(store, new(MockFetcher)).SnapshotForBoard(ctx, board.ID)

	require.NoError(t, err)
	require.NotNil(t, report.RuntimeError)
	assert.Equal(t, GatewayNotConfigured, *report.RuntimeError)
}

func TestService_SnapshotForBoard_GatewayErrorIsData(t *testing.T) {
	ctx := context.Background()
	gatewayID := uuid.New()
	board := &types.Board{ID: uuid.New(), GatewayID: &gatewayID}
	gateway := &types.Gateway{ID: gatewayID}

	store := new(MockStore)
	store.On("GetBoard", ctx, board.ID).Return(board, nil)
	store.On("ListAgentsByBoard", ctx, board.ID).Return([]*types.Agent{
		agentSeen("a", "sess-a", time.Minute),
		agentSeen("b", "", -1),
	}, nil)
	store.On("GetGateway", ctx, gatewayID).Return(gateway, nil)

	fetcher := new(MockFetcher)
	fetcher.On("FetchRuntimeSessions", ctx, gateway).Return(nil, errors.New("gateway timeout"))

	report, err := newTestService(store, fetcher).SnapshotForBoard(ctx, board.ID)

	require.NoError(t, err)
	require.NotNil(t, report.RuntimeError)
	assert.Equal(t, "gateway timeout", *report.RuntimeError)
	assert.Equal(t, 2, report.Counts[VerdictUnreachable])
	for _, item := range report.Agents {
		assert.False(t, item.RuntimeReachable)
		assert.Equal(t, ReasonRuntimeUnavailable, item.ContinuityReason)
	}
}
