package continuity

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kr8tiv/mission-control/pkg/errors"
	"github.com/kr8tiv/mission-control/pkg/logging"
	"github.com/kr8tiv/mission-control/pkg/metrics"
	"github.com/kr8tiv/mission-control/pkg/types"
)

// GatewayNotConfigured is the runtime error reported for boards without a gateway
const GatewayNotConfigured = "Board gateway is not configured."

// Store is the read access the snapshot service needs
type Store interface {
	GetBoard(ctx context.Context, id uuid.UUID) (*types.Board, error)
	// ListAgentsByBoard returns the board's agents ordered by creation time
	ListAgentsByBoard(ctx context.Context, boardID uuid.UUID) ([]*types.Agent, error)
	GetGateway(ctx context.Context, id uuid.UUID) (*types.Gateway, error)
}

// SessionFetcher returns the live runtime sessions of a gateway
type SessionFetcher interface {
	FetchRuntimeSessions(ctx context.Context, gateway *types.Gateway) (RuntimeSessions, error)
}

// Service builds board continuity reports against live state
type Service struct {
	store      Store
	fetcher    SessionFetcher
	classifier Classifier
	metrics    *metrics.Metrics
	logger     *logging.Logger
	now        func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics publishes per-board verdict gauges
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger overrides the global logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a continuity snapshot service
func NewService(store Store, fetcher SessionFetcher, classifier Classifier, opts ...Option) *Service {
	s := &Service{
		store:      store,
		fetcher:    fetcher,
		classifier: classifier,
		logger:     logging.GetLogger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SnapshotForBoard classifies every agent on the board. Gateway failures are
// reported in Report.RuntimeError and never returned as errors.
func (s *Service) SnapshotForBoard(ctx context.Context, boardID uuid.UUID) (*Report, error) {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}

	agents, err := s.store.ListAgentsByBoard(ctx, board.ID)
	if err != nil {
		return nil, err
	}

	sessions, runtimeErr := s.runtimeSessions(ctx, board)

	report := s.classifier.BuildReport(board.ID, agents, sessions, runtimeErr, s.now())
	s.metrics.UpdateContinuity(board.ID.String(), report.CountsByName())
	return &report, nil
}

func (s *Service) runtimeSessions(ctx context.Context, board *types.Board) (RuntimeSessions, *string) {
	notConfigured := GatewayNotConfigured

	if board.GatewayID == nil {
		return nil, &notConfigured
	}

	gateway, err := s.store.GetGateway(ctx, *board.GatewayID)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, &notConfigured
		}
		msg := err.Error()
		return nil, &msg
	}

	sessions, err := s.fetcher.FetchRuntimeSessions(ctx, gateway)
	if err != nil {
		s.logger.Warn("continuity.runtime_sessions.unavailable",
			"board_id", board.ID.String(),
			"gateway_id", gateway.ID.String(),
			"error", err.Error(),
		)
		msg := err.Error()
		return nil, &msg
	}
	return sessions, nil
}
