package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kr8tiv/mission-control/internal/alerts/channels"
	"github.com/kr8tiv/mission-control/internal/continuity"
	"github.com/kr8tiv/mission-control/internal/recovery"
	"github.com/kr8tiv/mission-control/pkg/config"
	apperrors "github.com/kr8tiv/mission-control/pkg/errors"
	"github.com/kr8tiv/mission-control/pkg/metrics"
	"github.com/kr8tiv/mission-control/pkg/types"
)

type mockRecoveryService struct {
	mock.Mock
}

func (m *mockRecoveryService) GetPolicy(ctx context.Context, organizationID uuid.UUID) (*types.RecoveryPolicy, error) {
	args := m.Called(ctx, organizationID)
	policy, _ := args.Get(0).(*types.RecoveryPolicy)
	return policy, args.Error(1)
}

func (m *mockRecoveryService) UpdatePolicy(ctx context.Context, organizationID uuid.UUID, update recovery.PolicyUpdate) (*types.RecoveryPolicy, error) {
	args := m.Called(ctx, organizationID, update)
	policy, _ := args.Get(0).(*types.RecoveryPolicy)
	return policy, args.Error(1)
}

func (m *mockRecoveryService) ListIncidents(ctx context.Context, organizationID uuid.UUID, boardID *uuid.UUID, limit int) ([]*types.RecoveryIncident, error) {
	args := m.Called(ctx, organizationID, boardID, limit)
	incidents, _ := args.Get(0).([]*types.RecoveryIncident)
	return incidents, args.Error(1)
}

func (m *mockRecoveryService) RunNow(ctx context.Context, organizationID, boardID uuid.UUID, force bool, gsdRunID *uuid.UUID) (*recovery.RunSummary, error) {
	args := m.Called(ctx, organizationID, boardID, force, gsdRunID)
	summary, _ := args.Get(0).(*recovery.RunSummary)
	return summary, args.Error(1)
}

func (m *mockRecoveryService) EnqueueRun(ctx context.Context, organizationID, boardID uuid.UUID, force bool) (*recovery.EnqueuedRun, error) {
	args := m.Called(ctx, organizationID, boardID, force)
	queued, _ := args.Get(0).(*recovery.EnqueuedRun)
	return queued, args.Error(1)
}

func (m *mockRecoveryService) ContinuitySnapshot(ctx context.Context, organizationID, boardID uuid.UUID) (*continuity.Report, error) {
	args := m.Called(ctx, organizationID, boardID)
	report, _ := args.Get(0).(*continuity.Report)
	return report, args.Error(1)
}

type staticFeed struct {
	items []channels.UIAlert
	limit int64
}

func (f *staticFeed) Recent(ctx context.Context, organizationID string, limit int64) ([]channels.UIAlert, error) {
	f.limit = limit
	return f.items, nil
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) Health(ctx context.Context) error { return f(ctx) }

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{CORSOrigins: []string{"*"}},
		Logging: config.LoggingConfig{Level: "info"},
		Metrics: config.MetricsConfig{Path: "/metrics"},
	}
}

func newTestRouter(svc RecoveryService, feed AlertFeed) *gin.Engine {
	return NewRouter(testConfig(), Dependencies{
		Recovery: svc,
		Alerts:   feed,
		Metrics:  metrics.NewMetrics(metrics.DefaultConfig()),
	})
}

func doRequest(t *testing.T, router http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp APIResponse
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
	}
	return w, resp
}

func recoveryPath(orgID uuid.UUID, suffix string) string {
	return "/api/v1/organizations/" + orgID.String() + "/runtime/recovery" + suffix
}

func TestGetPolicy(t *testing.T) {
	svc := new(mockRecoveryService)
	router := newTestRouter(svc, nil)
	orgID := uuid.New()

	policy := &types.RecoveryPolicy{ID: uuid.New(), OrganizationID: orgID, Enabled: true, CooldownSeconds: 900}
	svc.On("GetPolicy", mock.Anything, orgID).Return(policy, nil)

	w, resp := doRequest(t, router, http.MethodGet, recoveryPath(orgID, "/policy"), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(900), data["cooldown_seconds"])
	svc.AssertExpectations(t)
}

func TestGetPolicy_InvalidOrganization(t *testing.T) {
	svc := new(mockRecoveryService)
	router := newTestRouter(svc, nil)

	w, resp := doRequest(t, router, http.MethodGet, "/api/v1/organizations/not-a-uuid/runtime/recovery/policy", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "BAD_REQUEST", resp.Error.Code)
	svc.AssertNotCalled(t, "GetPolicy", mock.Anything, mock.Anything)
}

func TestGetPolicy_UnknownOrganization(t *testing.T) {
	svc := new(mockRecoveryService)
	router := newTestRouter(svc, nil)
	orgID := uuid.New()

	svc.On("GetPolicy", mock.Anything, orgID).Return(nil, apperrors.NewOrganizationNotFoundError(orgID.String()))

	w, resp := doRequest(t, router, http.MethodGet, recoveryPath(orgID, "/policy"), nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "ORGANIZATION_NOT_FOUND", resp.Error.Code)
}

func TestUpdatePolicy(t *testing.T) {
	svc := new(mockRecoveryService)
	router := newTestRouter(svc, nil)
	orgID := uuid.New()

	cooldown := 60
	update := recovery.PolicyUpdate{CooldownSeconds: &cooldown}
	svc.On("UpdatePolicy", mock.Anything, orgID, update).
		Return(&types.RecoveryPolicy{OrganizationID: orgID, CooldownSeconds: 60}, nil)

	w, resp := doRequest(t, router, http.MethodPut, recoveryPath(orgID, "/policy"), map[string]int{"cooldown_seconds": 60})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
	svc.AssertExpectations(t)
}

func TestUpdatePolicy_MalformedBody(t *testing.T) {
	svc := new(mockRecoveryService)
	router := newTestRouter(svc, nil)
	orgID := uuid.New()

	req := httptest.NewRequest(http.MethodPut, recoveryPath(orgID, "/policy"), bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	svc.AssertNotCalled(t, "UpdatePolicy", mock.Anything, mock.Anything, mock.Anything)
}

func TestListIncidents(t *testing.T) {
	orgID := uuid.New()
	boardID := uuid.New()

	t.Run("defaults", func(t *testing.T) {
		svc := new(mockRecoveryService)
		router := newTestRouter(svc, nil)
		svc.On("ListIncidents", mock.Anything, orgID, (*uuid.UUID)(nil), recovery.DefaultIncidentLimit).Return(nil, nil)

		w, resp := doRequest(t, router, http.MethodGet, recoveryPath(orgID, "/incidents"), nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []interface{}{}, resp.Data)
		svc.AssertExpectations(t)
	})

	t.Run("board filter and limit", func(t *testing.T) {
		svc := new(mockRecoveryService)
		router := newTestRouter(svc, nil)
		incident := &types.RecoveryIncident{ID: uuid.New(), OrganizationID: orgID, BoardID: &boardID, Status: types.IncidentStatusRecovered}
		svc.On("ListIncidents", mock.Anything, orgID, &boardID, 5).Return([]*types.RecoveryIncident{incident}, nil)

		w, resp := doRequest(t, router, http.MethodGet, recoveryPath(orgID, "/incidents?board_id="+boardID.String()+"&limit=5"), nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, resp.Data, 1)
		svc.AssertExpectations(t)
	})

	t.Run("invalid limit", func(t *testing.T) {
		svc := new(mockRecoveryService)
		router := newTestRouter(svc, nil)

		w, _ := doRequest(t, router, http.MethodGet, recoveryPath(orgID, "/incidents?limit=many"), nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRun(t *testing.T) {
	orgID := uuid.New()
	boardID := uuid.New()

	t.Run("synchronous", func(t *testing.T) {
		svc := new(mockRecoveryService)
		router := newTestRouter(svc, nil)
		gsdRunID := uuid.New()
		summary := &recovery.RunSummary{BoardID: boardID, GeneratedAt: time.Now().UTC(), Total: 1, Recovered: 1,
			Incidents: []*types.RecoveryIncident{{ID: uuid.New(), Status: types.IncidentStatusRecovered}}}
		svc.On("RunNow", mock.Anything, orgID, boardID, true, &gsdRunID).Return(summary, nil)

		path := recoveryPath(orgID, "/run?board_id="+boardID.String()+"&force=true&gsd_run_id="+gsdRunID.String())
		w, resp := doRequest(t, router, http.MethodPost, path, nil)

		assert.Equal(t, http.StatusOK, w.Code)
		data := resp.Data.(map[string]interface{})
		assert.Equal(t, float64(1), data["recovered"])
		svc.AssertExpectations(t)
	})

	t.Run("async", func(t *testing.T) {
		svc := new(mockRecoveryService)
		router := newTestRouter(svc, nil)
		svc.On("EnqueueRun", mock.Anything, orgID, boardID, false).
			Return(&recovery.EnqueuedRun{BoardID: boardID, JobID: "job-1"}, nil)

		w, resp := doRequest(t, router, http.MethodPost, recoveryPath(orgID, "/run?async=1&board_id="+boardID.String()), nil)

		assert.Equal(t, http.StatusAccepted, w.Code)
		data := resp.Data.(map[string]interface{})
		assert.Equal(t, "job-1", data["job_id"])
		svc.AssertNotCalled(t, "RunNow", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("missing board", func(t *testing.T) {
		svc := new(mockRecoveryService)
		router := newTestRouter(svc, nil)

		w, _ := doRequest(t, router, http.MethodPost, recoveryPath(orgID, "/run"), nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid force", func(t *testing.T) {
		svc := new(mockRecoveryService)
		router := newTestRouter(svc, nil)

		w, _ := doRequest(t, router, http.MethodPost, recoveryPath(orgID, "/run?board_id="+boardID.String()+"&force=maybe"), nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("board outside organization", func(t *testing.T) {
		svc := new(mockRecoveryService)
		router := newTestRouter(svc, nil)
		svc.On("RunNow", mock.Anything, orgID, boardID, false, (*uuid.UUID)(nil)).
			Return(nil, apperrors.NewBoardNotFoundError(boardID.String()))

		w, resp := doRequest(t, router, http.MethodPost, recoveryPath(orgID, "/run?board_id="+boardID.String()), nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "BOARD_NOT_FOUND", resp.Error.Code)
	})

	t.Run("unexpected error", func(t *testing.T) {
		svc := new(mockRecoveryService)
		router := newTestRouter(svc, nil)
		svc.On("RunNow", mock.Anything, orgID, boardID, false, (*uuid.UUID)(nil)).Return(nil, errors.New("boom"))

		w, resp := doRequest(t, router, http.MethodPost, recoveryPath(orgID, "/run?board_id="+boardID.String()), nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "UNKNOWN_ERROR", resp.Error.Code)
	})
}

func TestContinuity(t *testing.T) {
	svc := new(mockRecoveryService)
	router := newTestRouter(svc, nil)
	orgID := uuid.New()
	boardID := uuid.New()

	report := &continuity.Report{BoardID: boardID}
	svc.On("ContinuitySnapshot", mock.Anything, orgID, boardID).Return(report, nil)

	w, resp := doRequest(t, router, http.MethodGet, recoveryPath(orgID, "/continuity?board_id="+boardID.String()), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
	svc.AssertExpectations(t)
}

func TestAlerts(t *testing.T) {
	orgID := uuid.New()

	t.Run("not mounted without a feed", func(t *testing.T) {
		router := newTestRouter(new(mockRecoveryService), nil)

		w, resp := doRequest(t, router, http.MethodGet, recoveryPath(orgID, "/alerts"), nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
		require.NotNil(t, resp.Error)
	})

	t.Run("lists recent alerts", func(t *testing.T) {
		feed := &staticFeed{items: []channels.UIAlert{{Message: "agent recovered"}}}
		router := newTestRouter(new(mockRecoveryService), feed)

		w, resp := doRequest(t, router, http.MethodGet, recoveryPath(orgID, "/alerts?limit=10"), nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, resp.Data, 1)
		assert.Equal(t, int64(10), feed.limit)
	})
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		router := NewRouter(testConfig(), Dependencies{
			Recovery: new(mockRecoveryService),
			Health: map[string]HealthChecker{
				"database": healthFunc(func(ctx context.Context) error { return nil }),
			},
		})

		w, _ := doRequest(t, router, http.MethodGet, "/health", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		var body HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body.Checks["database"].Status)
	})

	t.Run("dependency down", func(t *testing.T) {
		router := NewRouter(testConfig(), Dependencies{
			Recovery: new(mockRecoveryService),
			Health: map[string]HealthChecker{
				"redis": healthFunc(func(ctx context.Context) error { return errors.New("connection refused") }),
			},
		})

		w, _ := doRequest(t, router, http.MethodGet, "/health", nil)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		var body HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "connection refused", body.Checks["redis"].Message)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(new(mockRecoveryService), nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCorrelationIDPropagated(t *testing.T) {
	router := newTestRouter(new(mockRecoveryService), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "corr-123", w.Header().Get("X-Correlation-ID"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestPanicRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.GET("/panic", func(c *gin.Context) { panic("boom") })

	w, resp := doRequest(t, router, http.MethodGet, "/panic", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
}
