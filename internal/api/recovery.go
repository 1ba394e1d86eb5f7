package api

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kr8tiv/mission-control/internal/alerts/channels"
	"github.com/kr8tiv/mission-control/internal/continuity"
	"github.com/kr8tiv/mission-control/internal/recovery"
	"github.com/kr8tiv/mission-control/pkg/types"
)

// RecoveryService is the operator surface the handlers call into
type RecoveryService interface {
	GetPolicy(ctx context.Context, organizationID uuid.UUID) (*types.RecoveryPolicy, error)
	UpdatePolicy(ctx context.Context, organizationID uuid.UUID, update recovery.PolicyUpdate) (*types.RecoveryPolicy, error)
	ListIncidents(ctx context.Context, organizationID uuid.UUID, boardID *uuid.UUID, limit int) ([]*types.RecoveryIncident, error)
	RunNow(ctx context.Context, organizationID, boardID uuid.UUID, force bool, gsdRunID *uuid.UUID) (*recovery.RunSummary, error)
	EnqueueRun(ctx context.Context, organizationID, boardID uuid.UUID, force bool) (*recovery.EnqueuedRun, error)
	ContinuitySnapshot(ctx context.Context, organizationID, boardID uuid.UUID) (*continuity.Report, error)
}

// AlertFeed lists recent in-app owner alerts
type AlertFeed interface {
	Recent(ctx context.Context, organizationID string, limit int64) ([]channels.UIAlert, error)
}

// RecoveryHandler serves the runtime recovery endpoints of an organization
type RecoveryHandler struct {
	service RecoveryService
	alerts  AlertFeed
}

// NewRecoveryHandler creates a recovery handler. alerts may be nil.
func NewRecoveryHandler(service RecoveryService, alerts AlertFeed) *RecoveryHandler {
	return &RecoveryHandler{service: service, alerts: alerts}
}

// Register mounts the handlers on an /organizations/:org_id/runtime/recovery group
func (h *RecoveryHandler) Register(group *gin.RouterGroup) {
	group.GET("/policy", h.GetPolicy)
	group.PUT("/policy", h.UpdatePolicy)
	group.GET("/incidents", h.ListIncidents)
	group.POST("/run", h.Run)
	group.GET("/continuity", h.Continuity)
	if h.alerts != nil {
		group.GET("/alerts", h.ListAlerts)
	}
}

// GetPolicy returns the organization's policy, creating defaults on first read
func (h *RecoveryHandler) GetPolicy(c *gin.Context) {
	orgID, ok := uuidParam(c, "org_id")
	if !ok {
		return
	}

	policy, err := h.service.GetPolicy(c.Request.Context(), orgID)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, policy)
}

// UpdatePolicy applies a partial policy update
func (h *RecoveryHandler) UpdatePolicy(c *gin.Context) {
	orgID, ok := uuidParam(c, "org_id")
	if !ok {
		return
	}

	var update recovery.PolicyUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		BadRequestResponse(c, "Invalid policy update: "+err.Error())
		return
	}

	policy, err := h.service.UpdatePolicy(c.Request.Context(), orgID, update)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, policy)
}

// ListIncidents returns recent incidents newest first
func (h *RecoveryHandler) ListIncidents(c *gin.Context) {
	orgID, ok := uuidParam(c, "org_id")
	if !ok {
		return
	}
	boardID, ok := optionalUUIDQuery(c, "board_id")
	if !ok {
		return
	}
	limit, ok := intQuery(c, "limit", recovery.DefaultIncidentLimit)
	if !ok {
		return
	}

	incidents, err := h.service.ListIncidents(c.Request.Context(), orgID, boardID, limit)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	if incidents == nil {
		incidents = []*types.RecoveryIncident{}
	}
	SuccessResponse(c, incidents)
}

// Run evaluates a board now, or queues the evaluation when async is set
func (h *RecoveryHandler) Run(c *gin.Context) {
	orgID, ok := uuidParam(c, "org_id")
	if !ok {
		return
	}
	boardID, ok := requiredUUIDQuery(c, "board_id")
	if !ok {
		return
	}
	force, ok := boolQuery(c, "force")
	if !ok {
		return
	}
	async, ok := boolQuery(c, "async")
	if !ok {
		return
	}
	gsdRunID, ok := optionalUUIDQuery(c, "gsd_run_id")
	if !ok {
		return
	}

	if async {
		if gsdRunID != nil {
			BadRequestResponse(c, "gsd_run_id is not supported for async runs")
			return
		}
		queued, err := h.service.EnqueueRun(c.Request.Context(), orgID, boardID, force)
		if err != nil {
			ErrorResponseFromError(c, err)
			return
		}
		AcceptedResponse(c, queued)
		return
	}

	summary, err := h.service.RunNow(c.Request.Context(), orgID, boardID, force, gsdRunID)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, summary)
}

// Continuity returns the live continuity report of a board
func (h *RecoveryHandler) Continuity(c *gin.Context) {
	orgID, ok := uuidParam(c, "org_id")
	if !ok {
		return
	}
	boardID, ok := requiredUUIDQuery(c, "board_id")
	if !ok {
		return
	}

	report, err := h.service.ContinuitySnapshot(c.Request.Context(), orgID, boardID)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, report)
}

// ListAlerts returns the organization's recent in-app alerts
func (h *RecoveryHandler) ListAlerts(c *gin.Context) {
	orgID, ok := uuidParam(c, "org_id")
	if !ok {
		return
	}
	limit, ok := intQuery(c, "limit", 50)
	if !ok {
		return
	}

	items, err := h.alerts.Recent(c.Request.Context(), orgID.String(), int64(limit))
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	if items == nil {
		items = []channels.UIAlert{}
	}
	SuccessResponse(c, items)
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		BadRequestResponse(c, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func requiredUUIDQuery(c *gin.Context, name string) (uuid.UUID, bool) {
	raw := c.Query(name)
	if raw == "" {
		BadRequestResponse(c, name+" is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		BadRequestResponse(c, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func optionalUUIDQuery(c *gin.Context, name string) (*uuid.UUID, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		BadRequestResponse(c, "Invalid "+name)
		return nil, false
	}
	return &id, true
}

func intQuery(c *gin.Context, name string, fallback int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		BadRequestResponse(c, "Invalid "+name)
		return 0, false
	}
	return value, true
}

func boolQuery(c *gin.Context, name string) (bool, bool) {
	raw := c.Query(name)
	if raw == "" {
		return false, true
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		BadRequestResponse(c, "Invalid "+name)
		return false, false
	}
	return value, true
}
