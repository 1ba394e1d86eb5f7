package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kr8tiv/mission-control/pkg/types"
)

const (
	// UIAlertChannel is the pub/sub channel dashboards subscribe to
	UIAlertChannel    = "recovery:alerts"
	uiAlertListKey    = "recovery:alerts:ui:"
	defaultUIListSize = 200
)

// UIAlert is the record stored for the operator dashboard
type UIAlert struct {
	IncidentID     string    `json:"incident_id"`
	OrganizationID string    `json:"organization_id"`
	BoardID        string    `json:"board_id,omitempty"`
	AgentID        string    `json:"agent_id,omitempty"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}

// UISink stores alerts in a capped per-organization Redis list and publishes them
type UISink struct {
	client   redis.Cmdable
	listSize int64
	logger   *zap.Logger
	now      func() time.Time
}

// NewUISink creates a ui sink. A nil client disables it.
func NewUISink(client redis.Cmdable, listSize int, logger *zap.Logger) *UISink {
	if listSize <= 0 {
		listSize = defaultUIListSize
	}
	return &UISink{
		client:   client,
		listSize: int64(listSize),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ListKey returns the Redis list holding an organization's ui alerts
func ListKey(organizationID string) string {
	return uiAlertListKey + organizationID
}

// Send pushes the alert and publishes it in one transaction
func (s *UISink) Send(ctx context.Context, incident *types.RecoveryIncident, message string) (bool, error) {
	if s.client == nil {
		return false, nil
	}

	alert := UIAlert{
		IncidentID:     incident.ID.String(),
		OrganizationID: incident.OrganizationID.String(),
		Status:         string(incident.Status),
		Reason:         incident.Reason,
		Message:        message,
		CreatedAt:      s.now(),
	}
	if incident.BoardID != nil {
		alert.BoardID = incident.BoardID.String()
	}
	if incident.AgentID != nil {
		alert.AgentID = incident.AgentID.String()
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return false, fmt.Errorf("failed to marshal ui alert: %w", err)
	}

	key := ListKey(alert.OrganizationID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, s.listSize-1)
		pipe.Publish(ctx, UIAlertChannel, data)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to store ui alert: %w", err)
	}

	s.logger.Debug("Stored ui recovery alert",
		zap.String("incident_id", alert.IncidentID),
		zap.String("key", key))

	return true, nil
}

// Recent returns an organization's newest ui alerts
func (s *UISink) Recent(ctx context.Context, organizationID string, limit int64) ([]UIAlert, error) {
	if s.client == nil {
		return []UIAlert{}, nil
	}
	if limit <= 0 || limit > s.listSize {
		limit = s.listSize
	}

	raw, err := s.client.LRange(ctx, ListKey(organizationID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ui alerts: %w", err)
	}

	alerts := make([]UIAlert, 0, len(raw))
	for _, item := range raw {
		var alert UIAlert
		if err := json.Unmarshal([]byte(item), &alert); err != nil {
			s.logger.Warn("Skipping malformed ui alert", zap.Error(err))
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}
