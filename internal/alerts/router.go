package alerts

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kr8tiv/mission-control/pkg/metrics"
	"github.com/kr8tiv/mission-control/pkg/types"
)

// Sender delivers a rendered alert to one channel
type Sender interface {
	Send(ctx context.Context, incident *types.RecoveryIncident, message string) (bool, error)
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, incident *types.RecoveryIncident, message string) (bool, error)

// Send calls f
func (f SenderFunc) Send(ctx context.Context, incident *types.RecoveryIncident, message string) (bool, error) {
	return f(ctx, incident, message)
}

// Result describes one routing attempt
type Result struct {
	Channel           Channel   `json:"channel"`
	Delivered         bool      `json:"delivered"`
	AttemptedChannels []Channel `json:"attempted_channels"`
	Message           string    `json:"message"`
}

// Router routes incident alerts telegram, then whatsapp, then the ui fallback
type Router struct {
	telegram Sender
	whatsapp Sender
	ui       Sender
	phase    string
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithTelegram sets the telegram sender
func WithTelegram(s Sender) RouterOption {
	return func(r *Router) { r.telegram = s }
}

// WithWhatsApp sets the whatsapp sender
func WithWhatsApp(s Sender) RouterOption {
	return func(r *Router) { r.whatsapp = s }
}

// WithUI sets the ui sink
func WithUI(s Sender) RouterOption {
	return func(r *Router) { r.ui = s }
}

// WithMetrics counts delivery outcomes per channel
func WithMetrics(m *metrics.Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// NewRouter creates an alert router for the given rollout phase
func NewRouter(phase string, logger *zap.Logger, opts ...RouterOption) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		phase:  strings.ToLower(strings.TrimSpace(phase)),
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route renders the alert and offers it to each eligible channel in order.
// The first delivering channel wins. ui is terminal and its outcome is
// reported as is. With no eligible channel the result is "none".
func (r *Router) Route(ctx context.Context, incident *types.RecoveryIncident, policy *types.RecoveryPolicy) Result {
	message := RenderMessage(incident)
	attempted := make([]Channel, 0, 3)

	if policy.AlertTelegram && IsChannelEnabledForPhase(ChannelTelegram, r.phase) {
		attempted = append(attempted, ChannelTelegram)
		if r.try(ctx, ChannelTelegram, r.telegram, incident, message) {
			return Result{Channel: ChannelTelegram, Delivered: true, AttemptedChannels: attempted, Message: message}
		}
	}

	if policy.AlertWhatsApp && IsChannelEnabledForPhase(ChannelWhatsApp, r.phase) {
		attempted = append(attempted, ChannelWhatsApp)
		if r.try(ctx, ChannelWhatsApp, r.whatsapp, incident, message) {
			return Result{Channel: ChannelWhatsApp, Delivered: true, AttemptedChannels: attempted, Message: message}
		}
	}

	if policy.AlertUI && IsChannelEnabledForPhase(ChannelUI, r.phase) {
		attempted = append(attempted, ChannelUI)
		delivered := r.try(ctx, ChannelUI, r.ui, incident, message)
		return Result{Channel: ChannelUI, Delivered: delivered, AttemptedChannels: attempted, Message: message}
	}

	return Result{Channel: ChannelNone, Delivered: false, AttemptedChannels: attempted, Message: message}
}

func (r *Router) try(ctx context.Context, channel Channel, sender Sender, incident *types.RecoveryIncident, message string) bool {
	if sender == nil {
		r.metrics.RecordAlert(string(channel), false)
		return false
	}

	delivered, err := sender.Send(ctx, incident, message)
	if err != nil {
		r.logger.Warn("recovery.alert.delivery_failed",
			zap.String("channel", string(channel)),
			zap.String("incident_id", incident.ID.String()),
			zap.String("board_id", optionalID(incident.BoardID)),
			zap.String("agent_id", optionalID(incident.AgentID)),
			zap.Error(err))
		delivered = false
	}

	r.metrics.RecordAlert(string(channel), delivered)
	return delivered
}

// RenderMessage renders the owner-facing alert text
func RenderMessage(incident *types.RecoveryIncident) string {
	action := "none"
	if incident.Action != nil && *incident.Action != "" {
		action = *incident.Action
	}

	return fmt.Sprintf(
		"AGENT RECOVERY ALERT\nIncident: %s\nBoard: %s\nAgent: %s\nStatus: %s\nReason: %s\nAction: %s\nAttempts: %d",
		incident.ID,
		optionalID(incident.BoardID),
		optionalID(incident.AgentID),
		incident.Status,
		incident.Reason,
		action,
		incident.Attempts,
	)
}

func optionalID(id *uuid.UUID) string {
	if id == nil {
		return "none"
	}
	return id.String()
}
