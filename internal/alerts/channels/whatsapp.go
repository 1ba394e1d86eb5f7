package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/kr8tiv/mission-control/pkg/types"
)

const (
	whatsAppIssuer   = "mission-control"
	whatsAppTokenTTL = 5 * time.Minute
)

// WhatsAppSender posts alerts to a WhatsApp bridge webhook. Requests carry a
// short-lived HS256 token signed with the shared webhook secret.
type WhatsAppSender struct {
	webhookURL string
	secret     []byte
	recipient  string
	logger     *zap.Logger
	httpClient *http.Client
	now        func() time.Time
}

// WebhookClaims identifies the incident an alert request belongs to
type WebhookClaims struct {
	IncidentID string `json:"incident_id"`
	jwt.RegisteredClaims
}

type whatsAppPayload struct {
	To         string `json:"to,omitempty"`
	Text       string `json:"text"`
	IncidentID string `json:"incident_id"`
	Status     string `json:"status"`
}

// NewWhatsAppSender creates a WhatsApp webhook sender. An empty URL disables it.
func NewWhatsAppSender(webhookURL, secret, recipient string, timeout time.Duration, logger *zap.Logger) *WhatsAppSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WhatsAppSender{
		webhookURL: webhookURL,
		secret:     []byte(secret),
		recipient:  recipient,
		logger:     logger,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// Configured reports whether the sender has a webhook URL
func (s *WhatsAppSender) Configured() bool {
	return s.webhookURL != ""
}

// Send posts message to the webhook. Any 2xx answer counts as delivered.
func (s *WhatsAppSender) Send(ctx context.Context, incident *types.RecoveryIncident, message string) (bool, error) {
	if !s.Configured() {
		return false, nil
	}

	payload, err := json.Marshal(whatsAppPayload{
		To:         s.recipient,
		Text:       message,
		IncidentID: incident.ID.String(),
		Status:     string(incident.Status),
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal whatsapp payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if len(s.secret) > 0 {
		token, err := s.signRequest(incident)
		if err != nil {
			return false, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to send whatsapp alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("whatsapp webhook returned status %d", resp.StatusCode)
	}

	s.logger.Info("Sent whatsapp recovery alert",
		zap.String("incident_id", incident.ID.String()))

	return true, nil
}

func (s *WhatsAppSender) signRequest(incident *types.RecoveryIncident) (string, error) {
	now := s.now()
	claims := WebhookClaims{
		IncidentID: incident.ID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    whatsAppIssuer,
			Subject:   incident.OrganizationID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(whatsAppTokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign whatsapp webhook token: %w", err)
	}
	return signed, nil
}
