package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Organization is the tenant that owns boards and recovery policy
type Organization struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Gateway is an agent runtime gateway reachable over HTTP
type Gateway struct {
	ID             uuid.UUID `json:"id" db:"id"`
	OrganizationID uuid.UUID `json:"organization_id" db:"organization_id"`
	Name           string    `json:"name" db:"name"`
	URL            string    `json:"url" db:"url"`
	Token          string    `json:"-" db:"token"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Board is a tenant-scoped group of agents
type Board struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	OrganizationID uuid.UUID  `json:"organization_id" db:"organization_id"`
	GatewayID      *uuid.UUID `json:"gateway_id,omitempty" db:"gateway_id"`
	Name           string     `json:"name" db:"name"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Agent statuses written by the platform
const (
	AgentStatusProvisioning = "provisioning"
	AgentStatusOnline       = "online"
	AgentStatusOffline      = "offline"
)

// Agent is a supervised autonomous process bound to a runtime session
type Agent struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	BoardID           *uuid.UUID `json:"board_id,omitempty" db:"board_id"`
	Name              string     `json:"name" db:"name"`
	Status            string     `json:"status" db:"status"`
	OpenClawSessionID *string    `json:"openclaw_session_id,omitempty" db:"openclaw_session_id"`
	LastSeenAt        *time.Time `json:"last_seen_at,omitempty" db:"last_seen_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// RecoveryPolicy holds the per-organization recovery tunables
type RecoveryPolicy struct {
	ID                 uuid.UUID `json:"id" db:"id"`
	OrganizationID     uuid.UUID `json:"organization_id" db:"organization_id"`
	Enabled            bool      `json:"enabled" db:"enabled"`
	StaleAfterSeconds  int       `json:"stale_after_seconds" db:"stale_after_seconds"`
	MaxRestartsPerHour int       `json:"max_restarts_per_hour" db:"max_restarts_per_hour"`
	CooldownSeconds    int       `json:"cooldown_seconds" db:"cooldown_seconds"`
	AlertDedupeSeconds int       `json:"alert_dedupe_seconds" db:"alert_dedupe_seconds"`
	AlertTelegram      bool      `json:"alert_telegram" db:"alert_telegram"`
	AlertWhatsApp      bool      `json:"alert_whatsapp" db:"alert_whatsapp"`
	AlertUI            bool      `json:"alert_ui" db:"alert_ui"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// Policy defaults applied when an organization's policy is first created
const (
	DefaultStaleAfterSeconds  = 900
	DefaultMaxRestartsPerHour = 3
	DefaultCooldownSeconds    = 300
	DefaultAlertDedupeSeconds = 900
)

// NewDefaultRecoveryPolicy returns an unsaved policy with default tunables
func NewDefaultRecoveryPolicy(organizationID uuid.UUID, now time.Time) *RecoveryPolicy {
	return &RecoveryPolicy{
		ID:                 uuid.New(),
		OrganizationID:     organizationID,
		Enabled:            true,
		StaleAfterSeconds:  DefaultStaleAfterSeconds,
		MaxRestartsPerHour: DefaultMaxRestartsPerHour,
		CooldownSeconds:    DefaultCooldownSeconds,
		AlertDedupeSeconds: DefaultAlertDedupeSeconds,
		AlertTelegram:      true,
		AlertWhatsApp:      true,
		AlertUI:            true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Cooldown returns the cooldown window, treating negative values as zero
func (p *RecoveryPolicy) Cooldown() time.Duration {
	return nonNegativeSeconds(p.CooldownSeconds)
}

// AlertDedupe returns the alert dedupe window, treating negative values as zero
func (p *RecoveryPolicy) AlertDedupe() time.Duration {
	return nonNegativeSeconds(p.AlertDedupeSeconds)
}

// RestartLimit returns max restarts per hour, treating negative values as zero
func (p *RecoveryPolicy) RestartLimit() int {
	if p.MaxRestartsPerHour < 0 {
		return 0
	}
	return p.MaxRestartsPerHour
}

func nonNegativeSeconds(seconds int) time.Duration {
	if seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// IncidentStatus is the outcome recorded for one agent in one engine pass
type IncidentStatus string

const (
	IncidentStatusSuppressed IncidentStatus = "suppressed"
	IncidentStatusRecovered  IncidentStatus = "recovered"
	IncidentStatusFailed     IncidentStatus = "failed"
)

// IsAttempt reports whether the status means a recovery action actually ran
func (s IncidentStatus) IsAttempt() bool {
	return s == IncidentStatusRecovered || s == IncidentStatusFailed
}

// RecoveryIncident is an immutable record of one recovery-relevant event
type RecoveryIncident struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	OrganizationID uuid.UUID      `json:"organization_id" db:"organization_id"`
	BoardID        *uuid.UUID     `json:"board_id,omitempty" db:"board_id"`
	AgentID        *uuid.UUID     `json:"agent_id,omitempty" db:"agent_id"`
	Status         IncidentStatus `json:"status" db:"status"`
	Reason         string         `json:"reason" db:"reason"`
	Action         *string        `json:"action,omitempty" db:"action"`
	Attempts       int            `json:"attempts" db:"attempts"`
	LastError      *string        `json:"last_error,omitempty" db:"last_error"`
	DetectedAt     time.Time      `json:"detected_at" db:"detected_at"`
	RecoveredAt    *time.Time     `json:"recovered_at,omitempty" db:"recovered_at"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// GSDRun is the rollout-evidence record that receives recovery summaries
type GSDRun struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	OrganizationID  uuid.UUID       `json:"organization_id" db:"organization_id"`
	BoardID         *uuid.UUID      `json:"board_id,omitempty" db:"board_id"`
	RunName         string          `json:"run_name" db:"run_name"`
	Stage           string          `json:"stage" db:"stage"`
	Status          string          `json:"status" db:"status"`
	MetricsSnapshot MetricsSnapshot `json:"metrics_snapshot" db:"metrics_snapshot"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// MetricsSnapshot is a jsonb column of named numeric metrics
type MetricsSnapshot map[string]float64

// Value implements driver.Valuer
func (m MetricsSnapshot) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *MetricsSnapshot) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = MetricsSnapshot{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported metrics snapshot type %T", src)
	}

	out := MetricsSnapshot{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("decode metrics snapshot: %w", err)
		}
	}
	*m = out
	return nil
}
