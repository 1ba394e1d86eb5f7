package recovery

import (
	"time"

	"github.com/kr8tiv/mission-control/pkg/types"
)

// PolicyUpdate is a partial policy update. Nil fields are left unchanged.
type PolicyUpdate struct {
	Enabled            *bool `json:"enabled,omitempty"`
	StaleAfterSeconds  *int  `json:"stale_after_seconds,omitempty"`
	MaxRestartsPerHour *int  `json:"max_restarts_per_hour,omitempty"`
	CooldownSeconds    *int  `json:"cooldown_seconds,omitempty"`
	AlertDedupeSeconds *int  `json:"alert_dedupe_seconds,omitempty"`
	AlertTelegram      *bool `json:"alert_telegram,omitempty"`
	AlertWhatsApp      *bool `json:"alert_whatsapp,omitempty"`
	AlertUI            *bool `json:"alert_ui,omitempty"`
}

// IsEmpty reports whether the update changes nothing
func (u PolicyUpdate) IsEmpty() bool {
	return u.Enabled == nil && u.StaleAfterSeconds == nil && u.MaxRestartsPerHour == nil &&
		u.CooldownSeconds == nil && u.AlertDedupeSeconds == nil && u.AlertTelegram == nil &&
		u.AlertWhatsApp == nil && u.AlertUI == nil
}

// Apply writes the set fields onto policy and bumps UpdatedAt.
// Negative numbers are stored as zero.
func (u PolicyUpdate) Apply(policy *types.RecoveryPolicy, now time.Time) {
	if u.Enabled != nil {
		policy.Enabled = *u.Enabled
	}
	if u.StaleAfterSeconds != nil {
		policy.StaleAfterSeconds = clampNonNegative(*u.StaleAfterSeconds)
	}
	if u.MaxRestartsPerHour != nil {
		policy.MaxRestartsPerHour = clampNonNegative(*u.MaxRestartsPerHour)
	}
	if u.CooldownSeconds != nil {
		policy.CooldownSeconds = clampNonNegative(*u.CooldownSeconds)
	}
	if u.AlertDedupeSeconds != nil {
		policy.AlertDedupeSeconds = clampNonNegative(*u.AlertDedupeSeconds)
	}
	if u.AlertTelegram != nil {
		policy.AlertTelegram = *u.AlertTelegram
	}
	if u.AlertWhatsApp != nil {
		policy.AlertWhatsApp = *u.AlertWhatsApp
	}
	if u.AlertUI != nil {
		policy.AlertUI = *u.AlertUI
	}
	policy.UpdatedAt = now
}

func clampNonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
