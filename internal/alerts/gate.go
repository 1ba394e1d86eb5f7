package alerts

import (
	"strings"

	"github.com/kr8tiv/mission-control/pkg/config"
)

// Channel names an owner alert destination
type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelUI       Channel = "ui"
	ChannelNone     Channel = "none"
)

// IsChannelEnabledForPhase reports whether channel may be used in the rollout phase.
// ui and telegram are always allowed; whatsapp opens in phase2; unknown channels never.
func IsChannelEnabledForPhase(channel Channel, phase string) bool {
	switch channel {
	case ChannelUI, ChannelTelegram:
		return true
	case ChannelWhatsApp:
		switch strings.ToLower(strings.TrimSpace(phase)) {
		case config.PhasePhase2, config.PhaseGA:
			return true
		}
		return false
	default:
		return false
	}
}
