package continuity

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kr8tiv/mission-control/pkg/types"
)

// Verdict is the liveness classification of an agent
type Verdict string

const (
	VerdictAlive       Verdict = "alive"
	VerdictStale       Verdict = "stale"
	VerdictUnreachable Verdict = "unreachable"
)

// Reason codes explaining a verdict
const (
	ReasonHealthy                   = "healthy"
	ReasonRuntimeUnavailable        = "runtime_unavailable"
	ReasonRuntimeSessionMissing     = "runtime_session_missing"
	ReasonRuntimeSessionUnreachable = "runtime_session_unreachable"
	ReasonHeartbeatMissing          = "heartbeat_missing"
	ReasonHeartbeatStale            = "heartbeat_stale"
	ReasonRuntimeActivityRecent     = "runtime_activity_recent"
)

// RequiresRecovery reports whether a verdict should trigger automated recovery
func RequiresRecovery(v Verdict) bool {
	return v == VerdictStale || v == VerdictUnreachable
}

// IsHeartbeatReason reports whether reason comes from heartbeat age rather than reachability
func IsHeartbeatReason(reason string) bool {
	return reason == ReasonHeartbeatMissing || reason == ReasonHeartbeatStale
}

// RuntimeSessions maps live session keys to the last activity the gateway
// reported for them. A nil value means the gateway did not report one.
type RuntimeSessions map[string]*time.Time

// SessionKeys builds a RuntimeSessions without activity timestamps
func SessionKeys(keys ...string) RuntimeSessions {
	sessions := make(RuntimeSessions, len(keys))
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			sessions[key] = nil
		}
	}
	return sessions
}

// Keys returns the session key set
func (s RuntimeSessions) Keys() map[string]struct{} {
	keys := make(map[string]struct{}, len(s))
	for key := range s {
		keys[key] = struct{}{}
	}
	return keys
}

// Item is the continuity classification of one agent
type Item struct {
	AgentID             uuid.UUID  `json:"agent_id"`
	AgentName           string     `json:"agent_name"`
	BoardID             *uuid.UUID `json:"board_id,omitempty"`
	Status              string     `json:"status"`
	Continuity          Verdict    `json:"continuity"`
	ContinuityReason    string     `json:"continuity_reason"`
	RuntimeSessionID    *string    `json:"runtime_session_id,omitempty"`
	RuntimeReachable    bool       `json:"runtime_reachable"`
	LastSeenAt          *time.Time `json:"last_seen_at,omitempty"`
	HeartbeatAgeSeconds *int64     `json:"heartbeat_age_seconds,omitempty"`
}

// Report is a board-level continuity snapshot
type Report struct {
	BoardID      uuid.UUID       `json:"board_id"`
	GeneratedAt  time.Time       `json:"generated_at"`
	RuntimeError *string         `json:"runtime_error,omitempty"`
	Counts       map[Verdict]int `json:"counts"`
	Agents       []Item          `json:"agents"`
}

// CountsByName returns the counts keyed by plain strings
func (r *Report) CountsByName() map[string]int {
	out := make(map[string]int, len(r.Counts))
	for verdict, count := range r.Counts {
		out[string(verdict)] = count
	}
	return out
}

// Classifier turns heartbeat and runtime reachability signals into verdicts.
// It holds no state besides the staleness threshold.
type Classifier struct {
	staleAfterSeconds int64
}

// NewClassifier creates a classifier using the given staleness threshold
func NewClassifier(staleAfter time.Duration) Classifier {
	return Classifier{staleAfterSeconds: int64(staleAfter / time.Second)}
}

// StaleAfter returns the threshold in use
func (c Classifier) StaleAfter() time.Duration {
	return time.Duration(c.staleAfterSeconds) * time.Second
}

// Classify computes the verdict for one agent. runtimeAvailable is false when
// the whole-board gateway query failed.
func (c Classifier) Classify(agent *types.Agent, sessions RuntimeSessions, runtimeAvailable bool, now time.Time) Item {
	sessionID := normalizeSessionID(agent.OpenClawSessionID)
	age := heartbeatAgeSeconds(now, agent.LastSeenAt)
	stale := age == nil || *age > c.staleAfterSeconds

	reachable := true
	reason := ReasonHealthy
	var sessionActivity *time.Time

	switch {
	case !runtimeAvailable:
		reachable = false
		reason = ReasonRuntimeUnavailable
	case sessionID == nil:
		reachable = false
		reason = ReasonRuntimeSessionMissing
	default:
		activity, ok := sessions[*sessionID]
		if !ok {
			reachable = false
			reason = ReasonRuntimeSessionUnreachable
		} else {
			sessionActivity = activity
		}
	}

	if reachable && stale {
		if c.activityIsRecent(now, sessionActivity) {
			stale = false
			reason = ReasonRuntimeActivityRecent
		} else if age == nil {
			reason = ReasonHeartbeatMissing
		} else {
			reason = ReasonHeartbeatStale
		}
	}

	verdict := VerdictAlive
	switch {
	case !reachable:
		verdict = VerdictUnreachable
	case stale:
		verdict = VerdictStale
	}

	return Item{
		AgentID:             agent.ID,
		AgentName:           agent.Name,
		BoardID:             agent.BoardID,
		Status:              agent.Status,
		Continuity:          verdict,
		ContinuityReason:    reason,
		RuntimeSessionID:    sessionID,
		RuntimeReachable:    reachable,
		LastSeenAt:          agent.LastSeenAt,
		HeartbeatAgeSeconds: age,
	}
}

// BuildReport classifies every agent in order. runtimeErr is the text of a
// failed gateway query, or nil when the gateway answered.
func (c Classifier) BuildReport(boardID uuid.UUID, agents []*types.Agent, sessions RuntimeSessions, runtimeErr *string, now time.Time) Report {
	report := Report{
		BoardID:      boardID,
		GeneratedAt:  now,
		RuntimeError: runtimeErr,
		Counts: map[Verdict]int{
			VerdictAlive:       0,
			VerdictStale:       0,
			VerdictUnreachable: 0,
		},
		Agents: make([]Item, 0, len(agents)),
	}

	for _, agent := range agents {
		item := c.Classify(agent, sessions, runtimeErr == nil, now)
		report.Counts[item.Continuity]++
		report.Agents = append(report.Agents, item)
	}

	return report
}

func (c Classifier) activityIsRecent(now time.Time, activity *time.Time) bool {
	if activity == nil {
		return false
	}
	return *heartbeatAgeSeconds(now, activity) <= c.staleAfterSeconds
}

func heartbeatAgeSeconds(now time.Time, lastSeen *time.Time) *int64 {
	if lastSeen == nil {
		return nil
	}
	age := int64(now.Sub(*lastSeen) / time.Second)
	if age < 0 {
		age = 0
	}
	return &age
}

func normalizeSessionID(raw *string) *string {
	if raw == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*raw)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
