package continuity

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultHeartbeatEvery is the heartbeat cadence assumed when none is configured
	DefaultHeartbeatEvery = 20 * time.Minute

	staleMultiplier = 2
	staleGrace      = 5 * time.Minute
	// MinStaleAfter is the floor applied to every derived staleness threshold
	MinStaleAfter = 15 * time.Minute
)

var heartbeatEveryPattern = regexp.MustCompile(`(?i)^\s*([1-9]\d*)\s*([smhdw])\s*$`)

var heartbeatUnits = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
	"w": 7 * 24 * time.Hour,
}

// ParseHeartbeatEvery parses cadences such as "20m" or "1h". Anything that
// does not match <count><unit> falls back to DefaultHeartbeatEvery.
func ParseHeartbeatEvery(value string) time.Duration {
	match := heartbeatEveryPattern.FindStringSubmatch(value)
	if match == nil {
		return DefaultHeartbeatEvery
	}

	count, err := strconv.Atoi(match[1])
	if err != nil {
		return DefaultHeartbeatEvery
	}
	return time.Duration(count) * heartbeatUnits[strings.ToLower(match[2])]
}

// StaleAfter derives the staleness threshold from a heartbeat cadence:
// twice the cadence plus five minutes of grace, never below MinStaleAfter.
func StaleAfter(every time.Duration) time.Duration {
	threshold := every*staleMultiplier + staleGrace
	if threshold < MinStaleAfter {
		return MinStaleAfter
	}
	return threshold
}

// StaleAfterForConfig is StaleAfter(ParseHeartbeatEvery(every))
func StaleAfterForConfig(every string) time.Duration {
	return StaleAfter(ParseHeartbeatEvery(every))
}
