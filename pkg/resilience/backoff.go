package resilience

import (
	"math/rand"
	"time"
)

// JobBackoff computes requeue delays for failed queue jobs:
// min(base * 2^attempts, max) plus a uniform jitter bounded by
// min(max/10, 10% of the capped delay).
type JobBackoff struct {
	Base time.Duration
	Max  time.Duration
	// Rand returns a float in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// BaseDelay returns the capped exponential delay for the given attempt count.
func (b JobBackoff) BaseDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}

	delay := b.Base
	for i := 0; i < attempts; i++ {
		if delay >= b.Max {
			break
		}
		delay *= 2
	}
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}

// JitterBound returns the exclusive upper bound of the jitter added to base.
func (b JobBackoff) JitterBound(base time.Duration) time.Duration {
	bound := b.Max / 10
	if tenth := base / 10; tenth < bound {
		bound = tenth
	}
	return bound
}

// Delay returns BaseDelay(attempts) plus jitter.
func (b JobBackoff) Delay(attempts int) time.Duration {
	base := b.BaseDelay(attempts)
	bound := b.JitterBound(base)
	if bound <= 0 {
		return base
	}

	random := b.Rand
	if random == nil {
		random = rand.Float64
	}
	return base + time.Duration(random()*float64(bound))
}
