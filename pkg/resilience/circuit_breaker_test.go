package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func failing(ctx context.Context) error    { return errors.New("gateway down") }
func succeeding(ctx context.Context) error { return nil }

func TestCircuitBreaker_StaysClosedOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "gw-1", MaxRequests: 1, Timeout: time.Second})

	for i := 0; i < 10; i++ {
		require.NoError(t, cb.Execute(context.Background(), succeeding))
	}

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(10), cb.Counts().TotalSuccesses)
}

func TestCircuitBreaker_TripsAndRecovers(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:        "gw-1",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		Now:         clock.Now,
		OnStateChange: func(name string, from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	for i := 0; i < 5; i++ {
		require.Error(t, cb.Execute(context.Background(), failing))
	}
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), succeeding)
	require.Error(t, err)
	assert.True(t, IsCircuitBreakerError(err))

	clock.Advance(31 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), succeeding))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:        "gw-1",
		Timeout:     time.Second,
		Now:         clock.Now,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 2 },
	})

	require.Error(t, cb.Execute(context.Background(), failing))
	require.Error(t, cb.Execute(context.Background(), failing))
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(2 * time.Second)
	require.Error(t, cb.Execute(context.Background(), failing))
	assert.Equal(t, StateOpen, cb.State())
}

func TestGuard_OpenBreakerStopsRetries(t *testing.T) {
	retry := DefaultRetryConfig()
	retry.MaxAttempts = 5
	retry.InitialDelay = time.Millisecond
	retry.Jitter = false

	guard := NewGuard("gw-1", CircuitBreakerConfig{
		Timeout:     time.Minute,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 2 },
	}, retry)

	calls := 0
	err := guard.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("refused")
	})

	require.Error(t, err)
	assert.True(t, IsCircuitBreakerError(err))
	assert.Equal(t, 2, calls)
	assert.Equal(t, StateOpen, guard.State())
}

func TestGuardSet_PerKeyIsolation(t *testing.T) {
	set := NewGuardSet(CircuitBreakerConfig{Timeout: time.Minute}, RetryConfig{MaxAttempts: 1})

	a := set.Get("gateway-a")
	assert.Same(t, a, set.Get("gateway-a"))
	assert.NotSame(t, a, set.Get("gateway-b"))
	assert.Equal(t, "gateway-a", a.breaker.Name())
}
