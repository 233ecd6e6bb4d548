package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/namelens/symscan/internal/core"
)

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	clock := newFakeClock()
	breaker := NewCircuitBreaker(3, 30*time.Second)
	breaker.Clock = clock.Now

	for i := 0; i < 2; i++ {
		breaker.RecordFailure()
		require.NoError(t, breaker.Check())
	}

	breaker.RecordFailure()
	err := breaker.Check()
	require.Error(t, err)
	require.True(t, core.IsCircuitOpen(err))

	clock.Advance(30 * time.Second)
	require.Error(t, breaker.Check(), "breaker stays open until the window has fully elapsed")

	clock.Advance(time.Millisecond)
	require.NoError(t, breaker.Check())

	state := breaker.State()
	require.False(t, state.IsOpen)
	require.Equal(t, 0, state.FailureCount)
	require.Equal(t, int64(1), state.Trips)
}

func TestCircuitBreakerSuccessDecrementsGradually(t *testing.T) {
	breaker := NewCircuitBreaker(3, time.Minute)

	breaker.RecordFailure()
	breaker.RecordFailure()
	breaker.RecordSuccess()
	require.Equal(t, 1, breaker.State().FailureCount)

	breaker.RecordSuccess()
	breaker.RecordSuccess()
	require.Equal(t, 0, breaker.State().FailureCount)

	breaker.RecordFailure()
	breaker.RecordFailure()
	require.NoError(t, breaker.Check())
}

func TestCircuitBreakerFailedTrialReopens(t *testing.T) {
	clock := newFakeClock()
	breaker := NewCircuitBreaker(2, 10*time.Second)
	breaker.Clock = clock.Now

	breaker.RecordFailure()
	breaker.RecordFailure()
	require.Error(t, breaker.Check())

	clock.Advance(11 * time.Second)
	require.NoError(t, breaker.Check())

	breaker.RecordFailure()
	err := breaker.Check()
	require.Error(t, err)

	var open *core.CircuitOpenError
	require.ErrorAs(t, err, &open)
	require.Equal(t, 10*time.Second, open.RetryIn)
	require.Equal(t, int64(2), breaker.State().Trips)
}

func TestCircuitBreakerDefaults(t *testing.T) {
	breaker := NewCircuitBreaker(0, 0)
	require.Equal(t, DefaultFailureThreshold, breaker.FailureThreshold)
	require.Equal(t, DefaultRecoveryTime, breaker.RecoveryTime)

	var nilBreaker *CircuitBreaker
	require.NoError(t, nilBreaker.Check())
	nilBreaker.RecordFailure()
	nilBreaker.RecordSuccess()
}
