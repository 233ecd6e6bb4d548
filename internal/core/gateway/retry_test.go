package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/namelens/symscan/internal/core"
)

func newTestExecutor(clock *fakeClock, breaker *CircuitBreaker) *RetryExecutor {
	return &RetryExecutor{
		Breaker:     breaker,
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Sleep:       clock.Sleep,
	}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	clock := newFakeClock()
	breaker := NewCircuitBreaker(10, time.Minute)
	exec := newTestExecutor(clock, breaker)

	calls := 0
	value, err := exec.Run(context.Background(), EndpointFetchTicker, func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, &core.TransientNetworkError{Op: "fetch_ticker", Err: errors.New("connection reset")}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	require.Equal(t, "ok", value)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, clock.Sleeps())
	require.Equal(t, 1, breaker.State().FailureCount)
}

func TestRetryPermanentErrorIsNotRetried(t *testing.T) {
	clock := newFakeClock()
	exec := newTestExecutor(clock, NewCircuitBreaker(10, time.Minute))

	calls := 0
	_, err := exec.Run(context.Background(), EndpointFetchTicker, func(ctx context.Context) (any, error) {
		calls++
		return nil, &core.PermanentUpstreamError{Op: "fetch_ticker", StatusCode: 400}
	})

	require.Error(t, err)
	require.True(t, core.IsPermanent(err))
	require.Equal(t, 1, calls)
	require.Empty(t, clock.Sleeps())
}

func TestRetryRateLimitExhaustion(t *testing.T) {
	clock := newFakeClock()
	exec := newTestExecutor(clock, NewCircuitBreaker(10, time.Minute))

	var limited []string
	exec.OnRateLimited = func(endpoint string) { limited = append(limited, endpoint) }

	calls := 0
	_, err := exec.Run(context.Background(), EndpointFetchMarkets, func(ctx context.Context) (any, error) {
		calls++
		return nil, &core.RateLimitError{Endpoint: EndpointFetchMarkets}
	})

	require.Error(t, err)
	require.ErrorIs(t, err, core.ErrRateLimitExceeded)
	require.True(t, core.IsRateLimit(err))

	var exhausted *core.RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)

	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{
		100 * time.Millisecond,
		300*time.Millisecond + 5*time.Second,
	}, clock.Sleeps())
	require.Equal(t, []string{EndpointFetchMarkets, EndpointFetchMarkets, EndpointFetchMarkets}, limited)
}

func TestRetryTransientExhaustion(t *testing.T) {
	clock := newFakeClock()
	exec := newTestExecutor(clock, NewCircuitBreaker(10, time.Minute))

	_, err := exec.Run(context.Background(), EndpointFetchTicker, func(ctx context.Context) (any, error) {
		return nil, errors.New("unexpected EOF")
	})

	var exhausted *core.RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.EqualError(t, exhausted.Err, "unexpected EOF")
	require.Len(t, clock.Sleeps(), 2)
}

func TestRetryOpenBreakerFailsFast(t *testing.T) {
	clock := newFakeClock()
	breaker := NewCircuitBreaker(1, time.Minute)
	breaker.Clock = clock.Now
	breaker.RecordFailure()

	exec := newTestExecutor(clock, breaker)
	calls := 0
	_, err := exec.Run(context.Background(), EndpointFetchTicker, func(ctx context.Context) (any, error) {
		calls++
		return "never", nil
	})

	require.True(t, core.IsCircuitOpen(err))
	require.Zero(t, calls)
	require.Empty(t, clock.Sleeps())
}

func TestRetryAttemptTimeoutIsTransient(t *testing.T) {
	exec := &RetryExecutor{MaxAttempts: 1, AttemptTimeout: 10 * time.Millisecond}

	_, err := exec.Run(context.Background(), EndpointFetchTicker, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	var transient *core.TransientNetworkError
	require.ErrorAs(t, err, &transient)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryStopsOnCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := &RetryExecutor{MaxAttempts: 5}

	calls := 0
	_, err := exec.Run(ctx, EndpointFetchTicker, func(ctx context.Context) (any, error) {
		calls++
		cancel()
		return nil, errors.New("interrupted")
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestRetryRecoversProducerPanic(t *testing.T) {
	clock := newFakeClock()
	exec := newTestExecutor(clock, nil)
	exec.MaxAttempts = 1

	_, err := exec.Run(context.Background(), EndpointFetchTicker, func(ctx context.Context) (any, error) {
		panic("boom")
	})

	var transient *core.TransientNetworkError
	require.ErrorAs(t, err, &transient)
}
