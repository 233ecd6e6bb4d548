package gateway

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/namelens/symscan/internal/core"
)

// fakeClock advances only when something sleeps on it.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func limiterWithQuota(clock *fakeClock, endpoint string, n int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		Quotas: map[string]core.EndpointQuota{
			endpoint: {Endpoint: endpoint, MaxRequests: n, Window: window},
		},
		Clock: clock.Now,
		Sleep: clock.Sleep,
	}
}

// requireWindowInvariant asserts no window of length w holds more than n admissions.
func requireWindowInvariant(t *testing.T, admitted []time.Time, n int, w time.Duration) {
	t.Helper()
	for i, start := range admitted {
		count := 0
		for _, ts := range admitted[i:] {
			if ts.Sub(start) < w {
				count++
			}
		}
		require.LessOrEqualf(t, count, n, "window starting at %s admitted %d requests", start, count)
	}
}

func TestRateLimiterBurstDelaysOverflow(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	limiter := limiterWithQuota(clock, "fetch_ticker", 5, 10*time.Second)

	var admitted []time.Time
	for i := 0; i < 8; i++ {
		require.NoError(t, limiter.Wait(context.Background(), "fetch_ticker"))
		admitted = append(admitted, clock.Now())
	}

	for i := 0; i < 5; i++ {
		require.Equal(t, start, admitted[i], "request %d should be admitted immediately", i)
	}
	for i := 5; i < 8; i++ {
		require.True(t, admitted[i].Sub(start) >= 10*time.Second, "request %d should wait for the window", i)
	}

	require.Equal(t, []time.Duration{10*time.Second + admissionSlack}, clock.Sleeps())
	requireWindowInvariant(t, admitted, 5, 10*time.Second)

	stats := limiter.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, int64(8), stats[0].Admitted)
	require.Equal(t, int64(1), stats[0].Throttled)
}

func TestRateLimiterBurstyArrivalNeverExceedsQuota(t *testing.T) {
	clock := newFakeClock()
	limiter := limiterWithQuota(clock, "fetch_markets", 4, 10*time.Second)
	rng := rand.New(rand.NewSource(42))

	var admitted []time.Time
	for i := 0; i < 200; i++ {
		if rng.Intn(3) == 0 {
			clock.Advance(time.Duration(rng.Intn(4000)) * time.Millisecond)
		}
		require.NoError(t, limiter.Wait(context.Background(), "fetch_markets"))
		admitted = append(admitted, clock.Now())
	}

	requireWindowInvariant(t, admitted, 4, 10*time.Second)
}

func TestRateLimiterEndpointsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	limiter := &RateLimiter{
		Quotas: map[string]core.EndpointQuota{
			"a": {MaxRequests: 1, Window: time.Minute},
			"b": {MaxRequests: 1, Window: time.Minute},
		},
		Clock: clock.Now,
		Sleep: clock.Sleep,
	}

	require.NoError(t, limiter.Wait(context.Background(), "a"))
	require.NoError(t, limiter.Wait(context.Background(), "b"))
	require.Empty(t, clock.Sleeps())

	allowed, wait := limiter.Allow("a")
	require.False(t, allowed)
	require.Equal(t, time.Minute+admissionSlack, wait)
}

func TestRateLimiterWaitHonoursCancellation(t *testing.T) {
	limiter := &RateLimiter{
		Quotas: map[string]core.EndpointQuota{"a": {MaxRequests: 1, Window: time.Hour}},
	}
	limiter.Record("a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := limiter.Wait(ctx, "a")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, limiter.InWindow("a"))
}

func TestRateLimiterMargin(t *testing.T) {
	limiter := NewRateLimiter(map[string]int{"fetch_ticker": 10, " ": 3, "create_order": 0}, 0.5)

	require.Equal(t, 5, limiter.Quota("fetch_ticker").MaxRequests)
	require.Equal(t, 25, limiter.Quota("create_order").MaxRequests)
	require.Equal(t, 2, limiter.Quota("unknown").MaxRequests)

	limiter.ApplySafetyMargin(0.01)
	require.Equal(t, 1, limiter.Quota("fetch_markets").MaxRequests)

	limiter.ApplySafetyMargin(2)
	require.Equal(t, 0.01, limiter.Margin)
}

func TestRateLimiterPrunesExpiredEntries(t *testing.T) {
	clock := newFakeClock()
	limiter := limiterWithQuota(clock, "fetch_ticker", 2, 10*time.Second)

	limiter.Record("fetch_ticker")
	limiter.Record("fetch_ticker")
	require.Equal(t, 2, limiter.InWindow("fetch_ticker"))

	clock.Advance(10*time.Second + time.Millisecond)
	require.Equal(t, 0, limiter.InWindow("fetch_ticker"))

	allowed, _ := limiter.Allow("fetch_ticker")
	require.True(t, allowed)
}
