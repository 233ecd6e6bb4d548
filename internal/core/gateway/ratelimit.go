package gateway

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/namelens/symscan/internal/core"
	"github.com/namelens/symscan/internal/metrics"
)

// Endpoint names for logical exchange operations.
const (
	EndpointFetchTicker      = "fetch_ticker"
	EndpointFetchOHLCV       = "fetch_ohlcv"
	EndpointFetchOrderbook   = "fetch_orderbook"
	EndpointFetchMarkets     = "fetch_markets"
	EndpointCreateOrder      = "create_order"
	EndpointCancelOrder      = "cancel_order"
	EndpointFetchBalance     = "fetch_balance"
	EndpointFetchOrderStatus = "fetch_order_status"
	EndpointFetchOpenOrders  = "fetch_open_orders"
)

// DefaultWindow is the trailing window every default quota is measured over.
const DefaultWindow = 10 * time.Second

// admissionSlack is added to computed waits so the oldest entry has left the
// window by the time the caller re-checks.
const admissionSlack = 100 * time.Millisecond

// DefaultQuotas are conservative fractions of the documented upstream limits.
var DefaultQuotas = map[string]core.EndpointQuota{
	EndpointFetchTicker:      {Endpoint: EndpointFetchTicker, MaxRequests: 8, Window: DefaultWindow},
	EndpointFetchOHLCV:       {Endpoint: EndpointFetchOHLCV, MaxRequests: 8, Window: DefaultWindow},
	EndpointFetchOrderbook:   {Endpoint: EndpointFetchOrderbook, MaxRequests: 8, Window: DefaultWindow},
	EndpointFetchMarkets:     {Endpoint: EndpointFetchMarkets, MaxRequests: 5, Window: DefaultWindow},
	EndpointCreateOrder:      {Endpoint: EndpointCreateOrder, MaxRequests: 50, Window: DefaultWindow},
	EndpointCancelOrder:      {Endpoint: EndpointCancelOrder, MaxRequests: 50, Window: DefaultWindow},
	EndpointFetchBalance:     {Endpoint: EndpointFetchBalance, MaxRequests: 20, Window: DefaultWindow},
	EndpointFetchOrderStatus: {Endpoint: EndpointFetchOrderStatus, MaxRequests: 30, Window: DefaultWindow},
	EndpointFetchOpenOrders:  {Endpoint: EndpointFetchOpenOrders, MaxRequests: 20, Window: DefaultWindow},
}

var fallbackQuota = core.EndpointQuota{MaxRequests: 5, Window: DefaultWindow}

// RateLimiter is a per-endpoint sliding-window admission controller.
type RateLimiter struct {
	Quotas map[string]core.EndpointQuota
	Margin float64
	Clock  func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *logging.Logger

	mu    sync.Mutex
	logs  map[string][]time.Time
	stats map[string]*core.EndpointStats
}

// NewRateLimiter builds a limiter over the default quotas with optional
// per-endpoint overrides (requests per DefaultWindow).
func NewRateLimiter(overrides map[string]int, margin float64) *RateLimiter {
	r := &RateLimiter{}
	r.ApplyOverrides(overrides)
	r.ApplySafetyMargin(margin)
	return r
}

// Wait blocks until a request to endpoint may proceed and records the
// admission. It returns early only when ctx is done.
func (r *RateLimiter) Wait(ctx context.Context, endpoint string) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		wait := r.tryAdmit(endpoint)
		if wait <= 0 {
			return nil
		}

		if r.Logger != nil {
			r.Logger.Debug("Rate limit reached, delaying request",
				zap.String("endpoint", endpoint),
				zap.Duration("wait", wait))
		}
		metrics.RecordThrottle(endpoint, wait)

		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Allow reports whether a request could be admitted now and, if not, how long
// until the oldest logged request leaves the window. It does not record.
func (r *RateLimiter) Allow(endpoint string) (bool, time.Duration) {
	if r == nil {
		return true, 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	log := r.prune(endpoint, now)
	limit := r.getQuota(endpoint)
	if len(log) < limit.MaxRequests {
		return true, 0
	}
	return false, limit.Window - now.Sub(log[0]) + admissionSlack
}

// Record logs an admitted request that bypassed Wait.
func (r *RateLimiter) Record(endpoint string) {
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(endpoint, r.now())
}

// RecordRateLimited counts an upstream rate-limit rejection for endpoint.
func (r *RateLimiter) RecordRateLimited(endpoint string) {
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.statsFor(endpoint).RateLimited++
}

// InWindow returns how many requests are currently logged for endpoint.
func (r *RateLimiter) InWindow(endpoint string) int {
	if r == nil {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prune(endpoint, r.now()))
}

// Stats returns a copy of the per-endpoint counters.
func (r *RateLimiter) Stats() []core.EndpointStats {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]core.EndpointStats, 0, len(r.stats))
	for _, s := range r.stats {
		out = append(out, *s)
	}
	return out
}

// ApplyOverrides replaces quotas for the given endpoints. Values are requests
// per DefaultWindow; non-positive values are ignored.
func (r *RateLimiter) ApplyOverrides(overrides map[string]int) {
	if r == nil {
		return
	}

	if r.Quotas == nil {
		r.Quotas = make(map[string]core.EndpointQuota, len(DefaultQuotas))
		for key, quota := range DefaultQuotas {
			r.Quotas[key] = quota
		}
	}

	for endpoint, value := range overrides {
		endpoint = strings.TrimSpace(endpoint)
		if endpoint == "" || value <= 0 {
			continue
		}
		r.Quotas[endpoint] = core.EndpointQuota{
			Endpoint:    endpoint,
			MaxRequests: value,
			Window:      DefaultWindow,
		}
	}
}

// ApplySafetyMargin scales effective quotas by a ratio in (0, 1].
func (r *RateLimiter) ApplySafetyMargin(margin float64) {
	if r == nil {
		return
	}
	if margin <= 0 || margin > 1 {
		return
	}
	r.Margin = margin
}

// Quota returns the effective quota for endpoint after the safety margin.
func (r *RateLimiter) Quota(endpoint string) core.EndpointQuota {
	if r == nil {
		return fallbackQuota
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getQuota(endpoint)
}

func (r *RateLimiter) tryAdmit(endpoint string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	log := r.prune(endpoint, now)
	limit := r.getQuota(endpoint)

	if len(log) >= limit.MaxRequests {
		wait := limit.Window - now.Sub(log[0]) + admissionSlack
		stats := r.statsFor(endpoint)
		stats.Throttled++
		stats.TotalWait += wait
		stamp := now
		stats.LastThrottledAt = &stamp
		stats.UpdatedAt = now
		return wait
	}

	r.record(endpoint, now)
	return 0
}

func (r *RateLimiter) record(endpoint string, now time.Time) {
	if r.logs == nil {
		r.logs = make(map[string][]time.Time)
	}
	r.logs[endpoint] = append(r.logs[endpoint], now)

	stats := r.statsFor(endpoint)
	stats.Admitted++
	stats.UpdatedAt = now
	metrics.RecordAdmission(endpoint)
}

// prune drops entries older than the endpoint window and returns what is left.
func (r *RateLimiter) prune(endpoint string, now time.Time) []time.Time {
	log := r.logs[endpoint]
	if len(log) == 0 {
		return log
	}

	window := r.getQuota(endpoint).Window
	idx := 0
	for idx < len(log) && now.Sub(log[idx]) > window {
		idx++
	}
	if idx > 0 {
		log = append(log[:0], log[idx:]...)
		r.logs[endpoint] = log
	}
	return log
}

func (r *RateLimiter) statsFor(endpoint string) *core.EndpointStats {
	if r.stats == nil {
		r.stats = make(map[string]*core.EndpointStats)
	}
	s, ok := r.stats[endpoint]
	if !ok {
		s = &core.EndpointStats{Endpoint: endpoint}
		r.stats[endpoint] = s
	}
	return s
}

func (r *RateLimiter) getQuota(endpoint string) core.EndpointQuota {
	quotas := r.Quotas
	if quotas == nil {
		quotas = DefaultQuotas
	}

	quota, ok := quotas[endpoint]
	if !ok || !quota.Valid() {
		quota = fallbackQuota
		quota.Endpoint = endpoint
	}
	return r.applyMargin(quota)
}

func (r *RateLimiter) applyMargin(quota core.EndpointQuota) core.EndpointQuota {
	if r.Margin <= 0 || r.Margin > 1 {
		return quota
	}
	adjusted := int(math.Floor(float64(quota.MaxRequests) * r.Margin))
	if adjusted < 1 {
		adjusted = 1
	}
	quota.MaxRequests = adjusted
	return quota
}

func (r *RateLimiter) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

func (r *RateLimiter) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
