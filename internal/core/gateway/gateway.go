// Package gateway is the single path every exchange request takes: rate
// limiting, then cache and in-flight deduplication, then retries guarded by
// a process-wide circuit breaker.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fulmenhq/gofulmen/logging"

	"github.com/namelens/symscan/internal/config"
	"github.com/namelens/symscan/internal/core"
)

// Gateway composes the limiter, cache, retry executor and breaker.
type Gateway struct {
	Limiter *RateLimiter
	Cache   *Cache
	Retry   *RetryExecutor
	Breaker *CircuitBreaker
	TTLs    TTLPolicy

	// Uncached makes every TTL zero. Concurrent identical calls are still
	// coalesced but nothing is kept.
	Uncached bool

	// MaxTTL caps every kind's TTL when positive.
	MaxTTL time.Duration
}

// Stats is a point-in-time view of gateway health.
type Stats struct {
	Endpoints []core.EndpointStats `json:"endpoints"`
	Cache     CacheStats           `json:"cache"`
	Breaker   BreakerState         `json:"breaker"`
}

// New builds a gateway from configuration. All components share one logger.
func New(cfg config.GatewayConfig, logger *logging.Logger) *Gateway {
	breaker := NewCircuitBreaker(cfg.FailureThreshold, cfg.RecoveryTime)
	breaker.Logger = logger

	limiter := NewRateLimiter(cfg.Quotas, cfg.SafetyMargin)
	limiter.Logger = logger

	cache := NewCache(cfg.CacheMaxEntries)
	cache.Logger = logger

	ttls := TTLPolicy{}
	for kind, ttl := range DefaultTTLPolicy {
		ttls[kind] = ttl
	}
	for kind, ttl := range cfg.CacheTTLs {
		if ttl > 0 {
			ttls[kind] = ttl
		}
	}

	return &Gateway{
		Limiter: limiter,
		Cache:   cache,
		Breaker: breaker,
		TTLs:    ttls,
		Retry: &RetryExecutor{
			Breaker:        breaker,
			MaxAttempts:    cfg.MaxAttempts,
			BaseDelay:      cfg.BaseDelay,
			AttemptTimeout: cfg.CallTimeout,
			Logger:         logger,
			OnRateLimited:  limiter.RecordRateLimited,
		},
	}
}

// Invoke waits for endpoint admission, then serves key from cache or runs
// call through the retry executor, sharing the result with concurrent
// callers of the same key.
func (g *Gateway) Invoke(ctx context.Context, endpoint string, key string, ttl time.Duration, call Producer) (any, error) {
	if g == nil {
		return nil, fmt.Errorf("gateway is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if err := g.Limiter.Wait(ctx, endpoint); err != nil {
		return nil, err
	}

	retry := g.Retry
	if retry == nil {
		retry = &RetryExecutor{Breaker: g.Breaker}
	}

	produce := func(ctx context.Context) (any, error) {
		return retry.Run(ctx, endpoint, call)
	}

	if g.Cache == nil {
		return produce(ctx)
	}
	return g.Cache.GetOrCompute(ctx, key, ttl, produce)
}

// Call is the typed form of Invoke.
func Call[T any](ctx context.Context, g *Gateway, endpoint string, key string, ttl time.Duration, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	value, err := g.Invoke(ctx, endpoint, key, ttl, func(ctx context.Context) (any, error) {
		return call(ctx)
	})
	if err != nil {
		return zero, err
	}

	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("gateway: cached value for %q has type %T", key, value)
	}
	return typed, nil
}

// TTL returns the configured freshness window for a data kind.
func (g *Gateway) TTL(kind string) time.Duration {
	if g == nil {
		return DefaultTTLPolicy.TTL(kind)
	}
	if g.Uncached {
		return 0
	}
	ttl := g.TTLs.TTL(kind)
	if g.MaxTTL > 0 && ttl > g.MaxTTL {
		return g.MaxTTL
	}
	return ttl
}

// Start runs background cache maintenance until ctx is done.
func (g *Gateway) Start(ctx context.Context, sweepInterval time.Duration) {
	if g == nil || g.Cache == nil {
		return
	}
	go g.Cache.Run(ctx, sweepInterval)
}

// Stats snapshots limiter, cache and breaker counters.
func (g *Gateway) Stats() Stats {
	if g == nil {
		return Stats{}
	}

	endpoints := g.Limiter.Stats()
	sort.Slice(endpoints, func(i, j int) bool {
		return endpoints[i].Endpoint < endpoints[j].Endpoint
	})

	stats := Stats{
		Endpoints: endpoints,
		Breaker:   g.Breaker.State(),
	}
	if g.Cache != nil {
		stats.Cache = g.Cache.Stats()
	}
	return stats
}
