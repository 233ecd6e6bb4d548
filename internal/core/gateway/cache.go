package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/namelens/symscan/internal/metrics"
)

// Cache defaults.
const (
	DefaultCacheMaxEntries = 10000
	DefaultCacheTTL        = 60 * time.Second
	DefaultSweepInterval   = 60 * time.Second
)

// Data kinds with their own TTL policy.
const (
	KindTicker  = "ticker"
	KindCandles = "candles"
	KindMarkets = "markets"
)

// TTLPolicy maps a data kind to how long its responses stay fresh.
type TTLPolicy map[string]time.Duration

// DefaultTTLPolicy reflects how quickly each kind of exchange data goes stale.
var DefaultTTLPolicy = TTLPolicy{
	KindTicker:  15 * time.Second,
	KindCandles: 60 * time.Second,
	KindMarkets: 30 * time.Minute,
}

// TTL returns the policy for kind, or DefaultCacheTTL when none is set.
func (p TTLPolicy) TTL(kind string) time.Duration {
	if ttl, ok := p[kind]; ok && ttl > 0 {
		return ttl
	}
	if ttl, ok := DefaultTTLPolicy[kind]; ok {
		return ttl
	}
	return DefaultCacheTTL
}

// Key derives a deterministic cache key from an operation name and its
// ordered arguments.
func Key(operation string, args ...any) string {
	var b strings.Builder
	b.WriteString(operation)
	for _, arg := range args {
		b.WriteByte('|')
		fmt.Fprint(&b, arg)
	}
	return b.String()
}

// Producer computes a value on a cache miss.
type Producer func(ctx context.Context) (any, error)

// CacheStats reports cache effectiveness counters.
type CacheStats struct {
	Size      int   `json:"size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Coalesced int64 `json:"coalesced"`
	Evictions int64 `json:"evictions"`
	Pending   int   `json:"pending"`
}

type cacheEntry struct {
	value    any
	storedAt time.Time
	ttl      time.Duration
}

func (e cacheEntry) fresh(now time.Time) bool {
	return now.Sub(e.storedAt) < e.ttl
}

type pendingCall struct {
	done  chan struct{}
	value any
	err   error
}

// Cache is a short-TTL response cache that also coalesces concurrent calls
// for the same key into a single upstream request.
type Cache struct {
	MaxEntries int
	Clock      func() time.Time
	Logger     *logging.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry
	pending map[string]*pendingCall
	stats   CacheStats
}

// NewCache returns an empty cache capped at maxEntries.
func NewCache(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheMaxEntries
	}
	return &Cache{MaxEntries: maxEntries}
}

// GetOrCompute returns a fresh cached value for key, joins an in-flight call
// for key, or runs producer. At most one producer runs per key at a time.
// A failed in-flight call is not shared: waiters retry on their own.
// Successful results are cached for ttl; ttl <= 0 disables caching but not
// coalescing.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, producer Producer) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		c.mu.Lock()
		c.init()

		if entry, ok := c.entries[key]; ok {
			if entry.fresh(c.now()) {
				c.stats.Hits++
				c.mu.Unlock()
				metrics.RecordCacheLookup("hit")
				return entry.value, nil
			}
			delete(c.entries, key)
		}

		if call, ok := c.pending[key]; ok {
			c.mu.Unlock()

			select {
			case <-call.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			if call.err == nil {
				c.mu.Lock()
				c.stats.Coalesced++
				c.mu.Unlock()
				metrics.RecordCacheLookup("coalesced")
				return call.value, nil
			}
			continue
		}

		call := &pendingCall{done: make(chan struct{})}
		c.pending[key] = call
		c.stats.Misses++
		c.mu.Unlock()
		metrics.RecordCacheLookup("miss")

		return c.run(ctx, key, ttl, call, producer)
	}
}

func (c *Cache) run(ctx context.Context, key string, ttl time.Duration, call *pendingCall, producer Producer) (value any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			value, err = nil, fmt.Errorf("cache producer panic: %v", recovered)
		}

		c.mu.Lock()
		if err == nil && ttl > 0 {
			c.entries[key] = cacheEntry{value: value, storedAt: c.now(), ttl: ttl}
			c.enforceLimit()
		}
		if c.pending[key] == call {
			delete(c.pending, key)
		}
		c.mu.Unlock()

		call.value, call.err = value, err
		close(call.done)
	}()

	return producer(ctx)
}

// Get returns a fresh cached value without computing anything.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !entry.fresh(c.now()) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

// Sweep removes expired entries and enforces the size cap. It returns the
// number of entries removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if !entry.fresh(now) {
			delete(c.entries, key)
			removed++
		}
	}
	c.stats.Evictions += int64(removed)
	return removed + c.enforceLimit()
}

// Run sweeps the cache every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 && c.Logger != nil {
				c.Logger.Debug("Cache sweep removed entries", zap.Int("removed", removed))
			}
		}
	}
}

// Clear drops every cached entry. In-flight calls are unaffected.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()

	stats := c.stats
	stats.Size = len(c.entries)
	stats.Pending = len(c.pending)
	return stats
}

// enforceLimit evicts the oldest entries until the cap holds. Callers hold mu.
func (c *Cache) enforceLimit() int {
	limit := c.MaxEntries
	if limit <= 0 {
		limit = DefaultCacheMaxEntries
	}

	removed := 0
	for len(c.entries) > limit {
		var (
			oldestKey string
			oldestAt  time.Time
			found     bool
		)
		for key, entry := range c.entries {
			if !found || entry.storedAt.Before(oldestAt) {
				oldestKey, oldestAt, found = key, entry.storedAt, true
			}
		}
		delete(c.entries, oldestKey)
		removed++
	}
	c.stats.Evictions += int64(removed)
	return removed
}

func (c *Cache) init() {
	if c.entries == nil {
		c.entries = make(map[string]cacheEntry)
	}
	if c.pending == nil {
		c.pending = make(map[string]*pendingCall)
	}
}

func (c *Cache) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now().UTC()
}
