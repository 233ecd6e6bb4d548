package progress

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/namelens/symscan/internal/config"
	"github.com/namelens/symscan/internal/metrics"
)

// LoggingObserver logs lifecycle events. Progress is logged every Interval
// symbols and on completion of the last one.
type LoggingObserver struct {
	Logger   *logging.Logger
	Interval int
}

// NewLoggingObserver logs progress every interval symbols.
func NewLoggingObserver(logger *logging.Logger, interval int) *LoggingObserver {
	if interval <= 0 {
		interval = 50
	}
	return &LoggingObserver{Logger: logger, Interval: interval}
}

func (l *LoggingObserver) OnStarted(ctx context.Context, e Started) {
	if l.Logger == nil {
		return
	}
	l.Logger.Info("Scan validation started",
		zap.String("scan_id", e.ScanID),
		zap.Int("total_assets", e.TotalAssets),
		zap.String("strategy", e.Strategy))
}

func (l *LoggingObserver) OnProgress(ctx context.Context, e Progress) {
	if l.Logger == nil || !l.ShouldLog(e) {
		return
	}
	l.Logger.Info("Scan progress",
		zap.String("scan_id", e.ScanID),
		zap.Int("processed", e.ProcessedCount),
		zap.Int("total", e.TotalAssets),
		zap.Float64("percent", e.ProgressPercentage),
		zap.Float64("eta_seconds", e.EstimatedRemainingTimeSeconds))
}

// ShouldLog reports whether e falls on the logging interval.
func (l *LoggingObserver) ShouldLog(e Progress) bool {
	interval := l.Interval
	if interval <= 0 {
		interval = 1
	}
	return e.ProcessedCount%interval == 0 || e.ProcessedCount >= e.TotalAssets
}

func (l *LoggingObserver) OnCompleted(ctx context.Context, e Completed) {
	if l.Logger == nil {
		return
	}
	l.Logger.Info("Scan completed",
		zap.String("scan_id", e.ScanID),
		zap.Int("total_assets", e.TotalAssets),
		zap.Int("valid", e.ValidAssetsCount),
		zap.Int("invalid", e.InvalidAssetsCount),
		zap.Int("errors", e.ErrorCount),
		zap.Float64("duration_seconds", e.ScanDurationSeconds))
}

func (l *LoggingObserver) OnError(ctx context.Context, e Failed) {
	if l.Logger == nil {
		return
	}
	l.Logger.Error("Scan failed",
		zap.String("scan_id", e.ScanID),
		zap.String("phase", e.Phase),
		zap.String("error", e.Error))
}

// Broadcaster forwards events to in-process subscribers, such as server-sent
// event streams. Slow subscribers lose events instead of blocking the scan.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	next    int
	buffer  int
	dropped atomic.Int64
}

// NewBroadcaster gives each subscriber a buffer of the given size.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe returns an event channel and a function that closes it.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Subscribers returns the number of open subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Broadcaster) Dropped() int64 { return b.dropped.Load() }

// Publish delivers e to every subscriber without blocking.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Broadcaster) OnStarted(ctx context.Context, e Started)     { b.Publish(NewEvent(e)) }
func (b *Broadcaster) OnProgress(ctx context.Context, e Progress)   { b.Publish(NewEvent(e)) }
func (b *Broadcaster) OnCompleted(ctx context.Context, e Completed) { b.Publish(NewEvent(e)) }
func (b *Broadcaster) OnError(ctx context.Context, e Failed)        { b.Publish(NewEvent(e)) }

// Publisher is the part of a Redis client the observer needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisObserver publishes JSON events on a Redis channel so other processes
// can follow a scan.
type RedisObserver struct {
	Client  Publisher
	Channel string
	Logger  *logging.Logger
}

// NewRedisObserver connects to Redis using cfg. The returned close function
// releases the connection pool.
func NewRedisObserver(cfg config.RedisConfig, logger *logging.Logger) (*RedisObserver, func() error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	channel := cfg.Channel
	if channel == "" {
		channel = "symscan:scan-events"
	}
	return &RedisObserver{Client: client, Channel: channel, Logger: logger}, client.Close
}

func (r *RedisObserver) OnStarted(ctx context.Context, e Started)     { r.publish(ctx, NewEvent(e)) }
func (r *RedisObserver) OnProgress(ctx context.Context, e Progress)   { r.publish(ctx, NewEvent(e)) }
func (r *RedisObserver) OnCompleted(ctx context.Context, e Completed) { r.publish(ctx, NewEvent(e)) }
func (r *RedisObserver) OnError(ctx context.Context, e Failed)        { r.publish(ctx, NewEvent(e)) }

func (r *RedisObserver) publish(ctx context.Context, e Event) {
	if r == nil || r.Client == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		r.warn("Failed to encode scan event", e, err)
		return
	}
	if err := r.Client.Publish(ctx, r.Channel, payload).Err(); err != nil {
		r.warn("Failed to publish scan event", e, err)
	}
}

func (r *RedisObserver) warn(msg string, e Event, err error) {
	if r.Logger == nil {
		return
	}
	r.Logger.Warn(msg,
		zap.String("channel", r.Channel),
		zap.String("event", string(e.Type)),
		zap.Error(err))
}

// MetricsObserver mirrors scan progress into telemetry.
type MetricsObserver struct{}

func (MetricsObserver) OnStarted(ctx context.Context, e Started) {
	metrics.SetScanProgress(0)
}

func (MetricsObserver) OnProgress(ctx context.Context, e Progress) {
	metrics.SetScanProgress(e.ProgressPercentage)
}

func (MetricsObserver) OnCompleted(ctx context.Context, e Completed) {
	metrics.SetScanProgress(100)
	metrics.RecordOperation("scan", true)
}

func (MetricsObserver) OnError(ctx context.Context, e Failed) {
	metrics.RecordOperation("scan", false)
	metrics.RecordOperationError("scan", e.Phase)
}
