package progress

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/telemetry"
	telemetrytesting "github.com/fulmenhq/gofulmen/telemetry/testing"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namelens/symscan/internal/metrics"
	"github.com/namelens/symscan/internal/observability"
)

type recordingObserver struct {
	events []EventType
}

func (r *recordingObserver) OnStarted(ctx context.Context, e Started) {
	r.events = append(r.events, EventStarted)
}
func (r *recordingObserver) OnProgress(ctx context.Context, e Progress) {
	r.events = append(r.events, EventProgress)
}
func (r *recordingObserver) OnCompleted(ctx context.Context, e Completed) {
	r.events = append(r.events, EventCompleted)
}
func (r *recordingObserver) OnError(ctx context.Context, e Failed) {
	r.events = append(r.events, EventError)
}

type panickingObserver struct{ recordingObserver }

func (p *panickingObserver) OnProgress(ctx context.Context, e Progress) {
	panic("observer exploded")
}

func TestCompositeIsolatesFailingObservers(t *testing.T) {
	first := &recordingObserver{}
	bad := &panickingObserver{}
	last := &recordingObserver{}

	c := NewComposite(observability.CLILogger, first, nil, bad, last)
	require.Len(t, c.Observers, 3)

	ctx := context.Background()
	c.OnStarted(ctx, Started{TotalAssets: 2})
	c.OnProgress(ctx, Progress{ProcessedCount: 1, TotalAssets: 2})
	c.OnCompleted(ctx, Completed{TotalAssets: 2})
	c.OnError(ctx, Failed{Phase: "discovering"})

	want := []EventType{EventStarted, EventProgress, EventCompleted, EventError}
	assert.Equal(t, want, first.events)
	assert.Equal(t, want, last.events)
	assert.Equal(t, []EventType{EventStarted, EventCompleted, EventError}, bad.events)
}

func TestNilCompositeIsSafe(t *testing.T) {
	var c *Composite
	c.OnProgress(context.Background(), Progress{})
}

func TestTrackerEstimatesRemainingTime(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(10 * time.Second)
	tr := &Tracker{ScanID: "scan-1", Total: 100, Started: start, Now: func() time.Time { return now }}

	p := tr.Update(25, 20)
	assert.Equal(t, "scan-1", p.ScanID)
	assert.InDelta(t, 25.0, p.ProgressPercentage, 0.0001)
	assert.InDelta(t, 30.0, p.EstimatedRemainingTimeSeconds, 0.0001)
	assert.Equal(t, 20, p.ValidAssetsCount)

	done := tr.Update(100, 80)
	assert.InDelta(t, 100.0, done.ProgressPercentage, 0.0001)
	assert.Zero(t, done.EstimatedRemainingTimeSeconds)

	empty := (&Tracker{}).Update(0, 0)
	assert.InDelta(t, 100.0, empty.ProgressPercentage, 0.0001)
}

func TestLoggingObserverThrottles(t *testing.T) {
	l := NewLoggingObserver(nil, 50)
	assert.False(t, l.ShouldLog(Progress{ProcessedCount: 49, TotalAssets: 120}))
	assert.True(t, l.ShouldLog(Progress{ProcessedCount: 50, TotalAssets: 120}))
	assert.True(t, l.ShouldLog(Progress{ProcessedCount: 120, TotalAssets: 120}))

	// Nil logger is silent.
	l.OnProgress(context.Background(), Progress{ProcessedCount: 50, TotalAssets: 120})
}

func TestBroadcasterDeliversAndDrops(t *testing.T) {
	b := NewBroadcaster(1)
	events, unsubscribe := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())

	b.OnStarted(context.Background(), Started{ScanID: "s", TotalAssets: 3})
	b.OnProgress(context.Background(), Progress{ScanID: "s", ProcessedCount: 1})

	event := <-events
	assert.Equal(t, EventStarted, event.Type)
	assert.Equal(t, int64(1), b.Dropped())

	unsubscribe()
	unsubscribe()
	_, open := <-events
	assert.False(t, open)
	assert.Zero(t, b.Subscribers())

	b.OnCompleted(context.Background(), Completed{})
}

func TestEventJSONShape(t *testing.T) {
	raw, err := json.Marshal(NewEvent(Progress{ProcessedCount: 5, TotalAssets: 10, ProgressPercentage: 50}))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "progress", decoded["type"])

	payload, ok := decoded["payload"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 5, payload["processed_count"])
	assert.EqualValues(t, 10, payload["total_assets"])
	assert.EqualValues(t, 50, payload["progress_percentage"])
	assert.Contains(t, payload, "estimated_remaining_time_seconds")

	assert.Equal(t, EventError, NewEvent(Failed{}).Type)
	assert.Equal(t, EventCompleted, NewEvent(&Completed{}).Type)
}

type fakePublisher struct {
	channels []string
	messages [][]byte
	err      error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channels = append(f.channels, channel)
	if b, ok := message.([]byte); ok {
		f.messages = append(f.messages, b)
	}
	return redis.NewIntResult(1, f.err)
}

func TestRedisObserverPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	r := &RedisObserver{Client: pub, Channel: "scans"}

	r.OnCompleted(context.Background(), Completed{ScanID: "abc", ValidAssetsCount: 7, TotalAssets: 9})

	require.Len(t, pub.messages, 1)
	assert.Equal(t, []string{"scans"}, pub.channels)

	var event struct {
		Type    string    `json:"type"`
		Payload Completed `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(pub.messages[0], &event))
	assert.Equal(t, "completed", event.Type)
	assert.Equal(t, 7, event.Payload.ValidAssetsCount)
}

func TestRedisObserverSwallowsPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	r := &RedisObserver{Client: pub, Channel: "scans", Logger: observability.CLILogger}

	r.OnError(context.Background(), Failed{Error: "boom", Phase: "discovering"})
	assert.Len(t, pub.messages, 1)

	var nilObserver *RedisObserver
	nilObserver.OnStarted(context.Background(), Started{})
}

func TestMetricsObserverEmits(t *testing.T) {
	collector := telemetrytesting.NewFakeCollector()
	sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: true, Emitter: collector})
	require.NoError(t, err)

	original := observability.TelemetrySystem
	observability.TelemetrySystem = sys
	t.Cleanup(func() { observability.TelemetrySystem = original })

	var m MetricsObserver
	m.OnProgress(context.Background(), Progress{ProgressPercentage: 40})
	m.OnCompleted(context.Background(), Completed{})

	assert.Equal(t, 2, collector.CountMetricsByName(metrics.ScanProgress))
	assert.Equal(t, 1, collector.CountMetricsByName(metrics.OperationsTotal))
}
