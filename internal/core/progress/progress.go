// Package progress reports scan lifecycle events to any number of observers.
package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/namelens/symscan/internal/core"
)

// EventType names a scan lifecycle event.
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
)

// Event is the wire shape sent to external listeners.
type Event struct {
	Type      EventType `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Started is emitted once when validation begins.
type Started struct {
	ScanID      string `json:"scan_id"`
	TotalAssets int    `json:"total_assets"`
	Strategy    string `json:"strategy"`
}

// Progress is emitted as symbols finish.
type Progress struct {
	ScanID                        string  `json:"scan_id"`
	ProcessedCount                int     `json:"processed_count"`
	TotalAssets                   int     `json:"total_assets"`
	ProgressPercentage            float64 `json:"progress_percentage"`
	EstimatedRemainingTimeSeconds float64 `json:"estimated_remaining_time_seconds"`
	ValidAssetsCount              int     `json:"valid_assets_count"`
}

// Completed is emitted once a scan has been persisted and summarized.
type Completed struct {
	ScanID              string             `json:"scan_id"`
	ValidAssetsCount    int                `json:"valid_assets_count"`
	InvalidAssetsCount  int                `json:"invalid_assets_count"`
	ErrorCount          int                `json:"error_count"`
	TotalAssets         int                `json:"total_assets"`
	ScanDurationSeconds float64            `json:"scan_duration_seconds"`
	TopRejectionReasons []core.ReasonCount `json:"top_rejection_reasons,omitempty"`
}

// Failed is emitted when a scan aborts.
type Failed struct {
	ScanID string `json:"scan_id"`
	Error  string `json:"error"`
	Phase  string `json:"phase"`
}

// Observer receives scan events. Implementations must not block for long;
// they run on the scan's goroutines.
type Observer interface {
	OnStarted(ctx context.Context, e Started)
	OnProgress(ctx context.Context, e Progress)
	OnCompleted(ctx context.Context, e Completed)
	OnError(ctx context.Context, e Failed)
}

// NewEvent wraps a payload with its type.
func NewEvent(payload any) Event {
	event := Event{Payload: payload, Timestamp: time.Now().UTC()}
	switch payload.(type) {
	case Started, *Started:
		event.Type = EventStarted
	case Progress, *Progress:
		event.Type = EventProgress
	case Completed, *Completed:
		event.Type = EventCompleted
	default:
		event.Type = EventError
	}
	return event
}

// Composite fans events out to several observers. A panicking observer is
// logged and skipped; the others are still notified.
type Composite struct {
	Observers []Observer
	Logger    *logging.Logger
}

// NewComposite drops nil observers.
func NewComposite(logger *logging.Logger, observers ...Observer) *Composite {
	c := &Composite{Logger: logger}
	for _, o := range observers {
		if o != nil {
			c.Observers = append(c.Observers, o)
		}
	}
	return c
}

// Add registers another observer.
func (c *Composite) Add(o Observer) {
	if o != nil {
		c.Observers = append(c.Observers, o)
	}
}

func (c *Composite) OnStarted(ctx context.Context, e Started) {
	c.each(EventStarted, func(o Observer) { o.OnStarted(ctx, e) })
}

func (c *Composite) OnProgress(ctx context.Context, e Progress) {
	c.each(EventProgress, func(o Observer) { o.OnProgress(ctx, e) })
}

func (c *Composite) OnCompleted(ctx context.Context, e Completed) {
	c.each(EventCompleted, func(o Observer) { o.OnCompleted(ctx, e) })
}

func (c *Composite) OnError(ctx context.Context, e Failed) {
	c.each(EventError, func(o Observer) { o.OnError(ctx, e) })
}

func (c *Composite) each(event EventType, fn func(Observer)) {
	if c == nil {
		return
	}
	for _, o := range c.Observers {
		c.dispatch(event, o, fn)
	}
}

func (c *Composite) dispatch(event EventType, o Observer, fn func(Observer)) {
	defer func() {
		if r := recover(); r != nil && c.Logger != nil {
			c.Logger.Error("Progress observer failed",
				zap.String("event", string(event)),
				zap.String("observer", fmt.Sprintf("%T", o)),
				zap.Any("panic", r))
		}
	}()
	fn(o)
}

// Tracker derives percentages and remaining-time estimates.
type Tracker struct {
	ScanID  string
	Total   int
	Started time.Time
	Now     func() time.Time
}

// NewTracker starts tracking a scan of total symbols.
func NewTracker(scanID string, total int) *Tracker {
	return &Tracker{ScanID: scanID, Total: total, Started: time.Now(), Now: time.Now}
}

// Update builds the progress payload after processed symbols, valid of which
// passed.
func (t *Tracker) Update(processed, valid int) Progress {
	p := Progress{
		ScanID:           t.ScanID,
		ProcessedCount:   processed,
		TotalAssets:      t.Total,
		ValidAssetsCount: valid,
	}
	if t.Total <= 0 {
		p.ProgressPercentage = 100
		return p
	}

	p.ProgressPercentage = float64(processed) / float64(t.Total) * 100
	if processed > 0 && processed < t.Total {
		now := time.Now
		if t.Now != nil {
			now = t.Now
		}
		elapsed := now().Sub(t.Started).Seconds()
		p.EstimatedRemainingTimeSeconds = elapsed / float64(processed) * float64(t.Total-processed)
	}
	return p
}
