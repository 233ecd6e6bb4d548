// Package engine runs asset scans: discover listed markets, filter them,
// validate every symbol, persist the results and report a summary.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/namelens/symscan/internal/config"
	"github.com/namelens/symscan/internal/core"
	"github.com/namelens/symscan/internal/core/progress"
	"github.com/namelens/symscan/internal/core/store"
	"github.com/namelens/symscan/internal/core/strategy"
	"github.com/namelens/symscan/internal/metrics"
)

// State is the scanner's lifecycle position.
type State string

const (
	StateIdle        State = "idle"
	StateDiscovering State = "discovering"
	StateFiltering   State = "filtering"
	StateValidating  State = "validating"
	StatePersisting  State = "persisting"
	StateReporting   State = "reporting"
	StateFailed      State = "failed"
)

// Run states recorded in scan history.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
)

const topRejectionReasons = 5

// ErrScanInProgress is returned when a scan is requested while one runs.
var ErrScanInProgress = errors.New("scan already in progress")

// ErrNoMarkets aborts a scan whose discovery returned nothing.
var ErrNoMarkets = errors.New("exchange returned no markets")

// MarketSource lists instruments. Implementations go through the gateway.
type MarketSource interface {
	Markets(ctx context.Context) ([]core.Market, error)
}

// Store is the persistence collaborator.
type Store interface {
	GetBySymbol(ctx context.Context, symbol string) (*core.Asset, error)
	Create(ctx context.Context, asset core.Asset) (*core.Asset, error)
	BulkUpsertValidation(ctx context.Context, results []core.ValidationResult, chunkSize int) (store.UpsertReport, error)
	RecordScanRun(ctx context.Context, run core.ScanRun) error
	SaveEndpointStats(ctx context.Context, stats []core.EndpointStats) error
}

// RunOptions adjust a single scan.
type RunOptions struct {
	// Strategy overrides the configured strategy name.
	Strategy string
}

// Status is a snapshot of the scanner.
type Status struct {
	State   State            `json:"state"`
	Running bool             `json:"running"`
	Current *core.ScanRun    `json:"current,omitempty"`
	Last    *core.ScanResult `json:"last,omitempty"`
}

// Scanner orchestrates scans. Only one scan runs at a time.
type Scanner struct {
	Markets   MarketSource
	Validator strategy.Validator
	Store     Store
	Observer  progress.Observer
	Config    config.ScannerConfig
	Strategy  strategy.Options
	Logger    *logging.Logger

	// EndpointStats supplies gateway counters persisted after each scan.
	EndpointStats func() []core.EndpointStats

	Clock func() time.Time

	mu      sync.Mutex
	state   State
	running bool
	current *core.ScanRun
	last    *core.ScanResult
}

// Status reports the current state and the last completed scan.
func (s *Scanner) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{State: s.state, Running: s.running, Last: s.last}
	if status.State == "" {
		status.State = StateIdle
	}
	if s.current != nil {
		current := *s.current
		status.Current = &current
	}
	return status
}

// Run performs one scan and blocks until it finishes.
func (s *Scanner) Run(ctx context.Context, opts RunOptions) (*core.ScanResult, error) {
	run, err := s.begin(opts)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, run)
}

// Trigger starts a scan in the background and returns its id. It fails
// immediately with ErrScanInProgress if a scan is running.
func (s *Scanner) Trigger(ctx context.Context, opts RunOptions) (string, error) {
	run, err := s.begin(opts)
	if err != nil {
		return "", err
	}
	go func() {
		_, _ = s.execute(ctx, run)
	}()
	return run.ID, nil
}

// RunEvery scans on a fixed interval until ctx is done. Ticks that arrive
// while a scan is still running are skipped.
func (s *Scanner) RunEvery(ctx context.Context, interval time.Duration, opts RunOptions) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx, opts); err != nil && s.Logger != nil {
				if errors.Is(err, ErrScanInProgress) {
					s.Logger.Debug("Skipping scheduled scan, previous scan still running")
				} else {
					s.Logger.Warn("Scheduled scan failed", zap.Error(err))
				}
			}
		}
	}
}

func (s *Scanner) begin(opts RunOptions) (*core.ScanRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil, ErrScanInProgress
	}

	name := strings.TrimSpace(opts.Strategy)
	if name == "" {
		name = s.Config.Strategy
	}

	run := &core.ScanRun{
		ID:        uuid.NewString(),
		Strategy:  name,
		State:     string(StateDiscovering),
		StartedAt: s.now(),
	}
	s.running = true
	s.current = run
	s.state = StateDiscovering
	return run, nil
}

func (s *Scanner) execute(ctx context.Context, run *core.ScanRun) (*core.ScanResult, error) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.current = nil
		s.mu.Unlock()
	}()

	started := s.now()
	s.recordRun(ctx, *run)
	s.logInfo("Scan started", zap.String("scan_id", run.ID), zap.String("strategy", run.Strategy))

	markets, err := s.Markets.Markets(ctx)
	if err == nil && len(markets) == 0 {
		err = ErrNoMarkets
	}
	if err != nil {
		return nil, s.fail(ctx, run, StateDiscovering, err)
	}

	s.setState(run, StateFiltering)
	var priority []string
	if s.Config.EnablePriorityProcessing {
		priority = s.Config.PrioritySymbols
	}
	symbols := FilterSymbols(markets, s.Config.QuoteCurrency, priority)
	s.logInfo("Markets filtered",
		zap.String("scan_id", run.ID),
		zap.Int("discovered", len(markets)),
		zap.Int("eligible", len(symbols)))

	s.setState(run, StateValidating)
	strat, err := strategy.ForName(run.Strategy, s.strategyOptions())
	if err != nil {
		s.logWarn("Unknown strategy, using adaptive", zap.String("strategy", run.Strategy), zap.Error(err))
	}
	s.mu.Lock()
	run.Strategy = strat.Kind().String()
	s.mu.Unlock()
	results := s.validate(ctx, run, strat, symbols)

	if ctxErr := ctx.Err(); ctxErr != nil {
		s.setState(run, StatePersisting)
		if err := s.persist(context.WithoutCancel(ctx), run, markets, finished(results)); err != nil {
			s.logWarn("Failed to persist partial scan", zap.String("scan_id", run.ID), zap.Error(err))
		}
		return nil, s.fail(ctx, run, StateValidating, ctxErr)
	}

	s.setState(run, StatePersisting)
	if err := s.persist(ctx, run, markets, results); err != nil {
		return nil, s.fail(ctx, run, StatePersisting, err)
	}

	s.setState(run, StateReporting)
	summary := core.Summarize(results, topRejectionReasons)
	summary.ID = run.ID
	summary.Strategy = run.Strategy
	summary.ScanTimestamp = started
	summary.Duration = s.now().Sub(started)

	notCancelled := context.WithoutCancel(ctx)
	s.notify(func(o progress.Observer) {
		o.OnCompleted(notCancelled, progress.Completed{
			ScanID:              run.ID,
			ValidAssetsCount:    len(summary.ValidAssets),
			InvalidAssetsCount:  len(summary.InvalidAssets),
			ErrorCount:          len(summary.Errors),
			TotalAssets:         summary.TotalDiscovered,
			ScanDurationSeconds: summary.Duration.Seconds(),
			TopRejectionReasons: summary.RejectionReasons,
		})
	})
	metrics.RecordScan(run.Strategy, RunCompleted, summary.Duration, summary.TotalDiscovered, len(summary.ValidAssets))

	if s.EndpointStats != nil && s.Store != nil {
		if err := s.Store.SaveEndpointStats(ctx, s.EndpointStats()); err != nil {
			s.logWarn("Failed to save endpoint stats", zap.Error(err))
		}
	}

	finishedAt := s.now()
	s.mu.Lock()
	run.State = RunCompleted
	run.FinishedAt = &finishedAt
	run.TotalDiscovered = summary.TotalDiscovered
	run.ValidCount = len(summary.ValidAssets)
	run.InvalidCount = len(summary.InvalidAssets)
	run.ErrorCount = len(summary.Errors)
	s.mu.Unlock()
	s.recordRun(ctx, *run)

	if s.Logger != nil {
		fields := []zap.Field{
			zap.String("scan_id", run.ID),
			zap.Int("total", summary.TotalDiscovered),
			zap.Int("valid", run.ValidCount),
			zap.Int("invalid", run.InvalidCount),
			zap.Int("errors", run.ErrorCount),
			zap.Duration("duration", summary.Duration),
		}
		for i, reason := range summary.RejectionReasons {
			fields = append(fields, zap.String(fmt.Sprintf("reason_%d", i+1), fmt.Sprintf("%s (%d)", reason.Reason, reason.Count)))
		}
		s.Logger.Info("Scan finished", fields...)
	}

	s.mu.Lock()
	s.state = StateIdle
	s.last = &summary
	s.mu.Unlock()

	return &summary, nil
}

func (s *Scanner) validate(ctx context.Context, run *core.ScanRun, strat strategy.Strategy, symbols []string) []core.ValidationResult {
	s.notify(func(o progress.Observer) {
		o.OnStarted(ctx, progress.Started{ScanID: run.ID, TotalAssets: len(symbols), Strategy: run.Strategy})
	})

	tracker := progress.NewTracker(run.ID, len(symbols))
	if s.Clock != nil {
		tracker.Now = s.Clock
		tracker.Started = s.now()
	}
	valid := 0
	onResult := func(processed, total int, result core.ValidationResult) {
		if result.IsValid {
			valid++
		}
		metrics.RecordValidation(string(result.Outcome()), result.Duration)
		update := tracker.Update(processed, valid)
		s.notify(func(o progress.Observer) { o.OnProgress(ctx, update) })
	}

	if s.Validator == nil {
		results := make([]core.ValidationResult, len(symbols))
		for i, symbol := range symbols {
			results[i] = core.ValidationResult{Symbol: symbol, Error: "validator is not configured",
				Reason: "Validation error: validator is not configured", ValidatedAt: s.now()}
			onResult(i+1, len(symbols), results[i])
		}
		return results
	}
	return strat.Validate(ctx, symbols, s.Validator, onResult)
}

// persist bootstraps missing asset records and bulk writes the results.
// Only a failed transaction is returned; per-record failures are logged.
func (s *Scanner) persist(ctx context.Context, run *core.ScanRun, markets []core.Market, results []core.ValidationResult) error {
	if s.Store == nil || len(results) == 0 {
		return nil
	}

	bySymbol := make(map[string]core.Market, len(markets))
	for _, m := range markets {
		bySymbol[m.Symbol] = m
	}

	created := 0
	for _, r := range results {
		existing, err := s.Store.GetBySymbol(ctx, r.Symbol)
		if err != nil {
			s.logWarn("Asset lookup failed", zap.String("symbol", r.Symbol), zap.Error(err))
			continue
		}
		if existing != nil {
			continue
		}
		m := bySymbol[r.Symbol]
		if _, err := s.Store.Create(ctx, core.Asset{
			Symbol:        r.Symbol,
			BaseCurrency:  m.Base,
			QuoteCurrency: m.Quote,
			MinOrderSize:  m.MinOrderSize,
		}); err != nil {
			s.logWarn("Asset bootstrap failed", zap.String("symbol", r.Symbol), zap.Error(err))
			continue
		}
		created++
	}

	report, err := s.Store.BulkUpsertValidation(ctx, results, s.Config.DBBatchSize)
	for _, failed := range report.Failed {
		s.logWarn("Skipping validation result", zap.String("symbol", failed.Symbol), zap.Error(failed.Err))
	}
	if err != nil {
		return err
	}

	s.logInfo("Validation results persisted",
		zap.String("scan_id", run.ID),
		zap.Int("created", created),
		zap.Int("written", report.Written),
		zap.Int("skipped", len(report.Failed)))
	return nil
}

func (s *Scanner) fail(ctx context.Context, run *core.ScanRun, phase State, err error) error {
	fatal := &core.ScanFatalError{Phase: string(phase), Err: err}

	finishedAt := s.now()
	s.mu.Lock()
	s.state = StateFailed
	run.State = RunFailed
	run.FinishedAt = &finishedAt
	run.Error = err.Error()
	s.mu.Unlock()

	notCancelled := context.WithoutCancel(ctx)
	s.notify(func(o progress.Observer) {
		o.OnError(notCancelled, progress.Failed{ScanID: run.ID, Error: err.Error(), Phase: string(phase)})
	})

	s.recordRun(notCancelled, *run)
	metrics.RecordScan(run.Strategy, RunFailed, finishedAt.Sub(run.StartedAt), run.TotalDiscovered, run.ValidCount)

	s.logError("Scan failed", zap.String("scan_id", run.ID), zap.String("phase", string(phase)), zap.Error(err))
	return fatal
}

func (s *Scanner) setState(run *core.ScanRun, state State) {
	s.mu.Lock()
	s.state = state
	run.State = string(state)
	s.mu.Unlock()
	if s.Logger != nil {
		s.Logger.Debug("Scan state changed", zap.String("scan_id", run.ID), zap.String("state", string(state)))
	}
}

func (s *Scanner) recordRun(ctx context.Context, run core.ScanRun) {
	if s.Store == nil {
		return
	}
	if err := s.Store.RecordScanRun(ctx, run); err != nil {
		s.logWarn("Failed to record scan run", zap.String("scan_id", run.ID), zap.Error(err))
	}
}

func (s *Scanner) notify(fn func(progress.Observer)) {
	if s.Observer != nil {
		fn(s.Observer)
	}
}

func (s *Scanner) strategyOptions() strategy.Options {
	opts := s.Strategy
	opts.Config = s.Config
	if opts.Logger == nil {
		opts.Logger = s.Logger
	}
	return opts
}

func (s *Scanner) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

func (s *Scanner) logInfo(msg string, fields ...zap.Field) {
	if s.Logger != nil {
		s.Logger.Info(msg, fields...)
	}
}

func (s *Scanner) logWarn(msg string, fields ...zap.Field) {
	if s.Logger != nil {
		s.Logger.Warn(msg, fields...)
	}
}

func (s *Scanner) logError(msg string, fields ...zap.Field) {
	if s.Logger != nil {
		s.Logger.Error(msg, fields...)
	}
}

// FilterSymbols keeps active markets quoted in quote. Symbols listed in
// priority come first in that order; the rest follow lexicographically.
func FilterSymbols(markets []core.Market, quote string, priority []string) []string {
	quote = strings.ToUpper(strings.TrimSpace(quote))

	eligible := make(map[string]struct{}, len(markets))
	for _, m := range markets {
		if !m.Active {
			continue
		}
		if quote != "" && !strings.EqualFold(m.Quote, quote) {
			continue
		}
		eligible[m.Symbol] = struct{}{}
	}

	ordered := make([]string, 0, len(eligible))
	for _, symbol := range priority {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if _, ok := eligible[symbol]; ok {
			ordered = append(ordered, symbol)
			delete(eligible, symbol)
		}
	}

	rest := make([]string, 0, len(eligible))
	for symbol := range eligible {
		rest = append(rest, symbol)
	}
	sort.Strings(rest)
	return append(ordered, rest...)
}

// finished drops results that only exist because the scan was cancelled.
func finished(results []core.ValidationResult) []core.ValidationResult {
	out := make([]core.ValidationResult, 0, len(results))
	for _, r := range results {
		if strategy.Interrupted(r) {
			continue
		}
		out = append(out, r)
	}
	return out
}
