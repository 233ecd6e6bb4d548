package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namelens/symscan/internal/config"
	"github.com/namelens/symscan/internal/core"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func testOptions(maxConcurrent int) Options {
	cfg := config.DefaultScannerConfig()
	cfg.MaxConcurrentValidations = maxConcurrent
	cfg.BatchSize = 4
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond
	cfg.ValidationTimeout = time.Second
	return Options{
		Config: cfg,
		Sleep:  noSleep,
		Probe: LoadProbeFunc(func(ctx context.Context) (core.LoadInfo, error) {
			return core.LoadInfo{}, errors.New("no load data")
		}),
	}
}

func symbolsN(n int) []string {
	symbols := make([]string, n)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("S%02d/USDT", i)
	}
	return symbols
}

// trackingValidator records peak concurrency and call counts.
type trackingValidator struct {
	mu       sync.Mutex
	calls    map[string]int
	order    []string
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	decide   func(symbol string, call int) (core.ValidationOutcome, error)
}

func (v *trackingValidator) ValidateAsset(ctx context.Context, symbol string) (core.ValidationOutcome, error) {
	current := v.inFlight.Add(1)
	defer v.inFlight.Add(-1)
	for {
		peak := v.peak.Load()
		if current <= peak || v.peak.CompareAndSwap(peak, current) {
			break
		}
	}

	v.mu.Lock()
	if v.calls == nil {
		v.calls = make(map[string]int)
	}
	v.calls[symbol]++
	call := v.calls[symbol]
	v.order = append(v.order, symbol)
	v.mu.Unlock()

	if v.delay > 0 {
		time.Sleep(v.delay)
	}
	if v.decide != nil {
		return v.decide(symbol, call)
	}
	return core.ValidationOutcome{IsValid: true}, nil
}

func (v *trackingValidator) Calls(symbol string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[symbol]
}

func assertComplete(t *testing.T, symbols []string, results []core.ValidationResult) {
	t.Helper()
	require.Len(t, results, len(symbols))

	seen := make(map[string]int, len(results))
	for _, r := range results {
		seen[r.Symbol]++
	}
	for _, symbol := range symbols {
		assert.Equal(t, 1, seen[symbol], symbol)
	}
}

func TestConcurrentTwelveSymbolsFiveSlots(t *testing.T) {
	symbols := symbolsN(12)
	v := &trackingValidator{delay: 5 * time.Millisecond}

	opts := testOptions(5)
	opts.Config.BatchSize = 20
	results := NewConcurrent(opts).Validate(context.Background(), symbols, v, nil)

	assertComplete(t, symbols, results)
	for _, r := range results {
		assert.True(t, r.IsValid)
	}
	assert.LessOrEqual(t, v.peak.Load(), int32(5))
}

func TestEveryStrategyReturnsOneResultPerSymbol(t *testing.T) {
	symbols := symbolsN(23)
	decide := func(symbol string, call int) (core.ValidationOutcome, error) {
		switch symbol[1] {
		case '1':
			return core.ValidationOutcome{Reason: "Failed checks: spread"}, nil
		case '2':
			return core.ValidationOutcome{}, &core.PermanentUpstreamError{Op: "fetch_ticker"}
		default:
			return core.ValidationOutcome{IsValid: true}, nil
		}
	}

	for _, kind := range Kinds() {
		t.Run(kind.String(), func(t *testing.T) {
			s, err := New(kind, testOptions(4))
			require.NoError(t, err)
			assert.Equal(t, kind, s.Kind())

			results := s.Validate(context.Background(), symbols, &trackingValidator{decide: decide}, nil)
			assertComplete(t, symbols, results)

			var valid, invalid, failed int
			for _, r := range results {
				switch r.Outcome() {
				case core.OutcomeValid:
					valid++
				case core.OutcomeInvalid:
					invalid++
				case core.OutcomeError:
					failed++
				}
			}
			assert.Equal(t, len(symbols), valid+invalid+failed)
			assert.Equal(t, 3, failed)
			assert.Equal(t, 10, invalid)
		})
	}
}

func TestProgressIsSerializedAndMonotonic(t *testing.T) {
	symbols := symbolsN(17)

	var mu sync.Mutex
	var seen []int
	progress := func(processed, total int, result core.ValidationResult) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, len(symbols), total)
		seen = append(seen, processed)
	}

	NewHighPerformance(testOptions(3)).Validate(context.Background(), symbols, &trackingValidator{}, progress)

	require.Len(t, seen, len(symbols))
	for i, processed := range seen {
		assert.Equal(t, i+1, processed)
	}
}

func TestConcurrentRetriesTransientFailures(t *testing.T) {
	var sleeps []time.Duration
	var mu sync.Mutex
	opts := testOptions(2)
	opts.Config.RetryDelay = 100 * time.Millisecond
	opts.Sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		sleeps = append(sleeps, d)
		return nil
	}

	v := &trackingValidator{decide: func(symbol string, call int) (core.ValidationOutcome, error) {
		if call < 3 {
			return core.ValidationOutcome{}, &core.TransientNetworkError{Op: "fetch_ticker"}
		}
		return core.ValidationOutcome{IsValid: true}, nil
	}}

	results := NewConcurrent(opts).Validate(context.Background(), []string{"BTC/USDT"}, v, nil)
	require.Len(t, results, 1)
	assert.True(t, results[0].IsValid)
	assert.Equal(t, 2, results[0].RetryCount)

	require.Len(t, sleeps, 2)
	assert.GreaterOrEqual(t, sleeps[0], 100*time.Millisecond)
	assert.LessOrEqual(t, sleeps[0], 110*time.Millisecond)
	assert.GreaterOrEqual(t, sleeps[1], 150*time.Millisecond)
	assert.LessOrEqual(t, sleeps[1], 165*time.Millisecond)
}

func TestConcurrentRetryExhaustion(t *testing.T) {
	v := &trackingValidator{decide: func(symbol string, call int) (core.ValidationOutcome, error) {
		return core.ValidationOutcome{}, errors.New("metadata missing")
	}}

	results := NewConcurrent(testOptions(2)).Validate(context.Background(), []string{"ETH/USDT"}, v, nil)
	require.Len(t, results, 1)
	assert.Equal(t, core.OutcomeError, results[0].Outcome())
	assert.Equal(t, 3, results[0].RetryCount)
	assert.Equal(t, "Validation error: metadata missing", results[0].Reason)
	assert.Equal(t, 3, v.Calls("ETH/USDT"))
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	v := &trackingValidator{decide: func(symbol string, call int) (core.ValidationOutcome, error) {
		return core.ValidationOutcome{}, &core.PermanentUpstreamError{Op: "fetch_ticker", StatusCode: 400}
	}}

	results := NewConcurrent(testOptions(2)).Validate(context.Background(), []string{"BAD/USDT"}, v, nil)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].RetryCount)
	assert.Equal(t, 1, v.Calls("BAD/USDT"))
}

func TestTimeoutBecomesErrorResult(t *testing.T) {
	opts := testOptions(2)
	opts.Config.ValidationTimeout = 20 * time.Millisecond
	opts.Config.MaxRetries = 0

	block := ValidatorFunc(func(ctx context.Context, symbol string) (core.ValidationOutcome, error) {
		<-ctx.Done()
		return core.ValidationOutcome{}, ctx.Err()
	})

	results := NewConcurrent(opts).Validate(context.Background(), []string{"SLOW/USDT"}, block, nil)
	require.Len(t, results, 1)
	assert.Equal(t, core.OutcomeError, results[0].Outcome())
	assert.Contains(t, results[0].Error, "timed out")
}

func TestPanickingValidatorIsContained(t *testing.T) {
	v := ValidatorFunc(func(ctx context.Context, symbol string) (core.ValidationOutcome, error) {
		if symbol == "S01/USDT" {
			panic("boom")
		}
		return core.ValidationOutcome{IsValid: true}, nil
	})

	symbols := symbolsN(3)
	results := NewHighPerformance(testOptions(2)).Validate(context.Background(), symbols, v, nil)
	assertComplete(t, symbols, results)
	for _, r := range results {
		if r.Symbol == "S01/USDT" {
			assert.Contains(t, r.Error, "panicked")
		} else {
			assert.True(t, r.IsValid)
		}
	}
}

func TestCancellationStillReturnsEverySymbol(t *testing.T) {
	symbols := symbolsN(40)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var count atomic.Int32
	v := ValidatorFunc(func(ctx context.Context, symbol string) (core.ValidationOutcome, error) {
		if count.Add(1) == 5 {
			cancel()
		}
		return core.ValidationOutcome{IsValid: true}, nil
	})

	opts := testOptions(1)
	opts.Config.MaxRetries = 0
	results := NewConcurrent(opts).Validate(ctx, symbols, v, nil)
	assertComplete(t, symbols, results)

	var cancelled int
	for _, r := range results {
		if r.Outcome() == core.OutcomeError {
			cancelled++
			assert.True(t, Interrupted(r), r.Error)
		}
	}
	assert.Greater(t, cancelled, 0)
	assert.Less(t, int(count.Load()), len(symbols))
}

func TestPriorityRunsPrioritySymbolsFirst(t *testing.T) {
	opts := testOptions(1)
	opts.Config.PrioritySymbols = []string{"ETH/USDT", "BTC/USDT"}
	symbols := []string{"AAA/USDT", "BTC/USDT", "ZZZ/USDT", "ETH/USDT", "MMM/USDT"}

	p := NewPriority(opts)
	priority, rest := p.Partition(symbols)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, priority)
	assert.Equal(t, []string{"AAA/USDT", "ZZZ/USDT", "MMM/USDT"}, rest)

	v := &trackingValidator{}
	results := p.Validate(context.Background(), symbols, v, nil)
	assertComplete(t, symbols, results)
	assert.ElementsMatch(t, []string{"BTC/USDT", "ETH/USDT"}, v.order[:2])
}

func TestAdaptiveThresholds(t *testing.T) {
	th := DefaultAdaptiveThresholds()
	load := func(cpu, mem float64) *core.LoadInfo { return &core.LoadInfo{CPUPercent: cpu, MemoryPercent: mem} }

	tests := []struct {
		name string
		n    int
		load *core.LoadInfo
		want Kind
	}{
		{"tiny workload", 5, load(10, 10), KindSequential},
		{"cpu pressure", 500, load(90, 10), KindSequential},
		{"memory pressure", 500, load(10, 90), KindSequential},
		{"medium and idle", 40, load(30, 40), KindConcurrent},
		{"medium and busy", 40, load(70, 40), KindConcurrent},
		{"large", 400, load(30, 40), KindPriority},
		{"unknown small", 10, nil, KindSequential},
		{"unknown medium", 100, nil, KindConcurrent},
		{"unknown large", 101, nil, KindPriority},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, th.Choose(tt.n, tt.load))
		})
	}
}

func TestAdaptiveSelect(t *testing.T) {
	opts := testOptions(4)
	a := NewAdaptive(opts)
	assert.Equal(t, KindSequential, a.Select(context.Background(), 3).Kind())
	assert.Equal(t, KindPriority, a.Select(context.Background(), 300).Kind())

	opts.Probe = LoadProbeFunc(func(ctx context.Context) (core.LoadInfo, error) {
		return core.LoadInfo{CPUPercent: 95}, nil
	})
	assert.Equal(t, KindSequential, NewAdaptive(opts).Select(context.Background(), 300).Kind())
}

func TestBatchAndChunkSizing(t *testing.T) {
	opts := testOptions(5)
	opts.Config.BatchSize = 20
	c := NewConcurrent(opts)
	assert.Equal(t, 10, c.BatchSize(12))
	assert.Equal(t, 20, c.BatchSize(1000))
	assert.Equal(t, 10*time.Millisecond, c.batchDelay(1))
	assert.Equal(t, 100*time.Millisecond, c.batchDelay(20))

	h := NewHighPerformance(opts)
	assert.Equal(t, 10, h.ChunkSize(12))
	assert.Equal(t, 25, h.ChunkSize(200))
	assert.Equal(t, 50, h.ChunkSize(5000))
	assert.Equal(t, 10, h.Workers())
	assert.Equal(t, 800*time.Millisecond, h.Timeout())
}

func TestConcurrentCollectsGarbagePeriodically(t *testing.T) {
	opts := testOptions(4)
	opts.Config.BatchSize = 10
	c := NewConcurrent(opts)
	var collections int
	c.collect = func() { collections++ }

	c.Validate(context.Background(), symbolsN(80), &trackingValidator{}, nil)
	assert.Equal(t, 2, collections)
}

func TestParseKind(t *testing.T) {
	for _, kind := range Kinds() {
		parsed, err := ParseKind(kind.String())
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}

	kind, err := ParseKind(" High-Performance ")
	require.NoError(t, err)
	assert.Equal(t, KindHighPerformance, kind)

	kind, err = ParseKind("bounded_concurrent")
	require.NoError(t, err)
	assert.Equal(t, KindConcurrent, kind)

	_, err = ParseKind("turbo")
	require.Error(t, err)

	for _, name := range config.KnownStrategies {
		_, err := ParseKind(name)
		assert.NoError(t, err, name)
	}
}

func TestForNameFallsBackToAdaptive(t *testing.T) {
	s, err := ForName("", testOptions(2))
	require.NoError(t, err)
	assert.Equal(t, KindHighPerformance, s.Kind())

	s, err = ForName("turbo", testOptions(2))
	require.Error(t, err)
	assert.Equal(t, KindAdaptive, s.Kind())
}

func TestSequentialValidatesInOrder(t *testing.T) {
	symbols := symbolsN(4)
	v := &trackingValidator{}
	results := NewSequential(testOptions(1)).Validate(context.Background(), symbols, v, nil)

	assertComplete(t, symbols, results)
	assert.Equal(t, symbols, v.order)
	assert.Equal(t, int32(1), v.peak.Load())
}

func TestHostLoadSampling(t *testing.T) {
	host := &HostLoadProbe{Interval: 20 * time.Millisecond}
	info, err := host.Load(context.Background())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, info.CPUPercent, 0.0)
	assert.LessOrEqual(t, info.CPUPercent, 100.0)
	assert.Greater(t, info.MemoryPercent, 0.0)
	assert.LessOrEqual(t, info.MemoryPercent, 100.0)
	assert.Greater(t, info.ProcessMemoryMB, 0.0)
}

func TestPriorityDisabledValidatesLikeConcurrent(t *testing.T) {
	opts := testOptions(1)
	opts.Config.EnablePriorityProcessing = false
	opts.Config.BatchSize = 20
	opts.Config.PrioritySymbols = []string{"S05/USDT"}
	symbols := symbolsN(6)

	v := &trackingValidator{}
	results := NewPriority(opts).Validate(context.Background(), symbols, v, nil)

	assertComplete(t, symbols, results)
	assert.Equal(t, symbols, v.order)
}

func TestThresholdsFromConfig(t *testing.T) {
	cfg := config.DefaultScannerConfig()
	assert.Equal(t, DefaultAdaptiveThresholds(), ThresholdsFromConfig(cfg))

	cfg.CPULimitPercent = 50
	cfg.MemoryLimitMB = 256
	cfg.Adaptive.TinyWorkload = 2
	cfg.Adaptive.MediumWorkload = 20
	cfg.Adaptive.FallbackConcurrentMax = 0

	th := ThresholdsFromConfig(cfg)
	assert.Equal(t, 50.0, th.CPUHigh)
	assert.Equal(t, 256.0, th.ProcessMemoryMaxMB)
	assert.Equal(t, 2, th.TinyWorkload)
	assert.Equal(t, 20, th.MediumWorkload)
	assert.Equal(t, 100, th.FallbackConcurrentMax, "unset values keep their defaults")

	assert.Equal(t, KindSequential, th.Choose(40, &core.LoadInfo{CPUPercent: 55, MemoryPercent: 10}))
	assert.Equal(t, KindSequential, th.Choose(400, &core.LoadInfo{CPUPercent: 10, MemoryPercent: 10, ProcessMemoryMB: 300}))
	assert.Equal(t, KindConcurrent, th.Choose(15, &core.LoadInfo{CPUPercent: 10, MemoryPercent: 10, ProcessMemoryMB: 100}))
	assert.Equal(t, KindPriority, th.Choose(21, &core.LoadInfo{CPUPercent: 10, MemoryPercent: 10}))
}

func TestAdaptiveUsesConfiguredThresholds(t *testing.T) {
	opts := testOptions(4)
	opts.Config.CPULimitPercent = 40
	opts.Probe = LoadProbeFunc(func(ctx context.Context) (core.LoadInfo, error) {
		return core.LoadInfo{CPUPercent: 45, MemoryPercent: 20}, nil
	})

	assert.Equal(t, KindSequential, NewAdaptive(opts).Select(context.Background(), 300).Kind())

	opts.Config.CPULimitPercent = 90
	assert.Equal(t, KindPriority, NewAdaptive(opts).Select(context.Background(), 300).Kind())
}

func TestHighPerformanceFinishesEachChunkBeforeTheNext(t *testing.T) {
	opts := testOptions(2)
	h := NewHighPerformance(opts)
	symbols := symbolsN(30)
	size := h.ChunkSize(len(symbols))
	require.Equal(t, 10, size)

	index := make(map[string]int, len(symbols))
	for i, symbol := range symbols {
		index[symbol] = i
	}

	var (
		mu         sync.Mutex
		running    = map[int]int{}
		latest     int
		violations []string
	)
	v := &trackingValidator{delay: 2 * time.Millisecond}
	inner := v.ValidateAsset
	wrapped := ValidatorFunc(func(ctx context.Context, symbol string) (core.ValidationOutcome, error) {
		chunk := index[symbol] / size

		mu.Lock()
		for earlier := 0; earlier < chunk; earlier++ {
			if running[earlier] > 0 {
				violations = append(violations, fmt.Sprintf("%s started while chunk %d was running", symbol, earlier))
			}
		}
		if chunk < latest {
			violations = append(violations, fmt.Sprintf("%s started after chunk %d", symbol, latest))
		}
		latest = max(latest, chunk)
		running[chunk]++
		mu.Unlock()

		defer func() {
			mu.Lock()
			running[chunk]--
			mu.Unlock()
		}()
		return inner(ctx, symbol)
	})

	results := h.Validate(context.Background(), symbols, wrapped, nil)
	assertComplete(t, symbols, results)
	assert.Empty(t, violations)
	assert.LessOrEqual(t, v.peak.Load(), int32(2*opts.Config.MaxConcurrentValidations))
	assert.Equal(t, 2, latest)
}

func TestProgressCallbackDoesNotBlockWorkers(t *testing.T) {
	opts := testOptions(4)
	opts.Config.BatchSize = 20
	symbols := symbolsN(8)
	v := &trackingValidator{}

	var (
		mu           sync.Mutex
		seen         []int
		othersDidRun bool
	)
	progress := func(processed, total int, result core.ValidationResult) {
		mu.Lock()
		first := len(seen) == 0
		seen = append(seen, processed)
		mu.Unlock()

		if first {
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				v.mu.Lock()
				n := len(v.order)
				v.mu.Unlock()
				if n == len(symbols) {
					othersDidRun = true
					break
				}
				time.Sleep(time.Millisecond)
			}
		}
	}

	results := NewConcurrent(opts).Validate(context.Background(), symbols, v, progress)
	assertComplete(t, symbols, results)
	assert.True(t, othersDidRun, "workers stalled behind a slow progress callback")

	require.Len(t, seen, len(symbols))
	for i, processed := range seen {
		assert.Equal(t, i+1, processed)
	}
}
