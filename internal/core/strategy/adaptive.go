package strategy

import (
	"context"

	"go.uber.org/zap"

	"github.com/namelens/symscan/internal/config"
	"github.com/namelens/symscan/internal/core"
)

// AdaptiveThresholds tune how Adaptive picks a strategy.
type AdaptiveThresholds struct {
	// With load information.
	TinyWorkload       int
	MediumWorkload     int
	CPUHigh            float64
	MemoryHigh         float64
	CPULow             float64
	MemoryLow          float64
	ProcessMemoryMaxMB float64

	// Count-only fallback when load is unknown.
	FallbackSequentialMax int
	FallbackConcurrentMax int
}

// DefaultAdaptiveThresholds returns the historical heuristics.
func DefaultAdaptiveThresholds() AdaptiveThresholds {
	return ThresholdsFromConfig(config.DefaultScannerConfig())
}

// ThresholdsFromConfig reads the adaptive block of cfg. CPUHigh comes from
// cpu_limit_percent and ProcessMemoryMaxMB from memory_limit_mb. Unset
// values keep their defaults.
func ThresholdsFromConfig(cfg config.ScannerConfig) AdaptiveThresholds {
	defaults := config.DefaultAdaptiveConfig()
	pick := func(value, fallback int) int {
		if value > 0 {
			return value
		}
		return fallback
	}
	pickf := func(value, fallback float64) float64 {
		if value > 0 {
			return value
		}
		return fallback
	}

	a := cfg.Adaptive
	return AdaptiveThresholds{
		TinyWorkload:          pick(a.TinyWorkload, defaults.TinyWorkload),
		MediumWorkload:        pick(a.MediumWorkload, defaults.MediumWorkload),
		CPUHigh:               pickf(float64(cfg.CPULimitPercent), 80),
		MemoryHigh:            pickf(a.MemoryHighPercent, defaults.MemoryHighPercent),
		CPULow:                pickf(a.CPULowPercent, defaults.CPULowPercent),
		MemoryLow:             pickf(a.MemoryLowPercent, defaults.MemoryLowPercent),
		ProcessMemoryMaxMB:    float64(max(cfg.MemoryLimitMB, 0)),
		FallbackSequentialMax: pick(a.FallbackSequentialMax, defaults.FallbackSequentialMax),
		FallbackConcurrentMax: pick(a.FallbackConcurrentMax, defaults.FallbackConcurrentMax),
	}
}

// overloaded reports whether load is past any ceiling.
func (t AdaptiveThresholds) overloaded(load core.LoadInfo) bool {
	if load.CPUPercent > t.CPUHigh || load.MemoryPercent > t.MemoryHigh {
		return true
	}
	return t.ProcessMemoryMaxMB > 0 && load.ProcessMemoryMB > t.ProcessMemoryMaxMB
}

// Choose picks a strategy kind for n symbols. load is nil when unknown.
func (t AdaptiveThresholds) Choose(n int, load *core.LoadInfo) Kind {
	if load == nil {
		switch {
		case n <= t.FallbackSequentialMax:
			return KindSequential
		case n <= t.FallbackConcurrentMax:
			return KindConcurrent
		default:
			return KindPriority
		}
	}

	switch {
	case n <= t.TinyWorkload || t.overloaded(*load):
		return KindSequential
	case n <= t.MediumWorkload && load.CPUPercent < t.CPULow && load.MemoryPercent < t.MemoryLow:
		return KindConcurrent
	case n > t.MediumWorkload:
		return KindPriority
	default:
		return KindConcurrent
	}
}

// Adaptive delegates to Sequential, Concurrent or Priority depending on the
// workload size and current host load.
type Adaptive struct {
	opts Options
}

// NewAdaptive returns an adaptive strategy.
func NewAdaptive(opts Options) *Adaptive {
	opts = opts.withDefaults()
	if opts.Probe == nil {
		opts.Probe = NewHostLoadProbe()
	}
	return &Adaptive{opts: opts}
}

// Kind reports KindAdaptive.
func (a *Adaptive) Kind() Kind { return KindAdaptive }

// Select returns the strategy Adaptive would delegate to for n symbols.
func (a *Adaptive) Select(ctx context.Context, n int) Strategy {
	var load *core.LoadInfo
	if info, err := a.opts.Probe.Load(ctx); err == nil {
		load = &info
	} else if a.opts.Logger != nil {
		a.opts.Logger.Warn("Host load unavailable, choosing strategy by symbol count", zap.Error(err))
	}

	kind := a.opts.Thresholds.Choose(n, load)
	if a.opts.Logger != nil {
		fields := []zap.Field{zap.String("strategy", kind.String()), zap.Int("symbols", n)}
		if load != nil {
			fields = append(fields,
				zap.Float64("cpu_percent", load.CPUPercent),
				zap.Float64("memory_percent", load.MemoryPercent),
				zap.Float64("process_memory_mb", load.ProcessMemoryMB))
		}
		a.opts.Logger.Info("Adaptive strategy selected", fields...)
	}

	switch kind {
	case KindSequential:
		return NewSequential(a.opts)
	case KindPriority:
		return NewPriority(a.opts)
	default:
		return NewConcurrent(a.opts)
	}
}

// Validate delegates to the selected strategy.
func (a *Adaptive) Validate(ctx context.Context, symbols []string, v Validator, progress ProgressFunc) []core.ValidationResult {
	return a.Select(ctx, len(symbols)).Validate(ctx, symbols, v, progress)
}
