// Package strategy holds the interchangeable concurrency disciplines used to
// validate a scan's symbols. Every strategy returns exactly one result per
// input symbol; failures become error results instead of being dropped.
package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"

	"github.com/namelens/symscan/internal/config"
	"github.com/namelens/symscan/internal/core"
)

// Validator is the per-symbol capability a strategy drives. It must be safe
// for concurrent use.
type Validator interface {
	ValidateAsset(ctx context.Context, symbol string) (core.ValidationOutcome, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, symbol string) (core.ValidationOutcome, error)

// ValidateAsset calls f.
func (f ValidatorFunc) ValidateAsset(ctx context.Context, symbol string) (core.ValidationOutcome, error) {
	return f(ctx, symbol)
}

// ProgressFunc is called once per finished symbol. Calls are serialized and
// processed increases by one each time.
type ProgressFunc func(processed, total int, result core.ValidationResult)

// Strategy validates a set of symbols.
type Strategy interface {
	Kind() Kind
	Validate(ctx context.Context, symbols []string, v Validator, progress ProgressFunc) []core.ValidationResult
}

// Kind names a strategy.
type Kind int

const (
	KindSequential Kind = iota
	KindConcurrent
	KindPriority
	KindAdaptive
	KindHighPerformance
)

var kindNames = [...]string{
	KindSequential:      "sequential",
	KindConcurrent:      "concurrent",
	KindPriority:        "priority",
	KindAdaptive:        "adaptive",
	KindHighPerformance: "high_performance",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Kinds lists every strategy in declaration order.
func Kinds() []Kind {
	return []Kind{KindSequential, KindConcurrent, KindPriority, KindAdaptive, KindHighPerformance}
}

// ParseKind accepts a strategy name, case-insensitively. "bounded_concurrent"
// and "high-performance" style spellings are accepted too.
func ParseKind(name string) (Kind, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	if normalized == "bounded_concurrent" {
		normalized = "concurrent"
	}
	for _, k := range Kinds() {
		if kindNames[k] == normalized {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown strategy %q", name)
}

// Options carry everything a strategy may need. Zero values fall back to
// defaults.
type Options struct {
	Config     config.ScannerConfig
	Thresholds AdaptiveThresholds
	Probe      LoadProbe
	Logger     *logging.Logger

	// Sleep waits between batches and retries. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o Options) withDefaults() Options {
	defaults := config.DefaultScannerConfig()
	cfg := o.Config
	if cfg.MaxConcurrentValidations <= 0 {
		cfg.MaxConcurrentValidations = defaults.MaxConcurrentValidations
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ValidationTimeout <= 0 {
		cfg.ValidationTimeout = defaults.ValidationTimeout
	}
	o.Config = cfg

	if o.Thresholds == (AdaptiveThresholds{}) {
		o.Thresholds = ThresholdsFromConfig(cfg)
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	return o
}

// New builds the strategy for kind.
func New(kind Kind, opts Options) (Strategy, error) {
	opts = opts.withDefaults()
	switch kind {
	case KindSequential:
		return NewSequential(opts), nil
	case KindConcurrent:
		return NewConcurrent(opts), nil
	case KindPriority:
		return NewPriority(opts), nil
	case KindAdaptive:
		return NewAdaptive(opts), nil
	case KindHighPerformance:
		return NewHighPerformance(opts), nil
	default:
		return nil, fmt.Errorf("unknown strategy %s", kind)
	}
}

// ForName builds the strategy named by name, falling back to Adaptive when
// the name is empty or unknown. The returned error reports the fallback.
func ForName(name string, opts Options) (Strategy, error) {
	if strings.TrimSpace(name) == "" {
		name = kindNames[KindHighPerformance]
	}
	kind, err := ParseKind(name)
	if err != nil {
		fallback, _ := New(KindAdaptive, opts)
		return fallback, err
	}
	return New(kind, opts)
}
