package strategy

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/namelens/symscan/internal/core"
)

// Priority validates the configured priority symbols first, then the rest,
// both with the bounded concurrent discipline. With priority processing
// disabled it behaves exactly like Concurrent.
type Priority struct {
	opts     Options
	inner    *Concurrent
	priority map[string]struct{}
}

// NewPriority returns a priority strategy using Config.PrioritySymbols.
func NewPriority(opts Options) *Priority {
	opts = opts.withDefaults()
	set := make(map[string]struct{}, len(opts.Config.PrioritySymbols))
	for _, symbol := range opts.Config.PrioritySymbols {
		set[strings.ToUpper(strings.TrimSpace(symbol))] = struct{}{}
	}
	return &Priority{opts: opts, inner: NewConcurrent(opts), priority: set}
}

// Kind reports KindPriority.
func (p *Priority) Kind() Kind { return KindPriority }

// Partition splits symbols into priority and ordinary sets, keeping the
// input order within each.
func (p *Priority) Partition(symbols []string) (priority, rest []string) {
	for _, symbol := range symbols {
		if _, ok := p.priority[symbol]; ok {
			priority = append(priority, symbol)
		} else {
			rest = append(rest, symbol)
		}
	}
	return priority, rest
}

// Validate checks priority symbols, then the remainder.
func (p *Priority) Validate(ctx context.Context, symbols []string, v Validator, progress ProgressFunc) []core.ValidationResult {
	if !p.opts.Config.EnablePriorityProcessing {
		if p.opts.Logger != nil {
			p.opts.Logger.Debug("Priority processing disabled, validating concurrently")
		}
		return p.inner.Validate(ctx, symbols, v, progress)
	}

	priority, rest := p.Partition(symbols)
	ordered := append(append(make([]string, 0, len(symbols)), priority...), rest...)

	rec := newRecorder(ordered, progress)
	p.inner.run(ctx, rec, 0, len(priority), v)
	if p.opts.Logger != nil && len(priority) > 0 {
		p.opts.Logger.Info("Priority symbols validated",
			zap.Int("priority", len(priority)),
			zap.Int("remaining", len(rest)))
	}
	p.inner.run(ctx, rec, len(priority), len(ordered), v)
	return rec.finish(ctx)
}
