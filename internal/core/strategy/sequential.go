package strategy

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/namelens/symscan/internal/core"
)

const sequentialPacing = 10 * time.Millisecond

// Sequential validates one symbol at a time with a small pause between
// calls. It trades throughput for stability and is used for tiny workloads
// or when the host is under load.
type Sequential struct {
	opts Options
}

// NewSequential returns a sequential strategy.
func NewSequential(opts Options) *Sequential {
	return &Sequential{opts: opts.withDefaults()}
}

// Kind reports KindSequential.
func (s *Sequential) Kind() Kind { return KindSequential }

// Validate checks symbols in order.
func (s *Sequential) Validate(ctx context.Context, symbols []string, v Validator, progress ProgressFunc) []core.ValidationResult {
	rec := newRecorder(symbols, progress)
	pacer := rate.NewLimiter(rate.Every(sequentialPacing), 1)

	for i, symbol := range symbols {
		if err := pacer.Wait(ctx); err != nil {
			break
		}
		rec.set(i, validateOnce(ctx, v, symbol, s.opts.Config.ValidationTimeout))
	}

	if s.opts.Logger != nil {
		s.opts.Logger.Debug("Sequential validation finished", zap.Int("symbols", len(symbols)))
	}
	return rec.finish(ctx)
}
