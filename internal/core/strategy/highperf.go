package strategy

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/namelens/symscan/internal/core"
)

const (
	maxChunkSize = 50
	minChunkSize = 10
	chunkPause   = time.Millisecond
)

// HighPerformance maximizes throughput: twice the configured concurrency,
// larger chunks, and a tighter per-call timeout. Every task in a chunk
// finishes before the next chunk starts.
type HighPerformance struct {
	opts Options
}

// NewHighPerformance returns a high-throughput strategy.
func NewHighPerformance(opts Options) *HighPerformance {
	return &HighPerformance{opts: opts.withDefaults()}
}

// Kind reports KindHighPerformance.
func (h *HighPerformance) Kind() Kind { return KindHighPerformance }

// Workers is the goroutine limit per chunk.
func (h *HighPerformance) Workers() int {
	return h.opts.Config.MaxConcurrentValidations * 2
}

// ChunkSize is the chunk length used for n symbols.
func (h *HighPerformance) ChunkSize(n int) int {
	return min(maxChunkSize, max(minChunkSize, n/8))
}

// Timeout is the per-symbol deadline.
func (h *HighPerformance) Timeout() time.Duration {
	return h.opts.Config.ValidationTimeout * 8 / 10
}

// Validate checks every symbol chunk by chunk.
func (h *HighPerformance) Validate(ctx context.Context, symbols []string, v Validator, progress ProgressFunc) []core.ValidationResult {
	rec := newRecorder(symbols, progress)
	size := h.ChunkSize(len(symbols))
	timeout := h.Timeout()
	started := time.Now()

	for start := 0; start < len(symbols); start += size {
		if ctx.Err() != nil {
			break
		}
		end := min(start+size, len(symbols))

		p := pool.New().WithMaxGoroutines(h.Workers())
		for i := start; i < end; i++ {
			p.Go(func() {
				rec.set(i, validateOnce(ctx, v, symbols[i], timeout))
			})
		}
		p.Wait()

		if end < len(symbols) {
			if err := h.opts.Sleep(ctx, chunkPause); err != nil {
				break
			}
		}
	}

	if h.opts.Logger != nil {
		elapsed := time.Since(started)
		rate := 0.0
		if elapsed > 0 {
			rate = float64(len(symbols)) / elapsed.Seconds()
		}
		h.opts.Logger.Info("High performance validation finished",
			zap.Int("symbols", len(symbols)),
			zap.Duration("elapsed", elapsed),
			zap.Float64("symbols_per_second", rate))
	}
	return rec.finish(ctx)
}
