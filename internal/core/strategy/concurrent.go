package strategy

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/namelens/symscan/internal/core"
)

const (
	minBatchSize    = 10
	maxBatchDelay   = 100 * time.Millisecond
	minBatchDelay   = 10 * time.Millisecond
	gcEveryNthBatch = 4
)

// Concurrent validates symbols in batches. Within a batch one goroutine runs
// per symbol, admitted by a semaphore of max_concurrent_validations slots.
// Each symbol carries its own retry loop on top of the gateway's retries.
type Concurrent struct {
	opts Options

	// collect triggers memory reclamation between batches.
	collect func()
}

// NewConcurrent returns a bounded concurrent strategy.
func NewConcurrent(opts Options) *Concurrent {
	return &Concurrent{opts: opts.withDefaults(), collect: runtime.GC}
}

// Kind reports KindConcurrent.
func (c *Concurrent) Kind() Kind { return KindConcurrent }

// Validate checks every symbol.
func (c *Concurrent) Validate(ctx context.Context, symbols []string, v Validator, progress ProgressFunc) []core.ValidationResult {
	rec := newRecorder(symbols, progress)
	c.run(ctx, rec, 0, len(symbols), v)
	return rec.finish(ctx)
}

// BatchSize is the batch length used for n symbols.
func (c *Concurrent) BatchSize(n int) int {
	size := min(c.opts.Config.BatchSize, max(minBatchSize, n/4))
	return max(size, 1)
}

// run validates rec.symbols[from:to].
func (c *Concurrent) run(ctx context.Context, rec *recorder, from, to int, v Validator) {
	n := to - from
	if n <= 0 {
		return
	}

	cfg := c.opts.Config
	size := c.BatchSize(n)
	sem := make(chan struct{}, cfg.MaxConcurrentValidations)
	batches := 0

	for start := from; start < to; start += size {
		if ctx.Err() != nil {
			return
		}
		end := min(start+size, to)

		var wg sync.WaitGroup
	admit:
		for i := start; i < end; i++ {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				break admit
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				rec.set(i, validateWithRetry(ctx, v, rec.symbols[i], cfg, c.opts.Sleep))
			}(i)
		}
		wg.Wait()

		batches++
		if batches%gcEveryNthBatch == 0 && c.collect != nil {
			c.collect()
		}

		if c.opts.Logger != nil {
			c.opts.Logger.Debug("Validation batch finished",
				zap.Int("batch", batches),
				zap.Int("size", end-start))
		}

		if end < to {
			if err := c.opts.Sleep(ctx, c.batchDelay(size)); err != nil {
				return
			}
		}
	}
}

// batchDelay scales the inter-batch pause with the batch's share of the
// configured batch size.
func (c *Concurrent) batchDelay(size int) time.Duration {
	delay := time.Duration(float64(maxBatchDelay) * float64(size) / float64(c.opts.Config.BatchSize))
	return max(delay, minBatchDelay)
}
