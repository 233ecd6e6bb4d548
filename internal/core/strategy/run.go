package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/namelens/symscan/internal/config"
	"github.com/namelens/symscan/internal/core"
)

const cancelledPrefix = "scan cancelled"

// recorder collects exactly one result per symbol.
type recorder struct {
	mu        sync.Mutex
	symbols   []string
	results   []core.ValidationResult
	done      []bool
	processed int
	progress  ProgressFunc

	// Progress updates waiting for the dispatching worker. At most one
	// worker dispatches at a time, outside mu.
	queue       []progressUpdate
	dispatching bool
}

type progressUpdate struct {
	processed int
	result    core.ValidationResult
}

func newRecorder(symbols []string, progress ProgressFunc) *recorder {
	return &recorder{
		symbols:  symbols,
		results:  make([]core.ValidationResult, len(symbols)),
		done:     make([]bool, len(symbols)),
		progress: progress,
	}
}

// set stores the result for symbol i. Later results for the same index are
// ignored. The progress callback runs without holding the recorder lock;
// if another worker is already dispatching, it delivers this update too.
func (r *recorder) set(i int, result core.ValidationResult) {
	r.mu.Lock()
	if r.done[i] {
		r.mu.Unlock()
		return
	}
	r.results[i] = result
	r.done[i] = true
	r.processed++
	if r.progress == nil {
		r.mu.Unlock()
		return
	}

	r.queue = append(r.queue, progressUpdate{processed: r.processed, result: result})
	if r.dispatching {
		r.mu.Unlock()
		return
	}
	r.dispatching = true
	r.mu.Unlock()

	r.dispatch()
}

// dispatch delivers queued updates in order until the queue is empty.
func (r *recorder) dispatch() {
	total := len(r.symbols)
	for {
		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		if len(batch) == 0 {
			r.dispatching = false
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		for _, update := range batch {
			r.progress(update.processed, total, update.result)
		}
	}
}

// finish gives every symbol that never ran an error result and returns the
// full result set.
func (r *recorder) finish(ctx context.Context) []core.ValidationResult {
	cause := errors.New("not validated")
	if err := ctx.Err(); err != nil {
		cause = interrupted(err)
	}

	for i, symbol := range r.symbols {
		r.mu.Lock()
		done := r.done[i]
		r.mu.Unlock()
		if !done {
			r.set(i, errorResult(symbol, cause, 0, 0))
		}
	}
	return r.results
}

// Interrupted reports whether r was produced by cancelling the scan rather
// than by validating the symbol.
func Interrupted(r core.ValidationResult) bool {
	return strings.HasPrefix(r.Error, cancelledPrefix)
}

func interrupted(err error) error {
	return fmt.Errorf("%s: %w", cancelledPrefix, err)
}

func errorResult(symbol string, err error, elapsed time.Duration, retries int) core.ValidationResult {
	msg := err.Error()
	return core.ValidationResult{
		Symbol:      symbol,
		Reason:      "Validation error: " + msg,
		Data:        map[string]any{},
		ValidatedAt: time.Now().UTC(),
		Duration:    elapsed,
		RetryCount:  retries,
		Error:       msg,
	}
}

func outcomeResult(symbol string, outcome core.ValidationOutcome, elapsed time.Duration, retries int) core.ValidationResult {
	data := outcome.Data
	if data == nil {
		data = map[string]any{}
	}
	return core.ValidationResult{
		Symbol:      symbol,
		IsValid:     outcome.IsValid,
		Reason:      outcome.Reason,
		Data:        data,
		ValidatedAt: time.Now().UTC(),
		Duration:    elapsed,
		RetryCount:  retries,
	}
}

type attemptResult struct {
	outcome core.ValidationOutcome
	err     error
}

// attempt runs one validation bounded by timeout. A timeout is reported as a
// transient failure so it can be retried.
func attempt(ctx context.Context, v Validator, symbol string, timeout time.Duration) (core.ValidationOutcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: fmt.Errorf("validator panicked: %v", r)}
			}
		}()
		outcome, err := v.ValidateAsset(callCtx, symbol)
		done <- attemptResult{outcome: outcome, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return core.ValidationOutcome{}, timeoutError(timeout)
		}
		return res.outcome, res.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return core.ValidationOutcome{}, ctx.Err()
		}
		return core.ValidationOutcome{}, timeoutError(timeout)
	}
}

func timeoutError(timeout time.Duration) error {
	return &core.TransientNetworkError{Op: "validate", Err: fmt.Errorf("timed out after %s", timeout)}
}

// validateOnce runs a single attempt and converts failure into an error result.
func validateOnce(ctx context.Context, v Validator, symbol string, timeout time.Duration) core.ValidationResult {
	start := time.Now()
	outcome, err := attempt(ctx, v, symbol, timeout)
	if err != nil {
		if ctx.Err() != nil {
			err = interrupted(err)
		}
		return errorResult(symbol, err, time.Since(start), 0)
	}
	return outcomeResult(symbol, outcome, time.Since(start), 0)
}

// validateWithRetry retries retryable failures up to cfg.MaxRetries times
// with retry_delay * 1.5^n plus up to 10% jitter between attempts. A symbol
// that never succeeds reports MaxRetries+1 as its retry count.
func validateWithRetry(ctx context.Context, v Validator, symbol string, cfg config.ScannerConfig, sleep func(context.Context, time.Duration) error) core.ValidationResult {
	start := time.Now()
	var lastErr error

	for n := 0; n <= cfg.MaxRetries; n++ {
		outcome, err := attempt(ctx, v, symbol, cfg.ValidationTimeout)
		if err == nil {
			return outcomeResult(symbol, outcome, time.Since(start), n)
		}
		lastErr = err

		if ctx.Err() != nil {
			return errorResult(symbol, interrupted(err), time.Since(start), n)
		}
		if !core.IsRetryable(err) {
			return errorResult(symbol, err, time.Since(start), n)
		}
		if n == cfg.MaxRetries {
			break
		}
		if sleepErr := sleep(ctx, retryDelay(cfg.RetryDelay, n)); sleepErr != nil {
			return errorResult(symbol, interrupted(lastErr), time.Since(start), n)
		}
	}

	return errorResult(symbol, lastErr, time.Since(start), cfg.MaxRetries+1)
}

func retryDelay(base time.Duration, n int) time.Duration {
	delay := float64(base) * math.Pow(1.5, float64(n))
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
