package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/namelens/symscan/internal/core"
	"github.com/namelens/symscan/internal/metrics"
)

// Retry defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second

	// rateLimitPenalty is added per attempt on top of the 3^n backoff after
	// an upstream rate-limit rejection.
	rateLimitPenalty = 5 * time.Second
)

// RetryExecutor runs one upstream call with bounded attempts, backoff shaped
// by error kind, and circuit breaker bookkeeping.
type RetryExecutor struct {
	Breaker        *CircuitBreaker
	MaxAttempts    int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
	Sleep          func(ctx context.Context, d time.Duration) error
	Logger         *logging.Logger

	// OnRateLimited is told which endpoint was rejected, for statistics.
	OnRateLimited func(endpoint string)
}

// Run executes call until it succeeds, fails permanently, or the attempt
// budget is spent. The breaker is checked before every attempt; an open
// breaker fails fast without consuming an attempt.
func (r *RetryExecutor) Run(ctx context.Context, endpoint string, call Producer) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := r.maxAttempts()
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := r.Breaker.Check(); err != nil {
			metrics.RecordCallOutcome(endpoint, "circuit_open")
			return nil, err
		}

		value, err := r.attempt(ctx, call)
		if err == nil {
			r.Breaker.RecordSuccess()
			metrics.RecordCallOutcome(endpoint, "success")
			return value, nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		last := attempt == attempts-1
		var delay time.Duration

		switch {
		case core.IsPermanent(err):
			metrics.RecordCallOutcome(endpoint, "permanent")
			return nil, err

		case core.IsRateLimit(err):
			r.Breaker.RecordFailure()
			if r.OnRateLimited != nil {
				r.OnRateLimited(endpoint)
			}
			metrics.RecordCallOutcome(endpoint, "rate_limited")
			if last {
				return nil, &core.RetriesExhaustedError{
					Attempts: attempt + 1,
					Err:      fmt.Errorf("%w: %w", core.ErrRateLimitExceeded, err),
				}
			}
			delay = r.rateLimitDelay(attempt)

		default:
			if core.IsBreakerCounted(err) {
				r.Breaker.RecordFailure()
			}
			metrics.RecordCallOutcome(endpoint, "transient")
			delay = r.transientDelay(attempt)
		}

		if last {
			break
		}

		if r.Logger != nil {
			r.Logger.Warn("Upstream call failed, retrying",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", attempts),
				zap.Duration("delay", delay),
				zap.Error(err))
		}
		metrics.RecordRetry(endpoint)

		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, &core.RetriesExhaustedError{Attempts: attempts, Err: lastErr}
}

func (r *RetryExecutor) attempt(ctx context.Context, call Producer) (value any, err error) {
	callCtx := ctx
	if r.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.AttemptTimeout)
		defer cancel()
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			err = &core.TransientNetworkError{Op: "call", Err: fmt.Errorf("panic: %v", recovered)}
		}
	}()

	value, err = call(callCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = &core.TransientNetworkError{Op: "call", Err: err}
	}
	return value, err
}

// rateLimitDelay is base*3^attempt plus attempt*5s.
func (r *RetryExecutor) rateLimitDelay(attempt int) time.Duration {
	base := float64(r.baseDelay()) * math.Pow(3, float64(attempt))
	return time.Duration(base) + time.Duration(attempt)*rateLimitPenalty
}

// transientDelay is base*2^attempt.
func (r *RetryExecutor) transientDelay(attempt int) time.Duration {
	return time.Duration(float64(r.baseDelay()) * math.Pow(2, float64(attempt)))
}

func (r *RetryExecutor) maxAttempts() int {
	if r.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return r.MaxAttempts
}

func (r *RetryExecutor) baseDelay() time.Duration {
	if r.BaseDelay <= 0 {
		return DefaultBaseDelay
	}
	return r.BaseDelay
}

func (r *RetryExecutor) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}
