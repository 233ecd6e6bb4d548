package gateway

import (
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/namelens/symscan/internal/core"
	"github.com/namelens/symscan/internal/metrics"
)

// Breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTime     = 60 * time.Second
)

// BreakerState is a snapshot of the circuit breaker.
type BreakerState struct {
	IsOpen           bool          `json:"is_open"`
	FailureCount     int           `json:"failure_count"`
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTime     time.Duration `json:"recovery_time"`
	LastFailureTime  time.Time     `json:"last_failure_time"`
	Trips            int64         `json:"trips"`
}

// CircuitBreaker is the process-wide trip switch shared by all endpoints.
//
// There is no half-open state: the first call after the recovery window
// closes the breaker and runs as a trial. A failure recorded before the next
// success reopens it and restarts the recovery clock.
type CircuitBreaker struct {
	FailureThreshold int
	RecoveryTime     time.Duration
	Clock            func() time.Time
	Logger           *logging.Logger

	mu          sync.Mutex
	open        bool
	failures    int
	trial       bool
	lastFailure time.Time
	trips       int64
}

// NewCircuitBreaker returns a closed breaker. Non-positive arguments fall back
// to the defaults.
func NewCircuitBreaker(threshold int, recovery time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if recovery <= 0 {
		recovery = DefaultRecoveryTime
	}
	return &CircuitBreaker{FailureThreshold: threshold, RecoveryTime: recovery}
}

// Check fails with *core.CircuitOpenError while the breaker is open and the
// recovery window has not elapsed since the last failure.
func (b *CircuitBreaker) Check() error {
	if b == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return nil
	}

	elapsed := b.now().Sub(b.lastFailure)
	if elapsed <= b.recovery() {
		return &core.CircuitOpenError{RetryIn: b.recovery() - elapsed}
	}

	b.open = false
	b.failures = 0
	b.trial = true
	if b.Logger != nil {
		b.Logger.Info("Circuit breaker recovery window elapsed, allowing trial call",
			zap.Duration("recovery_time", b.recovery()))
	}
	return nil
}

// RecordSuccess decrements the failure count by one, never below zero.
func (b *CircuitBreaker) RecordSuccess() {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
	if b.failures > 0 {
		b.failures--
	}
}

// RecordFailure counts a failure and opens the breaker at the threshold.
func (b *CircuitBreaker) RecordFailure() {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	if !b.open && (b.trial || b.failures >= b.threshold()) {
		b.open = true
		b.trial = false
		b.trips++
		metrics.RecordBreakerTrip()
		if b.Logger != nil {
			b.Logger.Warn("Circuit breaker opened",
				zap.Int("failure_count", b.failures),
				zap.Int("failure_threshold", b.threshold()),
				zap.Duration("recovery_time", b.recovery()))
		}
	}
}

// State returns a snapshot of the breaker.
func (b *CircuitBreaker) State() BreakerState {
	if b == nil {
		return BreakerState{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerState{
		IsOpen:           b.open,
		FailureCount:     b.failures,
		FailureThreshold: b.threshold(),
		RecoveryTime:     b.recovery(),
		LastFailureTime:  b.lastFailure,
		Trips:            b.trips,
	}
}

func (b *CircuitBreaker) threshold() int {
	if b.FailureThreshold <= 0 {
		return DefaultFailureThreshold
	}
	return b.FailureThreshold
}

func (b *CircuitBreaker) recovery() time.Duration {
	if b.RecoveryTime <= 0 {
		return DefaultRecoveryTime
	}
	return b.RecoveryTime
}

func (b *CircuitBreaker) now() time.Time {
	if b.Clock != nil {
		return b.Clock()
	}
	return time.Now().UTC()
}
