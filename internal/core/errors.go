package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRateLimitExceeded marks a call that kept hitting upstream rate limits
// until the retry budget ran out.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// RateLimitError reports an upstream rate-limit rejection.
type RateLimitError struct {
	Endpoint   string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	msg := "upstream rate limit"
	if e.Endpoint != "" {
		msg += " on " + e.Endpoint
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// TransientNetworkError is a retryable transport or server-side failure.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: transient network error", e.Op)
	}
	return fmt.Sprintf("%s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// PermanentUpstreamError is a rejection that retrying will not fix,
// such as an unknown symbol or a malformed request.
type PermanentUpstreamError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *PermanentUpstreamError) Error() string {
	msg := e.Op + ": upstream rejected request"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PermanentUpstreamError) Unwrap() error { return e.Err }

// CircuitOpenError is returned without contacting the upstream while the
// breaker is open.
type CircuitOpenError struct {
	RetryIn time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open, retry in %s", e.RetryIn.Round(time.Millisecond))
}

// ValidationError is a per-symbol failure. It never aborts a scan.
type ValidationError struct {
	Symbol string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate %s: %v", e.Symbol, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ScanFatalError aborts a scan. Phase names the state the scan was in.
type ScanFatalError struct {
	Phase string
	Err   error
}

func (e *ScanFatalError) Error() string {
	return fmt.Sprintf("scan failed during %s: %v", e.Phase, e.Err)
}

func (e *ScanFatalError) Unwrap() error { return e.Err }

// RetriesExhaustedError wraps the last failure after the retry budget is spent.
type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

// IsRateLimit reports whether err is, or wraps, an upstream rate-limit error.
func IsRateLimit(err error) bool {
	var target *RateLimitError
	return errors.As(err, &target)
}

// IsCircuitOpen reports whether err came from an open breaker.
func IsCircuitOpen(err error) bool {
	var target *CircuitOpenError
	return errors.As(err, &target)
}

// IsPermanent reports whether err should never be retried.
func IsPermanent(err error) bool {
	var target *PermanentUpstreamError
	return errors.As(err, &target)
}

// IsRetryable reports whether a fresh attempt could succeed. Unclassified
// errors are treated as transient; cancellation never is.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case IsPermanent(err), IsCircuitOpen(err):
		return false
	default:
		return true
	}
}

// IsBreakerCounted reports whether err should count toward the circuit
// breaker: upstream rate limits and transient failures do, while permanent
// rejections, an already open breaker and caller cancellation do not.
func IsBreakerCounted(err error) bool {
	return IsRetryable(err) || IsRateLimit(err)
}
