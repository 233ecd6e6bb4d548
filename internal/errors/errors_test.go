package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namelens/symscan/internal/config"
	"github.com/namelens/symscan/internal/core"
)

func TestClassifyDomainErrors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"rate limit", &core.RateLimitError{Endpoint: "fetch_ticker", RetryAfter: 2 * time.Second}, CodeRateLimited, http.StatusTooManyRequests},
		{"circuit open", &core.CircuitOpenError{RetryIn: time.Minute}, CodeServiceUnavailable, http.StatusServiceUnavailable},
		{"permanent", &core.PermanentUpstreamError{Op: "fetch_markets", StatusCode: 400}, CodeExternalService, http.StatusBadGateway},
		{"transient", fmt.Errorf("load: %w", &core.TransientNetworkError{Op: "fetch_markets"}), CodeExternalService, http.StatusBadGateway},
		{"fatal scan", &core.ScanFatalError{Phase: "discovering", Err: errors.New("x")}, CodeScanFailed, http.StatusInternalServerError},
		{"deadline", context.DeadlineExceeded, CodeTimeout, http.StatusGatewayTimeout},
		{"config", fmt.Errorf("%w: bad", config.ErrInvalid), CodeConfigInvalid, http.StatusInternalServerError},
		{"other", errors.New("boom"), CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Classify(ctx, tt.err)
			assert.Equal(t, tt.code, env.Code)
			assert.Equal(t, tt.status, HTTPStatusFromEnvelope(env))
			assert.NotEmpty(t, env.CorrelationID)
		})
	}
}

func TestClassifyAddsRetryDetails(t *testing.T) {
	env := Classify(context.Background(), &core.RateLimitError{RetryAfter: 3 * time.Second})
	details := ResponseDetails(env)
	assert.InDelta(t, 3.0, details["retry_after_seconds"], 0.001)
	assert.Contains(t, details, "wrapped_error")
}

func TestRespondWithErrorWritesEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/assets", nil)

	RespondWithError(rec, req, NewConflictError("A scan is already in progress"))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeConflict, body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestEnsureEnvelope(t *testing.T) {
	assert.Equal(t, CodeInternal, EnsureEnvelope(nil).Code)

	env := NewNotFoundError("missing")
	assert.Same(t, env, EnsureEnvelope(env))

	wrapped := EnsureEnvelope(errors.New("raw"))
	assert.Equal(t, "raw", wrapped.Context["wrapped_error"])
}
