package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/namelens/symscan/internal/core"
)

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 4 << 10

// apiError is the exchange's JSON error body.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// getJSON issues a GET and decodes a 200 response into out. Failures are
// classified: 429 and 418 are rate limits, 408 and 5xx and transport errors
// are transient, any other status or an undecodable body is permanent.
func (c *HTTPClient) getJSON(ctx context.Context, op string, path string, query url.Values, out any) error {
	endpoint := c.baseURL().ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return &core.PermanentUpstreamError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.client().Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		return &core.TransientNetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &core.PermanentUpstreamError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		wait := retryAfterHeader(resp)
		return &core.RateLimitError{Endpoint: op, RetryAfter: wait, Err: responseError(resp)}

	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return &core.TransientNetworkError{Op: op, Err: responseError(resp)}

	default:
		return &core.PermanentUpstreamError{Op: op, StatusCode: resp.StatusCode, Err: responseError(resp)}
	}
}

// responseError extracts the exchange error message from a failed response.
func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		return fmt.Errorf("status %d: code %d: %s", resp.StatusCode, apiErr.Code, apiErr.Msg)
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, text)
}

// retryAfterHeader reads Retry-After as seconds or an HTTP date.
func retryAfterHeader(resp *http.Response) time.Duration {
	if resp == nil || resp.Header == nil {
		return 0
	}

	retry := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if retry == "" {
		return 0
	}

	if seconds, err := time.ParseDuration(retry + "s"); err == nil {
		return seconds
	}
	if parsed, err := http.ParseTime(retry); err == nil {
		if wait := time.Until(parsed); wait > 0 {
			return wait
		}
	}
	return 0
}
