package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSummarizeCountsEveryResult(t *testing.T) {
	results := []ValidationResult{
		{Symbol: "ETH/USDT", IsValid: true},
		{Symbol: "BTC/USDT", IsValid: true},
		{Symbol: "DOGE/USDT", Reason: "Failed checks: spread"},
		{Symbol: "PEPE/USDT", Reason: "Failed checks: spread"},
		{Symbol: "XYZ/USDT", Reason: "Symbol not available on exchange"},
		{Symbol: "ABC/USDT", Error: "timeout"},
	}

	summary := Summarize(results, 5)
	require.Equal(t, 6, summary.TotalDiscovered)
	require.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, summary.ValidAssets)
	require.Equal(t, []string{"DOGE/USDT", "PEPE/USDT", "XYZ/USDT"}, summary.InvalidAssets)
	require.Equal(t, []ScanError{{Symbol: "ABC/USDT", Message: "timeout"}}, summary.Errors)
	require.Equal(t, summary.TotalDiscovered,
		len(summary.ValidAssets)+len(summary.InvalidAssets)+len(summary.Errors))

	require.Equal(t, ReasonCount{Reason: "Failed checks: spread", Count: 2}, summary.RejectionReasons[0])
	require.Len(t, summary.RejectionReasons, 3)
}

func TestRejectionReasonsLimit(t *testing.T) {
	var results []ValidationResult
	for i := 0; i < 8; i++ {
		for j := 0; j <= i; j++ {
			results = append(results, ValidationResult{Symbol: "X", Reason: fmt.Sprintf("reason-%d", i)})
		}
	}

	top := RejectionReasons(results, 5)
	require.Len(t, top, 5)
	require.Equal(t, "reason-7", top[0].Reason)
	require.Equal(t, 8, top[0].Count)
	require.Equal(t, "reason-3", top[4].Reason)
}

func TestErrorClassification(t *testing.T) {
	rate := fmt.Errorf("wrapped: %w", &RateLimitError{Endpoint: "fetch_ticker"})
	require.True(t, IsRateLimit(rate))
	require.True(t, IsRetryable(rate))

	permanent := &PermanentUpstreamError{Op: "fetch_ticker", StatusCode: 404}
	require.True(t, IsPermanent(permanent))
	require.False(t, IsRetryable(permanent))

	require.False(t, IsRetryable(&CircuitOpenError{}))
	require.False(t, IsRetryable(context.Canceled))
	require.True(t, IsRetryable(&TransientNetworkError{Op: "fetch_markets", Err: errors.New("reset")}))
	require.True(t, IsRetryable(context.DeadlineExceeded))

	exhausted := &RetriesExhaustedError{Attempts: 3, Err: fmt.Errorf("%w: %w", ErrRateLimitExceeded, &RateLimitError{})}
	require.ErrorIs(t, exhausted, ErrRateLimitExceeded)
	require.True(t, IsRateLimit(exhausted))
	require.Contains(t, exhausted.Error(), "3 attempts")
}

func TestTickerSpreadPercent(t *testing.T) {
	ticker := Ticker{Bid: decimal.RequireFromString("99"), Ask: decimal.RequireFromString("100")}
	spread, ok := ticker.SpreadPercent()
	require.True(t, ok)
	require.True(t, spread.Equal(decimal.NewFromInt(1)))

	_, ok = Ticker{Ask: decimal.NewFromInt(1)}.SpreadPercent()
	require.False(t, ok)
}

func TestSplitSymbol(t *testing.T) {
	base, quote, ok := SplitSymbol(" btc/usdt ")
	require.True(t, ok)
	require.Equal(t, "BTC", base)
	require.Equal(t, "USDT", quote)

	_, _, ok = SplitSymbol("BTCUSDT")
	require.False(t, ok)
}
