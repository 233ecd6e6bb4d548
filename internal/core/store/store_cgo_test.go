//go:build cgo

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namelens/symscan/internal/config"
	"github.com/namelens/symscan/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, config.StoreConfig{Driver: "libsql", Path: ":memory:"})
	require.NoError(t, err)
	// A single connection keeps every query on the same in-memory database.
	store.DB.SetMaxOpenConns(1)
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenMemoryStore(t *testing.T) {
	store := openTestStore(t)
	require.Equal(t, "libsql", store.Driver())
	require.NoError(t, store.Migrate(context.Background()), "migrations are idempotent")
}

func TestCreateAndGetBySymbol(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	missing, err := store.GetBySymbol(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Nil(t, missing)

	created, err := store.Create(ctx, core.Asset{Symbol: "btc/usdt", MinOrderSize: decimal.RequireFromString("0.0001")})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "BTC", created.BaseCurrency)

	got, err := store.GetBySymbol(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "USDT", got.QuoteCurrency)
	assert.True(t, got.MinOrderSize.Equal(decimal.RequireFromString("0.0001")))
	assert.Nil(t, got.LastValidation)
}

func TestBulkUpsertValidation(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.Create(ctx, core.Asset{Symbol: "ETH/USDT"})
	require.NoError(t, err)

	validatedAt := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	results := make([]core.ValidationResult, 0, 25)
	for i := 0; i < 24; i++ {
		results = append(results, core.ValidationResult{
			Symbol:      fmt.Sprintf("C%02d/USDT", i),
			IsValid:     i%2 == 0,
			Reason:      "Failed checks: spread",
			ValidatedAt: validatedAt,
			Data:        map[string]any{"index": i},
		})
	}
	results = append(results,
		core.ValidationResult{Symbol: "ETH/USDT", IsValid: true, ValidatedAt: validatedAt},
		core.ValidationResult{Symbol: "NOQUOTE", IsValid: true},
	)

	report, err := store.BulkUpsertValidation(ctx, results, 10)
	require.NoError(t, err)
	assert.Equal(t, 25, report.Written)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "NOQUOTE", report.Failed[0].Symbol)

	eth, err := store.GetBySymbol(ctx, "ETH/USDT")
	require.NoError(t, err)
	require.NotNil(t, eth)
	assert.True(t, eth.IsValid)
	require.NotNil(t, eth.LastValidation)
	assert.Equal(t, validatedAt, *eth.LastValidation)

	valid, err := store.ListAssets(ctx, AssetQuery{ValidOnly: true})
	require.NoError(t, err)
	assert.Len(t, valid, 13)

	invalid, err := store.ListAssets(ctx, AssetQuery{InvalidOnly: true, Limit: 5})
	require.NoError(t, err)
	require.Len(t, invalid, 5)
	assert.Equal(t, "C01/USDT", invalid[0].Symbol)
	assert.Equal(t, "Failed checks: spread", invalid[0].Reason)
	assert.EqualValues(t, 1, invalid[0].ValidationData["index"])

	_, err = store.ListAssets(ctx, AssetQuery{ValidOnly: true, InvalidOnly: true})
	require.Error(t, err)
}

func TestScanRuns(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	started := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordScanRun(ctx, core.ScanRun{ID: "a", Strategy: "adaptive", State: "validating", StartedAt: started}))

	finished := started.Add(time.Minute)
	require.NoError(t, store.RecordScanRun(ctx, core.ScanRun{
		ID: "a", Strategy: "adaptive", State: "completed", StartedAt: started, FinishedAt: &finished,
		TotalDiscovered: 10, ValidCount: 7, InvalidCount: 2, ErrorCount: 1,
	}))
	require.NoError(t, store.RecordScanRun(ctx, core.ScanRun{
		ID: "b", Strategy: "sequential", State: "failed", StartedAt: started.Add(time.Hour), Error: "no markets",
	}))
	require.Error(t, store.RecordScanRun(ctx, core.ScanRun{}))

	runs, err := store.ListScanRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].ID)
	assert.Equal(t, "no markets", runs[0].Error)
	assert.Equal(t, "completed", runs[1].State)
	assert.Equal(t, 7, runs[1].ValidCount)
	require.NotNil(t, runs[1].FinishedAt)
	assert.Equal(t, finished, *runs[1].FinishedAt)
}

func TestEndpointStats(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	throttledAt := time.Date(2025, 1, 1, 0, 0, 5, 0, time.UTC)
	require.NoError(t, store.SaveEndpointStats(ctx, []core.EndpointStats{
		{Endpoint: "fetch_ticker", Admitted: 40, Throttled: 3, TotalWait: 1500 * time.Millisecond, LastThrottledAt: &throttledAt},
		{Endpoint: "fetch_markets", Admitted: 1},
		{Endpoint: "create_order", Admitted: 2},
	}))
	require.NoError(t, store.SaveEndpointStats(ctx, []core.EndpointStats{{Endpoint: "fetch_markets", Admitted: 2}}))

	all, err := store.ListEndpointStats(ctx, StatsQuery{All: true})
	require.NoError(t, err)
	require.Len(t, all, 3)

	fetches, err := store.ListEndpointStats(ctx, StatsQuery{Prefix: "fetch_"})
	require.NoError(t, err)
	require.Len(t, fetches, 2)
	assert.Equal(t, "fetch_markets", fetches[0].Endpoint)
	assert.Equal(t, int64(2), fetches[0].Admitted)
	assert.Equal(t, 1500*time.Millisecond, fetches[1].TotalWait)
	require.NotNil(t, fetches[1].LastThrottledAt)
	assert.Equal(t, throttledAt, *fetches[1].LastThrottledAt)

	removed, err := store.ResetEndpointStats(ctx, StatsQuery{Endpoint: "create_order"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = store.ResetEndpointStats(ctx, StatsQuery{})
	require.Error(t, err)
}
