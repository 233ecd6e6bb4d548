//go:build cgo

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namelens/symscan/internal/config"
	"github.com/namelens/symscan/internal/core"
	"github.com/namelens/symscan/internal/core/engine"
	"github.com/namelens/symscan/internal/core/store"
)

type fakeTicker struct {
	last, bid, ask, volume, change string
}

// fakeExchange serves a small Binance-compatible market: two liquid pairs,
// one with a wide spread, one whose ticker is rejected, one halted pair and
// one pair on another quote currency.
func fakeExchange(t *testing.T) *httptest.Server {
	t.Helper()

	markets := []map[string]any{
		{"symbol": "BTCUSDT", "status": "TRADING", "baseAsset": "BTC", "quoteAsset": "USDT",
			"filters": []map[string]string{{"filterType": "LOT_SIZE", "minQty": "0.00001"}}},
		{"symbol": "ETHUSDT", "status": "TRADING", "baseAsset": "ETH", "quoteAsset": "USDT"},
		{"symbol": "WIDEUSDT", "status": "TRADING", "baseAsset": "WIDE", "quoteAsset": "USDT"},
		{"symbol": "XRPUSDT", "status": "TRADING", "baseAsset": "XRP", "quoteAsset": "USDT"},
		{"symbol": "DOGEUSDT", "status": "BREAK", "baseAsset": "DOGE", "quoteAsset": "USDT"},
		{"symbol": "ETHBTC", "status": "TRADING", "baseAsset": "ETH", "quoteAsset": "BTC"},
	}
	tickers := map[string]fakeTicker{
		"BTCUSDT":  {last: "65000", bid: "64999", ask: "65001", volume: "1200", change: "1.5"},
		"ETHUSDT":  {last: "3200", bid: "3199.9", ask: "3200.1", volume: "9000", change: "-2.1"},
		"WIDEUSDT": {last: "2", bid: "1.8", ask: "2.2", volume: "500", change: "0.4"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"symbols": markets})
	})
	mux.HandleFunc("/api/v3/ticker/24hr", func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		tk, ok := tickers[symbol]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"symbol":             symbol,
			"lastPrice":          tk.last,
			"bidPrice":           tk.bid,
			"askPrice":           tk.ask,
			"volume":             tk.volume,
			"quoteVolume":        tk.volume,
			"priceChangePercent": tk.change,
			"closeTime":          time.Now().UnixMilli(),
		})
	})
	mux.HandleFunc("/api/v3/klines", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[[1700000000000,"1","1","1","1","10"],[1700003600000,"1","1","1","1","30"]]`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, exchangeURL string) *config.Config {
	t.Helper()
	cfg, err := config.Load(map[string]any{
		"exchange": map[string]any{"base_url": exchangeURL},
		"store":    map[string]any{"path": filepath.Join(t.TempDir(), "symscan.db")},
		"gateway":  map[string]any{"base_delay": "1ms"},
		"scanner": map[string]any{
			"strategy":    "sequential",
			"retry_delay": "1ms",
		},
	})
	require.NoError(t, err)
	return cfg
}

func TestAppScanEndToEnd(t *testing.T) {
	ctx := context.Background()
	exchange := fakeExchange(t)
	cfg := testConfig(t, exchange.URL)

	a, err := newApp(ctx, cfg, nil, appOptions{Events: true})
	require.NoError(t, err)
	defer a.Close() // nolint:errcheck // test cleanup

	result, err := a.scanner.Run(ctx, engine.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, "sequential", result.Strategy)
	assert.Equal(t, 4, result.TotalDiscovered)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, result.ValidAssets)
	assert.Equal(t, []string{"WIDE/USDT", "XRP/USDT"}, result.InvalidAssets)
	assert.Empty(t, result.Errors)

	reasons := map[string]int{}
	for _, r := range result.RejectionReasons {
		reasons[r.Reason] = r.Count
	}
	assert.Equal(t, 1, reasons["Failed checks: spread"])
	assert.Equal(t, 1, reasons["Symbol not available on exchange"])

	valid, err := a.store.ListAssets(ctx, store.AssetQuery{ValidOnly: true})
	require.NoError(t, err)
	require.Len(t, valid, 2)
	for _, asset := range valid {
		assert.True(t, asset.IsValid)
		assert.NotNil(t, asset.LastValidation)
	}

	btc, err := a.store.GetBySymbol(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, btc)
	assert.Equal(t, "0.00001", btc.MinOrderSize.String())

	runs, err := a.store.ListScanRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, engine.RunCompleted, runs[0].State)
	assert.Equal(t, 2, runs[0].ValidCount)

	stats, err := a.store.ListEndpointStats(ctx, store.StatsQuery{All: true})
	require.NoError(t, err)
	endpoints := make([]string, 0, len(stats))
	for _, st := range stats {
		endpoints = append(endpoints, st.Endpoint)
	}
	sort.Strings(endpoints)
	assert.Contains(t, endpoints, "fetch_markets")
	assert.Contains(t, endpoints, "fetch_ticker")
}

func TestAppSecondScanServesMarketsFromCache(t *testing.T) {
	ctx := context.Background()
	var marketCalls atomic.Int32
	exchange := fakeExchange(t)
	counting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/exchangeInfo" {
			marketCalls.Add(1)
		}
		exchange.Config.Handler.ServeHTTP(w, r)
	}))
	defer counting.Close()

	a, err := newApp(ctx, testConfig(t, counting.URL), nil, appOptions{})
	require.NoError(t, err)
	defer a.Close() // nolint:errcheck // test cleanup

	_, err = a.scanner.Run(ctx, engine.RunOptions{})
	require.NoError(t, err)
	_, err = a.scanner.Run(ctx, engine.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), marketCalls.Load())

	runs, err := a.store.ListScanRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestScanCommandWritesJSON(t *testing.T) {
	exchange := fakeExchange(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
exchange:
  base_url: %s
store:
  path: %s
scanner:
  strategy: concurrent
  retry_delay: 1ms
gateway:
  base_delay: 1ms
`, exchange.URL, filepath.Join(dir, "symscan.db"))), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"scan", "--config", cfgPath, "--strategy", "high-performance", "--output-format", "json"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		scanStrategy = ""
	})

	require.NoError(t, rootCmd.Execute())

	var result core.ScanResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, "high_performance", result.Strategy)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, result.ValidAssets)
}
