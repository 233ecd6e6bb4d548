package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namelens/symscan/internal/config"
	"github.com/namelens/symscan/internal/core"
	"github.com/namelens/symscan/internal/core/gateway"
)

type stubClient struct {
	mu      sync.Mutex
	calls   map[string]int
	markets []core.Market
	tickers map[string]core.Ticker
	errs    map[string]error
}

func (s *stubClient) count(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[key]++
}

func (s *stubClient) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func (s *stubClient) FetchMarkets(ctx context.Context) ([]core.Market, error) {
	s.count("markets")
	return s.markets, nil
}

func (s *stubClient) FetchTicker(ctx context.Context, symbol string) (core.Ticker, error) {
	s.count("ticker:" + symbol)
	if err := s.errs[symbol]; err != nil {
		return core.Ticker{}, err
	}
	return s.tickers[symbol], nil
}

func (s *stubClient) FetchOHLCV(ctx context.Context, symbol string, interval string, limit int) ([]core.Candle, error) {
	s.count("ohlcv:" + symbol)
	candles := make([]core.Candle, limit)
	for i := range candles {
		candles[i] = core.Candle{Volume: decimal.NewFromInt(int64(i + 1))}
	}
	return candles, nil
}

func newTestMarketData(client Client) *MarketData {
	gw := gateway.New(config.GatewayConfig{
		SafetyMargin:     1,
		FailureThreshold: 5,
		RecoveryTime:     time.Minute,
		MaxAttempts:      2,
		BaseDelay:        time.Millisecond,
	}, nil)
	return NewMarketData(client, gw)
}

func TestMarketDataCachesMarkets(t *testing.T) {
	client := &stubClient{markets: []core.Market{{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT", Active: true}}}
	md := newTestMarketData(client)

	for i := 0; i < 3; i++ {
		markets, err := md.Markets(context.Background())
		require.NoError(t, err)
		require.Len(t, markets, 1)
	}
	assert.Equal(t, 1, client.Calls("markets"))
}

func TestMarketDataTickerKeysBySymbol(t *testing.T) {
	client := &stubClient{tickers: map[string]core.Ticker{
		"BTC/USDT": {Symbol: "BTC/USDT", Last: decimal.NewFromInt(42000)},
		"ETH/USDT": {Symbol: "ETH/USDT", Last: decimal.NewFromInt(2500)},
	}}
	md := newTestMarketData(client)

	btc, err := md.Ticker(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	eth, err := md.Ticker(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	_, err = md.Ticker(context.Background(), "BTC/USDT")
	require.NoError(t, err)

	assert.True(t, btc.Last.Equal(decimal.NewFromInt(42000)))
	assert.True(t, eth.Last.Equal(decimal.NewFromInt(2500)))
	assert.Equal(t, 1, client.Calls("ticker:BTC/USDT"))
	assert.Equal(t, 1, client.Calls("ticker:ETH/USDT"))
}

func TestMarketDataPropagatesPermanentErrors(t *testing.T) {
	client := &stubClient{errs: map[string]error{
		"DEAD/USDT": &core.PermanentUpstreamError{Op: "fetch_ticker", StatusCode: 400},
	}}
	md := newTestMarketData(client)

	_, err := md.Ticker(context.Background(), "DEAD/USDT")
	require.True(t, core.IsPermanent(err))
	assert.Equal(t, 1, client.Calls("ticker:DEAD/USDT"))
}

func TestMarketDataCandles(t *testing.T) {
	client := &stubClient{}
	md := newTestMarketData(client)

	candles, err := md.Candles(context.Background(), "SOL/USDT", "1h", 24)
	require.NoError(t, err)
	assert.Len(t, candles, 24)

	_, err = md.Candles(context.Background(), "SOL/USDT", "1h", 24)
	require.NoError(t, err)
	assert.Equal(t, 1, client.Calls("ohlcv:SOL/USDT"))
}

func TestMarketDataRequiresGateway(t *testing.T) {
	md := &MarketData{Client: &stubClient{}}
	_, err := md.Markets(context.Background())
	require.Error(t, err)
}
