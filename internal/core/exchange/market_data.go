package exchange

import (
	"context"
	"fmt"

	"github.com/namelens/symscan/internal/core"
	"github.com/namelens/symscan/internal/core/gateway"
)

// MarketData is the only way the rest of the system reaches the exchange.
// Every call is admitted, cached, deduplicated and retried by the gateway.
type MarketData struct {
	Client  Client
	Gateway *gateway.Gateway
}

// NewMarketData wires a client behind a gateway.
func NewMarketData(client Client, gw *gateway.Gateway) *MarketData {
	return &MarketData{Client: client, Gateway: gw}
}

// Markets returns every listed instrument.
func (m *MarketData) Markets(ctx context.Context) ([]core.Market, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	return gateway.Call(ctx, m.Gateway, gateway.EndpointFetchMarkets,
		gateway.Key(gateway.EndpointFetchMarkets),
		m.Gateway.TTL(gateway.KindMarkets),
		m.Client.FetchMarkets)
}

// Ticker returns the current 24h ticker for symbol.
func (m *MarketData) Ticker(ctx context.Context, symbol string) (core.Ticker, error) {
	if err := m.check(); err != nil {
		return core.Ticker{}, err
	}
	return gateway.Call(ctx, m.Gateway, gateway.EndpointFetchTicker,
		gateway.Key(gateway.EndpointFetchTicker, symbol),
		m.Gateway.TTL(gateway.KindTicker),
		func(ctx context.Context) (core.Ticker, error) {
			return m.Client.FetchTicker(ctx, symbol)
		})
}

// Candles returns recent OHLCV bars for symbol.
func (m *MarketData) Candles(ctx context.Context, symbol string, interval string, limit int) ([]core.Candle, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	return gateway.Call(ctx, m.Gateway, gateway.EndpointFetchOHLCV,
		gateway.Key(gateway.EndpointFetchOHLCV, symbol, interval, limit),
		m.Gateway.TTL(gateway.KindCandles),
		func(ctx context.Context) ([]core.Candle, error) {
			return m.Client.FetchOHLCV(ctx, symbol, interval, limit)
		})
}

func (m *MarketData) check() error {
	if m == nil || m.Client == nil || m.Gateway == nil {
		return fmt.Errorf("market data is not configured")
	}
	return nil
}
