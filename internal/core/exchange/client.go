// Package exchange talks to the exchange REST API. HTTPClient performs the
// raw calls and classifies failures; MarketData routes every call through
// the gateway.
package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/namelens/symscan/internal/config"
	"github.com/namelens/symscan/internal/core"
)

const defaultBaseURL = "https://api.binance.com"

// Client is the raw exchange capability. Implementations return errors from
// the core taxonomy so the gateway can decide what to retry.
type Client interface {
	FetchMarkets(ctx context.Context) ([]core.Market, error)
	FetchTicker(ctx context.Context, symbol string) (core.Ticker, error)
	FetchOHLCV(ctx context.Context, symbol string, interval string, limit int) ([]core.Candle, error)
}

// HTTPClient implements Client against a Binance-compatible REST API.
type HTTPClient struct {
	BaseURL   string
	HTTP      *http.Client
	UserAgent string
}

// NewHTTPClient builds a client from exchange configuration.
func NewHTTPClient(cfg config.ExchangeConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		BaseURL:   cfg.BaseURL,
		HTTP:      &http.Client{Timeout: timeout},
		UserAgent: cfg.UserAgent,
	}
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol     string         `json:"symbol"`
		Status     string         `json:"status"`
		BaseAsset  string         `json:"baseAsset"`
		QuoteAsset string         `json:"quoteAsset"`
		Filters    []symbolFilter `json:"filters"`
	} `json:"symbols"`
}

type symbolFilter struct {
	FilterType  string `json:"filterType"`
	MinQty      string `json:"minQty"`
	MinNotional string `json:"minNotional"`
}

// FetchMarkets lists every instrument the exchange knows about.
func (c *HTTPClient) FetchMarkets(ctx context.Context) ([]core.Market, error) {
	var info exchangeInfo
	if err := c.getJSON(ctx, "fetch_markets", "/api/v3/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}

	markets := make([]core.Market, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		base := strings.ToUpper(s.BaseAsset)
		quote := strings.ToUpper(s.QuoteAsset)
		if base == "" || quote == "" {
			continue
		}
		markets = append(markets, core.Market{
			Symbol:       base + "/" + quote,
			Base:         base,
			Quote:        quote,
			Active:       strings.EqualFold(s.Status, "TRADING"),
			MinOrderSize: minOrderSize(s.Filters),
		})
	}
	return markets, nil
}

// minOrderSize is the larger of the lot size minimum and the notional minimum.
func minOrderSize(filters []symbolFilter) decimal.Decimal {
	size := decimal.Zero
	for _, f := range filters {
		var raw string
		switch f.FilterType {
		case "LOT_SIZE":
			raw = f.MinQty
		case "MIN_NOTIONAL", "NOTIONAL":
			raw = f.MinNotional
		default:
			continue
		}
		if value, err := decimal.NewFromString(raw); err == nil && value.GreaterThan(size) {
			size = value
		}
	}
	return size
}

type ticker24h struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	BidPrice           string `json:"bidPrice"`
	AskPrice           string `json:"askPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	PriceChangePercent string `json:"priceChangePercent"`
	CloseTime          int64  `json:"closeTime"`
}

// FetchTicker returns the 24h rolling ticker for symbol ("BASE/QUOTE").
func (c *HTTPClient) FetchTicker(ctx context.Context, symbol string) (core.Ticker, error) {
	market, err := marketID("fetch_ticker", symbol)
	if err != nil {
		return core.Ticker{}, err
	}

	var raw ticker24h
	if err := c.getJSON(ctx, "fetch_ticker", "/api/v3/ticker/24hr", url.Values{"symbol": {market}}, &raw); err != nil {
		return core.Ticker{}, err
	}

	return core.Ticker{
		Symbol:           symbol,
		Last:             parseDecimal(raw.LastPrice),
		Bid:              parseDecimal(raw.BidPrice),
		Ask:              parseDecimal(raw.AskPrice),
		BaseVolume:       parseDecimal(raw.Volume),
		QuoteVolume:      parseDecimal(raw.QuoteVolume),
		ChangePercent24h: parseDecimal(raw.PriceChangePercent),
		Timestamp:        time.UnixMilli(raw.CloseTime).UTC(),
	}, nil
}

// FetchOHLCV returns up to limit candles of the given interval, oldest first.
func (c *HTTPClient) FetchOHLCV(ctx context.Context, symbol string, interval string, limit int) ([]core.Candle, error) {
	market, err := marketID("fetch_ohlcv", symbol)
	if err != nil {
		return nil, err
	}

	query := url.Values{"symbol": {market}, "interval": {interval}}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var rows [][]any
	if err := c.getJSON(ctx, "fetch_ohlcv", "/api/v3/klines", query, &rows); err != nil {
		return nil, err
	}

	candles := make([]core.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, &core.PermanentUpstreamError{Op: "fetch_ohlcv", Err: fmt.Errorf("kline row has %d fields", len(row))}
		}
		openTime, _ := row[0].(float64)
		candles = append(candles, core.Candle{
			OpenTime: time.UnixMilli(int64(openTime)).UTC(),
			Open:     parseDecimal(row[1]),
			High:     parseDecimal(row[2]),
			Low:      parseDecimal(row[3]),
			Close:    parseDecimal(row[4]),
			Volume:   parseDecimal(row[5]),
		})
	}
	return candles, nil
}

// marketID converts "BTC/USDT" to the exchange's "BTCUSDT".
func marketID(op string, symbol string) (string, error) {
	base, quote, ok := core.SplitSymbol(symbol)
	if !ok {
		return "", &core.PermanentUpstreamError{Op: op, Err: fmt.Errorf("invalid symbol %q", symbol)}
	}
	return base + quote, nil
}

func parseDecimal(value any) decimal.Decimal {
	switch v := value.(type) {
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(v)
	}
	return decimal.Zero
}

func (c *HTTPClient) baseURL() *url.URL {
	if c != nil && c.BaseURL != "" {
		if parsed, err := url.Parse(c.BaseURL); err == nil {
			return parsed
		}
	}
	parsed, _ := url.Parse(defaultBaseURL)
	return parsed
}

func (c *HTTPClient) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}
