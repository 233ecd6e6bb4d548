// Package validator decides whether a listed symbol is eligible for trading.
package validator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/namelens/symscan/internal/config"
	"github.com/namelens/symscan/internal/core"
)

// Rejection reasons that do not come from market checks.
const (
	ReasonInvalidFormat = "Invalid symbol format"
	ReasonBlacklisted   = "Symbol is blacklisted"
	ReasonNotAvailable  = "Symbol not available on exchange"
)

// Check names reported in "Failed checks: ..." reasons.
const (
	CheckHasValue      = "has_value"
	CheckRecentTrading = "recent_trading"
	CheckPriceRange    = "price_range"
	CheckSpread        = "spread"
	CheckVolatility    = "volatility"
	CheckMinVolume     = "min_volume"
)

const (
	maxSymbolLength = 20
	volumeInterval  = "1h"
	volumeCandles   = 24
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]+/[A-Z0-9]+$`)

// MarketSource supplies market data. Implementations must route calls
// through the gateway.
type MarketSource interface {
	Ticker(ctx context.Context, symbol string) (core.Ticker, error)
	Candles(ctx context.Context, symbol string, interval string, limit int) ([]core.Candle, error)
}

// Criteria are the eligibility thresholds.
type Criteria struct {
	// Strict adds price range, spread, volatility and volume checks to the
	// basic value and trading checks.
	Strict           bool
	MinPrice         decimal.Decimal
	MaxPrice         decimal.Decimal
	MaxSpreadPercent decimal.Decimal
	MaxChangePercent decimal.Decimal
	MinVolume        decimal.Decimal
	Blacklist        map[string]struct{}
}

// CriteriaFromConfig converts configured thresholds.
func CriteriaFromConfig(cfg config.ValidatorConfig) Criteria {
	blacklist := make(map[string]struct{}, len(cfg.Blacklist))
	for _, symbol := range cfg.Blacklist {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol != "" {
			blacklist[symbol] = struct{}{}
		}
	}

	return Criteria{
		Strict:           cfg.Strict,
		MinPrice:         decimal.NewFromFloat(cfg.MinPrice),
		MaxPrice:         decimal.NewFromFloat(cfg.MaxPrice),
		MaxSpreadPercent: decimal.NewFromFloat(cfg.MaxSpreadPercent),
		MaxChangePercent: decimal.NewFromFloat(cfg.MaxChangePercent),
		MinVolume:        decimal.NewFromFloat(cfg.MinVolume),
		Blacklist:        blacklist,
	}
}

// DefaultCriteria returns the built-in thresholds.
func DefaultCriteria() Criteria {
	return CriteriaFromConfig(config.DefaultValidatorConfig())
}

// Validator checks one symbol at a time and is safe for concurrent use.
type Validator struct {
	Market   MarketSource
	Criteria Criteria
	Logger   *logging.Logger
}

// New returns a validator over market with the given criteria.
func New(market MarketSource, criteria Criteria) *Validator {
	return &Validator{Market: market, Criteria: criteria}
}

// ValidateAsset reports whether symbol is eligible. A rejection is an
// outcome, not an error; an error means the answer is unknown and the call
// may be retried.
func (v *Validator) ValidateAsset(ctx context.Context, symbol string) (core.ValidationOutcome, error) {
	if v == nil || v.Market == nil {
		return core.ValidationOutcome{}, fmt.Errorf("validator is not configured")
	}

	if !ValidSymbol(symbol) {
		return core.ValidationOutcome{Reason: ReasonInvalidFormat, Data: map[string]any{}}, nil
	}
	if _, blocked := v.Criteria.Blacklist[symbol]; blocked {
		return core.ValidationOutcome{Reason: ReasonBlacklisted, Data: map[string]any{}}, nil
	}

	ticker, err := v.Market.Ticker(ctx, symbol)
	if err != nil {
		if core.IsPermanent(err) {
			return core.ValidationOutcome{
				Reason: ReasonNotAvailable,
				Data:   map[string]any{"error": err.Error()},
			}, nil
		}
		return core.ValidationOutcome{}, &core.ValidationError{Symbol: symbol, Err: err}
	}

	checks, order := v.runChecks(ticker)

	var failed []string
	for _, name := range order {
		if !checks[name] {
			failed = append(failed, name)
		}
	}

	data := map[string]any{
		"market_summary":    marketSummary(ticker),
		"validation_checks": checks,
		"criteria_used":     v.criteriaSummary(),
	}
	if v.Criteria.Strict {
		if analysis, ok := v.volumeAnalysis(ctx, symbol); ok {
			data["volume_analysis"] = analysis
		}
	}

	outcome := core.ValidationOutcome{IsValid: len(failed) == 0, Data: data}
	if !outcome.IsValid {
		outcome.Reason = "Failed checks: " + strings.Join(failed, ", ")
	}
	return outcome, nil
}

// ValidSymbol reports whether symbol looks like "BASE/QUOTE".
func ValidSymbol(symbol string) bool {
	return len(symbol) <= maxSymbolLength && symbolPattern.MatchString(symbol)
}

func (v *Validator) runChecks(t core.Ticker) (map[string]bool, []string) {
	checks := map[string]bool{
		CheckHasValue:      t.Last.IsPositive(),
		CheckRecentTrading: t.BaseVolume.IsPositive() || t.QuoteVolume.IsPositive(),
	}
	order := []string{CheckHasValue, CheckRecentTrading}

	if !v.Criteria.Strict {
		return checks, order
	}

	c := v.Criteria
	checks[CheckPriceRange] = t.Last.GreaterThanOrEqual(c.MinPrice) && t.Last.LessThanOrEqual(c.MaxPrice)

	spread, ok := t.SpreadPercent()
	checks[CheckSpread] = ok && spread.LessThanOrEqual(c.MaxSpreadPercent)

	// No change data means nothing to object to.
	checks[CheckVolatility] = t.ChangePercent24h.Abs().LessThanOrEqual(c.MaxChangePercent)

	order = append(order, CheckPriceRange, CheckSpread, CheckVolatility)

	if c.MinVolume.IsPositive() {
		checks[CheckMinVolume] = t.QuoteVolume.GreaterThanOrEqual(c.MinVolume)
		order = append(order, CheckMinVolume)
	}
	return checks, order
}

// volumeAnalysis summarizes the last day of hourly volume. It is
// informational: failures are logged and the analysis is omitted.
func (v *Validator) volumeAnalysis(ctx context.Context, symbol string) (map[string]any, bool) {
	candles, err := v.Market.Candles(ctx, symbol, volumeInterval, volumeCandles)
	if err != nil {
		if v.Logger != nil {
			v.Logger.Debug("Volume analysis unavailable",
				zap.String("symbol", symbol),
				zap.Error(err))
		}
		return nil, false
	}
	if len(candles) == 0 {
		return nil, false
	}

	total := decimal.Zero
	peak := decimal.Zero
	for _, c := range candles {
		total = total.Add(c.Volume)
		if c.Volume.GreaterThan(peak) {
			peak = c.Volume
		}
	}
	average := total.Div(decimal.NewFromInt(int64(len(candles))))

	return map[string]any{
		"interval":       volumeInterval,
		"candles":        len(candles),
		"total_volume":   total.String(),
		"average_volume": average.StringFixed(8),
		"peak_volume":    peak.String(),
	}, true
}

func marketSummary(t core.Ticker) map[string]any {
	summary := map[string]any{
		"price":              t.Last.String(),
		"bid":                t.Bid.String(),
		"ask":                t.Ask.String(),
		"volume_24h":         t.BaseVolume.String(),
		"quote_volume_24h":   t.QuoteVolume.String(),
		"change_percent_24h": t.ChangePercent24h.String(),
	}
	if spread, ok := t.SpreadPercent(); ok {
		summary["spread_percent"] = spread.StringFixed(6)
	}
	if !t.Timestamp.IsZero() {
		summary["timestamp"] = t.Timestamp.Format(time.RFC3339)
	}
	return summary
}

func (v *Validator) criteriaSummary() map[string]any {
	c := v.Criteria
	return map[string]any{
		"strict":             c.Strict,
		"min_price":          c.MinPrice.String(),
		"max_price":          c.MaxPrice.String(),
		"max_spread_percent": c.MaxSpreadPercent.String(),
		"max_change_percent": c.MaxChangePercent.String(),
		"min_volume":         c.MinVolume.String(),
		"blacklisted":        len(c.Blacklist),
	}
}
