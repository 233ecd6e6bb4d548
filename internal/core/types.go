package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Market describes an instrument listed by the exchange.
type Market struct {
	Symbol       string          `json:"symbol"`
	Base         string          `json:"base"`
	Quote        string          `json:"quote"`
	Active       bool            `json:"active"`
	MinOrderSize decimal.Decimal `json:"min_order_size"`
}

// Ticker is a point-in-time market summary for one symbol.
type Ticker struct {
	Symbol           string          `json:"symbol"`
	Last             decimal.Decimal `json:"last"`
	Bid              decimal.Decimal `json:"bid"`
	Ask              decimal.Decimal `json:"ask"`
	BaseVolume       decimal.Decimal `json:"base_volume"`
	QuoteVolume      decimal.Decimal `json:"quote_volume"`
	ChangePercent24h decimal.Decimal `json:"change_percent_24h"`
	Timestamp        time.Time       `json:"timestamp"`
}

// SpreadPercent returns the bid/ask spread as a percentage of the last
// price, or of the ask when no last price is known. The second return value
// is false when either side of the book is missing.
func (t Ticker) SpreadPercent() (decimal.Decimal, bool) {
	if !t.Bid.IsPositive() || !t.Ask.IsPositive() {
		return decimal.Zero, false
	}
	ref := t.Last
	if !ref.IsPositive() {
		ref = t.Ask
	}
	return t.Ask.Sub(t.Bid).Div(ref).Mul(decimal.NewFromInt(100)), true
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// ValidationOutcome is what a validator reports for a single symbol.
type ValidationOutcome struct {
	IsValid bool           `json:"is_valid"`
	Reason  string         `json:"reason,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Outcome classifies a ValidationResult for aggregation.
type Outcome string

const (
	OutcomeValid   Outcome = "valid"
	OutcomeInvalid Outcome = "invalid"
	OutcomeError   Outcome = "error"
)

// ValidationResult is produced exactly once per symbol per scan.
type ValidationResult struct {
	Symbol      string         `json:"symbol"`
	IsValid     bool           `json:"is_valid"`
	Reason      string         `json:"reason,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	ValidatedAt time.Time      `json:"validation_timestamp"`
	Duration    time.Duration  `json:"duration"`
	RetryCount  int            `json:"retry_count"`
	Error       string         `json:"error,omitempty"`
}

// Outcome reports whether the result is valid, invalid, or an unrecovered error.
func (r ValidationResult) Outcome() Outcome {
	switch {
	case r.Error != "":
		return OutcomeError
	case r.IsValid:
		return OutcomeValid
	default:
		return OutcomeInvalid
	}
}

// Asset is the persisted record for a tradable instrument.
type Asset struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	BaseCurrency   string          `json:"base_currency"`
	QuoteCurrency  string          `json:"quote_currency"`
	IsValid        bool            `json:"is_valid"`
	Reason         string          `json:"reason,omitempty"`
	MinOrderSize   decimal.Decimal `json:"min_order_size"`
	LastValidation *time.Time      `json:"last_validation,omitempty"`
	ValidationData map[string]any  `json:"validation_data,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// SplitSymbol splits "BASE/QUOTE" into its currencies.
func SplitSymbol(symbol string) (base string, quote string, ok bool) {
	base, quote, ok = strings.Cut(strings.ToUpper(strings.TrimSpace(symbol)), "/")
	if !ok || base == "" || quote == "" {
		return "", "", false
	}
	return base, quote, true
}

// LoadInfo is a snapshot of host load used for strategy selection.
type LoadInfo struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`

	// ProcessMemoryMB is this process's resident set size, 0 when unknown.
	ProcessMemoryMB float64 `json:"process_memory_mb"`
}
