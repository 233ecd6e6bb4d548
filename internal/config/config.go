package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid marks configuration that must stop the process.
var ErrInvalid = errors.New("invalid configuration")

// Strategy names accepted by scanner.strategy.
var KnownStrategies = []string{"sequential", "concurrent", "priority", "adaptive", "high_performance"}

// Config represents the complete application configuration. Values are
// layered defaults, then config file, then environment, then runtime
// overrides.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	Debug     DebugConfig     `mapstructure:"debug"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Validator ValidatorConfig `mapstructure:"validator"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Profile is SIMPLE, STRUCTURED or ENTERPRISE.
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// ExchangeConfig points the market data client at an exchange REST API.
type ExchangeConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// RedisConfig configures publishing scan progress to a Redis channel.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// GatewayConfig tunes the request gateway in front of the exchange.
type GatewayConfig struct {
	// Quotas overrides requests per 10s window, keyed by endpoint name.
	Quotas       map[string]int `mapstructure:"quotas"`
	SafetyMargin float64        `mapstructure:"safety_margin"`

	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTime     time.Duration `mapstructure:"recovery_time"`

	CacheMaxEntries int                      `mapstructure:"cache_max_entries"`
	CacheTTLs       map[string]time.Duration `mapstructure:"cache_ttls"`
	SweepInterval   time.Duration            `mapstructure:"sweep_interval"`

	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// ScannerConfig holds the tunables of a scan run.
type ScannerConfig struct {
	MaxConcurrentValidations int           `mapstructure:"max_concurrent_validations"`
	BatchSize                int           `mapstructure:"batch_size"`
	MaxRetries               int           `mapstructure:"max_retries"`
	RetryDelay               time.Duration `mapstructure:"retry_delay"`
	ValidationTimeout        time.Duration `mapstructure:"validation_timeout"`
	EnablePriorityProcessing bool          `mapstructure:"enable_priority_processing"`
	ProgressReportInterval   int           `mapstructure:"progress_report_interval"`
	EnableCaching            bool          `mapstructure:"enable_caching"`
	CacheTTL                 time.Duration `mapstructure:"cache_ttl"`
	DBBatchSize              int           `mapstructure:"db_batch_size"`
	MemoryLimitMB            int           `mapstructure:"memory_limit_mb"`
	CPULimitPercent          int           `mapstructure:"cpu_limit_percent"`
	Strategy                 string        `mapstructure:"strategy"`

	QuoteCurrency   string        `mapstructure:"quote_currency"`
	PrioritySymbols []string      `mapstructure:"priority_symbols"`
	ScanInterval    time.Duration `mapstructure:"scan_interval"`

	Adaptive AdaptiveConfig `mapstructure:"adaptive"`
}

// AdaptiveConfig tunes how the adaptive strategy weighs workload size
// against host load. The CPU ceiling is cpu_limit_percent and the process
// memory ceiling is memory_limit_mb.
type AdaptiveConfig struct {
	TinyWorkload      int     `mapstructure:"tiny_workload"`
	MediumWorkload    int     `mapstructure:"medium_workload"`
	MemoryHighPercent float64 `mapstructure:"memory_high_percent"`
	CPULowPercent     float64 `mapstructure:"cpu_low_percent"`
	MemoryLowPercent  float64 `mapstructure:"memory_low_percent"`

	// Used when host load cannot be read.
	FallbackSequentialMax int `mapstructure:"fallback_sequential_max"`
	FallbackConcurrentMax int `mapstructure:"fallback_concurrent_max"`
}

// DefaultAdaptiveConfig returns the historical selection heuristics.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		TinyWorkload:          5,
		MediumWorkload:        50,
		MemoryHighPercent:     85,
		CPULowPercent:         60,
		MemoryLowPercent:      70,
		FallbackSequentialMax: 10,
		FallbackConcurrentMax: 100,
	}
}

// Validate checks that the workload bounds are ordered and the percentages
// are in range.
func (c AdaptiveConfig) Validate() []string {
	var problems []string
	if c.TinyWorkload < 0 || c.MediumWorkload < c.TinyWorkload {
		problems = append(problems, "adaptive: medium_workload must be at least tiny_workload")
	}
	if c.FallbackSequentialMax < 0 || c.FallbackConcurrentMax < c.FallbackSequentialMax {
		problems = append(problems, "adaptive: fallback_concurrent_max must be at least fallback_sequential_max")
	}
	percents := map[string]float64{
		"memory_high_percent": c.MemoryHighPercent,
		"cpu_low_percent":     c.CPULowPercent,
		"memory_low_percent":  c.MemoryLowPercent,
	}
	for _, name := range sortedKeys(percents) {
		if value := percents[name]; value <= 0 || value > 100 {
			problems = append(problems, fmt.Sprintf("adaptive: %s must be within (0, 100] (got %g)", name, value))
		}
	}
	if c.MemoryLowPercent > c.MemoryHighPercent {
		problems = append(problems, "adaptive: memory_low_percent must not exceed memory_high_percent")
	}
	return problems
}

// ValidatorConfig holds the per-symbol eligibility criteria.
type ValidatorConfig struct {
	// Strict runs the market-quality checks on top of format and liquidity.
	Strict           bool     `mapstructure:"strict"`
	MinPrice         float64  `mapstructure:"min_price"`
	MaxPrice         float64  `mapstructure:"max_price"`
	MaxSpreadPercent float64  `mapstructure:"max_spread_percent"`
	MaxChangePercent float64  `mapstructure:"max_change_percent"`
	MinVolume        float64  `mapstructure:"min_volume"`
	Blacklist        []string `mapstructure:"blacklist"`
}

// DefaultPrioritySymbols are validated before everything else.
var DefaultPrioritySymbols = []string{
	"BTC/USDT", "ETH/USDT", "BNB/USDT", "SOL/USDT", "ADA/USDT",
	"DOT/USDT", "AVAX/USDT", "MATIC/USDT", "LINK/USDT", "UNI/USDT",
}

// DefaultScannerConfig returns the scanner tunables used when nothing is
// configured.
func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		MaxConcurrentValidations: 50,
		BatchSize:                20,
		MaxRetries:               3,
		RetryDelay:               time.Second,
		ValidationTimeout:        30 * time.Second,
		EnablePriorityProcessing: true,
		ProgressReportInterval:   50,
		EnableCaching:            true,
		CacheTTL:                 time.Hour,
		DBBatchSize:              100,
		MemoryLimitMB:            512,
		CPULimitPercent:          80,
		Strategy:                 "high_performance",
		QuoteCurrency:            "USDT",
		PrioritySymbols:          append([]string(nil), DefaultPrioritySymbols...),
		Adaptive:                 DefaultAdaptiveConfig(),
	}
}

// DefaultValidatorConfig returns the default eligibility criteria.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		Strict:           true,
		MinPrice:         0.0001,
		MaxPrice:         100000,
		MaxSpreadPercent: 0.5,
		MaxChangePercent: 50,
		MinVolume:        0,
	}
}

// Validate rejects scanner settings that cannot produce a working scan.
func (c ScannerConfig) Validate() error {
	var problems []string

	positive := map[string]int{
		"max_concurrent_validations": c.MaxConcurrentValidations,
		"batch_size":                 c.BatchSize,
		"progress_report_interval":   c.ProgressReportInterval,
		"db_batch_size":              c.DBBatchSize,
		"memory_limit_mb":            c.MemoryLimitMB,
	}
	for _, name := range sortedKeys(positive) {
		if positive[name] <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive (got %d)", name, positive[name]))
		}
	}

	if c.MaxRetries < 0 {
		problems = append(problems, fmt.Sprintf("max_retries must not be negative (got %d)", c.MaxRetries))
	}
	if c.RetryDelay <= 0 {
		problems = append(problems, "retry_delay must be positive")
	}
	if c.ValidationTimeout <= 0 {
		problems = append(problems, "validation_timeout must be positive")
	}
	if c.EnableCaching && c.CacheTTL <= 0 {
		problems = append(problems, "cache_ttl must be positive when caching is enabled")
	}
	if c.CPULimitPercent < 1 || c.CPULimitPercent > 100 {
		problems = append(problems, fmt.Sprintf("cpu_limit_percent must be within 1..100 (got %d)", c.CPULimitPercent))
	}
	if c.ScanInterval < 0 {
		problems = append(problems, "scan_interval must not be negative")
	}
	if !isKnownStrategy(c.Strategy) {
		problems = append(problems, fmt.Sprintf("strategy %q is not one of %s", c.Strategy, strings.Join(KnownStrategies, ", ")))
	}
	problems = append(problems, c.Adaptive.Validate()...)

	if len(problems) > 0 {
		return fmt.Errorf("%w: scanner: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Validate rejects gateway settings outside their allowed ranges.
func (c GatewayConfig) Validate() error {
	var problems []string

	if c.SafetyMargin <= 0 || c.SafetyMargin > 1 {
		problems = append(problems, fmt.Sprintf("safety_margin must be within (0, 1] (got %g)", c.SafetyMargin))
	}
	for _, endpoint := range sortedKeys(c.Quotas) {
		if c.Quotas[endpoint] <= 0 {
			problems = append(problems, fmt.Sprintf("quota for %s must be positive", endpoint))
		}
	}
	if c.FailureThreshold <= 0 {
		problems = append(problems, "failure_threshold must be positive")
	}
	if c.RecoveryTime <= 0 {
		problems = append(problems, "recovery_time must be positive")
	}
	if c.MaxAttempts <= 0 {
		problems = append(problems, "max_attempts must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: gateway: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Validate checks the price and spread bounds.
func (c ValidatorConfig) Validate() error {
	switch {
	case c.MinPrice < 0:
		return fmt.Errorf("%w: validator: min_price must not be negative", ErrInvalid)
	case c.MaxPrice <= c.MinPrice:
		return fmt.Errorf("%w: validator: max_price must exceed min_price", ErrInvalid)
	case c.MaxSpreadPercent <= 0:
		return fmt.Errorf("%w: validator: max_spread_percent must be positive", ErrInvalid)
	case c.MaxChangePercent <= 0:
		return fmt.Errorf("%w: validator: max_change_percent must be positive", ErrInvalid)
	}
	return nil
}

// Validate checks every section that has hard constraints.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: no configuration loaded", ErrInvalid)
	}
	if err := c.Scanner.Validate(); err != nil {
		return err
	}
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	if err := c.Validator.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Exchange.BaseURL) == "" {
		return fmt.Errorf("%w: exchange.base_url is required", ErrInvalid)
	}
	if c.Redis.Enabled && strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("%w: redis.addr is required when redis is enabled", ErrInvalid)
	}
	return nil
}

func isKnownStrategy(name string) bool {
	for _, known := range KnownStrategies {
		if name == known {
			return true
		}
	}
	return false
}
