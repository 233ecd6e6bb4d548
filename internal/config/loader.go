// Package config provides centralized configuration management for symscan.
// Values are layered: built-in defaults, then the config file settings read
// by viper, then environment variables, then runtime overrides.
package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
)

const (
	appName = "symscan"

	// EnvPrefix prefixes application environment variables.
	EnvPrefix = "SYMSCAN_"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// EnvVarSpec defines environment variable mappings for config fields
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// Defaults returns the built-in configuration layer as a nested map.
func Defaults() map[string]any {
	scanner := DefaultScannerConfig()
	adaptive := scanner.Adaptive
	validator := DefaultValidatorConfig()

	return map[string]any{
		"server": map[string]any{
			"host":             "localhost",
			"port":             8080,
			"read_timeout":     "30s",
			"write_timeout":    "30s",
			"idle_timeout":     "120s",
			"shutdown_timeout": "10s",
		},
		"store": map[string]any{
			"driver": "libsql",
		},
		"logging": map[string]any{
			"level":   "info",
			"profile": "SIMPLE",
		},
		"metrics": map[string]any{
			"enabled": true,
			"port":    9090,
		},
		"health": map[string]any{
			"enabled": true,
		},
		"debug": map[string]any{
			"enabled":       false,
			"pprof_enabled": false,
		},
		"exchange": map[string]any{
			"base_url":   "https://api.binance.com",
			"timeout":    "10s",
			"user_agent": "symscan",
		},
		"redis": map[string]any{
			"enabled": false,
			"addr":    "localhost:6379",
			"db":      0,
			"channel": "symscan:scan-events",
		},
		"gateway": map[string]any{
			"safety_margin":     1.0,
			"failure_threshold": 5,
			"recovery_time":     "60s",
			"cache_max_entries": 10000,
			"sweep_interval":    "60s",
			"max_attempts":      3,
			"base_delay":        "1s",
			"call_timeout":      "30s",
		},
		"scanner": map[string]any{
			"max_concurrent_validations": scanner.MaxConcurrentValidations,
			"batch_size":                 scanner.BatchSize,
			"max_retries":                scanner.MaxRetries,
			"retry_delay":                scanner.RetryDelay.String(),
			"validation_timeout":         scanner.ValidationTimeout.String(),
			"enable_priority_processing": scanner.EnablePriorityProcessing,
			"progress_report_interval":   scanner.ProgressReportInterval,
			"enable_caching":             scanner.EnableCaching,
			"cache_ttl":                  scanner.CacheTTL.String(),
			"db_batch_size":              scanner.DBBatchSize,
			"memory_limit_mb":            scanner.MemoryLimitMB,
			"cpu_limit_percent":          scanner.CPULimitPercent,
			"strategy":                   scanner.Strategy,
			"quote_currency":             scanner.QuoteCurrency,
			"priority_symbols":           toAnySlice(scanner.PrioritySymbols),
			"scan_interval":              "0s",
			"adaptive": map[string]any{
				"tiny_workload":           adaptive.TinyWorkload,
				"medium_workload":         adaptive.MediumWorkload,
				"memory_high_percent":     adaptive.MemoryHighPercent,
				"cpu_low_percent":         adaptive.CPULowPercent,
				"memory_low_percent":      adaptive.MemoryLowPercent,
				"fallback_sequential_max": adaptive.FallbackSequentialMax,
				"fallback_concurrent_max": adaptive.FallbackConcurrentMax,
			},
		},
		"validator": map[string]any{
			"strict":             validator.Strict,
			"min_price":          validator.MinPrice,
			"max_price":          validator.MaxPrice,
			"max_spread_percent": validator.MaxSpreadPercent,
			"max_change_percent": validator.MaxChangePercent,
			"min_volume":         validator.MinVolume,
			"blacklist":          []any{},
		},
	}
}

// Load builds the configuration from defaults, the given file settings (as
// returned by viper.AllSettings), environment variables, and runtime
// overrides, in that order. The result is validated and becomes the value
// returned by GetConfig.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(settings map[string]any, runtimeOverrides ...map[string]any) (*Config, error) {
	merged := Defaults()
	mergeInto(merged, settings)

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	mergeInto(merged, envOverrides)

	for _, override := range runtimeOverrides {
		mergeInto(merged, override)
	}

	cfg, err := Decode(merged)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// Decode converts a nested settings map into a Config.
func Decode(settings map[string]any) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// getEnvSpecs maps environment variables to config paths. Durations and
// numbers are read as strings and converted by the decode hooks so that
// malformed values fail the load instead of falling back to defaults.
func getEnvSpecs() []EnvVarSpec {
	prefix := EnvPrefix

	return []EnvVarSpec{
		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvString},
		{Name: prefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: prefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},

		// Logging config
		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},

		// Store config
		{Name: prefix + "DB_PATH", Path: []string{"store", "path"}, Type: EnvString},
		{Name: prefix + "DB_URL", Path: []string{"store", "url"}, Type: EnvString},
		{Name: prefix + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}, Type: EnvString},

		// Metrics and health
		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvString},
		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},
		{Name: prefix + "DEBUG_ENABLED", Path: []string{"debug", "enabled"}, Type: EnvBool},

		// Exchange and redis
		{Name: prefix + "EXCHANGE_BASE_URL", Path: []string{"exchange", "base_url"}, Type: EnvString},
		{Name: prefix + "EXCHANGE_TIMEOUT", Path: []string{"exchange", "timeout"}, Type: EnvString},
		{Name: prefix + "REDIS_ENABLED", Path: []string{"redis", "enabled"}, Type: EnvBool},
		{Name: prefix + "REDIS_ADDR", Path: []string{"redis", "addr"}, Type: EnvString},
		{Name: prefix + "REDIS_PASSWORD", Path: []string{"redis", "password"}, Type: EnvString},
		{Name: prefix + "REDIS_CHANNEL", Path: []string{"redis", "channel"}, Type: EnvString},

		// Gateway
		{Name: prefix + "GATEWAY_SAFETY_MARGIN", Path: []string{"gateway", "safety_margin"}, Type: EnvString},
		{Name: prefix + "GATEWAY_FAILURE_THRESHOLD", Path: []string{"gateway", "failure_threshold"}, Type: EnvString},
		{Name: prefix + "GATEWAY_RECOVERY_TIME", Path: []string{"gateway", "recovery_time"}, Type: EnvString},

		// Scanner tunables keep their historical unprefixed names.
		{Name: "SCANNER_MAX_CONCURRENT", Path: []string{"scanner", "max_concurrent_validations"}, Type: EnvString},
		{Name: "SCANNER_BATCH_SIZE", Path: []string{"scanner", "batch_size"}, Type: EnvString},
		{Name: "SCANNER_MAX_RETRIES", Path: []string{"scanner", "max_retries"}, Type: EnvString},
		{Name: "SCANNER_RETRY_DELAY", Path: []string{"scanner", "retry_delay"}, Type: EnvString},
		{Name: "SCANNER_PROGRESS_INTERVAL", Path: []string{"scanner", "progress_report_interval"}, Type: EnvString},
		{Name: "SCANNER_DB_BATCH_SIZE", Path: []string{"scanner", "db_batch_size"}, Type: EnvString},
		{Name: "SCANNER_ENABLE_CACHE", Path: []string{"scanner", "enable_caching"}, Type: EnvString},
		{Name: "SCANNER_CACHE_TTL", Path: []string{"scanner", "cache_ttl"}, Type: EnvString},
		{Name: "SCANNER_VALIDATION_TIMEOUT", Path: []string{"scanner", "validation_timeout"}, Type: EnvString},
		{Name: "SCANNER_MEMORY_LIMIT_MB", Path: []string{"scanner", "memory_limit_mb"}, Type: EnvString},
		{Name: "SCANNER_CPU_LIMIT_PERCENT", Path: []string{"scanner", "cpu_limit_percent"}, Type: EnvString},
		{Name: "SCANNER_ENABLE_PRIORITY", Path: []string{"scanner", "enable_priority_processing"}, Type: EnvString},
		{Name: "SCANNER_STRATEGY", Path: []string{"scanner", "strategy"}, Type: EnvString},
	}
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(appName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(appName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + appName + ".db"
	}
	return filepath.Join(dataDir, appName+".db")
}

// secondsToDurationHookFunc accepts bare numbers as seconds for duration
// fields ("1.5" or 90), alongside Go duration strings.
func secondsToDurationHookFunc() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))

	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			trimmed := strings.TrimSpace(v)
			seconds, err := strconv.ParseFloat(trimmed, 64)
			if err != nil {
				// Not a bare number; leave it to the duration string hook.
				return trimmed, nil
			}
			return time.Duration(seconds * float64(time.Second)), nil
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		}
		return data, nil
	}
}

// mergeInto deep-merges src into dst. Nested maps merge key by key; any
// other value replaces what dst held.
func mergeInto(dst, src map[string]any) {
	for key, value := range src {
		key = strings.ToLower(key)
		srcMap, srcIsMap := asMap(value)
		if !srcIsMap {
			dst[key] = value
			continue
		}

		dstMap, dstIsMap := asMap(dst[key])
		if !dstIsMap {
			dstMap = map[string]any{}
		}
		mergeInto(dstMap, srcMap)
		dst[key] = dstMap
	}
}

func asMap(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case map[any]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[fmt.Sprint(k)] = v
		}
		return out, true
	}
	return nil, false
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
