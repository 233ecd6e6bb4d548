package metrics

import (
	"time"

	"github.com/namelens/symscan/internal/observability"
)

// Scan metric names
const (
	ScansTotal           = "scan_runs_total"
	ScanDuration         = "scan_duration_ms"
	ScanAssetsDiscovered = "scan_assets_discovered"
	ScanAssetsValid      = "scan_assets_valid"
	ScanProgress         = "scan_progress_percent"
	ValidationsTotal     = "validations_total"
	ValidationDuration   = "validation_duration_ms"
)

// RecordScan records a finished scan run.
func RecordScan(strategy string, state string, duration time.Duration, discovered int, valid int) {
	if observability.TelemetrySystem == nil {
		return
	}

	_ = observability.TelemetrySystem.Counter(
		ScansTotal,
		1,
		map[string]string{
			"strategy": strategy,
			"state":    state,
		},
	)
	_ = observability.TelemetrySystem.Histogram(
		ScanDuration,
		duration,
		map[string]string{"strategy": strategy},
	)
	_ = observability.TelemetrySystem.Gauge(ScanAssetsDiscovered, float64(discovered), nil)
	_ = observability.TelemetrySystem.Gauge(ScanAssetsValid, float64(valid), nil)
}

// RecordValidation records one symbol validation by outcome.
func RecordValidation(outcome string, duration time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}

	_ = observability.TelemetrySystem.Counter(
		ValidationsTotal,
		1,
		map[string]string{"outcome": outcome},
	)
	_ = observability.TelemetrySystem.Histogram(
		ValidationDuration,
		duration,
		map[string]string{"outcome": outcome},
	)
}

// SetScanProgress sets the completion percentage of the running scan.
func SetScanProgress(percent float64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ScanProgress, percent, nil)
	}
}
