package metrics

import (
	"time"

	"github.com/namelens/symscan/internal/observability"
)

// Gateway metric names
const (
	GatewayAdmissionsTotal   = "gateway_admissions_total"
	GatewayThrottledTotal    = "gateway_throttled_total"
	GatewayThrottleWait      = "gateway_throttle_wait_ms"
	GatewayCallsTotal        = "gateway_calls_total"
	GatewayRetriesTotal      = "gateway_retries_total"
	GatewayBreakerTripsTotal = "gateway_breaker_trips_total"
	GatewayCacheLookupsTotal = "gateway_cache_lookups_total"
)

// RecordAdmission counts a request admitted by the rate limiter.
func RecordAdmission(endpoint string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			GatewayAdmissionsTotal,
			1,
			map[string]string{"endpoint": endpoint},
		)
	}
}

// RecordThrottle counts a rate limiter delay and how long it was.
func RecordThrottle(endpoint string, wait time.Duration) {
	if observability.TelemetrySystem != nil {
		tags := map[string]string{"endpoint": endpoint}
		_ = observability.TelemetrySystem.Counter(GatewayThrottledTotal, 1, tags)
		_ = observability.TelemetrySystem.Histogram(GatewayThrottleWait, wait, tags)
	}
}

// RecordCallOutcome counts one upstream attempt by result: success,
// transient, rate_limited, permanent or circuit_open.
func RecordCallOutcome(endpoint string, outcome string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			GatewayCallsTotal,
			1,
			map[string]string{
				"endpoint": endpoint,
				"outcome":  outcome,
			},
		)
	}
}

// RecordRetry counts a scheduled retry.
func RecordRetry(endpoint string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			GatewayRetriesTotal,
			1,
			map[string]string{"endpoint": endpoint},
		)
	}
}

// RecordBreakerTrip counts the circuit breaker opening.
func RecordBreakerTrip() {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(GatewayBreakerTripsTotal, 1, nil)
	}
}

// RecordCacheLookup counts a cache lookup by result: hit, miss or coalesced.
func RecordCacheLookup(result string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			GatewayCacheLookupsTotal,
			1,
			map[string]string{"result": result},
		)
	}
}
