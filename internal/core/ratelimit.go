package core

import "time"

// EndpointQuota is the admission budget for one logical exchange operation.
type EndpointQuota struct {
	Endpoint    string        `json:"endpoint"`
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

// Valid reports whether the quota can admit anything at all.
func (q EndpointQuota) Valid() bool {
	return q.MaxRequests > 0 && q.Window > 0
}

// EndpointStats captures gateway admission counters for one endpoint.
type EndpointStats struct {
	Endpoint        string        `json:"endpoint"`
	Admitted        int64         `json:"admitted"`
	Throttled       int64         `json:"throttled"`
	RateLimited     int64         `json:"rate_limited"`
	TotalWait       time.Duration `json:"total_wait"`
	LastThrottledAt *time.Time    `json:"last_throttled_at,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}
