package core

import (
	"sort"
	"time"
)

// ScanError records a symbol whose validation ended in an unrecovered error.
type ScanError struct {
	Symbol  string `json:"symbol"`
	Message string `json:"message"`
}

// ReasonCount is one entry of the rejection-reason histogram.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// ScanResult aggregates one completed scan.
//
// For every completed scan len(ValidAssets)+len(InvalidAssets)+len(Errors)
// equals TotalDiscovered.
type ScanResult struct {
	ID               string        `json:"id"`
	Strategy         string        `json:"strategy"`
	ScanTimestamp    time.Time     `json:"scan_timestamp"`
	Duration         time.Duration `json:"duration"`
	TotalDiscovered  int           `json:"total_discovered"`
	ValidAssets      []string      `json:"valid_assets"`
	InvalidAssets    []string      `json:"invalid_assets"`
	Errors           []ScanError   `json:"errors"`
	RejectionReasons []ReasonCount `json:"rejection_reasons,omitempty"`
}

// Summarize builds a ScanResult from per-symbol results. Symbol lists are
// sorted so the output is stable across runs.
func Summarize(results []ValidationResult, topReasons int) ScanResult {
	summary := ScanResult{
		TotalDiscovered: len(results),
		ValidAssets:     []string{},
		InvalidAssets:   []string{},
		Errors:          []ScanError{},
	}

	for _, r := range results {
		switch r.Outcome() {
		case OutcomeValid:
			summary.ValidAssets = append(summary.ValidAssets, r.Symbol)
		case OutcomeInvalid:
			summary.InvalidAssets = append(summary.InvalidAssets, r.Symbol)
		default:
			summary.Errors = append(summary.Errors, ScanError{Symbol: r.Symbol, Message: r.Error})
		}
	}

	sort.Strings(summary.ValidAssets)
	sort.Strings(summary.InvalidAssets)
	sort.Slice(summary.Errors, func(i, j int) bool {
		return summary.Errors[i].Symbol < summary.Errors[j].Symbol
	})

	summary.RejectionReasons = RejectionReasons(results, topReasons)
	return summary
}

// RejectionReasons counts why symbols were rejected, most frequent first.
// Ties are broken alphabetically. A limit <= 0 returns every reason.
func RejectionReasons(results []ValidationResult, limit int) []ReasonCount {
	counts := make(map[string]int)
	for _, r := range results {
		if r.Outcome() == OutcomeValid {
			continue
		}
		reason := r.Reason
		if reason == "" {
			reason = r.Error
		}
		if reason == "" {
			reason = "unknown"
		}
		counts[reason]++
	}

	out := make([]ReasonCount, 0, len(counts))
	for reason, count := range counts {
		out = append(out, ReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ScanRun is the history record of one scan attempt.
type ScanRun struct {
	ID              string     `json:"id"`
	Strategy        string     `json:"strategy"`
	State           string     `json:"state"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	TotalDiscovered int        `json:"total_discovered"`
	ValidCount      int        `json:"valid_count"`
	InvalidCount    int        `json:"invalid_count"`
	ErrorCount      int        `json:"error_count"`
	Error           string     `json:"error,omitempty"`
}
