package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/namelens/symscan/internal/core"
)

// TableFormatter renders results as ASCII tables, or Markdown tables when
// Markdown is set.
type TableFormatter struct {
	Markdown bool
}

// FormatScan renders a summary table followed by rejection reasons and
// per-symbol errors.
func (f *TableFormatter) FormatScan(result *core.ScanResult) (string, error) {
	if result == nil {
		return "", nil
	}

	summary := f.newWriter()
	summary.AppendHeader(table.Row{"Scan", "Strategy", "Discovered", "Valid", "Invalid", "Errors", "Duration"})
	summary.AppendRow(table.Row{
		shortID(result.ID),
		result.Strategy,
		result.TotalDiscovered,
		len(result.ValidAssets),
		len(result.InvalidAssets),
		len(result.Errors),
		result.Duration.Round(time.Millisecond).String(),
	})

	sections := []string{f.render(summary)}

	if len(result.RejectionReasons) > 0 {
		reasons := f.newWriter()
		reasons.AppendHeader(table.Row{"Rejection Reason", "Count"})
		for _, r := range result.RejectionReasons {
			reasons.AppendRow(table.Row{r.Reason, r.Count})
		}
		sections = append(sections, f.render(reasons))
	}

	if len(result.Errors) > 0 {
		errs := f.newWriter()
		errs.AppendHeader(table.Row{"Symbol", "Error"})
		for _, e := range result.Errors {
			errs.AppendRow(table.Row{e.Symbol, truncate(e.Message, 80)})
		}
		sections = append(sections, f.render(errs))
	}

	if len(result.ValidAssets) > 0 {
		sections = append(sections, "Valid: "+strings.Join(result.ValidAssets, ", "))
	}

	return strings.Join(sections, "\n\n"), nil
}

// FormatAssets renders stored assets.
func (f *TableFormatter) FormatAssets(assets []core.Asset) (string, error) {
	t := f.newWriter()
	t.AppendHeader(table.Row{"Symbol", "Status", "Reason", "Min Order", "Last Validated"})
	valid := 0
	for _, a := range assets {
		status := "invalid"
		if a.IsValid {
			status = "valid"
			valid++
		}
		t.AppendRow(table.Row{a.Symbol, status, truncate(a.Reason, 60), a.MinOrderSize.String(), formatTime(a.LastValidation)})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d/%d valid", valid, len(assets)), "", "", ""})
	return f.render(t), nil
}

// FormatScanRuns renders scan history.
func (f *TableFormatter) FormatScanRuns(runs []core.ScanRun) (string, error) {
	t := f.newWriter()
	t.AppendHeader(table.Row{"Scan", "Strategy", "State", "Started", "Duration", "Total", "Valid", "Invalid", "Errors"})
	for _, r := range runs {
		duration := ""
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		state := r.State
		if r.Error != "" {
			state += ": " + truncate(r.Error, 40)
		}
		t.AppendRow(table.Row{
			shortID(r.ID), r.Strategy, state, formatTime(&r.StartedAt), duration,
			r.TotalDiscovered, r.ValidCount, r.InvalidCount, r.ErrorCount,
		})
	}
	return f.render(t), nil
}

// FormatEndpointStats renders gateway admission counters.
func (f *TableFormatter) FormatEndpointStats(stats []core.EndpointStats) (string, error) {
	t := f.newWriter()
	t.AppendHeader(table.Row{"Endpoint", "Admitted", "Throttled", "Rate Limited", "Total Wait", "Last Throttled"})
	for _, s := range stats {
		t.AppendRow(table.Row{
			s.Endpoint, s.Admitted, s.Throttled, s.RateLimited,
			s.TotalWait.Round(time.Millisecond).String(), formatTime(s.LastThrottledAt),
		})
	}
	return f.render(t), nil
}

func (f *TableFormatter) newWriter() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	return t
}

func (f *TableFormatter) render(t table.Writer) string {
	if f.Markdown {
		return t.RenderMarkdown()
	}
	return t.Render()
}

func formatTime(value *time.Time) string {
	if value == nil || value.IsZero() {
		return "-"
	}
	return value.UTC().Format(time.RFC3339)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	if limit <= 3 || len(value) <= limit {
		return value
	}
	return value[:limit-3] + "..."
}
