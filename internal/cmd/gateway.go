package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/namelens/symscan/internal/core/store"
	"github.com/namelens/symscan/internal/output"
)

var (
	gatewayStatsAll    bool
	gatewayStatsPrefix string

	gatewayResetAll      bool
	gatewayResetEndpoint string
	gatewayResetPrefix   string
	gatewayResetYes      bool
	gatewayResetDryRun   bool
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Inspect persisted gateway statistics",
	Long: `Gateway statistics are the per-endpoint admission counters saved after
each scan: requests admitted, requests delayed by the rate limiter, upstream
rate-limit responses and total time spent waiting.`,
}

var gatewayStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "List stored endpoint statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := resolveOutputFormat(cmd); err != nil {
			return err
		}

		query := store.StatsQuery{
			All:    gatewayStatsAll,
			Prefix: strings.TrimSpace(gatewayStatsPrefix),
		}
		if !query.All && query.Prefix == "" {
			query.All = true
		}

		db, err := openConfiguredStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		stats, err := db.ListEndpointStats(cmd.Context(), query)
		if err != nil {
			return err
		}

		return writeRendered(cmd, "gateway.stats", func(f output.Formatter) (string, error) {
			return f.FormatEndpointStats(stats)
		})
	},
}

var gatewayResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset stored endpoint statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		if format != output.FormatJSON && format != output.FormatTable {
			return fmt.Errorf("unsupported output format: %s", format)
		}

		query := store.StatsQuery{
			All:      gatewayResetAll,
			Endpoint: strings.TrimSpace(gatewayResetEndpoint),
			Prefix:   strings.TrimSpace(gatewayResetPrefix),
		}
		if err := query.Validate(); err != nil {
			return err
		}
		if query.All && !gatewayResetYes && !gatewayResetDryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		db, err := openConfiguredStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		matched, err := db.ListEndpointStats(cmd.Context(), query)
		if err != nil {
			return err
		}

		var deleted int64
		if !gatewayResetDryRun {
			deleted, err = db.ResetEndpointStats(cmd.Context(), query)
			if err != nil {
				return err
			}
		}

		endpoints := make([]string, 0, len(matched))
		for _, st := range matched {
			endpoints = append(endpoints, st.Endpoint)
		}
		return writeGatewayResetResult(format, cmd.OutOrStdout(), endpoints, deleted, gatewayResetDryRun)
	},
}

func writeGatewayResetResult(format output.Format, w io.Writer, endpoints []string, deleted int64, dryRun bool) error {
	if format == output.FormatJSON {
		payload, err := json.MarshalIndent(map[string]any{
			"matched":   len(endpoints),
			"endpoints": endpoints,
			"deleted":   deleted,
			"dry_run":   dryRun,
		}, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(payload))
		return err
	}

	lines := []string{"Gateway Stats Reset", ""}
	if dryRun {
		lines = append(lines, fmt.Sprintf("Would delete %d endpoint(s)", len(endpoints)))
	} else {
		lines = append(lines, fmt.Sprintf("Deleted %d/%d endpoint(s)", deleted, len(endpoints)))
	}
	for _, endpoint := range endpoints {
		lines = append(lines, "  "+endpoint)
	}
	_, err := fmt.Fprint(w, ascii.DrawBox(strings.Join(lines, "\n"), 0))
	return err
}

func init() {
	gatewayStatsCmd.Flags().BoolVar(&gatewayStatsAll, "all", false, "List all endpoints")
	gatewayStatsCmd.Flags().StringVar(&gatewayStatsPrefix, "prefix", "", "List endpoints with matching prefix")
	addOutputFlags(gatewayStatsCmd)

	gatewayResetCmd.Flags().BoolVar(&gatewayResetAll, "all", false, "Reset all endpoints")
	gatewayResetCmd.Flags().StringVar(&gatewayResetEndpoint, "endpoint", "", "Reset a single endpoint (exact match)")
	gatewayResetCmd.Flags().StringVar(&gatewayResetPrefix, "prefix", "", "Reset endpoints with matching prefix")
	gatewayResetCmd.Flags().BoolVar(&gatewayResetYes, "yes", false, "Confirm destructive reset")
	gatewayResetCmd.Flags().BoolVar(&gatewayResetDryRun, "dry-run", false, "Show what would be deleted")
	gatewayResetCmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json")

	gatewayCmd.AddCommand(gatewayStatsCmd)
	gatewayCmd.AddCommand(gatewayResetCmd)
	rootCmd.AddCommand(gatewayCmd)
}
