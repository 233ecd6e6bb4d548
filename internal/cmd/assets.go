package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/namelens/symscan/internal/core"
	"github.com/namelens/symscan/internal/core/store"
	"github.com/namelens/symscan/internal/output"
)

var (
	assetsListValid   bool
	assetsListInvalid bool
	assetsListQuote   string
	assetsListLimit   int

	historyLimit int
)

var assetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "Inspect stored validation results",
}

var assetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored assets",
	RunE: func(cmd *cobra.Command, args []string) error {
		if assetsListValid && assetsListInvalid {
			return fmt.Errorf("--valid and --invalid are mutually exclusive")
		}
		if _, err := resolveOutputFormat(cmd); err != nil {
			return err
		}

		db, err := openConfiguredStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		assets, err := db.ListAssets(cmd.Context(), store.AssetQuery{
			ValidOnly:   assetsListValid,
			InvalidOnly: assetsListInvalid,
			Quote:       strings.TrimSpace(assetsListQuote),
			Limit:       assetsListLimit,
		})
		if err != nil {
			return err
		}

		return writeRendered(cmd, "assets", func(f output.Formatter) (string, error) {
			return f.FormatAssets(assets)
		})
	},
}

var assetsShowCmd = &cobra.Command{
	Use:   "show <BASE/QUOTE>",
	Short: "Show one stored asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		symbol := strings.ToUpper(strings.TrimSpace(args[0]))
		if _, _, ok := core.SplitSymbol(symbol); !ok {
			return fmt.Errorf("invalid symbol %q: expected BASE/QUOTE", args[0])
		}
		if _, err := resolveOutputFormat(cmd); err != nil {
			return err
		}

		db, err := openConfiguredStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		asset, err := db.GetBySymbol(cmd.Context(), symbol)
		if err != nil {
			return err
		}
		if asset == nil {
			return fmt.Errorf("asset %s not found", symbol)
		}

		return writeRendered(cmd, "asset", func(f output.Formatter) (string, error) {
			return f.FormatAssets([]core.Asset{*asset})
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded scans, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyLimit <= 0 {
			return fmt.Errorf("--limit must be positive")
		}
		if _, err := resolveOutputFormat(cmd); err != nil {
			return err
		}

		db, err := openConfiguredStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		runs, err := db.ListScanRuns(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}

		return writeRendered(cmd, "history", func(f output.Formatter) (string, error) {
			return f.FormatScanRuns(runs)
		})
	},
}

func openConfiguredStore(cmd *cobra.Command) (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openStore(cmd.Context(), cfg)
}

func init() {
	assetsListCmd.Flags().BoolVar(&assetsListValid, "valid", false, "Only valid assets")
	assetsListCmd.Flags().BoolVar(&assetsListInvalid, "invalid", false, "Only invalid assets")
	assetsListCmd.Flags().StringVar(&assetsListQuote, "quote", "", "Only assets quoted in this currency")
	assetsListCmd.Flags().IntVar(&assetsListLimit, "limit", 0, "Maximum rows (0 for all)")
	addOutputFlags(assetsListCmd)
	addOutputFlags(assetsShowCmd)

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum scans to list")
	addOutputFlags(historyCmd)

	assetsCmd.AddCommand(assetsListCmd)
	assetsCmd.AddCommand(assetsShowCmd)
	rootCmd.AddCommand(assetsCmd)
	rootCmd.AddCommand(historyCmd)
}
