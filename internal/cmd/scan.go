package cmd

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/namelens/symscan/internal/core/engine"
	"github.com/namelens/symscan/internal/core/strategy"
	"github.com/namelens/symscan/internal/observability"
	"github.com/namelens/symscan/internal/output"
)

var (
	scanStrategy string
	scanQuote    string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan and print the summary",
	Long: `Discover every market listed on the exchange, validate the symbols
quoted in the configured currency, store the results and print a summary.

Ctrl+C cancels the scan; results validated so far are still stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := resolveOutputFormat(cmd); err != nil {
			return err
		}

		overrides := scanOverrides()
		if name := strings.TrimSpace(scanStrategy); name != "" {
			kind, err := strategy.ParseKind(name)
			if err != nil {
				return err
			}
			scanStrategy = kind.String()
		}

		cfg, err := loadConfig(overrides)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := observability.CLILogger
		a, err := newApp(ctx, cfg, logger, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close() // nolint:errcheck // logged by Close

		logger.Info("Starting scan",
			zap.String("exchange", cfg.Exchange.BaseURL),
			zap.String("quote", cfg.Scanner.QuoteCurrency),
			zap.String("strategy", firstNonEmpty(scanStrategy, cfg.Scanner.Strategy)))

		result, err := a.scanner.Run(ctx, engine.RunOptions{Strategy: scanStrategy})
		if result != nil {
			if writeErr := writeRendered(cmd, "scan", func(f output.Formatter) (string, error) {
				return f.FormatScan(result)
			}); writeErr != nil && err == nil {
				err = writeErr
			}
		}
		return err
	},
}

func scanOverrides() map[string]any {
	scanner := map[string]any{}
	if quote := strings.TrimSpace(scanQuote); quote != "" {
		scanner["quote_currency"] = strings.ToUpper(quote)
	}
	if len(scanner) == 0 {
		return nil
	}
	return map[string]any{"scanner": scanner}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVar(&scanStrategy, "strategy", "", "Validation strategy: sequential|concurrent|priority|adaptive|high_performance")
	scanCmd.Flags().StringVar(&scanQuote, "quote", "", "Quote currency to scan (overrides scanner.quote_currency)")
	addOutputFlags(scanCmd)
}
