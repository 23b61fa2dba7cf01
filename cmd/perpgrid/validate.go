package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"perp-grid/internal/config"
)

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			symbols := make([]string, 0, len(cfg.Backtest.Symbols))
			for _, s := range cfg.Backtest.Symbols {
				symbols = append(symbols, s.Name)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config valid: %s\n", flags.configPath)
			fmt.Fprintf(out, "  mode=%s instance=%s timeframe=%s lookback=%d\n", cfg.Mode, cfg.InstanceID, cfg.Timeframe, cfg.Lookback)
			fmt.Fprintf(out, "  symbols=%s manager=%s strategy_mode=%s\n", strings.Join(symbols, ","), cfg.Manager.Type, cfg.Strategy.Mode)
			fmt.Fprintf(out, "  telegram=%t circuit_breaker=%t\n", cfg.Observability.Telegram.Enabled, cfg.CircuitBreaker.Enabled)
			return nil
		},
	}
}
