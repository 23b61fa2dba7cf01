package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"perp-grid/internal/backtest"
	"perp-grid/internal/engine"
)

func newBacktestCmd(flags *rootFlags) *cobra.Command {
	var tradesOut string
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run the strategy over the configured candle dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			feed, err := backtest.NewJSONLFeed(cfg.Backtest.DataPath, cfg.Timeframe)
			if err != nil {
				return err
			}
			runner := engine.BacktestRunner{Exchange: a.sim, Feed: feed, Manager: a.manager}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			result, err := runner.Run(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					fmt.Fprintln(cmd.OutOrStdout(), "backtest canceled")
					return nil
				}
				return err
			}
			printSummary(cmd.OutOrStdout(), cfg.InstanceID, result)
			if tradesOut != "" {
				return writeTrades(tradesOut, result)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tradesOut, "trades-out", "", "write every simulated fill as JSON lines to this file")
	return cmd
}

func printSummary(w io.Writer, instance string, r engine.BacktestResult) {
	fmt.Fprintf(w,
		"summary instance=%s candles=%d cycles=%d trades=%d total_return_pct=%s realized_pnl=%s fees_paid=%s max_drawdown_pct=%s max_drawdown_quote=%s max_exposure=%s start_equity=%s end_equity=%s wallet=%s\n",
		instance,
		r.Candles,
		r.Cycles,
		len(r.Trades),
		r.TotalReturnPct.StringFixed(4),
		r.RealizedPnL.StringFixed(4),
		r.FeesPaid.StringFixed(4),
		r.MaxDrawdownPct.StringFixed(4),
		r.MaxDrawdownQuote.StringFixed(4),
		r.MaxExposure.StringFixed(4),
		r.StartEquity.String(),
		r.EndEquity.StringFixed(4),
		r.FinalBalance.Wallet.StringFixed(4),
	)
	for _, day := range r.DailyPnL {
		fmt.Fprintf(w, "daily date=%s pnl=%s\n", day.Date, day.PnL.StringFixed(4))
	}
}

func writeTrades(path string, r engine.BacktestResult) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, t := range r.Trades {
		if err := enc.Encode(t); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}
