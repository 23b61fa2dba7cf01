package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"perp-grid/internal/api"
	"perp-grid/internal/backtest"
	"perp-grid/internal/config"
	"perp-grid/internal/core"
	"perp-grid/internal/engine"
	"perp-grid/internal/exchange"
)

func newReplayCmd(flags *rootFlags) *cobra.Command {
	var exitOnEnd bool
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Pace the dataset in wall-clock time through the live scheduler loop",
		Long: `replay advances the simulated exchange one candle group per backtest.replay_interval_ms
while the timed scheduler loop, the HTTP API, alerts and the state store run as in production.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			gin.SetMode(gin.ReleaseMode)
			a, err := buildApp(cfg, logger, appOptions{
				persistent: true,
				delayer:    exchange.RandomDelay{Max: config.Millis(cfg.Scheduler.JitterMaxMs)},
			})
			if err != nil {
				return err
			}
			closeCtx, cancelClose := shutdownContext()
			defer cancelClose()
			defer a.close(closeCtx)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runReplay(ctx, a, exitOnEnd)
		},
	}
	cmd.Flags().BoolVar(&exitOnEnd, "exit-on-end", true, "stop once the dataset is exhausted and the last cycle ran")
	return cmd
}

func runReplay(ctx context.Context, a *app, exitOnEnd bool) error {
	feed, err := backtest.NewJSONLFeed(a.cfg.Backtest.DataPath, a.cfg.Timeframe)
	if err != nil {
		return err
	}
	defer feed.Close()

	if err := a.manager.StartStrategies(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := shutdownContext()
		defer cancel()
		if err := a.manager.StopStrategies(stopCtx); err != nil {
			a.logger.Warn("strategies_stop_failed", zap.Error(err))
		}
	}()

	server := api.NewServer(a.manager, api.Options{
		StaleAfter:   config.Seconds(a.cfg.Health.StaleAfterSec),
		PushInterval: config.Seconds(a.cfg.HTTP.WSPushSec),
		Metrics:      a.metrics.Handler(),
		Mode:         string(a.cfg.Mode),
		InstanceID:   a.cfg.InstanceID,
	}, a.logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return server.Run(gctx, a.cfg.HTTP.Addr)
	})
	g.Go(func() error {
		if err := pace(gctx, feed, a.sim, config.Millis(a.cfg.Backtest.ReplayIntervalMs)); err != nil {
			return err
		}
		a.logger.Info("replay_feed_finished", zap.Time("sim_time", a.sim.Now()))
		if exitOnEnd {
			waitIdle(gctx, a.manager, config.Millis(a.cfg.Scheduler.CycleDelayMs))
			cancel()
		}
		return nil
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	snap := a.sim.Snapshot()
	a.logger.Info("replay_finished",
		zap.String("equity", snap.Equity.String()),
		zap.String("realized_pnl", snap.RealizedPnL.String()),
		zap.String("fees_paid", snap.FeePaid.String()),
		zap.Int("trades", len(a.sim.Trades())),
	)
	return nil
}

// pace advances the simulator one open-time group per interval.
func pace(ctx context.Context, feed backtest.Feed, sim *backtest.SimExchange, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var group []core.Candle
	for {
		c, err := feed.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if len(group) > 0 && !c.OpenTime.Equal(group[0].OpenTime) {
			sim.Advance(group)
			group = group[:0]
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		group = append(group, c)
	}
	if len(group) > 0 {
		sim.Advance(group)
	}
	return nil
}

// waitIdle returns once no execution token is queued and one more cycle delay has passed.
func waitIdle(ctx context.Context, m *engine.Manager, cycleDelay time.Duration) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for m.Pending() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
	select {
	case <-time.After(cycleDelay):
	case <-ctx.Done():
	}
}
