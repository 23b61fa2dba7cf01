package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"perp-grid/internal/admission"
	"perp-grid/internal/alert"
	"perp-grid/internal/backtest"
	"perp-grid/internal/config"
	"perp-grid/internal/engine"
	"perp-grid/internal/exchange"
	"perp-grid/internal/logging"
	"perp-grid/internal/metrics"
	"perp-grid/internal/safety"
	"perp-grid/internal/store"
	"perp-grid/internal/strategy"
)

// app holds every component of one run. Fields are nil when the run mode does not use them.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	sim     *backtest.SimExchange
	ex      exchange.FuturesExchange
	metrics *metrics.Metrics
	alerts  *alert.Manager
	store   *store.Store
	lock    *store.InstanceLock
	manager *engine.Manager
}

type appOptions struct {
	persistent bool
	delayer    exchange.Delayer
}

func loadConfig(path string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func buildApp(cfg config.Config, logger *zap.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	sim := backtest.NewSimExchange(cfg.SymbolInfos(), cfg.Backtest.InitialBalance.Decimal, cfg.Timeframe)
	if err := sim.SetFees(cfg.Backtest.Fees.MakerRate.Decimal, cfg.Backtest.Fees.TakerRate.Decimal); err != nil {
		return nil, err
	}
	a.sim = sim

	if opts.persistent {
		if err := a.openState(); err != nil {
			return nil, err
		}
		alerts, err := buildAlertManager(cfg, logger)
		if err != nil {
			a.close(context.Background())
			return nil, err
		}
		a.alerts = alerts
	}

	var ex exchange.FuturesExchange = exchange.NewThrottled(sim, cfg.Scheduler.RequestsPerSec, cfg.Scheduler.RequestBurst)
	if cfg.CircuitBreaker.Enabled {
		breaker := safety.NewBreaker(safety.BreakerConfig{
			MaxPlaceFailures:  cfg.CircuitBreaker.MaxPlaceFailures,
			MaxCancelFailures: cfg.CircuitBreaker.MaxCancelFailures,
			Cooldown:          config.Seconds(cfg.CircuitBreaker.CooldownSec),
		}, logger, a.alerter())
		ex = safety.NewGuardedExchange(ex, breaker)
	}
	a.ex = ex

	delayer := opts.delayer
	if delayer == nil {
		delayer = exchange.NoDelay{}
	}
	a.manager = engine.NewManager(ex, buildPolicy(cfg), engine.Options{
		Timeframe:  cfg.Timeframe,
		Timeframes: cfg.Timeframes,
		Lookback:   cfg.Lookback,
		Whitelist:  cfg.Symbols.Whitelist,
		Blacklist:  cfg.Symbols.Blacklist,
		Settings:   cfg.UnitSettings,
		Evaluator: strategy.BandEvaluator{
			Period:        cfg.Signal.SMAPeriod,
			Band:          cfg.Signal.EntryBand.Decimal,
			ExtraDistance: cfg.Signal.ExtraDistance.Decimal,
		},
		Delayer:       delayer,
		Clock:         sim.Now,
		CollectWindow: config.Millis(cfg.Scheduler.CollectWindowMs),
		PollInterval:  config.Millis(cfg.Scheduler.PollIntervalMs),
		CycleDelay:    config.Millis(cfg.Scheduler.CycleDelayMs),
		StatusEvery:   config.Seconds(cfg.Scheduler.StatusEverySec),
		RunMode:       string(cfg.Mode),
		InstanceID:    cfg.InstanceID,
	}, engine.Deps{
		Store:    a.store,
		Alerts:   a.alerter(),
		Observer: a.metrics,
		Logger:   logger,
	})
	return a, nil
}

func (a *app) openState() error {
	dir := filepath.Join(a.cfg.State.Dir, string(a.cfg.Mode), a.cfg.InstanceID)
	st, err := store.New(dir, a.logger)
	if err != nil {
		return err
	}
	lock, err := store.AcquireInstanceLock(dir, store.LockOptions{
		InstanceID: a.cfg.InstanceID,
		StaleAfter: config.Seconds(a.cfg.State.LockStaleSec),
	})
	if err != nil {
		return err
	}
	a.store, a.lock = st, lock
	return nil
}

// alerter avoids handing a typed nil manager to interfaces.
func (a *app) alerter() alert.Alerter {
	if a.alerts == nil {
		return nil
	}
	return a.alerts
}

func (a *app) close(ctx context.Context) {
	if a.alerts != nil {
		if err := a.alerts.Close(ctx); err != nil {
			a.logger.Warn("alert_manager_close_failed", zap.Error(err))
		}
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			a.logger.Warn("instance_lock_release_failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func buildPolicy(cfg config.Config) admission.Policy {
	if cfg.Manager.Type == config.ManagerStatic {
		return admission.Static{MaxRunning: cfg.Manager.MaxRunning}
	}
	d := cfg.Manager.Dynamic
	window := config.Seconds(d.StepWindowSec)
	return admission.NewDynamic(admission.DynamicConfig{
		MaxLong:                d.MaxLong,
		MaxShort:               d.MaxShort,
		TargetExposureLong:     d.TargetExposureLong.Decimal,
		TargetExposureShort:    d.TargetExposureShort.Decimal,
		MaxOpenPerStep:         d.MaxOpenPerStep,
		SlowThreshold:          cfg.Unstuck.SlowThreshold.Decimal,
		SlowPositionThreshold:  cfg.Unstuck.SlowPositionThreshold.Decimal,
		ForceThreshold:         cfg.Unstuck.ForceThreshold.Decimal,
		ForcePositionThreshold: cfg.Unstuck.ForcePositionThreshold.Decimal,
		ForceKillThreshold:     cfg.Unstuck.ForceKillThreshold.Decimal,
	}, admission.NewWindowLimiter(d.StepLimit, window), admission.NewWindowLimiter(d.StepLimit, window))
}

func buildAlertManager(cfg config.Config, logger *zap.Logger) (*alert.Manager, error) {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil, nil
	}
	notifier, err := alert.NewTelegram(alert.TelegramConfig{
		BotToken: tg.BotToken,
		ChatID:   tg.ChatID,
		BaseURL:  tg.APIBaseURL,
		Timeout:  config.Seconds(tg.TimeoutSec),
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return alert.NewManager(string(cfg.Mode), cfg.InstanceID, notifier, logger, alert.ManagerOptions{
		QueueSize:          cfg.Observability.AlertQueueSize,
		DropReportInterval: config.Seconds(cfg.Observability.AlertDropReportSec),
	}), nil
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
