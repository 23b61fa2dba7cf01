package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"perp-grid/internal/core"
	"perp-grid/internal/strategy"
)

type Mode string

type ManagerType string

const (
	ModeBacktest Mode = "backtest"
	ModeReplay   Mode = "replay"
)

const (
	ManagerStatic  ManagerType = "static"
	ManagerDynamic ManagerType = "dynamic"
)

const (
	EnvTelegramBotToken = "PERPGRID_TELEGRAM_BOT_TOKEN"
	EnvTelegramChatID   = "PERPGRID_TELEGRAM_CHAT_ID"
)

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	InstanceID     string               `yaml:"instance_id"`
	Timeframe      core.Timeframe       `yaml:"timeframe"`
	Timeframes     []core.Timeframe     `yaml:"timeframes"`
	Lookback       int                  `yaml:"lookback"`
	Symbols        SymbolsConfig        `yaml:"symbols"`
	Strategy       StrategyConfig       `yaml:"strategy"`
	Signal         SignalConfig         `yaml:"signal"`
	Manager        ManagerConfig        `yaml:"manager"`
	Unstuck        UnstuckConfig        `yaml:"unstuck"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	Backtest       BacktestConfig       `yaml:"backtest"`
	State          StateConfig          `yaml:"state"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
	HTTP           HTTPConfig           `yaml:"http"`
	Health         HealthConfig         `yaml:"health"`
}

type SymbolsConfig struct {
	Whitelist []string `yaml:"whitelist"`
	Blacklist []string `yaml:"blacklist"`
	// Modes overrides the trading mode of single symbols.
	Modes map[string]strategy.TradingMode `yaml:"modes"`
}

type StrategyConfig struct {
	Mode                strategy.TradingMode `yaml:"mode"`
	Leverage            int                  `yaml:"leverage"`
	DcaOrdersCount      int                  `yaml:"dca_orders_count"`
	WalletExposureLong  Decimal              `yaml:"wallet_exposure_long"`
	WalletExposureShort Decimal              `yaml:"wallet_exposure_short"`
	RecursiveGrid       RecursiveGridConfig  `yaml:"recursive_grid"`
	FeeRate             Decimal              `yaml:"fee_rate"`
	MinProfitRate       Decimal              `yaml:"min_profit_rate"`
	MaxAbsFundingRate   Decimal              `yaml:"max_abs_funding_rate"`
	MarketEntry         bool                 `yaml:"market_entry"`
	TakeProfitRefresh   int64                `yaml:"take_profit_refresh_sec"`
}

type RecursiveGridConfig struct {
	Enabled          bool    `yaml:"enabled"`
	InitialQtyPct    Decimal `yaml:"initial_qty_pct"`
	DDownFactor      Decimal `yaml:"ddown_factor"`
	ReentryDistance  Decimal `yaml:"reentry_distance"`
	ReentryWeighting Decimal `yaml:"reentry_weighting"`
}

type SignalConfig struct {
	SMAPeriod     int     `yaml:"sma_period"`
	EntryBand     Decimal `yaml:"entry_band"`
	ExtraDistance Decimal `yaml:"extra_distance"`
}

type ManagerConfig struct {
	Type       ManagerType   `yaml:"type"`
	MaxRunning int           `yaml:"max_running"`
	Dynamic    DynamicConfig `yaml:"dynamic"`
}

type DynamicConfig struct {
	MaxLong             int     `yaml:"max_long"`
	MaxShort            int     `yaml:"max_short"`
	TargetExposureLong  Decimal `yaml:"target_exposure_long"`
	TargetExposureShort Decimal `yaml:"target_exposure_short"`
	MaxOpenPerStep      int     `yaml:"max_open_per_step"`
	StepLimit           int     `yaml:"step_limit"`
	StepWindowSec       int64   `yaml:"step_window_sec"`
}

// UnstuckConfig thresholds are negative fractions of wallet balance.
type UnstuckConfig struct {
	SlowThreshold          Decimal `yaml:"slow_threshold"`
	SlowPositionThreshold  Decimal `yaml:"slow_position_threshold"`
	ForceThreshold         Decimal `yaml:"force_threshold"`
	ForcePositionThreshold Decimal `yaml:"force_position_threshold"`
	ForceKillThreshold     Decimal `yaml:"force_kill_threshold"`
	SlowPercentStep        Decimal `yaml:"slow_percent_step"`
	ForcePercentStep       Decimal `yaml:"force_percent_step"`
}

type SchedulerConfig struct {
	CollectWindowMs int64   `yaml:"collect_window_ms"`
	PollIntervalMs  int64   `yaml:"poll_interval_ms"`
	CycleDelayMs    int64   `yaml:"cycle_delay_ms"`
	JitterMaxMs     int64   `yaml:"jitter_max_ms"`
	StatusEverySec  int64   `yaml:"status_every_sec"`
	RequestsPerSec  float64 `yaml:"requests_per_sec"`
	RequestBurst    int     `yaml:"request_burst"`
}

type BacktestConfig struct {
	DataPath       string           `yaml:"data_path"`
	InitialBalance Decimal          `yaml:"initial_balance"`
	Fees           BacktestFees     `yaml:"fees"`
	Symbols        []BacktestSymbol `yaml:"symbols"`
	// ReplayIntervalMs paces one candle group per interval in replay mode.
	ReplayIntervalMs int64 `yaml:"replay_interval_ms"`
}

type BacktestFees struct {
	MakerRate Decimal `yaml:"maker_rate"`
	TakerRate Decimal `yaml:"taker_rate"`
}

type BacktestSymbol struct {
	Name        string  `yaml:"name"`
	PriceStep   Decimal `yaml:"price_step"`
	QtyStep     Decimal `yaml:"qty_step"`
	MinQty      Decimal `yaml:"min_qty"`
	MinNotional Decimal `yaml:"min_notional"`
	MaxLeverage int     `yaml:"max_leverage"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type CircuitBreakerConfig struct {
	Enabled           bool  `yaml:"enabled"`
	MaxPlaceFailures  int   `yaml:"max_place_failures"`
	MaxCancelFailures int   `yaml:"max_cancel_failures"`
	CooldownSec       int64 `yaml:"cooldown_sec"`
}

type ObservabilityConfig struct {
	LogLevel           string         `yaml:"log_level"`
	LogFormat          string         `yaml:"log_format"`
	Telegram           TelegramConfig `yaml:"telegram"`
	AlertQueueSize     int            `yaml:"alert_queue_size"`
	AlertDropReportSec int64          `yaml:"alert_drop_report_sec"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type HTTPConfig struct {
	Addr      string `yaml:"addr"`
	WSPushSec int64  `yaml:"ws_push_sec"`
}

type HealthConfig struct {
	StaleAfterSec int64 `yaml:"stale_after_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse decodes a single YAML document, overlays secrets from the environment and validates
// the result.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.applyEnv()
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvTelegramBotToken); v != "" {
		c.Observability.Telegram.BotToken = v
	}
	if v := os.Getenv(EnvTelegramChatID); v != "" {
		c.Observability.Telegram.ChatID = v
	}
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Timeframe = core.Timeframe(strings.TrimSpace(string(c.Timeframe)))
	c.Symbols.Whitelist = upperAll(c.Symbols.Whitelist)
	c.Symbols.Blacklist = upperAll(c.Symbols.Blacklist)
	if len(c.Symbols.Modes) > 0 {
		modes := make(map[string]strategy.TradingMode, len(c.Symbols.Modes))
		for sym, mode := range c.Symbols.Modes {
			modes[strings.ToUpper(strings.TrimSpace(sym))] = strategy.TradingMode(strings.ToLower(strings.TrimSpace(string(mode))))
		}
		c.Symbols.Modes = modes
	}
	c.Strategy.Mode = strategy.TradingMode(strings.ToLower(strings.TrimSpace(string(c.Strategy.Mode))))
	c.Manager.Type = ManagerType(strings.ToLower(strings.TrimSpace(string(c.Manager.Type))))
	c.Backtest.DataPath = strings.TrimSpace(c.Backtest.DataPath)
	for i := range c.Backtest.Symbols {
		c.Backtest.Symbols[i].Name = strings.ToUpper(strings.TrimSpace(c.Backtest.Symbols[i].Name))
	}
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Observability.LogLevel = strings.ToLower(strings.TrimSpace(c.Observability.LogLevel))
	c.Observability.LogFormat = strings.ToLower(strings.TrimSpace(c.Observability.LogFormat))
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	c.HTTP.Addr = strings.TrimSpace(c.HTTP.Addr)
}

func upperAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeBacktest
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Timeframe == "" {
		c.Timeframe = core.Timeframe1m
	}
	if c.Lookback == 0 {
		c.Lookback = 100
	}
	if c.Strategy.Mode == "" {
		c.Strategy.Mode = strategy.TradingModeDual
	}
	if c.Strategy.Leverage == 0 {
		c.Strategy.Leverage = 10
	}
	if c.Strategy.DcaOrdersCount == 0 {
		c.Strategy.DcaOrdersCount = 5
	}
	if c.Strategy.FeeRate.IsZero() {
		c.Strategy.FeeRate = mustDecimal("0.0004")
	}
	if c.Strategy.MinProfitRate.IsZero() {
		c.Strategy.MinProfitRate = mustDecimal("0.005")
	}
	if c.Strategy.TakeProfitRefresh == 0 {
		c.Strategy.TakeProfitRefresh = 270
	}
	if c.Signal.SMAPeriod == 0 {
		c.Signal.SMAPeriod = 20
	}
	if c.Signal.EntryBand.IsZero() {
		c.Signal.EntryBand = mustDecimal("0.01")
	}
	if c.Signal.ExtraDistance.IsZero() {
		c.Signal.ExtraDistance = mustDecimal("0.02")
	}
	if c.Manager.Type == "" {
		c.Manager.Type = ManagerStatic
	}
	if c.Manager.MaxRunning == 0 {
		c.Manager.MaxRunning = 5
	}
	if c.Manager.Dynamic.StepWindowSec == 0 {
		c.Manager.Dynamic.StepWindowSec = 300
	}
	if c.Unstuck.SlowPercentStep.IsZero() {
		c.Unstuck.SlowPercentStep = mustDecimal("0.05")
	}
	if c.Unstuck.ForcePercentStep.IsZero() {
		c.Unstuck.ForcePercentStep = mustDecimal("0.1")
	}
	if c.Scheduler.CollectWindowMs == 0 {
		c.Scheduler.CollectWindowMs = 5000
	}
	if c.Scheduler.PollIntervalMs == 0 {
		c.Scheduler.PollIntervalMs = 100
	}
	if c.Scheduler.CycleDelayMs == 0 {
		c.Scheduler.CycleDelayMs = 1000
	}
	if c.Scheduler.StatusEverySec == 0 {
		c.Scheduler.StatusEverySec = 30
	}
	if c.Scheduler.RequestBurst == 0 {
		c.Scheduler.RequestBurst = 10
	}
	if c.Backtest.ReplayIntervalMs == 0 {
		c.Backtest.ReplayIntervalMs = 1000
	}
	for i := range c.Backtest.Symbols {
		if c.Backtest.Symbols[i].MaxLeverage == 0 {
			c.Backtest.Symbols[i].MaxLeverage = 20
		}
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 30
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.LogFormat == "" {
		c.Observability.LogFormat = "json"
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.AlertQueueSize == 0 {
		c.Observability.AlertQueueSize = 256
	}
	if c.Observability.AlertDropReportSec == 0 {
		c.Observability.AlertDropReportSec = 60
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8080"
	}
	if c.HTTP.WSPushSec == 0 {
		c.HTTP.WSPushSec = 5
	}
	if c.Health.StaleAfterSec == 0 {
		c.Health.StaleAfterSec = 300
	}
}

func mustDecimal(v string) Decimal {
	return Decimal{decimal.RequireFromString(v)}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeBacktest, ModeReplay:
	default:
		return fmt.Errorf("mode must be backtest or replay")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if c.Timeframe.Duration() <= 0 {
		return fmt.Errorf("timeframe %q is not supported", c.Timeframe)
	}
	for _, tf := range c.Timeframes {
		if tf.Duration() <= 0 {
			return fmt.Errorf("timeframes: %q is not supported", tf)
		}
	}
	if c.Lookback < 1 {
		return fmt.Errorf("lookback must be >= 1")
	}
	for _, sym := range append(append([]string(nil), c.Symbols.Whitelist...), c.Symbols.Blacklist...) {
		if !isValidSymbol(sym) {
			return fmt.Errorf("symbol %q must match [A-Z0-9], length 5..20", sym)
		}
	}
	if !validMode(c.Strategy.Mode) {
		return fmt.Errorf("strategy.mode must be dual, long, short, or readonly")
	}
	for sym, mode := range c.Symbols.Modes {
		if !validMode(mode) {
			return fmt.Errorf("symbols.modes.%s must be dual, long, short, or readonly", sym)
		}
	}
	if c.Strategy.Leverage < 1 {
		return fmt.Errorf("strategy.leverage must be >= 1")
	}
	if c.Strategy.DcaOrdersCount < 1 {
		return fmt.Errorf("strategy.dca_orders_count must be >= 1")
	}
	if c.Strategy.WalletExposureLong.Sign() < 0 || c.Strategy.WalletExposureShort.Sign() < 0 {
		return fmt.Errorf("strategy wallet exposure must be >= 0")
	}
	if c.Strategy.FeeRate.Sign() < 0 || c.Strategy.MinProfitRate.Sign() < 0 {
		return fmt.Errorf("strategy fee_rate and min_profit_rate must be >= 0")
	}
	if c.Strategy.MaxAbsFundingRate.Sign() < 0 {
		return fmt.Errorf("strategy.max_abs_funding_rate must be >= 0")
	}
	if c.Strategy.TakeProfitRefresh < 1 {
		return fmt.Errorf("strategy.take_profit_refresh_sec must be >= 1")
	}
	if rg := c.Strategy.RecursiveGrid; rg.Enabled {
		if rg.InitialQtyPct.Sign() <= 0 || rg.InitialQtyPct.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("strategy.recursive_grid.initial_qty_pct must be in (0, 1]")
		}
		if rg.DDownFactor.Sign() < 0 || rg.ReentryDistance.Sign() < 0 || rg.ReentryWeighting.Sign() < 0 {
			return fmt.Errorf("strategy.recursive_grid factors must be >= 0")
		}
	}
	if c.Signal.SMAPeriod < 1 || c.Signal.SMAPeriod > c.Lookback {
		return fmt.Errorf("signal.sma_period must be between 1 and lookback")
	}
	if c.Signal.EntryBand.Sign() < 0 || c.Signal.ExtraDistance.Sign() < 0 {
		return fmt.Errorf("signal entry_band and extra_distance must be >= 0")
	}
	switch c.Manager.Type {
	case ManagerStatic:
		if c.Manager.MaxRunning < 1 {
			return fmt.Errorf("manager.max_running must be >= 1")
		}
	case ManagerDynamic:
		d := c.Manager.Dynamic
		if d.MaxLong < 0 || d.MaxShort < 0 || d.MaxOpenPerStep < 0 || d.StepLimit < 0 {
			return fmt.Errorf("manager.dynamic limits must be >= 0")
		}
		if d.TargetExposureLong.Sign() < 0 || d.TargetExposureShort.Sign() < 0 {
			return fmt.Errorf("manager.dynamic target exposure must be >= 0")
		}
		if d.StepWindowSec < 1 {
			return fmt.Errorf("manager.dynamic.step_window_sec must be >= 1")
		}
	default:
		return fmt.Errorf("manager.type must be static or dynamic")
	}
	for name, v := range map[string]Decimal{
		"slow_threshold":           c.Unstuck.SlowThreshold,
		"slow_position_threshold":  c.Unstuck.SlowPositionThreshold,
		"force_threshold":          c.Unstuck.ForceThreshold,
		"force_position_threshold": c.Unstuck.ForcePositionThreshold,
		"force_kill_threshold":     c.Unstuck.ForceKillThreshold,
	} {
		if v.Sign() > 0 {
			return fmt.Errorf("unstuck.%s must be <= 0", name)
		}
	}
	one := decimal.NewFromInt(1)
	if c.Unstuck.SlowPercentStep.Sign() <= 0 || c.Unstuck.SlowPercentStep.GreaterThan(one) ||
		c.Unstuck.ForcePercentStep.Sign() <= 0 || c.Unstuck.ForcePercentStep.GreaterThan(one) {
		return fmt.Errorf("unstuck percent steps must be in (0, 1]")
	}
	if c.Scheduler.CollectWindowMs < 0 || c.Scheduler.PollIntervalMs < 1 || c.Scheduler.CycleDelayMs < 0 {
		return fmt.Errorf("scheduler timings must be positive")
	}
	if c.Scheduler.JitterMaxMs < 0 {
		return fmt.Errorf("scheduler.jitter_max_ms must be >= 0")
	}
	if c.Scheduler.RequestsPerSec < 0 || c.Scheduler.RequestBurst < 1 {
		return fmt.Errorf("scheduler request limits are invalid")
	}
	if c.Backtest.DataPath == "" {
		return fmt.Errorf("backtest.data_path is required")
	}
	if c.Backtest.InitialBalance.Sign() <= 0 {
		return fmt.Errorf("backtest.initial_balance must be > 0")
	}
	if c.Backtest.Fees.MakerRate.Sign() < 0 || c.Backtest.Fees.TakerRate.Sign() < 0 {
		return fmt.Errorf("backtest fees must be >= 0")
	}
	if len(c.Backtest.Symbols) == 0 {
		return fmt.Errorf("backtest.symbols is required")
	}
	seen := make(map[string]bool, len(c.Backtest.Symbols))
	for _, s := range c.Backtest.Symbols {
		if !isValidSymbol(s.Name) {
			return fmt.Errorf("backtest symbol %q must match [A-Z0-9], length 5..20", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("backtest symbol %s is duplicated", s.Name)
		}
		seen[s.Name] = true
		if s.PriceStep.Sign() <= 0 || s.QtyStep.Sign() <= 0 {
			return fmt.Errorf("backtest symbol %s: price_step and qty_step must be > 0", s.Name)
		}
		if s.MinQty.Sign() < 0 || s.MinNotional.Sign() < 0 {
			return fmt.Errorf("backtest symbol %s: min_qty and min_notional must be >= 0", s.Name)
		}
		if s.MaxLeverage < 1 {
			return fmt.Errorf("backtest symbol %s: max_leverage must be >= 1", s.Name)
		}
	}
	if c.Backtest.ReplayIntervalMs < 1 {
		return fmt.Errorf("backtest.replay_interval_ms must be >= 1")
	}
	if c.State.LockStaleSec < 0 {
		return fmt.Errorf("state.lock_stale_sec must be >= 0")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 || c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker failure limits must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be >= 1")
		}
	}
	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.log_level must be debug, info, warn, or error")
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("observability.log_format must be json or console")
	}
	if tg := c.Observability.Telegram; tg.Enabled {
		if tg.BotToken == "" || tg.ChatID == "" {
			return fmt.Errorf("telegram bot_token and chat_id are required (or %s / %s)", EnvTelegramBotToken, EnvTelegramChatID)
		}
		u, err := url.Parse(tg.APIBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("observability.telegram.api_base_url must be an http(s) URL")
		}
		if tg.TimeoutSec < 1 {
			return fmt.Errorf("observability.telegram.timeout_sec must be >= 1")
		}
	}
	if c.Observability.AlertQueueSize < 1 || c.Observability.AlertDropReportSec < 1 {
		return fmt.Errorf("observability alert queue settings must be >= 1")
	}
	if c.HTTP.WSPushSec < 1 {
		return fmt.Errorf("http.ws_push_sec must be >= 1")
	}
	if c.Health.StaleAfterSec < 1 {
		return fmt.Errorf("health.stale_after_sec must be >= 1")
	}
	return nil
}

func validMode(mode strategy.TradingMode) bool {
	switch mode {
	case strategy.TradingModeDual, strategy.TradingModeLong, strategy.TradingModeShort, strategy.TradingModeReadOnly:
		return true
	}
	return false
}

// UnitSettings resolves the strategy settings of one symbol, applying its mode override.
func (c Config) UnitSettings(symbol string) strategy.Settings {
	s := c.Strategy
	mode := s.Mode
	if m, ok := c.Symbols.Modes[strings.ToUpper(symbol)]; ok {
		mode = m
	}
	return strategy.Settings{
		Mode:                    mode,
		Leverage:                s.Leverage,
		DcaOrdersCount:          s.DcaOrdersCount,
		WalletExposureLong:      s.WalletExposureLong.Decimal,
		WalletExposureShort:     s.WalletExposureShort.Decimal,
		RecursiveGrid:           s.RecursiveGrid.Enabled,
		InitialQtyPct:           s.RecursiveGrid.InitialQtyPct.Decimal,
		DDownFactor:             s.RecursiveGrid.DDownFactor.Decimal,
		ReentryDistance:         s.RecursiveGrid.ReentryDistance.Decimal,
		ReentryWeighting:        s.RecursiveGrid.ReentryWeighting.Decimal,
		FeeRate:                 s.FeeRate.Decimal,
		MinProfitRate:           s.MinProfitRate.Decimal,
		MaxAbsFundingRate:       s.MaxAbsFundingRate.Decimal,
		SlowUnstuckPercentStep:  c.Unstuck.SlowPercentStep.Decimal,
		ForceUnstuckPercentStep: c.Unstuck.ForcePercentStep.Decimal,
		MarketEntry:             s.MarketEntry,
		TakeProfitRefresh:       time.Duration(s.TakeProfitRefresh) * time.Second,
	}
}

// SymbolInfos returns the trading rules of the simulated venue.
func (c Config) SymbolInfos() []core.SymbolInfo {
	out := make([]core.SymbolInfo, 0, len(c.Backtest.Symbols))
	for _, s := range c.Backtest.Symbols {
		out = append(out, core.SymbolInfo{
			Name:        s.Name,
			PriceScale:  priceScale(s.PriceStep.Decimal),
			PriceStep:   s.PriceStep.Decimal,
			QtyStep:     s.QtyStep.Decimal,
			MinQty:      s.MinQty.Decimal,
			MinNotional: s.MinNotional.Decimal,
			MaxLeverage: s.MaxLeverage,
		})
	}
	return out
}

func priceScale(step decimal.Decimal) int32 {
	if exp := step.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}

func Millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func Seconds(sec int64) time.Duration {
	return time.Duration(sec) * time.Second
}

func isValidSymbol(symbol string) bool {
	if len(symbol) < 5 || len(symbol) > 20 {
		return false
	}
	for _, r := range symbol {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func isValidInstanceID(id string) bool {
	if len(id) < 1 || len(id) > 24 {
		return false
	}
	for _, r := range id {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return false
		}
	}
	return true
}
