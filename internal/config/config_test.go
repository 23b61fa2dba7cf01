package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-grid/internal/strategy"
)

const minimalConfig = `
backtest:
  data_path: data/candles
  initial_balance: "1000"
  symbols:
    - name: btcusdt
      price_step: "0.1"
      qty_step: "0.001"
      min_qty: "0.001"
      min_notional: "5"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode != ModeBacktest || cfg.InstanceID != "default" {
		t.Fatalf("mode=%q instance_id=%q", cfg.Mode, cfg.InstanceID)
	}
	if cfg.Timeframe != "1m" || cfg.Lookback != 100 {
		t.Fatalf("timeframe=%q lookback=%d", cfg.Timeframe, cfg.Lookback)
	}
	if cfg.Strategy.Mode != strategy.TradingModeDual || cfg.Strategy.DcaOrdersCount != 5 || cfg.Strategy.TakeProfitRefresh != 270 {
		t.Fatalf("strategy = %+v", cfg.Strategy)
	}
	if !cfg.Strategy.FeeRate.Equal(decimal.RequireFromString("0.0004")) {
		t.Fatalf("strategy.fee_rate = %s, want 0.0004", cfg.Strategy.FeeRate)
	}
	if cfg.Manager.Type != ManagerStatic || cfg.Manager.MaxRunning != 5 {
		t.Fatalf("manager = %+v", cfg.Manager)
	}
	if cfg.Health.StaleAfterSec != 300 {
		t.Fatalf("health.stale_after_sec = %d, want 300", cfg.Health.StaleAfterSec)
	}
	if cfg.State.Dir != "state" || cfg.State.LockStaleSec != 600 {
		t.Fatalf("state = %+v", cfg.State)
	}
	if cfg.Backtest.Symbols[0].Name != "BTCUSDT" || cfg.Backtest.Symbols[0].MaxLeverage != 20 {
		t.Fatalf("backtest symbol = %+v", cfg.Backtest.Symbols[0])
	}
	infos := cfg.SymbolInfos()
	if len(infos) != 1 || infos[0].PriceScale != 1 || !infos[0].MinNotional.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("symbol infos = %+v", infos)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	_, err := Load(writeTempConfig(t, minimalConfig+"\ngrid:\n  levels: 10\n"))
	if err == nil || !strings.Contains(err.Error(), "field grid not found") {
		t.Fatalf("Load() error = %v, want unknown field error", err)
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	_, err := Load(writeTempConfig(t, minimalConfig+"---\n{}\n"))
	if err == nil || !strings.Contains(err.Error(), "single YAML document") {
		t.Fatalf("Load() error = %v, want single document error", err)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name  string
		extra string
		want  string
	}{
		{name: "mode", extra: "mode: live\n", want: "mode must be backtest or replay"},
		{name: "timeframe", extra: "timeframe: 2m\n", want: "timeframe \"2m\" is not supported"},
		{name: "trading mode", extra: "strategy:\n  mode: hedge\n", want: "strategy.mode"},
		{name: "symbol mode", extra: "symbols:\n  modes:\n    ETHUSDT: both\n", want: "symbols.modes.ETHUSDT"},
		{name: "sma period", extra: "lookback: 10\nsignal:\n  sma_period: 20\n", want: "signal.sma_period"},
		{name: "manager type", extra: "manager:\n  type: greedy\n", want: "manager.type"},
		{name: "positive unstuck threshold", extra: "unstuck:\n  force_threshold: \"0.1\"\n", want: "unstuck.force_threshold must be <= 0"},
		{name: "percent step", extra: "unstuck:\n  slow_percent_step: \"2\"\n", want: "unstuck percent steps"},
		{name: "log level", extra: "observability:\n  log_level: trace\n", want: "observability.log_level"},
		{name: "telegram secrets", extra: "observability:\n  telegram:\n    enabled: true\n", want: "telegram bot_token and chat_id are required"},
		{name: "recursive grid", extra: "strategy:\n  recursive_grid:\n    enabled: true\n", want: "initial_qty_pct"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, minimalConfig+tt.extra))
			if err == nil {
				t.Fatalf("Load() error = nil, want error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %q, want contains %q", err.Error(), tt.want)
			}
		})
	}
}

func TestLoadRejectsDuplicateBacktestSymbol(t *testing.T) {
	content := minimalConfig + `    - name: BTCUSDT
      price_step: "0.1"
      qty_step: "0.001"
`
	_, err := Load(writeTempConfig(t, content))
	if err == nil || !strings.Contains(err.Error(), "duplicated") {
		t.Fatalf("Load() error = %v, want duplicated symbol error", err)
	}
}

func TestLoadTelegramSecretsFromEnvironment(t *testing.T) {
	t.Setenv(EnvTelegramBotToken, " env-token ")
	t.Setenv(EnvTelegramChatID, "42")
	cfg, err := Load(writeTempConfig(t, minimalConfig+"observability:\n  telegram:\n    enabled: true\n    bot_token: file-token\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	tg := cfg.Observability.Telegram
	if tg.BotToken != "env-token" || tg.ChatID != "42" {
		t.Fatalf("telegram = %+v, want env secrets", tg)
	}
	if tg.APIBaseURL != "https://api.telegram.org" || tg.TimeoutSec != 10 {
		t.Fatalf("telegram defaults = %+v", tg)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("PERPGRID_TEST_FROM_FILE=file\nPERPGRID_TEST_PRESET=file\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("PERPGRID_TEST_PRESET", "process")
	t.Setenv("PERPGRID_TEST_FROM_FILE", "")
	os.Unsetenv("PERPGRID_TEST_FROM_FILE")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("PERPGRID_TEST_FROM_FILE"); got != "file" {
		t.Fatalf("PERPGRID_TEST_FROM_FILE = %q, want file", got)
	}
	if got := os.Getenv("PERPGRID_TEST_PRESET"); got != "process" {
		t.Fatalf("PERPGRID_TEST_PRESET = %q, want process", got)
	}
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv(missing) error = %v", err)
	}
}

func TestUnitSettingsAppliesSymbolMode(t *testing.T) {
	content := minimalConfig + `strategy:
  mode: long
  wallet_exposure_long: "150%"
  take_profit_refresh_sec: 60
symbols:
  modes:
    ethusdt: READONLY
unstuck:
  slow_percent_step: "0.02"
`
	cfg, err := Load(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	btc := cfg.UnitSettings("BTCUSDT")
	if btc.Mode != strategy.TradingModeLong {
		t.Fatalf("BTCUSDT mode = %q, want long", btc.Mode)
	}
	if !btc.WalletExposureLong.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("wallet_exposure_long = %s, want 1.5", btc.WalletExposureLong)
	}
	if btc.TakeProfitRefresh != time.Minute {
		t.Fatalf("take profit refresh = %s, want 1m", btc.TakeProfitRefresh)
	}
	if !btc.SlowUnstuckPercentStep.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("slow unstuck step = %s", btc.SlowUnstuckPercentStep)
	}
	if eth := cfg.UnitSettings("ethusdt"); eth.Mode != strategy.TradingModeReadOnly {
		t.Fatalf("ETHUSDT mode = %q, want readonly", eth.Mode)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
