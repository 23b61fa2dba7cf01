package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-grid/internal/admission"
	"perp-grid/internal/backtest"
	"perp-grid/internal/core"
	"perp-grid/internal/exchange"
	"perp-grid/internal/strategy"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func testInfo(name string) core.SymbolInfo {
	return core.SymbolInfo{
		Name:        name,
		PriceScale:  1,
		PriceStep:   d("0.1"),
		QtyStep:     d("0.001"),
		MinQty:      d("0.001"),
		MinNotional: d("5"),
		MaxLeverage: 20,
	}
}

func bar(symbol string, i int, open, high, low, close string) core.Candle {
	return core.Candle{
		Symbol:    symbol,
		Timeframe: core.Timeframe1m,
		OpenTime:  t0.Add(time.Duration(i) * time.Minute),
		Open:      d(open),
		High:      d(high),
		Low:       d(low),
		Close:     d(close),
		Volume:    d("10"),
		Closed:    true,
	}
}

func flatBar(symbol string, i int) core.Candle {
	return bar(symbol, i, "100", "100", "100", "100")
}

// dipAndRecover drops below the band on candle 3, fills the entry on 4 and the take profit
// on 5.
func dipAndRecover(symbol string) []core.Candle {
	return []core.Candle{
		flatBar(symbol, 0),
		flatBar(symbol, 1),
		flatBar(symbol, 2),
		bar(symbol, 3, "100", "100", "97", "97"),
		bar(symbol, 4, "97", "98", "96.5", "97.5"),
		bar(symbol, 5, "97.5", "99.5", "97.5", "99"),
	}
}

func testSettings(string) strategy.Settings {
	return strategy.Settings{
		Mode:               strategy.TradingModeLong,
		Leverage:           10,
		DcaOrdersCount:     5,
		WalletExposureLong: d("1"),
		FeeRate:            d("0.0004"),
		MinProfitRate:      d("0.005"),
	}
}

func newSim(symbols ...string) *backtest.SimExchange {
	infos := make([]core.SymbolInfo, 0, len(symbols))
	for _, s := range symbols {
		infos = append(infos, testInfo(s))
	}
	sim := backtest.NewSimExchange(infos, d("1000"), core.Timeframe1m)
	_ = sim.SetFees(d("0.0002"), d("0.0004"))
	return sim
}

func newTestManager(ex exchange.FuturesExchange, clock func() time.Time, evaluator strategy.SignalEvaluator, deps Deps) *Manager {
	if evaluator == nil {
		evaluator = strategy.BandEvaluator{Period: 3, Band: d("0.01"), ExtraDistance: d("0.01")}
	}
	return NewManager(ex, admission.Static{MaxRunning: 2}, Options{
		Timeframe:     core.Timeframe1m,
		Lookback:      3,
		Settings:      testSettings,
		Evaluator:     evaluator,
		Clock:         clock,
		CollectWindow: 200 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
		CycleDelay:    10 * time.Millisecond,
		RunMode:       "test",
		InstanceID:    "test-1",
	}, deps)
}

func step(t *testing.T, m *Manager, sim *backtest.SimExchange, candles ...core.Candle) {
	t.Helper()
	sim.Advance(candles)
	if m.Pending() == 0 {
		t.Fatalf("no execution token after candles at %s", candles[0].OpenTime)
	}
	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
}

type alertSpy struct {
	mu     sync.Mutex
	events []string
}

func (a *alertSpy) Important(event string, fields map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event+":"+fields["symbol"])
}

// failingSetup rejects leverage changes for one symbol.
type failingSetup struct {
	*backtest.SimExchange
	symbol string
}

func (f *failingSetup) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if symbol == f.symbol {
		return core.ErrOrderRejected
	}
	return f.SimExchange.SetLeverage(ctx, symbol, leverage)
}

// contiguousHistory serves a gap-free history so a re-initialization heals the window.
type contiguousHistory struct {
	*backtest.SimExchange
	history []core.Candle
	fetches atomic.Int32
}

func (c *contiguousHistory) Candles(_ context.Context, _ string, _ core.Timeframe, limit int) ([]core.Candle, error) {
	c.fetches.Add(1)
	h := c.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]core.Candle(nil), h...), nil
}

// armedPanic panics for one symbol once armed.
type armedPanic struct {
	strategy.BandEvaluator
	symbol string
	armed  *atomic.Bool
}

func (p armedPanic) Evaluate(in strategy.SignalInput) strategy.Signals {
	if in.Symbol == p.symbol && p.armed.Load() {
		panic("evaluator exploded")
	}
	return p.BandEvaluator.Evaluate(in)
}
