package engine

import (
	"context"
	"io"
	"testing"

	"perp-grid/internal/core"
)

type sliceFeed struct {
	candles []core.Candle
	closed  bool
}

func (f *sliceFeed) Next() (core.Candle, error) {
	if len(f.candles) == 0 {
		return core.Candle{}, io.EOF
	}
	c := f.candles[0]
	f.candles = f.candles[1:]
	return c, nil
}

func (f *sliceFeed) Close() error {
	f.closed = true
	return nil
}

func TestBacktestRunnerRoundTrip(t *testing.T) {
	sim := newSim("BTCUSDT")
	feed := &sliceFeed{candles: dipAndRecover("BTCUSDT")}
	runner := BacktestRunner{
		Exchange: sim,
		Feed:     feed,
		Manager:  newTestManager(sim, sim.Now, nil, Deps{}),
	}

	res, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !feed.closed {
		t.Fatal("feed not closed")
	}
	if res.Candles != 6 || res.Cycles != 6 {
		t.Fatalf("candles=%d cycles=%d, want 6/6", res.Candles, res.Cycles)
	}
	if len(res.Trades) != 2 {
		t.Fatalf("trades = %+v, want entry and take profit", res.Trades)
	}
	if res.Trades[0].Side != core.Buy || !res.Trades[0].Price.Equal(d("97")) {
		t.Fatalf("entry trade = %+v", res.Trades[0])
	}
	if res.Trades[1].Side != core.Sell || !res.Trades[1].ReduceOnly || !res.Trades[1].Price.Equal(d("97.6")) {
		t.Fatalf("take profit trade = %+v", res.Trades[1])
	}
	if !res.RealizedPnL.Equal(d("1.2366")) {
		t.Fatalf("realized = %s, want 1.2366", res.RealizedPnL)
	}
	if !res.FeesPaid.Equal(d("0.08021412")) {
		t.Fatalf("fees = %s, want 0.08021412", res.FeesPaid)
	}
	if !res.EndEquity.Equal(d("1001.15638588")) || !res.FinalBalance.Wallet.Equal(res.EndEquity) {
		t.Fatalf("end equity = %s wallet = %s", res.EndEquity, res.FinalBalance.Wallet)
	}
	if !res.MaxDrawdownQuote.IsZero() {
		t.Fatalf("drawdown = %s, want 0", res.MaxDrawdownQuote)
	}
	if res.MaxExposure.LessThan(d("0.2")) || res.MaxExposure.GreaterThan(d("0.21")) {
		t.Fatalf("max exposure = %s", res.MaxExposure)
	}
	if len(res.DailyPnL) != 1 || res.DailyPnL[0].Date != "2024-01-01" || !res.DailyPnL[0].PnL.Equal(d("1.15638588")) {
		t.Fatalf("daily pnl = %+v", res.DailyPnL)
	}
	if res.TotalReturnPct.Sign() <= 0 {
		t.Fatalf("return = %s", res.TotalReturnPct)
	}
}

func TestBacktestRunnerStopsOnCanceledContext(t *testing.T) {
	sim := newSim("BTCUSDT")
	runner := BacktestRunner{
		Exchange: sim,
		Feed:     &sliceFeed{candles: dipAndRecover("BTCUSDT")},
		Manager:  newTestManager(sim, sim.Now, nil, Deps{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := runner.Run(ctx); err == nil {
		t.Fatal("Run() with canceled context returned nil")
	}
}
