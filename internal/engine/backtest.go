package engine

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"perp-grid/internal/backtest"
	"perp-grid/internal/core"
)

// BacktestRunner replays a candle feed through the simulated exchange. The Manager must trade
// on Exchange and use its clock.
type BacktestRunner struct {
	Exchange *backtest.SimExchange
	Feed     backtest.Feed
	Manager  *Manager
}

type BacktestResult struct {
	Candles          int
	Cycles           int
	Trades           []core.Trade
	StartEquity      decimal.Decimal
	EndEquity        decimal.Decimal
	FinalBalance     core.Balance
	TotalReturnPct   decimal.Decimal
	RealizedPnL      decimal.Decimal
	FeesPaid         decimal.Decimal
	MaxDrawdownPct   decimal.Decimal
	MaxDrawdownQuote decimal.Decimal
	// MaxExposure is the largest long plus short notional seen, as a fraction of equity.
	MaxExposure decimal.Decimal
	DailyPnL    []DailyPnL
}

type DailyPnL struct {
	Date string
	PnL  decimal.Decimal
}

type equityTracker struct {
	start       decimal.Decimal
	high        decimal.Decimal
	maxDD       decimal.Decimal
	maxDDQuote  decimal.Decimal
	maxExposure decimal.Decimal
	dailyClose  map[string]decimal.Decimal
	days        []string
}

func newEquityTracker(start decimal.Decimal) *equityTracker {
	return &equityTracker{start: start, high: start, dailyClose: make(map[string]decimal.Decimal)}
}

func (t *equityTracker) record(snap backtest.Snapshot, at time.Time) {
	equity := snap.Equity
	if equity.GreaterThan(t.high) {
		t.high = equity
	}
	if t.high.Sign() > 0 {
		dd := t.high.Sub(equity)
		if dd.GreaterThan(t.maxDDQuote) {
			t.maxDDQuote = dd
		}
		if pct := dd.Div(t.high); pct.GreaterThan(t.maxDD) {
			t.maxDD = pct
		}
	}
	if equity.Sign() > 0 {
		if exp := snap.LongNotional.Add(snap.ShortNotional).Div(equity); exp.GreaterThan(t.maxExposure) {
			t.maxExposure = exp
		}
	}
	day := at.UTC().Format("2006-01-02")
	if _, ok := t.dailyClose[day]; !ok {
		t.days = append(t.days, day)
	}
	t.dailyClose[day] = equity
}

// Run groups candles sharing an open time, advances the simulator with each group and runs
// one scheduler cycle whenever executions are queued.
func (r *BacktestRunner) Run(ctx context.Context) (BacktestResult, error) {
	var result BacktestResult
	defer r.Feed.Close()
	if err := r.Manager.Setup(ctx); err != nil {
		return result, err
	}
	defer func() {
		_ = r.Manager.StopStrategies(context.Background())
	}()

	tracker := newEquityTracker(r.Exchange.Snapshot().Equity)
	var group []core.Candle
	flush := func() error {
		if len(group) == 0 {
			return nil
		}
		r.Exchange.Advance(group)
		result.Candles += len(group)
		group = group[:0]
		if r.Manager.Pending() > 0 {
			if err := r.Manager.RunCycle(ctx); err != nil {
				return err
			}
			result.Cycles++
		}
		tracker.record(r.Exchange.Snapshot(), r.Exchange.Now())
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		c, err := r.Feed.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, err
		}
		if len(group) > 0 && !c.OpenTime.Equal(group[0].OpenTime) {
			if err := flush(); err != nil {
				return result, err
			}
		}
		group = append(group, c)
	}
	if err := flush(); err != nil {
		return result, err
	}

	snap := r.Exchange.Snapshot()
	result.Trades = r.Exchange.Trades()
	result.FinalBalance, _ = r.Exchange.Balance(ctx)
	result.StartEquity = tracker.start
	result.EndEquity = snap.Equity
	result.RealizedPnL = snap.RealizedPnL
	result.FeesPaid = snap.FeePaid
	result.MaxDrawdownPct = tracker.maxDD.Mul(decimal.NewFromInt(100))
	result.MaxDrawdownQuote = tracker.maxDDQuote
	result.MaxExposure = tracker.maxExposure
	if tracker.start.Sign() > 0 {
		result.TotalReturnPct = snap.Equity.Sub(tracker.start).Div(tracker.start).Mul(decimal.NewFromInt(100))
	}
	prev := tracker.start
	for _, day := range tracker.days {
		closeEquity := tracker.dailyClose[day]
		result.DailyPnL = append(result.DailyPnL, DailyPnL{Date: day, PnL: closeEquity.Sub(prev)})
		prev = closeEquity
	}
	return result, nil
}
