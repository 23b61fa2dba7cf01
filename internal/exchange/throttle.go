package exchange

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"perp-grid/internal/core"
)

// Throttled gates every request-response call behind a shared token bucket.
// Subscriptions pass through untouched.
type Throttled struct {
	FuturesExchange
	limiter *rate.Limiter
}

func NewThrottled(inner FuturesExchange, perSecond float64, burst int) *Throttled {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttled{FuturesExchange: inner, limiter: rate.NewLimiter(limit, burst)}
}

func (t *Throttled) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.FuturesExchange.SetLeverage(ctx, symbol, leverage)
}

func (t *Throttled) SetPositionMode(ctx context.Context, hedge bool) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.FuturesExchange.SetPositionMode(ctx, hedge)
}

func (t *Throttled) SetMarginMode(ctx context.Context, symbol string, mode core.MarginMode) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.FuturesExchange.SetMarginMode(ctx, symbol, mode)
}

func (t *Throttled) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return core.Order{}, err
	}
	return t.FuturesExchange.PlaceOrder(ctx, order)
}

func (t *Throttled) PlaceTakeProfit(ctx context.Context, order core.Order, force bool) (core.Order, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return core.Order{}, err
	}
	return t.FuturesExchange.PlaceTakeProfit(ctx, order, force)
}

func (t *Throttled) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.FuturesExchange.CancelOrder(ctx, symbol, orderID)
}

func (t *Throttled) Balance(ctx context.Context) (core.Balance, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return core.Balance{}, err
	}
	return t.FuturesExchange.Balance(ctx)
}

func (t *Throttled) SymbolInfos(ctx context.Context) ([]core.SymbolInfo, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.FuturesExchange.SymbolInfos(ctx)
}

func (t *Throttled) Candles(ctx context.Context, symbol string, tf core.Timeframe, limit int) ([]core.Candle, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.FuturesExchange.Candles(ctx, symbol, tf, limit)
}

func (t *Throttled) CandlesRange(ctx context.Context, symbol string, tf core.Timeframe, from, to time.Time) ([]core.Candle, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.FuturesExchange.CandlesRange(ctx, symbol, tf, from, to)
}

func (t *Throttled) Ticker(ctx context.Context, symbol string) (core.Ticker, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return core.Ticker{}, err
	}
	return t.FuturesExchange.Ticker(ctx, symbol)
}

func (t *Throttled) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.FuturesExchange.OpenOrders(ctx, symbol)
}

func (t *Throttled) Positions(ctx context.Context) ([]core.Position, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.FuturesExchange.Positions(ctx)
}

var _ FuturesExchange = (*Throttled)(nil)
