// Package exchange defines the futures exchange capability the engine trades through.
package exchange

import (
	"context"
	"time"

	"perp-grid/internal/core"
)

// FuturesExchange is a hedge-mode perpetual futures venue.
type FuturesExchange interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetPositionMode(ctx context.Context, hedge bool) error
	SetMarginMode(ctx context.Context, symbol string, mode core.MarginMode) error

	PlaceOrder(ctx context.Context, order core.Order) (core.Order, error)
	// PlaceTakeProfit places a reduce-only close. With force the venue may cross the book
	// instead of resting passively.
	PlaceTakeProfit(ctx context.Context, order core.Order, force bool) (core.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error

	Balance(ctx context.Context) (core.Balance, error)
	SymbolInfos(ctx context.Context) ([]core.SymbolInfo, error)
	Candles(ctx context.Context, symbol string, tf core.Timeframe, limit int) ([]core.Candle, error)
	CandlesRange(ctx context.Context, symbol string, tf core.Timeframe, from, to time.Time) ([]core.Candle, error)
	Ticker(ctx context.Context, symbol string) (core.Ticker, error)
	// OpenOrders returns open orders for symbol, or for every symbol when symbol is empty.
	OpenOrders(ctx context.Context, symbol string) ([]core.Order, error)
	Positions(ctx context.Context) ([]core.Position, error)

	SubscribeOrderUpdates(ctx context.Context, handler func(core.OrderUpdate)) (Subscription, error)
	SubscribeKlines(ctx context.Context, symbols []string, tf core.Timeframe, handler func(core.Candle)) (Subscription, error)
	SubscribeTickers(ctx context.Context, symbols []string, handler func(core.Ticker)) (Subscription, error)
}

// Subscription is a push stream handle. Implementations reconnect on their own until closed.
type Subscription interface {
	Close() error
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

func (f SubscriptionFunc) Close() error {
	if f == nil {
		return nil
	}
	return f()
}
