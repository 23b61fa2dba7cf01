package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type PositionSide string

type OrderType string

type OrderStatus string

type MarginMode string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

const (
	MarginCross    MarginMode = "CROSS"
	MarginIsolated MarginMode = "ISOLATED"
)

type Order struct {
	ID           string
	ClientID     string
	Symbol       string
	Side         Side
	PositionSide PositionSide
	Type         OrderType
	Price        decimal.Decimal
	Qty          decimal.Decimal
	FilledQty    decimal.Decimal
	Status       OrderStatus
	ReduceOnly   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Remaining is the unfilled part of the order.
func (o Order) Remaining() decimal.Decimal {
	rem := o.Qty.Sub(o.FilledQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Untouched reports whether nothing of the order has been filled yet.
func (o Order) Untouched() bool {
	return o.FilledQty.Sign() <= 0
}

func (o Order) IsOpen() bool {
	return o.Status == OrderNew || o.Status == OrderPartiallyFilled || o.Status == ""
}

// OrderUpdate is pushed by the exchange whenever an order changes state.
type OrderUpdate struct {
	Order Order
	// LastFillQty and LastFillPrice describe the execution that produced this update, if any.
	LastFillQty   decimal.Decimal
	LastFillPrice decimal.Decimal
	Time          time.Time
}

type Trade struct {
	OrderID      string          `json:"order_id"`
	ClientID     string          `json:"client_id,omitempty"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	PositionSide PositionSide    `json:"position_side"`
	ReduceOnly   bool            `json:"reduce_only,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Qty          decimal.Decimal `json:"qty"`
	Status       OrderStatus     `json:"status"`
	Time         time.Time       `json:"time"`
}

type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	MarginMode    MarginMode      `json:"margin_mode,omitempty"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// IsOpen reports whether the position holds a non-zero quantity.
func (p Position) IsOpen() bool {
	return p.Qty.Sign() > 0
}

func (p Position) Notional() decimal.Decimal {
	return p.Qty.Mul(p.AvgPrice)
}

type SymbolInfo struct {
	Name        string
	PriceScale  int32
	PriceStep   decimal.Decimal
	QtyStep     decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	MaxLeverage int
}

func (s SymbolInfo) Rules() Rules {
	return Rules{
		MinQty:      s.MinQty,
		MinNotional: s.MinNotional,
		PriceTick:   s.PriceStep,
		QtyStep:     s.QtyStep,
	}
}

type Rules struct {
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
}

type Balance struct {
	Wallet        decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Available     decimal.Decimal
}

// Equity is wallet balance plus open profit and loss.
func (b Balance) Equity() decimal.Decimal {
	return b.Wallet.Add(b.UnrealizedPnL)
}

type Candle struct {
	Symbol    string
	Timeframe Timeframe
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Closed    bool
}

type Ticker struct {
	Symbol      string
	Time        time.Time
	LastPrice   decimal.Decimal
	BestBid     decimal.Decimal
	BestAsk     decimal.Decimal
	FundingRate decimal.Decimal
}
