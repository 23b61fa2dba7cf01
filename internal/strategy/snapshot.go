package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"perp-grid/internal/core"
)

type SideSnapshot struct {
	State           SideState       `json:"state"`
	Position        core.Position   `json:"position"`
	EntryOrders     int             `json:"entry_orders"`
	TakeProfits     int             `json:"take_profit_orders"`
	DynamicQty      decimal.Decimal `json:"dynamic_qty"`
	MaxQty          decimal.Decimal `json:"max_qty"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`
	PnL             decimal.Decimal `json:"pnl"`
	LastEntryCandle time.Time       `json:"last_entry_candle"`
}

// Snapshot is the read model of a unit served to dashboards and health checks.
type Snapshot struct {
	Symbol     string          `json:"symbol"`
	Mode       TradingMode     `json:"mode"`
	Consistent bool            `json:"consistent"`
	Price      decimal.Decimal `json:"price"`
	Signals    Signals         `json:"signals"`
	Long       SideSnapshot    `json:"long"`
	Short      SideSnapshot    `json:"short"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Snapshot returns the state published by the last completed unit operation. It never waits
// for an Execute that is talking to the exchange.
func (u *Unit) Snapshot() Snapshot {
	if s := u.published.Load(); s != nil {
		return *s
	}
	return Snapshot{Symbol: u.Symbol, Mode: u.settings.Mode}
}

func (u *Unit) publishLocked() {
	s := u.snapshotLocked()
	u.published.Store(&s)
}

func (u *Unit) snapshotLocked() Snapshot {
	signals := u.signals
	if len(u.indicators) > 0 {
		signals.Indicators = make(map[string]decimal.Decimal, len(u.indicators))
		for k, v := range u.indicators {
			signals.Indicators[k] = v
		}
	}
	return Snapshot{
		Symbol:     u.Symbol,
		Mode:       u.settings.Mode,
		Consistent: u.consistent,
		Price:      u.lastPriceLocked(),
		Signals:    signals,
		Long:       sideSnapshot(&u.long),
		Short:      sideSnapshot(&u.short),
		UpdatedAt:  u.updatedAt,
	}
}

func sideSnapshot(b *sideBook) SideSnapshot {
	return SideSnapshot{
		State:           b.state(),
		Position:        b.position,
		EntryOrders:     len(b.entries),
		TakeProfits:     len(b.takeProfits),
		DynamicQty:      b.dynamicQty,
		MaxQty:          b.maxQty,
		EntryPrice:      b.entryPrice,
		TakeProfitPrice: b.tpPrice,
		PnL:             b.pnl,
		LastEntryCandle: b.lastEntryCandle,
	}
}
