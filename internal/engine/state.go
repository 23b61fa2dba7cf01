package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"perp-grid/internal/core"
	"perp-grid/internal/strategy"
)

// AggregateState folds the wallet and every open position of the account into the state
// shared by all units for one cycle.
func AggregateState(bal core.Balance, positions []core.Position, at time.Time) strategy.StrategyState {
	st := strategy.StrategyState{WalletBalance: bal.Wallet, UpdatedAt: at}
	pnl := decimal.Zero
	for _, p := range positions {
		if !p.IsOpen() {
			continue
		}
		switch p.Side {
		case core.PositionSideLong:
			st.TotalLongNotional = st.TotalLongNotional.Add(p.Notional())
			st.LongPositions++
		case core.PositionSideShort:
			st.TotalShortNotional = st.TotalShortNotional.Add(p.Notional())
			st.ShortPositions++
		default:
			continue
		}
		pnl = pnl.Add(p.UnrealizedPnL)
	}
	if bal.Wallet.Sign() > 0 {
		st.LongExposure = st.TotalLongNotional.Div(bal.Wallet)
		st.ShortExposure = st.TotalShortNotional.Div(bal.Wallet)
		st.UnrealizedPnL = pnl.Div(bal.Wallet)
	}
	return st
}

type symbolBook struct {
	long   core.Position
	short  core.Position
	orders []core.Order
}

func groupBySymbol(positions []core.Position, orders []core.Order) map[string]*symbolBook {
	books := make(map[string]*symbolBook)
	get := func(symbol string) *symbolBook {
		b, ok := books[symbol]
		if !ok {
			b = &symbolBook{}
			books[symbol] = b
		}
		return b
	}
	for _, p := range positions {
		if !p.IsOpen() {
			continue
		}
		switch p.Side {
		case core.PositionSideLong:
			get(p.Symbol).long = p
		case core.PositionSideShort:
			get(p.Symbol).short = p
		}
	}
	for _, o := range orders {
		b := get(o.Symbol)
		b.orders = append(b.orders, o)
	}
	return books
}
