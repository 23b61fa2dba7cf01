// Package grid sizes recursive DCA entries for perpetual futures positions.
//
// All functions are pure: they take the account balance, the current position and the best
// available price and return the next entry. Quantities and prices are always aligned to the
// instrument steps and never negative.
package grid

import (
	"github.com/shopspring/decimal"

	"perp-grid/internal/core"
)

const maxSearchIterations = 15

var (
	partialEntryFactor  = decimal.RequireFromString("0.8")
	exposureSlack       = decimal.RequireFromString("1.001")
	overshootTolerance  = decimal.RequireFromString("1.01")
	nextReentryCeiling  = decimal.RequireFromString("1.2")
	searchFloor         = decimal.RequireFromString("0.99")
	searchTolerance     = decimal.RequireFromString("0.01")
	minExposureForGuess = decimal.RequireFromString("0.01")
	guessGrowth         = decimal.RequireFromString("1.2")
	guessNudge          = decimal.RequireFromString("1.1")
	one                 = decimal.NewFromInt(1)
)

// Params configures entry sizing for one symbol and side.
type Params struct {
	QtyStep   decimal.Decimal
	PriceStep decimal.Decimal
	MinQty    decimal.Decimal
	MinCost   decimal.Decimal

	InitialQtyPct       decimal.Decimal
	DDownFactor         decimal.Decimal
	ReentryDistance     decimal.Decimal
	ReentryWeighting    decimal.Decimal
	WalletExposureLimit decimal.Decimal
}

// Position is the next entry: quantity and limit price.
type Position struct {
	Qty   decimal.Decimal
	Price decimal.Decimal
}

func (p Position) IsZero() bool {
	return p.Qty.Sign() <= 0 || p.Price.Sign() <= 0
}

// LongEntry returns the next long entry given the highest bid.
func LongEntry(p Params, balance, psize, pprice, bestBid decimal.Decimal) Position {
	return entry(p, balance, psize.Abs(), pprice, bestBid, true)
}

// ShortEntry returns the next short entry given the lowest ask. psize may be signed.
func ShortEntry(p Params, balance, psize, pprice, bestAsk decimal.Decimal) Position {
	return entry(p, balance, psize.Abs(), pprice, bestAsk, false)
}

func entry(p Params, balance, psize, pprice, best decimal.Decimal, long bool) Position {
	wel := p.WalletExposureLimit
	if wel.Sign() <= 0 || p.QtyStep.Sign() <= 0 || p.PriceStep.Sign() <= 0 {
		return Position{}
	}
	if balance.Sign() <= 0 || best.Sign() <= 0 {
		return Position{}
	}

	initialPrice := alignPrice(best, p.PriceStep, long)
	if initialPrice.Sign() <= 0 {
		initialPrice = p.PriceStep
	}
	minEntry := MinEntryQty(initialPrice, p.QtyStep, p.MinQty, p.MinCost)
	initialQty := decimal.Max(minEntry, core.RoundNearest(balance.Mul(wel).Mul(p.InitialQtyPct).Div(initialPrice), p.QtyStep))

	if psize.Sign() <= 0 {
		return sized(initialQty, initialPrice)
	}
	if psize.LessThan(initialQty.Mul(partialEntryFactor)) {
		topUp := decimal.Max(minEntry, core.RoundNearest(initialQty.Sub(psize), p.QtyStep))
		return sized(topUp, initialPrice)
	}
	if pprice.Sign() <= 0 {
		return Position{}
	}

	exposure := WalletExposure(balance, psize, pprice)
	if exposure.GreaterThanOrEqual(wel.Mul(exposureSlack)) {
		return Position{}
	}
	price := reentryPrice(p, pprice, exposure.Div(wel), best, long)
	if price.Sign() <= 0 {
		return Position{}
	}
	minEntry = MinEntryQty(price, p.QtyStep, p.MinQty, p.MinCost)
	qty := decimal.Max(minEntry, core.RoundNearest(psize.Mul(p.DDownFactor), p.QtyStep))

	if ExposureIfFilled(balance, psize, pprice, qty, price).GreaterThan(wel.Mul(overshootTolerance)) {
		qty = QtyToTarget(balance, psize, pprice, wel, price, p.QtyStep)
		if qty.Sign() <= 0 {
			return Position{}
		}
		qty = decimal.Max(qty, minEntry)
	} else if nextReentryOvershoots(p, balance, psize, pprice, qty, price, best, minEntry, long) {
		qty = decimal.Max(QtyToTarget(balance, psize, pprice, wel, price, p.QtyStep), minEntry)
	}

	// The search settles on its best guess; clamp anything still above the tolerance.
	if ExposureIfFilled(balance, psize, pprice, qty, price).GreaterThan(wel.Mul(overshootTolerance)) {
		qty = core.RoundDown(wel.Mul(balance).Sub(psize.Mul(pprice)).Div(price), p.QtyStep)
		if qty.LessThan(minEntry) {
			return Position{}
		}
	}
	return sized(qty, price)
}

// nextReentryOvershoots previews the reentry that would follow this one.
func nextReentryOvershoots(p Params, balance, psize, pprice, qty, price, best, minEntry decimal.Decimal, long bool) bool {
	newSize := psize.Add(qty)
	newPrice := weightedPrice(pprice, psize, price, qty)
	newExposure := WalletExposure(balance, newSize, newPrice)
	nextPrice := reentryPrice(p, newPrice, newExposure.Div(p.WalletExposureLimit), best, long)
	if nextPrice.Sign() <= 0 {
		return false
	}
	nextQty := decimal.Max(minEntry, core.RoundNearest(newSize.Mul(p.DDownFactor), p.QtyStep))
	after := ExposureIfFilled(balance, newSize, newPrice, nextQty, nextPrice)
	return after.GreaterThan(p.WalletExposureLimit.Mul(nextReentryCeiling))
}

func reentryPrice(p Params, pprice, ratio, best decimal.Decimal, long bool) decimal.Decimal {
	dist := p.ReentryDistance.Mul(one.Add(ratio.Mul(p.ReentryWeighting)))
	if long {
		raw := core.RoundDown(pprice.Mul(one.Sub(dist)), p.PriceStep)
		return decimal.Min(best, raw)
	}
	raw := core.RoundUp(pprice.Mul(one.Add(dist)), p.PriceStep)
	return decimal.Max(best, raw)
}

func alignPrice(price, step decimal.Decimal, long bool) decimal.Decimal {
	if long {
		return core.RoundDown(price, step)
	}
	return core.RoundUp(price, step)
}

func sized(qty, price decimal.Decimal) Position {
	if qty.Sign() <= 0 || price.Sign() <= 0 {
		return Position{}
	}
	return Position{Qty: qty, Price: price}
}

// MinEntryQty is the smallest order the exchange accepts at price.
func MinEntryQty(price, qtyStep, minQty, minCost decimal.Decimal) decimal.Decimal {
	if price.Sign() <= 0 {
		return minQty
	}
	return decimal.Max(minQty, core.RoundUp(minCost.Div(price), qtyStep))
}

// WalletExposure is position notional over wallet balance.
func WalletExposure(balance, qty, price decimal.Decimal) decimal.Decimal {
	if balance.Sign() <= 0 {
		return decimal.Zero
	}
	return qty.Abs().Mul(price).Div(balance)
}

// ExposureIfFilled is the wallet exposure after adding qty at price to the position.
func ExposureIfFilled(balance, psize, pprice, qty, price decimal.Decimal) decimal.Decimal {
	size := psize.Abs().Add(qty)
	return WalletExposure(balance, size, weightedPrice(pprice, psize.Abs(), price, qty))
}

// QtyToTarget searches for the entry quantity that brings wallet exposure to target.
// It returns zero when the position is already within 1% of the target.
func QtyToTarget(balance, psize, pprice, target, entryPrice, qtyStep decimal.Decimal) decimal.Decimal {
	if balance.Sign() <= 0 || target.Sign() <= 0 || entryPrice.Sign() <= 0 {
		return decimal.Zero
	}
	psize = psize.Abs()
	exposure := WalletExposure(balance, psize, pprice)
	if exposure.GreaterThanOrEqual(target.Mul(searchFloor)) {
		return decimal.Zero
	}

	var guesses, vals, evals []decimal.Decimal
	try := func(q decimal.Decimal) {
		v := ExposureIfFilled(balance, psize, pprice, q, entryPrice)
		guesses = append(guesses, q)
		vals = append(vals, v)
		evals = append(evals, v.Sub(target).Abs().Div(target))
	}

	first := core.RoundNearest(psize.Mul(target).Div(decimal.Max(minExposureForGuess, exposure)), qtyStep)
	try(first)
	try(nonNegative(core.RoundNearest(decimal.Max(first.Mul(guessGrowth), first.Add(qtyStep)), qtyStep)))

	for i := 0; i < maxSearchIterations; i++ {
		n := len(guesses)
		if guesses[n-1].Equal(guesses[n-2]) {
			nudged := core.RoundNearest(decimal.Max(guesses[n-2].Mul(guessNudge), guesses[n-2].Add(qtyStep)), qtyStep).Abs()
			guesses[n-1] = nudged
			vals[n-1] = ExposureIfFilled(balance, psize, pprice, nudged, entryPrice)
			evals[n-1] = vals[n-1].Sub(target).Abs().Div(target)
		}
		next := interpolate(target, vals[n-2], vals[n-1], guesses[n-2], guesses[n-1])
		try(nonNegative(core.RoundNearest(next, qtyStep)))
		if evals[len(evals)-1].LessThan(searchTolerance) {
			break
		}
	}

	best := 0
	for i := 1; i < len(evals); i++ {
		switch evals[i].Cmp(evals[best]) {
		case -1:
			best = i
		case 0:
			if guesses[i].LessThan(guesses[best]) {
				best = i
			}
		}
	}
	return guesses[best]
}

// interpolate solves the line through (x0,y0) and (x1,y1) for x.
func interpolate(x, x0, x1, y0, y1 decimal.Decimal) decimal.Decimal {
	if x0.Equal(x1) {
		return y1
	}
	return y0.Add(x.Sub(x0).Mul(y1.Sub(y0)).Div(x1.Sub(x0)))
}

func weightedPrice(p1, q1, p2, q2 decimal.Decimal) decimal.Decimal {
	total := q1.Add(q2)
	if total.Sign() <= 0 {
		return decimal.Zero
	}
	return p1.Mul(q1).Add(p2.Mul(q2)).Div(total)
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
