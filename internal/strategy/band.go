package strategy

import (
	"github.com/shopspring/decimal"
)

// BandEvaluator signals mean reversion around a simple moving average of primary closes.
type BandEvaluator struct {
	Period        int
	Band          decimal.Decimal
	ExtraDistance decimal.Decimal
}

func (e BandEvaluator) Evaluate(in SignalInput) Signals {
	out := Signals{Indicators: make(map[string]decimal.Decimal, 3)}
	if e.Period < 1 || len(in.Primary) < e.Period || in.Price.Sign() <= 0 {
		return out
	}
	sum := decimal.Zero
	for _, c := range in.Primary[len(in.Primary)-e.Period:] {
		sum = sum.Add(c.Close)
	}
	sma := sum.Div(decimal.NewFromInt(int64(e.Period)))
	lower := sma.Mul(one.Sub(e.Band))
	upper := sma.Mul(one.Add(e.Band))
	out.Indicators["sma"] = sma
	out.Indicators["band_lower"] = lower
	out.Indicators["band_upper"] = upper

	out.Buy = in.Price.LessThan(lower)
	out.Sell = in.Price.GreaterThan(upper)
	if out.Buy && in.Long.IsOpen() {
		out.BuyExtra = in.Price.LessThanOrEqual(in.Long.AvgPrice.Mul(one.Sub(e.ExtraDistance)))
	}
	if out.Sell && in.Short.IsOpen() {
		out.SellExtra = in.Price.GreaterThanOrEqual(in.Short.AvgPrice.Mul(one.Add(e.ExtraDistance)))
	}
	return out
}

var one = decimal.NewFromInt(1)
