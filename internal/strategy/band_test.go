package strategy

import (
	"testing"

	"perp-grid/internal/core"
)

func TestBandEvaluator(t *testing.T) {
	primary := make([]core.Candle, 0, 5)
	for i := 0; i < 5; i++ {
		primary = append(primary, candleAt(i, "100"))
	}
	eval := BandEvaluator{Period: 5, Band: d("0.01"), ExtraDistance: d("0.01")}

	tests := []struct {
		name      string
		price     string
		long      core.Position
		buy       bool
		sell      bool
		buyExtra  bool
		sellExtra bool
	}{
		{name: "inside band", price: "100"},
		{name: "below band", price: "98.5", buy: true},
		{name: "above band", price: "101.5", sell: true},
		{name: "below band and long average", price: "98", long: longPosition("1", "100"), buy: true, buyExtra: true},
		{name: "below band near long average", price: "98.5", long: longPosition("1", "99"), buy: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := eval.Evaluate(SignalInput{Symbol: "BTCUSDT", Price: d(tt.price), Primary: primary, Long: tt.long})
			if got.Buy != tt.buy || got.Sell != tt.sell || got.BuyExtra != tt.buyExtra || got.SellExtra != tt.sellExtra {
				t.Fatalf("Evaluate() = %+v", got)
			}
			if !got.Indicators["sma"].Equal(d("100")) {
				t.Fatalf("sma = %s, want 100", got.Indicators["sma"])
			}
		})
	}
}

func TestBandEvaluatorNeedsFullPeriod(t *testing.T) {
	eval := BandEvaluator{Period: 5, Band: d("0.01")}
	got := eval.Evaluate(SignalInput{Price: d("50"), Primary: []core.Candle{candleAt(0, "100")}})
	if got.Buy || got.Sell || len(got.Indicators) != 0 {
		t.Fatalf("Evaluate() with short history = %+v", got)
	}
}

func TestNormalizeTradingMode(t *testing.T) {
	cases := map[TradingMode]TradingMode{
		"":         TradingModeDual,
		" LONG ":   TradingModeLong,
		"short":    TradingModeShort,
		"ReadOnly": TradingModeReadOnly,
		"sideways": TradingModeDual,
	}
	for in, want := range cases {
		if got := NormalizeTradingMode(in); got != want {
			t.Fatalf("NormalizeTradingMode(%q) = %q, want %q", in, got, want)
		}
	}
}
