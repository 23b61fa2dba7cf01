package core

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testRules() Rules {
	return Rules{
		MinQty:      decimal.RequireFromString("0.01"),
		MinNotional: decimal.RequireFromString("10"),
		PriceTick:   decimal.RequireFromString("0.01"),
		QtyStep:     decimal.RequireFromString("0.001"),
	}
}

func TestNormalizeOrderRoundsBidDownAndAskUp(t *testing.T) {
	buy := Order{Symbol: "BTCUSDT", Side: Buy, Type: Limit, Price: decimal.RequireFromString("100.037"), Qty: decimal.RequireFromString("0.123456")}
	got, err := NormalizeOrder(buy, testRules())
	if err != nil {
		t.Fatalf("NormalizeOrder(buy) error = %v", err)
	}
	if !got.Price.Equal(decimal.RequireFromString("100.03")) {
		t.Fatalf("buy price = %s, want 100.03", got.Price)
	}
	if !got.Qty.Equal(decimal.RequireFromString("0.123")) {
		t.Fatalf("buy qty = %s, want 0.123", got.Qty)
	}

	sell := buy
	sell.Side = Sell
	got, err = NormalizeOrder(sell, testRules())
	if err != nil {
		t.Fatalf("NormalizeOrder(sell) error = %v", err)
	}
	if !got.Price.Equal(decimal.RequireFromString("100.04")) {
		t.Fatalf("sell price = %s, want 100.04", got.Price)
	}
}

func TestNormalizeOrderBelowMinQty(t *testing.T) {
	order := Order{Symbol: "BTCUSDT", Side: Buy, Type: Limit, Price: decimal.RequireFromString("100"), Qty: decimal.RequireFromString("0.009")}
	_, err := NormalizeOrder(order, testRules())
	if !errors.Is(err, ErrBelowMinQty) {
		t.Fatalf("NormalizeOrder() error = %v, want %v", err, ErrBelowMinQty)
	}
}

func TestNormalizeOrderMinNotionalSkipsReduceOnly(t *testing.T) {
	order := Order{Symbol: "BTCUSDT", Side: Buy, Type: Limit, Price: decimal.RequireFromString("100"), Qty: decimal.RequireFromString("0.05")}
	if _, err := NormalizeOrder(order, testRules()); !errors.Is(err, ErrBelowMinNotional) {
		t.Fatalf("NormalizeOrder() error = %v, want %v", err, ErrBelowMinNotional)
	}
	order.ReduceOnly = true
	if _, err := NormalizeOrder(order, testRules()); err != nil {
		t.Fatalf("NormalizeOrder(reduce-only) error = %v", err)
	}
}

func TestNormalizeOrderMarketWithoutPrice(t *testing.T) {
	order := Order{Symbol: "BTCUSDT", Side: Buy, Type: Market, Qty: decimal.RequireFromString("1")}
	if _, err := NormalizeOrder(order, testRules()); err != nil {
		t.Fatalf("NormalizeOrder() no-price market error = %v", err)
	}
	order.Price = decimal.RequireFromString("5")
	if _, err := NormalizeOrder(order, testRules()); !errors.Is(err, ErrBelowMinNotional) {
		t.Fatalf("NormalizeOrder() market with price error = %v, want %v", err, ErrBelowMinNotional)
	}
}

func TestRoundingHelpers(t *testing.T) {
	step := decimal.RequireFromString("0.5")
	v := decimal.RequireFromString("1.3")
	if got := RoundDown(v, step); !got.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("RoundDown() = %s, want 1", got)
	}
	if got := RoundUp(v, step); !got.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("RoundUp() = %s, want 1.5", got)
	}
	if got := RoundNearest(decimal.RequireFromString("1.26"), step); !got.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("RoundNearest() = %s, want 1.5", got)
	}
	if got := RoundDown(v, decimal.Zero); !got.Equal(v) {
		t.Fatalf("RoundDown(step=0) = %s, want %s", got, v)
	}
}

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe(" 5M ")
	if err != nil {
		t.Fatalf("ParseTimeframe() error = %v", err)
	}
	if tf.Duration() != 5*time.Minute {
		t.Fatalf("Duration() = %s, want 5m", tf.Duration())
	}
	if _, err := ParseTimeframe("7m"); err == nil {
		t.Fatalf("ParseTimeframe(7m) error = nil, want error")
	}
}

func TestOrderRemaining(t *testing.T) {
	o := Order{Qty: decimal.RequireFromString("2"), FilledQty: decimal.RequireFromString("0.5")}
	if !o.Remaining().Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("Remaining() = %s, want 1.5", o.Remaining())
	}
	if o.Untouched() {
		t.Fatalf("Untouched() = true, want false")
	}
}
