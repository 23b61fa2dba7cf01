package grid

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func baseParams() Params {
	return Params{
		QtyStep:             d("0.001"),
		PriceStep:           d("0.01"),
		InitialQtyPct:       d("0.01"),
		DDownFactor:         d("1"),
		ReentryDistance:     d("0.01"),
		ReentryWeighting:    d("0"),
		WalletExposureLimit: d("1"),
	}
}

func TestLongEntryInitialQtyScalesWithExposure(t *testing.T) {
	got := LongEntry(baseParams(), d("10000"), decimal.Zero, decimal.Zero, d("100"))
	require.False(t, got.IsZero())
	assert.True(t, got.Qty.Equal(d("1")), "qty = %s", got.Qty)
	assert.True(t, got.Price.Equal(d("100")), "price = %s", got.Price)
}

func TestEntryDisabledOrInvalidSteps(t *testing.T) {
	p := baseParams()
	p.WalletExposureLimit = decimal.Zero
	assert.True(t, LongEntry(p, d("10000"), decimal.Zero, decimal.Zero, d("100")).IsZero())

	p = baseParams()
	p.PriceStep = decimal.Zero
	assert.True(t, LongEntry(p, d("10000"), decimal.Zero, decimal.Zero, d("100")).IsZero())

	p = baseParams()
	p.QtyStep = d("-0.001")
	assert.True(t, ShortEntry(p, d("10000"), decimal.Zero, decimal.Zero, d("100")).IsZero())

	assert.True(t, LongEntry(baseParams(), decimal.Zero, decimal.Zero, decimal.Zero, d("100")).IsZero())
}

func TestLongEntryRespectsMinimumCost(t *testing.T) {
	p := baseParams()
	p.MinCost = d("500")
	got := LongEntry(p, d("10000"), decimal.Zero, decimal.Zero, d("100"))
	assert.True(t, got.Qty.Equal(d("5")), "qty = %s", got.Qty)
}

func TestLongEntryCompletesPartialInitialEntry(t *testing.T) {
	got := LongEntry(baseParams(), d("10000"), d("0.5"), d("100"), d("100"))
	assert.True(t, got.Qty.Equal(d("0.5")), "qty = %s", got.Qty)
	assert.True(t, got.Price.Equal(d("100")), "price = %s", got.Price)
}

func TestLongReentryBelowPositionPrice(t *testing.T) {
	got := LongEntry(baseParams(), d("10000"), d("1"), d("100"), d("100"))
	require.False(t, got.IsZero())
	assert.True(t, got.Price.Equal(d("99")), "price = %s", got.Price)
	assert.True(t, got.Qty.Equal(d("1")), "qty = %s", got.Qty)
}

func TestLongReentryClampedToBestBid(t *testing.T) {
	got := LongEntry(baseParams(), d("10000"), d("1"), d("100"), d("95.5"))
	assert.True(t, got.Price.Equal(d("95.5")), "price = %s", got.Price)
}

func TestReentryWeightingWidensDistance(t *testing.T) {
	p := baseParams()
	p.ReentryWeighting = d("10")
	// exposure 0.5 -> distance 0.01 * (1 + 0.5*10) = 0.06
	got := LongEntry(p, d("1000"), d("5"), d("100"), d("100"))
	assert.True(t, got.Price.Equal(d("94")), "price = %s", got.Price)
}

func TestLongReentryNeverExceedsExposureCap(t *testing.T) {
	p := baseParams()
	balance := d("1000")
	for _, size := range []string{"1", "2", "4", "6", "8", "9", "9.5", "9.9"} {
		psize := d(size)
		got := LongEntry(p, balance, psize, d("100"), d("100"))
		if got.IsZero() {
			continue
		}
		after := ExposureIfFilled(balance, psize, d("100"), got.Qty, got.Price)
		assert.True(t, after.LessThanOrEqual(d("1.01")), "psize=%s exposure after fill = %s", size, after)
	}
}

func TestLongReentryOversizedIsSearchedToLimit(t *testing.T) {
	balance := d("1000")
	got := LongEntry(baseParams(), balance, d("8"), d("100"), d("100"))
	require.False(t, got.IsZero())
	assert.True(t, got.Price.Equal(d("99")))
	assert.True(t, got.Qty.Equal(d("2.02")), "qty = %s", got.Qty)
	after := ExposureIfFilled(balance, d("8"), d("100"), got.Qty, got.Price)
	assert.True(t, after.GreaterThan(d("0.99")) && after.LessThanOrEqual(d("1.01")), "exposure = %s", after)
}

func TestEntryStopsAtExposureLimit(t *testing.T) {
	assert.True(t, LongEntry(baseParams(), d("1000"), d("10.02"), d("100"), d("100")).IsZero())
	assert.True(t, LongEntry(baseParams(), d("1000"), d("10"), d("100"), d("100")).IsZero())
}

func TestShortReentryAbovePositionPrice(t *testing.T) {
	got := ShortEntry(baseParams(), d("10000"), d("-1"), d("100"), d("100.5"))
	require.False(t, got.IsZero())
	assert.True(t, got.Price.Equal(d("101")), "price = %s", got.Price)
	assert.True(t, got.Qty.Equal(d("1")), "qty = %s", got.Qty)

	clamped := ShortEntry(baseParams(), d("10000"), d("1"), d("100"), d("103.2"))
	assert.True(t, clamped.Price.Equal(d("103.2")), "price = %s", clamped.Price)
}

func TestMinEntryQty(t *testing.T) {
	got := MinEntryQty(d("100"), d("0.001"), d("0.01"), d("5"))
	assert.True(t, got.Equal(d("0.05")), "min entry = %s", got)
	got = MinEntryQty(d("100"), d("0.001"), d("0.1"), d("5"))
	assert.True(t, got.Equal(d("0.1")), "min entry = %s", got)
}

func TestQtyToTarget(t *testing.T) {
	assert.True(t, QtyToTarget(d("1000"), d("9.95"), d("100"), d("1"), d("99"), d("0.001")).IsZero())

	qty := QtyToTarget(d("1000"), d("5"), d("100"), d("1"), d("90"), d("0.001"))
	after := ExposureIfFilled(d("1000"), d("5"), d("100"), qty, d("90"))
	assert.True(t, after.Sub(d("1")).Abs().LessThan(d("0.01")), "exposure = %s", after)
}
