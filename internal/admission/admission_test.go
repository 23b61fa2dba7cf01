package admission

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-grid/internal/strategy"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func flat(symbol, liquidity string, buy, sell bool) Candidate {
	return Candidate{
		Symbol:        symbol,
		Scheduled:     true,
		HasBuySignal:  buy,
		HasSellSignal: sell,
		Liquidity:     dec(liquidity),
		HasLiquidity:  true,
	}
}

func dynamicConfig() DynamicConfig {
	return DynamicConfig{
		MaxLong:                3,
		MaxShort:               3,
		TargetExposureLong:     dec("1"),
		TargetExposureShort:    dec("1"),
		MaxOpenPerStep:         2,
		SlowThreshold:          dec("-0.1"),
		SlowPositionThreshold:  dec("-0.02"),
		ForceThreshold:         dec("-0.3"),
		ForcePositionThreshold: dec("-0.05"),
	}
}

func TestStaticFillsSlotsByLiquidity(t *testing.T) {
	running := Candidate{Symbol: "ETHUSDT", InTradeLong: true, Scheduled: true}
	idle := Candidate{Symbol: "XRPUSDT", InTradeShort: true}
	in := Input{Now: now, Candidates: []Candidate{
		running,
		idle,
		flat("AAAUSDT", "100", true, false),
		flat("BBBUSDT", "300", false, true),
		flat("CCCUSDT", "200", true, false),
		{Symbol: "DDDUSDT", Scheduled: true, HasBuySignal: true},
		flat("EEEUSDT", "900", false, false),
	}}

	got := Static{MaxRunning: 4}.Decide(in)

	require.Len(t, got.Params, 3)
	assert.Equal(t, strategy.AllowAll(), got.Params["ETHUSDT"])
	assert.Contains(t, got.Params, "BBBUSDT")
	assert.Contains(t, got.Params, "CCCUSDT")
	assert.NotContains(t, got.Params, "AAAUSDT")
	assert.NotContains(t, got.Params, "DDDUSDT", "candidate without liquidity indicator")
	assert.NotContains(t, got.Params, "XRPUSDT", "unscheduled symbols do not run")
}

func TestStaticNoSlots(t *testing.T) {
	in := Input{Candidates: []Candidate{
		{Symbol: "ETHUSDT", InTradeLong: true, Scheduled: true},
		flat("AAAUSDT", "100", true, false),
	}}
	got := Static{MaxRunning: 1}.Decide(in)
	assert.Equal(t, map[string]strategy.ExecuteParams{"ETHUSDT": strategy.AllowAll()}, got.Params)
}

func TestDynamicNoLongSlotsLeft(t *testing.T) {
	cfg := dynamicConfig()
	cfg.MaxLong = 2
	policy := NewDynamic(cfg, nil, nil)
	in := Input{
		Now: now,
		Candidates: []Candidate{
			flat("AAAUSDT", "900", true, false),
			flat("BBBUSDT", "800", true, false),
			flat("CCCUSDT", "700", true, false),
		},
		State: strategy.StrategyState{WalletBalance: dec("1000"), LongPositions: 2, LongExposure: dec("0.2")},
	}
	got := policy.Decide(in)
	assert.Zero(t, got.AdmittedLong)
	for _, p := range got.Params {
		assert.False(t, p.AllowLongOpen)
	}
}

func TestDynamicRestingEntriesHoldSlots(t *testing.T) {
	cfg := dynamicConfig()
	cfg.MaxLong = 2
	cfg.MaxShort = 2
	policy := NewDynamic(cfg, nil, nil)
	in := Input{
		Now: now,
		Candidates: []Candidate{
			{Symbol: "ETHUSDT", Scheduled: true, InTradeLong: true},
			{Symbol: "XRPUSDT", InTradeLong: true, InTradeShort: true},
			flat("AAAUSDT", "900", true, true),
			flat("BBBUSDT", "800", true, true),
		},
		// Entries are resting, nothing has filled yet.
		State: strategy.StrategyState{WalletBalance: dec("1000")},
	}

	got := policy.Decide(in)
	assert.Zero(t, got.AdmittedLong, "resting long entries fill every long slot")
	assert.False(t, got.Params["AAAUSDT"].AllowLongOpen)
	assert.False(t, got.Params["BBBUSDT"].AllowLongOpen)
	assert.Equal(t, 1, got.AdmittedShort)
	assert.True(t, got.Params["AAAUSDT"].AllowShortOpen)
	assert.False(t, got.Params["BBBUSDT"].AllowShortOpen)
}

func TestDynamicCapsPerStepAndExposure(t *testing.T) {
	cands := []Candidate{
		flat("AAAUSDT", "100", true, true),
		flat("BBBUSDT", "400", true, true),
		flat("CCCUSDT", "300", true, true),
		flat("DDDUSDT", "200", true, true),
	}
	in := Input{
		Now:        now,
		Candidates: cands,
		State:      strategy.StrategyState{WalletBalance: dec("1000"), ShortExposure: dec("1.5")},
	}
	got := NewDynamic(dynamicConfig(), nil, nil).Decide(in)

	assert.Equal(t, 2, got.AdmittedLong)
	assert.True(t, got.Params["BBBUSDT"].AllowLongOpen)
	assert.True(t, got.Params["CCCUSDT"].AllowLongOpen)
	assert.False(t, got.Params["DDDUSDT"].AllowLongOpen)
	assert.Zero(t, got.AdmittedShort, "short exposure above target")
	for _, p := range got.Params {
		assert.False(t, p.AllowShortOpen)
	}
}

func TestDynamicThrottle(t *testing.T) {
	long := NewWindowLimiter(1, time.Minute)
	policy := NewDynamic(dynamicConfig(), long, nil)
	in := Input{Now: now, Candidates: []Candidate{
		flat("AAAUSDT", "300", true, false),
		flat("BBBUSDT", "200", true, false),
	}}

	got := policy.Decide(in)
	assert.Equal(t, 1, got.AdmittedLong)
	assert.True(t, got.ThrottledLong)
	assert.True(t, got.Params["AAAUSDT"].AllowLongOpen)
	assert.False(t, got.Params["BBBUSDT"].AllowLongOpen)

	in.Now = now.Add(30 * time.Second)
	got = policy.Decide(in)
	assert.Zero(t, got.AdmittedLong)
	assert.True(t, got.ThrottledLong)

	in.Now = now.Add(time.Minute)
	got = policy.Decide(in)
	assert.Equal(t, 1, got.AdmittedLong)
}

func TestDynamicForceUnstuck(t *testing.T) {
	policy := NewDynamic(dynamicConfig(), nil, nil)
	in := Input{
		Now: now,
		Candidates: []Candidate{
			{Symbol: "BBBUSDT", Scheduled: true, InTradeLong: true, LongPnL: dec("-0.08"), HasBuySignal: true},
			{Symbol: "AAAUSDT", Scheduled: true, InTradeShort: true, ShortPnL: dec("-0.06")},
			{Symbol: "CCCUSDT", Scheduled: true, InTradeLong: true, LongPnL: dec("-0.01")},
		},
		State: strategy.StrategyState{WalletBalance: dec("1000"), UnrealizedPnL: dec("-0.35")},
	}
	got := policy.Decide(in)

	assert.Equal(t, TierForce, got.Tier)
	require.Len(t, got.Unstuck, 2)
	assert.Equal(t, "AAAUSDT", got.Unstuck[0].Symbol)
	assert.Equal(t, strategy.UnstuckParams{Short: true, ForceShort: true}, got.Unstuck[0].Params)
	assert.Equal(t, "BBBUSDT", got.Unstuck[1].Symbol)
	assert.Equal(t, strategy.UnstuckParams{Long: true, ForceLong: true}, got.Unstuck[1].Params)

	assert.False(t, got.Params["BBBUSDT"].AllowExtraLong)
	assert.True(t, got.Params["BBBUSDT"].LongUnstucking)
	assert.True(t, got.Params["CCCUSDT"].AllowExtraLong)
	assert.False(t, got.Params["CCCUSDT"].LongUnstucking)
}

func TestDynamicSlowAndKillTiers(t *testing.T) {
	cands := []Candidate{
		{Symbol: "AAAUSDT", InTradeLong: true, LongPnL: dec("-0.03")},
		{Symbol: "BBBUSDT", InTradeLong: true, LongPnL: dec("-0.01")},
	}
	policy := NewDynamic(dynamicConfig(), nil, nil)

	got := policy.Decide(Input{Now: now, Candidates: cands, State: strategy.StrategyState{UnrealizedPnL: dec("-0.15")}})
	assert.Equal(t, TierSlow, got.Tier)
	require.Len(t, got.Unstuck, 1)
	assert.Equal(t, strategy.UnstuckParams{Long: true}, got.Unstuck[0].Params)
	assert.Empty(t, got.Params, "unscheduled symbols are rescued but do not execute")

	got = policy.Decide(Input{Now: now, Candidates: cands, State: strategy.StrategyState{UnrealizedPnL: dec("-0.05")}})
	assert.Equal(t, TierNone, got.Tier)
	assert.Empty(t, got.Unstuck)

	cfg := dynamicConfig()
	cfg.ForceKillThreshold = dec("-0.5")
	cfg.ForcePositionThreshold = dec("-0.02")
	got = NewDynamic(cfg, nil, nil).Decide(Input{Now: now, Candidates: cands, State: strategy.StrategyState{UnrealizedPnL: dec("-0.6")}})
	assert.Equal(t, TierForceKill, got.Tier)
	require.Len(t, got.Unstuck, 1)
	assert.Equal(t, strategy.UnstuckParams{Long: true, ForceLong: true, ForceKill: true}, got.Unstuck[0].Params)
}

func TestWindowLimiter(t *testing.T) {
	l := NewWindowLimiter(2, time.Minute)
	assert.Equal(t, 2, l.Remaining(now))
	assert.True(t, l.Allow(now))
	assert.True(t, l.Allow(now.Add(10*time.Second)))
	assert.False(t, l.Allow(now.Add(59*time.Second)))
	assert.Equal(t, 0, l.Remaining(now.Add(59*time.Second)))
	assert.True(t, l.Allow(now.Add(time.Minute)))

	var disabled *WindowLimiter
	assert.True(t, disabled.Allow(now))
	assert.True(t, NewWindowLimiter(0, time.Minute).Allow(now))
}
