package admission

import (
	"sort"

	"github.com/shopspring/decimal"

	"perp-grid/internal/strategy"
)

// DynamicConfig bounds each side independently. Thresholds are fractions of wallet balance;
// a threshold that is zero or positive disables its tier.
type DynamicConfig struct {
	MaxLong             int
	MaxShort            int
	TargetExposureLong  decimal.Decimal
	TargetExposureShort decimal.Decimal
	MaxOpenPerStep      int

	SlowThreshold          decimal.Decimal
	SlowPositionThreshold  decimal.Decimal
	ForceThreshold         decimal.Decimal
	ForcePositionThreshold decimal.Decimal
	ForceKillThreshold     decimal.Decimal
}

// Dynamic admits long and short entries separately under position count, exposure and
// per-window rate limits, and selects positions to unstuck.
type Dynamic struct {
	cfg   DynamicConfig
	long  *WindowLimiter
	short *WindowLimiter
}

func NewDynamic(cfg DynamicConfig, long, short *WindowLimiter) *Dynamic {
	return &Dynamic{cfg: cfg, long: long, short: short}
}

func (d *Dynamic) Decide(in Input) Decision {
	out := Decision{Params: make(map[string]strategy.ExecuteParams)}
	out.Tier = d.tier(in.State.UnrealizedPnL)
	unstuck := d.unstuck(in.Candidates, out.Tier)
	rescued := make(map[string]strategy.UnstuckParams, len(unstuck))
	for _, u := range unstuck {
		rescued[u.Symbol] = u.Params
	}
	out.Unstuck = unstuck

	for _, c := range in.Candidates {
		if !c.Scheduled || !c.InTrade() {
			continue
		}
		r, marked := rescued[c.Symbol]
		out.Params[c.Symbol] = strategy.ExecuteParams{
			AllowExtraLong:  c.InTradeLong && !marked,
			AllowExtraShort: c.InTradeShort && !marked,
			LongUnstucking:  r.Long,
			ShortUnstucking: r.Short,
		}
	}

	longCands, shortCands := d.sideCandidates(in.Candidates)
	inLong, inShort := inTradeCounts(in.Candidates)
	longOpen := max(in.State.LongPositions, inLong)
	shortOpen := max(in.State.ShortPositions, inShort)
	out.AdmittedLong, out.ThrottledLong = d.admit(in, longCands, d.longCap(in.State, longOpen), d.long, out.Params, true)
	out.AdmittedShort, out.ThrottledShort = d.admit(in, shortCands, d.shortCap(in.State, shortOpen), d.short, out.Params, false)
	return out
}

// inTradeCounts counts sides holding a position or a resting entry, so entries that have not
// filled yet still occupy a slot.
func inTradeCounts(cands []Candidate) (long, short int) {
	for _, c := range cands {
		if c.InTradeLong {
			long++
		}
		if c.InTradeShort {
			short++
		}
	}
	return long, short
}

func (d *Dynamic) tier(pnl decimal.Decimal) Tier {
	switch {
	case below(pnl, d.cfg.ForceKillThreshold):
		return TierForceKill
	case below(pnl, d.cfg.ForceThreshold):
		return TierForce
	case below(pnl, d.cfg.SlowThreshold):
		return TierSlow
	default:
		return TierNone
	}
}

func below(v, threshold decimal.Decimal) bool {
	return threshold.Sign() < 0 && v.LessThan(threshold)
}

func (d *Dynamic) unstuck(cands []Candidate, tier Tier) []UnstuckOrder {
	if tier == TierNone {
		return nil
	}
	limit := d.cfg.ForcePositionThreshold
	if tier == TierSlow {
		limit = d.cfg.SlowPositionThreshold
	}
	var out []UnstuckOrder
	for _, c := range cands {
		long := c.InTradeLong && below(c.LongPnL, limit)
		short := c.InTradeShort && below(c.ShortPnL, limit)
		if !long && !short {
			continue
		}
		force := tier != TierSlow
		out = append(out, UnstuckOrder{
			Symbol: c.Symbol,
			Tier:   tier,
			Params: strategy.UnstuckParams{
				Long:       long,
				Short:      short,
				ForceLong:  long && force,
				ForceShort: short && force,
				ForceKill:  tier == TierForceKill,
			},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (d *Dynamic) sideCandidates(cands []Candidate) (long, short []Candidate) {
	for _, c := range cands {
		if !c.Scheduled || !c.HasLiquidity {
			continue
		}
		if c.HasBuySignal && !c.InTradeLong {
			long = append(long, c)
		}
		if c.HasSellSignal && !c.InTradeShort {
			short = append(short, c)
		}
	}
	rankByLiquidity(long)
	rankByLiquidity(short)
	return long, short
}

func (d *Dynamic) longCap(state strategy.StrategyState, open int) int {
	return d.sideCap(d.cfg.MaxLong, open, state.LongExposure, d.cfg.TargetExposureLong)
}

func (d *Dynamic) shortCap(state strategy.StrategyState, open int) int {
	return d.sideCap(d.cfg.MaxShort, open, state.ShortExposure, d.cfg.TargetExposureShort)
}

func (d *Dynamic) sideCap(maxOpen, open int, exposure, target decimal.Decimal) int {
	remaining := maxOpen - open
	if remaining <= 0 || exposure.GreaterThanOrEqual(target) {
		return 0
	}
	if d.cfg.MaxOpenPerStep > 0 && d.cfg.MaxOpenPerStep < remaining {
		return d.cfg.MaxOpenPerStep
	}
	return remaining
}

func (d *Dynamic) admit(in Input, cands []Candidate, limit int, limiter *WindowLimiter, params map[string]strategy.ExecuteParams, long bool) (int, bool) {
	admitted := 0
	for _, c := range cands {
		if admitted >= limit {
			break
		}
		if !limiter.Allow(in.Now) {
			return admitted, true
		}
		p := params[c.Symbol]
		if long {
			p.AllowLongOpen = true
		} else {
			p.AllowShortOpen = true
		}
		params[c.Symbol] = p
		admitted++
	}
	return admitted, false
}
