package admission

import "perp-grid/internal/strategy"

// Static runs every in-trade symbol and fills the remaining MaxRunning slots with the most
// liquid flat symbols that have a signal.
type Static struct {
	MaxRunning int
}

func (s Static) Decide(in Input) Decision {
	out := Decision{Params: make(map[string]strategy.ExecuteParams)}
	inTrade := 0
	var flat []Candidate
	for _, c := range in.Candidates {
		if c.InTrade() {
			inTrade++
			if c.Scheduled {
				out.Params[c.Symbol] = strategy.AllowAll()
			}
			continue
		}
		if c.Scheduled && c.HasLiquidity && (c.HasBuySignal || c.HasSellSignal) {
			flat = append(flat, c)
		}
	}
	slots := s.MaxRunning - inTrade
	if slots <= 0 || len(flat) == 0 {
		return out
	}
	rankByLiquidity(flat)
	if len(flat) > slots {
		flat = flat[:slots]
	}
	for _, c := range flat {
		out.Params[c.Symbol] = strategy.AllowAll()
		if c.HasBuySignal {
			out.AdmittedLong++
		}
		if c.HasSellSignal {
			out.AdmittedShort++
		}
	}
	return out
}
