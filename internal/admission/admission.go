// Package admission decides once per cycle which symbols may open or enlarge positions and
// which positions must be rescued.
package admission

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"perp-grid/internal/strategy"
)

// Candidate is the per-cycle view of one unit.
type Candidate struct {
	Symbol string
	// Scheduled is set when the symbol holds an execution token this cycle.
	Scheduled bool

	InTradeLong   bool
	InTradeShort  bool
	HasBuySignal  bool
	HasSellSignal bool

	Liquidity    decimal.Decimal
	HasLiquidity bool

	LongPnL  decimal.Decimal
	ShortPnL decimal.Decimal
}

func (c Candidate) InTrade() bool {
	return c.InTradeLong || c.InTradeShort
}

type Input struct {
	Now        time.Time
	Candidates []Candidate
	State      strategy.StrategyState
}

type Tier string

const (
	TierNone      Tier = ""
	TierSlow      Tier = "slow"
	TierForce     Tier = "force"
	TierForceKill Tier = "force_kill"
)

// UnstuckOrder asks a unit to rescue one or both sides before ordinary execution.
type UnstuckOrder struct {
	Symbol string
	Tier   Tier
	Params strategy.UnstuckParams
}

type Decision struct {
	// Params holds execution permissions for every scheduled symbol that runs this cycle.
	Params  map[string]strategy.ExecuteParams
	Unstuck []UnstuckOrder
	Tier    Tier

	AdmittedLong   int
	AdmittedShort  int
	ThrottledLong  bool
	ThrottledShort bool
}

// Policy is one admission strategy. Implementations are called from a single goroutine.
type Policy interface {
	Decide(in Input) Decision
}

// rankByLiquidity orders candidates by liquidity, highest first, ties by symbol.
func rankByLiquidity(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if c := cands[i].Liquidity.Cmp(cands[j].Liquidity); c != 0 {
			return c > 0
		}
		return cands[i].Symbol < cands[j].Symbol
	})
}
