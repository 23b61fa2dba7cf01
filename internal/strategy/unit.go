package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-grid/internal/core"
	"perp-grid/internal/exchange"
	"perp-grid/internal/grid"
	"perp-grid/internal/quote"
)

const defaultTakeProfitRefresh = 270 * time.Second

// Settings configures one StrategyUnit.
type Settings struct {
	Mode             TradingMode
	PrimaryTimeframe core.Timeframe
	Timeframes       []core.Timeframe
	Lookback         int
	Leverage         int

	DcaOrdersCount      int
	WalletExposureLong  decimal.Decimal
	WalletExposureShort decimal.Decimal

	RecursiveGrid    bool
	InitialQtyPct    decimal.Decimal
	DDownFactor      decimal.Decimal
	ReentryDistance  decimal.Decimal
	ReentryWeighting decimal.Decimal

	FeeRate           decimal.Decimal
	MinProfitRate     decimal.Decimal
	MaxAbsFundingRate decimal.Decimal

	SlowUnstuckPercentStep  decimal.Decimal
	ForceUnstuckPercentStep decimal.Decimal

	MarketEntry       bool
	TakeProfitRefresh time.Duration
}

// sideBook is the order and sizing state of one position side.
type sideBook struct {
	side        core.PositionSide
	position    core.Position
	entries     []core.Order
	takeProfits []core.Order

	dynamicQty decimal.Decimal
	maxQty     decimal.Decimal
	entryPrice decimal.Decimal
	tpPrice    decimal.Decimal
	pnl        decimal.Decimal

	lastEntryCandle   time.Time
	// lastEntrySent is the candle of the last entry that reached the exchange.
	lastEntrySent     time.Time
	lastUnstuckCandle time.Time
	lastTPAt          time.Time
	rescueOrderID     string
}

func (b *sideBook) inTrade() bool {
	return b.position.IsOpen() || len(b.entries) > 0
}

func (b *sideBook) state() SideState {
	switch {
	case b.rescueOrderID != "" && b.position.IsOpen():
		return SideUnstucking
	case b.position.IsOpen():
		return SideOpen
	case len(b.entries) > 0:
		return SideEntering
	default:
		return SideFlat
	}
}

// Barriers are the last primary candles on which an entry was attempted.
type Barriers struct {
	LongEntry  time.Time `json:"long_entry"`
	ShortEntry time.Time `json:"short_entry"`
}

// Unit is the per-symbol state machine. The scheduler never runs two operations of the same
// unit concurrently; the mutex only protects snapshot readers.
type Unit struct {
	Symbol string
	Info   core.SymbolInfo

	settings  Settings
	exchange  OrderExchange
	evaluator SignalEvaluator
	delayer   exchange.Delayer
	recorder  Recorder
	logger    *zap.Logger
	now       func() time.Time

	mu         sync.Mutex
	windows    map[core.Timeframe]*quote.Window
	ticker     core.Ticker
	consistent bool
	balance    decimal.Decimal
	account    StrategyState
	signals    Signals
	indicators map[string]decimal.Decimal
	long       sideBook
	short      sideBook
	updatedAt  time.Time

	published atomic.Pointer[Snapshot]
}

func NewUnit(info core.SymbolInfo, settings Settings, ex OrderExchange, evaluator SignalEvaluator, logger *zap.Logger) *Unit {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings.Mode = NormalizeTradingMode(settings.Mode)
	if settings.TakeProfitRefresh <= 0 {
		settings.TakeProfitRefresh = defaultTakeProfitRefresh
	}
	if settings.Lookback < 1 {
		settings.Lookback = 1
	}
	if settings.DcaOrdersCount < 1 {
		settings.DcaOrdersCount = 1
	}
	u := &Unit{
		Symbol:     info.Name,
		Info:       info,
		settings:   settings,
		exchange:   ex,
		evaluator:  evaluator,
		delayer:    exchange.NoDelay{},
		recorder:   nopRecorder{},
		logger:     logger.With(zap.String("symbol", info.Name)),
		now:        func() time.Time { return time.Now().UTC() },
		windows:    make(map[core.Timeframe]*quote.Window),
		consistent: true,
		long:       sideBook{side: core.PositionSideLong},
		short:      sideBook{side: core.PositionSideShort},
	}
	for _, tf := range u.timeframes() {
		u.windows[tf] = quote.NewWindow(tf.Duration(), settings.Lookback)
	}
	u.publishLocked()
	return u
}

func (u *Unit) timeframes() []core.Timeframe {
	out := []core.Timeframe{u.settings.PrimaryTimeframe}
	for _, tf := range u.settings.Timeframes {
		if tf != "" && tf != u.settings.PrimaryTimeframe {
			out = append(out, tf)
		}
	}
	return out
}

func (u *Unit) SetDelayer(d exchange.Delayer) {
	if d != nil {
		u.delayer = d
	}
}

func (u *Unit) SetRecorder(r Recorder) {
	if r != nil {
		u.recorder = r
	}
}

// SetClock overrides wall time, used by the backtest to run on simulated time.
func (u *Unit) SetClock(now func() time.Time) {
	if now != nil {
		u.now = now
	}
}

func (u *Unit) Mode() TradingMode {
	return u.settings.Mode
}

// SetupSymbol configures hedge mode, leverage and cross margin on the exchange.
func (u *Unit) SetupSymbol(ctx context.Context) error {
	if err := u.exchange.SetPositionMode(ctx, true); err != nil {
		return fmt.Errorf("%w: %s position mode: %v", ErrSetup, u.Symbol, err)
	}
	leverage := u.settings.Leverage
	if u.Info.MaxLeverage > 0 && leverage > u.Info.MaxLeverage {
		leverage = u.Info.MaxLeverage
	}
	if leverage < 1 {
		leverage = 1
	}
	if err := u.exchange.SetLeverage(ctx, u.Symbol, leverage); err != nil {
		return fmt.Errorf("%w: %s leverage %d: %v", ErrSetup, u.Symbol, leverage, err)
	}
	if err := u.exchange.SetMarginMode(ctx, u.Symbol, core.MarginCross); err != nil {
		return fmt.Errorf("%w: %s margin mode: %v", ErrSetup, u.Symbol, err)
	}
	return nil
}

// Initialize reseeds every window from history and evaluates signals once.
func (u *Unit) Initialize(candles map[core.Timeframe][]core.Candle, ticker core.Ticker) {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.publishLocked()
	consistent := true
	for tf, w := range u.windows {
		w.Clear()
		series := append([]core.Candle(nil), candles[tf]...)
		sort.Slice(series, func(i, j int) bool { return series[i].OpenTime.Before(series[j].OpenTime) })
		for _, c := range series {
			if !w.Enqueue(c) {
				consistent = false
			}
		}
	}
	u.consistent = consistent
	if ticker.LastPrice.Sign() > 0 {
		u.ticker = ticker
	}
	u.evaluateLocked()
}

func (u *Unit) ApplyTicker(t core.Ticker) {
	if t.LastPrice.Sign() <= 0 {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.publishLocked()
	if !u.ticker.Time.IsZero() && t.Time.Before(u.ticker.Time) {
		return
	}
	u.ticker = t
}

// ApplyCandle appends a candle to its window. It returns false when a gap was detected, after
// which the unit needs a full re-initialization.
func (u *Unit) ApplyCandle(c core.Candle) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.publishLocked()
	w, ok := u.windows[c.Timeframe]
	if !ok {
		return true
	}
	if !w.Enqueue(c) {
		u.consistent = false
		return false
	}
	return true
}

// Invalidate blocks entries until the next Initialize.
func (u *Unit) Invalidate() {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.publishLocked()
	u.consistent = false
}

func (u *Unit) ConsistentData() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.consistent
}

// UpdateTradingState replaces the position and order snapshots of this symbol.
func (u *Unit) UpdateTradingState(long, short core.Position, orders []core.Order) {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.publishLocked()
	u.long.position = long
	u.short.position = short
	u.long.entries, u.short.entries = nil, nil
	u.long.takeProfits, u.short.takeProfits = nil, nil
	for _, o := range orders {
		if o.Symbol != u.Symbol || !o.IsOpen() {
			continue
		}
		switch {
		case o.Side == core.Buy && !o.ReduceOnly:
			u.long.entries = append(u.long.entries, o)
		case o.Side == core.Sell && !o.ReduceOnly:
			u.short.entries = append(u.short.entries, o)
		case o.Side == core.Sell && o.ReduceOnly:
			u.long.takeProfits = append(u.long.takeProfits, o)
		case o.Side == core.Buy && o.ReduceOnly:
			u.short.takeProfits = append(u.short.takeProfits, o)
		}
	}
	clearRescue(&u.long)
	clearRescue(&u.short)
	u.long.pnl = u.sidePnL(&u.long)
	u.short.pnl = u.sidePnL(&u.short)
	u.updatedAt = u.now()
}

func clearRescue(b *sideBook) {
	if b.rescueOrderID == "" {
		return
	}
	if !b.position.IsOpen() {
		b.rescueOrderID = ""
		return
	}
	for _, o := range b.takeProfits {
		if o.ID == b.rescueOrderID {
			return
		}
	}
	b.rescueOrderID = ""
}

// UpdateAccount pushes the aggregate account state of the current cycle.
func (u *Unit) UpdateAccount(state StrategyState) {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.publishLocked()
	u.account = state
	u.balance = state.WalletBalance
	u.long.pnl = u.sidePnL(&u.long)
	u.short.pnl = u.sidePnL(&u.short)
}

func (u *Unit) sidePnL(b *sideBook) decimal.Decimal {
	if !b.position.IsOpen() || u.balance.Sign() <= 0 {
		return decimal.Zero
	}
	price := u.lastPriceLocked()
	if price.Sign() <= 0 {
		return b.position.UnrealizedPnL.Div(u.balance)
	}
	diff := price.Sub(b.position.AvgPrice)
	if b.side == core.PositionSideShort {
		diff = diff.Neg()
	}
	return diff.Mul(b.position.Qty).Div(u.balance)
}

// EvaluateSignals recomputes order sizes, take-profit targets and evaluator signals.
func (u *Unit) EvaluateSignals() {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.publishLocked()
	u.evaluateLocked()
}

func (u *Unit) evaluateLocked() {
	price := u.lastPriceLocked()
	u.sizeSide(&u.long, u.settings.WalletExposureLong, price)
	u.sizeSide(&u.short, u.settings.WalletExposureShort, price)

	windows := make(map[core.Timeframe][]core.Candle, len(u.windows))
	for tf, w := range u.windows {
		windows[tf] = w.Candles()
	}
	primary := windows[u.settings.PrimaryTimeframe]
	sig := Signals{}
	if u.evaluator != nil {
		sig = u.evaluator.Evaluate(SignalInput{
			Symbol:  u.Symbol,
			Price:   price,
			Ticker:  u.ticker,
			Primary: primary,
			Windows: windows,
			Long:    u.long.position,
			Short:   u.short.position,
		})
	}
	indicators := make(map[string]decimal.Decimal, len(sig.Indicators)+1)
	for k, v := range sig.Indicators {
		indicators[k] = v
	}
	if len(primary) > 0 {
		volume := decimal.Zero
		for _, c := range primary {
			volume = volume.Add(c.Close.Mul(c.Volume))
		}
		indicators[IndicatorMainTimeFrameVolume] = volume
	}
	sig.Indicators = indicators
	u.signals = sig
	u.indicators = indicators

	u.long.tpPrice = u.takeProfitPrice(&u.long)
	u.short.tpPrice = u.takeProfitPrice(&u.short)
}

func (u *Unit) sizeSide(b *sideBook, exposure, price decimal.Decimal) {
	b.dynamicQty, b.maxQty, b.entryPrice = decimal.Zero, decimal.Zero, decimal.Zero
	if exposure.Sign() <= 0 || u.balance.Sign() <= 0 || price.Sign() <= 0 {
		return
	}
	long := b.side == core.PositionSideLong
	best := u.bestAskLocked()
	if long {
		best = u.bestBidLocked()
	}
	if u.settings.RecursiveGrid {
		params := grid.Params{
			QtyStep:             u.Info.QtyStep,
			PriceStep:           u.Info.PriceStep,
			MinQty:              u.Info.MinQty,
			MinCost:             u.Info.MinNotional,
			InitialQtyPct:       u.settings.InitialQtyPct,
			DDownFactor:         u.settings.DDownFactor,
			ReentryDistance:     u.settings.ReentryDistance,
			ReentryWeighting:    u.settings.ReentryWeighting,
			WalletExposureLimit: exposure,
		}
		var next grid.Position
		if long {
			next = grid.LongEntry(params, u.balance, b.position.Qty, b.position.AvgPrice, best)
		} else {
			next = grid.ShortEntry(params, u.balance, b.position.Qty, b.position.AvgPrice, best)
		}
		b.dynamicQty = next.Qty
		b.entryPrice = next.Price
		b.maxQty = core.RoundDown(u.balance.Mul(exposure).Div(price), u.Info.QtyStep)
		return
	}
	count := decimal.NewFromInt(int64(u.settings.DcaOrdersCount))
	qty := core.RoundDown(u.balance.Mul(exposure).Div(count).Div(price), u.Info.QtyStep)
	qty = decimal.Max(qty, grid.MinEntryQty(price, u.Info.QtyStep, u.Info.MinQty, u.Info.MinNotional))
	b.dynamicQty = qty
	b.entryPrice = best
	b.maxQty = qty.Mul(count)
}

func (u *Unit) takeProfitPrice(b *sideBook) decimal.Decimal {
	if !b.position.IsOpen() || b.position.AvgPrice.Sign() <= 0 {
		return decimal.Zero
	}
	markup := u.settings.MinProfitRate.Add(u.settings.FeeRate.Mul(decimal.NewFromInt(2)))
	if b.side == core.PositionSideLong {
		target := core.RoundUp(b.position.AvgPrice.Mul(one.Add(markup)), u.Info.PriceStep)
		if ask := u.bestAskLocked(); ask.Sign() > 0 {
			target = decimal.Max(target, ask)
		}
		return target
	}
	target := core.RoundDown(b.position.AvgPrice.Mul(one.Sub(markup)), u.Info.PriceStep)
	if bid := u.bestBidLocked(); bid.Sign() > 0 {
		target = decimal.Min(target, bid)
	}
	return target
}

func (u *Unit) lastPriceLocked() decimal.Decimal {
	if u.ticker.LastPrice.Sign() > 0 {
		return u.ticker.LastPrice
	}
	if w, ok := u.windows[u.settings.PrimaryTimeframe]; ok {
		if c, ok := w.Last(); ok {
			return c.Close
		}
	}
	return decimal.Zero
}

func (u *Unit) bestBidLocked() decimal.Decimal {
	if u.ticker.BestBid.Sign() > 0 {
		return u.ticker.BestBid
	}
	return u.lastPriceLocked()
}

func (u *Unit) bestAskLocked() decimal.Decimal {
	if u.ticker.BestAsk.Sign() > 0 {
		return u.ticker.BestAsk
	}
	return u.lastPriceLocked()
}

// candleKeyLocked identifies the current primary candle for the one-entry-per-candle barrier.
func (u *Unit) candleKeyLocked() (time.Time, bool) {
	if w, ok := u.windows[u.settings.PrimaryTimeframe]; ok {
		if c, ok := w.Last(); ok {
			return c.OpenTime, true
		}
	}
	interval := u.settings.PrimaryTimeframe.Duration()
	if !u.ticker.Time.IsZero() && interval > 0 {
		return u.ticker.Time.Truncate(interval), true
	}
	return time.Time{}, false
}

func (u *Unit) InTradeLong() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.long.inTrade()
}

func (u *Unit) InTradeShort() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.short.inTrade()
}

// Liquidity returns the main timeframe volume indicator when present.
func (u *Unit) Liquidity() (decimal.Decimal, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	v, ok := u.indicators[IndicatorMainTimeFrameVolume]
	return v, ok
}

func (u *Unit) Signals() Signals {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.signals
}

// PnL returns the unrealized PnL of each side as a fraction of wallet balance.
func (u *Unit) PnL() (long, short decimal.Decimal) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.long.pnl, u.short.pnl
}

func (u *Unit) Barriers() Barriers {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Barriers{LongEntry: u.long.lastEntryCandle, ShortEntry: u.short.lastEntryCandle}
}

// RestoreBarriers reapplies persisted barriers after a restart. Newer barriers win.
func (u *Unit) RestoreBarriers(b Barriers) {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.publishLocked()
	if b.LongEntry.After(u.long.lastEntryCandle) {
		u.long.lastEntryCandle = b.LongEntry
	}
	if b.ShortEntry.After(u.short.lastEntryCandle) {
		u.short.lastEntryCandle = b.ShortEntry
	}
}
