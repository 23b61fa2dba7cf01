package backtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"perp-grid/internal/core"
	"perp-grid/internal/exchange"
)

type posKey struct {
	symbol string
	side   core.PositionSide
}

type simPosition struct {
	qty   decimal.Decimal
	entry decimal.Decimal
}

type klineSub struct {
	symbols map[string]bool
	tf      core.Timeframe
	fn      func(core.Candle)
}

type tickerSub struct {
	symbols map[string]bool
	fn      func(core.Ticker)
}

// SimExchange is a deterministic hedge-mode perpetual futures venue driven by closed candles.
// Limit orders fill at their price when a candle range crosses it; market orders and forced
// take profits fill at the last close.
type SimExchange struct {
	mu        sync.Mutex
	symbols   map[string]core.SymbolInfo
	timeframe core.Timeframe

	wallet   decimal.Decimal
	makerFee decimal.Decimal
	takerFee decimal.Decimal
	feePaid  decimal.Decimal
	realized decimal.Decimal

	hedge     bool
	leverage  map[string]int
	margin    map[string]core.MarginMode
	positions map[posKey]*simPosition
	orders    map[string]*core.Order
	history   map[string][]core.Candle
	now       time.Time
	entropy   io.Reader

	subSeq     int
	orderSubs  map[int]func(core.OrderUpdate)
	klineSubs  map[int]klineSub
	tickerSubs map[int]tickerSub

	trades []core.Trade
}

func NewSimExchange(infos []core.SymbolInfo, wallet decimal.Decimal, tf core.Timeframe) *SimExchange {
	s := &SimExchange{
		symbols:    make(map[string]core.SymbolInfo, len(infos)),
		timeframe:  tf,
		wallet:     wallet,
		leverage:   make(map[string]int),
		margin:     make(map[string]core.MarginMode),
		positions:  make(map[posKey]*simPosition),
		orders:     make(map[string]*core.Order),
		history:    make(map[string][]core.Candle),
		entropy:    ulid.Monotonic(rand.New(rand.NewSource(1)), 0),
		orderSubs:  make(map[int]func(core.OrderUpdate)),
		klineSubs:  make(map[int]klineSub),
		tickerSubs: make(map[int]tickerSub),
	}
	for _, info := range infos {
		s.symbols[info.Name] = info
	}
	return s
}

func (s *SimExchange) SetFees(makerRate, takerRate decimal.Decimal) error {
	if makerRate.Cmp(decimal.Zero) < 0 || takerRate.Cmp(decimal.Zero) < 0 {
		return errors.New("fee rate must be >= 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.makerFee = makerRate
	s.takerFee = takerRate
	return nil
}

// Now is the close time of the last advanced candle.
func (s *SimExchange) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

type Snapshot struct {
	Wallet        decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Equity        decimal.Decimal
	LongNotional  decimal.Decimal
	ShortNotional decimal.Decimal
	FeePaid       decimal.Decimal
	RealizedPnL   decimal.Decimal
}

func (s *SimExchange) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Wallet: s.wallet, FeePaid: s.feePaid, RealizedPnL: s.realized}
	for key, p := range s.positions {
		price := s.lastCloseLocked(key.symbol)
		notional := p.qty.Mul(price)
		if key.side == core.PositionSideLong {
			snap.LongNotional = snap.LongNotional.Add(notional)
		} else {
			snap.ShortNotional = snap.ShortNotional.Add(notional)
		}
	}
	snap.UnrealizedPnL = s.unrealizedLocked()
	snap.Equity = s.wallet.Add(snap.UnrealizedPnL)
	return snap
}

// Trades returns every fill so far.
func (s *SimExchange) Trades() []core.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Trade(nil), s.trades...)
}

func (s *SimExchange) SetLeverage(_ context.Context, symbol string, leverage int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.symbols[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownSymbol, symbol)
	}
	if leverage < 1 || (info.MaxLeverage > 0 && leverage > info.MaxLeverage) {
		return fmt.Errorf("%w: leverage %d", core.ErrOrderRejected, leverage)
	}
	s.leverage[symbol] = leverage
	return nil
}

func (s *SimExchange) SetPositionMode(_ context.Context, hedge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hedge = hedge
	return nil
}

func (s *SimExchange) SetMarginMode(_ context.Context, symbol string, mode core.MarginMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbols[symbol]; !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownSymbol, symbol)
	}
	s.margin[symbol] = mode
	return nil
}

func (s *SimExchange) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	return s.place(order, false)
}

func (s *SimExchange) PlaceTakeProfit(ctx context.Context, order core.Order, force bool) (core.Order, error) {
	order.ReduceOnly = true
	return s.place(order, force)
}

func (s *SimExchange) place(order core.Order, force bool) (core.Order, error) {
	s.mu.Lock()
	if _, ok := s.symbols[order.Symbol]; !ok {
		s.mu.Unlock()
		return core.Order{}, fmt.Errorf("%w: %s", core.ErrUnknownSymbol, order.Symbol)
	}
	if order.Qty.Sign() <= 0 {
		s.mu.Unlock()
		return core.Order{}, fmt.Errorf("%w: qty %s", core.ErrOrderRejected, order.Qty)
	}
	if order.PositionSide == "" {
		order.PositionSide = core.PositionSideLong
		if order.Side == core.Sell {
			order.PositionSide = core.PositionSideShort
		}
	}
	if order.ReduceOnly {
		pos := s.positions[posKey{order.Symbol, order.PositionSide}]
		if pos == nil || pos.qty.Sign() <= 0 {
			s.mu.Unlock()
			return core.Order{}, fmt.Errorf("%w: reduce only without position", core.ErrOrderRejected)
		}
		order.Qty = decimal.Min(order.Qty, pos.qty)
	}
	last := s.lastCloseLocked(order.Symbol)
	immediate := order.Type == core.Market || force
	if immediate {
		if last.Sign() <= 0 {
			s.mu.Unlock()
			return core.Order{}, fmt.Errorf("%w: %s", core.ErrNoMarketData, order.Symbol)
		}
		order.Price = last
	}
	if order.Price.Sign() <= 0 {
		s.mu.Unlock()
		return core.Order{}, fmt.Errorf("%w: price %s", core.ErrOrderRejected, order.Price)
	}
	if !order.ReduceOnly && !s.hasMarginLocked(order) {
		s.mu.Unlock()
		return core.Order{}, core.ErrInsufficientBalance
	}
	if order.ClientID != "" {
		for _, o := range s.orders {
			if o.ClientID == order.ClientID {
				s.mu.Unlock()
				return core.Order{}, core.ErrDuplicateOrder
			}
		}
	}
	order.ID = s.nextIDLocked()
	order.CreatedAt = s.now
	order.UpdatedAt = s.now
	order.Status = core.OrderNew
	order.FilledQty = decimal.Zero

	var updates []core.OrderUpdate
	if immediate {
		updates = append(updates, s.fillLocked(&order, order.Price, s.takerFee))
	} else {
		stored := order
		s.orders[order.ID] = &stored
	}
	handlers := s.orderHandlersLocked()
	s.mu.Unlock()

	dispatchOrders(handlers, updates)
	return order, nil
}

func (s *SimExchange) CancelOrder(_ context.Context, symbol, orderID string) error {
	s.mu.Lock()
	o, ok := s.orders[orderID]
	if !ok || o.Symbol != symbol {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrOrderNotFound, orderID)
	}
	delete(s.orders, orderID)
	o.Status = core.OrderCanceled
	o.UpdatedAt = s.now
	update := core.OrderUpdate{Order: *o, Time: s.now}
	handlers := s.orderHandlersLocked()
	s.mu.Unlock()

	dispatchOrders(handlers, []core.OrderUpdate{update})
	return nil
}

func (s *SimExchange) Balance(context.Context) (core.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unrealized := s.unrealizedLocked()
	return core.Balance{
		Wallet:        s.wallet,
		UnrealizedPnL: unrealized,
		Available:     s.wallet.Add(unrealized).Sub(s.usedMarginLocked()),
	}, nil
}

func (s *SimExchange) SymbolInfos(context.Context) ([]core.SymbolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.SymbolInfo, 0, len(s.symbols))
	for _, info := range s.symbols {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Candles only serves the simulated timeframe; other timeframes have no history.
func (s *SimExchange) Candles(_ context.Context, symbol string, tf core.Timeframe, limit int) ([]core.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbols[symbol]; !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownSymbol, symbol)
	}
	if tf != s.timeframe {
		return nil, nil
	}
	h := s.history[symbol]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]core.Candle(nil), h...), nil
}

func (s *SimExchange) CandlesRange(_ context.Context, symbol string, tf core.Timeframe, from, to time.Time) ([]core.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbols[symbol]; !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownSymbol, symbol)
	}
	if tf != s.timeframe {
		return nil, nil
	}
	var out []core.Candle
	for _, c := range s.history[symbol] {
		if c.OpenTime.Before(from) || c.OpenTime.After(to) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *SimExchange) Ticker(_ context.Context, symbol string) (core.Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickerLocked(symbol)
	if !ok {
		return core.Ticker{}, fmt.Errorf("%w: %s", core.ErrNoMarketData, symbol)
	}
	return t, nil
}

func (s *SimExchange) OpenOrders(_ context.Context, symbol string) ([]core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *SimExchange) Positions(context.Context) ([]core.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Position, 0, len(s.positions))
	for key, p := range s.positions {
		if p.qty.Sign() <= 0 {
			continue
		}
		price := s.lastCloseLocked(key.symbol)
		out = append(out, core.Position{
			Symbol:        key.symbol,
			Side:          key.side,
			Qty:           p.qty,
			AvgPrice:      p.entry,
			MarginMode:    s.marginModeLocked(key.symbol),
			UnrealizedPnL: pnl(key.side, p.entry, price, p.qty),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Side < out[j].Side
	})
	return out, nil
}

func (s *SimExchange) SubscribeOrderUpdates(ctx context.Context, handler func(core.OrderUpdate)) (exchange.Subscription, error) {
	s.mu.Lock()
	s.subSeq++
	id := s.subSeq
	s.orderSubs[id] = handler
	s.mu.Unlock()
	return s.subscription(ctx, func() { delete(s.orderSubs, id) }), nil
}

func (s *SimExchange) SubscribeKlines(ctx context.Context, symbols []string, tf core.Timeframe, handler func(core.Candle)) (exchange.Subscription, error) {
	s.mu.Lock()
	s.subSeq++
	id := s.subSeq
	s.klineSubs[id] = klineSub{symbols: symbolSet(symbols), tf: tf, fn: handler}
	s.mu.Unlock()
	return s.subscription(ctx, func() { delete(s.klineSubs, id) }), nil
}

func (s *SimExchange) SubscribeTickers(ctx context.Context, symbols []string, handler func(core.Ticker)) (exchange.Subscription, error) {
	s.mu.Lock()
	s.subSeq++
	id := s.subSeq
	s.tickerSubs[id] = tickerSub{symbols: symbolSet(symbols), fn: handler}
	s.mu.Unlock()
	return s.subscription(ctx, func() { delete(s.tickerSubs, id) }), nil
}

// subscription removes the handler on Close or when ctx ends.
func (s *SimExchange) subscription(ctx context.Context, remove func()) exchange.Subscription {
	var once sync.Once
	closeFn := func() error {
		once.Do(func() {
			s.mu.Lock()
			remove()
			s.mu.Unlock()
		})
		return nil
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			_ = closeFn()
		}()
	}
	return exchange.SubscriptionFunc(closeFn)
}

// Advance closes candles: resting orders are matched against each candle range, then order
// updates, tickers and klines are pushed to subscribers in that order.
func (s *SimExchange) Advance(candles []core.Candle) []core.Trade {
	s.mu.Lock()
	closed := make([]core.Candle, 0, len(candles))
	var updates []core.OrderUpdate
	before := len(s.trades)
	for _, c := range candles {
		if _, ok := s.symbols[c.Symbol]; !ok {
			continue
		}
		if c.Timeframe == "" {
			c.Timeframe = s.timeframe
		}
		c.Closed = true
		if closeAt := c.OpenTime.Add(c.Timeframe.Duration()); closeAt.After(s.now) {
			s.now = closeAt
		}
		updates = append(updates, s.matchLocked(c)...)
		s.history[c.Symbol] = append(s.history[c.Symbol], c)
		closed = append(closed, c)
	}
	tickers := make([]core.Ticker, 0, len(closed))
	for _, c := range closed {
		if t, ok := s.tickerLocked(c.Symbol); ok {
			tickers = append(tickers, t)
		}
	}
	fills := append([]core.Trade(nil), s.trades[before:]...)
	orderHandlers := s.orderHandlersLocked()
	klineSubs := make([]klineSub, 0, len(s.klineSubs))
	for _, id := range sortedKeys(s.klineSubs) {
		klineSubs = append(klineSubs, s.klineSubs[id])
	}
	tickerSubs := make([]tickerSub, 0, len(s.tickerSubs))
	for _, id := range sortedKeys(s.tickerSubs) {
		tickerSubs = append(tickerSubs, s.tickerSubs[id])
	}
	s.mu.Unlock()

	dispatchOrders(orderHandlers, updates)
	for _, t := range tickers {
		for _, sub := range tickerSubs {
			if sub.symbols[t.Symbol] {
				sub.fn(t)
			}
		}
	}
	for _, c := range closed {
		for _, sub := range klineSubs {
			if sub.symbols[c.Symbol] && sub.tf == c.Timeframe {
				sub.fn(c)
			}
		}
	}
	return fills
}

func (s *SimExchange) matchLocked(c core.Candle) []core.OrderUpdate {
	ids := make([]string, 0)
	for id, o := range s.orders {
		if o.Symbol == c.Symbol {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var updates []core.OrderUpdate
	for _, id := range ids {
		o := s.orders[id]
		if !crosses(o, c) {
			continue
		}
		delete(s.orders, id)
		if o.ReduceOnly {
			pos := s.positions[posKey{o.Symbol, o.PositionSide}]
			if pos == nil || pos.qty.Sign() <= 0 {
				o.Status = core.OrderExpired
				o.UpdatedAt = s.now
				updates = append(updates, core.OrderUpdate{Order: *o, Time: s.now})
				continue
			}
			if o.Remaining().GreaterThan(pos.qty) {
				o.Qty = o.FilledQty.Add(pos.qty)
			}
		}
		updates = append(updates, s.fillLocked(o, o.Price, s.makerFee))
	}
	return updates
}

func crosses(o *core.Order, c core.Candle) bool {
	switch o.Side {
	case core.Buy:
		return c.Low.LessThanOrEqual(o.Price)
	case core.Sell:
		return c.High.GreaterThanOrEqual(o.Price)
	default:
		return false
	}
}

// fillLocked fills the remaining quantity of o at price.
func (s *SimExchange) fillLocked(o *core.Order, price, feeRate decimal.Decimal) core.OrderUpdate {
	qty := o.Remaining()
	fee := price.Mul(qty).Mul(feeRate)
	s.wallet = s.wallet.Sub(fee)
	s.feePaid = s.feePaid.Add(fee)

	key := posKey{o.Symbol, o.PositionSide}
	pos := s.positions[key]
	if pos == nil {
		pos = &simPosition{}
		s.positions[key] = pos
	}
	if o.ReduceOnly {
		closeQty := decimal.Min(qty, pos.qty)
		realized := pnl(o.PositionSide, pos.entry, price, closeQty)
		s.wallet = s.wallet.Add(realized)
		s.realized = s.realized.Add(realized)
		pos.qty = pos.qty.Sub(closeQty)
		if pos.qty.Sign() <= 0 {
			delete(s.positions, key)
		}
	} else {
		total := pos.qty.Add(qty)
		pos.entry = pos.entry.Mul(pos.qty).Add(price.Mul(qty)).Div(total)
		pos.qty = total
	}

	o.FilledQty = o.Qty
	o.Status = core.OrderFilled
	o.UpdatedAt = s.now
	s.trades = append(s.trades, core.Trade{
		OrderID:      o.ID,
		ClientID:     o.ClientID,
		Symbol:       o.Symbol,
		Side:         o.Side,
		PositionSide: o.PositionSide,
		ReduceOnly:   o.ReduceOnly,
		Price:        price,
		Qty:          qty,
		Status:       core.OrderFilled,
		Time:         s.now,
	})
	return core.OrderUpdate{Order: *o, LastFillQty: qty, LastFillPrice: price, Time: s.now}
}

func (s *SimExchange) hasMarginLocked(o core.Order) bool {
	lev := s.leverage[o.Symbol]
	if lev < 1 {
		lev = 1
	}
	required := o.Price.Mul(o.Qty).Div(decimal.NewFromInt(int64(lev)))
	available := s.wallet.Add(s.unrealizedLocked()).Sub(s.usedMarginLocked())
	return required.LessThanOrEqual(available)
}

// usedMarginLocked counts open positions and resting entry orders.
func (s *SimExchange) usedMarginLocked() decimal.Decimal {
	used := decimal.Zero
	for key, p := range s.positions {
		used = used.Add(p.qty.Mul(p.entry).Div(s.leverageLocked(key.symbol)))
	}
	for _, o := range s.orders {
		if o.ReduceOnly {
			continue
		}
		used = used.Add(o.Remaining().Mul(o.Price).Div(s.leverageLocked(o.Symbol)))
	}
	return used
}

func (s *SimExchange) leverageLocked(symbol string) decimal.Decimal {
	lev := s.leverage[symbol]
	if lev < 1 {
		lev = 1
	}
	return decimal.NewFromInt(int64(lev))
}

func (s *SimExchange) unrealizedLocked() decimal.Decimal {
	total := decimal.Zero
	for key, p := range s.positions {
		total = total.Add(pnl(key.side, p.entry, s.lastCloseLocked(key.symbol), p.qty))
	}
	return total
}

func (s *SimExchange) marginModeLocked(symbol string) core.MarginMode {
	if m, ok := s.margin[symbol]; ok {
		return m
	}
	return core.MarginCross
}

func (s *SimExchange) lastCloseLocked(symbol string) decimal.Decimal {
	h := s.history[symbol]
	if len(h) == 0 {
		return decimal.Zero
	}
	return h[len(h)-1].Close
}

// tickerLocked quotes the bid at the last close and the ask one price step above.
func (s *SimExchange) tickerLocked(symbol string) (core.Ticker, bool) {
	last := s.lastCloseLocked(symbol)
	if last.Sign() <= 0 {
		return core.Ticker{}, false
	}
	return core.Ticker{
		Symbol:    symbol,
		Time:      s.now,
		LastPrice: last,
		BestBid:   last,
		BestAsk:   last.Add(s.symbols[symbol].PriceStep),
	}, true
}

func (s *SimExchange) nextIDLocked() string {
	ts := s.now
	if ts.Before(time.Unix(0, 0)) {
		ts = time.Unix(0, 0)
	}
	return ulid.MustNew(ulid.Timestamp(ts), s.entropy).String()
}

func (s *SimExchange) orderHandlersLocked() []func(core.OrderUpdate) {
	out := make([]func(core.OrderUpdate), 0, len(s.orderSubs))
	for _, id := range sortedKeys(s.orderSubs) {
		out = append(out, s.orderSubs[id])
	}
	return out
}

func dispatchOrders(handlers []func(core.OrderUpdate), updates []core.OrderUpdate) {
	for _, u := range updates {
		for _, h := range handlers {
			h(u)
		}
	}
}

func pnl(side core.PositionSide, entry, price, qty decimal.Decimal) decimal.Decimal {
	if price.Sign() <= 0 || qty.Sign() <= 0 {
		return decimal.Zero
	}
	if side == core.PositionSideShort {
		return entry.Sub(price).Mul(qty)
	}
	return price.Sub(entry).Mul(qty)
}

func symbolSet(symbols []string) map[string]bool {
	out := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		out[s] = true
	}
	return out
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

var _ exchange.FuturesExchange = (*SimExchange)(nil)
