package strategy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-grid/internal/core"
)

const (
	kindEntry      = "entry"
	kindExtra      = "extra"
	kindTakeProfit = "take_profit"
	kindUnstuck    = "unstuck"
	kindCancel     = "cancel"
)

// UnstuckParams selects which sides are rescued this cycle and how hard.
type UnstuckParams struct {
	Long       bool
	Short      bool
	ForceLong  bool
	ForceShort bool
	// ForceKill closes the whole position of every selected side.
	ForceKill bool
}

type sideOrders struct {
	book       *sideBook
	enabled    bool
	signal     bool
	extra      bool
	counter    bool
	allowOpen  bool
	allowExtra bool
	unstucking bool
	exposure   decimal.Decimal
	entrySide  core.Side
	closeSide  core.Side
}

func (u *Unit) sides(params ExecuteParams) [2]sideOrders {
	return [2]sideOrders{
		{
			book:       &u.long,
			enabled:    u.settings.Mode.allowsLong(),
			signal:     u.signals.Buy,
			extra:      u.signals.BuyExtra,
			counter:    u.signals.Sell,
			allowOpen:  params.AllowLongOpen,
			allowExtra: params.AllowExtraLong,
			unstucking: params.LongUnstucking,
			exposure:   u.settings.WalletExposureLong,
			entrySide:  core.Buy,
			closeSide:  core.Sell,
		},
		{
			book:       &u.short,
			enabled:    u.settings.Mode.allowsShort(),
			signal:     u.signals.Sell,
			extra:      u.signals.SellExtra,
			counter:    u.signals.Buy,
			allowOpen:  params.AllowShortOpen,
			allowExtra: params.AllowExtraShort,
			unstucking: params.ShortUnstucking,
			exposure:   u.settings.WalletExposureShort,
			entrySide:  core.Sell,
			closeSide:  core.Buy,
		},
	}
}

// Execute is the only step that places or cancels orders. Exchange failures are logged and
// retried on a later cycle; only context cancellation is returned.
func (u *Unit) Execute(ctx context.Context, params ExecuteParams) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.publishLocked()
	if u.settings.Mode == TradingModeReadOnly {
		return nil
	}
	key, hasKey := u.candleKeyLocked()
	for _, s := range u.sides(params) {
		if err := u.executeSide(ctx, s, key, hasKey); err != nil {
			return err
		}
	}
	return nil
}

func (u *Unit) executeSide(ctx context.Context, s sideOrders, key time.Time, hasKey bool) error {
	b := s.book
	signal := s.enabled && s.signal
	// An extra-entry signal keeps a resting add-on order alive.
	holding := signal || (s.enabled && s.extra && b.position.IsOpen())

	if !holding {
		for _, o := range b.entries {
			if !o.Untouched() {
				continue
			}
			if err := u.cancel(ctx, o); err != nil {
				return err
			}
		}
	}

	barrierOpen := hasKey && key.After(b.lastEntryCandle)
	entryReady := barrierOpen && u.consistent && b.dynamicQty.Sign() > 0 && u.fundingAllows(b.side)

	switch {
	case signal && s.allowOpen && entryReady && !b.position.IsOpen() && len(b.entries) == 0:
		b.lastEntryCandle = key
		if err := u.placeEntry(ctx, b, s.entrySide, b.dynamicQty, kindEntry, key); err != nil {
			return err
		}
	case s.enabled && s.extra && s.allowExtra && !s.unstucking && b.rescueOrderID == "" &&
		entryReady && b.position.IsOpen() && len(b.entries) == 0 && u.belowCeiling(b, s.exposure):
		qty := b.dynamicQty
		if room := b.maxQty.Sub(b.position.Qty); b.maxQty.Sign() > 0 && room.LessThan(qty) {
			qty = room
		}
		b.lastEntryCandle = key
		if err := u.placeEntry(ctx, b, s.entrySide, qty, kindExtra, key); err != nil {
			return err
		}
	}

	if !b.position.IsOpen() || b.tpPrice.Sign() <= 0 || s.unstucking || b.rescueOrderID != "" {
		return nil
	}
	if hasKey && b.lastEntrySent.Equal(key) {
		return nil
	}
	return u.maintainTakeProfit(ctx, b, s.closeSide)
}

func (u *Unit) belowCeiling(b *sideBook, limit decimal.Decimal) bool {
	if b.maxQty.Sign() > 0 && b.position.Qty.GreaterThanOrEqual(b.maxQty) {
		return false
	}
	if u.balance.Sign() <= 0 || limit.Sign() <= 0 {
		return false
	}
	return b.position.Notional().Div(u.balance).LessThan(limit)
}

func (u *Unit) fundingAllows(side core.PositionSide) bool {
	limit := u.settings.MaxAbsFundingRate
	if limit.Sign() <= 0 {
		return true
	}
	rate := u.ticker.FundingRate
	if side == core.PositionSideLong {
		return rate.LessThan(limit)
	}
	return rate.GreaterThan(limit.Neg())
}

func (u *Unit) placeEntry(ctx context.Context, b *sideBook, side core.Side, qty decimal.Decimal, kind string, key time.Time) error {
	price := b.entryPrice
	if price.Sign() <= 0 {
		if side == core.Buy {
			price = u.bestBidLocked()
		} else {
			price = u.bestAskLocked()
		}
	}
	order := core.Order{
		ClientID:     uuid.NewString(),
		Symbol:       u.Symbol,
		Side:         side,
		PositionSide: b.side,
		Type:         core.Limit,
		Price:        price,
		Qty:          qty,
	}
	if u.settings.MarketEntry {
		order.Type = core.Market
	}
	placed, err := u.place(ctx, order, kind, false)
	if err != nil || placed.ID == "" {
		return err
	}
	b.lastEntrySent = key
	if placed.IsOpen() {
		b.entries = append(b.entries, placed)
	}
	return nil
}

func (u *Unit) maintainTakeProfit(ctx context.Context, b *sideBook, side core.Side) error {
	resting := decimal.Zero
	for _, o := range b.takeProfits {
		resting = resting.Add(o.Remaining())
	}
	now := u.now()
	if b.lastTPAt.IsZero() {
		// Take profits left by an earlier process age from their creation time.
		b.lastTPAt = oldestCreated(b.takeProfits)
	}
	stale := len(b.takeProfits) > 0 &&
		(b.lastTPAt.IsZero() || now.Sub(b.lastTPAt) >= u.settings.TakeProfitRefresh)
	if len(b.takeProfits) > 0 && resting.Equal(b.position.Qty) && !stale {
		return nil
	}
	for _, o := range b.takeProfits {
		if err := u.cancel(ctx, o); err != nil {
			return err
		}
	}
	b.takeProfits = nil
	order := core.Order{
		ClientID:     uuid.NewString(),
		Symbol:       u.Symbol,
		Side:         side,
		PositionSide: b.side,
		Type:         core.Limit,
		Price:        b.tpPrice,
		Qty:          b.position.Qty,
		ReduceOnly:   true,
	}
	placed, err := u.place(ctx, order, kindTakeProfit, false)
	if err != nil || placed.ID == "" {
		return err
	}
	b.lastTPAt = now
	if placed.IsOpen() {
		b.takeProfits = append(b.takeProfits, placed)
	}
	return nil
}

func oldestCreated(orders []core.Order) time.Time {
	var oldest time.Time
	for _, o := range orders {
		if o.CreatedAt.IsZero() {
			continue
		}
		if oldest.IsZero() || o.CreatedAt.Before(oldest) {
			oldest = o.CreatedAt
		}
	}
	return oldest
}

// ExecuteUnstuck replaces the take profit of each rescued side by a close at the opposite best
// price for a fraction of the position.
func (u *Unit) ExecuteUnstuck(ctx context.Context, p UnstuckParams) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.publishLocked()
	if u.settings.Mode == TradingModeReadOnly {
		return nil
	}
	key, hasKey := u.candleKeyLocked()
	if !hasKey {
		return nil
	}
	sides := u.sides(ExecuteParams{})
	if p.Long {
		if err := u.unstuckSide(ctx, sides[0], key, p.ForceLong, p.ForceKill); err != nil {
			return err
		}
	}
	if p.Short {
		if err := u.unstuckSide(ctx, sides[1], key, p.ForceShort, p.ForceKill); err != nil {
			return err
		}
	}
	return nil
}

func (u *Unit) unstuckSide(ctx context.Context, s sideOrders, key time.Time, force, kill bool) error {
	b := s.book
	if !b.position.IsOpen() || !key.After(b.lastUnstuckCandle) {
		return nil
	}
	if !s.counter && !force && !kill {
		return nil
	}
	price := u.bestBidLocked()
	if b.side == core.PositionSideShort {
		price = u.bestAskLocked()
	}
	if price.Sign() <= 0 {
		return nil
	}

	qty := b.position.Qty
	if !kill {
		step := u.settings.SlowUnstuckPercentStep
		if force {
			step = u.settings.ForceUnstuckPercentStep
		}
		qty = core.RoundDown(b.position.Qty.Mul(step), u.Info.QtyStep)
		qty = decimal.Max(qty, b.dynamicQty)
		qty = decimal.Min(qty, b.position.Qty)
	}
	if qty.Sign() <= 0 {
		return nil
	}

	for _, o := range b.takeProfits {
		if err := u.cancel(ctx, o); err != nil {
			return err
		}
	}
	b.takeProfits = nil
	b.lastUnstuckCandle = key

	order := core.Order{
		ClientID:     uuid.NewString(),
		Symbol:       u.Symbol,
		Side:         s.closeSide,
		PositionSide: b.side,
		Type:         core.Limit,
		Price:        price,
		Qty:          qty,
		ReduceOnly:   true,
	}
	u.logger.Info("unstuck_order",
		zap.String("position_side", string(b.side)),
		zap.String("qty", qty.String()),
		zap.String("price", price.String()),
		zap.Bool("force", force),
		zap.Bool("force_kill", kill),
	)
	placed, err := u.place(ctx, order, kindUnstuck, true)
	if err != nil || placed.ID == "" {
		return err
	}
	if placed.IsOpen() {
		b.rescueOrderID = placed.ID
		b.takeProfits = append(b.takeProfits, placed)
	}
	return nil
}

// place normalizes and sends one order. A zero order with nil error means the placement was
// skipped or failed and was logged.
func (u *Unit) place(ctx context.Context, order core.Order, kind string, force bool) (core.Order, error) {
	normalized, err := core.NormalizeOrder(order, u.Info.Rules())
	if err != nil {
		u.logger.Debug("order_skipped",
			zap.String("kind", kind),
			zap.String("qty", order.Qty.String()),
			zap.String("price", order.Price.String()),
			zap.Error(err),
		)
		return core.Order{}, nil
	}
	if err := u.delayer.Delay(ctx); err != nil {
		return core.Order{}, err
	}
	var placed core.Order
	if order.ReduceOnly {
		placed, err = u.exchange.PlaceTakeProfit(ctx, normalized, force)
	} else {
		placed, err = u.exchange.PlaceOrder(ctx, normalized)
	}
	if err != nil {
		if isCanceled(ctx, err) {
			return core.Order{}, ctx.Err()
		}
		u.recorder.OrderFailed(u.Symbol, kind)
		u.logger.Warn("order_place_failed",
			zap.String("kind", kind),
			zap.String("side", string(normalized.Side)),
			zap.String("position_side", string(normalized.PositionSide)),
			zap.String("qty", normalized.Qty.String()),
			zap.String("price", normalized.Price.String()),
			zap.Error(err),
		)
		return core.Order{}, nil
	}
	u.recorder.OrderPlaced(u.Symbol, kind)
	u.logger.Info("order_placed",
		zap.String("kind", kind),
		zap.String("order_id", placed.ID),
		zap.String("side", string(placed.Side)),
		zap.String("position_side", string(placed.PositionSide)),
		zap.String("qty", placed.Qty.String()),
		zap.String("price", placed.Price.String()),
	)
	return placed, nil
}

func (u *Unit) cancel(ctx context.Context, o core.Order) error {
	err := u.exchange.CancelOrder(ctx, u.Symbol, o.ID)
	if err == nil || errors.Is(err, core.ErrOrderNotFound) {
		return nil
	}
	if isCanceled(ctx, err) {
		return ctx.Err()
	}
	u.recorder.OrderFailed(u.Symbol, kindCancel)
	u.logger.Warn("order_cancel_failed", zap.String("order_id", o.ID), zap.Error(err))
	return nil
}

func isCanceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
