// Package engine runs the per-cycle scheduler that feeds market data into strategy units,
// asks admission who may trade and executes the units concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"perp-grid/internal/admission"
	"perp-grid/internal/alert"
	"perp-grid/internal/core"
	"perp-grid/internal/exchange"
	"perp-grid/internal/store"
	"perp-grid/internal/strategy"
)

var (
	ErrAlreadyRunning = errors.New("strategies already running")
	ErrNotRunning     = errors.New("strategies not running")
	ErrNoSymbols      = errors.New("no tradable symbols")
)

const (
	defaultCollectWindow = 5 * time.Second
	defaultPollInterval  = 100 * time.Millisecond
	defaultCycleDelay    = time.Second
	defaultStatusEvery   = 30 * time.Second
)

type Options struct {
	// Timeframe is the primary candle interval; its closes schedule executions.
	Timeframe core.Timeframe
	// Timeframes are additional windows kept per unit.
	Timeframes []core.Timeframe
	Lookback   int

	Whitelist []string
	Blacklist []string

	// Settings returns the unit settings of one symbol. Timeframes and lookback are
	// overridden by the manager.
	Settings  func(symbol string) strategy.Settings
	Evaluator strategy.SignalEvaluator
	Delayer   exchange.Delayer
	// Clock drives units and admission. Defaults to wall time.
	Clock func() time.Time

	CollectWindow time.Duration
	PollInterval  time.Duration
	CycleDelay    time.Duration
	StatusEvery   time.Duration

	RunMode    string
	InstanceID string
}

// Observer receives cycle outcomes, typically the metrics collectors.
type Observer interface {
	strategy.Recorder
	CycleCompleted(at time.Time, took time.Duration, err error)
	ObserveDecision(d admission.Decision)
	ObserveState(s strategy.StrategyState)
}

type nopObserver struct{}

func (nopObserver) OrderPlaced(string, string)                     {}
func (nopObserver) OrderFailed(string, string)                     {}
func (nopObserver) CycleCompleted(time.Time, time.Duration, error) {}
func (nopObserver) ObserveDecision(admission.Decision)             {}
func (nopObserver) ObserveState(strategy.StrategyState)            {}

type Deps struct {
	Store    *store.Store
	Alerts   alert.Alerter
	Observer Observer
	Logger   *zap.Logger
}

// Manager owns one strategy unit per tradable symbol. Subscription callbacks only append to
// the buffers below; the cycle drains them and is the only caller of unit execution.
type Manager struct {
	ex     exchange.FuturesExchange
	policy admission.Policy
	opts   Options
	store  *store.Store
	alerts alert.Alerter
	obs    Observer
	logger *zap.Logger

	life      sync.Mutex
	prepared  bool
	subs      []exchange.Subscription
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	mu       sync.Mutex
	units    map[string]*strategy.Unit
	tokens   []string
	candles  []core.Candle
	tickers  []core.Ticker
	buffered map[string]struct{}
	notify   chan struct{}

	lastExecution atomic.Int64
	cycles        atomic.Int64

	// cycle goroutine only
	lastTier      admission.Tier
	savedBarriers map[string]store.EntryBarrier
	lastStatusAt  time.Time
}

func NewManager(ex exchange.FuturesExchange, policy admission.Policy, opts Options, deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if opts.Settings == nil {
		opts.Settings = func(string) strategy.Settings { return strategy.Settings{} }
	}
	if opts.Delayer == nil {
		opts.Delayer = exchange.NoDelay{}
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Lookback < 1 {
		opts.Lookback = 1
	}
	if opts.CollectWindow <= 0 {
		opts.CollectWindow = defaultCollectWindow
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.CycleDelay <= 0 {
		opts.CycleDelay = defaultCycleDelay
	}
	if opts.StatusEvery <= 0 {
		opts.StatusEvery = defaultStatusEvery
	}
	return &Manager{
		ex:       ex,
		policy:   policy,
		opts:     opts,
		store:    deps.Store,
		alerts:   deps.Alerts,
		obs:      deps.Observer,
		logger:   deps.Logger,
		units:    make(map[string]*strategy.Unit),
		buffered: make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
	}
}

// StartStrategies sets up every tradable symbol and starts the scheduler loop. The loop
// outlives ctx and runs until StopStrategies.
func (m *Manager) StartStrategies(ctx context.Context) error {
	m.life.Lock()
	defer m.life.Unlock()
	if m.done != nil {
		return ErrAlreadyRunning
	}
	if !m.prepared {
		if err := m.setupLocked(ctx); err != nil {
			return err
		}
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	go func() {
		defer close(done)
		if err := m.Run(loopCtx); err != nil {
			m.logger.Error("manager_stopped", zap.Error(err))
			m.alert("manager_stopped", map[string]string{"error": err.Error()})
		}
	}()
	m.logger.Info("strategies_started", zap.Int("symbols", len(m.Symbols())))
	return nil
}

// Setup builds and subscribes the units without starting the loop; cycles are then driven
// through RunCycle.
func (m *Manager) Setup(ctx context.Context) error {
	m.life.Lock()
	defer m.life.Unlock()
	if m.prepared {
		return ErrAlreadyRunning
	}
	return m.setupLocked(ctx)
}

// StopStrategies cancels the loop, waits for in-flight executions and closes subscriptions.
func (m *Manager) StopStrategies(ctx context.Context) error {
	m.life.Lock()
	defer m.life.Unlock()
	if !m.prepared {
		return ErrNotRunning
	}
	if m.cancel != nil {
		m.cancel()
		select {
		case <-m.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, sub := range m.subs {
		if err := sub.Close(); err != nil {
			m.logger.Warn("subscription_close_failed", zap.Error(err))
		}
	}
	m.subs = nil
	m.cancel, m.done = nil, nil
	m.prepared = false
	m.writeStatus("stopped", nil)

	m.mu.Lock()
	m.units = make(map[string]*strategy.Unit)
	m.tokens, m.candles, m.tickers = nil, nil, nil
	m.buffered = make(map[string]struct{})
	m.mu.Unlock()
	m.logger.Info("strategies_stopped")
	return nil
}

func (m *Manager) setupLocked(ctx context.Context) error {
	infos, err := m.ex.SymbolInfos(ctx)
	if err != nil {
		return fmt.Errorf("symbol infos: %w", err)
	}
	var barriers map[string]store.EntryBarrier
	if m.store != nil {
		if barriers, err = m.store.LoadEntryBarriers(); err != nil {
			m.logger.Warn("entry_barriers_load_failed", zap.Error(err))
		}
	}

	units := make(map[string]*strategy.Unit)
	for _, info := range filterSymbols(infos, m.opts.Whitelist, m.opts.Blacklist) {
		u := m.newUnit(info)
		if err := u.SetupSymbol(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("symbol_setup_failed", zap.String("symbol", info.Name), zap.Error(err))
			m.alert("symbol_setup_failed", map[string]string{"symbol": info.Name, "error": err.Error()})
			continue
		}
		if err := m.initialize(ctx, u); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Initialized again by the next cycle.
			m.logger.Warn("symbol_initialize_failed", zap.String("symbol", info.Name), zap.Error(err))
			u.Invalidate()
		}
		if b, ok := barriers[info.Name]; ok {
			u.RestoreBarriers(strategy.Barriers{LongEntry: b.LongEntry, ShortEntry: b.ShortEntry})
		}
		units[info.Name] = u
	}
	if len(units) == 0 {
		return ErrNoSymbols
	}
	m.savedBarriers = barriers

	m.mu.Lock()
	m.units = units
	m.mu.Unlock()

	if err := m.subscribe(ctx, sortedSymbols(units)); err != nil {
		for _, sub := range m.subs {
			_ = sub.Close()
		}
		m.subs = nil
		return err
	}
	m.prepared = true
	m.startedAt = time.Now().UTC()
	m.lastStatusAt = time.Time{}
	m.writeStatus("running", nil)
	return nil
}

func (m *Manager) newUnit(info core.SymbolInfo) *strategy.Unit {
	settings := m.opts.Settings(info.Name)
	settings.PrimaryTimeframe = m.opts.Timeframe
	settings.Timeframes = m.opts.Timeframes
	settings.Lookback = m.opts.Lookback
	u := strategy.NewUnit(info, settings, m.ex, m.opts.Evaluator, m.logger)
	u.SetDelayer(m.opts.Delayer)
	u.SetRecorder(m.obs)
	u.SetClock(m.opts.Clock)
	return u
}

func (m *Manager) timeframes() []core.Timeframe {
	out := []core.Timeframe{m.opts.Timeframe}
	for _, tf := range m.opts.Timeframes {
		if tf != "" && tf != m.opts.Timeframe {
			out = append(out, tf)
		}
	}
	return out
}

// initialize refetches the lookback history of every timeframe and reseeds the unit.
func (m *Manager) initialize(ctx context.Context, u *strategy.Unit) error {
	candles := make(map[core.Timeframe][]core.Candle)
	for _, tf := range m.timeframes() {
		series, err := m.ex.Candles(ctx, u.Symbol, tf, m.opts.Lookback)
		if err != nil {
			return fmt.Errorf("candles %s: %w", tf, err)
		}
		candles[tf] = series
	}
	ticker, err := m.ex.Ticker(ctx, u.Symbol)
	if err != nil && !errors.Is(err, core.ErrNoMarketData) {
		return fmt.Errorf("ticker: %w", err)
	}
	u.Initialize(candles, ticker)
	return nil
}

func (m *Manager) subscribe(ctx context.Context, symbols []string) error {
	subCtx := context.WithoutCancel(ctx)
	sub, err := m.ex.SubscribeOrderUpdates(subCtx, m.onOrderUpdate)
	if err != nil {
		return fmt.Errorf("subscribe order updates: %w", err)
	}
	m.subs = append(m.subs, sub)
	for _, tf := range m.timeframes() {
		sub, err := m.ex.SubscribeKlines(subCtx, symbols, tf, m.onCandle)
		if err != nil {
			return fmt.Errorf("subscribe klines %s: %w", tf, err)
		}
		m.subs = append(m.subs, sub)
	}
	sub, err = m.ex.SubscribeTickers(subCtx, symbols, m.onTicker)
	if err != nil {
		return fmt.Errorf("subscribe tickers: %w", err)
	}
	m.subs = append(m.subs, sub)
	return nil
}

func (m *Manager) onCandle(c core.Candle) {
	if !c.Closed {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.units[c.Symbol]; !ok {
		return
	}
	m.candles = append(m.candles, c)
	if c.Timeframe == m.opts.Timeframe {
		m.buffered[c.Symbol] = struct{}{}
		m.enqueueLocked(c.Symbol)
	}
}

func (m *Manager) onTicker(t core.Ticker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.units[t.Symbol]; ok {
		m.tickers = append(m.tickers, t)
	}
}

func (m *Manager) onOrderUpdate(up core.OrderUpdate) {
	if up.LastFillQty.Sign() <= 0 {
		return
	}
	if m.store != nil {
		o := up.Order
		trade := core.Trade{
			OrderID:      o.ID,
			ClientID:     o.ClientID,
			Symbol:       o.Symbol,
			Side:         o.Side,
			PositionSide: o.PositionSide,
			ReduceOnly:   o.ReduceOnly,
			Price:        up.LastFillPrice,
			Qty:          up.LastFillQty,
			Status:       o.Status,
			Time:         up.Time,
		}
		if _, err := m.store.RecordFill(trade); err != nil {
			m.logger.Warn("fill_journal_failed", zap.String("symbol", o.Symbol), zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.units[up.Order.Symbol]; ok {
		m.enqueueLocked(up.Order.Symbol)
	}
}

func (m *Manager) enqueueLocked(symbol string) {
	m.tokens = append(m.tokens, symbol)
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued execution tokens.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

// Run is the timed scheduler loop. Cancellation of ctx is a normal stop.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if err := m.waitToken(ctx); err != nil {
			return nil
		}
		m.collect(ctx)
		if err := m.RunCycle(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("cycle_failed", zap.Error(err))
		}
		if !sleepCtx(ctx, m.opts.CycleDelay) {
			return nil
		}
	}
}

func (m *Manager) waitToken(ctx context.Context) error {
	for {
		if m.Pending() > 0 {
			return nil
		}
		select {
		case <-m.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// collect waits until every unit has a buffered primary candle or the collect window ends.
func (m *Manager) collect(ctx context.Context) {
	deadline := time.Now().Add(m.opts.CollectWindow)
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		ready := len(m.buffered) >= len(m.units)
		m.mu.Unlock()
		if ready || !time.Now().Before(deadline) {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// RunCycle executes one scheduler cycle synchronously.
func (m *Manager) RunCycle(ctx context.Context) (err error) {
	started := time.Now()
	defer func() {
		m.obs.CycleCompleted(time.Now().UTC(), time.Since(started), err)
	}()

	m.mu.Lock()
	tickers, candles, tokens := m.tickers, m.candles, m.tokens
	m.tickers, m.candles, m.tokens = nil, nil, nil
	m.buffered = make(map[string]struct{})
	units := make(map[string]*strategy.Unit, len(m.units))
	for sym, u := range m.units {
		units[sym] = u
	}
	m.mu.Unlock()
	symbols := sortedSymbols(units)

	for _, t := range tickers {
		if u := units[t.Symbol]; u != nil {
			u.ApplyTicker(t)
		}
	}
	for _, c := range candles {
		if u := units[c.Symbol]; u != nil && !u.ApplyCandle(c) {
			m.logger.Info("candle_gap_detected", zap.String("symbol", c.Symbol), zap.String("timeframe", string(c.Timeframe)), zap.Time("open_time", c.OpenTime))
		}
	}
	for _, sym := range symbols {
		u := units[sym]
		if u.ConsistentData() {
			continue
		}
		if err := m.initialize(ctx, u); err != nil {
			if ctx.Err() != nil {
				m.requeue(tokens)
				return ctx.Err()
			}
			m.logger.Warn("symbol_reinitialize_failed", zap.String("symbol", sym), zap.Error(err))
		}
	}

	state, err := m.syncState(ctx, units, symbols)
	if err != nil {
		m.requeue(tokens)
		return err
	}
	m.obs.ObserveState(state)

	scheduled := make(map[string]bool, len(tokens))
	for _, sym := range tokens {
		scheduled[sym] = true
	}
	now := m.opts.Clock()
	decision := m.policy.Decide(admission.Input{
		Now:        now,
		Candidates: candidates(units, symbols, scheduled),
		State:      state,
	})
	m.obs.ObserveDecision(decision)
	m.alertTier(decision)

	unstuck := make(map[string]strategy.UnstuckParams, len(decision.Unstuck))
	rescued := make([]string, 0, len(decision.Unstuck))
	for _, u := range decision.Unstuck {
		unstuck[u.Symbol] = u.Params
		rescued = append(rescued, u.Symbol)
	}
	m.runEach(ctx, "unstuck", rescued, units, func(ctx context.Context, u *strategy.Unit) error {
		return u.ExecuteUnstuck(ctx, unstuck[u.Symbol])
	})
	running := make([]string, 0, len(decision.Params))
	for sym := range decision.Params {
		running = append(running, sym)
	}
	sort.Strings(running)
	m.runEach(ctx, "execute", running, units, func(ctx context.Context, u *strategy.Unit) error {
		return u.Execute(ctx, decision.Params[u.Symbol])
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.lastExecution.Store(time.Now().UnixNano())
	cycles := m.cycles.Add(1)
	m.persistBarriers(units)
	if time.Since(m.lastStatusAt) >= m.opts.StatusEvery {
		m.writeStatus("running", nil)
	}
	m.logger.Debug("cycle_completed",
		zap.Int64("cycle", cycles),
		zap.Int("scheduled", len(scheduled)),
		zap.Int("executed", len(running)),
		zap.Int("unstuck", len(rescued)),
		zap.String("tier", string(decision.Tier)),
		zap.Duration("took", time.Since(started)),
	)
	return nil
}

func (m *Manager) requeue(tokens []string) {
	if len(tokens) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(tokens, m.tokens...)
}

// syncState re-reads balance, positions and open orders and pushes them to every unit.
func (m *Manager) syncState(ctx context.Context, units map[string]*strategy.Unit, symbols []string) (strategy.StrategyState, error) {
	bal, err := m.ex.Balance(ctx)
	if err != nil {
		return strategy.StrategyState{}, fmt.Errorf("balance: %w", err)
	}
	positions, err := m.ex.Positions(ctx)
	if err != nil {
		return strategy.StrategyState{}, fmt.Errorf("positions: %w", err)
	}
	orders, err := m.ex.OpenOrders(ctx, "")
	if err != nil {
		return strategy.StrategyState{}, fmt.Errorf("open orders: %w", err)
	}
	state := AggregateState(bal, positions, m.opts.Clock())
	books := groupBySymbol(positions, orders)
	for _, sym := range symbols {
		u := units[sym]
		b := books[sym]
		if b == nil {
			b = &symbolBook{}
		}
		_ = m.guard(sym, "evaluate", func() error {
			u.UpdateTradingState(b.long, b.short, b.orders)
			u.UpdateAccount(state)
			u.EvaluateSignals()
			return nil
		})
	}
	return state, nil
}

func candidates(units map[string]*strategy.Unit, symbols []string, scheduled map[string]bool) []admission.Candidate {
	out := make([]admission.Candidate, 0, len(symbols))
	for _, sym := range symbols {
		u := units[sym]
		liquidity, ok := u.Liquidity()
		sig := u.Signals()
		longPnL, shortPnL := u.PnL()
		out = append(out, admission.Candidate{
			Symbol:        sym,
			Scheduled:     scheduled[sym],
			InTradeLong:   u.InTradeLong(),
			InTradeShort:  u.InTradeShort(),
			HasBuySignal:  sig.Buy,
			HasSellSignal: sig.Sell,
			Liquidity:     liquidity,
			HasLiquidity:  ok,
			LongPnL:       longPnL,
			ShortPnL:      shortPnL,
		})
	}
	return out
}

// runEach runs fn for every symbol concurrently and waits for all of them. Failures and
// panics are logged per symbol and never abort the others.
func (m *Manager) runEach(ctx context.Context, stage string, symbols []string, units map[string]*strategy.Unit, fn func(context.Context, *strategy.Unit) error) {
	var g errgroup.Group
	for _, sym := range symbols {
		u := units[sym]
		if u == nil {
			continue
		}
		g.Go(func() error {
			_ = m.guard(sym, stage, func() error { return fn(ctx, u) })
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) guard(symbol, stage string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", stage, r)
			m.logger.Error("strategy_panic", zap.String("symbol", symbol), zap.String("stage", stage), zap.Any("panic", r))
		}
	}()
	err = fn()
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("strategy_"+stage+"_failed", zap.String("symbol", symbol), zap.Error(err))
	}
	return err
}

func (m *Manager) alertTier(d admission.Decision) {
	prev := m.lastTier
	m.lastTier = d.Tier
	if d.Tier == prev || len(d.Unstuck) == 0 {
		return
	}
	if d.Tier != admission.TierForce && d.Tier != admission.TierForceKill {
		return
	}
	symbols := make([]string, 0, len(d.Unstuck))
	for _, u := range d.Unstuck {
		symbols = append(symbols, u.Symbol)
	}
	m.logger.Warn("force_unstuck_triggered", zap.String("tier", string(d.Tier)), zap.Strings("symbols", symbols))
	m.alert("force_unstuck_triggered", map[string]string{
		"tier":    string(d.Tier),
		"symbols": strings.Join(symbols, ","),
	})
}

func (m *Manager) persistBarriers(units map[string]*strategy.Unit) {
	if m.store == nil {
		return
	}
	current := make(map[string]store.EntryBarrier, len(units))
	for sym, u := range units {
		b := u.Barriers()
		if b.LongEntry.IsZero() && b.ShortEntry.IsZero() {
			continue
		}
		current[sym] = store.EntryBarrier{LongEntry: b.LongEntry, ShortEntry: b.ShortEntry}
	}
	if sameBarriers(current, m.savedBarriers) {
		return
	}
	if err := m.store.SaveEntryBarriers(current); err != nil {
		m.logger.Warn("entry_barriers_save_failed", zap.Error(err))
		return
	}
	m.savedBarriers = current
}

func sameBarriers(a, b map[string]store.EntryBarrier) bool {
	if len(a) != len(b) {
		return false
	}
	for sym, x := range a {
		y, ok := b[sym]
		if !ok || !x.LongEntry.Equal(y.LongEntry) || !x.ShortEntry.Equal(y.ShortEntry) {
			return false
		}
	}
	return true
}

func (m *Manager) writeStatus(state string, lastErr error) {
	if m.store == nil {
		return
	}
	now := time.Now().UTC()
	status := store.RuntimeStatus{
		Mode:       m.opts.RunMode,
		InstanceID: m.opts.InstanceID,
		PID:        os.Getpid(),
		State:      state,
		Symbols:    len(m.Symbols()),
		StartedAt:  m.startedAt,
		UpdatedAt:  now,
		Cycles:     m.cycles.Load(),
	}
	if last := m.LastExecution(); !last.IsZero() {
		status.LastCycleAt = last
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	if err := m.store.SaveRuntimeStatus(status); err != nil {
		m.logger.Warn("runtime_status_save_failed", zap.Error(err))
		return
	}
	m.lastStatusAt = now
}

func (m *Manager) alert(event string, fields map[string]string) {
	if m.alerts != nil {
		m.alerts.Important(event, fields)
	}
}

// LastExecution is the wall time of the last completed cycle, zero before the first.
func (m *Manager) LastExecution() time.Time {
	ns := m.lastExecution.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func (m *Manager) Symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedSymbols(m.units)
}

// Strategies returns a read-only snapshot of every unit ordered by symbol.
func (m *Manager) Strategies() []strategy.Snapshot {
	m.mu.Lock()
	units := make([]*strategy.Unit, 0, len(m.units))
	for _, sym := range sortedSymbols(m.units) {
		units = append(units, m.units[sym])
	}
	m.mu.Unlock()
	out := make([]strategy.Snapshot, 0, len(units))
	for _, u := range units {
		out = append(out, u.Snapshot())
	}
	return out
}

func filterSymbols(infos []core.SymbolInfo, whitelist, blacklist []string) []core.SymbolInfo {
	allow := upperSet(whitelist)
	deny := upperSet(blacklist)
	out := make([]core.SymbolInfo, 0, len(infos))
	for _, info := range infos {
		name := strings.ToUpper(info.Name)
		if len(allow) > 0 && !allow[name] {
			continue
		}
		if deny[name] {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func upperSet(symbols []string) map[string]bool {
	out := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out[s] = true
		}
	}
	return out
}

func sortedSymbols(units map[string]*strategy.Unit) []string {
	out := make([]string, 0, len(units))
	for sym := range units {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
