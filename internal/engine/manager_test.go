package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"perp-grid/internal/core"
	"perp-grid/internal/store"
	"perp-grid/internal/strategy"
)

func TestFilterSymbols(t *testing.T) {
	infos := []core.SymbolInfo{testInfo("SOLUSDT"), testInfo("BTCUSDT"), testInfo("ETHUSDT"), testInfo("XRPUSDT")}

	got := filterSymbols(infos, nil, []string{" xrpusdt "})
	if len(got) != 3 || got[0].Name != "BTCUSDT" || got[1].Name != "ETHUSDT" || got[2].Name != "SOLUSDT" {
		t.Fatalf("blacklist filter = %v", names(got))
	}
	got = filterSymbols(infos, []string{"ethusdt", "SOLUSDT"}, []string{"SOLUSDT"})
	if len(got) != 1 || got[0].Name != "ETHUSDT" {
		t.Fatalf("whitelist filter = %v", names(got))
	}
}

func names(infos []core.SymbolInfo) []string {
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.Name)
	}
	return out
}

func TestManagerLifecycleErrors(t *testing.T) {
	sim := newSim("BTCUSDT")
	m := newTestManager(sim, sim.Now, nil, Deps{})

	if err := m.StopStrategies(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("StopStrategies() before setup error = %v, want ErrNotRunning", err)
	}
	if err := m.Setup(context.Background()); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := m.Setup(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Setup() error = %v, want ErrAlreadyRunning", err)
	}
	if err := m.StopStrategies(context.Background()); err != nil {
		t.Fatalf("StopStrategies() error = %v", err)
	}
	if got := m.Symbols(); len(got) != 0 {
		t.Fatalf("symbols after stop = %v", got)
	}
}

func TestManagerNoSymbols(t *testing.T) {
	sim := newSim("BTCUSDT")
	m := NewManager(sim, nil, Options{Timeframe: core.Timeframe1m, Whitelist: []string{"ETHUSDT"}}, Deps{})
	if err := m.Setup(context.Background()); !errors.Is(err, ErrNoSymbols) {
		t.Fatalf("Setup() error = %v, want ErrNoSymbols", err)
	}
}

func TestManagerSkipsSymbolsThatFailSetup(t *testing.T) {
	sim := newSim("BTCUSDT", "ETHUSDT")
	ex := &failingSetup{SimExchange: sim, symbol: "ETHUSDT"}
	alerts := &alertSpy{}
	m := newTestManager(ex, sim.Now, nil, Deps{Alerts: alerts})
	if err := m.Setup(context.Background()); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer m.StopStrategies(context.Background())

	if got := m.Symbols(); len(got) != 1 || got[0] != "BTCUSDT" {
		t.Fatalf("symbols = %v, want [BTCUSDT]", got)
	}
	if len(alerts.events) != 1 || alerts.events[0] != "symbol_setup_failed:ETHUSDT" {
		t.Fatalf("alerts = %v", alerts.events)
	}
}

func TestManagerCyclePlacesEntryAndTakeProfit(t *testing.T) {
	sim := newSim("BTCUSDT", "ETHUSDT")
	m := newTestManager(sim, sim.Now, nil, Deps{})
	ctx := context.Background()
	if err := m.Setup(ctx); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer m.StopStrategies(ctx)

	btc := dipAndRecover("BTCUSDT")
	for i := 0; i < 4; i++ {
		step(t, m, sim, btc[i], flatBar("ETHUSDT", i))
	}
	orders, _ := sim.OpenOrders(ctx, "BTCUSDT")
	if len(orders) != 1 {
		t.Fatalf("BTCUSDT open orders = %d, want 1", len(orders))
	}
	entry := orders[0]
	if entry.Side != core.Buy || entry.PositionSide != core.PositionSideLong || !entry.Price.Equal(d("97")) || !entry.Qty.Equal(d("2.061")) {
		t.Fatalf("entry = %+v", entry)
	}
	if orders, _ := sim.OpenOrders(ctx, "ETHUSDT"); len(orders) != 0 {
		t.Fatalf("ETHUSDT open orders = %d, want 0", len(orders))
	}
	snaps := m.Strategies()
	if len(snaps) != 2 || snaps[0].Symbol != "BTCUSDT" || !snaps[0].Long.LastEntryCandle.Equal(btc[3].OpenTime) {
		t.Fatalf("snapshots = %+v", snaps)
	}

	step(t, m, sim, btc[4], flatBar("ETHUSDT", 4))
	orders, _ = sim.OpenOrders(ctx, "BTCUSDT")
	if len(orders) != 1 {
		t.Fatalf("BTCUSDT open orders after fill = %d, want 1", len(orders))
	}
	tp := orders[0]
	if tp.Side != core.Sell || !tp.ReduceOnly || !tp.Price.Equal(d("97.6")) || !tp.Qty.Equal(d("2.061")) {
		t.Fatalf("take profit = %+v", tp)
	}
	if m.LastExecution().IsZero() {
		t.Fatal("last execution not recorded")
	}
}

func TestManagerReinitializesAfterCandleGap(t *testing.T) {
	sim := newSim("BTCUSDT")
	ex := &contiguousHistory{SimExchange: sim}
	m := newTestManager(ex, sim.Now, nil, Deps{})
	ctx := context.Background()
	if err := m.Setup(ctx); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer m.StopStrategies(ctx)
	if got := ex.fetches.Load(); got != 1 {
		t.Fatalf("history fetches after setup = %d, want 1", got)
	}

	step(t, m, sim, flatBar("BTCUSDT", 0))
	ex.history = []core.Candle{flatBar("BTCUSDT", 0), flatBar("BTCUSDT", 1), flatBar("BTCUSDT", 2)}
	step(t, m, sim, flatBar("BTCUSDT", 2))

	if got := ex.fetches.Load(); got != 2 {
		t.Fatalf("history fetches after gap = %d, want 2", got)
	}
	snap := m.Strategies()[0]
	if !snap.Consistent {
		t.Fatal("unit still inconsistent after reinitialization")
	}
}

func TestManagerIsolatesPanickingUnit(t *testing.T) {
	sim := newSim("BTCUSDT", "ETHUSDT")
	var armed atomic.Bool
	evaluator := armedPanic{
		BandEvaluator: strategy.BandEvaluator{Period: 3, Band: d("0.01")},
		symbol:        "ETHUSDT",
		armed:         &armed,
	}
	m := newTestManager(sim, sim.Now, evaluator, Deps{})
	ctx := context.Background()
	if err := m.Setup(ctx); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer m.StopStrategies(ctx)
	armed.Store(true)

	btc := dipAndRecover("BTCUSDT")
	for i := 0; i < 4; i++ {
		step(t, m, sim, btc[i], flatBar("ETHUSDT", i))
	}
	if orders, _ := sim.OpenOrders(ctx, "BTCUSDT"); len(orders) != 1 {
		t.Fatalf("BTCUSDT open orders = %d, want 1", len(orders))
	}
}

func TestManagerPersistsBarriersAndFills(t *testing.T) {
	st, err := store.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	sim := newSim("BTCUSDT")
	m := newTestManager(sim, sim.Now, nil, Deps{Store: st})
	ctx := context.Background()
	if err := m.Setup(ctx); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	btc := dipAndRecover("BTCUSDT")
	for i := 0; i < 5; i++ {
		step(t, m, sim, btc[i])
	}

	barriers, err := st.LoadEntryBarriers()
	if err != nil {
		t.Fatalf("LoadEntryBarriers() error = %v", err)
	}
	if b, ok := barriers["BTCUSDT"]; !ok || !b.LongEntry.Equal(btc[3].OpenTime) {
		t.Fatalf("barriers = %+v", barriers)
	}
	trades, err := st.Trades(t0)
	if err != nil {
		t.Fatalf("Trades() error = %v", err)
	}
	if len(trades) != 1 || trades[0].Side != core.Buy || !trades[0].Price.Equal(d("97")) {
		t.Fatalf("journaled trades = %+v", trades)
	}

	if err := m.StopStrategies(ctx); err != nil {
		t.Fatalf("StopStrategies() error = %v", err)
	}
	status, ok, err := st.LoadRuntimeStatus()
	if err != nil || !ok {
		t.Fatalf("LoadRuntimeStatus() = %v, %v", ok, err)
	}
	if status.State != "stopped" || status.Cycles != 5 || status.InstanceID != "test-1" {
		t.Fatalf("status = %+v", status)
	}

	// A restarted manager keeps the entry barrier of the previous run.
	m2 := newTestManager(sim, sim.Now, nil, Deps{Store: st})
	if err := m2.Setup(ctx); err != nil {
		t.Fatalf("Setup() after restart error = %v", err)
	}
	defer m2.StopStrategies(ctx)
	if snap := m2.Strategies()[0]; !snap.Long.LastEntryCandle.Equal(btc[3].OpenTime) {
		t.Fatalf("restored barrier = %s, want %s", snap.Long.LastEntryCandle, btc[3].OpenTime)
	}
}

func TestManagerLoopRunsUntilStopped(t *testing.T) {
	sim := newSim("BTCUSDT")
	m := newTestManager(sim, sim.Now, nil, Deps{})
	ctx := context.Background()
	if err := m.StartStrategies(ctx); err != nil {
		t.Fatalf("StartStrategies() error = %v", err)
	}
	if err := m.StartStrategies(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second StartStrategies() error = %v, want ErrAlreadyRunning", err)
	}

	for _, c := range dipAndRecover("BTCUSDT")[:4] {
		sim.Advance([]core.Candle{c})
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		orders, _ := sim.OpenOrders(ctx, "BTCUSDT")
		if len(orders) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("entry not placed by the loop, open orders = %d", len(orders))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if m.LastExecution().IsZero() {
		t.Fatal("last execution not recorded")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := m.StopStrategies(stopCtx); err != nil {
		t.Fatalf("StopStrategies() error = %v", err)
	}
	if err := m.StopStrategies(stopCtx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second StopStrategies() error = %v, want ErrNotRunning", err)
	}
}
