package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-grid/internal/admission"
	"perp-grid/internal/strategy"
)

func TestMetricsRecordsCyclesAndOrders(t *testing.T) {
	m := New()
	at := time.Unix(1700000000, 0)
	m.CycleCompleted(at, 250*time.Millisecond, nil)
	m.CycleCompleted(at.Add(time.Minute), time.Second, errors.New("positions"))
	m.OrderPlaced("BTCUSDT", "entry")
	m.OrderPlaced("ETHUSDT", "entry")
	m.OrderFailed("BTCUSDT", "take_profit")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cycles))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycleErrors))
	assert.Equal(t, float64(at.Add(time.Minute).Unix()), testutil.ToFloat64(m.lastExecution))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.orders.WithLabelValues("entry", "placed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orders.WithLabelValues("take_profit", "failed")))
}

func TestMetricsObserveDecisionAndState(t *testing.T) {
	m := New()
	m.ObserveDecision(admission.Decision{
		Tier:          admission.TierForce,
		AdmittedLong:  2,
		ThrottledLong: true,
		Unstuck: []admission.UnstuckOrder{
			{Symbol: "AAAUSDT", Tier: admission.TierForce, Params: strategy.UnstuckParams{Long: true, Short: true}},
		},
	})
	m.ObserveState(strategy.StrategyState{
		WalletBalance: decimal.NewFromInt(1000),
		LongExposure:  decimal.RequireFromString("0.5"),
		UnrealizedPnL: decimal.RequireFromString("-0.25"),
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.admissions.WithLabelValues("long")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.admissions.WithLabelValues("short")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.throttled.WithLabelValues("long")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unstuck.WithLabelValues("short", "force")))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.exposure.WithLabelValues("long")))
	assert.Equal(t, -0.25, testutil.ToFloat64(m.pnl))
	assert.Equal(t, 1000.0, testutil.ToFloat64(m.wallet))
}

func TestMetricsHandlerServesPrivateRegistry(t *testing.T) {
	m := New()
	m.OrderPlaced("BTCUSDT", "unstuck")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(string(body), `perpgrid_orders_total{kind="unstuck",result="placed"} 1`))
	assert.False(t, strings.Contains(string(body), "go_goroutines"), "default collectors are not registered")
}
