// Package metrics exposes engine activity as Prometheus collectors on a private registry.
//
//	perpgrid_cycles_total                       completed scheduler cycles
//	perpgrid_cycle_errors_total                 cycles that ended with an error
//	perpgrid_cycle_duration_seconds             cycle wall time
//	perpgrid_orders_total{kind,result}          order placements by kind (placed|failed)
//	perpgrid_admissions_total{side}             new-position admissions
//	perpgrid_admission_throttled_total{side}    cycles in which the window limiter refused
//	perpgrid_unstuck_total{side,tier}           unstuck orders requested
//	perpgrid_exposure_ratio{side}               wallet exposure fraction
//	perpgrid_unrealized_pnl_ratio               aggregate unrealized pnl fraction
//	perpgrid_wallet_balance                     wallet balance in quote currency
//	perpgrid_last_execution_timestamp_seconds   unix time of the last completed cycle
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perp-grid/internal/admission"
	"perp-grid/internal/strategy"
)

const namespace = "perpgrid"

type Metrics struct {
	registry *prometheus.Registry

	cycles        prometheus.Counter
	cycleErrors   prometheus.Counter
	cycleDuration prometheus.Histogram
	orders        *prometheus.CounterVec
	admissions    *prometheus.CounterVec
	throttled     *prometheus.CounterVec
	unstuck       *prometheus.CounterVec
	exposure      *prometheus.GaugeVec
	pnl           prometheus.Gauge
	wallet        prometheus.Gauge
	lastExecution prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycles_total",
			Help: "Completed scheduler cycles.",
		}),
		cycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycle_errors_total",
			Help: "Scheduler cycles that ended with an error.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cycle_duration_seconds",
			Help:    "Wall time of one scheduler cycle.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_total",
			Help: "Order placements by kind and result.",
		}, []string{"kind", "result"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "admissions_total",
			Help: "Symbols admitted to open a new position.",
		}, []string{"side"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "admission_throttled_total",
			Help: "Cycles in which the admission window limiter refused a candidate.",
		}, []string{"side"}),
		unstuck: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "unstuck_total",
			Help: "Unstuck requests by side and tier.",
		}, []string{"side", "tier"}),
		exposure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "exposure_ratio",
			Help: "Position notional as a fraction of wallet balance.",
		}, []string{"side"}),
		pnl: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "unrealized_pnl_ratio",
			Help: "Aggregate unrealized pnl as a fraction of wallet balance.",
		}),
		wallet: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "wallet_balance",
			Help: "Wallet balance in quote currency.",
		}),
		lastExecution: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_execution_timestamp_seconds",
			Help: "Unix time of the last completed cycle.",
		}),
	}
	m.registry.MustRegister(
		m.cycles, m.cycleErrors, m.cycleDuration, m.orders, m.admissions, m.throttled,
		m.unstuck, m.exposure, m.pnl, m.wallet, m.lastExecution,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) OrderPlaced(_, kind string) {
	m.orders.WithLabelValues(kind, "placed").Inc()
}

func (m *Metrics) OrderFailed(_, kind string) {
	m.orders.WithLabelValues(kind, "failed").Inc()
}

// CycleCompleted records a finished cycle; a non-nil err counts it as failed as well.
func (m *Metrics) CycleCompleted(at time.Time, took time.Duration, err error) {
	m.cycles.Inc()
	m.cycleDuration.Observe(took.Seconds())
	if err != nil {
		m.cycleErrors.Inc()
	}
	m.lastExecution.Set(float64(at.Unix()))
}

func (m *Metrics) ObserveDecision(d admission.Decision) {
	m.admissions.WithLabelValues("long").Add(float64(d.AdmittedLong))
	m.admissions.WithLabelValues("short").Add(float64(d.AdmittedShort))
	if d.ThrottledLong {
		m.throttled.WithLabelValues("long").Inc()
	}
	if d.ThrottledShort {
		m.throttled.WithLabelValues("short").Inc()
	}
	for _, u := range d.Unstuck {
		if u.Params.Long {
			m.unstuck.WithLabelValues("long", string(u.Tier)).Inc()
		}
		if u.Params.Short {
			m.unstuck.WithLabelValues("short", string(u.Tier)).Inc()
		}
	}
}

func (m *Metrics) ObserveState(s strategy.StrategyState) {
	m.exposure.WithLabelValues("long").Set(s.LongExposure.InexactFloat64())
	m.exposure.WithLabelValues("short").Set(s.ShortExposure.InexactFloat64())
	m.pnl.Set(s.UnrealizedPnL.InexactFloat64())
	m.wallet.Set(s.WalletBalance.InexactFloat64())
}

var _ strategy.Recorder = (*Metrics)(nil)
