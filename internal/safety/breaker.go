// Package safety stops order traffic after repeated exchange failures.
package safety

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"perp-grid/internal/alert"
	"perp-grid/internal/core"
	"perp-grid/internal/exchange"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	actionPlace  = "place order"
	actionCancel = "cancel order"

	defaultCooldown = 30 * time.Second
)

type circuit struct {
	name        string
	maxFailures int
	failures    int
	state       circuitState
	openedAt    time.Time
	openErr     error
	probing     bool
}

type BreakerConfig struct {
	MaxPlaceFailures  int
	MaxCancelFailures int
	Cooldown          time.Duration
}

// Breaker keeps one circuit for placements and one for cancellations. After MaxFailures
// consecutive errors a circuit opens and refuses calls until Cooldown has passed; then a
// single probe is let through and its outcome closes or reopens the circuit.
type Breaker struct {
	mu       sync.Mutex
	place    circuit
	cancel   circuit
	cooldown time.Duration
	now      func() time.Time

	logger  *zap.Logger
	alerter alert.Alerter
}

func NewBreaker(cfg BreakerConfig, logger *zap.Logger, alerter alert.Alerter) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	return &Breaker{
		place:    circuit{name: actionPlace, maxFailures: cfg.MaxPlaceFailures, state: circuitClosed},
		cancel:   circuit{name: actionCancel, maxFailures: cfg.MaxCancelFailures, state: circuitClosed},
		cooldown: cfg.Cooldown,
		now:      time.Now,
		logger:   logger,
		alerter:  alerter,
	}
}

// SetClock replaces the wall clock, for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *Breaker) AllowPlace() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.place)
}

func (b *Breaker) AllowCancel() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.cancel)
}

func (b *Breaker) RecordPlace(err error) {
	if b == nil {
		return
	}
	b.record(&b.place, err)
}

func (b *Breaker) RecordCancel(err error) {
	if b == nil {
		return
	}
	b.record(&b.cancel, err)
}

// Open reports whether any circuit currently refuses calls.
func (b *Breaker) Open() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.place.state == circuitOpen || b.cancel.state == circuitOpen
}

func (b *Breaker) allow(c *circuit) error {
	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}
	switch c.state {
	case circuitOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			err := c.openErr
			b.mu.Unlock()
			return err
		}
		c.state = circuitHalfOpen
		c.probing = true
		b.mu.Unlock()
		b.logger.Info("circuit_breaker_half_open", zap.String("action", c.name), zap.Duration("cooldown", b.cooldown))
		return nil
	case circuitHalfOpen:
		if c.probing {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s probe in flight", ErrCircuitOpen, c.name)
		}
		c.probing = true
	}
	b.mu.Unlock()
	return nil
}

func (b *Breaker) record(c *circuit, err error) {
	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return
	}
	if err == nil {
		prevState, prevFailures := c.state, c.failures
		recovered := prevState == circuitHalfOpen || prevFailures > 0
		c.state = circuitClosed
		c.failures = 0
		c.openErr = nil
		c.probing = false
		b.mu.Unlock()
		if recovered {
			b.logger.Info("circuit_breaker_recovered",
				zap.String("action", c.name),
				zap.Int("previous_consecutive_failures", prevFailures),
				zap.String("from_state", string(prevState)),
			)
			b.alert("circuit_breaker_recovered", map[string]string{
				"action":     c.name,
				"from_state": string(prevState),
			})
		}
		return
	}

	c.failures++
	failures := c.failures
	if c.state != circuitHalfOpen && failures < c.maxFailures {
		b.mu.Unlock()
		if failures == c.maxFailures-1 {
			b.logger.Warn("circuit_breaker_near_trip",
				zap.String("action", c.name),
				zap.Int("consecutive_failures", failures),
				zap.Int("threshold", c.maxFailures),
				zap.Error(err),
			)
		}
		return
	}
	phase := "closed"
	if c.state == circuitHalfOpen {
		phase = "half_open"
	}
	c.state = circuitOpen
	c.openedAt = b.now()
	c.probing = false
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, last error: %v", ErrCircuitOpen, c.name, failures, err)
	b.mu.Unlock()

	b.logger.Error("circuit_breaker_trip",
		zap.String("action", c.name),
		zap.String("phase", phase),
		zap.Int("consecutive_failures", failures),
		zap.Error(err),
	)
	b.alert("circuit_breaker_trip", map[string]string{
		"action":               c.name,
		"phase":                phase,
		"consecutive_failures": strconv.Itoa(failures),
		"last_error":           err.Error(),
	})
}

func (b *Breaker) alert(event string, fields map[string]string) {
	if b.alerter != nil {
		b.alerter.Important(event, fields)
	}
}

// GuardedExchange routes order placement and cancellation through a Breaker. A missing
// order on cancel is not a failure.
type GuardedExchange struct {
	exchange.FuturesExchange
	breaker *Breaker
}

func NewGuardedExchange(inner exchange.FuturesExchange, breaker *Breaker) *GuardedExchange {
	return &GuardedExchange{FuturesExchange: inner, breaker: breaker}
}

func (g *GuardedExchange) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if err := g.breaker.AllowPlace(); err != nil {
		return core.Order{}, err
	}
	placed, err := g.FuturesExchange.PlaceOrder(ctx, order)
	g.breaker.RecordPlace(ignoreCanceled(err))
	return placed, err
}

func (g *GuardedExchange) PlaceTakeProfit(ctx context.Context, order core.Order, force bool) (core.Order, error) {
	if err := g.breaker.AllowPlace(); err != nil {
		return core.Order{}, err
	}
	placed, err := g.FuturesExchange.PlaceTakeProfit(ctx, order, force)
	g.breaker.RecordPlace(ignoreCanceled(err))
	return placed, err
}

func (g *GuardedExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := g.breaker.AllowCancel(); err != nil {
		return err
	}
	err := g.FuturesExchange.CancelOrder(ctx, symbol, orderID)
	if errors.Is(err, core.ErrOrderNotFound) {
		g.breaker.RecordCancel(nil)
	} else {
		g.breaker.RecordCancel(ignoreCanceled(err))
	}
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
