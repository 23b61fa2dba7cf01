package exchange

import (
	"context"
	"math/rand/v2"
	"time"
)

// Delayer runs before each live order placement to spread bursts across the rate limit window.
type Delayer interface {
	Delay(ctx context.Context) error
}

// NoDelay is used for backtests and tests.
type NoDelay struct{}

func (NoDelay) Delay(ctx context.Context) error {
	return ctx.Err()
}

// RandomDelay sleeps a uniform random duration in [0, Max).
type RandomDelay struct {
	Max time.Duration
}

func (r RandomDelay) Delay(ctx context.Context) error {
	if r.Max <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(rand.N(r.Max))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
