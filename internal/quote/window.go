// Package quote keeps bounded, ordered candle windows per symbol and timeframe.
package quote

import (
	"sync"
	"time"

	"perp-grid/internal/core"
)

// Window is a FIFO of candles capped at the strategy lookback. One goroutine writes, any number read.
type Window struct {
	mu       sync.RWMutex
	interval time.Duration
	capacity int
	items    []core.Candle
}

func NewWindow(interval time.Duration, capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{
		interval: interval,
		capacity: capacity,
		items:    make([]core.Candle, 0, capacity),
	}
}

// Enqueue appends c and reports whether the window is still consistent.
// A repeated open time is a no-op and an older candle is ignored; both keep the window consistent.
// A candle that does not follow the last one by exactly one interval is stored but returns false.
func (w *Window) Enqueue(c core.Candle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n := len(w.items); n > 0 {
		last := w.items[n-1].OpenTime
		switch {
		case c.OpenTime.Equal(last):
			return true
		case c.OpenTime.Before(last):
			return true
		}
		consistent := w.interval <= 0 || c.OpenTime.Sub(last) == w.interval
		w.push(c)
		return consistent
	}
	w.push(c)
	return true
}

func (w *Window) push(c core.Candle) {
	if len(w.items) >= w.capacity {
		copy(w.items, w.items[1:])
		w.items = w.items[:len(w.items)-1]
	}
	w.items = append(w.items, c)
}

func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = w.items[:0]
}

func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.items)
}

func (w *Window) Capacity() int {
	return w.capacity
}

// Last returns the newest candle.
func (w *Window) Last() (core.Candle, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.items) == 0 {
		return core.Candle{}, false
	}
	return w.items[len(w.items)-1], true
}

// Candles returns a copy, oldest first.
func (w *Window) Candles() []core.Candle {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]core.Candle, len(w.items))
	copy(out, w.items)
	return out
}
