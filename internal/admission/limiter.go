package admission

import (
	"sync"
	"time"
)

// WindowLimiter allows at most Limit admissions per fixed window. The window starts at the
// first admission and restarts once it has fully elapsed.
type WindowLimiter struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	start time.Time
	used  int
}

// NewWindowLimiter returns a limiter; a non-positive limit or window disables limiting.
func NewWindowLimiter(limit int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{limit: limit, window: window}
}

// Allow consumes one slot at now and reports whether it was available.
func (l *WindowLimiter) Allow(now time.Time) bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.start.IsZero() || !now.Before(l.start.Add(l.window)) {
		l.start = now
		l.used = 0
	}
	if l.used >= l.limit {
		return false
	}
	l.used++
	return true
}

// Remaining is the number of admissions left in the window active at now.
func (l *WindowLimiter) Remaining(now time.Time) int {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.start.IsZero() || !now.Before(l.start.Add(l.window)) {
		return l.limit
	}
	return l.limit - l.used
}
