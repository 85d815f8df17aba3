// Package ratelimit throttles repeated diagnostics with fixed-window counters
// keyed by category.
package ratelimit

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// Limit allows at most MaxEvents per Window for one category.
// Zero values mean no limit.
type Limit struct {
	MaxEvents int           `yaml:"max_events"`
	Window    time.Duration `yaml:"window"`
}

// Enabled returns true if the limit throttles anything.
func (l Limit) Enabled() bool {
	return l.MaxEvents > 0 && l.Window > 0
}

// Limiter counts events per category within the current window.
type Limiter struct {
	limit Limit
	clock clockz.Clock

	mu          sync.Mutex
	windowStart time.Time
	counts      map[string]int
	suppressed  map[string]int
	carry       map[string]int
}

// New creates a limiter. A nil clock uses the real clock.
func New(limit Limit, clock clockz.Clock) *Limiter {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Limiter{
		limit:      limit,
		clock:      clock,
		counts:     make(map[string]int),
		suppressed: make(map[string]int),
		carry:      make(map[string]int),
	}
}

// Allow records an event for category and reports whether it is within the
// limit. The first allowed event after a rejection streak also reports how
// many events of that category were rejected.
func (l *Limiter) Allow(category string) (ok bool, suppressed int) {
	if !l.limit.Enabled() {
		return true, 0
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.windowStart) >= l.limit.Window {
		l.windowStart = now
		l.counts = make(map[string]int)
		for k, n := range l.suppressed {
			l.carry[k] += n
		}
		l.suppressed = make(map[string]int)
	}
	if l.counts[category] >= l.limit.MaxEvents {
		l.suppressed[category]++
		return false, 0
	}
	l.counts[category]++
	suppressed = l.carry[category]
	delete(l.carry, category)
	return true, suppressed
}
