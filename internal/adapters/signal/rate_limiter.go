package signal

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dkeye/Whiteboard/internal/core"
)

// RateLimiter is a sliding window limit on inbound messages per connection.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[core.ConnID][]time.Time
	limit    int
	interval time.Duration
	clock    clockwork.Clock
}

func NewRateLimiter(limit int, interval time.Duration, clock clockwork.Clock) *RateLimiter {
	return &RateLimiter{
		history:  make(map[core.ConnID][]time.Time),
		limit:    limit,
		interval: interval,
		clock:    clock,
	}
}

func (rl *RateLimiter) Allow(id core.ConnID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}
	rl.history[id] = append(fresh, now)
	return true
}

func (rl *RateLimiter) Forget(id core.ConnID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, id)
}
