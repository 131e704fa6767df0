package web

import (
	"sync"
	"time"

	"github.com/finml-sage/agent-swarm-protocol/internal/clock"
)

// limiterSweepAbove is the key count that triggers a full prune. Keys are
// otherwise pruned only when they are hit again.
const limiterSweepAbove = 4096

// rateLimiter counts hits per key over a sliding window.
type rateLimiter struct {
	limit  int
	window time.Duration
	clk    clock.Clock

	mu   sync.Mutex
	hits map[string][]time.Time
}

func newRateLimiter(limit int, window time.Duration, clk clock.Clock) *rateLimiter {
	if limit < 1 {
		limit = 1
	}
	return &rateLimiter{
		limit:  limit,
		window: window,
		clk:    clk,
		hits:   map[string][]time.Time{},
	}
}

// Allow records a hit for key unless its window is already full. It
// reports the remaining budget and when the oldest counted hit leaves the
// window.
func (l *rateLimiter) Allow(key string) (ok bool, remaining int, reset time.Time) {
	now := l.clk.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.hits) > limiterSweepAbove {
		l.sweep(cutoff)
	}

	kept := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.limit {
		l.hits[key] = kept
		return false, 0, kept[0].Add(l.window)
	}

	kept = append(kept, now)
	l.hits[key] = kept
	return true, l.limit - len(kept), kept[0].Add(l.window)
}

// sweep drops keys with no hits inside the window. Callers hold mu.
func (l *rateLimiter) sweep(cutoff time.Time) {
	for k, hs := range l.hits {
		live := false
		for _, t := range hs {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.hits, k)
		}
	}
}
