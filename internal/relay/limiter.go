package relay

import (
	"sync"
	"time"
)

// RateLimiter caps signaling messages per peer over a sliding window,
// so one misbehaving client cannot flood the relay.
type RateLimiter struct {
	mu       sync.Mutex
	seen     map[string][]time.Time
	limit    int
	interval time.Duration
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		seen:     make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

// Allow records one message attempt for the peer and reports whether it
// still fits in the window. Expired attempts are pruned in place.
func (rl *RateLimiter) Allow(peer string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.interval)
	attempts := rl.seen[peer]
	kept := attempts[:0]
	for _, at := range attempts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	if len(kept) >= rl.limit {
		rl.seen[peer] = kept
		return false
	}
	rl.seen[peer] = append(kept, time.Now())
	return true
}

// Forget drops the peer's window when its connection goes away, so the
// map does not accumulate departed peers.
func (rl *RateLimiter) Forget(peer string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.seen, peer)
}
