package p2p

import (
	"sync"

	"golang.org/x/time/rate"
)

// rateLimiters hands out a per-address token bucket, lazily created and
// reused across connection attempts so a repeatedly-dialing remote address
// can't bypass its own backoff. Capacity and refill are simple caps, not a
// reputation system.
type rateLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newRateLimiters(rps float64, burst int) *rateLimiters {
	return &rateLimiters{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *rateLimiters) forAddress(addr string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[addr]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[addr] = lim
	}
	return lim
}

// Allow reports whether a new connection attempt from addr may proceed,
// consuming a token if so.
func (l *rateLimiters) Allow(addr string) bool {
	return l.forAddress(addr).Allow()
}

// Forget drops the bucket for addr, e.g. once it disconnects cleanly.
func (l *rateLimiters) Forget(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, addr)
}
