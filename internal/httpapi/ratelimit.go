package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter keeps one token bucket per client key. Buckets idle for
// longer than staleAfter are dropped so the map does not grow without
// bound.
type clientLimiter struct {
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	clients  map[string]*clientBucket
	lastScan time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const staleAfter = 10 * time.Minute

func newClientLimiter(rps float64, burst int) *clientLimiter {
	return &clientLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		clients:  make(map[string]*clientBucket),
		lastScan: time.Now(),
	}
}

// allow reports whether the client may proceed. rps <= 0 disables
// limiting entirely.
func (l *clientLimiter) allow(key string) bool {
	if l.rps <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastScan) > staleAfter {
		for k, b := range l.clients {
			if now.Sub(b.lastSeen) > staleAfter {
				delete(l.clients, k)
			}
		}
		l.lastScan = now
	}

	b, ok := l.clients[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}
