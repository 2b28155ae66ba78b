package ratelimit

import (
	"sync"

	ratelib "golang.org/x/time/rate"

	"github.com/fabian4/pathmux/internal/model"
)

// Limiter holds one token bucket per service.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*ratelib.Limiter
}

func NewLimiter() *Limiter {
	return &Limiter{limiters: make(map[string]*ratelib.Limiter)}
}

// Allow takes one token from service's bucket. A nil or non-positive rl
// never limits.
func (l *Limiter) Allow(service string, rl *model.RateLimit) bool {
	if rl == nil || rl.RequestsPerSecond <= 0 {
		return true
	}
	burst := rl.Burst
	if burst <= 0 {
		burst = 1
	}

	l.mu.RLock()
	lim, ok := l.limiters[service]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		lim, ok = l.limiters[service]
		if !ok {
			lim = ratelib.NewLimiter(ratelib.Limit(rl.RequestsPerSecond), burst)
			l.limiters[service] = lim
		}
		l.mu.Unlock()
	}
	return lim.Allow()
}

// Len is the number of services with a bucket.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
