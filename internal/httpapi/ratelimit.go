package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterPool hands out one token bucket per key. Buckets idle for longer
// than ttl are discarded on the next lookup sweep.
type limiterPool struct {
	mu    sync.Mutex
	rps   float64
	burst int
	ttl   time.Duration
	m     map[string]*limiterEntry
	swept time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{rps: rps, burst: burst, ttl: 10 * time.Minute, m: map[string]*limiterEntry{}}
}

func (p *limiterPool) get(key string, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Sub(p.swept) > p.ttl {
		for k, e := range p.m {
			if now.Sub(e.lastSeen) > p.ttl {
				delete(p.m, k)
			}
		}
		p.swept = now
	}
	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.limiter
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = &limiterEntry{limiter: l, lastSeen: now}
	return l
}

func (p *limiterPool) allow(key string, now time.Time) bool {
	return p.get(key, now).AllowN(now, 1)
}

// retryAfter is how long until key may make another request.
func (p *limiterPool) retryAfter(key string, now time.Time) time.Duration {
	r := p.get(key, now).ReserveN(now, 1)
	defer r.CancelAt(now)
	return r.DelayFrom(now)
}
