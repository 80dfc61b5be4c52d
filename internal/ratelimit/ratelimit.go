// Package ratelimit enforces per-principal request rates on the ingest path.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerKeyLimiter keeps one token bucket per key (connector id).
// Buckets idle for longer than idleTTL are dropped on the next sweep.
type PerKeyLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	buckets  map[string]*bucket
	idleTTL  time.Duration
	lastScan time.Time
	nowFn    func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewPerKeyLimiter allows rps requests per second per key with the given burst.
// rps == 0 defaults to 50; rps < 0 disables limiting.
func NewPerKeyLimiter(rps, burst int) *PerKeyLimiter {
	if rps == 0 {
		rps = 50
	}
	l := &PerKeyLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*bucket),
		idleTTL: 10 * time.Minute,
		nowFn:   time.Now,
	}
	if rps < 0 {
		l.limit = rate.Inf
	}
	if l.burst <= 0 {
		l.burst = int(math.Max(1, float64(rps)))
	}
	return l
}

// Allow reports whether key may proceed now.
func (p *PerKeyLimiter) Allow(key string) bool {
	if p.limit == rate.Inf {
		return true
	}
	now := p.nowFn()
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(p.limit, p.burst)}
		p.buckets[key] = b
	}
	b.seen = now
	p.sweepLocked(now)
	return b.lim.AllowN(now, 1)
}

// RetryAfterSeconds is the suggested Retry-After when key is limited.
func (p *PerKeyLimiter) RetryAfterSeconds(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[key]
	if !ok || p.limit == rate.Inf {
		return 1
	}
	tokens := b.lim.TokensAt(p.nowFn())
	if tokens >= 1 {
		return 1
	}
	secs := int(math.Ceil((1 - tokens) / float64(p.limit)))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (p *PerKeyLimiter) sweepLocked(now time.Time) {
	if now.Sub(p.lastScan) < p.idleTTL {
		return
	}
	p.lastScan = now
	for k, b := range p.buckets {
		if now.Sub(b.seen) > p.idleTTL {
			delete(p.buckets, k)
		}
	}
}
