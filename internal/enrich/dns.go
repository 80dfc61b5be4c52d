package enrich

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DNSEnricher performs reverse DNS (PTR) lookups with an in-memory cache and a query rate cap.
type DNSEnricher struct {
	cache    map[string]cacheEntry
	cacheTTL time.Duration
	timeout  time.Duration
	limiter  *rate.Limiter
	lookupFn func(ctx context.Context, addr string) ([]string, error)
	nowFn    func() time.Time
	mu       sync.Mutex
}

type cacheEntry struct {
	name string
	exp  time.Time
}

// NewDNSEnricher creates a PTR enricher allowing maxQPS uncached lookups per second.
func NewDNSEnricher(cacheTTL time.Duration, maxQPS int) *DNSEnricher {
	if maxQPS <= 0 {
		maxQPS = 10
	}
	return &DNSEnricher{
		cache:    make(map[string]cacheEntry),
		cacheTTL: cacheTTL,
		timeout:  2 * time.Second,
		limiter:  rate.NewLimiter(rate.Limit(maxQPS), maxQPS),
		lookupFn: net.DefaultResolver.LookupAddr,
		nowFn:    time.Now,
	}
}

// LookupPTR returns the PTR name for ip, from cache or lookup. Empty string if none or over the rate cap.
func (d *DNSEnricher) LookupPTR(ip net.IP) string {
	key := ip.String()
	now := d.nowFn()
	d.mu.Lock()
	if e, ok := d.cache[key]; ok && now.Before(e.exp) {
		d.mu.Unlock()
		return e.name
	}
	d.mu.Unlock()
	if !d.limiter.AllowN(now, 1) {
		return ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	var name string
	if ptr, err := d.lookupFn(ctx, key); err == nil && len(ptr) > 0 {
		name = strings.TrimSuffix(ptr[0], ".")
	}
	d.mu.Lock()
	d.cache[key] = cacheEntry{name: name, exp: now.Add(d.cacheTTL)}
	d.mu.Unlock()
	return name
}
