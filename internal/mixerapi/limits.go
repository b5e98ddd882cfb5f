package mixerapi

import (
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"
)

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().String()
	}
	if addr, err := netip.ParseAddr(strings.Trim(remote, "[]")); err == nil {
		return addr.String()
	}
	return remote
}

type bucket struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

// ipRateLimiter is a token bucket per client IP with a bounded table; the
// least recently seen IP is evicted when full.
type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	buckets         map[string]bucket
}

func newIPRateLimiter(refillPerSecond, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		buckets:         make(map[string]bucket),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok {
		if len(l.buckets) >= l.maxTrackedIPs {
			evictOldest(l.buckets, func(b bucket) time.Time { return b.lastSeen })
		}
		b = bucket{tokens: l.burst, lastAt: now}
	}
	if elapsed := now.Sub(b.lastAt).Seconds(); elapsed > 0 {
		b.tokens = min(l.burst, b.tokens+elapsed*l.refillPerSecond)
	}
	b.lastAt = now
	b.lastSeen = now

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	l.buckets[ip] = b
	return allowed
}

type cachedBody struct {
	body      []byte
	expiresAt time.Time
	lastSeen  time.Time
}

// responseCache holds encoded responses for deterministic lookups.
type responseCache struct {
	mu sync.Mutex

	ttl        time.Duration
	maxEntries int
	entries    map[string]cachedBody
}

func newResponseCache(ttl time.Duration, maxEntries int) *responseCache {
	return &responseCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]cachedBody),
	}
}

func (c *responseCache) Get(key string, now time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	e.lastSeen = now
	c.entries[key] = e
	return append([]byte(nil), e.body...), true
}

func (c *responseCache) Set(key string, body []byte, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if !now.Before(v.expiresAt) {
			delete(c.entries, k)
		}
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		evictOldest(c.entries, func(e cachedBody) time.Time { return e.lastSeen })
	}
	c.entries[key] = cachedBody{
		body:      append([]byte(nil), body...),
		expiresAt: now.Add(c.ttl),
		lastSeen:  now,
	}
}

func evictOldest[V any](m map[string]V, seen func(V) time.Time) {
	var (
		oldestKey string
		oldestAt  time.Time
		first     = true
	)
	for k, v := range m {
		if at := seen(v); first || at.Before(oldestAt) {
			oldestKey, oldestAt, first = k, at, false
		}
	}
	if !first {
		delete(m, oldestKey)
	}
}
