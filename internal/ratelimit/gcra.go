package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is one key's GCRA token bucket state: tokens refill continuously at
// rate/period and are capped at burst.
type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastSeen time.Time
}

// GCRALimiter is an in-process token-bucket rate limiter used as the
// fail-open fallback when Redis is unreachable, and standalone when no
// Redis backend is configured at all. One bucket per key, refilled lazily
// on access rather than by a background ticker — mirrors MemoryCache's
// lazy-expiry-on-Get pattern rather than adding another sweeper goroutine.
type GCRALimiter struct {
	rate  float64 // tokens per second
	burst float64 // bucket capacity

	mu      sync.Mutex
	buckets map[string]*bucket

	// idleEvict removes buckets untouched for this long, bounding memory
	// for keys that stop being used (e.g. an API key that's revoked).
	idleEvict   time.Duration
	lastSweep   time.Time
	sweepPeriod time.Duration
}

// NewGCRALimiter builds a limiter allowing rpm requests per minute per key,
// with a burst capacity equal to rpm (one full minute's budget available
// immediately).
func NewGCRALimiter(rpm int) *GCRALimiter {
	if rpm < 1 {
		rpm = 1
	}
	return &GCRALimiter{
		rate:        float64(rpm) / 60.0,
		burst:       float64(rpm),
		buckets:     make(map[string]*bucket),
		idleEvict:   10 * time.Minute,
		sweepPeriod: time.Minute,
		lastSweep:   time.Now(),
	}
}

// CheckAndDecrement implements Limiter.
func (g *GCRALimiter) CheckAndDecrement(ctx context.Context, key string, cost int) (Decision, error) {
	if cost < 1 {
		cost = 1
	}
	b := g.bucketFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.lastSeen.IsZero() {
		b.tokens = g.burst
	} else {
		elapsed := now.Sub(b.lastSeen).Seconds()
		b.tokens += elapsed * g.rate
		if b.tokens > g.burst {
			b.tokens = g.burst
		}
	}
	b.lastSeen = now

	c := float64(cost)
	if b.tokens < c {
		deficit := c - b.tokens
		wait := time.Duration(deficit/g.rate*float64(time.Second)) + time.Millisecond
		return Decision{Allowed: false, RetryAfter: wait}, nil
	}

	b.tokens -= c
	g.maybeSweep(now)
	return Decision{Allowed: true}, nil
}

func (g *GCRALimiter) bucketFor(key string) *bucket {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[key]
	if !ok {
		b = &bucket{}
		g.buckets[key] = b
	}
	return b
}

// maybeSweep evicts buckets idle past idleEvict. Called opportunistically
// from CheckAndDecrement rather than a dedicated ticker goroutine, bounded
// by sweepPeriod so it doesn't run on every call.
func (g *GCRALimiter) maybeSweep(now time.Time) {
	g.mu.Lock()
	if now.Sub(g.lastSweep) < g.sweepPeriod {
		g.mu.Unlock()
		return
	}
	g.lastSweep = now
	stale := make([]string, 0)
	for k, b := range g.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastSeen) > g.idleEvict
		b.mu.Unlock()
		if idle {
			stale = append(stale, k)
		}
	}
	for _, k := range stale {
		delete(g.buckets, k)
	}
	g.mu.Unlock()
}
