// Package ratelimit implements per-workspace and per-key rate limiting using
// Redis sliding window counters with atomic Lua scripts.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])
		
		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
		
		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end
		
		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const (
	rateLimitKey = "ratelimit:ws:rpm"
)

// RPMLimiter checks a global requests-per-minute limit using a Redis sliding window.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
}

// NewRPMLimiter creates a new RPMLimiter with the given global RPM limit.
// rpmLimit must be > 0; values ≤ 0 will block every request.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit}
}

// Allow returns true if the current request is within the rate limit.
func (r *RPMLimiter) Allow(ctx context.Context) (bool, error) {
	return r.check(ctx, rateLimitKey, r.rpmLimit)
}

// CheckAndDecrement implements Limiter against the same Redis sliding-window
// script as Allow, but scoped to an arbitrary per-(router, user) key instead
// of the single global key — see Key. A cost > 1 runs the script once per
// unit, so it takes cost entries of the window's limit.
func (r *RPMLimiter) CheckAndDecrement(ctx context.Context, key string, cost int) (Decision, error) {
	if cost < 1 {
		cost = 1
	}
	allowed, err := r.checkNRaw(ctx, key, r.rpmLimit, cost)
	if err != nil {
		// Propagate so FailoverLimiter can fall back to the in-process
		// limiter instead of silently allowing every request.
		return Decision{}, err
	}
	if !allowed {
		return Decision{Allowed: false, RetryAfter: time.Minute}, nil
	}
	return Decision{Allowed: true}, nil
}

// check is Allow's single-request path; unlike CheckAndDecrement it fails
// open on a Redis error, preserving Allow's original graceful-degradation
// behavior for callers that don't wrap it in a FailoverLimiter.
func (r *RPMLimiter) check(ctx context.Context, key string, limit int) (bool, error) {
	allowed, err := r.checkNRaw(ctx, key, limit, 1)
	if err != nil {
		return true, nil
	}
	return allowed, nil
}

func (r *RPMLimiter) checkNRaw(ctx context.Context, key string, limit, cost int) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	// The script runs once per unit of cost, each run adding one entry, and
	// the loop stops at the first rejection; units admitted before that
	// rejection stay counted in the window.
	for i := 0; i < cost; i++ {
		result, err := slidingWindowScript.Run(ctx, r.rdb,
			[]string{key},
			now, window, limit,
		).Int()
		if err != nil {
			return false, err
		}
		if result != 1 {
			return false, nil
		}
	}

	return true, nil
}
