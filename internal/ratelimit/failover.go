package ratelimit

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// FailoverLimiter prefers a Redis-backed Limiter and falls back to an
// in-process GCRALimiter when Redis returns an error, rather than failing
// open outright — a revoked API key should still be capped by something
// even during a Redis outage.
type FailoverLimiter struct {
	primary  Limiter
	fallback *GCRALimiter
	log      *slog.Logger
}

// NewFailoverLimiter wires an RPMLimiter in front of a GCRALimiter sized to
// the same requests-per-minute budget.
func NewFailoverLimiter(rdb *redis.Client, rpmLimit int, log *slog.Logger) *FailoverLimiter {
	return &FailoverLimiter{
		primary:  NewRPMLimiter(rdb, rpmLimit),
		fallback: NewGCRALimiter(rpmLimit),
		log:      log,
	}
}

// CheckAndDecrement implements Limiter.
func (f *FailoverLimiter) CheckAndDecrement(ctx context.Context, key string, cost int) (Decision, error) {
	d, err := f.primary.CheckAndDecrement(ctx, key, cost)
	if err == nil {
		return d, nil
	}
	if f.log != nil {
		f.log.Warn("rate limit backend unavailable, falling back to in-process limiter", "error", err)
	}
	return f.fallback.CheckAndDecrement(ctx, key, cost)
}
