package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/relaymesh/infergate/internal/cache"
	"github.com/relaymesh/infergate/internal/config"
	"github.com/relaymesh/infergate/internal/discovery"
	"github.com/relaymesh/infergate/internal/metrics"
	"github.com/relaymesh/infergate/internal/providers"
	"github.com/relaymesh/infergate/internal/ratelimit"
	"github.com/relaymesh/infergate/internal/strategy"
	"github.com/relaymesh/infergate/internal/types"
)

// ErrRouterNotFound is returned by MultiRouter.Resolve for an unknown id.
var ErrRouterNotFound = errors.New("proxy: unknown router id")

// RouterPipeline composes one configured router's full request path: rate
// limit, cache lookup, single-flighted strategy selection + dispatch with
// retry across candidates, and cache fill. One instance exists per
// types.RouterId, built from its RouterConfig.
type RouterPipeline struct {
	ID types.RouterId

	strategy   strategy.Strategy
	discovery  *discovery.ProviderDiscovery
	limiter    ratelimit.Limiter
	cacheStore cache.Cache
	join       cache.JoinGroup

	cacheTTL     time.Duration
	cacheBuckets int
	retryPolicy  config.RetryConfig
	cacheExcl    *cache.ExclusionList

	log     *slog.Logger
	metrics *metrics.Registry
}

// RouterPipelineConfig bundles the pre-built collaborators a RouterPipeline
// needs. The MultiRouter constructs these per RouterConfig entry.
type RouterPipelineConfig struct {
	ID          types.RouterId
	Strategy    strategy.Strategy
	Discovery   *discovery.ProviderDiscovery
	Limiter     ratelimit.Limiter // nil disables rate limiting for this router
	Cache       cache.Cache       // nil disables response caching for this router
	CacheTTL    time.Duration
	Buckets     int
	Retry       config.RetryConfig
	Exclusions  *cache.ExclusionList
	Log         *slog.Logger
	Metrics     *metrics.Registry // nil disables per-router metrics
}

// NewRouterPipeline wraps the given collaborators into a ready pipeline.
func NewRouterPipeline(c RouterPipelineConfig) *RouterPipeline {
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	return &RouterPipeline{
		ID:           c.ID,
		strategy:     c.Strategy,
		discovery:    c.Discovery,
		limiter:      c.Limiter,
		cacheStore:   c.Cache,
		cacheTTL:     c.CacheTTL,
		cacheBuckets: c.Buckets,
		retryPolicy:  c.Retry,
		cacheExcl:    c.Exclusions,
		log:          log,
		metrics:      c.Metrics,
	}
}

// pipelineResult is what a single-flighted dispatch produces, shared by
// every waiter joined on the same fingerprint.
type pipelineResult struct {
	resp     *providers.ProxyResponse
	provider types.InferenceProvider
}

// Dispatch runs req through the router's full pipeline: rate limit, cache
// lookup, strategy-selected dispatch with retry across candidates on
// retryable errors, and cache fill. Streaming requests bypass both the
// cache and the singleflight join — each caller gets its own upstream
// stream.
func (rp *RouterPipeline) Dispatch(ctx context.Context, req *providers.ProxyRequest, userID string) (*providers.ProxyResponse, types.InferenceProvider, bool, error) {
	if rp.limiter != nil {
		key := ratelimit.Key(string(rp.ID), userID)
		decision, err := rp.limiter.CheckAndDecrement(ctx, key, 1)
		if err != nil {
			if rp.metrics != nil {
				rp.metrics.RecordRateLimit("error")
			}
		} else if !decision.Allowed {
			if rp.metrics != nil {
				rp.metrics.RecordRateLimit("blocked")
			}
			return nil, types.InferenceProvider{}, false, &rateLimitedError{retryAfter: decision.RetryAfter}
		} else if rp.metrics != nil {
			rp.metrics.RecordRateLimit("allowed")
		}
	}

	cacheable := !req.Stream && rp.cacheStore != nil && (rp.cacheExcl == nil || !rp.cacheExcl.Matches(req.Model))

	if req.Stream {
		resp, prov, err := rp.dispatchWithRetry(ctx, req)
		return resp, prov, false, err
	}

	var fpKey string
	if cacheable {
		fp, err := cache.Fingerprint(cache.Fingerprintable{
			Canonical: canonicalRequest(req, string(rp.ID)),
			Seed:      req.RequestID,
			Buckets:   rp.cacheBuckets,
		})
		if err == nil {
			fpKey = fp
			if body, hit := rp.cacheStore.Get(ctx, fp); hit {
				var resp providers.ProxyResponse
				if uerr := json.Unmarshal(body, &resp); uerr == nil {
					if rp.metrics != nil {
						rp.metrics.CacheGetHit()
					}
					return &resp, types.InferenceProvider{}, true, nil
				}
			}
			if rp.metrics != nil {
				rp.metrics.CacheGetMiss()
			}
		}
	} else if rp.cacheStore != nil && rp.metrics != nil {
		rp.metrics.CacheGetBypass()
	}

	if fpKey == "" {
		resp, prov, err := rp.dispatchWithRetry(ctx, req)
		return resp, prov, false, err
	}

	v, _, err := rp.join.Do(fpKey, func() (any, error) {
		resp, prov, err := rp.dispatchWithRetry(ctx, req)
		if err != nil {
			return nil, err
		}
		if body, merr := json.Marshal(resp); merr == nil {
			_ = rp.cacheStore.Set(ctx, fpKey, body, rp.cacheTTL)
		}
		rp.join.Forget(fpKey)
		return pipelineResult{resp: resp, provider: prov}, nil
	})
	if err != nil {
		return nil, types.InferenceProvider{}, false, err
	}
	pr := v.(pipelineResult)
	return pr.resp, pr.provider, false, nil
}

// dispatchWithRetry selects a candidate via the router's strategy and
// dispatches to it, retrying against a newly selected candidate on a
// retryable ErrorKind until the retry policy's attempt budget is exhausted.
// A RateLimited failure also reports the event to Provider Discovery so the
// candidate cools down before the next Select.
func (rp *RouterPipeline) dispatchWithRetry(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, types.InferenceProvider, error) {
	attempts := retryAttempts(rp.retryPolicy)
	var lastErr error
	tried := make(map[types.ProviderKey]bool, attempts)

	for n := 0; n < attempts; n++ {
		providerKey, d, err := rp.strategy.Select(ctx, tried)
		if err != nil {
			return nil, types.InferenceProvider{}, err
		}
		tried[providerKey] = true

		start := time.Now()
		resp, dispatchErr := d.Dispatch(ctx, req)
		dur := time.Since(start)

		if dispatchErr == nil {
			rp.strategy.Observe(providerKey, dur, true)
			if rp.metrics != nil {
				rp.metrics.ObserveUpstreamAttempt(d.Provider.Name, string(rp.ID), "success", dur)
			}
			return resp, d.Provider, nil
		}

		rp.strategy.Observe(providerKey, dur, false)
		kind := providers.Classify(dispatchErr)
		lastErr = dispatchErr

		if rp.metrics != nil {
			rp.metrics.ObserveUpstreamAttempt(d.Provider.Name, string(rp.ID), kind.String(), dur)
			rp.metrics.RecordError(d.Provider.Name, kind.String())
		}

		if kind == providers.ErrRateLimited && rp.discovery != nil {
			retryAfter := time.Duration(0)
			var ra providers.RetryAfterer
			if errors.As(dispatchErr, &ra) {
				if d2, ok := ra.RetryAfter(); ok {
					retryAfter = d2
				}
			}
			rp.discovery.HandleRateLimit(discovery.RateLimitEvent{
				Provider:   d.Provider,
				RetryAfter: retryAfter,
			})
		}

		if !kind.Retryable() {
			break
		}

		if n < attempts-1 {
			delay := retryDelay(rp.retryPolicy, n)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return nil, types.InferenceProvider{}, ctx.Err()
				case <-time.After(delay):
				}
			}
		}
	}

	if lastErr == nil {
		lastErr = strategy.ErrNoProviders
	}
	return nil, types.InferenceProvider{}, lastErr
}

// canonicalRequest builds the deterministic payload hashed by Fingerprint:
// router id plus the normalized request fields relevant to cache equality.
func canonicalRequest(req *providers.ProxyRequest, routerID string) any {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := make([]msg, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = msg{Role: m.Role, Content: m.Content}
	}
	return struct {
		Router      string  `json:"router"`
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
		Messages    []msg   `json:"messages"`
	}{routerID, req.Model, req.Temperature, req.MaxTokens, msgs}
}

// rateLimitedError is returned by Dispatch when the router-scoped limiter
// rejects the request, before any provider is selected.
type rateLimitedError struct {
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string { return "router: rate limit exceeded" }

// RetryAfter reports the caller-visible Retry-After, implementing the same
// optional interface HTTP error mapping already checks for provider errors.
func (e *rateLimitedError) RetryAfter() (time.Duration, bool) {
	if e.retryAfter <= 0 {
		return 0, false
	}
	return e.retryAfter, true
}
