package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaymesh/infergate/internal/cache"
	"github.com/relaymesh/infergate/internal/config"
	"github.com/relaymesh/infergate/internal/dispatcher"
	"github.com/relaymesh/infergate/internal/discovery"
	"github.com/relaymesh/infergate/internal/metrics"
	"github.com/relaymesh/infergate/internal/providers"
	"github.com/relaymesh/infergate/internal/ratelimit"
	"github.com/relaymesh/infergate/internal/strategy"
	"github.com/relaymesh/infergate/internal/types"
)

// MultiRouter owns one RouterPipeline per configured types.RouterId and
// keeps that set in sync with a discovery.RouterSource (Config in sidecar
// deployments, Cloud's control-plane change feed otherwise).
type MultiRouter struct {
	mu      sync.RWMutex
	routers map[types.RouterId]*RouterPipeline

	provs   map[string]providers.Provider
	rdb     *redis.Client
	log     *slog.Logger
	metrics *metrics.Registry

	baseCtx context.Context
}

// NewMultiRouter returns an empty MultiRouter. Call Consume (in its own
// goroutine) to start populating it from a discovery.RouterSource. reg may be
// nil, disabling per-router Prometheus metrics.
func NewMultiRouter(ctx context.Context, provs map[string]providers.Provider, rdb *redis.Client, log *slog.Logger, reg *metrics.Registry) *MultiRouter {
	if log == nil {
		log = slog.Default()
	}
	return &MultiRouter{
		routers: make(map[types.RouterId]*RouterPipeline),
		provs:   provs,
		rdb:     rdb,
		log:     log,
		metrics: reg,
		baseCtx: ctx,
	}
}

// Resolve returns the pipeline for id, or ErrRouterNotFound.
func (m *MultiRouter) Resolve(id types.RouterId) (*RouterPipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rp, ok := m.routers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRouterNotFound, id)
	}
	return rp, nil
}

// Consume drives the registry from src, building or tearing down pipelines
// as routers are inserted or removed. Blocks until ctx is canceled or src
// exhausts (ConfigRouterSource returns after its initial batch, so callers
// using it should not expect Consume to block — Cloud's CloudRouterSource
// blocks for the process lifetime).
func (m *MultiRouter) Consume(ctx context.Context, src discovery.RouterSource, cfg map[types.RouterId]config.RouterConfig) error {
	reg := &discovery.RouterRegistry{
		Log: m.log,
		OnInsert: func(id types.RouterId, _ discovery.RouterSpec) error {
			rc, ok := cfg[id]
			if !ok {
				return fmt.Errorf("no RouterConfig for router id %q", id)
			}
			rp, err := m.buildPipeline(id, rc)
			if err != nil {
				return err
			}
			m.mu.Lock()
			m.routers[id] = rp
			m.mu.Unlock()
			return nil
		},
		OnRemove: func(id types.RouterId) {
			m.mu.Lock()
			delete(m.routers, id)
			m.mu.Unlock()
		},
	}
	return reg.Consume(ctx, src)
}

// buildPipeline wires one RouterConfig into a ready RouterPipeline: seeds
// Provider Discovery from the router's configured candidates (reusing the
// already-constructed clients in m.provs rather than re-resolving
// credentials per router), builds the configured Strategy, and attaches
// rate-limit/cache collaborators sized from the router's overrides.
func (m *MultiRouter) buildPipeline(id types.RouterId, rc config.RouterConfig) (*RouterPipeline, error) {
	seed := make(map[types.ProviderKey]*dispatcher.Dispatcher, len(rc.Providers))
	weights := make(map[types.ProviderKey]float64, len(rc.Providers))

	for _, p := range rc.Providers {
		client, ok := m.provs[p.Provider]
		if !ok {
			m.log.Warn("router references unconfigured provider, skipping",
				"router_id", string(id), "provider", p.Provider)
			continue
		}
		kind := providerKindOf(p.Provider)
		provider := types.InferenceProvider{Kind: kind, Name: p.Provider}
		// The credential itself was already consumed when m.provs[p.Provider]
		// was constructed at startup; here ProviderKey only needs to be a
		// stable, comparable identity for this (router, provider) pairing.
		key := types.ProviderKey{Secret: ptrSecret(types.NewSecret(p.Provider))}
		seed[key] = dispatcher.Wrap(provider, client)
		weights[key] = p.Weight
	}

	pd, events := discovery.NewProviderDiscovery(seed)

	var strat strategy.Strategy
	switch rc.Strategy.Kind {
	case "weighted":
		strat = strategy.NewWeightedStrategy(m.baseCtx, events, weights)
	default:
		strat = strategy.NewLatencyStrategy(m.baseCtx, events, rc.Strategy.EWMAAlpha)
	}

	var limiter ratelimit.Limiter
	if rc.RateLimit.RPMLimit > 0 {
		if m.rdb != nil {
			limiter = ratelimit.NewFailoverLimiter(m.rdb, rc.RateLimit.RPMLimit, m.log)
		} else {
			limiter = ratelimit.NewGCRALimiter(rc.RateLimit.RPMLimit)
		}
	}

	var cacheStore cache.Cache
	switch rc.Cache.Mode {
	case "redis":
		if m.rdb != nil {
			cacheStore = cache.NewExactCacheFromClient(m.rdb)
		}
	case "none":
		cacheStore = nil
	default:
		cacheStore = cache.NewMemoryCache(m.baseCtx)
	}

	var excl *cache.ExclusionList
	if len(rc.Cache.ExcludeExact) > 0 || len(rc.Cache.ExcludePatterns) > 0 {
		el, err := cache.NewExclusionList(rc.Cache.ExcludeExact, rc.Cache.ExcludePatterns)
		if err == nil {
			excl = el
		}
	}

	ttl := rc.Cache.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return NewRouterPipeline(RouterPipelineConfig{
		ID:         id,
		Strategy:   strat,
		Discovery:  pd,
		Limiter:    limiter,
		Cache:      cacheStore,
		CacheTTL:   ttl,
		Buckets:    1,
		Retry:      rc.Retry,
		Exclusions: excl,
		Log:        m.log,
		Metrics:    m.metrics,
	}), nil
}

func ptrSecret(s types.Secret[string]) *types.Secret[string] { return &s }

// providerKindOf maps a router-scoped provider name to its InferenceProviderKind.
// Names matching one of the built-in families resolve to that kind; anything
// else is treated as an OpenAI-compatible endpoint, matching how
// app.buildProviders itself constructs the long tail of OpenAI-compatible
// providers (xai, groq, together, ...).
func providerKindOf(name string) types.InferenceProviderKind {
	switch name {
	case "openai":
		return types.ProviderOpenAI
	case "anthropic":
		return types.ProviderAnthropic
	case "bedrock":
		return types.ProviderBedrock
	case "gemini", "vertexai":
		return types.ProviderGemini
	case "ollama":
		return types.ProviderOllama
	default:
		return types.ProviderOpenAICompatible
	}
}
