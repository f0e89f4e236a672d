// Package strategy selects which provider Dispatcher a request should use
// out of a router's currently healthy set.
package strategy

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/relaymesh/infergate/internal/dispatcher"
	"github.com/relaymesh/infergate/internal/discovery"
	"github.com/relaymesh/infergate/internal/types"
)

// ErrNoProviders is returned when a router's healthy provider set is empty.
var ErrNoProviders = errors.New("strategy: no healthy providers available")

// Strategy picks a provider candidate for a request and records the outcome
// of dispatching to it.
type Strategy interface {
	// Select returns a candidate, skipping any key present in exclude as long
	// as at least one non-excluded candidate remains — this is how a retry
	// avoids picking the provider that just failed. When exclude would rule
	// out every candidate (e.g. only one provider is healthy), it is ignored
	// so Select still returns a candidate rather than erroring.
	Select(ctx context.Context, exclude map[types.ProviderKey]bool) (types.ProviderKey, *dispatcher.Dispatcher, error)
	Observe(key types.ProviderKey, dur time.Duration, success bool)
}

// eligible reports whether a pool snapshot has any candidate outside of
// exclude. Shared by both Strategy implementations so retry-exclusion falls
// back to the full set identically when nothing else is healthy.
func eligible(keys []types.ProviderKey, exclude map[types.ProviderKey]bool) bool {
	for _, k := range keys {
		if !exclude[k] {
			return true
		}
	}
	return false
}

// pool is the live provider set shared by both strategy implementations,
// kept in sync with a discovery event channel by a background goroutine.
type pool struct {
	mu      sync.RWMutex
	members map[types.ProviderKey]*dispatcher.Dispatcher
	order   []types.ProviderKey // insertion order, for latency tie-breaks
}

func newPool() *pool {
	return &pool{members: make(map[types.ProviderKey]*dispatcher.Dispatcher)}
}

func (p *pool) insert(key types.ProviderKey, d *dispatcher.Dispatcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.members[key]; !exists {
		p.order = append(p.order, key)
	}
	p.members[key] = d
}

func (p *pool) remove(key types.ProviderKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.members, key)
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// snapshot returns the live membership in stable insertion order.
func (p *pool) snapshot() ([]types.ProviderKey, map[types.ProviderKey]*dispatcher.Dispatcher) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]types.ProviderKey, len(p.order))
	copy(keys, p.order)
	members := make(map[types.ProviderKey]*dispatcher.Dispatcher, len(p.members))
	for k, v := range p.members {
		members[k] = v
	}
	return keys, members
}

func runPool(ctx context.Context, events <-chan discovery.ProviderEvent, p *pool) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				switch evt.Kind {
				case discovery.EventInsert:
					p.insert(evt.Key, evt.Dispatcher)
				case discovery.EventRemove:
					p.remove(evt.Key)
				}
			}
		}
	}()
}

// LatencyStrategy ranks providers by an exponentially-weighted moving
// average of observed dispatch latency. Providers with no observations yet
// are explored first (ranked ahead of any observed provider); once all
// providers have at least one observation, the lowest EWMA wins, ties
// broken by insertion order.
type LatencyStrategy struct {
	alpha float64
	pool  *pool

	mu   sync.Mutex
	ewma map[types.ProviderKey]float64
}

// NewLatencyStrategy starts consuming events and returns a ready strategy.
// alpha <= 0 defaults to 0.2.
func NewLatencyStrategy(ctx context.Context, events <-chan discovery.ProviderEvent, alpha float64) *LatencyStrategy {
	if alpha <= 0 {
		alpha = 0.2
	}
	p := newPool()
	runPool(ctx, events, p)
	return &LatencyStrategy{alpha: alpha, pool: p, ewma: make(map[types.ProviderKey]float64)}
}

func (s *LatencyStrategy) Select(ctx context.Context, exclude map[types.ProviderKey]bool) (types.ProviderKey, *dispatcher.Dispatcher, error) {
	keys, members := s.pool.snapshot()
	if len(keys) == 0 {
		return types.ProviderKey{}, nil, ErrNoProviders
	}
	if !eligible(keys, exclude) {
		// Every candidate is excluded (the provider that just failed is the
		// only healthy one) — fall back to the full set rather than error.
		exclude = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var best types.ProviderKey
	bestScore := -1.0
	found := false

	for _, k := range keys {
		if exclude[k] {
			continue
		}
		score, observed := s.ewma[k]
		if !observed {
			// Unobserved providers are explored first: give the first one
			// encountered in insertion order immediate priority.
			return k, members[k], nil
		}
		if !found || score < bestScore {
			best, bestScore, found = k, score, true
		}
	}

	return best, members[best], nil
}

func (s *LatencyStrategy) Observe(key types.ProviderKey, dur time.Duration, success bool) {
	if !success {
		return
	}
	ms := float64(dur.Microseconds()) / 1000.0

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.ewma[key]; ok {
		s.ewma[key] = s.alpha*ms + (1-s.alpha)*prev
	} else {
		s.ewma[key] = ms
	}
}

// WeightedStrategy samples a provider using stable weighted random
// selection. Weights are configured per RouterId; a provider with weight 0
// (or absent from the discovery set) is excluded from the draw, and the
// remaining distribution is renormalized on every call rather than carrying
// state across requests.
type WeightedStrategy struct {
	pool    *pool
	weights map[types.ProviderKey]float64
	rng     *rand.Rand
	mu      sync.Mutex
}

// NewWeightedStrategy starts consuming events and returns a ready strategy.
func NewWeightedStrategy(ctx context.Context, events <-chan discovery.ProviderEvent, weights map[types.ProviderKey]float64) *WeightedStrategy {
	p := newPool()
	runPool(ctx, events, p)
	return &WeightedStrategy{
		pool:    p,
		weights: weights,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *WeightedStrategy) Select(ctx context.Context, exclude map[types.ProviderKey]bool) (types.ProviderKey, *dispatcher.Dispatcher, error) {
	keys, members := s.pool.snapshot()
	if len(keys) == 0 {
		return types.ProviderKey{}, nil, ErrNoProviders
	}
	if !eligible(keys, exclude) {
		// Every candidate is excluded — fall back to the full set so a retry
		// with no other healthy provider still gets a candidate.
		exclude = nil
	}

	total := 0.0
	weighted := make([]types.ProviderKey, 0, len(keys))
	weightOf := make(map[types.ProviderKey]float64, len(keys))
	for _, k := range keys {
		if exclude[k] {
			continue
		}
		w, configured := s.weights[k]
		switch {
		case configured && w <= 0:
			// An explicit weight of 0 removes the provider from the draw
			// entirely — it must never be selected until reconfigured.
			continue
		case !configured:
			w = 1 // no weight configured: equal share
		}
		total += w
		weighted = append(weighted, k)
		weightOf[k] = w
	}
	if len(weighted) == 0 {
		return types.ProviderKey{}, nil, ErrNoProviders
	}

	s.mu.Lock()
	r := s.rng.Float64() * total
	s.mu.Unlock()

	for _, k := range weighted {
		r -= weightOf[k]
		if r <= 0 {
			return k, members[k], nil
		}
	}
	last := weighted[len(weighted)-1]
	return last, members[last], nil
}

func (s *WeightedStrategy) Observe(types.ProviderKey, time.Duration, bool) {
	// Weighted selection carries no per-call state to update.
}
