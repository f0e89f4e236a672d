// Package discovery tracks which provider Dispatchers are currently healthy
// for a router (Provider Discovery) and which routers currently exist
// (Router Discovery). Both publish their membership as a lazy stream of
// Insert/Remove events rather than a polled snapshot.
package discovery

import (
	"sync"
	"time"

	"github.com/relaymesh/infergate/internal/dispatcher"
	"github.com/relaymesh/infergate/internal/types"
)

// EventKind distinguishes an Insert from a Remove in the discovery stream.
type EventKind int

const (
	EventInsert EventKind = iota
	EventRemove
)

// ProviderEvent is one membership change published by a ProviderDiscovery.
type ProviderEvent struct {
	Kind       EventKind
	Key        types.ProviderKey
	Provider   types.InferenceProvider
	Dispatcher *dispatcher.Dispatcher // nil on a Remove from Remove; set on a cooling Remove from HandleRateLimit
}

// RateLimitEvent is raised by the Provider Client boundary when an upstream
// responds 429. It carries the provider to cool and, when the upstream
// supplied one, the exact duration to wait before trying it again.
type RateLimitEvent struct {
	Provider   types.InferenceProvider
	ModelId    types.ModelId
	RetryAfter time.Duration // zero means "use the router's retry policy"
}

// providerState is Healthy or Cooling. There is no HalfOpen: spec calls for a
// timer-based restore rather than a single probe request, so the teacher's
// three-state breaker collapses to two here.
type providerState int

const (
	stateHealthy providerState = iota
	stateCooling
)

type providerEntry struct {
	mu         sync.Mutex
	state      providerState
	dispatcher *dispatcher.Dispatcher
	provider   types.InferenceProvider
	timer      *time.Timer
}

// defaultRestoreDelay is used when a RateLimitEvent carries no RetryAfter.
const defaultRestoreDelay = 30 * time.Second

// ProviderDiscovery tracks one router's live provider set and publishes
// Insert/Remove events as providers cool down and are restored. One instance
// exists per Router.
type ProviderDiscovery struct {
	mu       sync.Mutex
	entries  map[types.ProviderKey]*providerEntry
	events   chan ProviderEvent
	closed   bool
}

// NewProviderDiscovery builds a discovery instance seeded with the given
// dispatcher set and returns it along with the event channel future
// Strategy instances should read from. The initial membership is drained as
// one batch of Insert events before the channel blocks waiting for future
// state changes.
func NewProviderDiscovery(seed map[types.ProviderKey]*dispatcher.Dispatcher) (*ProviderDiscovery, <-chan ProviderEvent) {
	pd := &ProviderDiscovery{
		entries: make(map[types.ProviderKey]*providerEntry, len(seed)),
		events:  make(chan ProviderEvent, 64),
	}
	for key, d := range seed {
		pd.entries[key] = &providerEntry{state: stateHealthy, dispatcher: d, provider: d.Provider}
		pd.events <- ProviderEvent{Kind: EventInsert, Key: key, Provider: d.Provider, Dispatcher: d}
	}
	return pd, pd.events
}

// Insert adds a new provider to the pool, or replaces the dispatcher for an
// already-known key. Never double-publishes for the same key without an
// intervening Remove.
func (pd *ProviderDiscovery) Insert(key types.ProviderKey, d *dispatcher.Dispatcher) {
	pd.mu.Lock()
	_, existed := pd.entries[key]
	pd.entries[key] = &providerEntry{state: stateHealthy, dispatcher: d, provider: d.Provider}
	pd.mu.Unlock()

	if existed {
		return
	}
	pd.publish(ProviderEvent{Kind: EventInsert, Key: key, Provider: d.Provider, Dispatcher: d})
}

// Remove drops a provider from the pool outright (distinct from cooling it —
// Remove is permanent until a future Insert, used for config-driven removal
// rather than rate-limit-driven cooldown).
func (pd *ProviderDiscovery) Remove(key types.ProviderKey) {
	pd.mu.Lock()
	entry, ok := pd.entries[key]
	if ok {
		delete(pd.entries, key)
	}
	pd.mu.Unlock()

	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	pd.publish(ProviderEvent{Kind: EventRemove, Key: key, Provider: entry.provider})
}

// HandleRateLimit cools the provider named in evt: publishes a Remove
// immediately and arms a restore timer that publishes an Insert when it
// fires. A RateLimitEvent for a provider already Cooling is ignored — the
// existing timer keeps running, it is not restarted.
func (pd *ProviderDiscovery) HandleRateLimit(evt RateLimitEvent) {
	pd.mu.Lock()
	var target types.ProviderKey
	var entry *providerEntry
	for key, e := range pd.entries {
		if e.provider == evt.Provider {
			target, entry = key, e
			break
		}
	}
	if entry == nil {
		pd.mu.Unlock()
		return
	}

	entry.mu.Lock()
	alreadyCooling := entry.state == stateCooling
	if !alreadyCooling {
		entry.state = stateCooling
	}
	entry.mu.Unlock()
	pd.mu.Unlock()

	if alreadyCooling {
		return
	}

	delay := evt.RetryAfter
	if delay <= 0 {
		delay = defaultRestoreDelay
	}

	d := entry.dispatcher
	entry.timer = time.AfterFunc(delay, func() {
		pd.restore(target)
	})

	pd.publish(ProviderEvent{Kind: EventRemove, Key: target, Provider: evt.Provider, Dispatcher: d})
}

func (pd *ProviderDiscovery) restore(key types.ProviderKey) {
	pd.mu.Lock()
	entry, ok := pd.entries[key]
	if !ok {
		pd.mu.Unlock()
		return
	}
	entry.mu.Lock()
	entry.state = stateHealthy
	d := entry.dispatcher
	entry.mu.Unlock()
	pd.mu.Unlock()

	pd.publish(ProviderEvent{Kind: EventInsert, Key: key, Provider: d.Provider, Dispatcher: d})
}

// Close stops accepting new events and closes the event channel. Safe to
// call once; subsequent calls are no-ops.
func (pd *ProviderDiscovery) Close() {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.closed {
		return
	}
	pd.closed = true
	close(pd.events)
}

func (pd *ProviderDiscovery) publish(evt ProviderEvent) {
	pd.mu.Lock()
	closed := pd.closed
	pd.mu.Unlock()
	if closed {
		return
	}
	pd.events <- evt
}
