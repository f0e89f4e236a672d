package discovery

import (
	"testing"
	"time"

	"github.com/relaymesh/infergate/internal/dispatcher"
	"github.com/relaymesh/infergate/internal/types"
)

func key(name string) types.ProviderKey {
	s := types.NewSecret(name)
	return types.ProviderKey{Secret: &s}
}

func drain(t *testing.T, events <-chan ProviderEvent, n int, timeout time.Duration) []ProviderEvent {
	t.Helper()
	got := make([]ProviderEvent, 0, n)
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case evt := <-events:
			got = append(got, evt)
		case <-deadline:
			t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}
	return got
}

func TestNewProviderDiscovery_SeedsInitialInsertBatch(t *testing.T) {
	d := &dispatcher.Dispatcher{}
	seed := map[types.ProviderKey]*dispatcher.Dispatcher{
		key("openai"): d,
	}
	pd, events := NewProviderDiscovery(seed)
	defer pd.Close()

	got := drain(t, events, 1, time.Second)
	if got[0].Kind != EventInsert {
		t.Errorf("expected an initial Insert event, got %v", got[0].Kind)
	}
}

func TestProviderDiscovery_Insert(t *testing.T) {
	pd, events := NewProviderDiscovery(nil)
	defer pd.Close()

	provider := types.InferenceProvider{Kind: types.ProviderOpenAI}
	d := dispatcher.Wrap(provider, nil)
	k := key("openai")

	pd.Insert(k, d)
	got := drain(t, events, 1, time.Second)
	if got[0].Kind != EventInsert || got[0].Key != k {
		t.Errorf("unexpected event: %+v", got[0])
	}
}

func TestProviderDiscovery_InsertExistingKeyDoesNotDoublePublish(t *testing.T) {
	pd, events := NewProviderDiscovery(nil)
	defer pd.Close()

	provider := types.InferenceProvider{Kind: types.ProviderOpenAI}
	k := key("openai")

	pd.Insert(k, dispatcher.Wrap(provider, nil))
	drain(t, events, 1, time.Second)

	// Re-inserting the same key (e.g. a refreshed dispatcher) must not
	// publish a second Insert.
	pd.Insert(k, dispatcher.Wrap(provider, nil))

	select {
	case evt := <-events:
		t.Fatalf("expected no further event, got %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProviderDiscovery_Remove(t *testing.T) {
	provider := types.InferenceProvider{Kind: types.ProviderOpenAI}
	k := key("openai")
	seed := map[types.ProviderKey]*dispatcher.Dispatcher{k: dispatcher.Wrap(provider, nil)}

	pd, events := NewProviderDiscovery(seed)
	defer pd.Close()
	drain(t, events, 1, time.Second) // seed insert

	pd.Remove(k)
	got := drain(t, events, 1, time.Second)
	if got[0].Kind != EventRemove || got[0].Key != k {
		t.Errorf("unexpected event: %+v", got[0])
	}

	// Removing an unknown key is a no-op, not an error/event.
	pd.Remove(key("unknown"))
	select {
	case evt := <-events:
		t.Fatalf("expected no event for removing an unknown key, got %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProviderDiscovery_HandleRateLimitCoolsAndRestores(t *testing.T) {
	provider := types.InferenceProvider{Kind: types.ProviderOpenAI}
	k := key("openai")
	seed := map[types.ProviderKey]*dispatcher.Dispatcher{k: dispatcher.Wrap(provider, nil)}

	pd, events := NewProviderDiscovery(seed)
	defer pd.Close()
	drain(t, events, 1, time.Second) // seed insert

	pd.HandleRateLimit(RateLimitEvent{Provider: provider, RetryAfter: 20 * time.Millisecond})

	got := drain(t, events, 1, time.Second)
	if got[0].Kind != EventRemove {
		t.Fatalf("expected a Remove event when cooling, got %v", got[0].Kind)
	}

	got = drain(t, events, 1, time.Second)
	if got[0].Kind != EventInsert {
		t.Errorf("expected a restoring Insert event after RetryAfter elapses, got %v", got[0].Kind)
	}
}

func TestProviderDiscovery_HandleRateLimitIgnoresAlreadyCooling(t *testing.T) {
	provider := types.InferenceProvider{Kind: types.ProviderOpenAI}
	k := key("openai")
	seed := map[types.ProviderKey]*dispatcher.Dispatcher{k: dispatcher.Wrap(provider, nil)}

	pd, events := NewProviderDiscovery(seed)
	defer pd.Close()
	drain(t, events, 1, time.Second) // seed insert

	pd.HandleRateLimit(RateLimitEvent{Provider: provider, RetryAfter: time.Hour})
	drain(t, events, 1, time.Second) // the cooling Remove

	// A second RateLimitEvent while still cooling must not restart the timer
	// or publish a second Remove.
	pd.HandleRateLimit(RateLimitEvent{Provider: provider, RetryAfter: time.Millisecond})

	select {
	case evt := <-events:
		t.Fatalf("expected no further event while already cooling, got %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProviderDiscovery_HandleRateLimitUnknownProviderIsNoop(t *testing.T) {
	pd, events := NewProviderDiscovery(nil)
	defer pd.Close()

	pd.HandleRateLimit(RateLimitEvent{Provider: types.InferenceProvider{Kind: types.ProviderAnthropic}})
	select {
	case evt := <-events:
		t.Fatalf("expected no event, got %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProviderDiscovery_CloseIsIdempotentAndSilencesPublish(t *testing.T) {
	pd, events := NewProviderDiscovery(nil)
	pd.Close()
	pd.Close() // must not panic

	provider := types.InferenceProvider{Kind: types.ProviderOpenAI}
	pd.Insert(key("openai"), dispatcher.Wrap(provider, nil))

	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("expected the event channel to be closed, got an event instead")
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("expected the closed channel to be immediately readable as closed")
	}
}
