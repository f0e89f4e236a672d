package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaymesh/infergate/internal/types"
)

// RouterEventKind mirrors EventKind for the router-level discovery stream.
type RouterEventKind int

const (
	RouterInsert RouterEventKind = iota
	RouterRemove
)

// RouterEvent is one membership change in the set of active routers.
type RouterEvent struct {
	Kind RouterEventKind
	Id   types.RouterId
	Spec RouterSpec // zero value on Remove
}

// RouterSpec is the static description of one router a RouterDiscovery
// source builds — just enough for the caller (internal/proxy) to construct
// the pipeline; the strategy/provider wiring itself lives there, not here.
type RouterSpec struct {
	Id types.RouterId
}

// RouterSource is implemented by both discovery variants.
type RouterSource interface {
	// Run drains the router discovery's event stream into out until ctx is
	// canceled or the source is exhausted. Run never closes out; the
	// caller owns it. Config sources return after one batch; Cloud sources
	// never return while ctx is live.
	Run(ctx context.Context, out chan<- RouterEvent) error
}

// ConfigRouterSource builds a router set from a static map and yields it as
// one Insert batch, then returns (closing out is the caller's job via
// Run's contract above — Run itself just stops sending and returns nil).
type ConfigRouterSource struct {
	Routers map[types.RouterId]RouterSpec
}

// NewConfigRouterSource builds a ConfigRouterSource from router ids.
func NewConfigRouterSource(ids []types.RouterId) *ConfigRouterSource {
	routers := make(map[types.RouterId]RouterSpec, len(ids))
	for _, id := range ids {
		routers[id] = RouterSpec{Id: id}
	}
	return &ConfigRouterSource{Routers: routers}
}

// Run yields every configured router as an Insert, then returns. It never
// emits a Remove — config-sourced routers live for the process lifetime.
func (s *ConfigRouterSource) Run(ctx context.Context, out chan<- RouterEvent) error {
	for id, spec := range s.Routers {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- RouterEvent{Kind: RouterInsert, Id: id, Spec: spec}:
		}
	}
	return nil
}

// ControlPlaneClient is the Cloud deployment target's change-feed source.
// Its concrete implementation (a Postgres LISTEN/NOTIFY or change-data-
// capture client) is an interface-only collaborator, out of scope here —
// Run only depends on the channel shape.
type ControlPlaneClient interface {
	// Changes returns a channel of router changes. The channel stays open
	// for the life of the connection; it is closed only when the control
	// plane connection itself is torn down.
	Changes(ctx context.Context) (<-chan RouterEvent, error)
}

// CloudRouterSource relays a control-plane change feed into the discovery
// event stream. Unlike ConfigRouterSource, Run only returns on ctx
// cancellation: a failed connect or a dropped upstream channel is retried
// after the configured back-off instead of giving up.
type CloudRouterSource struct {
	Client            ControlPlaneClient
	ReconnectBackoff  time.Duration
	Log               *slog.Logger
}

// Run relays router changes until ctx is canceled. A dropped upstream
// channel triggers a reconnect after ReconnectBackoff rather than returning
// an error, matching the "never ends while open" contract. A failed
// reconnect attempt is logged and retried the same way; only ctx
// cancellation ends the loop.
func (s *CloudRouterSource) Run(ctx context.Context, out chan<- RouterEvent) error {
	backoff := s.ReconnectBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	for {
		changes, err := s.Client.Changes(ctx)
		if err != nil {
			if s.Log != nil {
				s.Log.Warn("control plane connect failed, retrying", "error", err, "backoff", backoff)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				continue
			}
		}

		if err := s.relay(ctx, changes, out); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// changes closed without ctx cancellation: upstream dropped us,
		// reconnect after the back-off.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (s *CloudRouterSource) relay(ctx context.Context, changes <-chan RouterEvent, out chan<- RouterEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-changes:
			if !ok {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- evt:
			}
		}
	}
}

// RouterRegistry owns the set of live RouterIds and the handler invoked on
// each Insert/Remove. One handler failure (e.g. a malformed RouterSpec)
// drops only that router and is logged; it never aborts peer routers or the
// discovery loop itself.
type RouterRegistry struct {
	Log     *slog.Logger
	OnInsert func(types.RouterId, RouterSpec) error
	OnRemove func(types.RouterId)
}

// Consume drives events from src into the registry's handlers until ctx is
// canceled or src.Run returns.
func (r *RouterRegistry) Consume(ctx context.Context, src RouterSource) error {
	events := make(chan RouterEvent, 64)
	errCh := make(chan error, 1)

	go func() {
		errCh <- src.Run(ctx, events)
		close(events)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return <-errCh
			}
			r.handle(evt)
		}
	}
}

func (r *RouterRegistry) handle(evt RouterEvent) {
	switch evt.Kind {
	case RouterInsert:
		if err := r.OnInsert(evt.Id, evt.Spec); err != nil {
			if r.Log != nil {
				r.Log.Error("router insert failed, skipping", "router_id", string(evt.Id), "error", err)
			}
			return
		}
	case RouterRemove:
		if r.OnRemove != nil {
			r.OnRemove(evt.Id)
		}
	}
}
