// Package broker keeps the read-through projection of the record store and
// pushes full snapshots to every subscriber after each mutation.
//
// Every delivery carries the complete visible record set for the subscriber.
// Receivers replace their local view with it; nothing is ever sent as a delta.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"bustrack-svr/internal/bus"
	"bustrack-svr/internal/filter"
	"bustrack-svr/internal/observability"
)

type Event string

const (
	EventInitial Event = "initial_buses"
	EventUpdated Event = "bus_updated"
	EventDeleted Event = "bus_deleted"
)

// Snapshot is one delivery to one subscriber.
type Snapshot struct {
	Event   Event
	Records []bus.Record
}

// Handler receives snapshots. It is called with the broker's broadcast lock
// held, so it must not block and must not call back into the broker.
type Handler func(Snapshot)

// Source is the authoritative record collection.
type Source interface {
	List(ctx context.Context) ([]bus.Record, error)
}

type Broker struct {
	source Source
	policy filter.Policy
	logger *slog.Logger

	// castMu orders snapshot computation and fan-out: the snapshot computed
	// last is also the one delivered last.
	castMu sync.Mutex

	mu         sync.RWMutex
	subs       map[string]*Subscription
	cache      []bus.Record
	cacheValid bool
}

func New(source Source, policy filter.Policy, lg *slog.Logger) *Broker {
	return &Broker{
		source: source,
		policy: policy,
		logger: lg.With("component", "broker"),
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe registers h under scope and immediately delivers an
// EventInitial snapshot filtered for it.
func (b *Broker) Subscribe(ctx context.Context, scope filter.Scope, h Handler) (*Subscription, error) {
	b.castMu.Lock()
	defer b.castMu.Unlock()

	recs, err := b.loadLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	sub := &Subscription{
		id:      uuid.NewString(),
		broker:  b,
		scope:   scope,
		handler: h,
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	n := len(b.subs)
	b.mu.Unlock()
	observability.ActiveSubscribers.Inc()

	b.logger.Debug("subscribed", "sub", sub.id, "role", string(scope.Role), "subscribers", n)
	h(Snapshot{Event: EventInitial, Records: b.policy.Apply(scope, recs)})
	return sub, nil
}

// Publish drops the cache, reloads the full set from the source and delivers
// it to every subscriber through its own filter. Callers publish only after
// their write has been applied to the source.
func (b *Broker) Publish(ctx context.Context, ev Event) error {
	start := time.Now()
	b.castMu.Lock()
	defer b.castMu.Unlock()

	b.mu.Lock()
	b.cache, b.cacheValid = nil, false
	b.mu.Unlock()

	recs, err := b.loadLocked(ctx)
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev, err)
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(Snapshot{Event: ev, Records: b.policy.Apply(s.scope, recs)})
	}

	observability.Broadcasts.WithLabelValues(string(ev)).Inc()
	observability.SnapshotRecords.Set(float64(len(recs)))
	observability.ObserveBroadcastLatency(start)
	b.logger.Debug("broadcast", "event", string(ev), "records", len(recs), "subscribers", len(subs))
	return nil
}

// Snapshot returns the current unfiltered record set, from the cache when it
// is valid and from the source otherwise.
func (b *Broker) Snapshot(ctx context.Context) ([]bus.Record, error) {
	b.mu.RLock()
	if b.cacheValid {
		out := append([]bus.Record{}, b.cache...)
		b.mu.RUnlock()
		return out, nil
	}
	b.mu.RUnlock()

	b.castMu.Lock()
	defer b.castMu.Unlock()
	recs, err := b.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	return append([]bus.Record{}, recs...), nil
}

// Subscribers returns how many subscriptions are registered.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// loadLocked requires castMu. The returned slice is shared with the cache and
// must not be modified.
func (b *Broker) loadLocked(ctx context.Context) ([]bus.Record, error) {
	b.mu.RLock()
	if b.cacheValid {
		recs := b.cache
		b.mu.RUnlock()
		return recs, nil
	}
	b.mu.RUnlock()

	recs, err := b.source.List(ctx)
	if err != nil {
		if bus.Kind(err) == bus.KindStoreUnavailable {
			observability.StoreErrors.WithLabelValues("list").Inc()
		}
		return nil, err
	}
	if recs == nil {
		recs = []bus.Record{}
	}

	b.mu.Lock()
	b.cache, b.cacheValid = recs, true
	b.mu.Unlock()
	return recs, nil
}

// Subscription is one registered receiver. Its scope is private to it.
type Subscription struct {
	id      string
	broker  *Broker
	scope   filter.Scope
	handler Handler
	closed  bool
}

func (s *Subscription) ID() string { return s.id }

// Scope returns the scope used for the next delivery.
func (s *Subscription) Scope() filter.Scope {
	s.broker.castMu.Lock()
	defer s.broker.castMu.Unlock()
	return s.scope
}

// Declare replaces the subscription's scope and re-sends EventInitial for it.
func (s *Subscription) Declare(ctx context.Context, scope filter.Scope) error {
	b := s.broker
	b.castMu.Lock()
	defer b.castMu.Unlock()
	if s.closed {
		return fmt.Errorf("declare on closed subscription %s", s.id)
	}

	recs, err := b.loadLocked(ctx)
	if err != nil {
		return fmt.Errorf("declare: %w", err)
	}
	s.scope = scope
	s.handler(Snapshot{Event: EventInitial, Records: b.policy.Apply(scope, recs)})
	return nil
}

// Close unregisters the subscription. No delivery happens after Close
// returns. Calling it more than once is fine.
func (s *Subscription) Close() {
	b := s.broker
	b.castMu.Lock()
	defer b.castMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
	observability.ActiveSubscribers.Dec()
}
