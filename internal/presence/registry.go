// Package presence implements the Presence Registry (§4.B): an
// in-memory per-instance lease table, published to internal/pubsub for
// local subscribers. It holds only the leases of sessions in this
// process; leases held by other instances are not visible here.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/cloudfire/signal/internal/pubsub"
)

// Lease is the value half of a Registry entry: {online_at, session_ref}
// per §4.B.
type Lease struct {
	Key       string
	Metadata  map[string]any
	OnlineAt  time.Time
	SessionID string
}

// EventKind distinguishes a join from a leave in a subscribe() stream.
type EventKind string

const (
	EventJoin  EventKind = "join"
	EventLeave EventKind = "leave"
)

// Event is delivered to Registry subscribers, mirroring §4.B's
// `{join, key, meta}` / `{leave, key, meta}` shape.
type Event struct {
	Kind EventKind
	Key  string
	Meta map[string]any
}

// Topic name helpers (§4.B topic scheme).
func ClientsTopic(accountID string) string { return "clients:" + accountID }
func GatewaysTopic(accountID string) string { return "gateways:" + accountID }
func RelaysTopic(accountID string) string  { return "relays:" + accountID }

const GlobalRelaysTopic = "relays"

// Registry is a topic-keyed lease table. Within a single process it is
// strongly consistent: Join is visible to any Subscribe call made
// before or after it returns, per §4.B's single-instance ordering
// guarantee. It does not exchange state with other instances.
type Registry struct {
	bus *pubsub.Bus

	mu     sync.RWMutex
	topics map[string]map[string]*Lease
}

func New(bus *pubsub.Bus) *Registry {
	return &Registry{bus: bus, topics: make(map[string]map[string]*Lease)}
}

// Join records a lease and publishes a join event to topic's
// subscribers. Called once per session on successful authentication.
func (r *Registry) Join(topic, key string, metadata map[string]any, sessionID string) {
	lease := &Lease{Key: key, Metadata: metadata, OnlineAt: time.Now().UTC(), SessionID: sessionID}

	r.mu.Lock()
	set, ok := r.topics[topic]
	if !ok {
		set = make(map[string]*Lease)
		r.topics[topic] = set
	}
	set[key] = lease
	r.mu.Unlock()

	r.bus.Publish(topic, Event{Kind: EventJoin, Key: key, Meta: metadata})
}

// Leave removes a lease and publishes a leave event. Fired whenever the
// owning session's socket closes, for any reason (§4.B).
func (r *Registry) Leave(topic, key string) {
	r.mu.Lock()
	var meta map[string]any
	if set, ok := r.topics[topic]; ok {
		if lease, ok := set[key]; ok {
			meta = lease.Metadata
		}
		delete(set, key)
		if len(set) == 0 {
			delete(r.topics, topic)
		}
	}
	r.mu.Unlock()

	r.bus.Publish(topic, Event{Kind: EventLeave, Key: key, Meta: meta})
}

// List returns a snapshot of every live lease under topic.
func (r *Registry) List(topic string) map[string]*Lease {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.topics[topic]
	out := make(map[string]*Lease, len(set))
	for k, v := range set {
		cp := *v
		out[k] = &cp
	}
	return out
}

// Subscribe opens an event stream for topic. A subscription opened
// before a Join call is guaranteed to observe that join, since Join
// publishes only after the lease is committed to the table — any
// Subscribe that raced ahead of it already holds its mailbox.
func (r *Registry) Subscribe(ctx context.Context, topic string) <-chan Event {
	raw := r.bus.Subscribe(ctx, topic)
	out := make(chan Event)
	go func() {
		defer close(out)
		for evt := range raw {
			presenceEvt, ok := evt.Payload.(Event)
			if !ok {
				continue
			}
			select {
			case out <- presenceEvt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// LeaveSession removes every lease across every topic whose
// SessionID matches sessionID — used when a session socket node
// crashes and a per-lease Leave can't be issued individually (§4.B
// "crash of a session node invalidates all its leases").
func (r *Registry) LeaveSession(sessionID string) {
	r.mu.Lock()
	type pending struct {
		topic, key string
		meta       map[string]any
	}
	var toLeave []pending
	for topic, set := range r.topics {
		for key, lease := range set {
			if lease.SessionID == sessionID {
				toLeave = append(toLeave, pending{topic, key, lease.Metadata})
				delete(set, key)
			}
		}
		if len(set) == 0 {
			delete(r.topics, topic)
		}
	}
	r.mu.Unlock()

	for _, p := range toLeave {
		r.bus.Publish(p.topic, Event{Kind: EventLeave, Key: p.key, Meta: p.meta})
	}
}
