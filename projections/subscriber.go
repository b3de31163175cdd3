package projections

import (
	"context"
	"fmt"
	"sort"

	"github.com/nightjar-co/boardview"
	"github.com/nightjar-co/boardview/events"
)

// HandlerFunc maps one event type to document mutations. Handlers follow
// read-modify-upsert: load the owned document (creating it lazily with
// defaults derived from the event when absent), optionally resolve
// cross-aggregate state, and upsert. A handler that needs a missing reference
// returns boardview.ErrReferenceNotFound so the envelope is retried once the
// reference becomes visible. Handlers must be idempotent: the same envelope
// may be applied again after a crash between the document write and the
// checkpoint advance.
type HandlerFunc func(ctx context.Context, env events.Envelope, docs DocumentStore) error

// Subscriber is a named consumer of one aggregate category with an ordered
// dispatch table keyed by event type. Built once at startup; not safe for
// concurrent registration.
type Subscriber struct {
	category events.Category
	name     string
	handlers map[string]HandlerFunc
}

// NewSubscriber creates a subscriber for the given category. The name keys
// the subscriber's checkpoints and must be stable across restarts.
func NewSubscriber(category events.Category, name string) *Subscriber {
	return &Subscriber{
		category: category,
		name:     name,
		handlers: make(map[string]HandlerFunc),
	}
}

// On registers a handler for the given event type. Registering a second
// handler for the same type is a configuration error.
func (s *Subscriber) On(eventType string, fn HandlerFunc) error {
	if _, ok := s.handlers[eventType]; ok {
		return fmt.Errorf("subscriber %s: event type %s: %w", s.name, eventType, boardview.ErrDuplicateHandler)
	}
	s.handlers[eventType] = fn
	return nil
}

// Name returns the subscriber identifier used for checkpointing.
func (s *Subscriber) Name() string { return s.name }

// Category returns the aggregate category this subscriber consumes.
func (s *Subscriber) Category() events.Category { return s.category }

// EventTypes returns the event types this subscriber handles, sorted.
func (s *Subscriber) EventTypes() []string {
	types := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Handler returns the handler for the given event type, or nil. Subscribers
// opt into a subset of event types; an absent handler means skip, not error.
func (s *Subscriber) Handler(eventType string) HandlerFunc {
	return s.handlers[eventType]
}

// Registry is the process-wide table of subscribers, built once at startup
// and read-only thereafter.
type Registry struct {
	subs []*Subscriber
	seen map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{seen: make(map[string]struct{})}
}

// Add registers a subscriber. Duplicate (category, name) pairs are a
// configuration error.
func (r *Registry) Add(sub *Subscriber) error {
	key := string(sub.category) + "/" + sub.name
	if _, ok := r.seen[key]; ok {
		return fmt.Errorf("registry: %s/%s: %w", sub.category, sub.name, boardview.ErrDuplicateSubscriber)
	}
	r.seen[key] = struct{}{}
	r.subs = append(r.subs, sub)
	return nil
}

// Subscribers returns all registered subscribers in registration order.
func (r *Registry) Subscribers() []*Subscriber {
	return r.subs
}
