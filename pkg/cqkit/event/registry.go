package event

import (
	"context"
	"sync"
)

// Handler consumes events. A handler declares the event types it is
// interested in; the bus fans each matching event out to every registered
// handler independently, so handlers never observe each other's failures.
type Handler interface {
	// Name identifies the handler for registry idempotency, breaker state,
	// and logging.
	Name() string

	// EventTypes returns the event types this handler consumes.
	EventTypes() []string

	// Handle processes one event. Returning an error (or panicking) routes
	// the event into the retry / dead-letter pipeline.
	Handle(ctx context.Context, evt *Envelope) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerName string
	Types       []string
	Fn          func(ctx context.Context, evt *Envelope) error
}

// Name implements Handler.
func (h HandlerFunc) Name() string { return h.HandlerName }

// EventTypes implements Handler.
func (h HandlerFunc) EventTypes() []string { return h.Types }

// Handle implements Handler.
func (h HandlerFunc) Handle(ctx context.Context, evt *Envelope) error {
	return h.Fn(ctx, evt)
}

// Registry maps event types to their interested handlers. Registration is
// idempotent by handler name, preserves registration order, and is safe to
// call while dispatch is in flight.
type Registry struct {
	mu       sync.RWMutex
	byType   map[string][]Handler // event type -> handlers in registration order
	handlers map[string]Handler   // handler name -> handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		byType:   make(map[string][]Handler),
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for every type it declares. Registering the same
// handler name twice for a type does not create duplicate invocations.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[h.Name()] = h

	for _, t := range h.EventTypes() {
		if r.containsLocked(t, h.Name()) {
			continue
		}
		r.byType[t] = append(r.byType[t], h)
	}
}

// Unregister removes a handler from every type it was registered for.
func (r *Registry) Unregister(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.handlers, h.Name())

	for t, entries := range r.byType {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.Name() != h.Name() {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(r.byType, t)
		} else {
			r.byType[t] = kept
		}
	}
}

// HandlersFor returns the handlers for an event type in registration order.
// The returned slice is a copy; in-flight dispatch is not disturbed by
// concurrent register/unregister calls.
func (r *Registry) HandlersFor(eventType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.byType[eventType]
	if len(entries) == 0 {
		return nil
	}
	out := make([]Handler, len(entries))
	copy(out, entries)
	return out
}

// Len returns the number of distinct registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

func (r *Registry) containsLocked(eventType, name string) bool {
	for _, entry := range r.byType[eventType] {
		if entry.Name() == name {
			return true
		}
	}
	return false
}
