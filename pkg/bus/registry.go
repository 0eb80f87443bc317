// Package bus routes committed events to registered handlers. The same
// dispatch function serves the live (post-commit) path and historical
// replay, so the two can never diverge.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stratum-os/kernel/pkg/event"
)

var (
	// ErrDuplicateHandler means a handler with the same name is already
	// subscribed to the event type.
	ErrDuplicateHandler = errors.New("duplicate handler for event type")
	// ErrSelfSubscription means an engine tried to subscribe to its own
	// event types without the explicit override.
	ErrSelfSubscription = errors.New("engine may not subscribe to its own event types")
)

// HandlerFunc processes one committed event. A returned error (or panic) is
// isolated to the handler and recorded in the dispatch report.
type HandlerFunc func(ctx context.Context, evt *event.Event) error

// Handler is a named subscription callback.
type Handler struct {
	Name string
	Fn   HandlerFunc
}

// Filter optionally narrows a subscription to matching events. A filter
// error is reported as a handler failure, never raised.
type Filter interface {
	Match(evt *event.Event) (bool, error)
}

type subscription struct {
	handler Handler
	engine  string
	filter  Filter
}

// Registry maps event types to ordered (handler, engine) pairs. It is
// populated during bootstrap and shared read-only across request threads.
type Registry struct {
	mu   sync.RWMutex
	subs map[string][]subscription
}

// NewRegistry creates an empty subscriber registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string][]subscription)}
}

type subscribeConfig struct {
	filter    Filter
	allowSelf bool
}

// Option configures one subscription.
type Option func(*subscribeConfig)

// WithFilter attaches a match predicate to the subscription.
func WithFilter(f Filter) Option {
	return func(c *subscribeConfig) { c.filter = f }
}

// AllowSelfSubscription permits the deliberate case of an engine listening
// to its own namespace.
func AllowSelfSubscription() Option {
	return func(c *subscribeConfig) { c.allowSelf = true }
}

// RegisterSubscriber appends (handler, engine) to the ordered list for
// eventType. Duplicate handler names per type are rejected, and an engine
// subscribing to its own namespace is rejected unless AllowSelfSubscription
// is passed.
func (r *Registry) RegisterSubscriber(eventType string, h Handler, subscriberEngine string, opts ...Option) error {
	if eventType == "" || h.Fn == nil || h.Name == "" {
		return errors.New("bus: subscription requires an event type and a named handler")
	}

	var cfg subscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if !cfg.allowSelf && event.TypeNamespace(eventType) == subscriberEngine {
		return fmt.Errorf("%w: %s on %s", ErrSelfSubscription, subscriberEngine, eventType)
	}

	sub := subscription{handler: h, engine: subscriberEngine, filter: cfg.filter}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.subs[eventType] {
		if existing.handler.Name == h.Name {
			return fmt.Errorf("%w: %s on %s", ErrDuplicateHandler, h.Name, eventType)
		}
	}
	r.subs[eventType] = append(r.subs[eventType], sub)
	return nil
}

// Subscribers returns the subscription count for an event type.
func (r *Registry) Subscribers(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[eventType])
}

func (r *Registry) subscriptions(eventType string) []subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]subscription, len(r.subs[eventType]))
	copy(out, r.subs[eventType])
	return out
}
