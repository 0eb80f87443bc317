package governance

import (
	"context"

	"github.com/stratum-os/kernel/pkg/bus"
	"github.com/stratum-os/kernel/pkg/event"
	"github.com/stratum-os/kernel/pkg/persist"
	"github.com/stratum-os/kernel/pkg/tenant"
)

// EnforceEmission checks that engine may emit eventType: the registry is
// locked, the engine has a contract, the type has an owner, and that owner
// is the emitting engine.
func (r *EngineRegistry) EnforceEmission(engine, eventType string) error {
	if !r.Locked() {
		return &RegistryNotLockedError{}
	}
	c := r.Contract(engine)
	if c == nil {
		return &UnregisteredEngineViolation{Engine: engine}
	}
	owner, ok := r.Owner(eventType)
	if !ok {
		return &UnknownEventTypeViolation{EventType: eventType}
	}
	if owner != engine {
		return &EmissionViolation{Engine: engine, EventType: eventType, Owner: owner}
	}
	return nil
}

// EnforceSubscription checks that engine may consume eventType: the
// registry is locked, the engine has a contract, the type has an owner,
// the owner is a different engine, and the contract declares the
// subscription.
func (r *EngineRegistry) EnforceSubscription(engine, eventType string) error {
	if !r.Locked() {
		return &RegistryNotLockedError{}
	}
	c := r.Contract(engine)
	if c == nil {
		return &UnregisteredEngineViolation{Engine: engine}
	}
	owner, ok := r.Owner(eventType)
	if !ok {
		return &UnknownEventTypeViolation{EventType: eventType}
	}
	if owner == engine {
		return &SubscriptionViolation{Engine: engine, EventType: eventType,
			Reason: "the type is in the engine's own namespace"}
	}
	if !c.SubscribesTo(eventType) {
		return &SubscriptionViolation{Engine: engine, EventType: eventType,
			Reason: "the subscription is not declared in the engine's contract"}
	}
	return nil
}

// Enforcer fronts the write path and the subscriber registry with contract
// enforcement. Engines talk to the kernel through this surface only.
type Enforcer struct {
	engines     *EngineRegistry
	service     *persist.Service
	subscribers *bus.Registry
}

// NewEnforcer wires enforcement over the persistence service and bus.
func NewEnforcer(engines *EngineRegistry, service *persist.Service, subscribers *bus.Registry) *Enforcer {
	return &Enforcer{engines: engines, service: service, subscribers: subscribers}
}

// PersistEvent enforces emission ownership for the event's source engine,
// then hands off to the persistence pipeline. A governance violation is
// returned as a typed error and nothing reaches storage.
func (e *Enforcer) PersistEvent(ctx context.Context, evt *event.Event, tctx tenant.Context, opts ...persist.Option) (persist.Outcome, error) {
	if err := e.engines.EnforceEmission(evt.SourceEngine, evt.EventType); err != nil {
		return persist.Outcome{}, err
	}
	return e.service.PersistEvent(ctx, evt, tctx, opts...), nil
}

// RegisterSubscriber enforces the subscription contract, then registers the
// handler on the bus.
func (e *Enforcer) RegisterSubscriber(eventType string, h bus.Handler, engine string, opts ...bus.Option) error {
	if err := e.engines.EnforceSubscription(engine, eventType); err != nil {
		return err
	}
	return e.subscribers.RegisterSubscriber(eventType, h, engine, opts...)
}

// RegisterSelfSubscriber is the deliberate exception to the self-subscription
// rule: an engine may listen to an event type it itself owns, scoped to
// exactly that engine and type. The registry must be locked and the engine
// must actually own the type.
func (e *Enforcer) RegisterSelfSubscriber(eventType string, h bus.Handler, engine string, opts ...bus.Option) error {
	if !e.engines.Locked() {
		return &RegistryNotLockedError{}
	}
	if e.engines.Contract(engine) == nil {
		return &UnregisteredEngineViolation{Engine: engine}
	}
	owner, ok := e.engines.Owner(eventType)
	if !ok {
		return &UnknownEventTypeViolation{EventType: eventType}
	}
	if owner != engine {
		return &SubscriptionViolation{Engine: engine, EventType: eventType,
			Reason: "the self-subscription override only covers the engine's own types"}
	}
	opts = append(opts, bus.AllowSelfSubscription())
	return e.subscribers.RegisterSubscriber(eventType, h, engine, opts...)
}
