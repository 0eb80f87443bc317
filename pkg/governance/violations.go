package governance

import (
	"errors"
	"fmt"
)

// ErrRegistryLocked means an engine registration arrived after Lock.
var ErrRegistryLocked = errors.New("governance: engine registry is locked")

// RegistryNotLockedError means enforcement was attempted before the
// bootstrap lock, when the ownership map is still incomplete.
type RegistryNotLockedError struct{}

func (e *RegistryNotLockedError) Error() string {
	return "governance: registry must be locked before enforcement"
}

// EmissionViolation means an engine emitted an event type owned by another
// engine.
type EmissionViolation struct {
	Engine    string
	EventType string
	Owner     string
}

func (e *EmissionViolation) Error() string {
	return fmt.Sprintf("governance: engine %s may not emit %s, which is owned by %s",
		e.Engine, e.EventType, e.Owner)
}

// SubscriptionViolation means an engine subscribed to an event type its
// contract does not declare, or to its own namespace.
type SubscriptionViolation struct {
	Engine    string
	EventType string
	Reason    string
}

func (e *SubscriptionViolation) Error() string {
	return fmt.Sprintf("governance: engine %s may not subscribe to %s: %s",
		e.Engine, e.EventType, e.Reason)
}

// UnknownEventTypeViolation means an event type no registered contract owns.
type UnknownEventTypeViolation struct {
	EventType string
}

func (e *UnknownEventTypeViolation) Error() string {
	return fmt.Sprintf("governance: no registered engine owns event type %s", e.EventType)
}

// UnregisteredEngineViolation means an engine acted without a registered
// contract.
type UnregisteredEngineViolation struct {
	Engine string
}

func (e *UnregisteredEngineViolation) Error() string {
	return fmt.Sprintf("governance: engine %s has no registered contract", e.Engine)
}
