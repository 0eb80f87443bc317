// Package governance defines engine contracts and enforces event ownership:
// an engine may only emit event types in its own namespace and may only
// subscribe to types another engine declared. The contract registry is
// populated at bootstrap, locked, and read-only afterwards.
package governance

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/stratum-os/kernel/pkg/event"
)

// EngineContract declares an engine's identity, the event types it owns
// (emits), and the foreign types it subscribes to.
type EngineContract struct {
	// Name is the engine identifier and the namespace of everything it
	// owns. Dot-free: the first segment of an event type is matched
	// against it verbatim.
	Name string
	// Version tracks the contract revision for compatibility checks
	// between deployments.
	Version *semver.Version
	// OwnedEventTypes are the types this engine emits. Each must live in
	// the engine's namespace.
	OwnedEventTypes []string
	// SubscribedEventTypes are foreign types this engine consumes.
	SubscribedEventTypes []string
}

// NewContract builds a contract with a parsed semantic version.
func NewContract(name, version string, owned, subscribed []string) (*EngineContract, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("governance: contract %s has invalid version %q: %w", name, version, err)
	}
	c := &EngineContract{
		Name:                 name,
		Version:              v,
		OwnedEventTypes:      owned,
		SubscribedEventTypes: subscribed,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the contract's internal consistency: a dot-free name,
// well-formed namespaced types, every owned type inside the engine's own
// namespace, and disjoint owned/subscribed sets.
func (c *EngineContract) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("governance: contract requires an engine name")
	}
	if strings.Contains(c.Name, ".") {
		return fmt.Errorf("governance: engine name %q must not contain dots", c.Name)
	}
	if c.Version == nil {
		return fmt.Errorf("governance: contract %s requires a version", c.Name)
	}

	owned := make(map[string]struct{}, len(c.OwnedEventTypes))
	for _, t := range c.OwnedEventTypes {
		if !event.ValidTypeName(t) {
			return fmt.Errorf("governance: contract %s owns malformed type %q", c.Name, t)
		}
		if event.TypeNamespace(t) != c.Name {
			return fmt.Errorf("governance: contract %s cannot own %q outside its namespace", c.Name, t)
		}
		owned[t] = struct{}{}
	}

	for _, t := range c.SubscribedEventTypes {
		if !event.ValidTypeName(t) {
			return fmt.Errorf("governance: contract %s subscribes to malformed type %q", c.Name, t)
		}
		if _, ok := owned[t]; ok {
			return fmt.Errorf("governance: contract %s both owns and subscribes to %q", c.Name, t)
		}
	}
	return nil
}

// Owns reports whether the contract declares eventType as owned.
func (c *EngineContract) Owns(eventType string) bool {
	for _, t := range c.OwnedEventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// SubscribesTo reports whether the contract declares eventType as consumed.
func (c *EngineContract) SubscribesTo(eventType string) bool {
	for _, t := range c.SubscribedEventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}
