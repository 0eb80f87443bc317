package governance

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// EngineRegistry holds every engine contract and the derived
// event-type-to-owner map. It has two phases: open (bootstrap registration)
// and locked (read-only enforcement). Lock is one-way.
type EngineRegistry struct {
	mu        sync.RWMutex
	contracts map[string]*EngineContract
	owners    map[string]string // event type -> owning engine
	locked    bool
	logger    *slog.Logger
}

// NewEngineRegistry creates an open, empty registry.
func NewEngineRegistry() *EngineRegistry {
	return &EngineRegistry{
		contracts: make(map[string]*EngineContract),
		owners:    make(map[string]string),
		logger:    slog.Default(),
	}
}

// WithLogger overrides the registry logger.
func (r *EngineRegistry) WithLogger(l *slog.Logger) *EngineRegistry {
	r.logger = l
	return r
}

// RegisterEngine admits a contract during bootstrap. Registration after
// Lock, duplicate engine names, and ownership conflicts with already
// registered contracts are all refused.
func (r *EngineRegistry) RegisterEngine(c *EngineContract) error {
	if c == nil {
		return fmt.Errorf("governance: nil contract")
	}
	if err := c.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return fmt.Errorf("%w: cannot register engine %s", ErrRegistryLocked, c.Name)
	}
	if _, exists := r.contracts[c.Name]; exists {
		return fmt.Errorf("governance: engine %s is already registered", c.Name)
	}
	for _, t := range c.OwnedEventTypes {
		if owner, taken := r.owners[t]; taken {
			return fmt.Errorf("governance: event type %s is already owned by %s", t, owner)
		}
	}

	r.contracts[c.Name] = c
	for _, t := range c.OwnedEventTypes {
		r.owners[t] = c.Name
	}
	r.logger.Info("engine registered",
		"engine", c.Name,
		"version", c.Version.String(),
		"owned_types", len(c.OwnedEventTypes),
		"subscribed_types", len(c.SubscribedEventTypes),
	)
	return nil
}

// Lock ends the bootstrap phase. Every declared subscription must resolve
// to a type some registered engine owns; otherwise the lock fails and the
// registry stays open. Locking an already locked registry is a no-op.
func (r *EngineRegistry) Lock() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return nil
	}

	for _, c := range r.contracts {
		for _, t := range c.SubscribedEventTypes {
			if _, ok := r.owners[t]; !ok {
				return fmt.Errorf("governance: engine %s subscribes to %s: %w",
					c.Name, t, &UnknownEventTypeViolation{EventType: t})
			}
		}
	}

	r.locked = true
	r.logger.Info("engine registry locked",
		"engines", len(r.contracts),
		"owned_types", len(r.owners),
	)
	return nil
}

// Locked reports whether the bootstrap phase has ended.
func (r *EngineRegistry) Locked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locked
}

// Contract returns the registered contract for an engine, or nil.
func (r *EngineRegistry) Contract(engine string) *EngineContract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contracts[engine]
}

// Owner returns the engine owning eventType, if any.
func (r *EngineRegistry) Owner(eventType string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[eventType]
	return owner, ok
}

// Engines returns all registered engine names, sorted.
func (r *EngineRegistry) Engines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.contracts))
	for name := range r.contracts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// OwnedTypes returns every owned event type across all contracts, sorted.
func (r *EngineRegistry) OwnedTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.owners))
	for t := range r.owners {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
