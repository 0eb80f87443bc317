// Package eventtypes holds the registry of admissible event types.
// Free-text event types are forbidden on the write path: a type must be
// registered here (normally via the governance bootstrap sync) before any
// event carrying it is accepted.
package eventtypes

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/stratum-os/kernel/pkg/event"
)

// Registry is a mutex-guarded set of event types with optional JSON Schema
// payload contracts per (type, version). It is mutated during bootstrap and
// effectively read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	types   map[string]struct{}
	schemas map[string]*jsonschema.Schema // key: type@version
}

// NewRegistry creates an empty event-type registry.
func NewRegistry() *Registry {
	return &Registry{
		types:   make(map[string]struct{}),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register admits an event type. Idempotent; rejects malformed names.
func (r *Registry) Register(eventType string) error {
	if !event.ValidTypeName(eventType) {
		return fmt.Errorf("eventtypes: %q is not a namespaced engine.domain.action type", eventType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[eventType] = struct{}{}
	return nil
}

// IsRegistered reports whether eventType has been admitted.
func (r *Registry) IsRegistered(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[eventType]
	return ok
}

// Types returns all registered types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// RegisterSchema attaches a JSON Schema (draft 2020-12) to a registered
// (type, version) pair. Payloads of that version are then validated against
// it on the write path.
func (r *Registry) RegisterSchema(eventType string, version int, schema string) error {
	if version <= 0 {
		return fmt.Errorf("eventtypes: schema version must be positive, got %d", version)
	}
	if !r.IsRegistered(eventType) {
		return fmt.Errorf("eventtypes: cannot attach schema to unregistered type %q", eventType)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://stratum.schemas.local/events/%s.v%d.schema.json", eventType, version)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("eventtypes: schema load failed for %s v%d: %w", eventType, version, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("eventtypes: schema compile failed for %s v%d: %w", eventType, version, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schemaKey(eventType, version)] = compiled
	return nil
}

// ValidatePayload checks payload against the schema registered for
// (eventType, version), if any. No schema means no constraint.
func (r *Registry) ValidatePayload(eventType string, version int, payload map[string]interface{}) error {
	r.mu.RLock()
	schema := r.schemas[schemaKey(eventType, version)]
	r.mu.RUnlock()

	if schema == nil {
		return nil
	}

	// The validator expects JSON-decoded values (float64 / json.Number),
	// so round-trip the payload through encoding/json first.
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payload for %s v%d is not JSON-serializable: %w", eventType, version, err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("payload decode failed for %s v%d: %w", eventType, version, err)
	}

	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("payload does not satisfy schema for %s v%d: %w", eventType, version, err)
	}
	return nil
}

func schemaKey(eventType string, version int) string {
	return fmt.Sprintf("%s@%d", eventType, version)
}
