package governance

import (
	"fmt"

	"github.com/stratum-os/kernel/pkg/eventtypes"
)

// SyncEventTypes admits every owned event type from the locked engine
// registry into the write-path type registry. It is the one bridge between
// the governance model and event admission, run once at the end of
// bootstrap; nothing becomes persistable without passing through here.
func SyncEventTypes(engines *EngineRegistry, types *eventtypes.Registry) error {
	if !engines.Locked() {
		return &RegistryNotLockedError{}
	}
	for _, t := range engines.OwnedTypes() {
		if err := types.Register(t); err != nil {
			return fmt.Errorf("governance: sync event type %s: %w", t, err)
		}
	}
	return nil
}
