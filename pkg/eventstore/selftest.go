package eventstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/stratum-os/kernel/pkg/event"
)

// SelfTest asserts the structural immutability guards at boot: an in-memory
// row marked already-persisted must be refused by the write path, and the
// delete path must always refuse. It touches no stored rows.
func (s *SQLStore) SelfTest(ctx context.Context) error {
	probe := &event.Event{EventID: "selftest-" + uuid.New().String()}
	probe.MarkPersisted()

	if err := s.InsertTx(ctx, nil, probe); !errors.Is(err, ErrImmutableEvent) {
		return fmt.Errorf("eventstore: self-test failed: re-saving a persisted row returned %v, want ErrImmutableEvent", err)
	}
	if err := s.Delete(ctx, probe.EventID); !errors.Is(err, ErrAppendOnly) {
		return fmt.Errorf("eventstore: self-test failed: delete returned %v, want ErrAppendOnly", err)
	}
	return nil
}
