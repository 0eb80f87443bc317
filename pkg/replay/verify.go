package replay

import (
	"context"
	"fmt"

	"github.com/stratum-os/kernel/pkg/event"
	"github.com/stratum-os/kernel/pkg/eventstore"
	"github.com/stratum-os/kernel/pkg/hashchain"
)

// ChainCorruptionError reports a broken previous-hash link in a tenant's
// stored history.
type ChainCorruptionError struct {
	BusinessID string
	EventID    string
	Position   int
	Expected   string
	Actual     string
}

func (e *ChainCorruptionError) Error() string {
	return fmt.Sprintf("chain corruption for business %s at event %s (position %d): previous_event_hash %s, expected %s",
		e.BusinessID, e.EventID, e.Position, e.Actual, e.Expected)
}

// ChainTamperedError reports a stored event whose hash no longer derives
// from its payload and previous hash, i.e. the payload was altered after
// the fact.
type ChainTamperedError struct {
	BusinessID string
	EventID    string
	Position   int
	Stored     string
	Recomputed string
}

func (e *ChainTamperedError) Error() string {
	return fmt.Sprintf("chain tampered for business %s at event %s (position %d): stored hash %s, recomputed %s",
		e.BusinessID, e.EventID, e.Position, e.Stored, e.Recomputed)
}

// verifyBatchSize bounds memory during a chain walk.
const verifyBatchSize = 500

// VerifyChain walks a tenant's full history in insertion order — the
// (received_at asc, event_id asc) order the chain was linked in, not the
// producer-supplied created_at order — and checks that every
// previous_event_hash matches the hash of the preceding event, starting from
// the genesis sentinel. With full set, each event hash is additionally
// recomputed from its canonical payload, which detects in-place payload
// edits that a link walk alone cannot see.
func VerifyChain(ctx context.Context, store *eventstore.SQLStore, businessID string, full bool) (int, error) {
	var (
		cursor   eventstore.Cursor
		prev     = hashchain.Genesis
		position int
	)
	for {
		batch, err := store.LoadBatch(ctx, cursor, businessID, nil, verifyBatchSize)
		if err != nil {
			return position, err
		}
		if len(batch) == 0 {
			return position, nil
		}
		if err := verifyEvents(businessID, batch, full, &prev, &position); err != nil {
			return position, err
		}
		last := batch[len(batch)-1]
		cursor = eventstore.Cursor{ReceivedAt: last.ReceivedAt, EventID: last.EventID}
	}
}

func verifyEvents(businessID string, events []*event.Event, full bool, prevHash *string, position *int) error {
	prev := *prevHash
	for _, e := range events {
		i := *position
		if e.EventHash == "" {
			return fmt.Errorf("replay: event %s for business %s (position %d) has an empty event_hash", e.EventID, businessID, i)
		}
		if e.PreviousEventHash != prev {
			return &ChainCorruptionError{
				BusinessID: businessID,
				EventID:    e.EventID,
				Position:   i,
				Expected:   prev,
				Actual:     e.PreviousEventHash,
			}
		}
		if full {
			recomputed, err := hashchain.ComputeEventHash(e.Payload, e.PreviousEventHash)
			if err != nil {
				return fmt.Errorf("replay: recompute hash for %s: %w", e.EventID, err)
			}
			if recomputed != e.EventHash {
				return &ChainTamperedError{
					BusinessID: businessID,
					EventID:    e.EventID,
					Position:   i,
					Stored:     e.EventHash,
					Recomputed: recomputed,
				}
			}
		}
		prev = e.EventHash
		*position = i + 1
	}
	*prevHash = prev
	return nil
}
