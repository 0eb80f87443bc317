// Package projection holds read models derived from the event ledger.
// Projections are disposable: they can be truncated and rebuilt from
// history at any time, and they never feed back into the write path.
package projection

import (
	"context"
	"sync"
	"time"

	"github.com/stratum-os/kernel/pkg/bus"
	"github.com/stratum-os/kernel/pkg/event"
)

// ActivityEntry is one row of the per-tenant activity feed.
type ActivityEntry struct {
	EventID      string
	EventType    string
	SourceEngine string
	ActorType    event.ActorType
	ActorID      string
	ReceivedAt   time.Time
}

// Activity is an in-memory activity feed keyed by business. It doubles as
// the reference projection for replay rebuilds: applying the same history
// in the same order always yields the same feed.
type Activity struct {
	mu      sync.RWMutex
	entries map[string][]ActivityEntry
}

// NewActivity creates an empty activity projection.
func NewActivity() *Activity {
	return &Activity{entries: make(map[string][]ActivityEntry)}
}

// Name identifies the projection for checkpoints and rebuilds.
func (a *Activity) Name() string { return "activity_feed" }

// Handler returns the bus handler that folds events into the feed.
func (a *Activity) Handler() bus.Handler {
	return bus.Handler{Name: a.Name(), Fn: a.apply}
}

func (a *Activity) apply(_ context.Context, e *event.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[e.BusinessID] = append(a.entries[e.BusinessID], ActivityEntry{
		EventID:      e.EventID,
		EventType:    e.EventType,
		SourceEngine: e.SourceEngine,
		ActorType:    e.ActorType,
		ActorID:      e.ActorID,
		ReceivedAt:   e.ReceivedAt,
	})
	return nil
}

// Truncate clears the feed for one business, or every business when
// businessID is empty.
func (a *Activity) Truncate(businessID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if businessID == "" {
		a.entries = make(map[string][]ActivityEntry)
		return nil
	}
	delete(a.entries, businessID)
	return nil
}

// Feed returns a copy of the business's activity entries in apply order.
func (a *Activity) Feed(businessID string) []ActivityEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	src := a.entries[businessID]
	out := make([]ActivityEntry, len(src))
	copy(out, src)
	return out
}

// Len returns the number of entries recorded for a business.
func (a *Activity) Len(businessID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries[businessID])
}
