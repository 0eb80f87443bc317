// Package idempotency detects duplicate event identifiers. A duplicate is
// always rejected outright — no payload comparison, no merge semantics —
// at two levels: an application pre-check before the transaction, and a
// translation of the storage-level unique violation that catches the race
// the pre-check cannot.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratum-os/kernel/pkg/event"
	"github.com/stratum-os/kernel/pkg/eventstore"
)

// Checker answers whether an event id is already persisted.
type Checker interface {
	Exists(ctx context.Context, eventID string) (bool, error)
}

// Guard performs duplicate detection. The optional Redis cache of recently
// committed ids short-circuits hot duplicates before the SQL round trip; it
// is an accelerator only — correctness never depends on it.
type Guard struct {
	store    Checker
	cache    *redis.Client
	cacheTTL time.Duration
	logger   *slog.Logger
}

// New creates a Guard over the store pre-check.
func New(store Checker) *Guard {
	return &Guard{store: store, cacheTTL: 24 * time.Hour, logger: slog.Default()}
}

// WithCache attaches a Redis client for the recent-ID fast path.
func (g *Guard) WithCache(client *redis.Client, ttl time.Duration) *Guard {
	g.cache = client
	if ttl > 0 {
		g.cacheTTL = ttl
	}
	return g
}

// WithLogger overrides the guard logger.
func (g *Guard) WithLogger(l *slog.Logger) *Guard {
	g.logger = l
	return g
}

func cacheKey(eventID string) string {
	return "kernel:event_id:" + eventID
}

// Check returns nil when eventID is unseen, or a DUPLICATE_EVENT_ID
// rejection when a row with that id already exists. Cache errors degrade to
// the SQL check.
func (g *Guard) Check(ctx context.Context, eventID string) (*event.Rejection, error) {
	if eventID == "" {
		return event.Reject(event.CodeDuplicateEventID, "idempotency",
			"event_id must not be empty"), nil
	}

	if g.cache != nil {
		seen, err := g.cache.Exists(ctx, cacheKey(eventID)).Result()
		if err != nil {
			g.logger.Debug("idempotency cache unavailable, falling back to store", "error", err)
		} else if seen > 0 {
			return duplicate(eventID), nil
		}
	}

	exists, err := g.store.Exists(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("idempotency: pre-check for %s: %w", eventID, err)
	}
	if exists {
		return duplicate(eventID), nil
	}
	return nil, nil
}

// Remember records a committed id in the cache. Best-effort; called from
// the post-commit hook.
func (g *Guard) Remember(ctx context.Context, eventID string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Set(ctx, cacheKey(eventID), 1, g.cacheTTL).Err(); err != nil {
		g.logger.Debug("idempotency cache write failed", "event_id", eventID, "error", err)
	}
}

// TranslateUniqueViolation converts a storage-level unique violation on the
// event primary key into the same rejection shape the pre-check produces,
// so duplicate detection stays correct under concurrent writers.
func TranslateUniqueViolation(eventID string, err error) *event.Rejection {
	if eventstore.IsDuplicateEventID(err) {
		return duplicate(eventID)
	}
	return nil
}

func duplicate(eventID string) *event.Rejection {
	return event.Reject(event.CodeDuplicateEventID, "idempotency",
		"an event with event_id %s already exists", eventID)
}
