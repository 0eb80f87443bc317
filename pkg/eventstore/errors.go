package eventstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

var (
	// ErrImmutableEvent is returned on any attempt to save an already
	// persisted row. There is no update path.
	ErrImmutableEvent = errors.New("event is already persisted and immutable")
	// ErrAppendOnly is returned on any attempt to delete a row. There is
	// no delete path.
	ErrAppendOnly = errors.New("event store is append-only; delete is forbidden")
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("event not found")
)

// Constraint names as declared in the schema. The SQLite driver does not
// surface constraint names, so the matching strings below mirror its
// "UNIQUE constraint failed: <columns>" message shape.
const (
	constraintEventPK   = "events_pkey"
	constraintChainHead = "events_chain_head_key"

	sqliteEventPKMatch   = "events.event_id"
	sqliteChainHeadMatch = "events.business_id, events.previous_event_hash"
)

// UniqueViolation is a storage-level unique-constraint failure with the
// violated constraint identified.
type UniqueViolation struct {
	Constraint string
	Err        error
}

func (u *UniqueViolation) Error() string {
	return fmt.Sprintf("unique constraint %s violated: %v", u.Constraint, u.Err)
}

func (u *UniqueViolation) Unwrap() error { return u.Err }

// AsUniqueViolation classifies a driver error. The primary mechanism is the
// structured *pq.Error (SQLSTATE 23505 plus constraint name); the string
// match is a documented fallback for drivers without structured
// diagnostics, such as SQLite.
func AsUniqueViolation(err error) (*UniqueViolation, bool) {
	if err == nil {
		return nil, false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code != "23505" {
			return nil, false
		}
		return &UniqueViolation{Constraint: pqErr.Constraint, Err: err}, true
	}

	// Fallback: SQLite reports "UNIQUE constraint failed: <columns>".
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return nil, false
	}
	switch {
	case strings.Contains(msg, sqliteChainHeadMatch):
		return &UniqueViolation{Constraint: constraintChainHead, Err: err}, true
	case strings.Contains(msg, sqliteEventPKMatch):
		return &UniqueViolation{Constraint: constraintEventPK, Err: err}, true
	}
	return &UniqueViolation{Err: err}, true
}

// IsDuplicateEventID reports whether err is a unique violation on the
// event_id primary key — a concurrent duplicate write.
func IsDuplicateEventID(err error) bool {
	v, ok := AsUniqueViolation(err)
	return ok && v.Constraint == constraintEventPK
}

// IsChainHeadConflict reports whether err is a unique violation on the
// (business_id, previous_event_hash) chain-head constraint — a concurrent
// writer extended the chain first.
func IsChainHeadConflict(err error) bool {
	v, ok := AsUniqueViolation(err)
	return ok && v.Constraint == constraintChainHead
}
