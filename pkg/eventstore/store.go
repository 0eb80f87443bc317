// Package eventstore persists the append-only event ledger. It speaks
// database/sql with a Postgres (lib/pq) or SQLite (modernc.org/sqlite)
// backend; the SQLite form is used embedded and in tests.
//
// The store is deliberately dumb: write-once rows, no update path, no
// delete path, ordered reads. All orchestration lives in the persistence
// service.
package eventstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stratum-os/kernel/pkg/event"
	"github.com/stratum-os/kernel/pkg/hashchain"
)

// timeLayout is the wire form of every timestamp column: UTC, fixed-width
// fraction. Fixed width makes lexicographic order equal chronological order,
// which SQLite relies on for ORDER BY and range predicates over the stored
// text; Postgres parses the same form into TIMESTAMPTZ.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// sqlTime carries time.Time across both backends. lib/pq hands back
// time.Time for TIMESTAMPTZ while modernc sqlite returns the stored text,
// so reads must accept either.
type sqlTime struct {
	time.Time
}

func (t sqlTime) Value() (driver.Value, error) {
	return t.UTC().Format(timeLayout), nil
}

func (t *sqlTime) Scan(v interface{}) error {
	switch src := v.(type) {
	case time.Time:
		t.Time = src.UTC()
		return nil
	case string:
		return t.parse(src)
	case []byte:
		return t.parse(string(src))
	case nil:
		t.Time = time.Time{}
		return nil
	default:
		return fmt.Errorf("eventstore: cannot scan %T into a timestamp", v)
	}
}

func (t *sqlTime) parse(s string) error {
	parsed, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate older variable-width RFC 3339 text.
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("eventstore: malformed stored timestamp %q: %w", s, err)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// Dialect selects backend-specific SQL (row locking).
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore is the ledger storage layer.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewPostgresStore wraps an open Postgres connection pool.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: DialectPostgres, logger: slog.Default()}
}

// NewSQLiteStore wraps an open SQLite handle.
func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: DialectSQLite, logger: slog.Default()}
}

// WithLogger overrides the store logger.
func (s *SQLStore) WithLogger(l *slog.Logger) *SQLStore {
	s.logger = l
	return s
}

// Init creates the events and replay_checkpoints tables.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("eventstore: init schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for transaction control.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the configured backend dialect.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Exists reports whether a row with eventID is already persisted.
func (s *SQLStore) Exists(ctx context.Context, eventID string) (bool, error) {
	return exists(ctx, s.db, eventID)
}

// ExistsTx is Exists inside an open transaction.
func (s *SQLStore) ExistsTx(ctx context.Context, tx *sql.Tx, eventID string) (bool, error) {
	return exists(ctx, tx, eventID)
}

func exists(ctx context.Context, q querier, eventID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM events WHERE event_id = $1`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("eventstore: existence check for %s: %w", eventID, err)
	}
	return true, nil
}

// The chain head is resolved structurally: it is the one row of the tenant
// whose hash no other row links back to. UNIQUE (business_id,
// previous_event_hash) guarantees at most one such row, so the result does
// not depend on timestamp resolution; the ORDER BY is a deterministic
// belt for a corrupted ledger.
const headQuery = `
	SELECT e.event_hash FROM events e
	WHERE e.business_id = $1
	  AND NOT EXISTS (
		SELECT 1 FROM events n
		WHERE n.business_id = e.business_id
		  AND n.previous_event_hash = e.event_hash
	  )
	ORDER BY e.received_at DESC, e.event_id DESC
	LIMIT 1`

// ChainHead returns the tenant's current chain head hash, or the GENESIS
// sentinel for an empty history.
func (s *SQLStore) ChainHead(ctx context.Context, businessID string) (string, error) {
	return chainHead(ctx, s.db, headQuery, businessID)
}

// ChainHeadForUpdate returns the chain head under a row-level lock so a
// concurrent writer cannot extend the chain until the enclosing transaction
// finishes. SQLite serializes writers on its own, so the plain query is used
// there.
func (s *SQLStore) ChainHeadForUpdate(ctx context.Context, tx *sql.Tx, businessID string) (string, error) {
	q := headQuery
	if s.dialect == DialectPostgres {
		q += ` FOR UPDATE`
	}
	return chainHead(ctx, tx, q, businessID)
}

func chainHead(ctx context.Context, q querier, query, businessID string) (string, error) {
	var head string
	err := q.QueryRowContext(ctx, query, businessID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return hashchain.Genesis, nil
	}
	if err != nil {
		return "", fmt.Errorf("eventstore: chain head for business %s: %w", businessID, err)
	}
	return head, nil
}

const eventColumns = `event_id, event_type, event_version, business_id, branch_id,
	source_engine, actor_type, actor_id, correlation_id, causation_id,
	payload, reference, created_at, received_at, status, correction_of,
	previous_event_hash, event_hash`

// InsertTx writes one event row inside an open transaction. The write-once
// guard is structural: an event already marked persisted is refused before
// any SQL runs, and a persisted row can never be targeted again because
// event_id is the primary key.
func (s *SQLStore) InsertTx(ctx context.Context, tx *sql.Tx, e *event.Event) error {
	if e.Persisted() {
		return fmt.Errorf("%w: event %s", ErrImmutableEvent, e.EventID)
	}

	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("eventstore: marshal payload for %s: %w", e.EventID, err)
	}
	var referenceJSON interface{}
	if e.Reference != nil {
		b, err := json.Marshal(e.Reference)
		if err != nil {
			return fmt.Errorf("eventstore: marshal reference for %s: %w", e.EventID, err)
		}
		referenceJSON = string(b)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		e.EventID, e.EventType, e.EventVersion, e.BusinessID, nullable(e.BranchID),
		e.SourceEngine, string(e.ActorType), e.ActorID, e.CorrelationID, nullable(e.CausationID),
		string(payloadJSON), referenceJSON, sqlTime{e.CreatedAt}, sqlTime{e.ReceivedAt}, string(e.Status),
		nullable(e.CorrectionOf), e.PreviousEventHash, e.EventHash,
	)
	if err != nil {
		return err
	}

	e.MarkPersisted()
	return nil
}

// Insert writes one event row in its own transaction. Used by tooling and
// tests; the persistence service always drives InsertTx itself.
func (s *SQLStore) Insert(ctx context.Context, e *event.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("eventstore: begin insert tx: %w", err)
	}
	if err := s.InsertTx(ctx, tx, e); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Delete always fails: the ledger has no delete path.
func (s *SQLStore) Delete(ctx context.Context, eventID string) error {
	return fmt.Errorf("%w: refusing to delete event %s", ErrAppendOnly, eventID)
}

// LoadEventsForBusiness returns a tenant's full history strictly ordered by
// (created_at asc, event_id asc).
func (s *SQLStore) LoadEventsForBusiness(ctx context.Context, businessID string) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE business_id = $1
		ORDER BY created_at ASC, event_id ASC`, businessID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: load events for business %s: %w", businessID, err)
	}
	return collectEvents(rows)
}

// BusinessIDs returns every tenant that has at least one event, in stable
// order.
func (s *SQLStore) BusinessIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT business_id FROM events ORDER BY business_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("eventstore: list business ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("eventstore: scan business id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Get returns a single event by id.
func (s *SQLStore) Get(ctx context.Context, eventID string) (*event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: get event %s: %w", eventID, err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	return events[0], nil
}

// Cursor is a composite replay position: time then identifier, never time
// alone, so same-timestamp events are never skipped.
type Cursor struct {
	ReceivedAt time.Time
	EventID    string
}

// Zero reports whether the cursor points before the first event.
func (c Cursor) Zero() bool {
	return c.EventID == "" && c.ReceivedAt.IsZero()
}

// LoadBatch returns up to limit events strictly after the cursor in
// (received_at asc, event_id asc) order, optionally restricted to one
// tenant and an upper received_at bound.
func (s *SQLStore) LoadBatch(ctx context.Context, after Cursor, businessID string, until *time.Time, limit int) ([]*event.Event, error) {
	if limit <= 0 {
		limit = 500
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !after.Zero() {
		t := arg(sqlTime{after.ReceivedAt})
		id := arg(after.EventID)
		conds = append(conds, fmt.Sprintf("(received_at > %s OR (received_at = %s AND event_id > %s))", t, t, id))
	}
	if businessID != "" {
		conds = append(conds, "business_id = "+arg(businessID))
	}
	if until != nil {
		conds = append(conds, "received_at <= "+arg(sqlTime{*until}))
	}
	if len(conds) > 0 {
		query += " WHERE " + conds[0]
		for _, c := range conds[1:] {
			query += " AND " + c
		}
	}
	query += " ORDER BY received_at ASC, event_id ASC LIMIT " + arg(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: load batch: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]*event.Event, error) {
	defer func() { _ = rows.Close() }()

	result := make([]*event.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanEvent(rows *sql.Rows) (*event.Event, error) {
	var (
		e                                           event.Event
		branchID, causationID, correctionOf, refStr sql.NullString
		payloadStr                                  string
		actorType, status                           string
		createdAt, receivedAt                       sqlTime
	)
	err := rows.Scan(
		&e.EventID, &e.EventType, &e.EventVersion, &e.BusinessID, &branchID,
		&e.SourceEngine, &actorType, &e.ActorID, &e.CorrelationID, &causationID,
		&payloadStr, &refStr, &createdAt, &receivedAt, &status,
		&correctionOf, &e.PreviousEventHash, &e.EventHash,
	)
	if err != nil {
		return nil, fmt.Errorf("eventstore: scan event row: %w", err)
	}

	e.BranchID = branchID.String
	e.CausationID = causationID.String
	e.CorrectionOf = correctionOf.String
	e.ActorType = event.ActorType(actorType)
	e.Status = event.Status(status)
	e.CreatedAt = createdAt.Time
	e.ReceivedAt = receivedAt.Time

	if err := json.Unmarshal([]byte(payloadStr), &e.Payload); err != nil {
		return nil, fmt.Errorf("eventstore: corrupt payload JSON in event %s: %w", e.EventID, err)
	}
	if refStr.Valid && refStr.String != "" {
		if err := json.Unmarshal([]byte(refStr.String), &e.Reference); err != nil {
			return nil, fmt.Errorf("eventstore: corrupt reference JSON in event %s: %w", e.EventID, err)
		}
	}

	e.MarkPersisted()
	return &e, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
