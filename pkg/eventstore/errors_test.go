package eventstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratum-os/kernel/pkg/hashchain"
)

func TestAsUniqueViolationPostgres(t *testing.T) {
	pkErr := &pq.Error{Code: "23505", Constraint: "events_pkey"}
	v, ok := AsUniqueViolation(pkErr)
	require.True(t, ok)
	assert.Equal(t, "events_pkey", v.Constraint)
	assert.True(t, IsDuplicateEventID(pkErr))
	assert.False(t, IsChainHeadConflict(pkErr))

	headErr := &pq.Error{Code: "23505", Constraint: "events_chain_head_key"}
	assert.True(t, IsChainHeadConflict(headErr))
	assert.False(t, IsDuplicateEventID(headErr))

	// Other SQLSTATEs are not unique violations.
	_, ok = AsUniqueViolation(&pq.Error{Code: "40001"})
	assert.False(t, ok)
}

func TestAsUniqueViolationSQLiteFallback(t *testing.T) {
	pkErr := errors.New("constraint failed: UNIQUE constraint failed: events.event_id (1555)")
	v, ok := AsUniqueViolation(pkErr)
	require.True(t, ok)
	assert.Equal(t, "events_pkey", v.Constraint)

	headErr := errors.New("constraint failed: UNIQUE constraint failed: events.business_id, events.previous_event_hash (2067)")
	assert.True(t, IsChainHeadConflict(headErr))

	_, ok = AsUniqueViolation(errors.New("database is locked"))
	assert.False(t, ok)
}

func TestAsUniqueViolationNil(t *testing.T) {
	_, ok := AsUniqueViolation(nil)
	assert.False(t, ok)
}

// The Postgres paths are exercised against sqlmock: the driver error must
// surface unchanged through InsertTx so the persistence service can
// classify it.
func TestInsertTxSurfacesDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "events_chain_head_key"})
	mock.ExpectRollback()

	tx, err := db.Begin()
	require.NoError(t, err)

	e := testEvent("e-1", "biz-1", hashchain.Genesis, time.Now().UTC())
	insertErr := store.InsertTx(context.Background(), tx, e)
	require.Error(t, insertErr)
	assert.True(t, IsChainHeadConflict(insertErr))
	assert.False(t, e.Persisted())

	_ = tx.Rollback()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChainHeadForUpdateUsesRowLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("NOT EXISTS[\\s\\S]*ORDER BY e.received_at DESC, e.event_id DESC\\s+LIMIT 1 FOR UPDATE").
		WithArgs("biz-1").
		WillReturnRows(sqlmock.NewRows([]string{"event_hash"}).AddRow("head-hash"))

	tx, err := db.Begin()
	require.NoError(t, err)

	head, err := store.ChainHeadForUpdate(context.Background(), tx, "biz-1")
	require.NoError(t, err)
	assert.Equal(t, "head-hash", head)
	assert.NoError(t, mock.ExpectationsWereMet())
}
