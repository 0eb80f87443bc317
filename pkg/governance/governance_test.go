package governance

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/stratum-os/kernel/pkg/bus"
	"github.com/stratum-os/kernel/pkg/event"
	"github.com/stratum-os/kernel/pkg/eventstore"
	"github.com/stratum-os/kernel/pkg/eventtypes"
	"github.com/stratum-os/kernel/pkg/idempotency"
	"github.com/stratum-os/kernel/pkg/persist"
	"github.com/stratum-os/kernel/pkg/replay"
	"github.com/stratum-os/kernel/pkg/tenant"
)

func lockedRegistry(t *testing.T) *EngineRegistry {
	t.Helper()
	reg := NewEngineRegistry()

	cash, err := NewContract("cash", "1.0.0",
		[]string{"cash.sale.recorded", "cash.refund.issued"},
		[]string{"inventory.stock.moved"})
	require.NoError(t, err)
	inventory, err := NewContract("inventory", "2.1.0",
		[]string{"inventory.stock.moved"},
		[]string{"cash.sale.recorded"})
	require.NoError(t, err)

	require.NoError(t, reg.RegisterEngine(cash))
	require.NoError(t, reg.RegisterEngine(inventory))
	require.NoError(t, reg.Lock())
	return reg
}

func TestContractValidation(t *testing.T) {
	cases := []struct {
		name       string
		engine     string
		version    string
		owned      []string
		subscribed []string
		wantErr    string
	}{
		{"valid", "cash", "1.0.0", []string{"cash.sale.recorded"}, []string{"inventory.stock.moved"}, ""},
		{"dotted engine name", "cash.register", "1.0.0", nil, nil, "must not contain dots"},
		{"bad version", "cash", "not-semver", nil, nil, "invalid version"},
		{"foreign owned type", "cash", "1.0.0", []string{"inventory.stock.moved"}, nil, "outside its namespace"},
		{"malformed owned type", "cash", "1.0.0", []string{"cash"}, nil, "malformed type"},
		{"owns and subscribes", "cash", "1.0.0", []string{"cash.sale.recorded"}, []string{"cash.sale.recorded"}, "both owns and subscribes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewContract(tc.engine, tc.version, tc.owned, tc.subscribed)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestRegistryRejectsDuplicateEngine(t *testing.T) {
	reg := NewEngineRegistry()
	first, err := NewContract("inventory", "1.0.0", []string{"inventory.stock.moved"}, nil)
	require.NoError(t, err)
	require.NoError(t, reg.RegisterEngine(first))

	dup, err := NewContract("inventory", "1.1.0", []string{"inventory.stock.counted"}, nil)
	require.NoError(t, err)
	assert.ErrorContains(t, reg.RegisterEngine(dup), "already registered")
}

func TestRegistryLockValidatesSubscriptions(t *testing.T) {
	reg := NewEngineRegistry()
	c, err := NewContract("cash", "1.0.0",
		[]string{"cash.sale.recorded"},
		[]string{"inventory.stock.moved"}) // nobody owns this yet
	require.NoError(t, err)
	require.NoError(t, reg.RegisterEngine(c))

	err = reg.Lock()
	var unknown *UnknownEventTypeViolation
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "inventory.stock.moved", unknown.EventType)
	assert.False(t, reg.Locked(), "a failed lock leaves the registry open")
}

func TestRegistryRefusesRegistrationAfterLock(t *testing.T) {
	reg := lockedRegistry(t)
	late, err := NewContract("loyalty", "1.0.0", []string{"loyalty.points.awarded"}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, reg.RegisterEngine(late), ErrRegistryLocked)
	assert.NoError(t, reg.Lock(), "locking twice is a no-op")
}

func TestEnforceEmission(t *testing.T) {
	reg := lockedRegistry(t)

	assert.NoError(t, reg.EnforceEmission("cash", "cash.sale.recorded"))

	err := reg.EnforceEmission("cash", "inventory.stock.moved")
	var emission *EmissionViolation
	require.ErrorAs(t, err, &emission)
	assert.Equal(t, "inventory", emission.Owner, "the violation names the actual owner")
	assert.Equal(t, "cash", emission.Engine)

	var unknownType *UnknownEventTypeViolation
	require.ErrorAs(t, reg.EnforceEmission("cash", "ghost.thing.happened"), &unknownType)

	var unregistered *UnregisteredEngineViolation
	require.ErrorAs(t, reg.EnforceEmission("ghost", "cash.sale.recorded"), &unregistered)
}

func TestEnforceEmissionRequiresLock(t *testing.T) {
	reg := NewEngineRegistry()
	var notLocked *RegistryNotLockedError
	require.ErrorAs(t, reg.EnforceEmission("cash", "cash.sale.recorded"), &notLocked)
}

func TestEnforceSubscription(t *testing.T) {
	reg := lockedRegistry(t)

	assert.NoError(t, reg.EnforceSubscription("cash", "inventory.stock.moved"))

	var sub *SubscriptionViolation
	require.ErrorAs(t, reg.EnforceSubscription("cash", "cash.sale.recorded"), &sub)
	assert.Contains(t, sub.Reason, "own namespace")

	// inventory never declared cash.refund.issued.
	require.ErrorAs(t, reg.EnforceSubscription("inventory", "cash.refund.issued"), &sub)
	assert.Contains(t, sub.Reason, "not declared")
}

func TestSyncEventTypes(t *testing.T) {
	reg := lockedRegistry(t)
	types := eventtypes.NewRegistry()
	require.NoError(t, SyncEventTypes(reg, types))

	assert.True(t, types.IsRegistered("cash.sale.recorded"))
	assert.True(t, types.IsRegistered("cash.refund.issued"))
	assert.True(t, types.IsRegistered("inventory.stock.moved"))

	var notLocked *RegistryNotLockedError
	require.ErrorAs(t, SyncEventTypes(NewEngineRegistry(), types), &notLocked)
}

func TestCELFilter(t *testing.T) {
	f, err := CompileFilter(`payload.amount > 100.0 && event_type == "cash.sale.recorded"`)
	require.NoError(t, err)

	big := &event.Event{
		EventType: "cash.sale.recorded",
		Payload:   map[string]interface{}{"amount": 250.0},
	}
	matched, err := f.Match(big)
	require.NoError(t, err)
	assert.True(t, matched)

	small := &event.Event{
		EventType: "cash.sale.recorded",
		Payload:   map[string]interface{}{"amount": 10.0},
	}
	matched, err = f.Match(small)
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestCELFilterRejectsNonBoolean(t *testing.T) {
	_, err := CompileFilter(`payload.amount`)
	assert.ErrorContains(t, err, "boolean")
}

func TestCELFilterEvalErrorIsReported(t *testing.T) {
	f, err := CompileFilter(`payload.amount > 100.0`)
	require.NoError(t, err)

	_, err = f.Match(&event.Event{Payload: map[string]interface{}{}})
	assert.Error(t, err, "a missing payload key is a filter error, not a silent skip")
}

func newEnforcer(t *testing.T) (*Enforcer, *eventstore.SQLStore, *bus.Registry) {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store := eventstore.NewSQLiteStore(db)
	require.NoError(t, store.Init(context.Background()))

	reg := lockedRegistry(t)
	types := eventtypes.NewRegistry()
	require.NoError(t, SyncEventTypes(reg, types))

	subs := bus.NewRegistry()
	service := persist.NewService(store, types, idempotency.New(store), replay.NewGate(), subs)
	return NewEnforcer(reg, service, subs), store, subs
}

func governedEvent(id, engine, eventType string) *event.Event {
	return &event.Event{
		EventID:       id,
		EventType:     eventType,
		EventVersion:  1,
		BusinessID:    "biz-1",
		SourceEngine:  engine,
		ActorType:     event.ActorHuman,
		ActorID:       "user-1",
		CorrelationID: "corr-1",
		Payload:       map[string]interface{}{"amount": 42.0},
		CreatedAt:     time.Now().UTC(),
		Status:        event.StatusFinal,
	}
}

func TestEnforcedPersistAllowsOwnedEmission(t *testing.T) {
	enf, _, _ := newEnforcer(t)
	tctx := tenant.StaticContext{Business: "biz-1", Active: true}

	out, err := enf.PersistEvent(context.Background(), governedEvent("e-1", "cash", "cash.sale.recorded"), tctx)
	require.NoError(t, err)
	assert.True(t, out.Accepted, "%v", out.Rejection)
}

func TestEnforcedPersistBlocksForeignEmission(t *testing.T) {
	enf, store, _ := newEnforcer(t)
	tctx := tenant.StaticContext{Business: "biz-1", Active: true}

	_, err := enf.PersistEvent(context.Background(), governedEvent("e-1", "cash", "inventory.stock.moved"), tctx)
	var emission *EmissionViolation
	require.ErrorAs(t, err, &emission)
	assert.Equal(t, "inventory", emission.Owner)

	events, loadErr := store.LoadEventsForBusiness(context.Background(), "biz-1")
	require.NoError(t, loadErr)
	assert.Empty(t, events, "a blocked emission reaches nothing")
}

func TestEnforcedRegisterSubscriber(t *testing.T) {
	enf, _, subs := newEnforcer(t)
	h := bus.Handler{Name: "restock", Fn: func(ctx context.Context, e *event.Event) error { return nil }}

	require.NoError(t, enf.RegisterSubscriber("inventory.stock.moved", h, "cash"))
	assert.Equal(t, 1, subs.Subscribers("inventory.stock.moved"))

	var sub *SubscriptionViolation
	require.ErrorAs(t, enf.RegisterSubscriber("cash.refund.issued", h, "inventory"), &sub)
	assert.Zero(t, subs.Subscribers("cash.refund.issued"))
}

func TestRegisterSelfSubscriber(t *testing.T) {
	enf, _, subs := newEnforcer(t)
	h := bus.Handler{Name: "audit-mirror", Fn: func(ctx context.Context, e *event.Event) error { return nil }}

	require.NoError(t, enf.RegisterSelfSubscriber("cash.sale.recorded", h, "cash"))
	assert.Equal(t, 1, subs.Subscribers("cash.sale.recorded"))

	// The override covers only the engine's own types.
	var sub *SubscriptionViolation
	require.ErrorAs(t, enf.RegisterSelfSubscriber("inventory.stock.moved", h, "cash"), &sub)
	assert.Contains(t, sub.Reason, "override")
}
