package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratum-os/kernel/pkg/config"
	"github.com/stratum-os/kernel/pkg/event"
	"github.com/stratum-os/kernel/pkg/replay"
	"github.com/stratum-os/kernel/pkg/tenant"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	mr := miniredis.RunT(t)
	return &config.Config{
		LogLevel:              "ERROR",
		DatabaseDriver:        "sqlite",
		DatabaseURL:           "file::memory:",
		RedisAddr:             mr.Addr(),
		IdempotencyTTL:        time.Hour,
		ReplayBatchSize:       2,
		ReplayEventsPerSecond: 0,
	}
}

func TestNewWiresWritePath(t *testing.T) {
	ctx := context.Background()
	k, err := New(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close(ctx) })

	require.NoError(t, k.Types.Register("retail.sale.recorded"))

	tctx := tenant.StaticContext{Business: "biz-1", Active: true}
	for i, id := range []string{"e-1", "e-2", "e-3"} {
		out := k.Service.PersistEvent(ctx, &event.Event{
			EventID:       id,
			EventType:     "retail.sale.recorded",
			EventVersion:  1,
			BusinessID:    "biz-1",
			SourceEngine:  "retail",
			ActorType:     event.ActorHuman,
			ActorID:       "user-1",
			CorrelationID: "corr-1",
			Payload:       map[string]interface{}{"seq": i},
			CreatedAt:     time.Now().UTC(),
			Status:        event.StatusFinal,
		}, tctx)
		require.True(t, out.Accepted, "persist %s: %+v", id, out.Rejection)
	}

	// The replayer carries the configured batch size as its default.
	res, err := k.Replayer.Replay(ctx, replay.Options{BusinessID: "biz-1"})
	require.NoError(t, err)
	assert.True(t, res.ChainVerified)
	assert.Equal(t, 3, res.EventsProcessed)
	assert.Equal(t, "e-3", res.LastEventID)
}

func TestNewCachesCommittedIDs(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	k, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close(ctx) })

	require.NoError(t, k.Types.Register("retail.sale.recorded"))
	tctx := tenant.StaticContext{Business: "biz-1", Active: true}

	e := &event.Event{
		EventID:       "e-1",
		EventType:     "retail.sale.recorded",
		EventVersion:  1,
		BusinessID:    "biz-1",
		SourceEngine:  "retail",
		ActorType:     event.ActorHuman,
		ActorID:       "user-1",
		CorrelationID: "corr-1",
		Payload:       map[string]interface{}{"sku": "A-1"},
		CreatedAt:     time.Now().UTC(),
		Status:        event.StatusFinal,
	}
	require.True(t, k.Service.PersistEvent(ctx, e, tctx).Accepted)

	rej, err := k.Guard.Check(ctx, "e-1")
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, event.CodeDuplicateEventID, rej.Code)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.DatabaseDriver = "oracle"
	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "unsupported database driver")
}
