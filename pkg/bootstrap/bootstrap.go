// Package bootstrap assembles a running kernel from configuration: open the
// ledger backend, wire the write path, the replayer, and telemetry. Embedding
// hosts call New once and hold the returned Kernel for the process lifetime.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite" // registers the "sqlite" driver; lib/pq comes in through eventstore

	"github.com/stratum-os/kernel/pkg/bus"
	"github.com/stratum-os/kernel/pkg/config"
	"github.com/stratum-os/kernel/pkg/eventstore"
	"github.com/stratum-os/kernel/pkg/eventtypes"
	"github.com/stratum-os/kernel/pkg/idempotency"
	"github.com/stratum-os/kernel/pkg/observability"
	"github.com/stratum-os/kernel/pkg/persist"
	"github.com/stratum-os/kernel/pkg/replay"
)

// Kernel is the fully wired event kernel.
type Kernel struct {
	Config      *config.Config
	Logger      *slog.Logger
	Store       *eventstore.SQLStore
	Types       *eventtypes.Registry
	Guard       *idempotency.Guard
	Gate        *replay.Gate
	Subscribers *bus.Registry
	Service     *persist.Service
	Replayer    *replay.Replayer
	Telemetry   *observability.Provider

	db    *sql.DB
	redis *redis.Client
}

// New builds a kernel from cfg. The schema is created if missing and the
// store's structural self-test runs before anything else touches the ledger.
func New(ctx context.Context, cfg *config.Config) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Load()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := observability.SetupLogger(cfg.LogLevel)

	var telemetry *observability.Provider
	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		p, err := observability.New(ctx, obsCfg)
		if err != nil {
			return nil, err
		}
		telemetry = p
	}

	db, store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	store.WithLogger(logger)
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.SelfTest(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	guard := idempotency.New(store).WithLogger(logger)
	var cache *redis.Client
	if cfg.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		guard.WithCache(cache, cfg.IdempotencyTTL)
	}

	types := eventtypes.NewRegistry()
	gate := replay.NewGate()
	subscribers := bus.NewRegistry()

	service := persist.NewService(store, types, guard, gate, subscribers).
		WithLogger(logger).
		WithMetrics(telemetry)

	replayer := replay.NewReplayer(store, subscribers, gate).
		WithLogger(logger).
		WithMetrics(telemetry).
		WithDefaults(cfg.ReplayBatchSize, cfg.ReplayEventsPerSecond)

	return &Kernel{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Types:       types,
		Guard:       guard,
		Gate:        gate,
		Subscribers: subscribers,
		Service:     service,
		Replayer:    replayer,
		Telemetry:   telemetry,
		db:          db,
		redis:       cache,
	}, nil
}

func openStore(cfg *config.Config) (*sql.DB, *eventstore.SQLStore, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: open postgres: %w", err)
		}
		return db, eventstore.NewPostgresStore(db), nil
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: open sqlite: %w", err)
		}
		// modernc sqlite serializes on a single connection.
		db.SetMaxOpenConns(1)
		return db, eventstore.NewSQLiteStore(db), nil
	default:
		return nil, nil, fmt.Errorf("bootstrap: unsupported database driver %q", cfg.DatabaseDriver)
	}
}

// Close releases every resource the kernel holds. Safe to call once.
func (k *Kernel) Close(ctx context.Context) error {
	var firstErr error
	if err := k.Telemetry.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if k.redis != nil {
		if err := k.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if k.db != nil {
		if err := k.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
