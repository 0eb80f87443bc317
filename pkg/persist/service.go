// Package persist implements the single lawful write path of the kernel:
// validation, idempotency, hash-chain verification, one atomic insert, and
// post-commit dispatch. Every accepted event in the ledger passed through
// Service.PersistEvent exactly once.
package persist

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratum-os/kernel/pkg/bus"
	"github.com/stratum-os/kernel/pkg/event"
	"github.com/stratum-os/kernel/pkg/eventstore"
	"github.com/stratum-os/kernel/pkg/eventtypes"
	"github.com/stratum-os/kernel/pkg/hashchain"
	"github.com/stratum-os/kernel/pkg/idempotency"
	"github.com/stratum-os/kernel/pkg/observability"
	"github.com/stratum-os/kernel/pkg/replay"
	"github.com/stratum-os/kernel/pkg/tenant"
	"github.com/stratum-os/kernel/pkg/validate"
)

// Outcome is the result of one persist attempt. On rejection no row was
// written; on acceptance Event carries the final envelope (hashes and
// received_at filled in) and Dispatch the post-commit report.
type Outcome struct {
	Accepted      bool
	Rejection     *event.Rejection
	AdvisoryActor bool
	Event         *event.Event
	Dispatch      *bus.Report
}

func rejected(rej *event.Rejection) Outcome {
	return Outcome{Rejection: rej}
}

// Service is the persistence orchestrator.
type Service struct {
	store       *eventstore.SQLStore
	types       *eventtypes.Registry
	guard       *idempotency.Guard
	subscribers *bus.Registry
	gate        *replay.Gate
	logger      *slog.Logger
	tracer      trace.Tracer
	clock       func() time.Time
	metrics     *observability.Provider
}

// NewService wires the write path. subscribers may be nil when no live
// dispatch is wanted (e.g. during bootstrap).
func NewService(store *eventstore.SQLStore, types *eventtypes.Registry, guard *idempotency.Guard, gate *replay.Gate, subscribers *bus.Registry) *Service {
	return &Service{
		store:       store,
		types:       types,
		guard:       guard,
		subscribers: subscribers,
		gate:        gate,
		logger:      slog.Default(),
		tracer:      otel.Tracer("kernel/persist"),
		clock:       time.Now,
	}
}

// WithLogger overrides the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the received_at clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithMetrics attaches the telemetry provider. A nil provider is fine; all
// recording calls degrade to no-ops.
func (s *Service) WithMetrics(p *observability.Provider) *Service {
	s.metrics = p
	return s
}

type persistConfig struct {
	scope       tenant.ScopeRequirement
	subscribers *bus.Registry
}

// Option configures one persist call.
type Option func(*persistConfig)

// WithScope demands branch-level tenant scope for this write.
func WithScope(scope tenant.ScopeRequirement) Option {
	return func(c *persistConfig) { c.scope = scope }
}

// WithSubscribers overrides the dispatch registry for this write.
func WithSubscribers(reg *bus.Registry) Option {
	return func(c *persistConfig) { c.subscribers = reg }
}

// PersistEvent runs the write pipeline:
//
//	replay gate → validate → idempotency → hash-chain resolution →
//	one transaction (re-check under row lock, insert, on-commit hooks) →
//	post-commit dispatch.
//
// Any failure at any step yields an explicit rejection and zero persisted
// rows. Dispatch failures after commit are logged and reported — they can
// never unwind the committed write.
func (s *Service) PersistEvent(ctx context.Context, e *event.Event, tctx tenant.Context, opts ...Option) Outcome {
	started := time.Now()
	out := s.persist(ctx, e, tctx, opts...)
	if out.Accepted {
		s.metrics.RecordPersisted(ctx, e.EventType)
		s.metrics.RecordPersistDuration(ctx, time.Since(started))
	} else if out.Rejection != nil {
		s.metrics.RecordRejected(ctx, out.Rejection.Code)
	}
	return out
}

func (s *Service) persist(ctx context.Context, e *event.Event, tctx tenant.Context, opts ...Option) Outcome {
	cfg := persistConfig{scope: tenant.ScopeBusiness, subscribers: s.subscribers}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, span := s.tracer.Start(ctx, "kernel.persist_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.type", e.EventType),
		attribute.String("event.id", e.EventID),
		attribute.String("tenant.business_id", e.BusinessID),
	)

	// Replay isolation: no new history while history is being replayed.
	if s.gate != nil && s.gate.Active() {
		return s.reject(span, e, event.Reject(event.CodeReplayActive, "replay_isolation",
			"persistence is suspended while a replay is active"))
	}

	// 1. Structural validation.
	res := validate.Event(e, tctx, s.types, cfg.scope)
	if !res.Accepted {
		return s.reject(span, e, res.Rejection)
	}

	// 2. Idempotency pre-check.
	rej, err := s.guard.Check(ctx, e.EventID)
	if err != nil {
		return s.abort(span, e, "idempotency pre-check", err)
	}
	if rej != nil {
		return s.reject(span, e, rej)
	}

	// 3. Hash-chain resolution: auto-compute omitted fields, verify
	// supplied ones exactly.
	head, err := s.store.ChainHead(ctx, e.BusinessID)
	if err != nil {
		return s.abort(span, e, "chain head lookup", err)
	}
	if e.PreviousEventHash == "" {
		e.PreviousEventHash = head
	} else if e.PreviousEventHash != head {
		return s.reject(span, e, event.Reject(event.CodeHashChainBroken, "hash_chain",
			"previous_event_hash %s does not match the chain head %s for business %s",
			e.PreviousEventHash, head, e.BusinessID))
	}

	expectedHash, err := hashchain.ComputeEventHash(e.Payload, e.PreviousEventHash)
	if err != nil {
		return s.abort(span, e, "hash computation", err)
	}
	if e.EventHash == "" {
		e.EventHash = expectedHash
	} else if e.EventHash != expectedHash {
		return s.reject(span, e, event.Reject(event.CodeHashMismatch, "hash_chain",
			"supplied event_hash does not match the hash derived from payload and previous_event_hash"))
	}

	// Server ingestion timestamp: assigned exactly once, never altered.
	e.ReceivedAt = s.clock().UTC()
	if e.CreatedAt.After(e.ReceivedAt) {
		// Clock skew from the producer; keep created_at as supplied.
		s.logger.Debug("event created_at is ahead of received_at",
			"event_id", e.EventID, "created_at", e.CreatedAt, "received_at", e.ReceivedAt)
	}

	// 4. One atomic transaction, re-running both integrity checks under a
	// row-level lock on the tenant's chain head.
	outcome, committed := s.persistTx(ctx, span, e, cfg)
	if !committed {
		return outcome
	}

	s.logger.Info("event persisted",
		"event_id", e.EventID,
		"event_type", e.EventType,
		"business_id", e.BusinessID,
		"event_hash", e.EventHash,
	)
	outcome.AdvisoryActor = res.AdvisoryActor
	return outcome
}

func (s *Service) persistTx(ctx context.Context, span trace.Span, e *event.Event, cfg persistConfig) (Outcome, bool) {
	rawTx, err := s.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return s.abort(span, e, "begin transaction", err), false
	}
	tx := wrapTx(rawTx)
	defer func() { _ = tx.Rollback() }() // no-op after commit

	// Re-check idempotency inside the transaction.
	exists, err := s.store.ExistsTx(ctx, rawTx, e.EventID)
	if err != nil {
		return s.abort(span, e, "transactional idempotency check", err), false
	}
	if exists {
		return rejected(event.Reject(event.CodeDuplicateEventID, "idempotency",
			"an event with event_id %s already exists", e.EventID)), false
	}

	// Re-check the chain head under a row lock: a concurrent writer that
	// extended the chain since the pre-check loses nothing — this write is
	// simply rejected and can be retried against the new head.
	head, err := s.store.ChainHeadForUpdate(ctx, rawTx, e.BusinessID)
	if err != nil {
		return s.abort(span, e, "locked chain head lookup", err), false
	}
	if e.PreviousEventHash != head {
		return rejected(event.Reject(event.CodeHashChainBroken, "hash_chain",
			"chain head for business %s moved to %s during persist", e.BusinessID, head)), false
	}

	if err := s.store.InsertTx(ctx, rawTx, e); err != nil {
		// Constraint races that slipped past both pre-checks.
		if rej := idempotency.TranslateUniqueViolation(e.EventID, err); rej != nil {
			return rejected(rej), false
		}
		if eventstore.IsChainHeadConflict(err) {
			return rejected(event.Reject(event.CodeHashChainBroken, "hash_chain",
				"a concurrent writer extended the chain for business %s", e.BusinessID)), false
		}
		return s.abort(span, e, "insert", err), false
	}

	// Post-commit work: dispatch and cache population run strictly after
	// the transaction is durable, never as part of its rollback path.
	var report bus.Report
	dispatched := e.Clone()
	tx.OnCommit(func() {
		s.guard.Remember(ctx, e.EventID)
		report = bus.Dispatch(ctx, dispatched, cfg.subscribers)
		if report.SubscribersFailed > 0 {
			s.logger.Error("post-commit dispatch reported failures",
				"event_id", e.EventID,
				"failed", report.SubscribersFailed,
				"notified", report.SubscribersNotified,
			)
		}
	})

	if err := tx.Commit(); err != nil {
		return s.abort(span, e, "commit", err), false
	}

	return Outcome{Accepted: true, Event: e, Dispatch: &report}, true
}

func (s *Service) reject(span trace.Span, e *event.Event, rej *event.Rejection) Outcome {
	span.SetAttributes(attribute.String("persist.rejection_code", rej.Code))
	s.logger.Warn("event rejected",
		"event_id", e.EventID,
		"event_type", e.EventType,
		"code", rej.Code,
		"rule", rej.ViolatedRule,
	)
	return rejected(rej)
}

// abort converts an unexpected storage error into the generic
// TRANSACTION_ABORTED rejection; raw driver errors never escape the write
// path.
func (s *Service) abort(span trace.Span, e *event.Event, stage string, err error) Outcome {
	span.RecordError(err)
	s.logger.Error("persist aborted",
		"event_id", e.EventID,
		"stage", stage,
		"error", err,
	)
	return rejected(event.Reject(event.CodeTransactionAborted, "storage",
		"persist failed during %s", stage))
}
