package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/stratum-os/kernel/pkg/bus"
	"github.com/stratum-os/kernel/pkg/eventstore"
	"github.com/stratum-os/kernel/pkg/observability"
)

// Projection is the minimal surface a rebuildable read model must expose.
// Truncate clears derived state for one tenant, or for all tenants when
// businessID is empty.
type Projection interface {
	Name() string
	Truncate(businessID string) error
}

// Options selects what one replay pass covers.
type Options struct {
	// BusinessID restricts the pass to one tenant; empty replays the whole
	// ledger.
	BusinessID string
	// Until is an inclusive received_at upper bound for point-in-time
	// reconstruction.
	Until *time.Time
	// ProjectionName keys checkpoint rows. Required when UseCheckpoint is
	// set.
	ProjectionName string
	// UseCheckpoint resumes after the last checkpointed event instead of
	// from genesis, and persists a new checkpoint on completion.
	UseCheckpoint bool
	// DryRun walks and verifies history without dispatching or writing
	// checkpoints.
	DryRun bool
	// BatchSize bounds one storage read; <= 0 uses the store default.
	BatchSize int
	// VerifyFull recomputes every event hash from its canonical payload
	// instead of only walking the links.
	VerifyFull bool
	// EventsPerSecond throttles dispatch so a large replay does not starve
	// live subscribers; <= 0 means unpaced.
	EventsPerSecond float64
}

// Result summarizes one replay pass.
type Result struct {
	EventsProcessed  int
	EventsDispatched int
	DispatchFailures int
	ChainVerified    bool
	CheckpointSaved  bool
	DryRun           bool
	Errors           []string
	// LastEventID and LastReceivedAt locate the final event the pass
	// covered; zero when no events matched.
	LastEventID    string
	LastReceivedAt time.Time
}

// Replayer re-walks committed history through the event bus in the exact
// order it was ingested.
type Replayer struct {
	store        *eventstore.SQLStore
	subscribers  *bus.Registry
	gate         *Gate
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *observability.Provider
	batchSize    int
	eventsPerSec float64
}

// NewReplayer wires a replayer over the ledger and subscriber registry.
func NewReplayer(store *eventstore.SQLStore, subscribers *bus.Registry, gate *Gate) *Replayer {
	return &Replayer{
		store:       store,
		subscribers: subscribers,
		gate:        gate,
		logger:      slog.Default(),
		tracer:      otel.Tracer("kernel/replay"),
	}
}

// WithLogger overrides the replayer logger.
func (r *Replayer) WithLogger(l *slog.Logger) *Replayer {
	r.logger = l
	return r
}

// WithMetrics attaches the telemetry provider. A nil provider is fine; all
// recording calls degrade to no-ops.
func (r *Replayer) WithMetrics(p *observability.Provider) *Replayer {
	r.metrics = p
	return r
}

// WithDefaults sets the batch size and pacing used when a pass leaves the
// corresponding Options fields zero.
func (r *Replayer) WithDefaults(batchSize int, eventsPerSecond float64) *Replayer {
	r.batchSize = batchSize
	r.eventsPerSec = eventsPerSecond
	return r
}

// Replay verifies the chain, then redelivers history in (received_at asc,
// event_id asc) order through the same dispatch path as live events. The
// write gate is held for the whole pass, so no new events can interleave
// with historical redelivery. Dispatch failures are collected, never fatal;
// a corrupt chain aborts before anything is redelivered.
func (r *Replayer) Replay(ctx context.Context, opts Options) (*Result, error) {
	if opts.UseCheckpoint && opts.ProjectionName == "" {
		return nil, fmt.Errorf("replay: checkpointed replay requires a projection name")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = r.batchSize
	}
	if opts.EventsPerSecond <= 0 {
		opts.EventsPerSecond = r.eventsPerSec
	}

	ctx, span := r.tracer.Start(ctx, "kernel.replay")
	defer span.End()
	span.SetAttributes(
		attribute.String("replay.business_id", opts.BusinessID),
		attribute.String("replay.projection", opts.ProjectionName),
		attribute.Bool("replay.dry_run", opts.DryRun),
	)

	release := r.gate.Acquire()
	defer release()
	done := r.metrics.ReplayStarted(ctx)
	defer done()
	ctx = WithReplay(ctx)

	res := &Result{DryRun: opts.DryRun}

	if err := r.verifyScope(ctx, opts); err != nil {
		span.RecordError(err)
		return res, err
	}
	res.ChainVerified = true

	cursor, err := r.startCursor(ctx, opts)
	if err != nil {
		return res, err
	}

	var limiter *rate.Limiter
	if opts.EventsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.EventsPerSecond), 1)
	}

	var last eventstore.Cursor
	for {
		batch, err := r.store.LoadBatch(ctx, cursor, opts.BusinessID, opts.Until, opts.BatchSize)
		if err != nil {
			span.RecordError(err)
			return res, err
		}
		if len(batch) == 0 {
			break
		}

		for _, e := range batch {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return res, err
				}
			}
			res.EventsProcessed++
			last = eventstore.Cursor{ReceivedAt: e.ReceivedAt, EventID: e.EventID}

			if opts.DryRun {
				continue
			}
			report := bus.Dispatch(ctx, e, r.subscribers)
			res.EventsDispatched++
			if report.SubscribersFailed > 0 {
				res.DispatchFailures += report.SubscribersFailed
				for _, f := range report.Failures {
					res.Errors = append(res.Errors, fmt.Sprintf("%s: handler %s: %s", e.EventID, f.Handler, f.Message))
				}
			}
		}
		cursor = last
	}
	res.LastEventID = last.EventID
	res.LastReceivedAt = last.ReceivedAt

	if opts.UseCheckpoint && !opts.DryRun && res.EventsProcessed > 0 {
		cp := eventstore.Checkpoint{
			ProjectionName: opts.ProjectionName,
			BusinessID:     opts.BusinessID,
			LastEventID:    last.EventID,
			LastReceivedAt: last.ReceivedAt,
		}
		if err := r.store.SaveCheckpoint(ctx, cp); err != nil {
			span.RecordError(err)
			return res, err
		}
		res.CheckpointSaved = true
	}

	r.logger.Info("replay completed",
		"business_id", opts.BusinessID,
		"projection", opts.ProjectionName,
		"processed", res.EventsProcessed,
		"dispatched", res.EventsDispatched,
		"dispatch_failures", res.DispatchFailures,
		"dry_run", opts.DryRun,
	)
	return res, nil
}

// verifyScope checks every chain the pass will touch: one tenant when the
// pass is scoped, every tenant in the ledger otherwise. Nothing is
// redelivered from a ledger with any corrupt chain.
func (r *Replayer) verifyScope(ctx context.Context, opts Options) error {
	if opts.BusinessID != "" {
		_, err := VerifyChain(ctx, r.store, opts.BusinessID, opts.VerifyFull)
		return err
	}
	ids, err := r.store.BusinessIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := VerifyChain(ctx, r.store, id, opts.VerifyFull); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replayer) startCursor(ctx context.Context, opts Options) (eventstore.Cursor, error) {
	if !opts.UseCheckpoint {
		return eventstore.Cursor{}, nil
	}
	cp, err := r.store.LoadCheckpoint(ctx, opts.ProjectionName, opts.BusinessID)
	if err != nil {
		return eventstore.Cursor{}, err
	}
	if cp == nil {
		return eventstore.Cursor{}, nil
	}
	return eventstore.Cursor{ReceivedAt: cp.LastReceivedAt, EventID: cp.LastEventID}, nil
}

// RebuildResult summarizes one projection rebuild.
type RebuildResult struct {
	ProjectionName string
	Truncated      bool
	Replay         *Result
}

// RebuildProjection tears a projection down and replays it from genesis:
// delete its checkpoint, truncate its derived state, then run a full
// uncheckpointed pass and save a fresh checkpoint at the end.
func (r *Replayer) RebuildProjection(ctx context.Context, proj Projection, opts Options) (*RebuildResult, error) {
	if proj == nil {
		return nil, fmt.Errorf("replay: rebuild requires a projection")
	}
	opts.ProjectionName = proj.Name()

	if err := r.store.DeleteCheckpoint(ctx, proj.Name(), opts.BusinessID); err != nil {
		return nil, err
	}
	if err := proj.Truncate(opts.BusinessID); err != nil {
		return nil, fmt.Errorf("replay: truncate projection %s: %w", proj.Name(), err)
	}

	res := &RebuildResult{ProjectionName: proj.Name(), Truncated: true}

	// The rebuild pass is explicitly uncheckpointed: it always walks from
	// genesis, never from leftover resume state. The fresh checkpoint is
	// written separately once the pass succeeds.
	full := opts
	full.UseCheckpoint = false
	replayRes, err := r.Replay(ctx, full)
	res.Replay = replayRes
	if err != nil {
		return res, err
	}

	if !full.DryRun && replayRes.EventsProcessed > 0 {
		cp := eventstore.Checkpoint{
			ProjectionName: proj.Name(),
			BusinessID:     opts.BusinessID,
			LastEventID:    replayRes.LastEventID,
			LastReceivedAt: replayRes.LastReceivedAt,
		}
		if err := r.store.SaveCheckpoint(ctx, cp); err != nil {
			return res, err
		}
		replayRes.CheckpointSaved = true
	}
	return res, nil
}
