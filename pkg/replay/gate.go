// Package replay re-walks the historical ledger through the same dispatch
// path as live events, with resumable checkpoints and write isolation.
package replay

import (
	"context"
	"sync"
	"sync/atomic"
)

// Gate is the replay-isolation flag: while held, the persistence service
// refuses all writes. Acquisition is counted, so overlapping replays (for
// different projections) compose; the returned release func is idempotent
// and is run in a defer by every replay loop, so the flag resets on all
// exit paths including panics.
type Gate struct {
	active atomic.Int64
}

// NewGate creates an inactive gate.
func NewGate() *Gate {
	return &Gate{}
}

// Acquire activates replay isolation and returns its release func.
func (g *Gate) Acquire() (release func()) {
	g.active.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { g.active.Add(-1) })
	}
}

// Active reports whether any replay currently holds the gate.
func (g *Gate) Active() bool {
	return g.active.Load() > 0
}

type ctxKey struct{}

// WithReplay marks a context as belonging to a replay pass; handlers can
// use IsReplay to distinguish historical redelivery from live dispatch.
func WithReplay(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, true)
}

// IsReplay reports whether ctx is part of a replay pass.
func IsReplay(ctx context.Context) bool {
	v, _ := ctx.Value(ctxKey{}).(bool)
	return v
}
