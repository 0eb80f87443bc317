package persist

import "database/sql"

// Tx wraps a database transaction with an on-commit hook list. Hooks are
// drained only after Commit returns nil and are discarded on rollback, so
// post-commit work (dispatch, cache population) can never run for a write
// that did not become durable.
type Tx struct {
	tx    *sql.Tx
	hooks []func()
}

func wrapTx(tx *sql.Tx) *Tx {
	return &Tx{tx: tx}
}

// OnCommit schedules fn to run after a successful commit, in registration
// order.
func (t *Tx) OnCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

// Commit commits the underlying transaction and then drains the hook list.
// A hook runs only when the commit itself succeeded.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		t.hooks = nil
		return err
	}
	for _, fn := range t.hooks {
		fn()
	}
	t.hooks = nil
	return nil
}

// Rollback aborts the transaction and discards all hooks.
func (t *Tx) Rollback() error {
	t.hooks = nil
	return t.tx.Rollback()
}
