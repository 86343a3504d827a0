package engine

import (
	"context"
	"log/slog"

	"github.com/sanonone/tyrantdb/pkg/core"
)

// indexLockKey is the key lock shared by index definition changes, so
// TSETINDEX entries are logged in the order they were applied.
const indexLockKey = "\x00tsetindex"

// --- Table Operations ---

// TPut stores cols at key according to mode.
func (e *Engine) TPut(key string, cols core.Tuple, mode core.TablePutMode) error {
	unlock := e.lockKey(key)
	defer unlock()

	if err := e.DB.Tables().Put(key, cols, mode); err != nil {
		return err
	}
	args := append([][]byte{[]byte(key), []byte(mode.String())}, TupleArgs(cols)...)
	return e.logged(cmdTPut, args...)
}

// TGet returns a copy of the tuple stored at key, or core.ErrNotFound.
func (e *Engine) TGet(key string) (core.Tuple, error) {
	return e.DB.Tables().Get(key)
}

// TOut removes the tuple stored at key, or returns core.ErrNotFound.
func (e *Engine) TOut(key string) error {
	unlock := e.lockKey(key)
	defer unlock()

	if err := e.DB.Tables().Out(key); err != nil {
		return err
	}
	return e.logged(cmdTOut, []byte(key))
}

// TIncrement adds amount to the _num column of the tuple at key.
func (e *Engine) TIncrement(key string, amount float64) (float64, error) {
	unlock := e.lockKey(key)
	defer unlock()

	sum, err := e.DB.Tables().Increment(key, amount)
	if err != nil {
		return 0, err
	}
	return sum, e.logged(cmdTAddDouble, []byte(key), []byte(core.FormatNumber(amount)))
}

// TSetIndex creates, rebuilds, optimizes or drops indexes on column.
func (e *Engine) TSetIndex(column string, kind core.IndexKind, keep bool) error {
	unlock := e.lockKey(indexLockKey)
	defer unlock()

	if err := e.DB.Tables().SetIndex(column, kind, keep); err != nil {
		return err
	}
	flag := "0"
	if keep {
		flag = "1"
	}
	return e.logged(cmdTSetIndex, []byte(column), []byte(kind.String()), []byte(flag))
}

// TVanish removes every tuple. Index definitions are kept.
func (e *Engine) TVanish() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	e.DB.Tables().Vanish()
	return e.logged(cmdTVanish)
}

// TKeys returns an iterator over a snapshot of the tuple keys.
func (e *Engine) TKeys() *core.KeyIterator {
	return e.DB.Tables().Iterate()
}

// NewQuery starts a query over the tuples.
func (e *Engine) NewQuery() *core.Query {
	return e.DB.Tables().NewQuery()
}

// QueryFromSpec builds a query from its portable form.
func (e *Engine) QueryFromSpec(spec core.QuerySpec) (*core.Query, error) {
	return e.DB.Tables().QueryFromSpec(spec)
}

// SearchOut runs q and removes every matching tuple through TOut, so each
// removal reaches the AOF. It returns how many tuples were removed.
func (e *Engine) SearchOut(ctx context.Context, q *core.Query) (int, error) {
	return q.SearchOutFunc(ctx, e.TOut)
}

// VerifyIndexes rebuilds every index from the tuples and compares. A
// mismatch is logged and returned; it is never repaired here.
func (e *Engine) VerifyIndexes() error {
	if err := e.DB.Tables().Verify(); err != nil {
		slog.Error("Index verification failed", "error", err)
		return err
	}
	return nil
}
