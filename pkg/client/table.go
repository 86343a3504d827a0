package client

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sanonone/tyrantdb/internal/protocol"
	"github.com/sanonone/tyrantdb/pkg/core"
)

// Table gives access to the tuple namespace of the connection.
type Table struct {
	c *Client
}

// Table returns the table handle of c.
func (c *Client) Table() *Table { return &Table{c: c} }

// Put stores a tuple. The mode decides what happens to an existing one.
func (t *Table) Put(key string, cols core.Tuple, mode core.TablePutMode) error {
	if len(cols) == 0 {
		return &core.OpError{Op: "tput", Key: key, Err: fmt.Errorf("%w: empty tuple", core.ErrValidation)}
	}
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([][]byte, 0, 2+2*len(cols))
	args = append(args, []byte(key), []byte(mode.String()))
	for _, name := range names {
		args = append(args, []byte(name), []byte(cols[name]))
	}
	return expectOK(t.c.do(context.Background(), "TPUT", args...))
}

// Get returns all columns of the tuple.
func (t *Table) Get(key string) (core.Tuple, error) {
	rep, err := t.c.doStrings("TGET", key)
	if err != nil {
		return nil, err
	}
	if rep.Type != protocol.TypeArray {
		return nil, unexpected(rep)
	}
	return pairsToTuple(rep.Array)
}

// Out removes the tuple.
func (t *Table) Out(key string) error {
	return expectOK(t.c.doStrings("TOUT", key))
}

// Increment adds amount to the numeric column of the tuple and returns the
// new value.
func (t *Table) Increment(key string, amount float64) (float64, error) {
	return expectNumber(t.c.doStrings("TADDDOUBLE", key, core.FormatNumber(amount)))
}

// SetIndex builds, rebuilds, optimizes or drops an index on column. Without
// keep an existing index of the same kind is rebuilt from scratch; with keep
// every tuple is merged into it.
func (t *Table) SetIndex(column string, kind core.IndexKind, keep bool) error {
	flag := "0"
	if keep {
		flag = "1"
	}
	return expectOK(t.c.doStrings("TSETINDEX", column, kind.String(), flag))
}

// Count returns the number of tuples.
func (t *Table) Count() (int64, error) {
	return expectInt(t.c.doStrings("TRNUM"))
}

// Size returns the total key and column bytes of the tuples.
func (t *Table) Size() (int64, error) {
	return expectInt(t.c.doStrings("TSIZE"))
}

// Vanish removes every tuple. Index definitions are kept.
func (t *Table) Vanish() error {
	return expectOK(t.c.doStrings("TVANISH"))
}

// Keys starts iterating the tuple keys in ascending order.
func (t *Table) Keys() (*KeyIterator, error) {
	if err := expectOK(t.c.doStrings("TITERINIT")); err != nil {
		return nil, err
	}
	return &KeyIterator{c: t.c, next: "TITERNEXT"}, nil
}

// --- Query ---

// Query accumulates conditions locally and sends the whole query with each
// terminal call. Mutating it after a terminal call fails with
// core.ErrQueryExecuted, and any call after Delete with
// core.ErrQueryDisposed.
type Query struct {
	t *Table

	mu       sync.Mutex
	spec     core.QuerySpec
	executed bool
	deleted  bool
	hint     string
}

// NewQuery starts an empty query over the table. An empty query matches
// every tuple.
func (t *Table) NewQuery() *Query {
	return &Query{t: t}
}

func (q *Query) mutable() error {
	if q.deleted {
		return core.ErrQueryDisposed
	}
	if q.executed {
		return core.ErrQueryExecuted
	}
	return nil
}

// AddCondition adds a condition that every result must satisfy.
func (q *Query) AddCondition(column string, op core.Op, operand string, negate, noIndex bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.mutable(); err != nil {
		return err
	}
	// Validate locally so errors surface here, not at the terminal call.
	if _, err := core.NewCondition(column, op, operand, negate, noIndex); err != nil {
		return err
	}
	q.spec.Conditions = append(q.spec.Conditions, core.ConditionSpec{
		Column:  column,
		Op:      op.String(),
		Operand: operand,
		Negate:  negate,
		NoIndex: noIndex,
	})
	return nil
}

// AddNumberCondition adds a numeric condition, formatting the operand as a
// decimal.
func (q *Query) AddNumberCondition(column string, op core.Op, operand float64, negate bool) error {
	return q.AddCondition(column, op, core.FormatNumber(operand), negate, false)
}

// SetLimit sets the maximum number of results (negative for unlimited) and
// how many matches to skip first. A negative offset counts as zero.
func (q *Query) SetLimit(limit, offset int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.mutable(); err != nil {
		return err
	}
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		q.spec.Limit = nil
	} else {
		q.spec.Limit = &limit
	}
	q.spec.Offset = offset
	return nil
}

// SetOrder sorts results by column.
func (q *Query) SetOrder(column string, order core.OrderType) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.mutable(); err != nil {
		return err
	}
	q.spec.OrderColumn = column
	q.spec.Order = order.String()
	return nil
}

// Spec returns the portable form of the query.
func (q *Query) Spec() core.QuerySpec {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.spec
}

// Delete disposes of the query.
func (q *Query) Delete() {
	q.mu.Lock()
	q.deleted = true
	q.mu.Unlock()
}

// Hint returns the server's plan description of the last terminal call.
func (q *Query) Hint() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.hint
}

func (q *Query) run(ctx context.Context, terminal string) (protocol.Reply, error) {
	q.mu.Lock()
	if q.deleted {
		q.mu.Unlock()
		return protocol.Reply{}, core.ErrQueryDisposed
	}
	q.executed = true
	payload, err := core.EncodeQuerySpec(q.spec)
	q.mu.Unlock()
	if err != nil {
		return protocol.Reply{}, err
	}
	return q.t.c.do(ctx, "TSEARCH", []byte(terminal), payload)
}

// Search returns the primary keys of the matching tuples.
func (q *Query) Search(ctx context.Context) ([]string, error) {
	return expectStrings(q.run(ctx, protocol.SearchList))
}

// SearchGet returns the matching tuples with their columns.
func (q *Query) SearchGet(ctx context.Context) ([]core.Record, error) {
	rep, err := q.run(ctx, protocol.SearchGet)
	if err != nil {
		return nil, err
	}
	if rep.Type != protocol.TypeArray {
		return nil, unexpected(rep)
	}
	recs := make([]core.Record, 0, len(rep.Array))
	for _, item := range rep.Array {
		if item.Type != protocol.TypeArray || len(item.Array) == 0 {
			return nil, unexpected(item)
		}
		cols, err := pairsToTuple(item.Array[1:])
		if err != nil {
			return nil, err
		}
		recs = append(recs, core.Record{Key: string(item.Array[0].Bulk), Cols: cols})
	}
	return recs, nil
}

// SearchOut removes every matching tuple.
func (q *Query) SearchOut(ctx context.Context) error {
	return expectOK(q.run(ctx, protocol.SearchOut))
}

// SearchCount returns the number of matches, after limit and offset.
func (q *Query) SearchCount(ctx context.Context) (int, error) {
	n, err := expectInt(q.run(ctx, protocol.SearchCount))
	return int(n), err
}

// Explain asks the server for its plan without returning results. The
// plan is also kept for Hint.
func (q *Query) Explain(ctx context.Context) (string, error) {
	b, err := expectBulk(q.run(ctx, protocol.SearchHint))
	if err != nil {
		return "", err
	}
	q.mu.Lock()
	q.hint = string(b)
	q.mu.Unlock()
	return q.hint, nil
}
