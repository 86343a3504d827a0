package core

import (
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/btree"
)

// NumColumn is the reserved column updated by TableStore.Increment.
const NumColumn = "_num"

// Tuple maps column names to values.
type Tuple map[string]string

// Clone returns an independent copy of t.
func (t Tuple) Clone() Tuple {
	out := make(Tuple, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// TablePutMode selects how TableStore.Put treats an existing tuple.
type TablePutMode int

const (
	// TPutReplace replaces the whole tuple.
	TPutReplace TablePutMode = iota
	// TPutKeep stores the tuple only if the key is absent.
	TPutKeep
	// TPutCat appends each value to the existing column of the same name,
	// inserts new columns and leaves the others untouched.
	TPutCat
)

var tablePutModeNames = [...]string{
	TPutReplace: "replace",
	TPutKeep:    "keep",
	TPutCat:     "cat",
}

func (m TablePutMode) String() string {
	if m < 0 || int(m) >= len(tablePutModeNames) {
		return "unknown"
	}
	return tablePutModeNames[m]
}

// ParseTablePutMode resolves "replace", "keep" or "cat" (case-insensitive).
func ParseTablePutMode(name string) (TablePutMode, error) {
	m, ok := lookupName([]string{"REPLACE", "KEEP", "CAT"}, normalizeName(name))
	if !ok {
		return 0, validationf("unknown table put mode %q", name)
	}
	return TablePutMode(m), nil
}

// Record is a tuple together with its primary key.
type Record struct {
	Key  string `msgpack:"key" json:"key"`
	Cols Tuple  `msgpack:"cols" json:"cols"`
}

// row is a published tuple. Rows are never modified once stored in a tree;
// writers publish a replacement.
type row struct {
	key  string
	id   uint32
	cols Tuple
}

func (r *row) size() int64 {
	n := int64(len(r.key))
	for c, v := range r.cols {
		n += int64(len(c) + len(v))
	}
	return n
}

func rowKeyLess(a, b *row) bool { return a.key < b.key }
func rowIDLess(a, b *row) bool  { return a.id < b.id }

type tableShard struct {
	mu     sync.RWMutex
	rows   *btree.BTreeG[*row]
	byID   *btree.BTreeG[*row]
	idx    *IndexManager
	nextID uint32
	bytes  int64
}

func newTableShard() *tableShard {
	return &tableShard{
		rows: btree.NewBTreeG[*row](rowKeyLess),
		byID: btree.NewBTreeG[*row](rowIDLess),
		idx:  NewIndexManager(),
	}
}

// publish replaces old (may be nil) with next (may be nil) in the trees and
// the indexes. The caller holds the write lock.
func (sh *tableShard) publish(old, next *row) {
	if old != nil {
		sh.idx.remove(old)
		sh.rows.Delete(old)
		sh.byID.Delete(old)
		sh.bytes -= old.size()
	}
	if next != nil {
		sh.rows.Set(next)
		sh.byID.Set(next)
		sh.idx.insert(next)
		sh.bytes += next.size()
	}
}

// newID hands out the next row ID. When the counter is exhausted the shard
// is renumbered first, so IDs never wrap onto live rows.
func (sh *tableShard) newID() uint32 {
	if sh.nextID == math.MaxUint32 {
		sh.renumber()
	}
	sh.nextID++
	return sh.nextID
}

// renumber gives the live rows the IDs 1..n and rebuilds the indexes. Rows
// are replaced, not modified, so snapshots taken earlier stay valid.
func (sh *tableShard) renumber() {
	rows := btree.NewBTreeG[*row](rowKeyLess)
	byID := btree.NewBTreeG[*row](rowIDLess)
	var id uint32
	sh.rows.Scan(func(r *row) bool {
		id++
		next := &row{key: r.key, id: id, cols: r.cols}
		rows.Set(next)
		byID.Set(next)
		return true
	})
	sh.rows, sh.byID, sh.nextID = rows, byID, id
	for _, def := range sh.idx.Defs() {
		sh.idx.apply(def.Column, def.Kind, false, sh.scanLocked)
	}
}

func (sh *tableShard) scanLocked(fn func(r *row)) {
	sh.rows.Scan(func(r *row) bool {
		fn(r)
		return true
	})
}

// TableStore holds tuples and keeps their secondary indexes current. Keys
// are spread over shards; a write locks one shard for the tuple and index
// update together, and queries read copy-on-write snapshots.
type TableStore struct {
	shards []*tableShard
	mask   uint64

	// defMu serializes SetIndex so every shard sees the same definitions.
	defMu sync.Mutex
}

// NewTableStore creates an empty table with the given number of shards,
// rounded up to a power of two.
func NewTableStore(shardCount int) *TableStore {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	n := 1
	for n < shardCount {
		n <<= 1
	}
	ts := &TableStore{shards: make([]*tableShard, n), mask: uint64(n - 1)}
	for i := range ts.shards {
		ts.shards[i] = newTableShard()
	}
	return ts
}

func (ts *TableStore) shard(key string) *tableShard {
	return ts.shards[xxhash.Sum64String(key)&ts.mask]
}

func validateTuple(op, key string, cols Tuple) error {
	if len(cols) == 0 {
		return opErr(op, key, validationf("tuple expected"))
	}
	for c := range cols {
		if c == "" {
			return opErr(op, key, validationf("empty column name"))
		}
	}
	return nil
}

// Put stores cols at key according to mode.
func (ts *TableStore) Put(key string, cols Tuple, mode TablePutMode) error {
	if mode < TPutReplace || mode > TPutCat {
		return opErr("tput", key, validationf("unknown table put mode %d", mode))
	}
	if err := validateTuple("tput", key, cols); err != nil {
		return err
	}

	sh := ts.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	old, exists := sh.rows.Get(&row{key: key})
	next := &row{key: key}
	if exists {
		next.id = old.id
	} else {
		next.id = sh.newID()
	}

	switch mode {
	case TPutReplace:
		next.cols = cols.Clone()
	case TPutKeep:
		if exists {
			return opErr("tputkeep", key, ErrKeyExists)
		}
		next.cols = cols.Clone()
	case TPutCat:
		if exists {
			next.cols = old.cols.Clone()
		} else {
			next.cols = make(Tuple, len(cols))
		}
		for c, v := range cols {
			next.cols[c] += v
		}
	}

	if !exists {
		old = nil
	}
	sh.publish(old, next)
	return nil
}

// Get returns a copy of the tuple stored at key.
func (ts *TableStore) Get(key string) (Tuple, error) {
	sh := ts.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	r, ok := sh.rows.Get(&row{key: key})
	if !ok {
		return nil, opErr("tget", key, ErrNotFound)
	}
	return r.cols.Clone(), nil
}

// Out removes the tuple stored at key.
func (ts *TableStore) Out(key string) error {
	sh := ts.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r, ok := sh.rows.Get(&row{key: key})
	if !ok {
		return opErr("tout", key, ErrNotFound)
	}
	sh.publish(r, nil)
	return nil
}

// Increment adds amount to the _num column of the tuple at key, creating a
// tuple holding only _num when the key is absent.
func (ts *TableStore) Increment(key string, amount float64) (float64, error) {
	sh := ts.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	old, exists := sh.rows.Get(&row{key: key})
	next := &row{key: key}
	var current float64
	if exists {
		next.id = old.id
		next.cols = old.cols.Clone()
		if v, ok := old.cols[NumColumn]; ok {
			n, err := ParseNumber(v)
			if err != nil {
				return 0, opErr("tincrement", key, ErrTypeMismatch)
			}
			current = n
		}
	} else {
		next.id = sh.newID()
		next.cols = make(Tuple, 1)
		old = nil
	}

	sum := current + amount
	if math.IsInf(sum, 0) || math.IsNaN(sum) {
		return 0, opErr("tincrement", key, ErrOverflow)
	}
	next.cols[NumColumn] = FormatNumber(sum)
	sh.publish(old, next)
	return sum, nil
}

// SetIndex creates, rebuilds, optimizes or drops indexes on column. With
// keep false an existing index of the same kind is discarded and rebuilt
// from a full scan; with keep true every tuple is merged into it.
func (ts *TableStore) SetIndex(column string, kind IndexKind, keep bool) error {
	if column == "" {
		return opErr("tsetindex", "", validationf("empty column name"))
	}
	if kind < IndexLexical || kind > IndexVoid {
		return opErr("tsetindex", column, validationf("unknown index kind %d", kind))
	}

	ts.defMu.Lock()
	defer ts.defMu.Unlock()

	for _, sh := range ts.shards {
		sh.mu.Lock()
		sh.idx.apply(column, kind, keep, sh.scanLocked)
		sh.mu.Unlock()
	}
	return nil
}

// Indexes lists the index definitions.
func (ts *TableStore) Indexes() []IndexDef {
	sh := ts.shards[0]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.idx.Defs()
}

// Verify rebuilds every index from the tuples and reports the first
// mismatch as ErrIndexInconsistency.
func (ts *TableStore) Verify() error {
	for _, sh := range ts.shards {
		sh.mu.RLock()
		err := sh.idx.verify(sh.scanLocked)
		sh.mu.RUnlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of tuples.
func (ts *TableStore) Count() int64 {
	var n int64
	for _, sh := range ts.shards {
		sh.mu.RLock()
		n += int64(sh.rows.Len())
		sh.mu.RUnlock()
	}
	return n
}

// Size returns the number of bytes held by keys, column names and values.
func (ts *TableStore) Size() int64 {
	var n int64
	for _, sh := range ts.shards {
		sh.mu.RLock()
		n += sh.bytes
		sh.mu.RUnlock()
	}
	return n
}

// Vanish removes every tuple. Index definitions are kept.
func (ts *TableStore) Vanish() {
	for _, sh := range ts.shards {
		sh.mu.Lock()
		sh.rows.Clear()
		sh.byID.Clear()
		sh.idx.clear()
		sh.bytes = 0
		sh.mu.Unlock()
	}
}

// snapshot returns copy-on-write views of every shard's rows.
func (ts *TableStore) snapshot() []*btree.BTreeG[*row] {
	snaps := make([]*btree.BTreeG[*row], len(ts.shards))
	for i, sh := range ts.shards {
		sh.mu.RLock()
		snaps[i] = sh.rows.Copy()
		sh.mu.RUnlock()
	}
	return snaps
}

// ForEach calls fn for every tuple of a snapshot. Iteration stops when fn
// returns false. fn must not modify cols.
func (ts *TableStore) ForEach(fn func(key string, cols Tuple) bool) {
	forEachRow(ts.snapshot(), fn)
}

func forEachRow(snaps []*btree.BTreeG[*row], fn func(key string, cols Tuple) bool) {
	for _, snap := range snaps {
		cont := true
		snap.Scan(func(r *row) bool {
			cont = fn(r.key, r.cols)
			return cont
		})
		if !cont {
			return
		}
	}
}

// Iterate returns an iterator over a point-in-time snapshot of the keys.
func (ts *TableStore) Iterate() *KeyIterator {
	snaps := ts.snapshot()
	cursors := make([]cursor, len(snaps))
	for i, snap := range snaps {
		cursors[i] = &rowCursor{tree: snap}
	}
	return newKeyIterator(cursors)
}

type rowCursor struct {
	tree    *btree.BTreeG[*row]
	last    string
	started bool
}

func (c *rowCursor) next() (string, bool) {
	var (
		key   string
		found bool
	)
	if !c.started {
		c.started = true
		c.tree.Scan(func(r *row) bool {
			key, found = r.key, true
			return false
		})
	} else {
		prev := c.last
		c.tree.Ascend(&row{key: prev}, func(r *row) bool {
			if r.key == prev {
				return true
			}
			key, found = r.key, true
			return false
		})
	}
	if found {
		c.last = key
	}
	return key, found
}
