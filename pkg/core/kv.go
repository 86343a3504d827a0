package core

// This file implements the Record Store: a sharded, ordered key-value map for
// the plain key/value namespace. Keys are hashed onto shards with xxhash and
// each shard is a google/btree protected by its own read-write mutex, so
// writers on different shards never contend.

import (
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
)

// PutMode selects how Put treats an existing value.
type PutMode int

const (
	// PutReplace overwrites any existing value.
	PutReplace PutMode = iota
	// PutKeep stores the value only if the key is absent.
	PutKeep
	// PutCat appends to the existing value (or stores it if absent).
	PutCat
	// PutCatShl appends and then keeps only the trailing width bytes.
	PutCatShl
)

// DefaultShardCount is used when a RecordStore is created with a non-positive count.
const DefaultShardCount = 16

const btreeDegree = 32

// KVPair is a key-value pair used by batch operations and iteration.
type KVPair struct {
	Key   string
	Value []byte
}

type kvEntry struct {
	key   string
	value []byte
}

func kvEntryLess(a, b kvEntry) bool { return a.key < b.key }

type kvShard struct {
	mu    sync.RWMutex
	tree  *btree.BTreeG[kvEntry]
	bytes int64
}

// RecordStore is a thread-safe ordered key-value store.
type RecordStore struct {
	shards []*kvShard
	mask   uint64
}

// NewRecordStore creates an empty store with the given number of shards,
// rounded up to a power of two.
func NewRecordStore(shardCount int) *RecordStore {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	n := 1
	for n < shardCount {
		n <<= 1
	}
	s := &RecordStore{
		shards: make([]*kvShard, n),
		mask:   uint64(n - 1),
	}
	for i := range s.shards {
		s.shards[i] = &kvShard{tree: btree.NewG[kvEntry](btreeDegree, kvEntryLess)}
	}
	return s
}

func (s *RecordStore) shard(key string) *kvShard {
	return s.shards[xxhash.Sum64String(key)&s.mask]
}

// Put stores value at key according to mode. width is only used by PutCatShl.
func (s *RecordStore) Put(key string, value []byte, mode PutMode, width int) error {
	if mode < PutReplace || mode > PutCatShl {
		return opErr("put", key, validationf("unknown put mode %d", mode))
	}
	if mode == PutCatShl && width < 0 {
		return opErr("putshl", key, validationf("negative width %d", width))
	}

	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	old, exists := sh.tree.Get(kvEntry{key: key})
	var next []byte
	switch mode {
	case PutReplace:
		next = cloneBytes(value)
	case PutKeep:
		if exists {
			return opErr("putkeep", key, ErrKeyExists)
		}
		next = cloneBytes(value)
	case PutCat, PutCatShl:
		next = make([]byte, 0, len(old.value)+len(value))
		next = append(next, old.value...)
		next = append(next, value...)
		if mode == PutCatShl && len(next) > width {
			next = next[len(next)-width:]
		}
	}
	sh.store(key, next, old, exists)
	return nil
}

// store publishes a new value. The caller must hold the shard write lock.
func (sh *kvShard) store(key string, value []byte, old kvEntry, existed bool) {
	if existed {
		sh.bytes -= int64(len(old.key) + len(old.value))
	}
	sh.tree.ReplaceOrInsert(kvEntry{key: key, value: value})
	sh.bytes += int64(len(key) + len(value))
}

// PutMany stores all pairs with PutReplace semantics. Each pair is applied
// atomically; the batch as a whole is not a transaction.
func (s *RecordStore) PutMany(pairs []KVPair) int {
	for _, p := range pairs {
		sh := s.shard(p.Key)
		sh.mu.Lock()
		old, exists := sh.tree.Get(kvEntry{key: p.Key})
		sh.store(p.Key, cloneBytes(p.Value), old, exists)
		sh.mu.Unlock()
	}
	return len(pairs)
}

// Get returns the value stored at key. The returned slice must not be modified.
func (s *RecordStore) Get(key string) ([]byte, error) {
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.tree.Get(kvEntry{key: key})
	if !ok {
		return nil, opErr("get", key, ErrNotFound)
	}
	return e.value, nil
}

// GetMany returns the values of the keys that exist. Missing keys are omitted.
func (s *RecordStore) GetMany(keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, err := s.Get(k); err == nil {
			out[k] = v
		}
	}
	return out
}

// ValueSize returns the length of the value stored at key.
func (s *RecordStore) ValueSize(key string) (int, error) {
	v, err := s.Get(key)
	if err != nil {
		return -1, err
	}
	return len(v), nil
}

// Out removes key from the store.
func (s *RecordStore) Out(key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	old, ok := sh.tree.Delete(kvEntry{key: key})
	if !ok {
		return opErr("out", key, ErrNotFound)
	}
	sh.bytes -= int64(len(old.key) + len(old.value))
	return nil
}

// OutMany removes every key and returns the keys that were not present.
func (s *RecordStore) OutMany(keys []string) (removed int, missing []string) {
	for _, k := range keys {
		if err := s.Out(k); err != nil {
			missing = append(missing, k)
			continue
		}
		removed++
	}
	return removed, missing
}

// Increment adds amount to the decimal number stored at key and returns the
// new value. An absent key starts at zero.
func (s *RecordStore) Increment(key string, amount float64) (float64, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	old, exists := sh.tree.Get(kvEntry{key: key})
	var current float64
	if exists {
		n, err := ParseNumber(string(old.value))
		if err != nil {
			return 0, opErr("increment", key, ErrTypeMismatch)
		}
		current = n
	}
	next := current + amount
	if math.IsInf(next, 0) || math.IsNaN(next) {
		return 0, opErr("increment", key, ErrOverflow)
	}
	sh.store(key, []byte(FormatNumber(next)), old, exists)
	return next, nil
}

// Count returns the number of records.
func (s *RecordStore) Count() int64 {
	var n int64
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += int64(sh.tree.Len())
		sh.mu.RUnlock()
	}
	return n
}

// Size returns the number of bytes held by keys and values.
func (s *RecordStore) Size() int64 {
	var n int64
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += sh.bytes
		sh.mu.RUnlock()
	}
	return n
}

// Vanish removes every record.
func (s *RecordStore) Vanish() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.tree.Clear(false)
		sh.bytes = 0
		sh.mu.Unlock()
	}
}

// snapshot returns copy-on-write clones of every shard tree. Clone updates
// the source tree, so it needs the write lock.
func (s *RecordStore) snapshot() []*btree.BTreeG[kvEntry] {
	snaps := make([]*btree.BTreeG[kvEntry], len(s.shards))
	for i, sh := range s.shards {
		sh.mu.Lock()
		snaps[i] = sh.tree.Clone()
		sh.mu.Unlock()
	}
	return snaps
}

// Iterate returns an iterator over a point-in-time snapshot of the keys.
func (s *RecordStore) Iterate() *KeyIterator {
	return iterateRecords(s.snapshot())
}

func iterateRecords(snaps []*btree.BTreeG[kvEntry]) *KeyIterator {
	cursors := make([]cursor, len(snaps))
	for i, snap := range snaps {
		cursors[i] = &kvCursor{tree: snap}
	}
	return newKeyIterator(cursors)
}

// ForEach calls fn for every record of a snapshot. Records are visited in
// key order within a shard. Iteration stops when fn returns false.
func (s *RecordStore) ForEach(fn func(pair KVPair) bool) {
	forEachRecord(s.snapshot(), fn)
}

func forEachRecord(snaps []*btree.BTreeG[kvEntry], fn func(pair KVPair) bool) {
	for _, snap := range snaps {
		cont := true
		snap.Ascend(func(e kvEntry) bool {
			cont = fn(KVPair{Key: e.key, Value: e.value})
			return cont
		})
		if !cont {
			return
		}
	}
}

// cursor yields the keys of one shard snapshot in ascending order.
type cursor interface {
	next() (string, bool)
}

type kvCursor struct {
	tree    *btree.BTreeG[kvEntry]
	last    string
	started bool
}

func (c *kvCursor) next() (string, bool) {
	var (
		key   string
		found bool
	)
	if !c.started {
		c.started = true
		c.tree.Ascend(func(e kvEntry) bool {
			key, found = e.key, true
			return false
		})
	} else {
		prev := c.last
		c.tree.AscendGreaterOrEqual(kvEntry{key: prev}, func(e kvEntry) bool {
			if e.key == prev {
				return true
			}
			key, found = e.key, true
			return false
		})
	}
	if found {
		c.last = key
	}
	return key, found
}

type cursorHead struct {
	c   cursor
	key string
}

// KeyIterator merges shard snapshots into one ascending key sequence. It is
// not restartable: once Next reports false it stays exhausted.
type KeyIterator struct {
	mu      sync.Mutex
	pending []cursor
	heads   []cursorHead
	primed  bool
}

func newKeyIterator(cursors []cursor) *KeyIterator {
	return &KeyIterator{pending: cursors}
}

// Next returns the next key, or false when the iterator is exhausted.
func (it *KeyIterator) Next() (string, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if !it.primed {
		it.primed = true
		for _, c := range it.pending {
			if k, ok := c.next(); ok {
				it.heads = append(it.heads, cursorHead{c: c, key: k})
			}
		}
		it.pending = nil
	}
	if len(it.heads) == 0 {
		return "", false
	}

	best := 0
	for i := 1; i < len(it.heads); i++ {
		if it.heads[i].key < it.heads[best].key {
			best = i
		}
	}
	key := it.heads[best].key
	if k, ok := it.heads[best].c.next(); ok {
		it.heads[best].key = k
	} else {
		it.heads = append(it.heads[:best], it.heads[best+1:]...)
	}
	return key, true
}

// ParseNumber parses a stored decimal value. Surrounding spaces are ignored.
func ParseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseFloat(s, 64)
}

// FormatNumber renders a number in the canonical decimal form used for storage.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
