package core

import (
	gbtree "github.com/google/btree"
	"github.com/tidwall/btree"
)

// View is a frozen image of a DB, used to write snapshots and backups
// without holding any store lock while the data is encoded.
type View struct {
	records []*gbtree.BTreeG[kvEntry]
	tuples  []*btree.BTreeG[*row]
	indexes []IndexDef
}

// View captures every shard with copy-on-write clones. Shards are captured
// one after the other, so callers that need one point in time across shards
// must stop writers while View runs.
func (db *DB) View() *View {
	return &View{
		records: db.records.snapshot(),
		tuples:  db.tables.snapshot(),
		indexes: db.tables.Indexes(),
	}
}

// ForEachRecord calls fn for every record until fn returns false.
func (v *View) ForEachRecord(fn func(pair KVPair) bool) { forEachRecord(v.records, fn) }

// ForEachTuple calls fn for every tuple until fn returns false. fn must not
// modify cols.
func (v *View) ForEachTuple(fn func(key string, cols Tuple) bool) { forEachRow(v.tuples, fn) }

// Indexes returns the index definitions at capture time.
func (v *View) Indexes() []IndexDef { return v.indexes }

// Keys returns an iterator over the record keys of the view.
func (v *View) Keys() *KeyIterator { return iterateRecords(v.records) }
