// Package core provides the fundamental data structures of the TyrantDB engine.
//
// This file defines DB, which pairs the Record Store (plain key/value
// namespace) with the Table Store (tuples, secondary indexes and queries).
// The two namespaces are independent: the same key can exist in both.
// Durability is not handled here; see the engine package.
package core

import (
	"strconv"
	"strings"
)

// DB is the in-memory container for both namespaces.
type DB struct {
	records *RecordStore
	tables  *TableStore
}

// NewDB creates an empty DB. shards sets the shard count of both stores.
func NewDB(shards int) *DB {
	return &DB{
		records: NewRecordStore(shards),
		tables:  NewTableStore(shards),
	}
}

// Records returns the plain key/value store.
func (db *DB) Records() *RecordStore { return db.records }

// Tables returns the tuple store.
func (db *DB) Tables() *TableStore { return db.tables }

// Stat returns the counters of both stores as a flat mapping.
func (db *DB) Stat() map[string]string {
	defs := db.tables.Indexes()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Column+":"+strings.ToLower(d.Kind.String()))
	}
	return map[string]string{
		"rnum":    strconv.FormatInt(db.records.Count(), 10),
		"size":    strconv.FormatInt(db.records.Size(), 10),
		"tnum":    strconv.FormatInt(db.tables.Count(), 10),
		"tsize":   strconv.FormatInt(db.tables.Size(), 10),
		"indexes": strings.Join(names, ","),
		"shards":  strconv.Itoa(len(db.records.shards)),
	}
}

// Vanish removes every record and tuple. Index definitions are kept.
func (db *DB) Vanish() {
	db.records.Vanish()
	db.tables.Vanish()
}
