package core

import (
	"reflect"
	"testing"
)

func TestViewIsFrozen(t *testing.T) {
	db := NewDB(4)
	db.Records().Put("a", []byte("1"), PutReplace, 0)
	db.Records().Put("b", []byte("2"), PutReplace, 0)
	db.Tables().Put("u1", Tuple{"name": "Ann"}, TPutReplace)
	if err := db.Tables().SetIndex("name", IndexLexical, false); err != nil {
		t.Fatal(err)
	}

	v := db.View()

	// 1. Writes after the capture are invisible to the view.
	db.Records().Put("a", []byte("changed"), PutReplace, 0)
	db.Records().Out("b")
	db.Records().Put("c", []byte("3"), PutReplace, 0)
	db.Tables().Put("u1", Tuple{"name": "Bob"}, TPutReplace)
	db.Tables().Put("u2", Tuple{"name": "Cid"}, TPutReplace)

	records := map[string]string{}
	v.ForEachRecord(func(p KVPair) bool {
		records[p.Key] = string(p.Value)
		return true
	})
	if want := map[string]string{"a": "1", "b": "2"}; !reflect.DeepEqual(records, want) {
		t.Errorf("view records = %v, want %v", records, want)
	}

	tuples := map[string]Tuple{}
	v.ForEachTuple(func(key string, cols Tuple) bool {
		tuples[key] = cols.Clone()
		return true
	})
	if want := map[string]Tuple{"u1": {"name": "Ann"}}; !reflect.DeepEqual(tuples, want) {
		t.Errorf("view tuples = %v, want %v", tuples, want)
	}

	// 2. Index definitions are captured too.
	if want := []IndexDef{{Column: "name", Kind: IndexLexical}}; !reflect.DeepEqual(v.Indexes(), want) {
		t.Errorf("view indexes = %v, want %v", v.Indexes(), want)
	}

	// 3. Keys come back in ascending order across shards.
	var keys []string
	it := v.Keys()
	for k, ok := it.Next(); ok; k, ok = it.Next() {
		keys = append(keys, k)
	}
	if want := []string{"a", "b"}; !reflect.DeepEqual(keys, want) {
		t.Errorf("view keys = %v, want %v", keys, want)
	}
}

func TestViewStopsEarly(t *testing.T) {
	db := NewDB(2)
	for _, k := range []string{"a", "b", "c", "d"} {
		db.Records().Put(k, []byte(k), PutReplace, 0)
	}

	n := 0
	db.View().ForEachRecord(func(KVPair) bool {
		n++
		return n < 2
	})
	if n != 2 {
		t.Errorf("ForEachRecord visited %d records after stop, want 2", n)
	}
}
