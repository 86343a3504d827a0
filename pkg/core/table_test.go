package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"testing"
)

func TestTableStorePutModes(t *testing.T) {
	ts := NewTableStore(4)

	if err := ts.Put("u1", Tuple{"name": "Ann", "city": "Rome"}, TPutReplace); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	t.Run("replace drops old columns", func(t *testing.T) {
		ts.Put("u1", Tuple{"name": "Ann"}, TPutReplace)
		got, _ := ts.Get("u1")
		if !reflect.DeepEqual(got, Tuple{"name": "Ann"}) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("keep", func(t *testing.T) {
		err := ts.Put("u1", Tuple{"name": "Other"}, TPutKeep)
		if !errors.Is(err, ErrKeyExists) {
			t.Fatalf("got %v, want ErrKeyExists", err)
		}
		if err := ts.Put("u2", Tuple{"name": "Bo"}, TPutKeep); err != nil {
			t.Fatalf("keep on absent key: %v", err)
		}
	})

	t.Run("cat merges and preserves", func(t *testing.T) {
		ts.Put("u3", Tuple{"a": "1", "b": "2", "c": "3"}, TPutReplace)
		ts.Put("u3", Tuple{"a": "x", "d": "4"}, TPutCat)
		got, _ := ts.Get("u3")
		want := Tuple{"a": "1x", "b": "2", "c": "3", "d": "4"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("validation", func(t *testing.T) {
		if err := ts.Put("bad", Tuple{"": "v"}, TPutReplace); !errors.Is(err, ErrValidation) {
			t.Errorf("empty column: got %v", err)
		}
		if err := ts.Put("bad", nil, TPutReplace); !errors.Is(err, ErrValidation) {
			t.Errorf("nil tuple: got %v", err)
		}
		if err := ts.Put("bad", Tuple{"a": "b"}, TablePutMode(9)); !errors.Is(err, ErrValidation) {
			t.Errorf("bad mode: got %v", err)
		}
	})
}

func TestTableStoreGetReturnsCopy(t *testing.T) {
	ts := NewTableStore(1)
	ts.Put("k", Tuple{"a": "1"}, TPutReplace)

	got, _ := ts.Get("k")
	got["a"] = "changed"

	again, _ := ts.Get("k")
	if again["a"] != "1" {
		t.Errorf("caller mutation leaked into store: %v", again)
	}
}

func TestTableStoreOutAndIncrement(t *testing.T) {
	ts := NewTableStore(2)
	ts.Put("k", Tuple{"name": "x"}, TPutReplace)

	if err := ts.Out("k"); err != nil {
		t.Fatalf("Out failed: %v", err)
	}
	if _, err := ts.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Out: %v", err)
	}
	if err := ts.Out("k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Out: %v", err)
	}

	v, err := ts.Increment("n", 5)
	if err != nil || v != 5 {
		t.Fatalf("Increment = (%v, %v)", v, err)
	}
	v, _ = ts.Increment("n", -2.5)
	if v != 2.5 {
		t.Errorf("Increment = %v, want 2.5", v)
	}
	got, _ := ts.Get("n")
	if !reflect.DeepEqual(got, Tuple{NumColumn: "2.5"}) {
		t.Errorf("tuple = %v", got)
	}

	ts.Put("m", Tuple{"name": "y", NumColumn: "abc"}, TPutReplace)
	if _, err := ts.Increment("m", 1); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("got %v, want ErrTypeMismatch", err)
	}

	ts.Put("p", Tuple{"name": "z"}, TPutReplace)
	ts.Increment("p", 1)
	got, _ = ts.Get("p")
	if !reflect.DeepEqual(got, Tuple{"name": "z", NumColumn: "1"}) {
		t.Errorf("increment on existing tuple = %v", got)
	}
}

func TestTableStoreCountSizeIterate(t *testing.T) {
	ts := NewTableStore(4)
	ts.Put("b", Tuple{"c": "vv"}, TPutReplace)
	ts.Put("a", Tuple{"c": "v"}, TPutReplace)

	if n := ts.Count(); n != 2 {
		t.Errorf("Count = %d", n)
	}
	if n := ts.Size(); n != 1+1+2+1+1+1 {
		t.Errorf("Size = %d", n)
	}

	it := ts.Iterate()
	var keys []string
	for k, ok := it.Next(); ok; k, ok = it.Next() {
		keys = append(keys, k)
	}
	if !reflect.DeepEqual(keys, []string{"a", "b"}) {
		t.Errorf("keys = %v", keys)
	}

	ts.Vanish()
	if ts.Count() != 0 || ts.Size() != 0 {
		t.Error("Vanish left data behind")
	}
}

func TestIndexMaintenance(t *testing.T) {
	ts := NewTableStore(4)
	for _, kind := range []IndexKind{IndexLexical, IndexDecimal, IndexToken, IndexQGram} {
		if err := ts.SetIndex("tag", kind, false); err != nil {
			t.Fatalf("SetIndex %s: %v", kind, err)
		}
	}

	for i := 0; i < 100; i++ {
		ts.Put(fmt.Sprintf("k%03d", i), Tuple{"tag": fmt.Sprintf("red %d,blue", i%7)}, TPutReplace)
	}
	for i := 0; i < 100; i += 3 {
		ts.Out(fmt.Sprintf("k%03d", i))
	}
	for i := 1; i < 100; i += 5 {
		ts.Put(fmt.Sprintf("k%03d", i), Tuple{"tag": " green"}, TPutCat)
		ts.Increment(fmt.Sprintf("k%03d", i), 1)
	}
	ts.Put("k001", Tuple{"other": "x"}, TPutReplace)

	if err := ts.Verify(); err != nil {
		t.Fatalf("Verify after mutations: %v", err)
	}

	defs := ts.Indexes()
	if len(defs) != 4 {
		t.Fatalf("Indexes = %v", defs)
	}

	ts.SetIndex("tag", IndexOptimize, false)
	if err := ts.Verify(); err != nil {
		t.Fatalf("Verify after optimize: %v", err)
	}

	ts.SetIndex("tag", IndexVoid, false)
	if defs := ts.Indexes(); len(defs) != 0 {
		t.Errorf("VOID left indexes: %v", defs)
	}
}

func TestIndexKeepMerges(t *testing.T) {
	ts := NewTableStore(2)
	ts.Put("a", Tuple{"n": "1"}, TPutReplace)
	ts.SetIndex("n", IndexDecimal, false)
	ts.Put("b", Tuple{"n": "2"}, TPutReplace)

	if err := ts.SetIndex("n", IndexDecimal, true); err != nil {
		t.Fatalf("SetIndex keep: %v", err)
	}
	if err := ts.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestVerifyDetectsDrift(t *testing.T) {
	ts := NewTableStore(1)
	ts.SetIndex("c", IndexLexical, false)
	ts.Put("a", Tuple{"c": "v"}, TPutReplace)

	// Corrupt the index behind the store's back.
	sh := ts.shards[0]
	sh.idx.columns["c"][IndexLexical].remove(1, "v")

	if err := ts.Verify(); !errors.Is(err, ErrIndexInconsistency) {
		t.Errorf("got %v, want ErrIndexInconsistency", err)
	}
}

func TestTableStoreConcurrentWritesAndQueries(t *testing.T) {
	ts := NewTableStore(8)
	ts.SetIndex("n", IndexDecimal, false)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				ts.Put(fmt.Sprintf("w%d-%d", w, i), Tuple{"n": fmt.Sprint(i)}, TPutReplace)
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			q := ts.NewQuery()
			q.AddCondition("n", OpNumGe, "100", false, false)
			if _, err := q.SearchCount(t.Context()); err != nil {
				t.Errorf("SearchCount: %v", err)
			}
		}
	}()
	wg.Wait()

	if err := ts.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n := ts.Count(); n != 1000 {
		t.Errorf("Count = %d", n)
	}
}

func TestRowIDExhaustionRenumbers(t *testing.T) {
	ts := NewTableStore(1)
	if err := ts.SetIndex("name", IndexLexical, false); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"a", "b", "c"} {
		ts.Put(k, Tuple{"name": "n-" + k}, TPutReplace)
	}
	ts.Out("b")

	sh := ts.shards[0]
	sh.nextID = math.MaxUint32 - 1
	ts.Put("d", Tuple{"name": "n-d"}, TPutReplace)
	ts.Put("e", Tuple{"name": "n-e"}, TPutReplace)
	if _, err := ts.Increment("f", 1); err != nil {
		t.Fatal(err)
	}

	// 1. IDs stay unique and the counter restarted after the live rows.
	seen := map[uint32]string{}
	sh.rows.Scan(func(r *row) bool {
		if other, dup := seen[r.id]; dup {
			t.Errorf("rows %q and %q share id %d", other, r.key, r.id)
		}
		seen[r.id] = r.key
		return true
	})
	if sh.nextID != 5 {
		t.Errorf("nextID = %d, want 5", sh.nextID)
	}

	// 2. Indexes were rebuilt against the new IDs.
	if err := ts.Verify(); err != nil {
		t.Fatalf("Verify after renumbering: %v", err)
	}
	for _, k := range []string{"a", "c", "d", "e"} {
		q := ts.NewQuery()
		q.AddCondition("name", OpStrEq, "n-"+k, false, false)
		keys, err := q.Search(context.Background())
		if err != nil || !reflect.DeepEqual(keys, []string{k}) {
			t.Errorf("search n-%s = %v, %v", k, keys, err)
		}
		if !q.UsedIndex() {
			t.Errorf("search n-%s did not use the index: %q", k, q.Hint())
		}
	}
}
