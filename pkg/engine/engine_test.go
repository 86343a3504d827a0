package engine

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/sanonone/tyrantdb/pkg/core"
)

func testOptions(dir string) Options {
	opts := DefaultOptions(dir)
	opts.AutoSaveInterval = 0
	opts.AofRewritePercentage = 0
	opts.Shards = 4
	return opts
}

func openEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	eng, err := Open(testOptions(dir))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return eng
}

// populate writes a mix of record and table operations.
func populate(t *testing.T, eng *Engine) {
	t.Helper()
	steps := []struct {
		name string
		fn   func() error
	}{
		{"put", func() error { return eng.Put("a", []byte("1"), core.PutReplace, 0) }},
		{"putcat", func() error { return eng.Put("a", []byte("23"), core.PutCat, 0) }},
		{"putshl", func() error { return eng.Put("log", []byte("abcdef"), core.PutCatShl, 4) }},
		{"putkeep", func() error { return eng.Put("b", []byte("x"), core.PutKeep, 0) }},
		{"gone", func() error { return eng.Put("gone", []byte("x"), core.PutReplace, 0) }},
		{"out", func() error { return eng.Out("gone") }},
		{"tput u1", func() error {
			return eng.TPut("u1", core.Tuple{"name": "Ann", "age": "40", "city": "Rome"}, core.TPutReplace)
		}},
		{"tput u2", func() error {
			return eng.TPut("u2", core.Tuple{"name": "Bob", "age": "31"}, core.TPutReplace)
		}},
		{"tput cat", func() error { return eng.TPut("u2", core.Tuple{"name": "by"}, core.TPutCat) }},
		{"tsetindex", func() error { return eng.TSetIndex("age", core.IndexDecimal, false) }},
		{"tsetindex name", func() error { return eng.TSetIndex("name", core.IndexQGram, false) }},
		{"tput u3", func() error { return eng.TPut("u3", core.Tuple{"age": "55"}, core.TPutKeep) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			t.Fatalf("%s failed: %v", s.name, err)
		}
	}
	if _, err := eng.Increment("counter", 5); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if _, err := eng.Increment("counter", -2.5); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if _, err := eng.TIncrement("u1", 3); err != nil {
		t.Fatalf("TIncrement failed: %v", err)
	}
}

func checkPopulated(t *testing.T, eng *Engine) {
	t.Helper()
	records := map[string]string{"a": "123", "log": "cdef", "b": "x", "counter": "2.5"}
	for k, want := range records {
		got, err := eng.Get(k)
		if err != nil || string(got) != want {
			t.Errorf("Get(%q) = %q, %v; want %q", k, got, err, want)
		}
	}
	if _, err := eng.Get("gone"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Get(gone) error = %v, want ErrNotFound", err)
	}

	tuples := map[string]core.Tuple{
		"u1": {"name": "Ann", "age": "40", "city": "Rome", core.NumColumn: "3"},
		"u2": {"name": "Bobby", "age": "31"},
		"u3": {"age": "55"},
	}
	for k, want := range tuples {
		got, err := eng.TGet(k)
		if err != nil || !reflect.DeepEqual(got, want) {
			t.Errorf("TGet(%q) = %v, %v; want %v", k, got, err, want)
		}
	}

	wantDefs := []core.IndexDef{{Column: "age", Kind: core.IndexDecimal}, {Column: "name", Kind: core.IndexQGram}}
	if defs := eng.DB.Tables().Indexes(); !reflect.DeepEqual(defs, wantDefs) {
		t.Errorf("indexes = %v, want %v", defs, wantDefs)
	}
	if err := eng.VerifyIndexes(); err != nil {
		t.Errorf("VerifyIndexes: %v", err)
	}

	q := eng.NewQuery()
	q.AddCondition("age", core.OpNumGe, "35", false, false)
	keys, err := q.Search(t.Context())
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	sort.Strings(keys)
	if !reflect.DeepEqual(keys, []string{"u1", "u3"}) {
		t.Errorf("age >= 35 = %v", keys)
	}
	if !q.UsedIndex() {
		t.Errorf("expected the decimal index to be used:\n%s", q.Hint())
	}
}

func TestEngineRecoveryFromAOF(t *testing.T) {
	dir := t.TempDir()

	eng := openEngine(t, dir)
	populate(t, eng)
	checkPopulated(t, eng)
	if err := eng.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	eng = openEngine(t, dir)
	defer eng.Close()
	checkPopulated(t, eng)
}

func TestEngineSnapshotThenAOF(t *testing.T) {
	dir := t.TempDir()

	eng := openEngine(t, dir)
	populate(t, eng)
	if err := eng.SaveSnapshot(); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if size, _ := eng.AOF.Size(); size != 0 {
		t.Errorf("AOF size after snapshot = %d, want 0", size)
	}

	// Writes after the snapshot live only in the AOF.
	if err := eng.Put("late", []byte("v"), core.PutReplace, 0); err != nil {
		t.Fatal(err)
	}
	if err := eng.TOut("u3"); err != nil {
		t.Fatal(err)
	}
	eng.Close()

	if _, err := os.Stat(filepath.Join(dir, "tyrant.tts")); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}

	eng = openEngine(t, dir)
	defer eng.Close()
	if v, err := eng.Get("late"); err != nil || string(v) != "v" {
		t.Errorf("Get(late) = %q, %v", v, err)
	}
	if _, err := eng.TGet("u3"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("TGet(u3) error = %v, want ErrNotFound", err)
	}
	if n := eng.DB.Tables().Count(); n != 2 {
		t.Errorf("tuple count = %d, want 2", n)
	}
}

func TestEngineRewriteAOF(t *testing.T) {
	dir := t.TempDir()

	eng := openEngine(t, dir)
	for i := 0; i < 50; i++ {
		if err := eng.Put("k", []byte{byte('a' + i%26)}, core.PutReplace, 0); err != nil {
			t.Fatal(err)
		}
	}
	populate(t, eng)
	eng.Sync()
	before, _ := eng.AOF.Size()

	if err := eng.RewriteAOF(); err != nil {
		t.Fatalf("RewriteAOF failed: %v", err)
	}
	after, _ := eng.AOF.Size()
	if after >= before {
		t.Errorf("rewrite did not shrink the AOF: %d -> %d", before, after)
	}
	eng.Close()

	eng = openEngine(t, dir)
	defer eng.Close()
	checkPopulated(t, eng)
	if v, _ := eng.Get("k"); string(v) != "x" {
		t.Errorf("Get(k) = %q, want x", v)
	}
}

func TestEngineTornAOFTail(t *testing.T) {
	dir := t.TempDir()

	eng := openEngine(t, dir)
	eng.Put("a", []byte("1"), core.PutReplace, 0)
	eng.Put("b", []byte("2"), core.PutReplace, 0)
	eng.Close()

	// Simulate a crash in the middle of the last entry.
	aof := filepath.Join(dir, "tyrant.aof")
	info, err := os.Stat(aof)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(aof, info.Size()-2); err != nil {
		t.Fatal(err)
	}

	eng = openEngine(t, dir)
	if _, err := eng.Get("a"); err != nil {
		t.Errorf("Get(a) after repair: %v", err)
	}
	if _, err := eng.Get("b"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Get(b) error = %v, want ErrNotFound", err)
	}
	// New writes go after the repaired tail.
	eng.Put("c", []byte("3"), core.PutReplace, 0)
	eng.Close()

	eng = openEngine(t, dir)
	defer eng.Close()
	if v, err := eng.Get("c"); err != nil || string(v) != "3" {
		t.Errorf("Get(c) = %q, %v", v, err)
	}
}

func TestEngineBatchAndVanish(t *testing.T) {
	dir := t.TempDir()
	eng := openEngine(t, dir)

	n, err := eng.PutMany([]core.KVPair{{Key: "x", Value: []byte("1")}, {Key: "y", Value: []byte("2")}})
	if err != nil || n != 2 {
		t.Fatalf("PutMany = %d, %v", n, err)
	}
	removed, missing, err := eng.OutMany([]string{"x", "nope", "y"})
	if err != nil || removed != 2 || !reflect.DeepEqual(missing, []string{"nope"}) {
		t.Errorf("OutMany = %d, %v, %v", removed, missing, err)
	}

	eng.Put("r", []byte("1"), core.PutReplace, 0)
	eng.TPut("t", core.Tuple{"c": "v"}, core.TPutReplace)
	eng.TSetIndex("c", core.IndexLexical, false)
	if err := eng.Vanish(); err != nil {
		t.Fatal(err)
	}
	if err := eng.TVanish(); err != nil {
		t.Fatal(err)
	}
	eng.TPut("t2", core.Tuple{"c": "w"}, core.TPutReplace)
	eng.Close()

	eng = openEngine(t, dir)
	defer eng.Close()
	if eng.DB.Records().Count() != 0 || eng.DB.Tables().Count() != 1 {
		t.Errorf("after reopen: %d records, %d tuples", eng.DB.Records().Count(), eng.DB.Tables().Count())
	}
	if !eng.DB.Tables().Indexes()[0].Kind.IsStructure() {
		t.Errorf("index definition lost by TVANISH")
	}
}

func TestEngineSearchOutIsDurable(t *testing.T) {
	dir := t.TempDir()
	eng := openEngine(t, dir)
	for i, age := range []string{"20", "30", "40", "50", "60"} {
		key := string(rune('a' + i))
		if err := eng.TPut(key, core.Tuple{"age": age}, core.TPutReplace); err != nil {
			t.Fatal(err)
		}
	}

	q := eng.NewQuery()
	q.AddCondition("age", core.OpNumGt, "45", false, false)
	n, err := eng.SearchOut(t.Context(), q)
	if err != nil || n != 2 {
		t.Fatalf("SearchOut = %d, %v", n, err)
	}
	eng.Close()

	eng = openEngine(t, dir)
	defer eng.Close()
	if got := eng.DB.Tables().Count(); got != 3 {
		t.Errorf("tuples after reopen = %d, want 3", got)
	}
}

func TestEngineCopyAndRestore(t *testing.T) {
	src := openEngine(t, t.TempDir())
	populate(t, src)
	backup := filepath.Join(t.TempDir(), "backup.tdb")
	if err := src.Copy(backup); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	src.Close()

	dir := t.TempDir()
	dst := openEngine(t, dir)
	dst.Put("stale", []byte("1"), core.PutReplace, 0)
	dst.TSetIndex("stale", core.IndexToken, false)
	if err := dst.Restore(backup); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	checkPopulated(t, dst)
	if _, err := dst.Get("stale"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Restore kept stale record: %v", err)
	}
	dst.Close()

	// The restored state survives a restart.
	dst = openEngine(t, dir)
	defer dst.Close()
	checkPopulated(t, dst)

	if err := dst.Restore(filepath.Join(dir, "missing.tdb")); err == nil {
		t.Error("Restore of a missing file succeeded")
	}
	checkPopulated(t, dst)
}

func TestTupleArgs(t *testing.T) {
	cols := core.Tuple{"b": "2", "a": "1", "": "x"}
	args := TupleArgs(cols)
	want := [][]byte{{}, []byte("x"), []byte("a"), []byte("1"), []byte("b"), []byte("2")}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("TupleArgs = %q", args)
	}
	back, err := ParseTupleArgs(args)
	if err != nil || !reflect.DeepEqual(back, cols) {
		t.Errorf("ParseTupleArgs = %v, %v", back, err)
	}
	if _, err := ParseTupleArgs(args[:3]); !errors.Is(err, core.ErrValidation) {
		t.Errorf("odd args error = %v", err)
	}
}
