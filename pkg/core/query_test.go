package core

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestQueryAgeScenario(t *testing.T) {
	ts := NewTableStore(4)
	ts.Put("user:1", Tuple{"name": "Ann", "age": "30"}, TPutReplace)
	ts.Put("user:2", Tuple{"name": "Bo", "age": "45"}, TPutReplace)
	if err := ts.SetIndex("age", IndexDecimal, false); err != nil {
		t.Fatalf("SetIndex failed: %v", err)
	}

	q := ts.NewQuery()
	if err := q.AddCondition("age", OpNumGe, "35", false, false); err != nil {
		t.Fatalf("AddCondition failed: %v", err)
	}
	got, err := q.Search(context.Background())
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"user:2"}) {
		t.Errorf("Search = %v, want [user:2]", got)
	}
	if !q.UsedIndex() {
		t.Errorf("expected index plan, hint:\n%s", q.Hint())
	}
}

func TestQuerySearchOutThenCount(t *testing.T) {
	ts := NewTableStore(4)
	for i := 1; i <= 5; i++ {
		color := "blue"
		if i%2 == 0 {
			color = "red"
		}
		ts.Put(fmt.Sprintf("t%d", i), Tuple{"color": color}, TPutReplace)
	}

	ctx := context.Background()
	q := ts.NewQuery()
	q.AddCondition("color", OpStrEq, "red", false, false)

	ok, err := q.SearchOut(ctx)
	if err != nil || !ok {
		t.Fatalf("SearchOut = (%v, %v)", ok, err)
	}
	if n := ts.Count(); n != 3 {
		t.Errorf("Count after SearchOut = %d, want 3", n)
	}
	n, err := q.SearchCount(ctx)
	if err != nil || n != 0 {
		t.Errorf("SearchCount after SearchOut = (%d, %v), want 0", n, err)
	}
}

func TestQueryStateMachine(t *testing.T) {
	ts := NewTableStore(1)
	ts.Put("a", Tuple{"x": "1"}, TPutReplace)
	ctx := context.Background()

	q := ts.NewQuery()
	q.AddCondition("x", OpStrEq, "1", false, false)
	if _, err := q.Search(ctx); err != nil {
		t.Fatal(err)
	}

	if err := q.AddCondition("x", OpStrEq, "2", false, false); !errors.Is(err, ErrQueryExecuted) {
		t.Errorf("AddCondition after execute: %v", err)
	}
	if err := q.SetLimit(1, 0); !errors.Is(err, ErrValidation) {
		t.Errorf("SetLimit after execute should be a validation error: %v", err)
	}
	if n, err := q.SearchCount(ctx); err != nil || n != 1 {
		t.Errorf("rerun = (%d, %v)", n, err)
	}

	q.Delete()
	if _, err := q.Search(ctx); !errors.Is(err, ErrQueryDisposed) {
		t.Errorf("Search after Delete: %v", err)
	}
	if err := q.SetOrder("x", OrderStrAsc); !errors.Is(err, ErrQueryDisposed) {
		t.Errorf("SetOrder after Delete: %v", err)
	}
}

func newFixture(t *testing.T) *TableStore {
	t.Helper()
	ts := NewTableStore(4)
	rows := map[string]Tuple{
		"p01": {"name": "Alice Smith", "age": "31", "tags": "go,rust", "bio": "The quick brown fox"},
		"p02": {"name": "bob jones", "age": "45", "tags": "python", "bio": "Lazy dogs sleep all day"},
		"p03": {"name": "Carol", "age": "27", "tags": "go java", "bio": "Quick thinking and brown shoes"},
		"p04": {"name": "Dave Smith", "age": "abc", "tags": "rust", "bio": "fox hunting is banned"},
		"p05": {"name": "Eve", "age": "45", "bio": "brown bears"},
		"p06": {"name": "Frank", "age": "-3.5", "tags": "go", "bio": "the brown fox jumps"},
		"p07": {"name": "Grace", "age": "60", "tags": "c,go,rust"},
		"p08": {"name": "Smithers", "age": "12.25", "tags": "", "bio": "quick quick quick"},
	}
	for k, v := range rows {
		if err := ts.Put(k, v, TPutReplace); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}
	return ts
}

func TestQueryOperators(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		column  string
		op      string
		operand string
		want    []string
	}{
		{"name", "STREQ", "Carol", []string{"p03"}},
		{"name", "STRINC", "Smith", []string{"p01", "p04", "p08"}},
		{"name", "STRBW", "Smith", []string{"p08"}},
		{"name", "STREW", "Smith", []string{"p01", "p04"}},
		{"tags", "STRAND", "go rust", []string{"p01", "p07"}},
		{"tags", "STROR", "java,python", []string{"p02", "p03"}},
		{"name", "STROREQ", "Eve Grace Nobody", []string{"p05", "p07"}},
		{"name", "STRRX", "^[A-C]", []string{"p01", "p03"}},
		{"age", "NUMEQ", "45", []string{"p02", "p05"}},
		{"age", "NUMGT", "45", []string{"p07"}},
		{"age", "NUMGE", "45", []string{"p02", "p05", "p07"}},
		{"age", "NUMLT", "0", []string{"p06"}},
		{"age", "NUMLE", "0", []string{"p04", "p06"}},
		{"age", "NUMBT", "40 12", []string{"p01", "p03", "p08"}},
		{"age", "NUMOREQ", "27,60", []string{"p03", "p07"}},
		{"bio", "FTSPH", "brown fox", []string{"p01", "p06"}},
		{"bio", "FTSAND", "quick brown", []string{"p01", "p03"}},
		{"bio", "FTSOR", "dogs bears", []string{"p02", "p05"}},
		{"bio", "FTSEX", `"brown fox" !jumps || sleep`, []string{"p01", "p02"}},
		{"bio", "FTSEX", "quick !brown", []string{"p08"}},
		{"", "STRBW", "p0", []string{"p01", "p02", "p03", "p04", "p05", "p06", "p07", "p08"}},
		{"", "STREQ", "p04", []string{"p04"}},
		{"", "STROREQ", "p04 p09 p01", []string{"p01", "p04"}},
		{"name", "STREQ|NEGATE", "Carol", []string{"p01", "p02", "p04", "p05", "p06", "p07", "p08"}},
		{"tags", "rdbqcstrinc|negate", "go", []string{"p02", "p04", "p05", "p08"}},
	}

	// Each case runs without indexes, then with every index kind on every
	// column, and both runs must agree.
	plain := newFixture(t)
	indexed := newFixture(t)
	for _, col := range []string{"name", "age", "tags", "bio"} {
		for _, kind := range []IndexKind{IndexLexical, IndexDecimal, IndexToken, IndexQGram} {
			if err := indexed.SetIndex(col, kind, false); err != nil {
				t.Fatalf("SetIndex: %v", err)
			}
		}
	}

	for _, tc := range testCases {
		t.Run(tc.column+" "+tc.op+" "+tc.operand, func(t *testing.T) {
			op, negate, noIndex, err := ParseOp(tc.op)
			if err != nil {
				t.Fatalf("ParseOp: %v", err)
			}
			for name, ts := range map[string]*TableStore{"scan": plain, "index": indexed} {
				q := ts.NewQuery()
				if err := q.AddCondition(tc.column, op, tc.operand, negate, noIndex); err != nil {
					t.Fatalf("%s AddCondition: %v", name, err)
				}
				got, err := q.Search(ctx)
				if err != nil {
					t.Fatalf("%s Search: %v", name, err)
				}
				if len(got) == 0 && len(tc.want) == 0 {
					continue
				}
				if !reflect.DeepEqual(got, tc.want) {
					t.Errorf("%s: got %v, want %v\nhint:\n%s", name, got, tc.want, q.Hint())
				}
			}
		})
	}
}

func TestQueryIndexScanEquivalenceNoIdx(t *testing.T) {
	ts := newFixture(t)
	ts.SetIndex("age", IndexDecimal, false)
	ctx := context.Background()

	withIndex := ts.NewQuery()
	withIndex.AddCondition("age", OpNumGe, "30", false, false)
	a, _ := withIndex.Search(ctx)

	forced := ts.NewQuery()
	forced.AddCondition("age", OpNumGe, "30", false, true)
	b, _ := forced.Search(ctx)

	if !reflect.DeepEqual(a, b) {
		t.Errorf("index %v != scan %v", a, b)
	}
	if !withIndex.UsedIndex() || forced.UsedIndex() {
		t.Errorf("unexpected plans: %q / %q", withIndex.Hint(), forced.Hint())
	}
}

func TestQueryPrimaryKeyScanEquivalence(t *testing.T) {
	ts := newFixture(t)
	ctx := context.Background()

	testCases := []struct {
		name    string
		op      Op
		operand string
		want    []string
	}{
		{"single key", OpStrEq, "p03", []string{"p03"}},
		{"repeated key", OpStrOrEq, "p01 p01", []string{"p01"}},
		{"repeated keys mixed", OpStrOrEq, "p05,p02 p05 p02,missing", []string{"p02", "p05"}},
		{"absent key", OpStrEq, "p99", nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			byKey := ts.NewQuery()
			byKey.AddCondition("", tc.op, tc.operand, false, false)
			byKey.SetOrder("", OrderStrAsc)
			got, err := byKey.Search(ctx)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}

			scan := ts.NewQuery()
			scan.AddCondition("", tc.op, tc.operand, false, true)
			scan.SetOrder("", OrderStrAsc)
			want, _ := scan.Search(ctx)

			if len(got) != len(tc.want) || len(want) != len(tc.want) {
				t.Fatalf("primary key %v, scan %v, want %v", got, want, tc.want)
			}
			if len(got) > 0 && (!reflect.DeepEqual(got, want) || !reflect.DeepEqual(got, tc.want)) {
				t.Errorf("primary key %v, scan %v, want %v", got, want, tc.want)
			}
			if !byKey.UsedIndex() {
				t.Errorf("primary key plan not used: %q", byKey.Hint())
			}

			counter := ts.NewQuery()
			counter.AddCondition("", tc.op, tc.operand, false, false)
			if n, _ := counter.SearchCount(ctx); n != len(tc.want) {
				t.Errorf("SearchCount = %d, want %d", n, len(tc.want))
			}
		})
	}
}

func TestQueryQGramScanEquivalence(t *testing.T) {
	ts := NewTableStore(2)
	values := map[string]string{
		"a": "Crème brûlée",
		"b": "日本語のテキスト",
		"c": "A\xe2\x82\xacX",
		"d": "\xff\xfebinary\x00tail",
		"e": "plain ascii text",
	}
	for k, v := range values {
		ts.Put(k, Tuple{"v": v}, TPutReplace)
	}
	if err := ts.SetIndex("v", IndexQGram, false); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	testCases := []struct {
		op      Op
		operand string
	}{
		{OpStrInc, "rème"},
		{OpStrInc, "RÈME"},
		{OpStrInc, "語のテ"},
		{OpStrInc, "€X"},
		{OpStrInc, "\x82\xacX"},
		{OpStrInc, "\xfebin"},
		{OpStrInc, "ary\x00t"},
		{OpStrBw, "A\xe2\x82"},
		{OpStrBw, "Crè"},
		{OpStrEw, "\xacX"},
		{OpStrEw, "xt"},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s %q", tc.op, tc.operand), func(t *testing.T) {
			withIndex := ts.NewQuery()
			withIndex.AddCondition("v", tc.op, tc.operand, false, false)
			withIndex.SetOrder("", OrderStrAsc)
			got, err := withIndex.Search(ctx)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}

			scan := ts.NewQuery()
			scan.AddCondition("v", tc.op, tc.operand, false, true)
			scan.SetOrder("", OrderStrAsc)
			want, _ := scan.Search(ctx)

			if len(got) != len(want) || (len(got) > 0 && !reflect.DeepEqual(got, want)) {
				t.Errorf("index %v (%s) != scan %v", got, withIndex.Hint(), want)
			}
		})
	}
}

func TestQueryOrderAndLimit(t *testing.T) {
	ts := newFixture(t)
	ctx := context.Background()

	q := ts.NewQuery()
	q.SetOrder("age", OrderNumDesc)
	all, err := q.Search(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// p04 has a non-numeric age and sorts as zero; p02/p05 tie and keep key order.
	want := []string{"p07", "p02", "p05", "p01", "p03", "p08", "p04", "p06"}
	if !reflect.DeepEqual(all, want) {
		t.Fatalf("ordered = %v, want %v", all, want)
	}

	n := len(all)
	for _, lo := range []struct{ limit, offset int }{
		{3, 0}, {3, 2}, {3, 7}, {3, 8}, {3, 20}, {0, 0}, {-1, 5}, {100, 1}, {2, -4},
	} {
		t.Run(fmt.Sprintf("limit=%d,offset=%d", lo.limit, lo.offset), func(t *testing.T) {
			q := ts.NewQuery()
			q.SetOrder("age", OrderNumDesc)
			q.SetLimit(lo.limit, lo.offset)
			got, _ := q.Search(ctx)

			off := max(lo.offset, 0)
			expected := max(0, n-off)
			if lo.limit >= 0 {
				expected = max(0, min(lo.limit, n-off))
			}
			if len(got) != expected {
				t.Fatalf("len = %d, want %d", len(got), expected)
			}
			if expected > 0 && !reflect.DeepEqual(got, all[off:off+expected]) {
				t.Errorf("got %v, want %v", got, all[off:off+expected])
			}
		})
	}

	t.Run("string order on key", func(t *testing.T) {
		q := ts.NewQuery()
		q.AddCondition("name", OpStrInc, "Smith", false, false)
		q.SetOrder("", OrderStrDesc)
		got, _ := q.Search(ctx)
		if !reflect.DeepEqual(got, []string{"p08", "p04", "p01"}) {
			t.Errorf("got %v", got)
		}
	})
}

func TestQuerySearchGetAndMultipleConditions(t *testing.T) {
	ts := newFixture(t)
	ts.SetIndex("tags", IndexToken, false)

	q := ts.NewQuery()
	q.AddCondition("tags", OpStrOr, "go", false, false)
	q.AddCondition("age", OpNumLt, "40", false, false)
	recs, err := q.SearchGet(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for _, r := range recs {
		keys = append(keys, r.Key)
	}
	if !reflect.DeepEqual(keys, []string{"p01", "p03", "p06"}) {
		t.Errorf("keys = %v", keys)
	}
	if recs[0].Cols["name"] != "Alice Smith" {
		t.Errorf("SearchGet tuple = %v", recs[0].Cols)
	}
}

func TestQueryCancellation(t *testing.T) {
	ts := NewTableStore(2)
	for i := 0; i < 5000; i++ {
		ts.Put(fmt.Sprintf("k%05d", i), Tuple{"v": "x"}, TPutReplace)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := ts.NewQuery()
	if _, err := q.Search(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestConditionValidation(t *testing.T) {
	bad := []struct {
		op      Op
		operand string
	}{
		{OpNumGe, "abc"},
		{OpNumBt, "1"},
		{OpNumOrEq, ""},
		{OpStrRx, "("},
		{OpStrAnd, " , "},
		{OpFtsAnd, "!!"},
		{OpFtsEx, `"unterminated`},
		{Op(99), "x"},
	}
	for _, tc := range bad {
		if _, err := NewCondition("c", tc.op, tc.operand, false, false); !errors.Is(err, ErrValidation) {
			t.Errorf("%s %q: got %v, want ErrValidation", tc.op, tc.operand, err)
		}
	}
}

func TestQueryFromSpec(t *testing.T) {
	ts := newFixture(t)
	limit := 2
	q, err := ts.QueryFromSpec(QuerySpec{
		Conditions:  []ConditionSpec{{Column: "age", Op: "qcnumge", Operand: "20"}},
		OrderColumn: "age",
		Order:       "RDBQONUMASC",
		Limit:       &limit,
	})
	if err != nil {
		t.Fatalf("QueryFromSpec: %v", err)
	}
	got, _ := q.Search(context.Background())
	if !reflect.DeepEqual(got, []string{"p03", "p01"}) {
		t.Errorf("got %v", got)
	}

	if _, err := ts.QueryFromSpec(QuerySpec{Conditions: []ConditionSpec{{Column: "a", Op: "BOGUS"}}}); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown op: %v", err)
	}
}
