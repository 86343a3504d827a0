package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/sanonone/tyrantdb/pkg/textanalyzer"
)

// checkEvery is how many rows a scan evaluates between cancellation checks.
const checkEvery = 1024

// Condition is one filter of a query. The zero Column selects the primary key.
type Condition struct {
	Column  string
	Op      Op
	Operand string
	Negate  bool
	NoIndex bool

	terms []string
	nums  []float64
	re    *regexp.Regexp
	expr  [][]ftsItem
}

// ftsItem is a term or quoted phrase of a compound full-text expression.
type ftsItem struct {
	words   []string
	negated bool
}

// NewCondition validates and prepares a condition.
func NewCondition(column string, op Op, operand string, negate, noIndex bool) (*Condition, error) {
	c := &Condition{Column: column, Op: op, Operand: operand, Negate: negate, NoIndex: noIndex}
	if err := c.prepare(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Condition) prepare() error {
	switch c.Op {
	case OpStrEq, OpStrInc, OpStrBw, OpStrEw:
	case OpStrAnd, OpStrOr, OpStrOrEq:
		c.terms = textanalyzer.SplitTerms(c.Operand)
		if len(c.terms) == 0 {
			return validationf("%s needs at least one term", c.Op)
		}
	case OpStrRx:
		re, err := regexp.Compile(c.Operand)
		if err != nil {
			return validationf("bad regular expression %q: %v", c.Operand, err)
		}
		c.re = re
	case OpNumEq, OpNumGt, OpNumGe, OpNumLt, OpNumLe:
		n, err := parseOperandNumber(c.Operand)
		if err != nil {
			return err
		}
		c.nums = []float64{n}
	case OpNumBt, OpNumOrEq:
		for _, t := range textanalyzer.SplitTerms(c.Operand) {
			n, err := parseOperandNumber(t)
			if err != nil {
				return err
			}
			c.nums = append(c.nums, n)
		}
		if c.Op == OpNumBt {
			if len(c.nums) != 2 {
				return validationf("NUMBT needs two numbers, got %q", c.Operand)
			}
			if c.nums[0] > c.nums[1] {
				c.nums[0], c.nums[1] = c.nums[1], c.nums[0]
			}
		} else if len(c.nums) == 0 {
			return validationf("NUMOREQ needs at least one number")
		}
	case OpFtsPh, OpFtsAnd, OpFtsOr:
		c.terms = textanalyzer.Tokenize(c.Operand)
		if len(c.terms) == 0 {
			return validationf("%s needs at least one word", c.Op)
		}
	case OpFtsEx:
		expr, err := parseFullTextExpr(c.Operand)
		if err != nil {
			return err
		}
		c.expr = expr
	default:
		return validationf("unknown operator %d", c.Op)
	}
	return nil
}

func parseOperandNumber(s string) (float64, error) {
	n, err := ParseNumber(s)
	if err != nil || math.IsNaN(n) {
		return 0, validationf("operand %q is not a number", s)
	}
	return n, nil
}

// parseFullTextExpr parses a compound expression: "||" separates
// alternatives, words inside an alternative are all required, double quotes
// group a phrase and a leading '!' excludes a word or phrase.
func parseFullTextExpr(s string) ([][]ftsItem, error) {
	var expr [][]ftsItem
	for _, alt := range strings.Split(s, "||") {
		var items []ftsItem
		rest := strings.TrimSpace(alt)
		for rest != "" {
			negated := false
			if rest[0] == '!' {
				negated = true
				rest = strings.TrimLeft(rest[1:], " \t")
			}
			var chunk string
			if strings.HasPrefix(rest, `"`) {
				end := strings.IndexByte(rest[1:], '"')
				if end < 0 {
					return nil, validationf("unterminated phrase in %q", s)
				}
				chunk, rest = rest[1:end+1], rest[end+2:]
			} else {
				end := strings.IndexAny(rest, " \t")
				if end < 0 {
					end = len(rest)
				}
				chunk, rest = rest[:end], rest[end:]
			}
			rest = strings.TrimSpace(rest)
			if words := textanalyzer.Tokenize(chunk); len(words) > 0 {
				items = append(items, ftsItem{words: words, negated: negated})
			}
		}
		if len(items) > 0 {
			expr = append(expr, items)
		}
	}
	if len(expr) == 0 {
		return nil, validationf("empty full-text expression")
	}
	return expr, nil
}

func (c *Condition) match(key string, cols Tuple) bool {
	var (
		v  string
		ok bool
	)
	if c.Column == "" {
		v, ok = key, true
	} else {
		v, ok = cols[c.Column]
	}
	if !ok {
		return c.Negate
	}
	return c.eval(v) != c.Negate
}

func (c *Condition) eval(v string) bool {
	switch c.Op {
	case OpStrEq:
		return v == c.Operand
	case OpStrInc:
		return strings.Contains(v, c.Operand)
	case OpStrBw:
		return strings.HasPrefix(v, c.Operand)
	case OpStrEw:
		return strings.HasSuffix(v, c.Operand)
	case OpStrAnd, OpStrOr:
		have := make(map[string]struct{})
		for _, t := range textanalyzer.SplitTerms(v) {
			have[t] = struct{}{}
		}
		return containsTerms(have, c.terms, c.Op == OpStrAnd)
	case OpStrOrEq:
		for _, t := range c.terms {
			if v == t {
				return true
			}
		}
		return false
	case OpStrRx:
		return c.re.MatchString(v)
	}

	if c.Op.IsNumeric() {
		x := numericValue(v)
		switch c.Op {
		case OpNumEq:
			return x == c.nums[0]
		case OpNumGt:
			return x > c.nums[0]
		case OpNumGe:
			return x >= c.nums[0]
		case OpNumLt:
			return x < c.nums[0]
		case OpNumLe:
			return x <= c.nums[0]
		case OpNumBt:
			return x >= c.nums[0] && x <= c.nums[1]
		case OpNumOrEq:
			for _, n := range c.nums {
				if x == n {
					return true
				}
			}
		}
		return false
	}

	tokens := textanalyzer.Tokenize(v)
	switch c.Op {
	case OpFtsPh:
		return textanalyzer.ContainsPhrase(tokens, c.terms)
	case OpFtsAnd, OpFtsOr:
		have := make(map[string]struct{}, len(tokens))
		for _, t := range tokens {
			have[t] = struct{}{}
		}
		return containsTerms(have, c.terms, c.Op == OpFtsAnd)
	case OpFtsEx:
		for _, alt := range c.expr {
			if matchAlternative(tokens, alt) {
				return true
			}
		}
	}
	return false
}

func containsTerms(have map[string]struct{}, terms []string, all bool) bool {
	for _, t := range terms {
		_, ok := have[t]
		if all && !ok {
			return false
		}
		if !all && ok {
			return true
		}
	}
	return all
}

func matchAlternative(tokens []string, alt []ftsItem) bool {
	for _, item := range alt {
		if textanalyzer.ContainsPhrase(tokens, item.words) == item.negated {
			return false
		}
	}
	return true
}

type queryState int

const (
	queryBuilding queryState = iota
	queryExecuted
	queryDisposed
)

// Query filters, sorts and pages the tuples of a TableStore. Conditions are
// combined with AND. Once a terminal operation has run the query can be run
// again but no longer modified; after Delete every call fails.
type Query struct {
	ts *TableStore

	mu       sync.Mutex
	state    queryState
	conds    []*Condition
	orderCol string
	order    OrderType
	ordered  bool
	limit    int
	offset   int
	hint     string
	indexed  bool
}

// NewQuery starts an empty query over the table. It matches every tuple.
func (ts *TableStore) NewQuery() *Query {
	return &Query{ts: ts, limit: -1}
}

func (q *Query) mutable() error {
	switch q.state {
	case queryExecuted:
		return ErrQueryExecuted
	case queryDisposed:
		return ErrQueryDisposed
	}
	return nil
}

// AddCondition appends a filter on column. An empty column filters on the
// primary key.
func (q *Query) AddCondition(column string, op Op, operand string, negate, noIndex bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.mutable(); err != nil {
		return err
	}
	c, err := NewCondition(column, op, operand, negate, noIndex)
	if err != nil {
		return err
	}
	q.conds = append(q.conds, c)
	return nil
}

// SetLimit keeps at most limit results after skipping offset. A negative
// limit means no limit; a negative offset counts as zero.
func (q *Query) SetLimit(limit, offset int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.mutable(); err != nil {
		return err
	}
	if offset < 0 {
		offset = 0
	}
	q.limit, q.offset = limit, offset
	return nil
}

// SetOrder sorts results by column. An empty column sorts by primary key.
func (q *Query) SetOrder(column string, order OrderType) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.mutable(); err != nil {
		return err
	}
	if order < OrderStrAsc || order > OrderNumDesc {
		return validationf("unknown order %d", order)
	}
	q.orderCol, q.order, q.ordered = column, order, true
	return nil
}

// Delete disposes of the query.
func (q *Query) Delete() {
	q.mu.Lock()
	q.state = queryDisposed
	q.conds = nil
	q.mu.Unlock()
}

// Hint describes the plan of the last execution.
func (q *Query) Hint() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.hint
}

// UsedIndex reports whether the last execution took its candidates from an
// index or the primary key rather than a full scan.
func (q *Query) UsedIndex() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexed
}

// Search returns the keys of the matching tuples.
func (q *Query) Search(ctx context.Context) ([]string, error) {
	rows, err := q.execute(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.key
	}
	return keys, nil
}

// SearchGet returns the matching tuples with their keys.
func (q *Query) SearchGet(ctx context.Context) ([]Record, error) {
	rows, err := q.execute(ctx)
	if err != nil {
		return nil, err
	}
	recs := make([]Record, len(rows))
	for i, r := range rows {
		recs[i] = Record{Key: r.key, Cols: r.cols.Clone()}
	}
	return recs, nil
}

// SearchCount returns the number of matching tuples, after limit and offset.
func (q *Query) SearchCount(ctx context.Context) (int, error) {
	rows, err := q.execute(ctx)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// SearchOut removes the matching tuples.
func (q *Query) SearchOut(ctx context.Context) (bool, error) {
	if _, err := q.SearchOutFunc(ctx, q.ts.Out); err != nil {
		return false, err
	}
	return true, nil
}

// SearchOutFunc removes the matching tuples through out and returns how many
// were removed. Tuples already gone when out runs are skipped.
func (q *Query) SearchOutFunc(ctx context.Context, out func(key string) error) (int, error) {
	rows, err := q.execute(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := out(r.key); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

type shardPlan struct {
	label      string
	candidates int
}

func (q *Query) execute(ctx context.Context) ([]*row, error) {
	q.mu.Lock()
	if q.state == queryDisposed {
		q.mu.Unlock()
		return nil, ErrQueryDisposed
	}
	q.state = queryExecuted
	conds := q.conds
	orderCol, order, ordered := q.orderCol, q.order, q.ordered
	limit, offset := q.limit, q.offset
	q.mu.Unlock()

	var (
		matched []*row
		plans   []shardPlan
	)
	for _, sh := range q.ts.shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, plan, err := runShard(ctx, sh, conds)
		if err != nil {
			return nil, err
		}
		matched = append(matched, rows...)
		plans = append(plans, plan)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].key < matched[j].key })
	if ordered {
		sortRows(matched, orderCol, order)
	}
	total := len(matched)
	matched = applyLimit(matched, limit, offset)

	hint, indexed := describePlan(plans, total, len(matched), orderCol, order, ordered)
	q.mu.Lock()
	q.hint, q.indexed = hint, indexed
	q.mu.Unlock()
	return matched, nil
}

// runShard evaluates conds over one shard. Candidates and snapshots are
// taken under the read lock; evaluation runs on the snapshots.
func runShard(ctx context.Context, sh *tableShard, conds []*Condition) ([]*row, shardPlan, error) {
	sh.mu.RLock()
	rows := sh.rows.Copy()
	byID := sh.byID.Copy()
	bm, label, indexed := sh.idx.candidates(conds)
	var ids []uint32
	if indexed {
		ids = bm.ToArray()
	}
	sh.mu.RUnlock()

	var (
		out  []*row
		seen int
		err  error
	)
	visit := func(r *row) bool {
		seen++
		if seen%checkEvery == 0 {
			if err = ctx.Err(); err != nil {
				return false
			}
		}
		for _, c := range conds {
			if !c.match(r.key, r.cols) {
				return true
			}
		}
		out = append(out, r)
		return true
	}

	plan := shardPlan{}
	pkeys, byKey := primaryKeyCandidates(conds)
	switch {
	case byKey && (!indexed || len(pkeys) <= len(ids)):
		plan = shardPlan{label: "primary key", candidates: len(pkeys)}
		for _, k := range pkeys {
			if r, ok := rows.Get(&row{key: k}); ok && !visit(r) {
				break
			}
		}
	case indexed:
		plan = shardPlan{label: label, candidates: len(ids)}
		for _, id := range ids {
			if r, ok := byID.Get(&row{id: id}); ok && !visit(r) {
				break
			}
		}
	default:
		plan = shardPlan{candidates: rows.Len()}
		rows.Scan(visit)
	}
	if err != nil {
		return nil, plan, err
	}
	return out, plan, nil
}

// primaryKeyCandidates returns the keys named by a STREQ or STROREQ
// condition on the primary key, if there is one.
func primaryKeyCandidates(conds []*Condition) ([]string, bool) {
	for _, c := range conds {
		if c.Column != "" || c.Negate || c.NoIndex {
			continue
		}
		switch c.Op {
		case OpStrEq:
			return []string{c.Operand}, true
		case OpStrOrEq:
			keys := slices.Clone(c.terms)
			slices.Sort(keys)
			return slices.Compact(keys), true
		}
	}
	return nil, false
}

func sortRows(rows []*row, column string, order OrderType) {
	value := func(r *row) string {
		if column == "" {
			return r.key
		}
		return r.cols[column]
	}
	var less func(a, b *row) bool
	switch order {
	case OrderStrAsc:
		less = func(a, b *row) bool { return value(a) < value(b) }
	case OrderStrDesc:
		less = func(a, b *row) bool { return value(a) > value(b) }
	case OrderNumAsc:
		less = func(a, b *row) bool { return numericValue(value(a)) < numericValue(value(b)) }
	case OrderNumDesc:
		less = func(a, b *row) bool { return numericValue(value(a)) > numericValue(value(b)) }
	}
	sort.SliceStable(rows, func(i, j int) bool { return less(rows[i], rows[j]) })
}

func applyLimit(rows []*row, limit, offset int) []*row {
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit >= 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

func describePlan(plans []shardPlan, total, returned int, orderCol string, order OrderType, ordered bool) (string, bool) {
	var (
		b          strings.Builder
		candidates int
		scans      int
	)
	byLabel := make(map[string]int)
	var labels []string
	for _, p := range plans {
		candidates += p.candidates
		if p.label == "" {
			scans++
			continue
		}
		if _, ok := byLabel[p.label]; !ok {
			labels = append(labels, p.label)
		}
		byLabel[p.label]++
	}
	for _, l := range labels {
		fmt.Fprintf(&b, "using index: %s (%d shards)\n", l, byLabel[l])
	}
	if scans > 0 {
		fmt.Fprintf(&b, "full scan (%d shards)\n", scans)
	}
	fmt.Fprintf(&b, "candidates: %d\n", candidates)
	fmt.Fprintf(&b, "result set size: %d\n", total)
	if ordered {
		fmt.Fprintf(&b, "sorting by %q %s\n", orderCol, strings.ToLower(order.String()))
	}
	if returned != total {
		fmt.Fprintf(&b, "returned after limit: %d\n", returned)
	}
	return b.String(), len(labels) > 0
}

// ConditionSpec is the portable form of a condition, with the operator by name.
type ConditionSpec struct {
	Column  string `msgpack:"column" json:"column"`
	Op      string `msgpack:"op" json:"op"`
	Operand string `msgpack:"operand" json:"operand"`
	Negate  bool   `msgpack:"negate,omitempty" json:"negate,omitempty"`
	NoIndex bool   `msgpack:"noidx,omitempty" json:"noidx,omitempty"`
}

// QuerySpec is the portable form of a query, sent by clients and tools.
type QuerySpec struct {
	Conditions  []ConditionSpec `msgpack:"conds" json:"conditions"`
	OrderColumn string          `msgpack:"order_col,omitempty" json:"order_column,omitempty"`
	Order       string          `msgpack:"order,omitempty" json:"order,omitempty"`
	Limit       *int            `msgpack:"limit,omitempty" json:"limit,omitempty"`
	Offset      int             `msgpack:"offset,omitempty" json:"offset,omitempty"`
}

// QueryFromSpec builds a query from its portable form. An empty Order means
// unsorted and a nil Limit means unlimited.
func (ts *TableStore) QueryFromSpec(spec QuerySpec) (*Query, error) {
	q := ts.NewQuery()
	for _, cs := range spec.Conditions {
		op, negate, noIndex, err := ParseOp(cs.Op)
		if err != nil {
			return nil, err
		}
		if err := q.AddCondition(cs.Column, op, cs.Operand, negate || cs.Negate, noIndex || cs.NoIndex); err != nil {
			return nil, err
		}
	}
	if spec.Order != "" {
		order, err := ParseOrder(spec.Order)
		if err != nil {
			return nil, err
		}
		if err := q.SetOrder(spec.OrderColumn, order); err != nil {
			return nil, err
		}
	}
	limit := -1
	if spec.Limit != nil {
		limit = *spec.Limit
	}
	if err := q.SetLimit(limit, spec.Offset); err != nil {
		return nil, err
	}
	return q, nil
}

// EncodeQuerySpec returns the msgpack form of spec sent with TSEARCH.
func EncodeQuerySpec(spec QuerySpec) ([]byte, error) {
	return msgpack.Marshal(&spec)
}

// DecodeQuerySpec parses the msgpack form of a query.
func DecodeQuerySpec(b []byte) (QuerySpec, error) {
	var spec QuerySpec
	if err := msgpack.Unmarshal(b, &spec); err != nil {
		return QuerySpec{}, validationf("malformed query: %v", err)
	}
	return spec, nil
}
