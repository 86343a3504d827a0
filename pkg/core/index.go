package core

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/RoaringBitmap/roaring"
	"github.com/sanonone/tyrantdb/pkg/textanalyzer"
	"github.com/tidwall/btree"
)

// IndexDef describes one secondary index.
type IndexDef struct {
	Column string    `msgpack:"column" json:"column"`
	Kind   IndexKind `msgpack:"kind" json:"kind"`
}

// columnIndex is one (column, kind) structure. Implementations are not
// safe for concurrent use; the owning table shard serializes access.
type columnIndex interface {
	kind() IndexKind
	insert(id uint32, value string)
	remove(id uint32, value string)
	// lookup returns a superset of the rows matching c, or false when the
	// index cannot serve the condition.
	lookup(c *Condition) (*roaring.Bitmap, bool)
	optimize()
	equal(other columnIndex) bool
}

func newColumnIndex(kind IndexKind) columnIndex {
	switch kind {
	case IndexLexical:
		return newLexicalIndex()
	case IndexDecimal:
		return newDecimalIndex()
	case IndexToken:
		return newPostingIndex(IndexToken)
	case IndexQGram:
		return newPostingIndex(IndexQGram)
	}
	return nil
}

// --- Lexical ---

type lexItem struct {
	value string
	id    uint32
}

func lexItemLess(a, b lexItem) bool {
	if a.value != b.value {
		return a.value < b.value
	}
	return a.id < b.id
}

type lexicalIndex struct {
	tree *btree.BTreeG[lexItem]
}

func newLexicalIndex() *lexicalIndex {
	return &lexicalIndex{tree: btree.NewBTreeG[lexItem](lexItemLess)}
}

func (x *lexicalIndex) kind() IndexKind { return IndexLexical }

func (x *lexicalIndex) insert(id uint32, value string) {
	x.tree.Set(lexItem{value: value, id: id})
}

func (x *lexicalIndex) remove(id uint32, value string) {
	x.tree.Delete(lexItem{value: value, id: id})
}

func (x *lexicalIndex) collectEqual(bm *roaring.Bitmap, v string) {
	x.tree.Ascend(lexItem{value: v}, func(it lexItem) bool {
		if it.value != v {
			return false
		}
		bm.Add(it.id)
		return true
	})
}

func (x *lexicalIndex) lookup(c *Condition) (*roaring.Bitmap, bool) {
	bm := roaring.New()
	switch c.Op {
	case OpStrEq:
		x.collectEqual(bm, c.Operand)
	case OpStrOrEq:
		for _, term := range c.terms {
			x.collectEqual(bm, term)
		}
	case OpStrBw:
		x.tree.Ascend(lexItem{value: c.Operand}, func(it lexItem) bool {
			if !strings.HasPrefix(it.value, c.Operand) {
				return false
			}
			bm.Add(it.id)
			return true
		})
	default:
		return nil, false
	}
	return bm, true
}

func (x *lexicalIndex) optimize() {}

func (x *lexicalIndex) equal(other columnIndex) bool {
	o, ok := other.(*lexicalIndex)
	if !ok || o.tree.Len() != x.tree.Len() {
		return false
	}
	a, b := x.tree.Items(), o.tree.Items()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- Decimal ---

type decItem struct {
	value float64
	id    uint32
}

func decItemLess(a, b decItem) bool {
	if a.value != b.value {
		return a.value < b.value
	}
	return a.id < b.id
}

type decimalIndex struct {
	tree *btree.BTreeG[decItem]
}

func newDecimalIndex() *decimalIndex {
	return &decimalIndex{tree: btree.NewBTreeG[decItem](decItemLess)}
}

func (x *decimalIndex) kind() IndexKind { return IndexDecimal }

func (x *decimalIndex) insert(id uint32, value string) {
	x.tree.Set(decItem{value: numericValue(value), id: id})
}

func (x *decimalIndex) remove(id uint32, value string) {
	x.tree.Delete(decItem{value: numericValue(value), id: id})
}

// collectRange adds every id whose value lies in [lo, hi], honoring the
// inclusive flags.
func (x *decimalIndex) collectRange(bm *roaring.Bitmap, lo, hi float64, loInc, hiInc bool) {
	x.tree.Ascend(decItem{value: lo}, func(it decItem) bool {
		if it.value > hi || (!hiInc && it.value == hi) {
			return false
		}
		if !loInc && it.value == lo {
			return true
		}
		bm.Add(it.id)
		return true
	})
}

func (x *decimalIndex) lookup(c *Condition) (*roaring.Bitmap, bool) {
	if !c.Op.IsNumeric() {
		return nil, false
	}
	bm := roaring.New()
	inf := math.Inf(1)
	n := c.nums
	switch c.Op {
	case OpNumEq:
		x.collectRange(bm, n[0], n[0], true, true)
	case OpNumGt:
		x.collectRange(bm, n[0], inf, false, true)
	case OpNumGe:
		x.collectRange(bm, n[0], inf, true, true)
	case OpNumLt:
		x.collectRange(bm, math.Inf(-1), n[0], true, false)
	case OpNumLe:
		x.collectRange(bm, math.Inf(-1), n[0], true, true)
	case OpNumBt:
		x.collectRange(bm, n[0], n[1], true, true)
	case OpNumOrEq:
		for _, v := range n {
			x.collectRange(bm, v, v, true, true)
		}
	}
	return bm, true
}

func (x *decimalIndex) optimize() {}

func (x *decimalIndex) equal(other columnIndex) bool {
	o, ok := other.(*decimalIndex)
	if !ok || o.tree.Len() != x.tree.Len() {
		return false
	}
	a, b := x.tree.Items(), o.tree.Items()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- Token and q-gram posting lists ---

type postingIndex struct {
	k        IndexKind
	postings map[string]*roaring.Bitmap
}

func newPostingIndex(k IndexKind) *postingIndex {
	return &postingIndex{k: k, postings: make(map[string]*roaring.Bitmap)}
}

func (x *postingIndex) kind() IndexKind { return x.k }

func (x *postingIndex) terms(value string) []string {
	if x.k == IndexToken {
		return textanalyzer.SplitTerms(value)
	}
	return textanalyzer.QGrams(value)
}

func (x *postingIndex) insert(id uint32, value string) {
	for _, t := range x.terms(value) {
		bm, ok := x.postings[t]
		if !ok {
			bm = roaring.New()
			x.postings[t] = bm
		}
		bm.Add(id)
	}
}

func (x *postingIndex) remove(id uint32, value string) {
	for _, t := range x.terms(value) {
		bm, ok := x.postings[t]
		if !ok {
			continue
		}
		bm.Remove(id)
		if bm.IsEmpty() {
			delete(x.postings, t)
		}
	}
}

func (x *postingIndex) posting(term string) *roaring.Bitmap {
	if bm, ok := x.postings[term]; ok {
		return bm
	}
	return roaring.New()
}

// substring returns the rows whose value may contain s. It needs at least
// one full gram, and s must be valid UTF-8: grams are built over runes, so
// broken bytes could match inside a stored rune.
func (x *postingIndex) substring(s string) (*roaring.Bitmap, bool) {
	if textanalyzer.ShortForQGram(s) || !utf8.ValidString(s) {
		return nil, false
	}
	grams := textanalyzer.QGrams(s)
	sets := make([]*roaring.Bitmap, 0, len(grams))
	for _, g := range grams {
		sets = append(sets, x.posting(g))
	}
	return roaring.FastAnd(sets...), true
}

// allOf intersects substring lookups, skipping terms too short to look up.
func (x *postingIndex) allOf(terms []string) (*roaring.Bitmap, bool) {
	var sets []*roaring.Bitmap
	for _, t := range terms {
		if bm, ok := x.substring(t); ok {
			sets = append(sets, bm)
		}
	}
	if len(sets) == 0 {
		return nil, false
	}
	return roaring.FastAnd(sets...), true
}

// anyOf unions substring lookups; one unservable term makes the whole
// condition unservable.
func (x *postingIndex) anyOf(terms []string) (*roaring.Bitmap, bool) {
	sets := make([]*roaring.Bitmap, 0, len(terms))
	for _, t := range terms {
		bm, ok := x.substring(t)
		if !ok {
			return nil, false
		}
		sets = append(sets, bm)
	}
	return roaring.FastOr(sets...), true
}

func (x *postingIndex) lookup(c *Condition) (*roaring.Bitmap, bool) {
	if x.k == IndexToken {
		switch c.Op {
		case OpStrAnd:
			sets := make([]*roaring.Bitmap, 0, len(c.terms))
			for _, t := range c.terms {
				sets = append(sets, x.posting(t))
			}
			return roaring.FastAnd(sets...), true
		case OpStrOr:
			sets := make([]*roaring.Bitmap, 0, len(c.terms))
			for _, t := range c.terms {
				sets = append(sets, x.posting(t))
			}
			return roaring.FastOr(sets...), true
		}
		return nil, false
	}

	switch c.Op {
	case OpStrInc, OpStrBw, OpStrEw:
		return x.substring(c.Operand)
	case OpFtsPh, OpFtsAnd:
		return x.allOf(c.terms)
	case OpFtsOr:
		return x.anyOf(c.terms)
	case OpFtsEx:
		sets := make([]*roaring.Bitmap, 0, len(c.expr))
		for _, alt := range c.expr {
			var positive []string
			for _, item := range alt {
				if !item.negated {
					positive = append(positive, item.words...)
				}
			}
			bm, ok := x.allOf(positive)
			if !ok {
				return nil, false
			}
			sets = append(sets, bm)
		}
		return roaring.FastOr(sets...), true
	}
	return nil, false
}

func (x *postingIndex) optimize() {
	for _, bm := range x.postings {
		bm.RunOptimize()
	}
}

func (x *postingIndex) equal(other columnIndex) bool {
	o, ok := other.(*postingIndex)
	if !ok || o.k != x.k || len(o.postings) != len(x.postings) {
		return false
	}
	for t, bm := range x.postings {
		obm, ok := o.postings[t]
		if !ok || !bm.Equals(obm) {
			return false
		}
	}
	return true
}

// --- Manager ---

// IndexManager owns every secondary index of one table shard. Its indexes
// are derived data and can always be rebuilt from the rows.
type IndexManager struct {
	columns map[string]map[IndexKind]columnIndex
}

// NewIndexManager returns a manager with no indexes.
func NewIndexManager() *IndexManager {
	return &IndexManager{columns: make(map[string]map[IndexKind]columnIndex)}
}

// Defs lists the defined indexes sorted by column then kind.
func (m *IndexManager) Defs() []IndexDef {
	var defs []IndexDef
	for col, kinds := range m.columns {
		for k := range kinds {
			defs = append(defs, IndexDef{Column: col, Kind: k})
		}
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Column != defs[j].Column {
			return defs[i].Column < defs[j].Column
		}
		return defs[i].Kind < defs[j].Kind
	})
	return defs
}

// Has reports whether an index of kind exists on column.
func (m *IndexManager) Has(column string, kind IndexKind) bool {
	_, ok := m.columns[column][kind]
	return ok
}

// apply handles one SetIndex call. scan must call fn for every row of the shard.
func (m *IndexManager) apply(column string, kind IndexKind, keep bool, scan func(fn func(r *row))) {
	switch kind {
	case IndexVoid:
		delete(m.columns, column)
		return
	case IndexOptimize:
		for _, idx := range m.columns[column] {
			idx.optimize()
		}
		return
	}

	kinds, ok := m.columns[column]
	if !ok {
		kinds = make(map[IndexKind]columnIndex)
		m.columns[column] = kinds
	}
	idx, exists := kinds[kind]
	if !exists || !keep {
		idx = newColumnIndex(kind)
		kinds[kind] = idx
	}
	// Inserting an already indexed row is a no-op for every kind, so the
	// keep path merges by re-adding every row.
	scan(func(r *row) {
		if v, ok := r.cols[column]; ok {
			idx.insert(r.id, v)
		}
	})
}

func (m *IndexManager) insert(r *row) {
	for col, kinds := range m.columns {
		v, ok := r.cols[col]
		if !ok {
			continue
		}
		for _, idx := range kinds {
			idx.insert(r.id, v)
		}
	}
}

func (m *IndexManager) remove(r *row) {
	for col, kinds := range m.columns {
		v, ok := r.cols[col]
		if !ok {
			continue
		}
		for _, idx := range kinds {
			idx.remove(r.id, v)
		}
	}
}

func (m *IndexManager) clear() {
	for col, kinds := range m.columns {
		for k := range kinds {
			kinds[k] = newColumnIndex(k)
		}
		m.columns[col] = kinds
	}
}

// candidates returns the smallest posting set any usable index yields for
// conds, and a description of the index used.
func (m *IndexManager) candidates(conds []*Condition) (*roaring.Bitmap, string, bool) {
	var (
		best  *roaring.Bitmap
		label string
	)
	for _, c := range conds {
		if c.Negate || c.NoIndex {
			continue
		}
		for k, idx := range m.columns[c.Column] {
			bm, ok := idx.lookup(c)
			if !ok {
				continue
			}
			if best == nil || bm.GetCardinality() < best.GetCardinality() {
				best = bm
				label = fmt.Sprintf("%q %s %s", c.Column, strings.ToLower(k.String()), c.Op)
			}
		}
	}
	return best, label, best != nil
}

// verify rebuilds every index from scan and compares it with the live one.
func (m *IndexManager) verify(scan func(fn func(r *row))) error {
	for col, kinds := range m.columns {
		for k, idx := range kinds {
			fresh := newColumnIndex(k)
			scan(func(r *row) {
				if v, ok := r.cols[col]; ok {
					fresh.insert(r.id, v)
				}
			})
			if !idx.equal(fresh) {
				return fmt.Errorf("%w: %s index on column %q", ErrIndexInconsistency, k, col)
			}
		}
	}
	return nil
}

// numericValue converts a stored value for numeric comparison. Values that
// are not decimal numbers count as zero.
func numericValue(s string) float64 {
	v, err := ParseNumber(s)
	if err != nil || math.IsNaN(v) {
		return 0
	}
	return v
}
