package core

import (
	"strings"
)

// Op is a query condition operator.
type Op int

const (
	OpStrEq Op = iota
	OpStrInc
	OpStrBw
	OpStrEw
	OpStrAnd
	OpStrOr
	OpStrOrEq
	OpStrRx
	OpNumEq
	OpNumGt
	OpNumGe
	OpNumLt
	OpNumLe
	OpNumBt
	OpNumOrEq
	OpFtsPh
	OpFtsAnd
	OpFtsOr
	OpFtsEx
)

var opNames = [...]string{
	OpStrEq:   "STREQ",
	OpStrInc:  "STRINC",
	OpStrBw:   "STRBW",
	OpStrEw:   "STREW",
	OpStrAnd:  "STRAND",
	OpStrOr:   "STROR",
	OpStrOrEq: "STROREQ",
	OpStrRx:   "STRRX",
	OpNumEq:   "NUMEQ",
	OpNumGt:   "NUMGT",
	OpNumGe:   "NUMGE",
	OpNumLt:   "NUMLT",
	OpNumLe:   "NUMLE",
	OpNumBt:   "NUMBT",
	OpNumOrEq: "NUMOREQ",
	OpFtsPh:   "FTSPH",
	OpFtsAnd:  "FTSAND",
	OpFtsOr:   "FTSOR",
	OpFtsEx:   "FTSEX",
}

func (o Op) String() string {
	if o < 0 || int(o) >= len(opNames) {
		return "UNKNOWN"
	}
	return opNames[o]
}

// IsNumeric reports whether the operator compares decimal values.
func (o Op) IsNumeric() bool { return o >= OpNumEq && o <= OpNumOrEq }

// IsFullText reports whether the operator belongs to the full-text family.
func (o Op) IsFullText() bool { return o >= OpFtsPh && o <= OpFtsEx }

// Modifier names accepted after a '|' in an operator name.
const (
	ModNegate  = "NEGATE"
	ModNoIndex = "NOIDX"
)

// ParseOp resolves an operator name such as "NUMGE", "rdbqcstreq" or
// "STREQ|NEGATE". Names are case-insensitive and may carry the RDBQC or QC
// prefix. Modifiers are returned as flags.
func ParseOp(name string) (op Op, negate, noIndex bool, err error) {
	parts := strings.Split(name, "|")
	found := false
	for _, p := range parts {
		n := normalizeName(p, "RDBQC", "QC")
		switch n {
		case ModNegate:
			negate = true
			continue
		case ModNoIndex:
			noIndex = true
			continue
		}
		if found {
			return 0, false, false, validationf("operator %q names more than one operator", name)
		}
		o, ok := lookupName(opNames[:], n)
		if !ok {
			return 0, false, false, validationf("unknown operator %q", p)
		}
		op, found = Op(o), true
	}
	if !found {
		return 0, false, false, validationf("operator %q has no base operator", name)
	}
	return op, negate, noIndex, nil
}

// OrderType is a sort method for query results.
type OrderType int

const (
	OrderStrAsc OrderType = iota
	OrderStrDesc
	OrderNumAsc
	OrderNumDesc
)

var orderNames = [...]string{
	OrderStrAsc:  "STRASC",
	OrderStrDesc: "STRDESC",
	OrderNumAsc:  "NUMASC",
	OrderNumDesc: "NUMDESC",
}

func (o OrderType) String() string {
	if o < 0 || int(o) >= len(orderNames) {
		return "UNKNOWN"
	}
	return orderNames[o]
}

// ParseOrder resolves a sort method name, with optional RDBQO or QO prefix.
func ParseOrder(name string) (OrderType, error) {
	o, ok := lookupName(orderNames[:], normalizeName(name, "RDBQO", "QO"))
	if !ok {
		return 0, validationf("unknown order %q", name)
	}
	return OrderType(o), nil
}

// IndexKind selects the structure built by SetIndex.
type IndexKind int

const (
	IndexLexical IndexKind = iota
	IndexDecimal
	IndexToken
	IndexQGram
	// IndexOptimize compacts the existing indexes of a column.
	IndexOptimize
	// IndexVoid drops every index of a column.
	IndexVoid
)

var indexKindNames = [...]string{
	IndexLexical:  "LEXICAL",
	IndexDecimal:  "DECIMAL",
	IndexToken:    "TOKEN",
	IndexQGram:    "QGRAM",
	IndexOptimize: "OPT",
	IndexVoid:     "VOID",
}

func (k IndexKind) String() string {
	if k < 0 || int(k) >= len(indexKindNames) {
		return "UNKNOWN"
	}
	return indexKindNames[k]
}

// IsStructure reports whether the kind builds an index, as opposed to the
// OPT and VOID maintenance actions.
func (k IndexKind) IsStructure() bool { return k >= IndexLexical && k <= IndexQGram }

// ParseIndexKind resolves an index kind name, with optional RDBIT or IT
// prefix. A trailing "|KEEP" sets the keep flag.
func ParseIndexKind(name string) (kind IndexKind, keep bool, err error) {
	parts := strings.Split(name, "|")
	base := normalizeName(parts[0], "RDBIT", "IT")
	for _, p := range parts[1:] {
		if normalizeName(p, "RDBIT", "IT") != "KEEP" {
			return 0, false, validationf("unknown index flag %q", p)
		}
		keep = true
	}
	k, ok := lookupName(indexKindNames[:], base)
	if !ok {
		return 0, false, validationf("unknown index kind %q", name)
	}
	return IndexKind(k), keep, nil
}

// normalizeName upper-cases name and strips the first matching prefix.
func normalizeName(name string, prefixes ...string) string {
	n := strings.ToUpper(strings.TrimSpace(name))
	for _, p := range prefixes {
		if rest, ok := strings.CutPrefix(n, p); ok && rest != "" {
			return rest
		}
	}
	return n
}

func lookupName(names []string, n string) (int, bool) {
	for i, candidate := range names {
		if candidate == n {
			return i, true
		}
	}
	return 0, false
}
