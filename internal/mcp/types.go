package mcp

import "github.com/sanonone/tyrantdb/pkg/core"

// --- Tool Arguments ---

type KVGetArgs struct {
	Key string `json:"key" jsonschema:"The record key"`
}

type KVGetResult struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Found bool   `json:"found"`
}

type KVPutArgs struct {
	Key   string `json:"key" jsonschema:"The record key"`
	Value string `json:"value" jsonschema:"The value to store"`
	Mode  string `json:"mode,omitempty" jsonschema:"replace (default), keep (only if absent) or cat (append)"`
}

type KVOutArgs struct {
	Key string `json:"key" jsonschema:"The record key to remove"`
}

type StatusResult struct {
	Status string `json:"status"`
}

type TableGetArgs struct {
	Key string `json:"key" jsonschema:"The primary key of the tuple"`
}

type TableGetResult struct {
	Key     string            `json:"key"`
	Columns map[string]string `json:"columns,omitempty"`
	Found   bool              `json:"found"`
}

type TablePutArgs struct {
	Key     string            `json:"key" jsonschema:"The primary key of the tuple"`
	Columns map[string]string `json:"columns" jsonschema:"Column names mapped to their values"`
	Mode    string            `json:"mode,omitempty" jsonschema:"replace (default), keep (only if absent) or cat (merge columns)"`
}

type TableSearchArgs struct {
	Conditions  []core.ConditionSpec `json:"conditions,omitempty" jsonschema:"Conditions that must all hold, e.g. {column: age, op: NUMGE, operand: 30}"`
	OrderColumn string               `json:"order_column,omitempty" jsonschema:"Column to sort by"`
	Order       string               `json:"order,omitempty" jsonschema:"STRASC, STRDESC, NUMASC or NUMDESC"`
	Limit       int                  `json:"limit,omitempty" jsonschema:"Max number of results (default 20)"`
	Offset      int                  `json:"offset,omitempty" jsonschema:"Results to skip"`
	WithColumns bool                 `json:"with_columns,omitempty" jsonschema:"Return the tuples, not only their keys"`
}

type TableSearchResult struct {
	Keys    []string      `json:"keys,omitempty"`
	Records []core.Record `json:"records,omitempty"`
	Hint    string        `json:"hint"`
}

type StatArgs struct{}

type StatResult struct {
	Stat map[string]string `json:"stat"`
}
