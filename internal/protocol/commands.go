package protocol

// TSEARCH terminal operations, sent as the first argument.
const (
	SearchList  = "LIST"  // keys
	SearchGet   = "GET"   // keys with their tuples
	SearchOut   = "OUT"   // remove the matches
	SearchCount = "COUNT" // number of matches
	SearchHint  = "HINT"  // execution plan
)
