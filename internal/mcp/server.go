// Package mcp exposes the store as Model Context Protocol tools, over stdio
// or mounted on the admin HTTP API.
package mcp

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sanonone/tyrantdb/pkg/engine"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

func NewMCPServer(eng *engine.Engine) *mcp.Server {
	service := NewService(eng)

	s := mcp.NewServer(&mcp.Implementation{
		Name:    "TyrantDB",
		Version: Version,
	}, nil)

	// AddTool derives the input and output schemas from the argument structs.

	mcp.AddTool(s, &mcp.Tool{
		Name:        "kv_get",
		Description: "Read the value of a record by key.",
	}, service.KVGet)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "kv_put",
		Description: "Store a record. Mode keep fails if the key exists, cat appends to the current value.",
	}, service.KVPut)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "kv_delete",
		Description: "Remove a record by key.",
	}, service.KVOut)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "table_get",
		Description: "Read all columns of a table tuple by primary key.",
	}, service.TableGet)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "table_put",
		Description: "Store a table tuple as a column/value map.",
	}, service.TablePut)

	mcp.AddTool(s, &mcp.Tool{
		Name: "table_search",
		Description: "Search table tuples. Operators: STREQ, STRINC, STRBW, STREW, STRAND, STROR, STROREQ, STRRX, " +
			"NUMEQ, NUMGT, NUMGE, NUMLT, NUMLE, NUMBT, NUMOREQ, FTSPH, FTSAND, FTSOR, FTSEX. Set negate to invert a condition.",
	}, service.TableSearch)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "stat",
		Description: "Report record and tuple counts, sizes and defined indexes.",
	}, service.Stat)

	return s
}

// NewHTTPHandler serves s over the streamable HTTP transport.
func NewHTTPHandler(s *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s }, nil)
}
