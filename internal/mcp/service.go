package mcp

import (
	"context"
	"errors"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sanonone/tyrantdb/pkg/core"
	"github.com/sanonone/tyrantdb/pkg/engine"
)

// defaultSearchLimit caps table_search when the caller gives no limit, so a
// tool call never dumps a whole table into a model context.
const defaultSearchLimit = 20

type Service struct {
	engine *engine.Engine
}

func NewService(eng *engine.Engine) *Service {
	return &Service{engine: eng}
}

var recordModes = map[string]core.PutMode{
	"":        core.PutReplace,
	"replace": core.PutReplace,
	"keep":    core.PutKeep,
	"cat":     core.PutCat,
}

// --- Tool Handlers ---

func (s *Service) KVGet(ctx context.Context, req *mcp.CallToolRequest, args KVGetArgs) (*mcp.CallToolResult, KVGetResult, error) {
	value, err := s.engine.Get(args.Key)
	if errors.Is(err, core.ErrNotFound) {
		return nil, KVGetResult{Key: args.Key}, nil
	}
	if err != nil {
		return nil, KVGetResult{}, err
	}
	return nil, KVGetResult{Key: args.Key, Value: string(value), Found: true}, nil
}

func (s *Service) KVPut(ctx context.Context, req *mcp.CallToolRequest, args KVPutArgs) (*mcp.CallToolResult, StatusResult, error) {
	mode, ok := recordModes[strings.ToLower(args.Mode)]
	if !ok {
		return nil, StatusResult{}, errors.New("mode must be replace, keep or cat")
	}
	if err := s.engine.Put(args.Key, []byte(args.Value), mode, 0); err != nil {
		return nil, StatusResult{}, err
	}
	return nil, StatusResult{Status: "OK"}, nil
}

func (s *Service) KVOut(ctx context.Context, req *mcp.CallToolRequest, args KVOutArgs) (*mcp.CallToolResult, StatusResult, error) {
	if err := s.engine.Out(args.Key); err != nil {
		return nil, StatusResult{}, err
	}
	return nil, StatusResult{Status: "OK"}, nil
}

func (s *Service) TableGet(ctx context.Context, req *mcp.CallToolRequest, args TableGetArgs) (*mcp.CallToolResult, TableGetResult, error) {
	cols, err := s.engine.TGet(args.Key)
	if errors.Is(err, core.ErrNotFound) {
		return nil, TableGetResult{Key: args.Key}, nil
	}
	if err != nil {
		return nil, TableGetResult{}, err
	}
	return nil, TableGetResult{Key: args.Key, Columns: cols, Found: true}, nil
}

func (s *Service) TablePut(ctx context.Context, req *mcp.CallToolRequest, args TablePutArgs) (*mcp.CallToolResult, StatusResult, error) {
	mode := core.TPutReplace
	if args.Mode != "" {
		var err error
		if mode, err = core.ParseTablePutMode(args.Mode); err != nil {
			return nil, StatusResult{}, err
		}
	}
	if err := s.engine.TPut(args.Key, core.Tuple(args.Columns), mode); err != nil {
		return nil, StatusResult{}, err
	}
	return nil, StatusResult{Status: "OK"}, nil
}

func (s *Service) TableSearch(ctx context.Context, req *mcp.CallToolRequest, args TableSearchArgs) (*mcp.CallToolResult, TableSearchResult, error) {
	limit := args.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	q, err := s.engine.QueryFromSpec(core.QuerySpec{
		Conditions:  args.Conditions,
		OrderColumn: args.OrderColumn,
		Order:       args.Order,
		Limit:       &limit,
		Offset:      args.Offset,
	})
	if err != nil {
		return nil, TableSearchResult{}, err
	}
	defer q.Delete()

	var res TableSearchResult
	if args.WithColumns {
		res.Records, err = q.SearchGet(ctx)
	} else {
		res.Keys, err = q.Search(ctx)
	}
	if err != nil {
		return nil, TableSearchResult{}, err
	}
	res.Hint = q.Hint()
	return nil, res, nil
}

func (s *Service) Stat(ctx context.Context, req *mcp.CallToolRequest, args StatArgs) (*mcp.CallToolResult, StatResult, error) {
	return nil, StatResult{Stat: s.engine.Stat()}, nil
}
