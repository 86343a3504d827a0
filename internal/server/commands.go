package server

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sanonone/tyrantdb/internal/protocol"
	"github.com/sanonone/tyrantdb/pkg/core"
	"github.com/sanonone/tyrantdb/pkg/engine"
	"github.com/sanonone/tyrantdb/pkg/metrics"
)

// handler executes one command and writes its reply. A returned error is
// sent as an error reply instead.
type handler func(ctx context.Context, s *session, cmd *protocol.Command) error

var commandTable map[string]handler

func init() {
	commandTable = map[string]handler{
		"PING": handlePing,
		"QUIT": func(context.Context, *session, *protocol.Command) error { return nil },

		// Records
		"PUT":       handlePut(core.PutReplace),
		"PUTKEEP":   handlePut(core.PutKeep),
		"PUTCAT":    handlePut(core.PutCat),
		"PUTSHL":    handlePutShl,
		"PUTNR":     handlePutNR,
		"GET":       handleGet,
		"MGET":      handleMGet,
		"MPUT":      handleMPut,
		"OUT":       handleOut,
		"MOUT":      handleMOut,
		"VSIZ":      handleVSiz,
		"ADDDOUBLE": handleAddDouble,
		"ITERINIT":  handleIterInit,
		"ITERNEXT":  handleIterNext,
		"RNUM":      handleCounter(func(e *engine.Engine) int64 { return e.DB.Records().Count() }),
		"SIZE":      handleCounter(func(e *engine.Engine) int64 { return e.DB.Records().Size() }),
		"VANISH":    handleAdmin(func(e *engine.Engine) error { return e.Vanish() }),

		// Database
		"SYNC":    handleAdmin(func(e *engine.Engine) error { return e.Sync() }),
		"COPY":    handlePathAdmin(func(e *engine.Engine, path string) error { return e.Copy(path) }),
		"RESTORE": handlePathAdmin(func(e *engine.Engine, path string) error { return e.Restore(path) }),
		"STAT":    handleStat,

		// Tables
		"TPUT":       handleTPut,
		"TGET":       handleTGet,
		"TOUT":       handleTOut,
		"TADDDOUBLE": handleTAddDouble,
		"TSETINDEX":  handleTSetIndex,
		"TRNUM":      handleCounter(func(e *engine.Engine) int64 { return e.DB.Tables().Count() }),
		"TSIZE":      handleCounter(func(e *engine.Engine) int64 { return e.DB.Tables().Size() }),
		"TVANISH":    handleAdmin(func(e *engine.Engine) error { return e.TVanish() }),
		"TITERINIT":  handleTIterInit,
		"TITERNEXT":  handleTIterNext,
		"TSEARCH":    handleTSearch,
	}
}

func wrongArgs(cmd *protocol.Command) error {
	return fmt.Errorf("%w: wrong number of arguments for '%s'", core.ErrValidation, strings.ToLower(cmd.Name))
}

func exactArgs(cmd *protocol.Command, n int) error {
	if len(cmd.Args) != n {
		return wrongArgs(cmd)
	}
	return nil
}

func parseAmount(arg string) (float64, error) {
	v, err := core.ParseNumber(arg)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q is not a number", core.ErrValidation, arg)
	}
	return v, nil
}

func handlePing(_ context.Context, s *session, cmd *protocol.Command) error {
	return s.w.WriteSimple("PONG")
}

// --- Records ---

func handlePut(mode core.PutMode) handler {
	return func(_ context.Context, s *session, cmd *protocol.Command) error {
		if err := exactArgs(cmd, 2); err != nil {
			return err
		}
		if err := s.srv.Engine.Put(cmd.Arg(0), cmd.Args[1], mode, 0); err != nil {
			return err
		}
		return s.w.WriteOK()
	}
}

func handlePutShl(_ context.Context, s *session, cmd *protocol.Command) error {
	if err := exactArgs(cmd, 3); err != nil {
		return err
	}
	width, err := strconv.Atoi(cmd.Arg(2))
	if err != nil {
		return fmt.Errorf("%w: width %q is not an integer", core.ErrValidation, cmd.Arg(2))
	}
	if err := s.srv.Engine.Put(cmd.Arg(0), cmd.Args[1], core.PutCatShl, width); err != nil {
		return err
	}
	return s.w.WriteOK()
}

// handlePutNR stores without a reply, also on failure.
func handlePutNR(_ context.Context, s *session, cmd *protocol.Command) error {
	if err := exactArgs(cmd, 2); err != nil {
		return err
	}
	return s.srv.Engine.Put(cmd.Arg(0), cmd.Args[1], core.PutReplace, 0)
}

func handleGet(_ context.Context, s *session, cmd *protocol.Command) error {
	if err := exactArgs(cmd, 1); err != nil {
		return err
	}
	v, err := s.srv.Engine.Get(cmd.Arg(0))
	if err != nil {
		return err
	}
	return s.w.WriteBulk(v)
}

// handleMGet replies with the found keys and their values, alternating, in
// request order.
func handleMGet(_ context.Context, s *session, cmd *protocol.Command) error {
	if len(cmd.Args) == 0 {
		return wrongArgs(cmd)
	}
	keys := make([]string, len(cmd.Args))
	for i := range cmd.Args {
		keys[i] = cmd.Arg(i)
	}
	found := s.srv.Engine.GetMany(keys)

	if err := s.w.WriteArrayHeader(2 * len(found)); err != nil {
		return err
	}
	for _, k := range keys {
		v, ok := found[k]
		if !ok {
			continue
		}
		delete(found, k)
		s.w.WriteBulk([]byte(k))
		s.w.WriteBulk(v)
	}
	return nil
}

func handleMPut(_ context.Context, s *session, cmd *protocol.Command) error {
	if len(cmd.Args) == 0 || len(cmd.Args)%2 != 0 {
		return wrongArgs(cmd)
	}
	pairs := make([]core.KVPair, 0, len(cmd.Args)/2)
	for i := 0; i < len(cmd.Args); i += 2 {
		pairs = append(pairs, core.KVPair{Key: cmd.Arg(i), Value: cmd.Args[i+1]})
	}
	n, err := s.srv.Engine.PutMany(pairs)
	if err != nil {
		return err
	}
	return s.w.WriteInt(int64(n))
}

func handleOut(_ context.Context, s *session, cmd *protocol.Command) error {
	if err := exactArgs(cmd, 1); err != nil {
		return err
	}
	if err := s.srv.Engine.Out(cmd.Arg(0)); err != nil {
		return err
	}
	return s.w.WriteOK()
}

// handleMOut replies with a two element array: the number of removed
// records and the keys that did not exist.
func handleMOut(_ context.Context, s *session, cmd *protocol.Command) error {
	if len(cmd.Args) == 0 {
		return wrongArgs(cmd)
	}
	keys := make([]string, len(cmd.Args))
	for i := range cmd.Args {
		keys[i] = cmd.Arg(i)
	}
	removed, missing, err := s.srv.Engine.OutMany(keys)
	if err != nil {
		return err
	}
	s.w.WriteArrayHeader(2)
	s.w.WriteInt(int64(removed))
	return s.w.WriteStrings(missing)
}

func handleVSiz(_ context.Context, s *session, cmd *protocol.Command) error {
	if err := exactArgs(cmd, 1); err != nil {
		return err
	}
	n, err := s.srv.Engine.ValueSize(cmd.Arg(0))
	if err != nil {
		return err
	}
	return s.w.WriteInt(int64(n))
}

func handleAddDouble(_ context.Context, s *session, cmd *protocol.Command) error {
	if err := exactArgs(cmd, 2); err != nil {
		return err
	}
	amount, err := parseAmount(cmd.Arg(1))
	if err != nil {
		return err
	}
	sum, err := s.srv.Engine.Increment(cmd.Arg(0), amount)
	if err != nil {
		return err
	}
	return s.w.WriteBulk([]byte(core.FormatNumber(sum)))
}

func handleIterInit(_ context.Context, s *session, cmd *protocol.Command) error {
	if err := exactArgs(cmd, 0); err != nil {
		return err
	}
	s.recordIter = s.srv.Engine.Keys()
	return s.w.WriteOK()
}

func handleIterNext(_ context.Context, s *session, cmd *protocol.Command) error {
	if err := exactArgs(cmd, 0); err != nil {
		return err
	}
	return writeNextKey(s, s.recordIter)
}

func writeNextKey(s *session, it *core.KeyIterator) error {
	if it == nil {
		return fmt.Errorf("%w: iterator not initialized", core.ErrValidation)
	}
	key, ok := it.Next()
	if !ok {
		return s.w.WriteNull()
	}
	return s.w.WriteBulk([]byte(key))
}

func handleCounter(get func(e *engine.Engine) int64) handler {
	return func(_ context.Context, s *session, cmd *protocol.Command) error {
		if err := exactArgs(cmd, 0); err != nil {
			return err
		}
		return s.w.WriteInt(get(s.srv.Engine))
	}
}

func handleAdmin(run func(e *engine.Engine) error) handler {
	return func(_ context.Context, s *session, cmd *protocol.Command) error {
		if err := exactArgs(cmd, 0); err != nil {
			return err
		}
		if err := run(s.srv.Engine); err != nil {
			return err
		}
		return s.w.WriteOK()
	}
}

func handlePathAdmin(run func(e *engine.Engine, path string) error) handler {
	return func(_ context.Context, s *session, cmd *protocol.Command) error {
		if err := exactArgs(cmd, 1); err != nil {
			return err
		}
		if cmd.Arg(0) == "" {
			return fmt.Errorf("%w: empty path", core.ErrValidation)
		}
		if err := run(s.srv.Engine, cmd.Arg(0)); err != nil {
			return err
		}
		return s.w.WriteOK()
	}
}

// handleStat replies with "name\tvalue\n" lines sorted by name.
func handleStat(_ context.Context, s *session, cmd *protocol.Command) error {
	if err := exactArgs(cmd, 0); err != nil {
		return err
	}
	return s.w.WriteBulk([]byte(FormatStat(s.srv.Engine.Stat())))
}

// FormatStat renders a stat mapping as "name\tvalue\n" lines.
func FormatStat(st map[string]string) string {
	names := make([]string, 0, len(st))
	for k := range st {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, k := range names {
		b.WriteString(k)
		b.WriteByte('\t')
		b.WriteString(st[k])
		b.WriteByte('\n')
	}
	return b.String()
}

// --- Tables ---

func handleTPut(_ context.Context, s *session, cmd *protocol.Command) error {
	if len(cmd.Args) < 4 {
		return wrongArgs(cmd)
	}
	mode, err := core.ParseTablePutMode(cmd.Arg(1))
	if err != nil {
		return err
	}
	cols, err := engine.ParseTupleArgs(cmd.Args[2:])
	if err != nil {
		return err
	}
	if err := s.srv.Engine.TPut(cmd.Arg(0), cols, mode); err != nil {
		return err
	}
	return s.w.WriteOK()
}

func handleTGet(_ context.Context, s *session, cmd *protocol.Command) error {
	if err := exactArgs(cmd, 1); err != nil {
		return err
	}
	cols, err := s.srv.Engine.TGet(cmd.Arg(0))
	if err != nil {
		return err
	}
	return writeTuple(s, cols)
}

func writeTuple(s *session, cols core.Tuple) error {
	args := engine.TupleArgs(cols)
	if err := s.w.WriteArrayHeader(len(args)); err != nil {
		return err
	}
	for _, a := range args {
		if err := s.w.WriteBulk(a); err != nil {
			return err
		}
	}
	return nil
}

func handleTOut(_ context.Context, s *session, cmd *protocol.Command) error {
	if err := exactArgs(cmd, 1); err != nil {
		return err
	}
	if err := s.srv.Engine.TOut(cmd.Arg(0)); err != nil {
		return err
	}
	return s.w.WriteOK()
}

func handleTAddDouble(_ context.Context, s *session, cmd *protocol.Command) error {
	if err := exactArgs(cmd, 2); err != nil {
		return err
	}
	amount, err := parseAmount(cmd.Arg(1))
	if err != nil {
		return err
	}
	sum, err := s.srv.Engine.TIncrement(cmd.Arg(0), amount)
	if err != nil {
		return err
	}
	return s.w.WriteBulk([]byte(core.FormatNumber(sum)))
}

// handleTSetIndex takes column, kind and an optional keep flag. The kind
// may also carry the flag as "KIND|KEEP".
func handleTSetIndex(_ context.Context, s *session, cmd *protocol.Command) error {
	if len(cmd.Args) != 2 && len(cmd.Args) != 3 {
		return wrongArgs(cmd)
	}
	kind, keep, err := core.ParseIndexKind(cmd.Arg(1))
	if err != nil {
		return err
	}
	if len(cmd.Args) == 3 {
		flag, err := strconv.ParseBool(cmd.Arg(2))
		if err != nil {
			return fmt.Errorf("%w: keep flag %q", core.ErrValidation, cmd.Arg(2))
		}
		keep = keep || flag
	}
	if err := s.srv.Engine.TSetIndex(cmd.Arg(0), kind, keep); err != nil {
		return err
	}
	return s.w.WriteOK()
}

func handleTIterInit(_ context.Context, s *session, cmd *protocol.Command) error {
	if err := exactArgs(cmd, 0); err != nil {
		return err
	}
	s.tupleIter = s.srv.Engine.TKeys()
	return s.w.WriteOK()
}

func handleTIterNext(_ context.Context, s *session, cmd *protocol.Command) error {
	if err := exactArgs(cmd, 0); err != nil {
		return err
	}
	return writeNextKey(s, s.tupleIter)
}

// handleTSearch runs a msgpack-encoded query with the terminal operation
// named by the first argument.
func handleTSearch(ctx context.Context, s *session, cmd *protocol.Command) error {
	if err := exactArgs(cmd, 2); err != nil {
		return err
	}
	spec, err := core.DecodeQuerySpec(cmd.Args[1])
	if err != nil {
		return err
	}
	q, err := s.srv.Engine.QueryFromSpec(spec)
	if err != nil {
		return err
	}
	defer q.Delete()

	switch strings.ToUpper(cmd.Arg(0)) {
	case protocol.SearchList:
		keys, err := q.Search(ctx)
		if err != nil {
			return err
		}
		metrics.ObserveQuery(q.UsedIndex())
		return s.w.WriteStrings(keys)

	case protocol.SearchGet:
		recs, err := q.SearchGet(ctx)
		if err != nil {
			return err
		}
		metrics.ObserveQuery(q.UsedIndex())
		s.w.WriteArrayHeader(len(recs))
		for _, rec := range recs {
			args := engine.TupleArgs(rec.Cols)
			s.w.WriteArrayHeader(1 + len(args))
			s.w.WriteBulk([]byte(rec.Key))
			for _, a := range args {
				s.w.WriteBulk(a)
			}
		}
		return nil

	case protocol.SearchOut:
		if _, err := s.srv.Engine.SearchOut(ctx, q); err != nil {
			return err
		}
		metrics.ObserveQuery(q.UsedIndex())
		return s.w.WriteOK()

	case protocol.SearchCount:
		n, err := q.SearchCount(ctx)
		if err != nil {
			return err
		}
		metrics.ObserveQuery(q.UsedIndex())
		return s.w.WriteInt(int64(n))

	case protocol.SearchHint:
		if _, err := q.SearchCount(ctx); err != nil {
			return err
		}
		return s.w.WriteBulk([]byte(q.Hint()))

	default:
		return fmt.Errorf("%w: unknown search operation %q", core.ErrValidation, cmd.Arg(0))
	}
}
