package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/sanonone/tyrantdb/internal/protocol"
	"github.com/sanonone/tyrantdb/pkg/core"
	"github.com/sanonone/tyrantdb/pkg/persistence"
)

// AOF command names. Batched client commands are logged item by item.
const (
	cmdPut        = "PUT"
	cmdPutKeep    = "PUTKEEP"
	cmdPutCat     = "PUTCAT"
	cmdPutShl     = "PUTSHL"
	cmdOut        = "OUT"
	cmdAddDouble  = "ADDDOUBLE"
	cmdVanish     = "VANISH"
	cmdTPut       = "TPUT"
	cmdTOut       = "TOUT"
	cmdTAddDouble = "TADDDOUBLE"
	cmdTSetIndex  = "TSETINDEX"
	cmdTVanish    = "TVANISH"
)

var commandPutModes = map[string]core.PutMode{
	cmdPut:     core.PutReplace,
	cmdPutKeep: core.PutKeep,
	cmdPutCat:  core.PutCat,
}

var putModeCommands = map[core.PutMode]string{
	core.PutReplace: cmdPut,
	core.PutKeep:    cmdPutKeep,
	core.PutCat:     cmdPutCat,
	core.PutCatShl:  cmdPutShl,
}

type indexCommand struct {
	def  core.IndexDef
	keep bool
}

// replayCommand applies one AOF entry to the in-memory state. Index
// definitions are queued in pending and applied once replay is complete.
func (e *Engine) replayCommand(cmd *protocol.Command, pending *[]indexCommand) error {
	records, tables := e.DB.Records(), e.DB.Tables()
	args := cmd.Args

	var err error
	switch cmd.Name {
	case cmdPut, cmdPutKeep, cmdPutCat:
		if err = wantArgs(cmd, 2); err == nil {
			err = records.Put(string(args[0]), args[1], commandPutModes[cmd.Name], 0)
		}
	case cmdPutShl:
		if err = wantArgs(cmd, 3); err == nil {
			var width int
			if width, err = strconv.Atoi(string(args[2])); err == nil {
				err = records.Put(string(args[0]), args[1], core.PutCatShl, width)
			}
		}
	case cmdOut:
		if err = wantArgs(cmd, 1); err == nil {
			err = records.Out(string(args[0]))
		}
	case cmdAddDouble:
		if err = wantArgs(cmd, 2); err == nil {
			var amount float64
			if amount, err = core.ParseNumber(string(args[1])); err == nil {
				_, err = records.Increment(string(args[0]), amount)
			}
		}
	case cmdVanish:
		records.Vanish()
	case cmdTPut:
		if len(args) < 2 {
			return fmt.Errorf("%s: expected key and mode", cmd.Name)
		}
		var mode core.TablePutMode
		if mode, err = core.ParseTablePutMode(string(args[1])); err == nil {
			var cols core.Tuple
			if cols, err = ParseTupleArgs(args[2:]); err == nil {
				err = tables.Put(string(args[0]), cols, mode)
			}
		}
	case cmdTOut:
		if err = wantArgs(cmd, 1); err == nil {
			err = tables.Out(string(args[0]))
		}
	case cmdTAddDouble:
		if err = wantArgs(cmd, 2); err == nil {
			var amount float64
			if amount, err = core.ParseNumber(string(args[1])); err == nil {
				_, err = tables.Increment(string(args[0]), amount)
			}
		}
	case cmdTSetIndex:
		if err = wantArgs(cmd, 3); err == nil {
			var kind core.IndexKind
			if kind, _, err = core.ParseIndexKind(string(args[1])); err == nil {
				*pending = append(*pending, indexCommand{
					def:  core.IndexDef{Column: string(args[0]), Kind: kind},
					keep: string(args[2]) == "1",
				})
			}
		}
	case cmdTVanish:
		tables.Vanish()
	default:
		return fmt.Errorf("unknown AOF command %q", cmd.Name)
	}

	// Entries are only logged after they succeeded, so these can only show
	// up when a snapshot already contains part of the log.
	if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrKeyExists) {
		slog.Debug("Skipping AOF entry", "command", cmd.Name, "error", err)
		return nil
	}
	return err
}

func wantArgs(cmd *protocol.Command, n int) error {
	if len(cmd.Args) != n {
		return fmt.Errorf("%s: expected %d arguments, got %d", cmd.Name, n, len(cmd.Args))
	}
	return nil
}

// TupleArgs flattens cols into alternating column/value arguments, with
// columns in ascending order.
func TupleArgs(cols core.Tuple) [][]byte {
	names := make([]string, 0, len(cols))
	for c := range cols {
		names = append(names, c)
	}
	sort.Strings(names)
	args := make([][]byte, 0, 2*len(names))
	for _, c := range names {
		args = append(args, []byte(c), []byte(cols[c]))
	}
	return args
}

// ParseTupleArgs is the inverse of TupleArgs.
func ParseTupleArgs(args [][]byte) (core.Tuple, error) {
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of column/value arguments", core.ErrValidation)
	}
	cols := make(core.Tuple, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		cols[string(args[i])] = string(args[i+1])
	}
	return cols, nil
}

// SaveSnapshot writes a .tts snapshot and truncates the AOF.
func (e *Engine) SaveSnapshot() error {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.saveSnapshotLocked()
}

// saveSnapshotLocked must be called with adminMu and stateMu held.
func (e *Engine) saveSnapshotLocked() error {
	start := time.Now()
	tempSnap := e.snapPath + ".tmp"
	if err := writeFileAtomic(tempSnap, e.snapPath, func(f *os.File) error {
		return persistence.WriteSnapshot(f, e.DB.View())
	}); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	if err := e.AOF.Truncate(); err != nil {
		return err
	}

	e.dirtyCounter.Store(0)
	e.aofBaseSize.Store(0)
	e.lastSaveTime.Store(time.Now().UnixNano())
	slog.Info("Snapshot saved", "path", e.snapPath, "duration", time.Since(start))
	return nil
}

// RewriteAOF compacts the AOF into the minimal command sequence that
// rebuilds the current state.
func (e *Engine) RewriteAOF() error {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	start := time.Now()
	tempAof := filepath.Join(e.opts.DataDir, "rewrite.tmp")
	defer os.Remove(tempAof)

	if err := writeRewrite(tempAof, e.DB.View()); err != nil {
		return fmt.Errorf("aof rewrite: %w", err)
	}

	if err := e.AOF.ReplaceWith(tempAof); err != nil {
		return err
	}
	size, err := e.AOF.Size()
	if err != nil {
		return err
	}
	e.aofBaseSize.Store(size)
	slog.Info("AOF rewritten", "path", e.aofPath, "size", size, "duration", time.Since(start))
	return nil
}

// writeRewrite writes the commands that rebuild view into a new AOF at path.
func writeRewrite(path string, view *core.View) error {
	w, err := persistence.NewAOFWriter(path)
	if err != nil {
		return err
	}
	var werr error
	view.ForEachRecord(func(p core.KVPair) bool {
		werr = w.Append(cmdPut, []byte(p.Key), p.Value)
		return werr == nil
	})
	if werr == nil {
		view.ForEachTuple(func(key string, cols core.Tuple) bool {
			args := append([][]byte{[]byte(key), []byte(core.TPutReplace.String())}, TupleArgs(cols)...)
			werr = w.Append(cmdTPut, args...)
			return werr == nil
		})
	}
	if werr == nil {
		for _, def := range view.Indexes() {
			if werr = w.Append(cmdTSetIndex, []byte(def.Column), []byte(def.Kind.String()), []byte("0")); werr != nil {
				break
			}
		}
	}
	if werr == nil {
		werr = w.Sync()
	}
	if cerr := w.Close(); werr == nil {
		werr = cerr
	}
	return werr
}

// Copy writes a consistent backup of the whole database to path as a bbolt
// file. Writers are only paused while the in-memory image is captured.
func (e *Engine) Copy(path string) error {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	e.stateMu.Lock()
	view := e.DB.View()
	e.stateMu.Unlock()

	start := time.Now()
	if err := persistence.WriteBackup(path, view); err != nil {
		return err
	}
	slog.Info("Backup written", "path", path, "duration", time.Since(start))
	return nil
}

// Restore replaces the whole state with the content of a backup written by
// Copy and takes a snapshot so the restored state is durable. The backup is
// read completely before anything is replaced.
func (e *Engine) Restore(path string) error {
	staged := core.NewDB(e.opts.Shards)
	if err := persistence.ReadBackup(path, persistence.LoadInto(staged)); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	e.adminMu.Lock()
	defer e.adminMu.Unlock()
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	tables := e.DB.Tables()
	e.DB.Vanish()
	for _, def := range tables.Indexes() {
		if err := tables.SetIndex(def.Column, core.IndexVoid, false); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}

	view := staged.View()
	load := persistence.LoadInto(e.DB)
	var err error
	view.ForEachRecord(func(p core.KVPair) bool {
		err = load.Record(p.Key, p.Value)
		return err == nil
	})
	if err == nil {
		view.ForEachTuple(func(key string, cols core.Tuple) bool {
			err = load.Tuple(core.Record{Key: key, Cols: cols})
			return err == nil
		})
	}
	for _, def := range view.Indexes() {
		if err != nil {
			break
		}
		err = load.Index(def)
	}
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	slog.Info("Backup restored", "path", path,
		"records", e.DB.Records().Count(), "tuples", e.DB.Tables().Count())
	return e.saveSnapshotLocked()
}

// writeFile creates path and hands it to fill. The file is fsynced and
// closed before writeFile returns.
func writeFile(path string, fill func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fill(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeFileAtomic writes tmp with fill and renames it over path.
func writeFileAtomic(tmp, path string, fill func(f *os.File) error) error {
	if err := writeFile(tmp, fill); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
