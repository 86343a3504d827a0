// Package engine provides the embedded, durable interface to TyrantDB.
//
// It pairs the in-memory stores (core) with the on-disk persistence layer:
// every acknowledged write is appended to the AOF, a snapshot (.tts) is taken
// periodically and the AOF is compacted when it grows. The network server and
// the MCP tools are thin layers over an Engine.
//
// Basic usage:
//
//	opts := engine.DefaultOptions("./data")
//	db, err := engine.Open(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/sanonone/tyrantdb/internal/protocol"
	"github.com/sanonone/tyrantdb/pkg/core"
	"github.com/sanonone/tyrantdb/pkg/persistence"
	"github.com/sanonone/tyrantdb/pkg/storage/mmap"
)

// Options configures the behavior of the Engine, including persistence paths
// and automatic maintenance policies.
type Options struct {
	// DataDir is the directory where the .aof and .tts files are stored.
	// It is created automatically if it does not exist.
	DataDir string

	// AofFilename is the name of the Append-Only File (default: "tyrant.aof").
	// The snapshot is stored next to it with the .tts extension.
	AofFilename string

	// Shards is the number of shards of each store, rounded up to a power of two.
	Shards int

	// AutoSaveInterval defines how much time must pass since the last save
	// before a new snapshot is triggered (if AutoSaveThreshold is also met).
	// Set to 0 to disable auto-saving.
	AutoSaveInterval time.Duration

	// AutoSaveThreshold defines how many write operations must occur
	// before a new snapshot is triggered (if AutoSaveInterval is also met).
	// Set to 0 to disable auto-saving.
	AutoSaveThreshold int64

	// AofRewritePercentage triggers an AOF compaction when the file exceeds
	// its size after the last rewrite by this percentage.
	// E.g., 100 means rewrite when size doubles. Set to 0 to disable.
	AofRewritePercentage int

	// MaintenanceInterval defines how often the save and rewrite policies
	// are evaluated. Default: 1 second.
	MaintenanceInterval time.Duration

	// Lazy tunes AOF batching. Zero fields take the persistence defaults.
	Lazy persistence.LazyOptions
}

// DefaultOptions returns a standard configuration suitable for most use cases.
//
// Defaults:
//   - DataDir: provided path
//   - AofFilename: "tyrant.aof"
//   - AutoSave: Every 60s if at least 1000 changes occurred
//   - AofRewrite: At 100% growth
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:              dataDir,
		AofFilename:          "tyrant.aof",
		Shards:               core.DefaultShardCount,
		AutoSaveInterval:     60 * time.Second,
		AutoSaveThreshold:    1000,
		AofRewritePercentage: 100,
		MaintenanceInterval:  1 * time.Second,
	}
}

// minRewriteSize keeps tiny logs from being rewritten constantly.
const minRewriteSize = 1 << 20

// keyLockCount is the number of key lock stripes. Must be a power of two.
const keyLockCount = 256

// Engine is the main entry point for TyrantDB.
// It coordinates the in-memory Core and the on-disk Persistence.
//
// Use Open() to initialize an Engine and Close() to shut it down gracefully.
type Engine struct {
	// DB is the underlying in-memory core. Reads may use it directly;
	// writes must go through Engine methods so they reach the AOF.
	DB *core.DB

	// AOF is the command log. Entries are batched and handed to the OS
	// every 100ms, and fsynced every second.
	AOF persistence.CommandLog

	opts        Options
	aofPath     string
	snapPath    string
	aofBaseSize atomic.Int64

	// dirtyCounter tracks the number of write operations since the last save.
	dirtyCounter atomic.Int64
	lastSaveTime atomic.Int64

	// stateMu is held shared by every write while it is applied and logged,
	// and exclusively by operations that need the whole state frozen
	// (snapshot, rewrite, vanish, restore).
	stateMu sync.RWMutex
	// keyLocks order the apply and log steps of writes to the same key, so
	// the AOF replays them in the order they were applied.
	keyLocks [keyLockCount]sync.Mutex

	// adminMu serializes administrative tasks (save, rewrite, copy, restore).
	adminMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open initializes a new Engine instance using the provided options.
//
// It performs the following actions:
// 1. Creates DataDir if missing.
// 2. Loads the latest Snapshot (.tts) if available.
// 3. Replays the AOF (.aof) to recover recent writes.
// 4. Builds the secondary indexes once every tuple is loaded.
// 5. Starts the background maintenance goroutine.
//
// This method blocks until the database is fully loaded and ready.
func Open(opts Options) (*Engine, error) {
	if opts.AofFilename == "" {
		opts.AofFilename = "tyrant.aof"
	}
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	aofPath := filepath.Join(opts.DataDir, opts.AofFilename)
	snapPath := strings.TrimSuffix(aofPath, filepath.Ext(aofPath)) + ".tts"

	e := &Engine{
		DB:       core.NewDB(opts.Shards),
		opts:     opts,
		aofPath:  aofPath,
		snapPath: snapPath,
		closed:   make(chan struct{}),
	}
	e.lastSaveTime.Store(time.Now().UnixNano())

	// Index definitions are collected from both files and applied last, so
	// each index is built once from a full scan instead of row by row.
	var pendingIndexes []indexCommand

	// 1. Load Snapshot if exists
	if m, err := mmap.Open(snapPath); err == nil {
		v := persistence.LoadInto(e.DB)
		v.Index = func(def core.IndexDef) error {
			pendingIndexes = append(pendingIndexes, indexCommand{def: def})
			return nil
		}
		err = persistence.ReadSnapshot(m.Reader(), v)
		m.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshot: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}

	// 2. Replay AOF, cutting off a torn tail left by a crash.
	replayed, err := persistence.ReplayAOF(aofPath, true, func(cmd *protocol.Command) error {
		return e.replayCommand(cmd, &pendingIndexes)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to replay AOF: %w", err)
	}

	// 3. Secondary indexes
	for _, ic := range pendingIndexes {
		if err := e.DB.Tables().SetIndex(ic.def.Column, ic.def.Kind, ic.keep); err != nil {
			return nil, fmt.Errorf("failed to rebuild index %s:%s: %w", ic.def.Column, ic.def.Kind, err)
		}
	}

	// 4. Open AOF with lazy batching.
	aofWriter, err := persistence.NewAOFWriter(aofPath)
	if err != nil {
		return nil, err
	}
	e.AOF = persistence.NewLazyAOFWriter(aofWriter, opts.Lazy)

	size, err := e.AOF.Size()
	if err != nil {
		e.AOF.Close()
		return nil, err
	}
	e.aofBaseSize.Store(size)

	slog.Info("Engine opened",
		"data_dir", opts.DataDir,
		"records", e.DB.Records().Count(),
		"tuples", e.DB.Tables().Count(),
		"aof_entries", replayed,
	)

	// 5. Start Background Tasks
	e.wg.Add(1)
	go e.backgroundTasks()

	return e, nil
}

// Close performs a clean shutdown of the Engine.
//
// It stops background maintenance and closes the AOF, flushing and syncing
// every pending entry. It does not force a final snapshot: the AOF already
// holds every acknowledged write.
func (e *Engine) Close() error {
	var err error

	e.closeOnce.Do(func() {
		close(e.closed)
		e.wg.Wait()

		e.adminMu.Lock()
		defer e.adminMu.Unlock()
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
		err = e.AOF.Close()
	})
	return err
}

// Sync flushes the AOF batch and fsyncs the file.
func (e *Engine) Sync() error {
	return e.AOF.Sync()
}

// Stat returns the store counters plus persistence information.
func (e *Engine) Stat() map[string]string {
	st := e.DB.Stat()
	st["path"] = e.opts.DataDir
	st["dirty"] = fmt.Sprint(e.dirtyCounter.Load())
	if size, err := e.AOF.Size(); err == nil {
		st["aof_size"] = fmt.Sprint(size)
	}
	st["last_save"] = time.Unix(0, e.lastSaveTime.Load()).UTC().Format(time.RFC3339)
	return st
}

// lockKey takes the shared state lock and the stripe lock of key. The
// returned function releases both.
func (e *Engine) lockKey(key string) func() {
	e.stateMu.RLock()
	mu := &e.keyLocks[xxhash.Sum64String(key)&(keyLockCount-1)]
	mu.Lock()
	return func() {
		mu.Unlock()
		e.stateMu.RUnlock()
	}
}

// logged appends one command to the AOF and counts the change.
func (e *Engine) logged(name string, args ...[]byte) error {
	if err := e.AOF.Append(name, args...); err != nil {
		return fmt.Errorf("CRITICAL: persistence failed (data in RAM only): %w", err)
	}
	e.dirtyCounter.Add(1)
	return nil
}

// backgroundTasks handles automatic saving and AOF rewriting.
func (e *Engine) backgroundTasks() {
	defer e.wg.Done()

	interval := e.opts.MaintenanceInterval
	if interval <= 0 {
		interval = 1 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closed:
			return
		case <-ticker.C:
			e.checkMaintenance()
		}
	}
}

// checkMaintenance evaluates if a snapshot or AOF rewrite is needed.
func (e *Engine) checkMaintenance() {
	dirty := e.dirtyCounter.Load()

	// Auto-Save Policy
	if e.opts.AutoSaveThreshold > 0 && e.opts.AutoSaveInterval > 0 {
		lastSave := time.Unix(0, e.lastSaveTime.Load())
		if dirty >= e.opts.AutoSaveThreshold && time.Since(lastSave) >= e.opts.AutoSaveInterval {
			if err := e.SaveSnapshot(); err != nil {
				slog.Error("Background snapshot failed", "error", err)
			}
			return
		}
	}

	// AOF Rewrite Policy
	if e.opts.AofRewritePercentage > 0 {
		currentSize, err := e.AOF.Size()
		if err != nil {
			slog.Error("Failed to stat AOF", "error", err)
			return
		}
		base := e.aofBaseSize.Load()
		threshold := base + base*int64(e.opts.AofRewritePercentage)/100
		if threshold < minRewriteSize {
			threshold = minRewriteSize
		}
		if currentSize > threshold {
			if err := e.RewriteAOF(); err != nil {
				slog.Error("Background AOF rewrite failed", "error", err)
			}
		}
	}
}
