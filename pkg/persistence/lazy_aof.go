package persistence

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// LazyAOFWriter batches AOF entries in memory and hands them to an AOFWriter
// periodically, when the batch is full, or on Sync.
//
// Durability: entries reach the OS every FlushInterval and the disk every
// SyncInterval, so a crash loses at most about SyncInterval of writes. Close
// flushes and syncs everything still pending.
type LazyAOFWriter struct {
	underlying *AOFWriter

	mu      sync.Mutex
	pending []byte
	entries int
	stopped bool

	flushTicker *time.Ticker
	syncTicker  *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup

	opts LazyOptions
}

// LazyOptions tunes the durability/throughput trade-off of a LazyAOFWriter.
type LazyOptions struct {
	FlushInterval time.Duration // how often the batch is handed to the OS
	SyncInterval  time.Duration // how often the file is fsynced
	MaxEntries    int           // batch size that triggers an immediate flush
}

// Defaults for LazyOptions.
const (
	DefaultLazyFlushInterval = 100 * time.Millisecond
	DefaultForceSyncInterval = 1 * time.Second
	DefaultMaxBufferSize     = 1000
)

// DefaultLazyOptions returns the default batching parameters.
func DefaultLazyOptions() LazyOptions {
	return LazyOptions{
		FlushInterval: DefaultLazyFlushInterval,
		SyncInterval:  DefaultForceSyncInterval,
		MaxEntries:    DefaultMaxBufferSize,
	}
}

// NewLazyAOFWriter wraps underlying. The underlying writer must not be used
// directly afterwards. Zero option fields take their defaults.
func NewLazyAOFWriter(underlying *AOFWriter, opts LazyOptions) *LazyAOFWriter {
	def := DefaultLazyOptions()
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = def.SyncInterval
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = def.MaxEntries
	}

	lw := &LazyAOFWriter{
		underlying:  underlying,
		flushTicker: time.NewTicker(opts.FlushInterval),
		syncTicker:  time.NewTicker(opts.SyncInterval),
		stopCh:      make(chan struct{}),
		opts:        opts,
	}
	lw.wg.Add(1)
	go lw.background()

	slog.Info("LazyAOFWriter initialized",
		"path", underlying.Path(),
		"flush_interval", opts.FlushInterval,
		"sync_interval", opts.SyncInterval,
		"max_entries", opts.MaxEntries,
	)
	return lw
}

// Append encodes one command into the pending batch.
func (lw *LazyAOFWriter) Append(name string, args ...[]byte) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.stopped {
		return ErrClosed
	}
	lw.pending = EncodeEntry(lw.pending, name, args...)
	lw.entries++
	if lw.entries >= lw.opts.MaxEntries {
		return lw.flushLocked()
	}
	return nil
}

// Flush hands the pending batch to the OS.
func (lw *LazyAOFWriter) Flush() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.flushLocked()
}

func (lw *LazyAOFWriter) flushLocked() error {
	if lw.entries == 0 {
		return nil
	}
	if err := lw.underlying.writeRaw(lw.pending); err != nil {
		return fmt.Errorf("failed to write to AOF: %w", err)
	}
	if err := lw.underlying.Flush(); err != nil {
		return fmt.Errorf("failed to flush AOF buffer: %w", err)
	}
	lw.pending = lw.pending[:0]
	lw.entries = 0
	return nil
}

// Sync flushes the batch and fsyncs the file.
func (lw *LazyAOFWriter) Sync() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.flushLocked(); err != nil {
		return err
	}
	return lw.underlying.Sync()
}

// Close stops the background loop, persists the pending batch and closes
// the file.
func (lw *LazyAOFWriter) Close() error {
	lw.mu.Lock()
	if lw.stopped {
		lw.mu.Unlock()
		return ErrClosed
	}
	lw.stopped = true
	lw.mu.Unlock()

	close(lw.stopCh)
	lw.wg.Wait()
	lw.flushTicker.Stop()
	lw.syncTicker.Stop()

	lw.mu.Lock()
	defer lw.mu.Unlock()
	if err := lw.flushLocked(); err != nil {
		slog.Error("Failed to flush AOF during close", "error", err)
	}
	if err := lw.underlying.Sync(); err != nil {
		slog.Error("Failed to sync AOF during close", "error", err)
	}
	return lw.underlying.Close()
}

// Truncate drops the pending batch and clears the file. It is only called
// right after a snapshot captured the state those entries describe.
func (lw *LazyAOFWriter) Truncate() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	lw.pending = lw.pending[:0]
	lw.entries = 0
	return lw.underlying.Truncate()
}

// ReplaceWith flushes the pending batch and swaps in a rewritten file.
func (lw *LazyAOFWriter) ReplaceWith(newFilePath string) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.flushLocked(); err != nil {
		return err
	}
	return lw.underlying.ReplaceWith(newFilePath)
}

// Size returns the file size plus the pending batch.
func (lw *LazyAOFWriter) Size() (int64, error) {
	lw.mu.Lock()
	pending := int64(len(lw.pending))
	lw.mu.Unlock()

	n, err := lw.underlying.Size()
	return n + pending, err
}

// Path returns the file path of the underlying AOF writer.
func (lw *LazyAOFWriter) Path() string {
	return lw.underlying.Path()
}

func (lw *LazyAOFWriter) background() {
	defer lw.wg.Done()
	for {
		select {
		case <-lw.flushTicker.C:
			if err := lw.Flush(); err != nil {
				slog.Error("Periodic AOF flush failed", "error", err)
			}
		case <-lw.syncTicker.C:
			if err := lw.Sync(); err != nil {
				slog.Error("Periodic AOF sync failed", "error", err)
			}
		case <-lw.stopCh:
			return
		}
	}
}
