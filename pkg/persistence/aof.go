// Package persistence implements the on-disk formats of tyrantd: the
// append-only command log (AOF), the snapshot file and the bbolt backup.
//
// Every AOF entry is one CRC32-checked frame holding a RESP-encoded command,
// so a torn tail left by a crash is detected and cut off on replay.
package persistence

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/sanonone/tyrantdb/internal/protocol"
)

// CommandLog is the write side of the append-only file. Both the direct
// AOFWriter and the batching LazyAOFWriter implement it.
type CommandLog interface {
	// Append logs one command.
	Append(name string, args ...[]byte) error
	// Flush hands buffered entries to the OS.
	Flush() error
	// Sync flushes and fsyncs.
	Sync() error
	Truncate() error
	ReplaceWith(newFilePath string) error
	Size() (int64, error)
	Path() string
	Close() error
}

// AOFWriter appends framed commands to the AOF through a bufio.Writer.
type AOFWriter struct {
	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	path    string
	scratch []byte
}

// NewAOFWriter opens or creates an AOF file at the given path.
func NewAOFWriter(path string) (*AOFWriter, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open AOF file: %w", err)
	}
	return &AOFWriter{
		file: file,
		buf:  bufio.NewWriterSize(file, 64<<10),
		path: path,
	}, nil
}

// EncodeEntry returns the framed encoding of one command.
func EncodeEntry(dst []byte, name string, args ...[]byte) []byte {
	payload := protocol.AppendCommand(nil, name, args...)
	return AppendFrame(dst, OpCodeCommand, payload)
}

// Append encodes and buffers one command.
func (a *AOFWriter) Append(name string, args ...[]byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.scratch = EncodeEntry(a.scratch[:0], name, args...)
	_, err := a.buf.Write(a.scratch)
	return err
}

// writeRaw buffers already framed entries.
func (a *AOFWriter) writeRaw(entries []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.buf.Write(entries)
	return err
}

// Flush forces the buffer contents to the OS file descriptor.
func (a *AOFWriter) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Flush()
}

// Sync flushes and fsyncs the file.
func (a *AOFWriter) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.buf.Flush(); err != nil {
		return err
	}
	return a.file.Sync()
}

// Close flushes and closes the underlying file.
func (a *AOFWriter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.buf.Flush(); err != nil {
		_ = a.file.Close()
		return err
	}
	return a.file.Close()
}

// Truncate clears the file. Used after a snapshot captured its content.
func (a *AOFWriter) Truncate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buf.Reset(a.file)
	if err := a.file.Truncate(0); err != nil {
		return err
	}
	_, err := a.file.Seek(0, io.SeekStart)
	return err
}

// Size returns the current file size including buffered bytes.
func (a *AOFWriter) Size() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	info, err := a.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size() + int64(a.buf.Buffered()), nil
}

// Path returns the file path.
func (a *AOFWriter) Path() string {
	return a.path
}

// ReplaceWith atomically renames newFilePath over the AOF and reopens it.
// Used at the end of an AOF rewrite.
func (a *AOFWriter) ReplaceWith(newFilePath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_ = a.buf.Flush()
	_ = a.file.Close()

	if err := os.Rename(newFilePath, a.path); err != nil {
		return fmt.Errorf("failed to replace AOF file: %w", err)
	}
	file, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return fmt.Errorf("failed to reopen AOF file after replace: %w", err)
	}
	a.file = file
	a.buf.Reset(file)
	return nil
}

// ReplayAOF reads every command from the AOF at path and passes it to fn.
// A torn or corrupted tail stops the replay; when repair is true the file is
// truncated to the last good entry. A missing file replays nothing.
func ReplayAOF(path string, repair bool, fn func(cmd *protocol.Command) error) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open AOF: %w", err)
	}
	defer file.Close()

	r := bufio.NewReaderSize(file, 64<<10)
	var (
		good    int64
		applied int
	)
	for {
		op, payload, n, err := ReadFrame(r)
		if err == io.EOF {
			return applied, nil
		}
		if err != nil {
			slog.Warn("AOF tail is damaged, stopping replay",
				"path", path, "offset", good, "error", err)
			if repair {
				if terr := os.Truncate(path, good); terr != nil {
					return applied, fmt.Errorf("failed to truncate damaged AOF: %w", terr)
				}
			}
			return applied, nil
		}
		if op != OpCodeCommand {
			return applied, fmt.Errorf("unexpected frame op 0x%02x at offset %d", op, good)
		}
		cmd, err := protocol.ParseCommand(payload)
		if err != nil {
			return applied, fmt.Errorf("AOF entry at offset %d: %w", good, err)
		}
		if err := fn(cmd); err != nil {
			return applied, fmt.Errorf("AOF entry %s at offset %d: %w", cmd.Name, good, err)
		}
		good += int64(n)
		applied++
	}
}

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("command log is closed")
