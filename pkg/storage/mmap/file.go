// Package mmap maps files read-only into memory. The engine uses it to load
// snapshots without copying the file through a read buffer first.
package mmap

import (
	"bytes"
	"fmt"
	"os"
	"sync"
)

// File is a read-only mapping of a whole file.
type File struct {
	mu   sync.Mutex
	f    *os.File
	data []byte
}

// Open maps the file at path. An empty file is valid and maps to no bytes.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	m := &File{f: f}
	if size := info.Size(); size > 0 {
		if int64(int(size)) != size {
			f.Close()
			return nil, fmt.Errorf("file %s too large to map: %d bytes", path, size)
		}
		if m.data, err = mmapFile(f.Fd(), int(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to map %s: %w", path, err)
		}
	}
	return m, nil
}

// Bytes returns the mapped contents. The slice is invalid after Close.
func (m *File) Bytes() []byte { return m.data }

// Len returns the mapped size.
func (m *File) Len() int { return len(m.data) }

// Reader returns a reader over the mapped contents.
func (m *File) Reader() *bytes.Reader { return bytes.NewReader(m.data) }

// Close unmaps the file and closes it. Calling Close twice is a no-op.
func (m *File) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	var err error
	if m.data != nil {
		err = munmapFile(m.data)
		m.data = nil
	}
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	m.f = nil
	return err
}
