package persistence

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sanonone/tyrantdb/pkg/core"
)

// SnapshotVersion is written in the header of every snapshot file.
const SnapshotVersion = 1

// ErrBadSnapshot is returned for snapshot files that are structurally wrong:
// missing header or trailer, unknown entries, or counts that do not add up.
var ErrBadSnapshot = errors.New("invalid snapshot")

type snapshotHeader struct {
	Version   int       `msgpack:"v"`
	CreatedAt time.Time `msgpack:"t"`
}

type snapshotRecord struct {
	Key   string `msgpack:"k"`
	Value []byte `msgpack:"v"`
}

type snapshotTrailer struct {
	Records int64 `msgpack:"r"`
	Tuples  int64 `msgpack:"t"`
	Indexes int64 `msgpack:"i"`
}

// SnapshotVisitor receives the entries of a snapshot or backup while it is
// read. Nil callbacks skip the corresponding entries.
type SnapshotVisitor struct {
	Record func(key string, value []byte) error
	Tuple  func(rec core.Record) error
	Index  func(def core.IndexDef) error
}

// SnapshotWriter writes a snapshot file: a header frame, one frame per entry
// and a trailer frame carrying the entry counts.
type SnapshotWriter struct {
	buf     *bufio.Writer
	fw      *FrameWriter
	trailer snapshotTrailer
}

// NewSnapshotWriter writes the header and returns the writer. Close must be
// called to write the trailer.
func NewSnapshotWriter(w io.Writer) (*SnapshotWriter, error) {
	buf := bufio.NewWriterSize(w, 256<<10)
	sw := &SnapshotWriter{buf: buf, fw: NewFrameWriter(buf)}
	if err := sw.write(OpCodeHeader, snapshotHeader{Version: SnapshotVersion, CreatedAt: time.Now().UTC()}); err != nil {
		return nil, err
	}
	return sw, nil
}

func (sw *SnapshotWriter) write(op byte, v any) error {
	payload, err := encodeMsgpack(v)
	if err != nil {
		return err
	}
	return sw.fw.WriteFrame(op, payload)
}

// WriteRecord adds one key/value record.
func (sw *SnapshotWriter) WriteRecord(key string, value []byte) error {
	sw.trailer.Records++
	return sw.write(OpCodeRecord, snapshotRecord{Key: key, Value: value})
}

// WriteTuple adds one table tuple.
func (sw *SnapshotWriter) WriteTuple(rec core.Record) error {
	sw.trailer.Tuples++
	return sw.write(OpCodeTuple, rec)
}

// WriteIndex adds one index definition.
func (sw *SnapshotWriter) WriteIndex(def core.IndexDef) error {
	sw.trailer.Indexes++
	return sw.write(OpCodeIndex, def)
}

// Close writes the trailer and flushes. It does not close the underlying writer.
func (sw *SnapshotWriter) Close() error {
	if err := sw.write(OpCodeTrailer, sw.trailer); err != nil {
		return err
	}
	return sw.buf.Flush()
}

// WriteSnapshot writes every record, tuple and index definition of v.
func WriteSnapshot(w io.Writer, v *core.View) error {
	sw, err := NewSnapshotWriter(w)
	if err != nil {
		return err
	}

	var werr error
	v.ForEachRecord(func(p core.KVPair) bool {
		werr = sw.WriteRecord(p.Key, p.Value)
		return werr == nil
	})
	if werr != nil {
		return fmt.Errorf("failed to write record: %w", werr)
	}
	v.ForEachTuple(func(key string, cols core.Tuple) bool {
		werr = sw.WriteTuple(core.Record{Key: key, Cols: cols})
		return werr == nil
	})
	if werr != nil {
		return fmt.Errorf("failed to write tuple: %w", werr)
	}
	for _, def := range v.Indexes() {
		if err := sw.WriteIndex(def); err != nil {
			return fmt.Errorf("failed to write index definition: %w", err)
		}
	}
	return sw.Close()
}

// ReadSnapshot reads a snapshot written by SnapshotWriter and hands every
// entry to v, in file order. Unlike the AOF, a snapshot is written to a
// temporary file and renamed, so any damage is reported as an error.
func ReadSnapshot(r io.Reader, v SnapshotVisitor) error {
	br := bufio.NewReaderSize(r, 256<<10)

	op, payload, _, err := ReadFrame(br)
	if err != nil {
		return fmt.Errorf("%w: header: %v", ErrBadSnapshot, err)
	}
	if op != OpCodeHeader {
		return fmt.Errorf("%w: first frame is 0x%02x, not a header", ErrBadSnapshot, op)
	}
	var hdr snapshotHeader
	if err := decodeMsgpack(payload, &hdr); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if hdr.Version != SnapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadSnapshot, hdr.Version)
	}

	var seen snapshotTrailer
	for {
		op, payload, _, err := ReadFrame(br)
		if err == io.EOF {
			return fmt.Errorf("%w: missing trailer", ErrBadSnapshot)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadSnapshot, err)
		}

		switch op {
		case OpCodeRecord:
			var rec snapshotRecord
			if err := decodeMsgpack(payload, &rec); err != nil {
				return err
			}
			seen.Records++
			if v.Record != nil {
				if err := v.Record(rec.Key, rec.Value); err != nil {
					return err
				}
			}
		case OpCodeTuple:
			var rec core.Record
			if err := decodeMsgpack(payload, &rec); err != nil {
				return err
			}
			seen.Tuples++
			if v.Tuple != nil {
				if err := v.Tuple(rec); err != nil {
					return err
				}
			}
		case OpCodeIndex:
			var def core.IndexDef
			if err := decodeMsgpack(payload, &def); err != nil {
				return err
			}
			seen.Indexes++
			if v.Index != nil {
				if err := v.Index(def); err != nil {
					return err
				}
			}
		case OpCodeTrailer:
			var want snapshotTrailer
			if err := decodeMsgpack(payload, &want); err != nil {
				return err
			}
			if want != seen {
				return fmt.Errorf("%w: trailer counts %+v, read %+v", ErrBadSnapshot, want, seen)
			}
			return nil
		default:
			return fmt.Errorf("%w: unexpected frame op 0x%02x", ErrBadSnapshot, op)
		}
	}
}

// LoadInto returns a visitor that restores entries into db. Both file
// formats store index definitions after the tuples, so each index is built
// once over the complete table.
func LoadInto(db *core.DB) SnapshotVisitor {
	return SnapshotVisitor{
		Record: func(key string, value []byte) error {
			return db.Records().Put(key, value, core.PutReplace, 0)
		},
		Tuple: func(rec core.Record) error {
			return db.Tables().Put(rec.Key, rec.Cols, core.TPutReplace)
		},
		Index: func(def core.IndexDef) error {
			return db.Tables().SetIndex(def.Column, def.Kind, false)
		},
	}
}
