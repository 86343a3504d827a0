package persistence

import (
	"fmt"
	"os"
	"time"

	"go.etcd.io/bbolt"

	"github.com/sanonone/tyrantdb/pkg/core"
)

// Bucket names of a backup database.
var (
	bucketMeta    = []byte("meta")
	bucketRecords = []byte("records")
	bucketTuples  = []byte("tuples")
	bucketIndexes = []byte("indexes")
)

// bbolt rejects empty keys, so every stored key carries this prefix.
const backupKeyPrefix = 'k'

func backupKey(key string) []byte {
	b := make([]byte, 0, len(key)+1)
	b = append(b, backupKeyPrefix)
	return append(b, key...)
}

func backupOptions(readOnly bool) *bbolt.Options {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	bopt.ReadOnly = readOnly
	bopt.FreelistType = bbolt.FreelistMapType
	return bopt
}

// WriteBackup writes v to a bbolt database at path. The file is built next
// to path and renamed into place, so a failed backup never leaves a partial
// file behind.
func WriteBackup(path string, v *core.View) error {
	tmp := path + ".tmp"
	_ = os.Remove(tmp)

	bdb, err := bbolt.Open(tmp, 0666, backupOptions(false))
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}

	err = bdb.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}
		hdr, err := encodeMsgpack(snapshotHeader{Version: SnapshotVersion, CreatedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		if err := meta.Put([]byte("header"), hdr); err != nil {
			return err
		}

		records, err := tx.CreateBucket(bucketRecords)
		if err != nil {
			return err
		}
		var werr error
		v.ForEachRecord(func(p core.KVPair) bool {
			werr = records.Put(backupKey(p.Key), p.Value)
			return werr == nil
		})
		if werr != nil {
			return fmt.Errorf("records: %w", werr)
		}

		tuples, err := tx.CreateBucket(bucketTuples)
		if err != nil {
			return err
		}
		v.ForEachTuple(func(key string, cols core.Tuple) bool {
			var raw []byte
			if raw, werr = encodeMsgpack(cols); werr != nil {
				return false
			}
			werr = tuples.Put(backupKey(key), raw)
			return werr == nil
		})
		if werr != nil {
			return fmt.Errorf("tuples: %w", werr)
		}

		indexes, err := tx.CreateBucket(bucketIndexes)
		if err != nil {
			return err
		}
		for _, def := range v.Indexes() {
			raw, err := encodeMsgpack(def)
			if err != nil {
				return err
			}
			if err := indexes.Put(backupKey(def.Column+"\x00"+def.Kind.String()), raw); err != nil {
				return err
			}
		}
		return nil
	})
	if cerr := bdb.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("backup: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	return nil
}

// ReadBackup reads a backup written by WriteBackup. Records are visited
// first, then tuples, then index definitions.
func ReadBackup(path string, v SnapshotVisitor) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	bdb, err := bbolt.Open(path, 0444, backupOptions(true))
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	defer bdb.Close()

	return bdb.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return fmt.Errorf("%w: %s has no meta bucket", ErrBadSnapshot, path)
		}
		var hdr snapshotHeader
		if err := decodeMsgpack(meta.Get([]byte("header")), &hdr); err != nil {
			return fmt.Errorf("%w: %v", ErrBadSnapshot, err)
		}
		if hdr.Version != SnapshotVersion {
			return fmt.Errorf("%w: unsupported version %d", ErrBadSnapshot, hdr.Version)
		}

		if err := forEachEntry(tx, bucketRecords, func(key string, raw []byte) error {
			if v.Record == nil {
				return nil
			}
			return v.Record(key, append([]byte(nil), raw...))
		}); err != nil {
			return err
		}
		if err := forEachEntry(tx, bucketTuples, func(key string, raw []byte) error {
			if v.Tuple == nil {
				return nil
			}
			var cols core.Tuple
			if err := decodeMsgpack(raw, &cols); err != nil {
				return err
			}
			return v.Tuple(core.Record{Key: key, Cols: cols})
		}); err != nil {
			return err
		}
		return forEachEntry(tx, bucketIndexes, func(_ string, raw []byte) error {
			if v.Index == nil {
				return nil
			}
			var def core.IndexDef
			if err := decodeMsgpack(raw, &def); err != nil {
				return err
			}
			return v.Index(def)
		})
	})
}

func forEachEntry(tx *bbolt.Tx, name []byte, fn func(key string, raw []byte) error) error {
	b := tx.Bucket(name)
	if b == nil {
		return fmt.Errorf("%w: missing bucket %q", ErrBadSnapshot, name)
	}
	return b.ForEach(func(k, raw []byte) error {
		if len(k) == 0 || k[0] != backupKeyPrefix {
			return fmt.Errorf("%w: malformed key %q in bucket %q", ErrBadSnapshot, k, name)
		}
		return fn(string(k[1:]), raw)
	})
}
