package engine

// This file implements the record operations of the Engine, wrapping the
// core Record Store with persistence. A write is applied in memory first and
// appended to the AOF only when it succeeded, while the key lock is held, so
// the log replays writes to one key in the order they were applied.

import (
	"errors"
	"strconv"

	"github.com/sanonone/tyrantdb/pkg/core"
)

// --- Record Operations ---

// Put stores value at key according to mode. width is only used by
// core.PutCatShl and bounds the resulting value to its trailing bytes.
func (e *Engine) Put(key string, value []byte, mode core.PutMode, width int) error {
	unlock := e.lockKey(key)
	defer unlock()

	if err := e.DB.Records().Put(key, value, mode, width); err != nil {
		return err
	}
	if mode == core.PutCatShl {
		return e.logged(cmdPutShl, []byte(key), value, []byte(strconv.Itoa(width)))
	}
	return e.logged(putModeCommands[mode], []byte(key), value)
}

// Get returns the value stored at key, or core.ErrNotFound.
func (e *Engine) Get(key string) ([]byte, error) {
	return e.DB.Records().Get(key)
}

// GetMany returns the values of the keys that exist. Absent keys are omitted.
func (e *Engine) GetMany(keys []string) map[string][]byte {
	return e.DB.Records().GetMany(keys)
}

// PutMany stores every pair with replace semantics and returns how many were
// stored. Each pair is atomic and durable on its own; the batch is not a
// transaction, so on error the pairs before the failing one are kept.
func (e *Engine) PutMany(pairs []core.KVPair) (int, error) {
	for i, p := range pairs {
		if err := e.Put(p.Key, p.Value, core.PutReplace, 0); err != nil {
			return i, err
		}
	}
	return len(pairs), nil
}

// Out removes key, or returns core.ErrNotFound.
func (e *Engine) Out(key string) error {
	unlock := e.lockKey(key)
	defer unlock()

	if err := e.DB.Records().Out(key); err != nil {
		return err
	}
	return e.logged(cmdOut, []byte(key))
}

// OutMany removes every key and returns how many were removed together with
// the keys that did not exist.
func (e *Engine) OutMany(keys []string) (int, []string, error) {
	var (
		removed int
		missing []string
	)
	for _, k := range keys {
		err := e.Out(k)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, core.ErrNotFound):
			missing = append(missing, k)
		default:
			return removed, missing, err
		}
	}
	return removed, missing, nil
}

// Increment adds amount to the decimal number stored at key and returns the
// new value. An absent key starts at zero.
func (e *Engine) Increment(key string, amount float64) (float64, error) {
	unlock := e.lockKey(key)
	defer unlock()

	sum, err := e.DB.Records().Increment(key, amount)
	if err != nil {
		return 0, err
	}
	return sum, e.logged(cmdAddDouble, []byte(key), []byte(core.FormatNumber(amount)))
}

// ValueSize returns the length of the value stored at key.
func (e *Engine) ValueSize(key string) (int, error) {
	return e.DB.Records().ValueSize(key)
}

// Vanish removes every record. Tuples are not affected.
func (e *Engine) Vanish() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	e.DB.Records().Vanish()
	return e.logged(cmdVanish)
}

// Keys returns an iterator over a snapshot of the record keys.
func (e *Engine) Keys() *core.KeyIterator {
	return e.DB.Records().Iterate()
}
