package client

import (
	"context"
	"strconv"
	"strings"

	"github.com/sanonone/tyrantdb/internal/protocol"
	"github.com/sanonone/tyrantdb/pkg/core"
)

var putCommands = map[core.PutMode]string{
	core.PutReplace: "PUT",
	core.PutKeep:    "PUTKEEP",
	core.PutCat:     "PUTCAT",
}

// Put stores value under key. PutCatShl is done with PutShl.
func (c *Client) Put(key string, value []byte, mode core.PutMode) error {
	name, ok := putCommands[mode]
	if !ok {
		return &core.OpError{Op: "put", Key: key, Err: core.ErrValidation}
	}
	return expectOK(c.do(context.Background(), name, []byte(key), value))
}

// PutShl appends value and keeps the trailing width bytes.
func (c *Client) PutShl(key string, value []byte, width int) error {
	return expectOK(c.do(context.Background(), "PUTSHL", []byte(key), value, []byte(strconv.Itoa(width))))
}

// PutNR stores value without waiting for a reply. Failures are not
// reported.
func (c *Client) PutNR(key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(context.Background(), "PUTNR", []byte(key), value)
}

// Get returns the value of key, or an error wrapping core.ErrNotFound.
func (c *Client) Get(key string) ([]byte, error) {
	return expectBulk(c.doStrings("GET", key))
}

// GetMany returns the values of the keys that exist. Missing keys are
// absent from the map.
func (c *Client) GetMany(keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	rep, err := c.doStrings("MGET", keys...)
	if err != nil {
		return nil, err
	}
	if rep.Type != protocol.TypeArray || len(rep.Array)%2 != 0 {
		return nil, unexpected(rep)
	}
	out := make(map[string][]byte, len(rep.Array)/2)
	for i := 0; i < len(rep.Array); i += 2 {
		out[string(rep.Array[i].Bulk)] = rep.Array[i+1].Bulk
	}
	return out, nil
}

// PutMany stores all pairs in one round trip and returns how many were
// stored. Each pair is applied atomically on its own.
func (c *Client) PutMany(pairs map[string][]byte) (int, error) {
	if len(pairs) == 0 {
		return 0, nil
	}
	args := make([][]byte, 0, 2*len(pairs))
	for k, v := range pairs {
		args = append(args, []byte(k), v)
	}
	n, err := expectInt(c.do(context.Background(), "MPUT", args...))
	return int(n), err
}

// Out removes key.
func (c *Client) Out(key string) error {
	return expectOK(c.doStrings("OUT", key))
}

// OutMany removes the keys in one round trip. It returns the number removed
// and the keys that did not exist.
func (c *Client) OutMany(keys []string) (int, []string, error) {
	if len(keys) == 0 {
		return 0, nil, nil
	}
	rep, err := c.doStrings("MOUT", keys...)
	if err != nil {
		return 0, nil, err
	}
	if rep.Type != protocol.TypeArray || len(rep.Array) != 2 {
		return 0, nil, unexpected(rep)
	}
	removed, err := expectInt(rep.Array[0], nil)
	if err != nil {
		return 0, nil, err
	}
	missing, err := expectStrings(rep.Array[1], nil)
	if err != nil {
		return 0, nil, err
	}
	return int(removed), missing, nil
}

// Increment adds amount to the decimal value of key, creating it when
// absent, and returns the new value.
func (c *Client) Increment(key string, amount float64) (float64, error) {
	return expectNumber(c.doStrings("ADDDOUBLE", key, core.FormatNumber(amount)))
}

// ValueSize returns the length of the value of key.
func (c *Client) ValueSize(key string) (int, error) {
	n, err := expectInt(c.doStrings("VSIZ", key))
	return int(n), err
}

// RecordCount returns the number of records.
func (c *Client) RecordCount() (int64, error) {
	return expectInt(c.doStrings("RNUM"))
}

// Size returns the total key and value bytes of the records.
func (c *Client) Size() (int64, error) {
	return expectInt(c.doStrings("SIZE"))
}

// Vanish removes every record. Tables are not affected.
func (c *Client) Vanish() error {
	return expectOK(c.doStrings("VANISH"))
}

// Sync makes every acknowledged write durable.
func (c *Client) Sync() error {
	return expectOK(c.doStrings("SYNC"))
}

// Copy writes a consistent backup to path on the server host.
func (c *Client) Copy(path string) error {
	return expectOK(c.doStrings("COPY", path))
}

// Restore replaces the whole database with the backup at path on the
// server host.
func (c *Client) Restore(path string) error {
	return expectOK(c.doStrings("RESTORE", path))
}

// Stat returns the server statistics as a flat mapping.
func (c *Client) Stat() (map[string]string, error) {
	b, err := expectBulk(c.doStrings("STAT"))
	if err != nil {
		return nil, err
	}
	return ParseStat(string(b)), nil
}

// ParseStat parses "name\tvalue\n" lines. Malformed lines are skipped.
func ParseStat(s string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(s, "\n") {
		name, value, ok := strings.Cut(line, "\t")
		if !ok || name == "" {
			continue
		}
		out[name] = value
	}
	return out
}

// Ping checks the connection.
func (c *Client) Ping() error {
	return expectOK(c.doStrings("PING"))
}

// KeyIterator walks keys through the server-side iterator. The connection
// has one record iterator, so starting a second one resets the first.
type KeyIterator struct {
	c    *Client
	next string
	err  error
}

// Keys starts iterating the record keys in ascending order.
func (c *Client) Keys() (*KeyIterator, error) {
	if err := expectOK(c.doStrings("ITERINIT")); err != nil {
		return nil, err
	}
	return &KeyIterator{c: c, next: "ITERNEXT"}, nil
}

// Next returns the next key. ok is false at the end or after an error.
func (it *KeyIterator) Next() (key string, ok bool) {
	if it.err != nil {
		return "", false
	}
	rep, err := it.c.doStrings(it.next)
	if err != nil {
		it.err = err
		return "", false
	}
	if rep.Type != protocol.TypeBulk {
		it.err = unexpected(rep)
		return "", false
	}
	if rep.Null {
		return "", false
	}
	return string(rep.Bulk), true
}

// Err returns the error that stopped the iteration, if any.
func (it *KeyIterator) Err() error { return it.err }

// Collect drains the iterator.
func (it *KeyIterator) Collect() ([]string, error) {
	var keys []string
	for {
		k, ok := it.Next()
		if !ok {
			return keys, it.err
		}
		keys = append(keys, k)
	}
}
