// Package client provides a Go client for tyrantd.
//
// A Client owns one TCP connection speaking the RESP-based protocol and
// offers:
//   - Record operations (Put, Get, GetMany, Out, Increment, iteration).
//   - Table operations through Table(), and the Query builder.
//   - Database administration (Sync, Copy, Restore, Stat).
//
// A Client serializes its calls, so it is safe for concurrent use, but
// callers that need parallelism should open several clients. The separate
// AdminClient talks to the HTTP admin API.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sanonone/tyrantdb/internal/protocol"
	"github.com/sanonone/tyrantdb/pkg/core"
)

// Defaults used by Connect for empty or zero arguments.
const (
	DefaultHost        = "localhost"
	DefaultPort        = 1978
	DefaultDialTimeout = 5 * time.Second
)

// --- Custom Errors ---

// ConnectionError reports a failure to reach the server or a broken
// connection. The client cannot be used after one.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a reply the client could not decode or did not
// expect.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Msg
}

func (e *ProtocolError) Unwrap() error { return protocol.ErrProtocol }

// ServerError is an error reply. It unwraps to the matching core sentinel,
// so errors.Is(err, core.ErrNotFound) works across the wire.
type ServerError struct {
	Kind    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Message
}

func (e *ServerError) Unwrap() error {
	switch e.Kind {
	case protocol.KindNotFound:
		return core.ErrNotFound
	case protocol.KindExists:
		return core.ErrKeyExists
	case protocol.KindType:
		return core.ErrTypeMismatch
	case protocol.KindOverflow:
		return core.ErrOverflow
	case protocol.KindValidation:
		return core.ErrValidation
	case protocol.KindIndex:
		return core.ErrIndexInconsistency
	case protocol.KindProtocol:
		return protocol.ErrProtocol
	}
	return nil
}

// --- Client ---

// Option configures Connect.
type Option func(*Client)

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithTimeout bounds every round trip. Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client is a connection to tyrantd. The caller must Close it.
type Client struct {
	addr        string
	dialTimeout time.Duration
	timeout     time.Duration

	mu     sync.Mutex
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	buf    []byte
	broken error
}

// Connect dials tyrantd at host:port. An empty host means DefaultHost and
// a zero port DefaultPort.
func Connect(ctx context.Context, host string, port int, opts ...Option) (*Client, error) {
	if host == "" {
		host = DefaultHost
	}
	if port == 0 {
		port = DefaultPort
	}
	c := &Client{
		addr:        net.JoinHostPort(host, strconv.Itoa(port)),
		dialTimeout: DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, &ConnectionError{Addr: c.addr, Err: err}
	}
	c.conn = conn
	c.r = bufio.NewReaderSize(conn, 64<<10)
	c.w = bufio.NewWriterSize(conn, 64<<10)
	return c, nil
}

// Addr returns the server address.
func (c *Client) Addr() string { return c.addr }

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(c.broken, net.ErrClosed) {
		return nil
	}
	c.broken = net.ErrClosed
	return c.conn.Close()
}

// do sends one command and reads its reply. Error replies are returned as
// *ServerError. Cancelling ctx aborts the round trip and breaks the
// connection, since the reply would otherwise be read by the next call.
func (c *Client) do(ctx context.Context, name string, args ...[]byte) (protocol.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(ctx, name, args...); err != nil {
		return protocol.Reply{}, err
	}
	stop := context.AfterFunc(ctx, func() { c.conn.SetReadDeadline(time.Unix(1, 0)) })
	rep, err := protocol.ReadReply(c.r)
	stop()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return protocol.Reply{}, c.fail(err)
	}
	if rep.IsError() {
		return rep, &ServerError{Kind: rep.Kind, Message: rep.Str}
	}
	return rep, nil
}

// send writes and flushes one command. The caller holds c.mu.
func (c *Client) send(ctx context.Context, name string, args ...[]byte) error {
	if c.broken != nil {
		return &ConnectionError{Addr: c.addr, Err: c.broken}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Time{}
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	c.buf = protocol.AppendCommand(c.buf[:0], name, args...)
	if _, err := c.w.Write(c.buf); err != nil {
		return c.fail(err)
	}
	if err := c.w.Flush(); err != nil {
		return c.fail(err)
	}
	return nil
}

// fail marks the connection unusable. Decoding errors become ProtocolError.
func (c *Client) fail(err error) error {
	c.broken = err
	c.conn.Close()
	if errors.Is(err, protocol.ErrProtocol) {
		return &ProtocolError{Msg: err.Error()}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ConnectionError{Addr: c.addr, Err: err}
}

func (c *Client) doStrings(name string, args ...string) (protocol.Reply, error) {
	bs := make([][]byte, len(args))
	for i, a := range args {
		bs[i] = []byte(a)
	}
	return c.do(context.Background(), name, bs...)
}

// --- reply helpers ---

func expectOK(rep protocol.Reply, err error) error {
	if err != nil {
		return err
	}
	if rep.Type != protocol.TypeSimple {
		return unexpected(rep)
	}
	return nil
}

func expectInt(rep protocol.Reply, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	if rep.Type != protocol.TypeInt {
		return 0, unexpected(rep)
	}
	return rep.Int, nil
}

func expectBulk(rep protocol.Reply, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	if rep.Type != protocol.TypeBulk || rep.Null {
		return nil, unexpected(rep)
	}
	return rep.Bulk, nil
}

func expectNumber(rep protocol.Reply, err error) (float64, error) {
	b, err := expectBulk(rep, err)
	if err != nil {
		return 0, err
	}
	v, err := core.ParseNumber(string(b))
	if err != nil {
		return 0, &ProtocolError{Msg: fmt.Sprintf("invalid number %q", b)}
	}
	return v, nil
}

func expectStrings(rep protocol.Reply, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	if rep.Type != protocol.TypeArray {
		return nil, unexpected(rep)
	}
	out := make([]string, len(rep.Array))
	for i, item := range rep.Array {
		if item.Type != protocol.TypeBulk || item.Null {
			return nil, unexpected(item)
		}
		out[i] = string(item.Bulk)
	}
	return out, nil
}

// pairsToTuple turns an alternating col,val list into a Tuple.
func pairsToTuple(items []protocol.Reply) (core.Tuple, error) {
	if len(items)%2 != 0 {
		return nil, &ProtocolError{Msg: "odd number of column/value items"}
	}
	cols := make(core.Tuple, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		cols[string(items[i].Bulk)] = string(items[i+1].Bulk)
	}
	return cols, nil
}

func unexpected(rep protocol.Reply) error {
	return &ProtocolError{Msg: fmt.Sprintf("unexpected reply type %q", rep.Type)}
}
