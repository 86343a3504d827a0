// Package protocol implements the subset of RESP (Redis Serialization
// Protocol) spoken between tyrantd and its clients. The same command
// encoding is stored in the append-only file. All payloads are binary-safe.
package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
)

// Limits applied while decoding, so a hostile or corrupted stream cannot
// force huge allocations.
const (
	MaxBulkLen  = 512 << 20
	MaxArrayLen = 1 << 20
	MaxLineLen  = 64 << 10
)

// bulkChunk is how much of a bulk string is allocated ahead of the data.
const bulkChunk = 64 << 10

// ErrProtocol is wrapped by every decoding error caused by malformed input.
var ErrProtocol = errors.New("protocol error")

func protoErrf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// Command represents a parsed command sent by a client.
type Command struct {
	// Name is the upper-cased command name, e.g. "PUT", "TSEARCH".
	Name string
	// Args holds the arguments as byte slices so any data, including NUL
	// bytes, can be passed.
	Args [][]byte
}

// Arg returns argument i as a string.
func (c *Command) Arg(i int) string { return string(c.Args[i]) }

// ReadCommand reads one command. Requests are normally RESP arrays of bulk
// strings; a line that does not start with '*' is accepted as an inline
// command split on whitespace, which keeps the server usable from telnet.
func ReadCommand(r *bufio.Reader) (*Command, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, protoErrf("empty command")
	}
	if line[0] != '*' {
		return parseInline(line)
	}

	n, err := parseLength(line[1:], MaxArrayLen)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, protoErrf("command with no name")
	}

	args := make([][]byte, n)
	for i := range args {
		line, err := readLine(r)
		if err != nil {
			return nil, unexpectedEOF(err)
		}
		if len(line) == 0 || line[0] != '$' {
			return nil, protoErrf("expected '$', got %q", line)
		}
		size, err := parseLength(line[1:], MaxBulkLen)
		if err != nil {
			return nil, err
		}
		if size < 0 {
			return nil, protoErrf("null argument")
		}
		if args[i], err = readBulkBody(r, size); err != nil {
			return nil, err
		}
	}

	return &Command{
		Name: strings.ToUpper(string(args[0])),
		Args: args[1:],
	}, nil
}

// ParseCommand decodes a single RESP command held in b.
func ParseCommand(b []byte) (*Command, error) {
	return ReadCommand(bufio.NewReader(bytes.NewReader(b)))
}

func parseInline(line string) (*Command, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil, protoErrf("empty command")
	}
	cmd := &Command{
		Name: strings.ToUpper(parts[0]),
		Args: make([][]byte, 0, len(parts)-1),
	}
	for _, arg := range parts[1:] {
		cmd.Args = append(cmd.Args, []byte(arg))
	}
	return cmd, nil
}

// AppendCommand appends the RESP encoding of a command to dst.
func AppendCommand(dst []byte, name string, args ...[]byte) []byte {
	dst = append(dst, '*')
	dst = strconv.AppendInt(dst, int64(1+len(args)), 10)
	dst = append(dst, '\r', '\n')
	dst = appendBulk(dst, []byte(name))
	for _, a := range args {
		dst = appendBulk(dst, a)
	}
	return dst
}

// AppendCommandStrings is AppendCommand for string arguments.
func AppendCommandStrings(dst []byte, name string, args ...string) []byte {
	bs := make([][]byte, len(args))
	for i, a := range args {
		bs[i] = []byte(a)
	}
	return AppendCommand(dst, name, bs...)
}

func appendBulk(dst, b []byte) []byte {
	dst = append(dst, '$')
	dst = strconv.AppendInt(dst, int64(len(b)), 10)
	dst = append(dst, '\r', '\n')
	dst = append(dst, b...)
	return append(dst, '\r', '\n')
}

func readLine(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > MaxLineLen {
			return "", protoErrf("line exceeds %d bytes", MaxLineLen)
		}
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(line) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

func parseLength(s string, limit int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, protoErrf("invalid length %q", s)
	}
	if n > limit {
		return 0, protoErrf("length %d exceeds limit %d", n, limit)
	}
	if n < -1 {
		return 0, protoErrf("invalid length %d", n)
	}
	return n, nil
}

// readBulkBody grows the buffer as data arrives, so a large declared
// length costs memory only once it is actually sent.
func readBulkBody(r *bufio.Reader, size int) ([]byte, error) {
	total := size + 2
	buf := make([]byte, 0, min(total, bulkChunk))
	for len(buf) < total {
		step := min(total-len(buf), bulkChunk)
		buf = slices.Grow(buf, step)
		start := len(buf)
		buf = buf[:start+step]
		if _, err := io.ReadFull(r, buf[start:]); err != nil {
			return nil, unexpectedEOF(err)
		}
	}
	if buf[size] != '\r' || buf[size+1] != '\n' {
		return nil, protoErrf("bulk string not terminated by CRLF")
	}
	return buf[:size], nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
