package protocol

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Error kinds sent as the first word of an error reply.
const (
	KindNotFound   = "NOTFOUND"
	KindExists     = "EXISTS"
	KindType       = "TYPE"
	KindOverflow   = "OVERFLOW"
	KindValidation = "VALIDATION"
	KindIndex      = "INDEX"
	KindProtocol   = "PROTOCOL"
	KindGeneric    = "ERR"
)

// Reply type markers.
const (
	TypeSimple = '+'
	TypeError  = '-'
	TypeInt    = ':'
	TypeBulk   = '$'
	TypeArray  = '*'
)

// Writer encodes replies onto a buffered stream. Callers must Flush.
type Writer struct {
	w   *bufio.Writer
	buf []byte
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) write() error {
	_, err := w.w.Write(w.buf)
	w.buf = w.buf[:0]
	return err
}

// WriteSimple writes "+s".
func (w *Writer) WriteSimple(s string) error {
	w.buf = append(w.buf, TypeSimple)
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, '\r', '\n')
	return w.write()
}

// WriteOK writes "+OK".
func (w *Writer) WriteOK() error { return w.WriteSimple("OK") }

// WriteError writes "-KIND message". Line breaks in message are flattened.
func (w *Writer) WriteError(kind, message string) error {
	message = strings.NewReplacer("\r", " ", "\n", " ").Replace(message)
	w.buf = append(w.buf, TypeError)
	w.buf = append(w.buf, kind...)
	if message != "" {
		w.buf = append(w.buf, ' ')
		w.buf = append(w.buf, message...)
	}
	w.buf = append(w.buf, '\r', '\n')
	return w.write()
}

// WriteInt writes ":n".
func (w *Writer) WriteInt(n int64) error {
	w.buf = append(w.buf, TypeInt)
	w.buf = strconv.AppendInt(w.buf, n, 10)
	w.buf = append(w.buf, '\r', '\n')
	return w.write()
}

// WriteBulk writes a bulk string.
func (w *Writer) WriteBulk(b []byte) error {
	w.buf = appendBulk(w.buf, b)
	return w.write()
}

// WriteNull writes the null bulk string "$-1".
func (w *Writer) WriteNull() error {
	w.buf = append(w.buf, "$-1\r\n"...)
	return w.write()
}

// WriteArrayHeader starts an array of n elements.
func (w *Writer) WriteArrayHeader(n int) error {
	w.buf = append(w.buf, TypeArray)
	w.buf = strconv.AppendInt(w.buf, int64(n), 10)
	w.buf = append(w.buf, '\r', '\n')
	return w.write()
}

// WriteStrings writes an array of bulk strings.
func (w *Writer) WriteStrings(items []string) error {
	if err := w.WriteArrayHeader(len(items)); err != nil {
		return err
	}
	for _, s := range items {
		w.buf = appendBulk(w.buf, []byte(s))
		if err := w.write(); err != nil {
			return err
		}
	}
	return nil
}

// Flush sends buffered replies.
func (w *Writer) Flush() error { return w.w.Flush() }

// Reply is a decoded server reply.
type Reply struct {
	Type  byte
	Str   string // simple string, or error message without the kind
	Kind  string // error kind
	Int   int64
	Bulk  []byte
	Null  bool
	Array []Reply
}

// IsError reports whether the reply is an error reply.
func (r Reply) IsError() bool { return r.Type == TypeError }

// ReadReply reads one reply, recursing into arrays.
func ReadReply(r *bufio.Reader) (Reply, error) {
	line, err := readLine(r)
	if err != nil {
		return Reply{}, err
	}
	if line == "" {
		return Reply{}, protoErrf("empty reply line")
	}

	rep := Reply{Type: line[0]}
	body := line[1:]
	switch line[0] {
	case TypeSimple:
		rep.Str = body
	case TypeError:
		rep.Kind, rep.Str, _ = strings.Cut(body, " ")
	case TypeInt:
		n, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			return Reply{}, protoErrf("invalid integer %q", body)
		}
		rep.Int = n
	case TypeBulk:
		size, err := parseLength(body, MaxBulkLen)
		if err != nil {
			return Reply{}, err
		}
		if size < 0 {
			rep.Null = true
			return rep, nil
		}
		if rep.Bulk, err = readBulkBody(r, size); err != nil {
			return Reply{}, err
		}
	case TypeArray:
		n, err := parseLength(body, MaxArrayLen)
		if err != nil {
			return Reply{}, err
		}
		if n < 0 {
			rep.Null = true
			return rep, nil
		}
		rep.Array = make([]Reply, n)
		for i := range rep.Array {
			if rep.Array[i], err = ReadReply(r); err != nil {
				return Reply{}, unexpectedEOF(err)
			}
		}
	default:
		return Reply{}, protoErrf("unknown reply type %q", line[0])
	}
	return rep, nil
}
