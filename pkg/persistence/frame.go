package persistence

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Constants for the binary frame format shared by the AOF and snapshot files.
const (
	// MagicByte marks the start of a frame, so a reader can tell a lost
	// stream position from a payload.
	MagicByte = 0xA5

	// HeaderSize is the fixed frame header:
	// 1 byte (Magic) + 1 byte (OpCode) + 4 bytes (Length) + 4 bytes (CRC32) = 10 bytes.
	HeaderSize = 10

	// MaxFrameSize bounds a single payload so a corrupted length cannot make
	// the reader allocate gigabytes.
	MaxFrameSize = 256 << 20
)

// Frame op codes.
const (
	OpCodeCommand byte = 0x01 // AOF: RESP-encoded command
	OpCodeHeader  byte = 0x10 // snapshot: file header
	OpCodeRecord  byte = 0x11 // snapshot: key/value record
	OpCodeTuple   byte = 0x12 // snapshot: table tuple
	OpCodeIndex   byte = 0x13 // snapshot: index definition
	OpCodeTrailer byte = 0x1F // snapshot: entry counts, written last
)

var (
	// ErrInvalidMagic indicates the stream lost synchronization or is not a frame file.
	ErrInvalidMagic = errors.New("invalid magic byte")
	// ErrChecksumMismatch indicates data corruption within the frame payload.
	ErrChecksumMismatch = errors.New("crc32 checksum mismatch")
	// ErrIncompleteFrame indicates the file ended inside a frame (e.g. power loss during write).
	ErrIncompleteFrame = errors.New("incomplete frame")
	// ErrFrameTooLarge indicates a length field beyond MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// FrameWriter writes binary frames to an io.Writer.
type FrameWriter struct {
	w      io.Writer
	header [HeaderSize]byte
}

// NewFrameWriter creates a writer that wraps an underlying io.Writer. The
// header and payload are written with two calls, so w should be buffered.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame encodes the payload into a frame and writes it.
// Frame Format: [Magic(1)][OpCode(1)][Length(4)][CRC(4)][Payload(N)]
func (fw *FrameWriter) WriteFrame(op byte, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	encodeHeader(fw.header[:], op, payload)
	if _, err := fw.w.Write(fw.header[:]); err != nil {
		return err
	}
	_, err := fw.w.Write(payload)
	return err
}

// AppendFrame appends one encoded frame to dst.
func AppendFrame(dst []byte, op byte, payload []byte) []byte {
	var header [HeaderSize]byte
	encodeHeader(header[:], op, payload)
	dst = append(dst, header[:]...)
	return append(dst, payload...)
}

func encodeHeader(header []byte, op byte, payload []byte) {
	header[0] = MagicByte
	header[1] = op
	binary.LittleEndian.PutUint32(header[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[6:10], crc32.ChecksumIEEE(payload))
}

// ReadFrame reads the next frame, validating the magic byte and checksum.
// It returns the op code, the payload and the number of bytes consumed.
// A clean end of stream at a frame boundary is reported as io.EOF.
func ReadFrame(r io.Reader) (byte, []byte, int, error) {
	var header [HeaderSize]byte

	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return 0, nil, 0, io.EOF
		}
		return 0, nil, 0, ErrIncompleteFrame
	}
	if header[0] != MagicByte {
		return 0, nil, HeaderSize, ErrInvalidMagic
	}

	op := header[1]
	length := binary.LittleEndian.Uint32(header[2:6])
	expectedCRC := binary.LittleEndian.Uint32(header[6:10])
	if length > MaxFrameSize {
		return 0, nil, HeaderSize, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, HeaderSize, ErrIncompleteFrame
	}
	if crc32.ChecksumIEEE(payload) != expectedCRC {
		return 0, nil, HeaderSize + int(length), ErrChecksumMismatch
	}
	return op, payload, HeaderSize + int(length), nil
}
