// Package frame implements the length-prefixed framing used for the
// server-to-viewer image stream.
//
// Each frame on the wire is a 4-byte big-endian unsigned payload length
// followed by exactly that many payload bytes:
//
//	[uint32 length][payload ...]
//
// There is no magic number, version or checksum. The payload is opaque.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// HeaderSize is the size of the length prefix in bytes.
	HeaderSize = 4

	// DefaultMaxBytes is the largest payload a reader accepts unless
	// configured otherwise (10 MiB).
	DefaultMaxBytes = 10 * 1024 * 1024
)

var (
	// ErrEndOfStream is returned when the stream closes before a complete
	// frame was read. A partially read frame is discarded.
	ErrEndOfStream = errors.New("end of stream")

	// ErrInvalidSize is returned by CheckSize for payloads that cannot be
	// framed.
	ErrInvalidSize = errors.New("invalid frame size")
)

// Encode prepends the big-endian length header to payload. Callers should
// reject payloads failing CheckSize before encoding.
func Encode(payload []byte) []byte {
	packet := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(packet[:HeaderSize], uint32(len(payload)))
	copy(packet[HeaderSize:], payload)
	return packet
}

// CheckSize reports whether a payload of n bytes may be sent to a reader
// with the given limit.
func CheckSize(n, maxBytes int) error {
	if n <= 0 || n > maxBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrInvalidSize, n, maxBytes)
	}
	return nil
}

// Reader reads frames from a byte stream. A single underlying Read may
// return any number of bytes; Reader accumulates until a frame is complete.
//
// Frames with a zero length or a length above the limit are skipped: their
// declared payload is drained so the next header is read from the right
// offset.
type Reader struct {
	r        io.Reader
	maxBytes uint32
	skipped  uint64
	header   [HeaderSize]byte
}

// NewReader returns a Reader over r. maxBytes <= 0 selects DefaultMaxBytes;
// limits beyond what the header can express are clamped to it.
func NewReader(r io.Reader, maxBytes int) *Reader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	limit := uint32(math.MaxUint32)
	if uint64(maxBytes) < math.MaxUint32 {
		limit = uint32(maxBytes)
	}
	return &Reader{r: r, maxBytes: limit}
}

// Skipped returns how many out-of-range frames have been dropped.
func (fr *Reader) Skipped() uint64 {
	return fr.skipped
}

// ReadFrame blocks until one in-range frame has been read and returns its
// payload. It returns ErrEndOfStream if the stream ends at or inside a
// frame; other read errors are returned wrapped.
func (fr *Reader) ReadFrame() ([]byte, error) {
	for {
		if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
			return nil, endOrWrap("read frame header", err)
		}
		length := binary.BigEndian.Uint32(fr.header[:])

		if length == 0 {
			fr.skipped++
			continue
		}
		if length > fr.maxBytes {
			fr.skipped++
			if _, err := io.CopyN(io.Discard, fr.r, int64(length)); err != nil {
				return nil, endOrWrap("drain oversized frame", err)
			}
			continue
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, endOrWrap("read frame payload", err)
		}
		return payload, nil
	}
}

func endOrWrap(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrEndOfStream
	}
	return fmt.Errorf("%s: %w", op, err)
}
