// Package click encodes and decodes the viewer-to-server click line:
//
//	CLICK:<x>,<y>\n
//
// Coordinates are decimal floats relative to the displayed frame.
package click

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/tabmirror/mirror/src/types"
)

const (
	// Prefix starts every click line.
	Prefix = "CLICK:"

	// DefaultMaxLineLength bounds one click line including the newline.
	DefaultMaxLineLength = 1024
)

// ErrMalformed indicates a line that is not a valid click message.
var ErrMalformed = errors.New("malformed click line")

// Encode formats a click line. Floats use the shortest representation that
// parses back to the same value, independent of locale.
func Encode(x, y float64) []byte {
	b := make([]byte, 0, len(Prefix)+2*24+2)
	b = append(b, Prefix...)
	b = strconv.AppendFloat(b, x, 'g', -1, 64)
	b = append(b, ',')
	b = strconv.AppendFloat(b, y, 'g', -1, 64)
	return append(b, '\n')
}

// Decode parses one click line. Surrounding whitespace is ignored.
func Decode(line []byte) (types.ClickEvent, error) {
	line = bytes.TrimSpace(line)
	rest, ok := bytes.CutPrefix(line, []byte(Prefix))
	if !ok {
		return types.ClickEvent{}, fmt.Errorf("%w: missing %q prefix", ErrMalformed, Prefix)
	}
	fields := bytes.Split(rest, []byte{','})
	if len(fields) != 2 {
		return types.ClickEvent{}, fmt.Errorf("%w: want 2 fields, got %d", ErrMalformed, len(fields))
	}
	x, err := parseCoord(fields[0])
	if err != nil {
		return types.ClickEvent{}, err
	}
	y, err := parseCoord(fields[1])
	if err != nil {
		return types.ClickEvent{}, err
	}
	return types.ClickEvent{X: x, Y: y}, nil
}

func parseCoord(field []byte) (float64, error) {
	v, err := strconv.ParseFloat(string(bytes.TrimSpace(field)), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrMalformed, field)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q is not finite", ErrMalformed, field)
	}
	return v, nil
}

// Reader yields click events from a line stream. Malformed, blank and
// overlong lines are dropped without ending the stream.
type Reader struct {
	br *bufio.Reader

	// OnMalformed, if set, is called with each dropped line. The slice is
	// only valid for the duration of the call.
	OnMalformed func(line []byte, err error)

	malformed uint64
	overlong  uint64
}

// NewReader returns a Reader over r. maxLine <= 0 selects
// DefaultMaxLineLength.
func NewReader(r io.Reader, maxLine int) *Reader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}
	return &Reader{br: bufio.NewReaderSize(r, maxLine)}
}

// Malformed returns the number of lines that failed to decode.
func (cr *Reader) Malformed() uint64 { return cr.malformed }

// Overlong returns the number of lines dropped for exceeding the limit.
func (cr *Reader) Overlong() uint64 { return cr.overlong }

// Next blocks until a valid click line arrives. It returns the underlying
// read error (io.EOF on a clean close) once the stream ends.
func (cr *Reader) Next() (types.ClickEvent, error) {
	for {
		line, err := cr.br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			cr.overlong++
			if err := cr.skipLine(); err != nil {
				return types.ClickEvent{}, err
			}
			continue
		}
		if len(bytes.TrimSpace(line)) > 0 {
			ev, derr := Decode(line)
			if derr == nil {
				return ev, nil
			}
			cr.malformed++
			if cr.OnMalformed != nil {
				cr.OnMalformed(line, derr)
			}
		}
		if err != nil {
			return types.ClickEvent{}, err
		}
	}
}

// skipLine discards input up to and including the next newline.
func (cr *Reader) skipLine() error {
	for {
		_, err := cr.br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return err
	}
}
