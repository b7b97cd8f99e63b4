package netstring

import (
	"io"
	"net"
	"slices"
	"strconv"

	"github.com/pkg/errors"
)

const (
	separator  = ':'
	terminator = ','
)

var tail = []byte{terminator}

// EncodedLen returns the wire size of an n-byte frame.
func EncodedLen(n int) int {
	return decimalLen(n) + n + 2
}

func decimalLen(n int) int {
	l := 1
	for n >= 10 {
		n /= 10
		l++
	}
	return l
}

// AppendEncode appends the netstring encoding of frame to dst and returns
// the extended slice.
func AppendEncode(dst, frame []byte) []byte {
	dst = slices.Grow(dst, EncodedLen(len(frame)))
	dst = strconv.AppendInt(dst, int64(len(frame)), 10)
	dst = append(dst, separator)
	dst = append(dst, frame...)
	return append(dst, terminator)
}

// Encode returns the netstring encoding of frame.
//
//	Encode([]byte("hello")) // "5:hello,"
//	Encode(nil)             // "0:,"
func Encode(frame []byte) []byte {
	return AppendEncode(nil, frame)
}

// Writer writes frames to an io.Writer. Each frame goes out as one
// vectored write of header, payload and terminator, so the payload is never
// copied. Writes are unbuffered; wrap w in a bufio.Writer to batch them.
//
// A Writer is not safe for concurrent use.
type Writer struct {
	w              io.Writer
	maxFrameLength int
	head           [20]byte
}

// NewWriter returns a Writer that writes to w.
// Only MaxFrameLength applies to a Writer.
func NewWriter(w io.Writer, opts ...CodecOption) *Writer {
	o := newCodecOptions(opts)
	return &Writer{w: w, maxFrameLength: o.maxFrameLength}
}

// WriteFrame writes one frame. Frames longer than the configured maximum
// are rejected with ErrFrameTooLarge before anything is written.
func (w *Writer) WriteFrame(frame []byte) error {
	if w.maxFrameLength > 0 && len(frame) > w.maxFrameLength {
		return errors.Wrapf(ErrFrameTooLarge, "frame of %d bytes exceeds maximum of %d", len(frame), w.maxFrameLength)
	}

	head := strconv.AppendInt(w.head[:0], int64(len(frame)), 10)
	head = append(head, separator)

	bufs := net.Buffers{head, frame, tail}
	if _, err := bufs.WriteTo(w.w); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}
