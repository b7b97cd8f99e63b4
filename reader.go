package netstring

import (
	"io"

	"github.com/pkg/errors"
)

// Reader reads frames from an io.Reader. It pulls chunks of up to
// ReadBufferSize bytes from the source and hands them to a Decoder, so it
// works the same whether the source delivers one byte or many frames per
// Read.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	r      io.Reader
	dec    *Decoder
	buf    []byte
	frames [][]byte
	err    error
}

// NewReader returns a Reader that reads frames from r.
func NewReader(r io.Reader, opts ...CodecOption) *Reader {
	o := newCodecOptions(opts)
	return &Reader{
		r:   r,
		dec: newDecoder(o),
		buf: make([]byte, o.readBufferSize),
	}
}

// ReadFrame returns the next frame.
//
// It returns io.EOF when the source ends on a frame boundary, a
// *TransportError wrapping io.ErrUnexpectedEOF when it ends inside a frame,
// a *TransportError for any other read failure, and a *FormatError for
// malformed input. Frames decoded before a failure are returned first; the
// failure is then returned by every later call.
func (r *Reader) ReadFrame() ([]byte, error) {
	for len(r.frames) == 0 {
		if r.err != nil {
			return nil, r.err
		}
		r.fill()
	}

	frame := r.frames[0]
	r.frames[0] = nil
	r.frames = r.frames[1:]
	return frame, nil
}

// Buffered returns the number of decoded frames waiting to be read.
func (r *Reader) Buffered() int {
	return len(r.frames)
}

func (r *Reader) fill() {
	n, err := r.r.Read(r.buf)
	if n > 0 {
		if ferr := r.dec.FeedFunc(r.buf[:n], r.push); ferr != nil {
			r.err = ferr
			return
		}
	}

	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		if r.dec.Pending() {
			r.err = &TransportError{Op: "read", Err: io.ErrUnexpectedEOF}
		} else {
			r.err = io.EOF
		}
	default:
		r.err = &TransportError{Op: "read", Err: err}
	}
}

func (r *Reader) push(frame []byte) error {
	r.frames = append(r.frames, frame)
	return nil
}
