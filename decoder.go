package netstring

import (
	"math"
	"slices"
)

// phase is the decoder's position within the current netstring.
type phase uint8

const (
	// awaitingLength consumes length digits up to and including the ':'.
	awaitingLength phase = iota
	// awaitingPayload copies payload bytes until length bytes are held.
	awaitingPayload
	// awaitingTerminator expects the trailing ','.
	awaitingTerminator
	// failed is terminal; err holds the reason.
	failed
	// skippingPrefix passes over the opaque bytes ahead of the length.
	skippingPrefix
)

func (p phase) String() string {
	switch p {
	case awaitingLength:
		return "awaiting length"
	case awaitingPayload:
		return "awaiting payload"
	case awaitingTerminator:
		return "awaiting terminator"
	case failed:
		return "failed"
	case skippingPrefix:
		return "skipping prefix"
	default:
		return "unknown"
	}
}

// maxPrealloc caps the payload buffer reserved when a length header is
// parsed, so a large declared length only costs memory as its bytes arrive.
const maxPrealloc = 64 * 1024

// frameConfig is the part of the codec options that shapes decoding.
type frameConfig struct {
	maxFrameLength    int // 0 means unlimited
	lengthFieldOffset int
	keepHeader        bool
}

// initial returns the state at the start of a frame.
func (c frameConfig) initial() parseState {
	if c.lengthFieldOffset > 0 {
		return parseState{phase: skippingPrefix}
	}
	return parseState{}
}

// parseState is the decoder state between two calls to advance.
type parseState struct {
	phase   phase
	skipped int    // prefix bytes consumed
	digits  int    // length digits consumed
	length  int    // accumulated, then final, payload length
	read    int    // payload bytes consumed
	frame   []byte // bytes handed out when the frame completes
	err     error
}

func (st parseState) fail(err error) parseState {
	return parseState{phase: failed, err: err}
}

// advance folds bytes of buf into st until one frame completes, buf is
// exhausted or the input turns out to be malformed. offset is the stream
// offset of buf[0]. It returns the next state, the number of bytes of buf it
// consumed and the completed frame, if any.
//
// With cfg.keepHeader the frame holds every wire byte of the netstring,
// prefix and terminator included; otherwise only the payload.
//
// advance never retains buf.
func advance(st parseState, buf []byte, offset int64, cfg frameConfig) (parseState, int, []byte, error) {
	n := 0
	for n < len(buf) {
		switch st.phase {
		case skippingPrefix:
			chunk := buf[n:]
			if want := cfg.lengthFieldOffset - st.skipped; len(chunk) > want {
				chunk = chunk[:want]
			}
			if cfg.keepHeader {
				st.frame = append(st.frame, chunk...)
			}
			st.skipped += len(chunk)
			n += len(chunk)
			if st.skipped == cfg.lengthFieldOffset {
				st.phase = awaitingLength
			}

		case awaitingLength:
			b := buf[n]
			if b == ':' {
				if st.digits == 0 {
					err := formatErr(offset+int64(n), ErrMalformedLength, "length field is empty")
					return st.fail(err), n, nil, err
				}
				n++
				if cfg.keepHeader {
					st.frame = append(st.frame, ':')
					st.frame = slices.Grow(st.frame, min(st.length+1, maxPrealloc))
				} else {
					st.frame = make([]byte, 0, min(st.length, maxPrealloc))
				}
				st.phase = awaitingPayload
				if st.length == 0 {
					st.phase = awaitingTerminator
				}
				continue
			}

			if b < '0' || b > '9' {
				var err error
				if st.digits == 0 {
					err = formatErr(offset+int64(n), ErrMalformedLength, "expected digit, got %q", b)
				} else {
					err = formatErr(offset+int64(n), ErrMalformedLength, "expected digit or ':', got %q", b)
				}
				return st.fail(err), n, nil, err
			}

			// "0" is only valid on its own.
			if st.digits == 1 && st.length == 0 {
				err := formatErr(offset+int64(n), ErrMalformedLength, "length field has leading zero")
				return st.fail(err), n, nil, err
			}

			digit := int(b - '0')
			if st.length > (math.MaxInt-digit)/10 {
				err := formatErr(offset+int64(n), ErrFrameTooLarge, "length overflows int")
				return st.fail(err), n, nil, err
			}
			st.length = st.length*10 + digit
			st.digits++
			n++

			if cfg.maxFrameLength > 0 && st.length > cfg.maxFrameLength {
				err := formatErr(offset+int64(n-1), ErrFrameTooLarge, "length exceeds maximum of %d bytes", cfg.maxFrameLength)
				return st.fail(err), n, nil, err
			}
			if cfg.keepHeader {
				st.frame = append(st.frame, b)
			}

		case awaitingPayload:
			chunk := buf[n:]
			if want := st.length - st.read; len(chunk) > want {
				chunk = chunk[:want]
			}
			st.frame = append(st.frame, chunk...)
			st.read += len(chunk)
			n += len(chunk)
			if st.read == st.length {
				st.phase = awaitingTerminator
			}

		case awaitingTerminator:
			if b := buf[n]; b != ',' {
				err := formatErr(offset+int64(n), ErrMalformedTerminator,
					"expected ',' after %d-byte payload, got %q", st.length, b)
				return st.fail(err), n, nil, err
			}
			if cfg.keepHeader {
				st.frame = append(st.frame, ',')
			}
			return cfg.initial(), n + 1, st.frame, nil

		case failed:
			return st, n, nil, st.err
		}
	}

	return st, n, nil, nil
}

// Decoder incrementally reassembles netstrings from byte chunks of any size.
//
// A Decoder is not safe for concurrent use. It never blocks: each call
// returns as soon as the bytes handed to it have been consumed.
//
// Malformed input is fatal. Netstrings carry no marker to resynchronise on,
// so after an error the Decoder refuses further input until Reset.
type Decoder struct {
	state  parseState
	offset int64
	cfg    frameConfig
}

// NewDecoder returns a Decoder ready to read the first frame of a stream.
// ReadBufferSize does not apply to a Decoder.
func NewDecoder(opts ...CodecOption) *Decoder {
	return newDecoder(newCodecOptions(opts))
}

func newDecoder(o codecOptions) *Decoder {
	cfg := o.frameConfig()
	return &Decoder{state: cfg.initial(), cfg: cfg}
}

// Feed consumes p and returns the frames it completed, in stream order.
//
// When p contains malformed input, Feed returns the frames completed ahead
// of the offending byte together with the error. Every subsequent call with
// a non-empty p returns the same error. An empty p is always a no-op.
func (d *Decoder) Feed(p []byte) ([][]byte, error) {
	var frames [][]byte
	err := d.FeedFunc(p, func(frame []byte) error {
		frames = append(frames, frame)
		return nil
	})
	return frames, err
}

// FeedFunc consumes p and calls fn with each frame as soon as it completes.
// Frames are owned by fn; they never alias p.
//
// If fn returns an error FeedFunc stops, drops the rest of p and returns the
// error unchanged. The Decoder is then failed with that error; Err reports
// it and the next non-empty p is refused with it.
func (d *Decoder) FeedFunc(p []byte, fn func(frame []byte) error) error {
	if len(p) == 0 {
		return nil
	}
	if d.state.phase == failed {
		return d.state.err
	}

	for len(p) > 0 {
		st, n, frame, err := advance(d.state, p, d.offset, d.cfg)
		d.state = st
		d.offset += int64(n)
		if err != nil {
			return err
		}
		p = p[n:]

		if frame != nil {
			if err := fn(frame); err != nil {
				d.state = d.state.fail(err)
				return err
			}
		}
	}

	return nil
}

// Pending reports whether the Decoder holds part of a frame.
func (d *Decoder) Pending() bool {
	switch d.state.phase {
	case skippingPrefix, awaitingLength:
		return d.state.skipped > 0 || d.state.digits > 0
	case awaitingPayload, awaitingTerminator:
		return true
	default:
		return false
	}
}

// Buffered returns the number of payload bytes held for the current frame.
func (d *Decoder) Buffered() int {
	return d.state.read
}

// Offset returns the number of stream bytes consumed so far.
func (d *Decoder) Offset() int64 {
	return d.offset
}

// Err returns the error that failed the Decoder, or nil.
func (d *Decoder) Err() error {
	return d.state.err
}

// Reset discards any partial frame and clears a previous failure. The
// stream offset keeps counting.
func (d *Decoder) Reset() {
	d.state = d.cfg.initial()
}
