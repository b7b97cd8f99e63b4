package netstring

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors reported by the decoder and encoder.
var (
	// ErrMalformedLength is returned when the length header is not a
	// well-formed decimal number terminated by ':'.
	ErrMalformedLength = errors.New("netstring: malformed length")
	// ErrMalformedTerminator is returned when the byte after the payload is not ','.
	ErrMalformedTerminator = errors.New("netstring: malformed terminator")
	// ErrFrameTooLarge is returned when a frame length exceeds the configured
	// maximum or cannot be represented as an int.
	ErrFrameTooLarge = errors.New("netstring: frame too large")
)

// FormatError describes a malformed netstring and where it was found.
type FormatError struct {
	Offset int64  // stream offset of the offending byte
	Reason string // human-readable explanation
	Err    error  // ErrMalformedLength, ErrMalformedTerminator or ErrFrameTooLarge
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%v at offset %d: %s", e.Err, e.Offset, e.Reason)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// TransportError wraps a failure of the underlying byte source or sink.
// A stream that ends in the middle of a frame is reported as a TransportError
// wrapping io.ErrUnexpectedEOF.
type TransportError struct {
	Op  string // "read" or "write"
	Err error
}

func (e *TransportError) Error() string {
	return "netstring: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func formatErr(offset int64, sentinel error, format string, args ...any) error {
	return &FormatError{
		Offset: offset,
		Reason: fmt.Sprintf(format, args...),
		Err:    sentinel,
	}
}
