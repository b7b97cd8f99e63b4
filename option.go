package netstring

import (
	"log/slog"
	"time"
)

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// CodecOption configures a Decoder, Reader or Writer.
type CodecOption func(*codecOptions)

type codecOptions struct {
	maxFrameLength    int // 0 means unlimited
	readBufferSize    int
	lengthFieldOffset int
	keepHeader        bool
}

func (o codecOptions) frameConfig() frameConfig {
	return frameConfig{
		maxFrameLength:    o.maxFrameLength,
		lengthFieldOffset: o.lengthFieldOffset,
		keepHeader:        o.keepHeader,
	}
}

// defaultReadBufferSize is the chunk size a Reader requests from its source.
const defaultReadBufferSize = 4096

func newCodecOptions(opts []CodecOption) codecOptions {
	var o codecOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxFrameLength < 0 {
		o.maxFrameLength = 0
	}
	if o.readBufferSize <= 0 {
		o.readBufferSize = defaultReadBufferSize
	}
	if o.lengthFieldOffset < 0 {
		o.lengthFieldOffset = 0
	}
	return o
}

// MaxFrameLength caps the payload length of a frame. A decoder rejects a
// length header above n with ErrFrameTooLarge as soon as the header digits
// exceed it, before any payload is buffered; a Writer refuses to send such
// a frame. Zero, the default, means no limit.
func MaxFrameLength(n int) CodecOption {
	return func(o *codecOptions) {
		o.maxFrameLength = n
	}
}

// ReadBufferSize sets how many bytes a Reader requests per Read.
func ReadBufferSize(n int) CodecOption {
	return func(o *codecOptions) {
		o.readBufferSize = n
	}
}

// LengthFieldOffset makes a decoder skip n opaque bytes at the start of
// every frame before it reads the length digits, for protocols that put a
// fixed-size tag such as a version byte ahead of the netstring. The skipped
// bytes are not validated and are dropped from the frame unless KeepHeader
// is set. It has no effect on a Writer.
func LengthFieldOffset(n int) CodecOption {
	return func(o *codecOptions) {
		o.lengthFieldOffset = n
	}
}

// KeepHeader makes a decoder return every wire byte of a frame: the
// skipped prefix, the length digits, the ':', the payload and the trailing
// ','. MaxFrameLength still limits the payload only. It has no effect on a
// Writer.
func KeepHeader() CodecOption {
	return func(o *codecOptions) {
		o.keepHeader = true
	}
}

// ErrorAction defines the action to take when a write error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue drops the failed frame and keeps the connection open.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	logger Logger

	onFrame func(frame []byte) error
	// onError decides what a write failure does to the connection.
	// Read failures and malformed input always end the connection.
	onError func(error) ErrorAction

	bufferSize     int           // size of the send queue
	maxFrameLength int           // maximum payload length in either direction
	readBufferSize int           // bytes requested per read from the socket
	idleTimeout    time.Duration // read/write deadlines are idleTimeout * 2
}

// Option is a function that configures connection options.
type Option func(*options)

// OnFrameOption sets the callback invoked for each received frame, in the
// order frames arrive. It is required. The callback owns the frame.
// Returning an error closes the connection.
func OnFrameOption(cb func(frame []byte) error) Option {
	return func(o *options) {
		o.onFrame = cb
	}
}

// OnErrorOption sets the write error callback.
// Return Disconnect to close the connection, or Continue to drop the frame.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// BufferSizeOption sets the number of encoded frames that may wait in the
// send queue.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// IdleTimeoutOption sets the idle timeout. Reads and writes fail when the
// peer stays silent or stalled for twice this long.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// MaxFrameLengthOption caps the payload length of frames sent and received.
func MaxFrameLengthOption(size int) Option {
	return func(o *options) {
		o.maxFrameLength = size
	}
}

// ReadBufferSizeOption sets how many bytes are requested per socket read.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// LoggerOption sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
