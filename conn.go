// Package netstring implements streaming netstring framing.
//
// A netstring is a byte string prefixed by its decimal length and followed
// by a comma:
//
//	5:hello,
//	0:,
//
// Decoder turns arbitrarily chunked input into frames and Encode turns a
// frame back into wire bytes. Reader and Writer bind them to an io.Reader
// and io.Writer, and Conn and Server run them over TCP connections with
// asynchronous read and write loops.
package netstring

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidOnFrame is returned when no frame handler is provided.
	ErrInvalidOnFrame = errors.New("invalid on frame callback")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBufferFull is returned when the send queue cannot accept another
	// frame. The peer is not draining frames as fast as they are produced;
	// drop the frame, or use WriteBlocking or WriteTimeout to wait for room.
	ErrBufferFull = errors.New("send buffer full")
)

// Default configuration values.
const (
	// defaultBufferSize is the default size of the send queue.
	defaultBufferSize = 1
	// defaultMaxFrameLength is the default maximum payload length (32MB).
	defaultMaxFrameLength = 32 * 1024 * 1024
	// defaultIdleTimeout is the default idle timeout.
	defaultIdleTimeout = 30 * time.Second
)

// Conn exchanges netstring frames over a network connection.
// Incoming bytes are decoded on a read loop and handed to the OnFrame
// callback; outgoing frames are encoded by the caller and written by a
// write loop.
type Conn struct {
	rawConn net.Conn
	reader  *Reader
	logger  Logger

	opts options

	sendMsg chan []byte
	closed  atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewConn wraps conn. It returns ErrInvalidOnFrame when OnFrameOption is
// missing.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	return newConnWithOptions(conn, opts), nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.onFrame == nil {
		return ErrInvalidOnFrame
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxFrameLength <= 0 {
		opts.maxFrameLength = defaultMaxFrameLength
	}

	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}

	if opts.idleTimeout <= 0 {
		opts.idleTimeout = defaultIdleTimeout
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

func newConnWithOptions(c net.Conn, opts options) *Conn {
	return &Conn{
		rawConn: c,
		reader: NewReader(c,
			MaxFrameLength(opts.maxFrameLength),
			ReadBufferSize(opts.readBufferSize),
		),
		logger:  opts.logger,
		opts:    opts,
		sendMsg: make(chan []byte, opts.bufferSize),
	}
}

// Run starts the read and write loops and blocks until one of them fails
// or ctx is canceled. The connection is closed when Run returns.
//
// A frame that was only partly received when Run returns is discarded.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"max_frame_length", c.opts.maxFrameLength,
		"read_buffer_size", c.opts.readBufferSize,
		"idle_timeout", c.opts.idleTimeout)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	group, child := errgroup.WithContext(ctx)

	// Unblock a pending read once either loop gives up.
	stop := context.AfterFunc(child, func() {
		_ = c.rawConn.SetReadDeadline(time.Now())
	})
	defer stop()

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	err := group.Wait()
	c.closeConn()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err)
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	return err
}

// Close closes the connection. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Write queues frame without blocking.
//
// Returns:
//   - nil: frame was queued (not yet sent)
//   - ErrBufferFull: send queue is full, frame was NOT queued
//   - ErrConnectionClosed: connection is closed
//   - ErrFrameTooLarge: frame exceeds the maximum frame length
func (c *Conn) Write(frame []byte) error {
	data, err := c.encode(frame)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues frame, waiting for room in the send queue until ctx
// is done.
//
// Returns:
//   - nil: frame was queued
//   - ctx.Err(): ctx ended first
//   - ErrConnectionClosed: connection is closed
//   - ErrFrameTooLarge: frame exceeds the maximum frame length
func (c *Conn) WriteBlocking(ctx context.Context, frame []byte) error {
	data, err := c.encode(frame)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout queues frame, waiting at most timeout for room in the send
// queue. It returns ErrBufferFull when the timeout expires.
func (c *Conn) WriteTimeout(frame []byte, timeout time.Duration) error {
	data, err := c.encode(frame)
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendMsg <- data:
		return nil
	case <-timer.C:
		return ErrBufferFull
	}
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// encode checks the connection state and frame size and returns the wire
// bytes of frame.
func (c *Conn) encode(frame []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	if len(frame) > c.opts.maxFrameLength {
		return nil, errors.Wrapf(ErrFrameTooLarge, "frame of %d bytes exceeds maximum of %d",
			len(frame), c.opts.maxFrameLength)
	}

	return Encode(frame), nil
}

// readLoop decodes frames and passes them to the frame handler until the
// peer goes away, sends malformed input, or ctx is canceled.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout * 2))

		// Checked after the deadline is armed so a concurrent cancel cannot be
		// overwritten by it.
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := c.reader.ReadFrame()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, io.EOF) {
				c.logger.Debug("peer closed connection", "addr", c.Addr())
				return err
			}

			var malformed *FormatError
			if errors.As(err, &malformed) {
				c.logger.Warn("malformed frame", "addr", c.Addr(),
					"offset", malformed.Offset, "error", err)
			} else {
				c.logger.Debug("read error", "addr", c.Addr(), "error", err)
			}
			return err
		}

		if err = c.opts.onFrame(frame); err != nil {
			return err
		}
	}
}

// writeLoop sends queued frames until ctx is canceled or a write fails
// and onError asks to disconnect.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendMsg:
			if err := c.write(data); err != nil {
				return err
			}
		}
	}
}

// write sends data to the connection with a deadline.
func (c *Conn) write(data []byte) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout * 2))

	if _, err := c.rawConn.Write(data); err != nil {
		err = &TransportError{Op: "write", Err: err}
		c.logger.Debug("write error", "addr", c.Addr(), "error", err)
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}

	return nil
}

// closeConn marks the connection as closed and closes the underlying connection.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	_ = c.rawConn.Close()
}
