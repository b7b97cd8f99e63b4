package netstring

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Handler serves the frames received on a server connection.
type Handler interface {
	// ServeFrame is called for each frame received on c, in the order the
	// frames arrived. Returning an error closes c.
	ServeFrame(c *Conn, frame []byte) error
}

// HandlerFunc adapts an ordinary function to a Handler.
type HandlerFunc func(c *Conn, frame []byte) error

// ServeFrame calls f(c, frame).
func (f HandlerFunc) ServeFrame(c *Conn, frame []byte) error {
	return f(c, frame)
}

// Server accepts TCP connections and runs a Conn for each of them.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration
	connOpts        []Option
	active          atomic.Int64

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server and, unless
// ServerConnOptions overrides it, for its connections.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context passed to Serve is canceled, the server keeps serving
// for up to this duration before it closes the listener and every open
// connection. Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerConnOptions sets the options applied to every accepted connection.
// OnFrameOption is ignored; frames go to the Handler passed to Serve.
func ServerConnOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// New creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}

	s := &Server{
		listener:    listener,
		logger:      slog.Default(),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Serve accepts connections and dispatches their frames to handler.
// It blocks until ctx is canceled, Close is called, or accepting fails, and
// returns only after every connection it started has finished.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	// Connections outlive ctx by the shutdown timeout.
	connCtx, closeConns := context.WithCancel(context.WithoutCancel(ctx))
	var conns errgroup.Group
	defer func() {
		closeConns()
		_ = conns.Wait()
	}()

	stopped := make(chan struct{})
	defer close(stopped)
	go s.awaitShutdown(ctx, stopped)

	for {
		tcpConn, err := s.listener.AcceptTCP()
		if err != nil {
			if s.isShutdown() {
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", tcpConn.RemoteAddr())
		_ = tcpConn.SetNoDelay(true)

		conn, err := s.newConn(tcpConn, handler)
		if err != nil {
			s.logger.Error("failed to set up connection", "remote_addr", tcpConn.RemoteAddr(), "error", err)
			_ = tcpConn.Close()
			continue
		}

		conns.Go(func() error {
			s.serveConn(connCtx, conn)
			return nil
		})
	}
}

// awaitShutdown stops the accept loop once ctx is canceled and the shutdown
// timeout has passed.
func (s *Server) awaitShutdown(ctx context.Context, stopped <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-stopped:
		return
	}

	if s.shutdownTimeout > 0 {
		s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
		timer := time.NewTimer(s.shutdownTimeout)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-s.shutdownNow:
			s.logger.Debug("shutdown timeout bypassed via Close()")
		case <-stopped:
			return
		}
	}

	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	// Set a deadline to unblock Accept
	_ = s.listener.SetDeadline(time.Now())
}

func (s *Server) newConn(tcpConn *net.TCPConn, handler Handler) (*Conn, error) {
	var conn *Conn

	opts := make([]Option, 0, len(s.connOpts)+2)
	opts = append(opts, LoggerOption(s.logger))
	opts = append(opts, s.connOpts...)
	opts = append(opts, OnFrameOption(func(frame []byte) error {
		return handler.ServeFrame(conn, frame)
	}))

	var err error
	conn, err = NewConn(tcpConn, opts...)
	return conn, err
}

func (s *Server) serveConn(ctx context.Context, conn *Conn) {
	s.active.Add(1)
	defer s.active.Add(-1)

	if err := conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("connection finished", "addr", conn.Addr(), "error", err)
	}
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// ActiveConns returns the number of connections currently being served.
func (s *Server) ActiveConns() int {
	return int(s.active.Load())
}

// Close stops the server by closing the listener, bypassing any pending
// shutdown timeout. Serve then closes the open connections and returns.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
