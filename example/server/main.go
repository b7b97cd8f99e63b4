// Command server accepts netstring connections and logs every frame it
// receives as JSON, optionally echoing frames back to the sender.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/netstring"
	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
)

type cli struct {
	Addr            string        `default:"127.0.0.1:17653" help:"Address to listen on."`
	Echo            bool          `help:"Write every received frame back to the sender."`
	MaxFrameLength  int           `default:"33554432" help:"Largest accepted frame payload in bytes."`
	IdleTimeout     time.Duration `default:"30s" help:"Close connections idle for twice this long."`
	ShutdownTimeout time.Duration `default:"0s" help:"Time to keep serving after SIGINT/SIGTERM."`
	Verbose         bool          `short:"v" help:"Enable debug logging."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("netstring-server"),
		kong.Description("Receive JSON documents framed as netstrings."))

	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)

	kctx.FatalIfErrorf(run(c, logger))
}

func run(c cli, logger *slog.Logger) error {
	addr, err := net.ResolveTCPAddr("tcp", c.Addr)
	if err != nil {
		return err
	}

	server, err := netstring.New(addr,
		netstring.ServerLoggerOption(logger),
		netstring.ServerShutdownTimeoutOption(c.ShutdownTimeout),
		netstring.ServerConnOptions(
			netstring.MaxFrameLengthOption(c.MaxFrameLength),
			netstring.IdleTimeoutOption(c.IdleTimeout),
			netstring.OnErrorOption(func(err error) netstring.ErrorAction {
				logger.Error("connection error", "error", err)
				return netstring.Disconnect
			}),
		),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := netstring.HandlerFunc(func(conn *netstring.Conn, frame []byte) error {
		var doc any
		if err := json.Unmarshal(frame, &doc); err != nil {
			logger.Warn("frame is not JSON", "addr", conn.Addr(), "bytes", len(frame), "error", err)
		} else {
			logger.Info("received", "addr", conn.Addr(), "document", doc)
		}

		if c.Echo {
			return conn.WriteTimeout(frame, c.IdleTimeout)
		}
		return nil
	})

	if err := server.Serve(ctx, handler); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
