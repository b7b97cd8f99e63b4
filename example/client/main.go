// Command client sends a JSON document to a netstring server, one frame
// per copy, and optionally waits for the server to echo each frame back.
package main

import (
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/Zereker/netstring"
	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/pkg/errors"
)

type cli struct {
	Addr    string        `default:"127.0.0.1:17653" help:"Server address."`
	Count   int           `default:"1" help:"Number of frames to send."`
	Wait    bool          `help:"Wait for each frame to be echoed back."`
	Timeout time.Duration `default:"10s" help:"Dial and echo timeout."`
	Verbose bool          `short:"v" help:"Enable debug logging."`
}

type person struct {
	Name   string   `json:"name"`
	Age    int      `json:"age"`
	Phones []string `json:"phones"`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("netstring-client"),
		kong.Description("Send a JSON document framed as a netstring."))

	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))

	kctx.FatalIfErrorf(run(c, logger))
}

func run(c cli, logger *slog.Logger) error {
	payload, err := json.Marshal(person{
		Name:   "John Doe",
		Age:    43,
		Phones: []string{"+44 1234567", "+44 2345678"},
	})
	if err != nil {
		return err
	}

	conn, err := net.DialTimeout("tcp", c.Addr, c.Timeout)
	if err != nil {
		return errors.Wrapf(err, "dial %s", c.Addr)
	}
	defer conn.Close()

	w := netstring.NewWriter(conn)
	r := netstring.NewReader(conn)

	for i := 0; i < c.Count; i++ {
		if err := w.WriteFrame(payload); err != nil {
			return err
		}
		logger.Debug("sent frame", "seq", i, "bytes", len(payload))

		if !c.Wait {
			continue
		}

		_ = conn.SetReadDeadline(time.Now().Add(c.Timeout))
		echo, err := r.ReadFrame()
		if err != nil {
			return errors.Wrap(err, "read echo")
		}
		logger.Info("echo received", "seq", i, "payload", string(echo))
	}

	logger.Info("done", "frames", c.Count, "addr", conn.RemoteAddr())
	return nil
}
