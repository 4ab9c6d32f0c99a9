// termshare-attach connects the local terminal to a broker session.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ashureev/termshare/internal/domain"
	"github.com/ashureev/termshare/internal/terminal"
	"github.com/coder/websocket"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const (
	dialTimeout   = 10 * time.Second
	writeTimeout  = 5 * time.Second
	stdinBufSize  = 4096
	maxFrameBytes = 1 << 20
)

// errSessionClosed is returned when the connection ends without an Exit.
var errSessionClosed = errors.New("connection closed before the session exited")

type options struct {
	server   string
	name     string
	protocol string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("termshare-attach", pflag.ExitOnError)
	var opts options
	flags.StringVarP(&opts.server, "url", "u", "ws://localhost:3000", "broker base URL")
	flags.StringVar(&opts.protocol, "protocol", "cbor", "wire protocol: cbor or json")
	verbose := flags.BoolP("verbose", "v", false, "log connection details to stderr")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: termshare-attach [flags] NAME\n")
		flags.PrintDefaults()
	}
	_ = flags.Parse(args)
	if flags.NArg() != 1 {
		flags.Usage()
		return 2
	}
	opts.name = flags.Arg(0)

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	stdinFD := int(os.Stdin.Fd())
	restore := func() {}
	if term.IsTerminal(stdinFD) {
		oldState, err := term.MakeRaw(stdinFD)
		if err != nil {
			fmt.Fprintf(os.Stderr, "termshare-attach: raw mode: %v\n", err)
			return 1
		}
		restore = func() { _ = term.Restore(stdinFD, oldState) }
	}

	err := attach(ctx, opts, os.Stdin, os.Stdout, watchSize(ctx, int(os.Stdout.Fd())))
	restore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "termshare-attach: %v\n", err)
		return 1
	}
	return 0
}

// attach streams in to the session and its output to out until the
// session exits, the connection drops or ctx is cancelled. sizes delivers
// the local terminal size; its first value is used for the handshake.
func attach(ctx context.Context, opts options, in io.Reader, out io.Writer, sizes <-chan domain.Geometry) error {
	subprotocol := terminal.SubprotocolCBOR
	if opts.protocol == "json" {
		subprotocol = terminal.SubprotocolJSON
	}
	codec := terminal.CodecFor(subprotocol)

	var initial *domain.Geometry
	select {
	case g, ok := <-sizes:
		if ok {
			initial = &g
		}
	default:
	}

	target, err := attachURL(opts.server, opts.name, initial)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	ws, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{Subprotocols: []string{subprotocol}})
	cancel()
	if err != nil {
		if resp != nil {
			return fmt.Errorf("attach to %q: %s", opts.name, resp.Status)
		}
		return fmt.Errorf("attach to %q: %w", opts.name, err)
	}
	defer ws.CloseNow()
	ws.SetReadLimit(maxFrameBytes)
	slog.Debug("Attached", "session", opts.name, "subprotocol", ws.Subprotocol())

	send := func(f terminal.Frame) error {
		typ, data, err := codec.Encode(f)
		if err != nil {
			return err
		}
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return ws.Write(writeCtx, typ, data)
	}

	go func() {
		buf := make([]byte, stdinBufSize)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				if sendErr := send(terminal.Frame{Type: terminal.FrameInput, Data: data}); sendErr != nil {
					slog.Debug("Input write failed", "error", sendErr)
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		for g := range sizes {
			if err := send(terminal.Frame{Type: terminal.FrameResize, Geometry: g}); err != nil {
				slog.Debug("Resize write failed", "error", err)
				return
			}
		}
	}()

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				ws.Close(websocket.StatusNormalClosure, "detached")
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return errSessionClosed
			}
			return fmt.Errorf("read: %w", err)
		}

		var f terminal.Frame
		if codec.Name() == "json" && typ == websocket.MessageBinary {
			f = terminal.Frame{Type: terminal.FrameOutput, Data: data}
		} else if f, err = codec.Decode(typ, data); err != nil {
			slog.Debug("Dropping undecodable frame", "error", err)
			continue
		}

		switch f.Type {
		case terminal.FrameOutput:
			if _, err := out.Write(f.Data); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
		case terminal.FrameGeometryChanged:
			slog.Debug("Session geometry changed", "geometry", f.Geometry.String())
		case terminal.FrameExit:
			ws.Close(websocket.StatusNormalClosure, "")
			return nil
		}
	}
}

func attachURL(server, name string, size *domain.Geometry) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid broker URL %q: %w", server, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid broker URL %q: unsupported scheme %q", server, u.Scheme)
	}
	u = u.JoinPath("ws", name)
	if size != nil {
		q := u.Query()
		q.Set("cols", strconv.Itoa(int(size.Cols)))
		q.Set("rows", strconv.Itoa(int(size.Rows)))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
