package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/tabmirror/mirror/config"
	"github.com/tabmirror/mirror/src/discovery"
	"github.com/tabmirror/mirror/src/display"
	"github.com/tabmirror/mirror/src/receiver"
	"github.com/tabmirror/mirror/src/session"
)

const prompt = "tabmirror> "

type viewFlags struct {
	commonFlags
	discover        bool
	list            bool
	discoverTimeout time.Duration
	out             string
	connectTimeout  time.Duration
	readTimeout     time.Duration
}

func (f *viewFlags) flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("tabmirror view", pflag.ContinueOnError)
	f.register(fs)
	fs.BoolVar(&f.discover, "discover", false, "find a server on the LAN")
	fs.BoolVar(&f.list, "list", false, "list servers on the LAN and exit")
	fs.DurationVar(&f.discoverTimeout, "discover-timeout", 5*time.Second, "how long to browse the LAN")
	fs.StringVarP(&f.out, "out", "o", "tabmirror-frame.jpg", "file the latest frame is written to")
	fs.DurationVar(&f.connectTimeout, "connect-timeout", 5*time.Second, "connect timeout")
	fs.DurationVar(&f.readTimeout, "read-timeout", 5*time.Second, "disconnect when no frame arrives for this long (0 waits forever)")
	return fs
}

// apply copies explicitly set flags over cfg.
func (f *viewFlags) apply(fs *pflag.FlagSet, cfg *config.MirrorConfig) {
	if fs.Changed("connect-timeout") {
		cfg.ConnectTimeout = f.connectTimeout
	}
	if fs.Changed("read-timeout") {
		cfg.FrameReadTimeout = f.readTimeout
	}
}

func runView(args []string) error {
	var f viewFlags
	fs := f.flagSet()
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := f.loadConfig(fs)
	if err != nil {
		return err
	}
	f.apply(fs, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(f.logLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.list {
		browseCtx, cancel := context.WithTimeout(ctx, f.discoverTimeout)
		defer cancel()
		entries, err := discovery.Browse(browseCtx)
		if err != nil {
			return err
		}
		printEntries(os.Stdout, entries)
		return nil
	}

	var addr string
	switch {
	case fs.NArg() > 0:
		addr = session.TargetAddr(fs.Arg(0), cfg.Port)
	case f.discover:
		browseCtx, cancel := context.WithTimeout(ctx, f.discoverTimeout)
		entry, err := discovery.FindFirst(browseCtx)
		cancel()
		if err != nil {
			return err
		}
		logger.Info().Str("instance", entry.Instance).Str("addr", entry.Addr()).Msg("found server")
		addr = entry.Addr()
	default:
		return errors.New("missing server address (or use --discover or --list)")
	}

	frames := display.NewFileDisplay(f.out, logger)
	client, err := session.Dial(ctx, addr, session.ClientOptions{
		Config:  cfg,
		Display: frames,
		OnDisconnect: func(err error) {
			if err != nil {
				fmt.Fprintf(os.Stderr, "\ndisconnected: %v\n", err)
			}
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer client.Shutdown()

	fmt.Printf("Connected to %s. Frames are written to %s.\n", addr, frames.Path())
	fmt.Println(`Commands: click X Y, status, quit`)

	editor := NewLineEditor()
	defer editor.Close()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := editor.GetLine(prompt)
			if err != nil {
				readErr <- err
				return
			}
			lines <- line
		}
	}()

	for {
		select {
		case line := <-lines:
			if quit := execCommand(line, client, os.Stdout); quit {
				return nil
			}
		case err := <-readErr:
			if !errors.Is(err, io.EOF) {
				return err
			}
			if editor.IsInteractive() {
				return nil
			}
			// Piped input ran out: keep viewing until interrupted.
			select {
			case <-ctx.Done():
			case <-client.Done():
			}
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func printEntries(out io.Writer, entries []discovery.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "no servers found")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%-24s %s\n", e.Instance, e.Addr())
	}
}

// viewer is the part of a client session the REPL drives.
type viewer interface {
	SendClick(x, y float64) error
	State() receiver.State
	FramesReceived() uint64
}

// execCommand runs one REPL line and reports whether to quit.
func execCommand(line string, v viewer, out io.Writer) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "quit", "exit":
		return true
	case "status":
		fmt.Fprintf(out, "%s, %d frames received\n", v.State(), v.FramesReceived())
	case "click":
		if len(fields) != 3 {
			fmt.Fprintln(out, "usage: click X Y (relative, 0 to 1)")
			return false
		}
		x, errX := strconv.ParseFloat(fields[1], 64)
		y, errY := strconv.ParseFloat(fields[2], 64)
		if errX != nil || errY != nil {
			fmt.Fprintln(out, "click: coordinates must be numbers")
			return false
		}
		if err := v.SendClick(x, y); err != nil {
			fmt.Fprintf(out, "click: %v\n", err)
		}
	case "help":
		fmt.Fprintln(out, "Commands: click X Y, status, quit")
	default:
		fmt.Fprintf(out, "unknown command %q\n", fields[0])
	}
	return false
}
