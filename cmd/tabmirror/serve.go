package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/tabmirror/mirror/config"
	"github.com/tabmirror/mirror/src/capture"
	"github.com/tabmirror/mirror/src/pointer"
	"github.com/tabmirror/mirror/src/session"
	"github.com/tabmirror/mirror/src/types"
)

type serveFlags struct {
	commonFlags
	host         string
	fps          int
	webAddr      string
	advertise    bool
	name         string
	bridge       string
	redisAddr    string
	captureSpec  string
	display      int
	clickMode    string
	clickCommand string
}

func (f *serveFlags) flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("tabmirror serve", pflag.ContinueOnError)
	f.register(fs)
	fs.StringVar(&f.host, "host", "0.0.0.0", "bind address")
	fs.IntVar(&f.fps, "fps", 30, "frames per second")
	fs.StringVar(&f.webAddr, "web-addr", "", "HTTP status and WebSocket address (empty disables)")
	fs.BoolVar(&f.advertise, "advertise", false, "advertise the server on the LAN")
	fs.StringVar(&f.name, "name", "tabmirror", "instance name for LAN advertisement")
	fs.StringVar(&f.bridge, "bridge", config.BridgeOff, "redis bridge mode (off, source, relay)")
	fs.StringVar(&f.redisAddr, "redis-addr", "localhost:6379", "redis address for the bridge")
	fs.StringVar(&f.captureSpec, "capture", "screen", "frame source: screen, file:PATH or none")
	fs.IntVar(&f.display, "display", 0, "display index to capture")
	fs.StringVar(&f.clickMode, "click", "command", "click handling: command, log or none")
	fs.StringVar(&f.clickCommand, "click-command", pointer.DefaultCommand, "command template for --click=command")
	return fs
}

// apply copies explicitly set flags over cfg.
func (f *serveFlags) apply(fs *pflag.FlagSet, cfg *config.MirrorConfig) {
	if fs.Changed("host") {
		cfg.Host = f.host
	}
	if fs.Changed("fps") {
		cfg.FrameRate = f.fps
	}
	if fs.Changed("web-addr") {
		cfg.Web.Addr = f.webAddr
	}
	if fs.Changed("advertise") {
		cfg.Advertise = f.advertise
	}
	if fs.Changed("name") {
		cfg.InstanceName = f.name
	}
	if fs.Changed("bridge") {
		cfg.Bridge.Mode = f.bridge
	}
	if fs.Changed("redis-addr") {
		cfg.Bridge.Addr = f.redisAddr
	}
	if fs.Changed("display") {
		cfg.Capture.Display = f.display
	}
}

func runServe(args []string) error {
	var f serveFlags
	fs := f.flagSet()
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
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

	var capturer types.Capturer
	if cfg.Bridge.Mode != config.BridgeRelay {
		if capturer, err = newCapturer(f.captureSpec, cfg.Capture); err != nil {
			return err
		}
	}
	simulator := newSimulator(f.clickMode, f.clickCommand, cfg.Capture.Display, logger)

	server := session.NewServer(session.ServerOptions{
		Config:    cfg,
		Capturer:  capturer,
		Simulator: simulator,
		Logger:    logger,
	})

	svc := server.Service()
	svc.OnConnection(func(id string) {
		logger.Info().Str("client_id", id).Int("viewers", svc.Status().Clients).Msg("viewer joined")
	})
	svc.OnDisconnection(func(id string) {
		logger.Info().Str("client_id", id).Int("viewers", svc.Status().Clients).Msg("viewer left")
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	st := server.Status()
	logger.Info().
		Int("clients", st.Clients).
		Uint64("frames_captured", st.Broadcast.FramesCaptured).
		Uint64("deliveries", st.Broadcast.Deliveries).
		Uint64("drops", st.Broadcast.Drops).
		Msg("shutting down")
	return server.Shutdown()
}

// newCapturer parses a --capture value.
func newCapturer(spec string, cfg config.CaptureConfig) (types.Capturer, error) {
	switch {
	case spec == "screen":
		return capture.NewScreenCapturer(cfg)
	case spec == "none":
		return nil, nil
	case strings.HasPrefix(spec, "file:"):
		path := strings.TrimPrefix(spec, "file:")
		if path == "" {
			return nil, fmt.Errorf("capture %q: missing path", spec)
		}
		return capture.NewFileCapturer(path)
	default:
		return nil, fmt.Errorf("unknown capture source %q", spec)
	}
}

// newSimulator builds the click collaborator. Without a usable screen the
// command simulator falls back to logging clicks.
func newSimulator(mode, command string, display int, logger zerolog.Logger) types.ClickSimulator {
	switch mode {
	case "none":
		return nil
	case "log":
		return pointer.NewLogSimulator(logger)
	}

	w, h, err := pointer.ScreenSize(display)
	if err == nil {
		var sim *pointer.CommandSimulator
		if sim, err = pointer.NewCommandSimulator(command, w, h, logger); err == nil {
			return sim
		}
	}
	logger.Warn().Err(err).Msg("click commands unavailable, logging clicks instead")
	return pointer.NewLogSimulator(logger)
}
