package session

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tabmirror/mirror/config"
	"github.com/tabmirror/mirror/src/bridge"
	"github.com/tabmirror/mirror/src/broadcast"
	"github.com/tabmirror/mirror/src/discovery"
	"github.com/tabmirror/mirror/src/hub"
	"github.com/tabmirror/mirror/src/service"
	"github.com/tabmirror/mirror/src/types"
	"github.com/tabmirror/mirror/src/web"
)

const maxAcceptBackoff = time.Second

// ServerOptions wires the collaborators of a mirroring server.
type ServerOptions struct {
	Config    *config.MirrorConfig
	Capturer  types.Capturer       // may be nil on relay instances
	Simulator types.ClickSimulator // nil decodes clicks without acting
	Logger    zerolog.Logger
}

// Server is the sharing side of a session: it accepts viewers, streams
// captured frames to them and hands their clicks to the simulator.
type Server struct {
	cfg       *config.MirrorConfig
	simulator types.ClickSimulator
	logger    zerolog.Logger

	hub         *hub.Hub
	broadcaster *broadcast.Broadcaster
	service     *service.Service
	web         *web.Server

	mu         sync.Mutex
	listener   net.Listener
	bridge     bridge.Bridge
	advertiser *discovery.Advertiser
	started    bool
	closed     bool

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewServer builds a server. Nothing listens until Start.
func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger.With().Str("component", "server").Logger()

	h := hub.New(hub.Config{
		WriteTimeout:  cfg.WriteTimeout,
		ReadTimeout:   cfg.ReadTimeout,
		QueueSize:     cfg.SendQueue,
		MaxLineLength: cfg.MaxLineLength,
	}, opts.Logger)

	b := broadcast.New(h, opts.Capturer, broadcast.Config{
		Interval:      cfg.FrameInterval(),
		IdlePoll:      cfg.IdlePoll,
		ErrorBackoff:  cfg.ErrorBackoff,
		MaxFrameBytes: cfg.MaxFrameBytes,
	}, opts.Logger)

	svc := service.New(h, b, opts.Logger)

	s := &Server{
		cfg:         cfg,
		simulator:   opts.Simulator,
		logger:      logger,
		hub:         h,
		broadcaster: b,
		service:     svc,
	}
	if cfg.Web.Addr != "" {
		s.web = web.New(h, svc, cfg.Web, opts.Logger)
	}
	h.SetClickHandler(s.handleClick)
	return s
}

// Hub returns the connection registry.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Service returns the status API.
func (s *Server) Service() *service.Service { return s.service }

// Status returns a snapshot of the server's state.
func (s *Server) Status() types.ServerStatus { return s.service.Status() }

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener and launches the accept loop, the broadcaster
// and the optional bridge, web server and LAN advertisement. A bind
// failure is returned as a *ConnectionError and leaves nothing running.
// Bridge and advertisement failures are logged and the server runs
// standalone.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		return NewConnectionError("listen on "+s.cfg.Addr(), err)
	}
	if s.web != nil {
		if err := s.web.Listen(s.cfg.Web.Addr); err != nil {
			ln.Close()
			return NewConnectionError("listen on "+s.cfg.Web.Addr, err)
		}
	}

	s.listener = ln
	s.started = true
	s.service.SetAddr(ln.Addr().String())

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.initBridge()
	if s.cfg.Advertise {
		s.initAdvertise(ln.Addr())
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(runCtx, ln)
	}()

	if s.cfg.Bridge.Mode != config.BridgeRelay {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.broadcaster.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn().Err(err).Msg("broadcaster stopped")
			}
		}()
	}

	ip, _ := discovery.LocalIP()
	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("local_ip", ip).
		Str("bridge", s.cfg.Bridge.Mode).
		Msg("server listening")
	return nil
}

// initBridge tries to start the Redis bridge for the configured mode.
// If Redis is not reachable, the server runs standalone.
func (s *Server) initBridge() {
	mode := s.cfg.Bridge.Mode
	if mode == "" || mode == config.BridgeOff {
		return
	}

	var rb *bridge.RedisBridge
	switch mode {
	case config.BridgeSource:
		rb = bridge.NewRedisBridge(s.cfg.Bridge, nil, s.hub, s.logger)
	case config.BridgeRelay:
		rb = bridge.NewRedisBridge(s.cfg.Bridge, s.broadcaster, nil, s.logger)
	default:
		s.logger.Warn().Str("mode", mode).Msg("unknown bridge mode, running standalone")
		return
	}

	if err := rb.Start(); err != nil {
		rb.Stop()
		s.logger.Warn().Err(err).Msg("redis bridge unavailable, running standalone")
		return
	}

	s.bridge = rb
	s.service.SetBridge(rb, mode)
	if mode == config.BridgeSource {
		s.broadcaster.SetSink(rb)
	} else {
		s.hub.SetRelay(rb)
	}
	s.logger.Info().Str("redis_addr", s.cfg.Bridge.Addr).Str("mode", mode).Msg("redis bridge connected")
}

func (s *Server) initAdvertise(addr net.Addr) {
	port := s.cfg.Port
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	a, err := discovery.Advertise(s.cfg.InstanceName, port, []string{"port=" + strconv.Itoa(port)})
	if err != nil {
		s.logger.Warn().Err(err).Msg("lan advertisement unavailable")
		return
	}
	s.advertiser = a
	s.logger.Info().Str("instance", s.cfg.InstanceName).Int("port", port).Msg("advertising on lan")
}

// serve accepts viewers until the listener is closed. Other accept
// errors are logged and retried with a short backoff.
func (s *Server) serve(ctx context.Context, ln net.Listener) {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			s.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("accept failed")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = 0
		s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	client := hub.NewClient(conn, s.hub, "tcp")
	if !s.hub.Add(client) {
		return
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.WritePump()
	}()
	go func() {
		defer s.wg.Done()
		client.ReadPump()
	}()
}

func (s *Server) handleClick(clientID string, ev types.ClickEvent) {
	if s.simulator == nil {
		s.logger.Debug().Str("client_id", clientID).Msg("click ignored, no simulator")
		return
	}
	if err := s.simulator.SimulateClick(ev.X, ev.Y); err != nil {
		s.logger.Warn().Err(err).Str("client_id", clientID).Msg("click simulation failed")
	}
}

// Shutdown stops accepting, closes every viewer and stops the
// broadcaster and optional components. It waits for the server's
// goroutines to exit. Calling it again returns nil.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		ln, cancel := s.listener, s.cancel
		br, adv := s.bridge, s.advertiser
		s.bridge, s.advertiser = nil, nil
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if ln != nil {
			ln.Close()
		}
		s.hub.CloseAll()
		if s.web != nil {
			if err := s.web.Shutdown(); err != nil {
				s.logger.Warn().Err(err).Msg("web server shutdown error")
			}
		}
		adv.Shutdown()
		if br != nil {
			if err := br.Stop(); err != nil {
				s.logger.Error().Err(err).Msg("bridge stop error")
			}
		}

		s.wg.Wait()
		s.logger.Info().Msg("server stopped")
	})
	return nil
}
