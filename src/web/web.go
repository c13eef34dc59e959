package web

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/tabmirror/mirror/config"
	"github.com/tabmirror/mirror/src/hub"
	"github.com/tabmirror/mirror/src/service"
)

// WebSocketPath is where browser viewers connect.
const WebSocketPath = "/ws"

const shutdownTimeout = 5 * time.Second

// Server exposes the status API over HTTP and accepts WebSocket viewers
// into the same hub as TCP viewers.
type Server struct {
	app      *fiber.App
	hub      *hub.Hub
	svc      *service.Service
	upgrader websocket.FastHTTPUpgrader
	logger   zerolog.Logger

	mu      sync.Mutex
	srv     *fasthttp.Server
	ln      net.Listener
	stopped bool
	viewers sync.WaitGroup
}

// New builds the HTTP routes. Nothing listens until Listen is called.
func New(h *hub.Hub, svc *service.Service, cfg config.WebConfig, logger zerolog.Logger) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{AppName: "tabmirror"}),
		hub: h,
		svc: svc,
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(*fasthttp.RequestCtx) bool { return true },
		},
		logger: logger,
	}
	s.RegisterRoutes(s.app)
	return s
}

// RegisterRoutes registers the status routes on a Fiber router.
func (s *Server) RegisterRoutes(group fiber.Router) {
	group.Get("/status", s.handleStatus)
	group.Get("/clients", s.handleClients)
	group.Delete("/clients/:id", s.handleDisconnect)
	group.Get("/ws/info", s.handleInfo)
}

func (s *Server) handleStatus(c fiber.Ctx) error {
	return c.JSON(s.svc.Status())
}

func (s *Server) handleClients(c fiber.Ctx) error {
	clients := s.svc.Clients()
	return c.JSON(fiber.Map{
		"clients": clients,
		"count":   len(clients),
	})
}

func (s *Server) handleDisconnect(c fiber.Ctx) error {
	id := c.Params("id")
	if err := s.svc.Disconnect(id); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "not_found",
			"message": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"disconnected": id})
}

func (s *Server) handleInfo(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"websocket": true,
		"endpoint":  WebSocketPath,
		"clients":   s.hub.ClientCount(),
	})
}

// Handler routes WebSocket upgrades to the hub and everything else to
// the Fiber app. Fiber v3 does not expose *fasthttp.RequestCtx, so the
// upgrade is dispatched ahead of it.
func (s *Server) Handler() fasthttp.RequestHandler {
	appHandler := s.app.Handler()
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == WebSocketPath {
			s.handleWebSocket(ctx)
			return
		}
		appHandler(ctx)
	}
}

func (s *Server) handleWebSocket(ctx *fasthttp.RequestCtx) {
	upgrade := string(ctx.Request.Header.Peek("Upgrade"))
	if !strings.EqualFold(upgrade, "websocket") {
		ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
		return
	}

	err := s.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		if !s.track() {
			conn.Close()
			return
		}
		defer s.viewers.Done()

		client := hub.NewClient(&wsConn{conn: conn}, s.hub, "websocket")
		if !s.hub.Add(client) {
			return
		}
		s.viewers.Add(1)
		go func() {
			defer s.viewers.Done()
			client.WritePump()
		}()
		client.ReadPump()
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
	}
}

// track registers a viewer goroutine unless Shutdown has begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.viewers.Add(1)
	return true
}

// Listen binds addr and serves in the background. A bind failure is
// returned; serve errors after that are logged.
func (s *Server) Listen(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("web server shut down")
	}
	if s.srv != nil {
		return errors.New("web server already listening")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &fasthttp.Server{
		Handler:               s.Handler(),
		Name:                  "tabmirror",
		NoDefaultServerHeader: true,
	}

	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil {
			s.logger.Error().Err(err).Msg("web server stopped")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("web server listening")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting and waits, up to a timeout, for open requests
// and WebSocket viewer goroutines. Viewers end when their hub client is
// closed.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.stopped = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error
	if srv != nil {
		err = srv.ShutdownWithContext(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.viewers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
