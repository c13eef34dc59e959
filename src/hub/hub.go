package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tabmirror/mirror/src/types"
)

// ClickRelay forwards clicks to another server instance.
// Defined here to avoid circular imports with the bridge package.
type ClickRelay interface {
	PublishClick(ev types.ClickEvent) error
	Available() bool
}

// Config bounds per-connection behavior.
type Config struct {
	WriteTimeout  time.Duration // per packet; 0 disables the deadline
	ReadTimeout   time.Duration // per click line; 0 lets viewers idle
	QueueSize     int           // packets buffered per client before dropping
	MaxLineLength int
}

// DefaultConfig returns the per-connection defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:  2 * time.Second,
		QueueSize:     2,
		MaxLineLength: 1024,
	}
}

// Hub is the registry of connected viewers. Add, Remove and Snapshot are
// atomic with respect to each other and safe to call from any goroutine.
type Hub struct {
	clients map[string]*Client

	clickHandler types.ClickHandler
	onConnect    []func(string)
	onDisconn    []func(string)

	relay  ClickRelay
	cfg    Config
	mu     sync.RWMutex
	logger zerolog.Logger
	closed bool

	pruned atomic.Uint64
}

// New creates an empty Hub.
func New(cfg Config, logger zerolog.Logger) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	return &Hub{
		clients: make(map[string]*Client),
		cfg:     cfg,
		logger:  logger.With().Str("component", "hub").Logger(),
	}
}

// SetRelay attaches a bridge that receives clicks instead of the local
// click handler. Used when this instance only relays another one's screen.
func (h *Hub) SetRelay(r ClickRelay) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relay = r
}

// SetClickHandler sets the callback for decoded clicks. A nil handler
// drops clicks after decoding.
func (h *Hub) SetClickHandler(handler types.ClickHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clickHandler = handler
}

// Add registers c. It returns false, and closes c, if the hub has been
// shut down.
func (h *Hub) Add(c *Client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.Close()
		return false
	}
	h.clients[c.ID] = c
	callbacks := h.onConnect
	h.mu.Unlock()

	h.logger.Info().
		Str("client_id", c.ID).
		Str("remote_addr", c.remoteAddr).
		Str("transport", c.transport).
		Msg("client registered")

	for _, cb := range callbacks {
		cb(c.ID)
	}
	return true
}

// Remove unregisters and closes c. It reports whether c was registered;
// closing an already removed client is a no-op.
func (h *Hub) Remove(c *Client) bool {
	return h.drop(c, nil)
}

func (h *Hub) drop(c *Client, reason error) bool {
	h.mu.Lock()
	if cur, ok := h.clients[c.ID]; !ok || cur != c {
		h.mu.Unlock()
		c.Close()
		return false
	}
	delete(h.clients, c.ID)
	callbacks := h.onDisconn
	h.mu.Unlock()

	c.Close()

	event := h.logger.Info()
	if reason != nil && !IsExpectedCloseError(reason) {
		event = h.logger.Warn().Err(reason)
	}
	event.Str("client_id", c.ID).Str("remote_addr", c.remoteAddr).Msg("client unregistered")

	for _, cb := range callbacks {
		cb(c.ID)
	}
	return true
}

// Pruned returns how many clients were removed after a failed or
// timed-out write.
func (h *Hub) Pruned() uint64 {
	return h.pruned.Load()
}

// Snapshot returns a copy of the registered clients, safe to iterate while
// the hub is modified.
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// CloseAll removes and closes every client and refuses later additions.
// Safe to call more than once.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Remove(c)
	}
}
