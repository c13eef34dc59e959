package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tabmirror/mirror/src/bridge"
	"github.com/tabmirror/mirror/src/broadcast"
	"github.com/tabmirror/mirror/src/hub"
	"github.com/tabmirror/mirror/src/types"
)

// Service provides the high-level status and administration API of a
// running server.
type Service struct {
	hub         *hub.Hub
	broadcaster *broadcast.Broadcaster
	logger      zerolog.Logger
	startedAt   time.Time

	mu         sync.RWMutex
	bridge     bridge.Bridge
	bridgeMode string
	addr       string
}

// New creates a service backed by the given hub and broadcaster.
func New(h *hub.Hub, b *broadcast.Broadcaster, logger zerolog.Logger) *Service {
	return &Service{
		hub:         h,
		broadcaster: b,
		logger:      logger,
		startedAt:   time.Now(),
		bridgeMode:  "off",
	}
}

// Hub returns the underlying hub.
func (s *Service) Hub() *hub.Hub { return s.hub }

// SetBridge records the attached bridge for status reporting.
func (s *Service) SetBridge(b bridge.Bridge, mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridge = b
	s.bridgeMode = mode
}

// SetAddr records the listening address for status reporting.
func (s *Service) SetAddr(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr = addr
}

// Status returns a snapshot of the server's state.
func (s *Service) Status() types.ServerStatus {
	s.mu.RLock()
	b, mode, addr := s.bridge, s.bridgeMode, s.addr
	s.mu.RUnlock()

	return types.ServerStatus{
		Addr:            addr,
		Clients:         s.hub.ClientCount(),
		Broadcast:       s.broadcaster.Stats(),
		BridgeMode:      mode,
		BridgeAvailable: b != nil && b.Available(),
		StartedAt:       s.startedAt,
	}
}

// OnConnection registers a callback for new connections.
func (s *Service) OnConnection(cb func(clientID string)) {
	s.hub.OnConnection(cb)
}

// OnDisconnection registers a callback for disconnections.
func (s *Service) OnDisconnection(cb func(clientID string)) {
	s.hub.OnDisconnection(cb)
}

// GetConnectedClients returns IDs of all connected clients.
func (s *Service) GetConnectedClients() []string {
	return s.hub.ConnectedClients()
}

// Clients returns info for every connected client.
func (s *Service) Clients() []types.ClientInfo {
	ids := s.hub.ConnectedClients()
	out := make([]types.ClientInfo, 0, len(ids))
	for _, id := range ids {
		if info := s.hub.ClientInfo(id); info != nil {
			out = append(out, *info)
		}
	}
	return out
}

// GetClientInfo returns info for a connected client, or error.
func (s *Service) GetClientInfo(clientID string) (*types.ClientInfo, error) {
	info := s.hub.ClientInfo(clientID)
	if info == nil {
		return nil, fmt.Errorf("client %s not found", clientID)
	}
	return info, nil
}

// Disconnect closes a client's connection.
func (s *Service) Disconnect(clientID string) error {
	if ok := s.hub.Disconnect(clientID); !ok {
		return fmt.Errorf("client %s not found", clientID)
	}
	s.logger.Info().Str("client_id", clientID).Msg("client disconnected by request")
	return nil
}
