package service

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabmirror/mirror/src/broadcast"
	"github.com/tabmirror/mirror/src/hub"
	"github.com/tabmirror/mirror/src/types"
)

type stubBridge struct{ available bool }

func (s stubBridge) PublishFrame([]byte) error           { return nil }
func (s stubBridge) PublishClick(types.ClickEvent) error { return nil }
func (s stubBridge) Start() error                        { return nil }
func (s stubBridge) Stop() error                         { return nil }
func (s stubBridge) Available() bool                     { return s.available }

func newTestService(t *testing.T) *Service {
	t.Helper()
	h := hub.New(hub.DefaultConfig(), zerolog.Nop())
	t.Cleanup(h.CloseAll)
	b := broadcast.New(h, nil, broadcast.DefaultConfig(), zerolog.Nop())
	return New(h, b, zerolog.Nop())
}

func register(t *testing.T, s *Service) *hub.Client {
	t.Helper()
	server, peer := net.Pipe()
	t.Cleanup(func() { peer.Close() })
	c := hub.NewClient(server, s.Hub(), "tcp")
	require.True(t, s.Hub().Add(c))
	return c
}

func TestStatus(t *testing.T) {
	s := newTestService(t)
	s.SetAddr("127.0.0.1:8080")
	register(t, s)

	st := s.Status()
	assert.Equal(t, "127.0.0.1:8080", st.Addr)
	assert.Equal(t, 1, st.Clients)
	assert.Equal(t, "idle", st.Broadcast.State)
	assert.Equal(t, "off", st.BridgeMode)
	assert.False(t, st.BridgeAvailable)
	assert.WithinDuration(t, time.Now(), st.StartedAt, time.Minute)

	s.SetBridge(stubBridge{available: true}, "source")
	st = s.Status()
	assert.Equal(t, "source", st.BridgeMode)
	assert.True(t, st.BridgeAvailable)
}

func TestClientsAndInfo(t *testing.T) {
	s := newTestService(t)
	c := register(t, s)

	clients := s.Clients()
	require.Len(t, clients, 1)
	assert.Equal(t, c.ID, clients[0].ID)
	assert.Equal(t, "tcp", clients[0].Transport)
	assert.Equal(t, []string{c.ID}, s.GetConnectedClients())

	info, err := s.GetClientInfo(c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, info.ID)

	_, err = s.GetClientInfo("missing")
	assert.Error(t, err)
}

func TestConnectionCallbacks(t *testing.T) {
	s := newTestService(t)

	var joined, left []string
	s.OnConnection(func(id string) { joined = append(joined, id) })
	s.OnDisconnection(func(id string) { left = append(left, id) })

	c := register(t, s)
	assert.Equal(t, []string{c.ID}, joined)
	assert.Empty(t, left)

	require.NoError(t, s.Disconnect(c.ID))
	assert.Equal(t, []string{c.ID}, left)
}

func TestDisconnect(t *testing.T) {
	s := newTestService(t)
	c := register(t, s)

	var gone string
	s.OnDisconnection(func(id string) { gone = id })

	require.NoError(t, s.Disconnect(c.ID))
	assert.Equal(t, c.ID, gone)
	assert.Error(t, s.Disconnect(c.ID))
	assert.Zero(t, s.Status().Clients)
}
