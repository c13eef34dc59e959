package session

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabmirror/mirror/config"
	"github.com/tabmirror/mirror/src/broadcast"
	"github.com/tabmirror/mirror/src/receiver"
	"github.com/tabmirror/mirror/src/types"
)

type countingCapturer struct {
	n atomic.Uint64
}

func (c *countingCapturer) Capture() ([]byte, error) {
	c.n.Add(1)
	return []byte("frame"), nil
}

type recordingSimulator struct {
	mu    sync.Mutex
	calls []types.ClickEvent
}

func (s *recordingSimulator) SimulateClick(x, y float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, types.ClickEvent{X: x, Y: y})
	return nil
}

func (s *recordingSimulator) Calls() []types.ClickEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ClickEvent(nil), s.calls...)
}

type recordingDisplay struct {
	mu     sync.Mutex
	frames [][]byte
}

func (d *recordingDisplay) Display(payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, append([]byte(nil), payload...))
}

func (d *recordingDisplay) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.frames)
}

func testConfig() *config.MirrorConfig {
	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.FrameRate = 100
	cfg.IdlePoll = 5 * time.Millisecond
	return cfg
}

func startServer(t *testing.T, opts ServerOptions) *Server {
	t.Helper()
	if opts.Config == nil {
		opts.Config = testConfig()
	}
	opts.Logger = zerolog.Nop()
	s := NewServer(opts)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Shutdown() })
	return s
}

func dial(t *testing.T, s *Server, opts ClientOptions) *Client {
	t.Helper()
	opts.Logger = zerolog.Nop()
	c, err := Dial(context.Background(), s.Addr().String(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown() })
	return c
}

func TestEndToEndFramesAndClick(t *testing.T) {
	sim := &recordingSimulator{}
	s := startServer(t, ServerOptions{Capturer: &countingCapturer{}, Simulator: sim})

	display := &recordingDisplay{}
	c := dial(t, s, ClientOptions{Display: display})

	require.Eventually(t, func() bool { return display.Count() >= 3 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, receiver.Connected, c.State())
	assert.Equal(t, 1, s.Status().Clients)
	assert.Equal(t, broadcast.Capturing.String(), s.Status().Broadcast.State)
	viewers := s.Service().Clients()
	require.Len(t, viewers, 1)
	assert.Equal(t, "tcp", viewers[0].Transport)

	require.NoError(t, c.SendClick(0.5, 0.5))
	require.Eventually(t, func() bool { return len(sim.Calls()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// Give a duplicate delivery a chance to show up.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []types.ClickEvent{{X: 0.5, Y: 0.5}}, sim.Calls())

	assert.NoError(t, c.Shutdown())
	assert.NoError(t, c.Shutdown())
	assert.Equal(t, receiver.Closed, c.State())
	assert.ErrorIs(t, c.SendClick(0.1, 0.1), receiver.ErrNotConnected)

	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClickWithoutSimulatorIsIgnored(t *testing.T) {
	s := startServer(t, ServerOptions{Capturer: &countingCapturer{}})
	c := dial(t, s, ClientOptions{})

	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.SendClick(0.2, 0.8))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, s.Hub().ClientCount())
	assert.Equal(t, receiver.Connected, c.State())
}

func TestServerShutdownDisconnectsViewers(t *testing.T) {
	s := startServer(t, ServerOptions{Capturer: &countingCapturer{}})

	errs := make(chan error, 1)
	c := dial(t, s, ClientOptions{OnDisconnect: func(err error) { errs <- err }})
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("viewer was not disconnected")
	}
	assert.Equal(t, receiver.Closed, c.State())

	_, err := net.DialTimeout("tcp", s.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestIdleServerDoesNotCapture(t *testing.T) {
	capturer := &countingCapturer{}
	s := startServer(t, ServerOptions{Capturer: capturer})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, capturer.n.Load())
	assert.Equal(t, "idle", s.Status().Broadcast.State)
}

func TestStartBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	s := NewServer(ServerOptions{Config: cfg, Logger: zerolog.Nop()})

	err = s.Start(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Nil(t, s.Addr())
	assert.NoError(t, s.Shutdown())
}

func TestStartTwice(t *testing.T) {
	s := startServer(t, ServerOptions{})
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, s.Shutdown())
	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
}

func TestShutdownBeforeStart(t *testing.T) {
	s := NewServer(ServerOptions{Config: testConfig(), Logger: zerolog.Nop()})
	assert.NoError(t, s.Shutdown())
	assert.NoError(t, s.Shutdown())
	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
}

func TestUnreachableBridgeRunsStandalone(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	cfg := testConfig()
	cfg.Bridge.Mode = config.BridgeSource
	cfg.Bridge.Addr = addr
	s := startServer(t, ServerOptions{Config: cfg, Capturer: &countingCapturer{}})

	st := s.Status()
	assert.Equal(t, "off", st.BridgeMode)
	assert.False(t, st.BridgeAvailable)

	display := &recordingDisplay{}
	dial(t, s, ClientOptions{Display: display})
	require.Eventually(t, func() bool { return display.Count() > 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestViewerDetectsSilentServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	cfg := testConfig()
	cfg.FrameReadTimeout = 100 * time.Millisecond
	errs := make(chan error, 1)
	c, err := Dial(context.Background(), ln.Addr().String(), ClientOptions{
		Config:       cfg,
		OnDisconnect: func(err error) { errs <- err },
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	defer c.Shutdown()

	// The server keeps the socket open but never sends.
	conn := <-accepted
	defer conn.Close()

	select {
	case err := <-errs:
		var netErr net.Error
		require.ErrorAs(t, err, &netErr)
		assert.True(t, netErr.Timeout())
	case <-time.After(3 * time.Second):
		t.Fatal("viewer stayed connected to a silent server")
	}
	assert.Equal(t, receiver.Closed, c.State())
	assert.ErrorIs(t, c.Receiver().Err(), os.ErrDeadlineExceeded)
	assert.Equal(t, ln.Addr().String(), c.RemoteAddr().String())
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), addr, ClientOptions{Logger: zerolog.Nop()})
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.NotNil(t, errors.Unwrap(err))
}

func TestTargetAddr(t *testing.T) {
	assert.Equal(t, "10.0.0.2:8080", TargetAddr("10.0.0.2", 8080))
	assert.Equal(t, "10.0.0.2:9000", TargetAddr("10.0.0.2:9000", 8080))
	assert.Equal(t, "[::1]:8080", TargetAddr("::1", 8080))
	assert.Equal(t, "desk.local:8080", TargetAddr("desk.local", 8080))
}

func TestConnectionError(t *testing.T) {
	cause := errors.New("refused")
	err := NewConnectionError("failed to connect", cause)
	assert.Equal(t, "connection failed: failed to connect: refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "connection failed: closed", NewConnectionError("closed", nil).Error())
}
