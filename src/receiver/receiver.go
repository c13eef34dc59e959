// Package receiver implements the viewer side of a mirroring connection:
// a read loop that decodes frames for a display, and the upstream click
// sender. Reads and click writes use opposite directions of the same
// socket and never wait on each other.
package receiver

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tabmirror/mirror/src/click"
	"github.com/tabmirror/mirror/src/frame"
	"github.com/tabmirror/mirror/src/types"
)

var (
	// ErrNotConnected is returned by SendClick after the connection closed.
	ErrNotConnected = errors.New("not connected")

	// ErrInvalidClick is returned for coordinates that cannot be encoded.
	ErrInvalidClick = errors.New("invalid click coordinates")
)

// State is the connection state seen by the viewer.
type State int32

const (
	Connected State = iota
	Closed
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// DisconnectHandler is called once when the read loop stops. err is nil
// when the receiver was closed locally.
type DisconnectHandler func(err error)

// Config bounds the receiver's socket operations.
type Config struct {
	MaxFrameBytes int
	ReadTimeout   time.Duration // per frame read; 0 waits indefinitely
	WriteTimeout  time.Duration // per click write
}

// Receiver owns one viewer connection.
type Receiver struct {
	conn    types.Conn
	display types.Displayer
	cfg     Config
	logger  zerolog.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	lastErr      error
	onDisconnect DisconnectHandler

	state          atomic.Int32
	framesReceived atomic.Uint64
	started        atomic.Bool
	closing        atomic.Bool

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Receiver for conn. display may be nil, in which case
// frames are read and discarded.
func New(conn types.Conn, display types.Displayer, cfg Config, logger zerolog.Logger) *Receiver {
	addr := ""
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return &Receiver{
		conn:    conn,
		display: display,
		cfg:     cfg,
		logger:  logger.With().Str("component", "receiver").Str("remote_addr", addr).Logger(),
		done:    make(chan struct{}),
	}
}

// SetDisconnectHandler sets the callback for the end of the read loop.
func (r *Receiver) SetDisconnectHandler(handler DisconnectHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = handler
}

// Start launches the read loop. Calling it again has no effect.
func (r *Receiver) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.readLoop()
}

// Done is closed when the read loop has stopped.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

// State returns Connected until the read loop stops.
func (r *Receiver) State() State {
	return State(r.state.Load())
}

// FramesReceived returns the number of frames handed to the display.
func (r *Receiver) FramesReceived() uint64 {
	return r.framesReceived.Load()
}

// Err returns the error that ended the read loop, if any.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *Receiver) readLoop() {
	fr := frame.NewReader(deadlineReader{r}, r.cfg.MaxFrameBytes)
	for {
		payload, err := fr.ReadFrame()
		if err != nil {
			r.stop(err)
			return
		}
		r.framesReceived.Add(1)
		if r.display != nil {
			r.display.Display(payload)
		}
	}
}

// stop moves the receiver to Closed, closes the socket and notifies the
// disconnect handler exactly once.
func (r *Receiver) stop(err error) {
	r.stopOnce.Do(func() {
		if r.closing.Load() {
			err = nil
		}
		r.state.Store(int32(Closed))
		r.conn.Close()

		r.mu.Lock()
		r.lastErr = err
		handler := r.onDisconnect
		r.mu.Unlock()

		switch {
		case err == nil:
			r.logger.Info().Msg("disconnected")
		case errors.Is(err, frame.ErrEndOfStream):
			r.logger.Info().Msg("server closed the stream")
		default:
			r.logger.Warn().Err(err).Msg("connection lost")
		}

		close(r.done)
		if handler != nil {
			handler(err)
		}
	})
}

// SendClick encodes a click and writes it upstream. A failed write is
// reported to the caller; teardown is left to the read loop.
func (r *Receiver) SendClick(x, y float64) error {
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return fmt.Errorf("%w: (%v, %v)", ErrInvalidClick, x, y)
	}
	if r.State() == Closed {
		return ErrNotConnected
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.cfg.WriteTimeout > 0 {
		if err := r.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout)); err != nil {
			return fmt.Errorf("send click: %w", err)
		}
	}
	if _, err := r.conn.Write(click.Encode(x, y)); err != nil {
		return fmt.Errorf("send click: %w", err)
	}
	return nil
}

// Close closes the connection and waits for the read loop to stop. Safe to
// call more than once, including from the disconnect handler.
func (r *Receiver) Close() error {
	r.closing.Store(true)
	if !r.started.Load() {
		r.stop(nil)
		return nil
	}
	r.conn.Close()
	<-r.done
	return nil
}

type deadlineReader struct {
	r *Receiver
}

func (d deadlineReader) Read(p []byte) (int, error) {
	if t := d.r.cfg.ReadTimeout; t > 0 {
		if err := d.r.conn.SetReadDeadline(time.Now().Add(t)); err != nil {
			return 0, err
		}
	}
	return d.r.conn.Read(p)
}
