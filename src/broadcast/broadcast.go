// Package broadcast drives the capture-and-fan-out loop on the server.
//
// A Broadcaster is Idle while nobody is watching and Capturing otherwise.
// Each tick captures one payload, frames it once and hands the packet to
// every registered client without waiting on any of them. Delivery is best
// effort: a client that is still busy with earlier packets misses the
// frame, and a client whose write fails is pruned by its write pump.
// Missed frames are never replayed.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tabmirror/mirror/src/frame"
	"github.com/tabmirror/mirror/src/hub"
	"github.com/tabmirror/mirror/src/types"
)

// State is the broadcaster's capture state.
type State int32

const (
	Idle State = iota
	Capturing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrCapture wraps failures of the capture collaborator.
var ErrCapture = errors.New("capture failed")

// ErrNoCapturer is returned by Run when the broadcaster has no capture
// source (relay instances only deliver frames from the bridge).
var ErrNoCapturer = errors.New("broadcaster has no capturer")

// FrameSink receives every captured payload in addition to local viewers.
// The bridge implements it on source instances.
type FrameSink interface {
	PublishFrame(payload []byte) error
	Available() bool
}

// Config controls pacing and frame bounds.
type Config struct {
	Interval      time.Duration // capture period
	IdlePoll      time.Duration // sleep between checks while idle
	ErrorBackoff  time.Duration // sleep after a capture error
	MaxFrameBytes int
}

// DefaultConfig returns 30 frames per second with a 10 MiB frame bound.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Second / 30,
		IdlePoll:      100 * time.Millisecond,
		ErrorBackoff:  time.Second,
		MaxFrameBytes: frame.DefaultMaxBytes,
	}
}

// Broadcaster fans captured frames out to the hub's clients.
type Broadcaster struct {
	hub      *hub.Hub
	capturer types.Capturer
	cfg      Config
	logger   zerolog.Logger

	mu   sync.RWMutex
	sink FrameSink

	state          atomic.Int32
	framesCaptured atomic.Uint64
	framesSkipped  atomic.Uint64
	deliveries     atomic.Uint64
	drops          atomic.Uint64
	captureErrors  atomic.Uint64
}

// New creates a Broadcaster. capturer may be nil on relay instances.
func New(h *hub.Hub, capturer types.Capturer, cfg Config, logger zerolog.Logger) *Broadcaster {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = def.IdlePoll
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = def.MaxFrameBytes
	}
	return &Broadcaster{
		hub:      h,
		capturer: capturer,
		cfg:      cfg,
		logger:   logger.With().Str("component", "broadcaster").Logger(),
	}
}

// SetSink attaches an extra consumer of captured payloads.
func (b *Broadcaster) SetSink(s FrameSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = s
}

// State returns the current capture state.
func (b *Broadcaster) State() State {
	return State(b.state.Load())
}

func (b *Broadcaster) setState(s State) {
	if old := State(b.state.Swap(int32(s))); old != s {
		b.logger.Debug().Stringer("from", old).Stringer("to", s).Msg("broadcaster state changed")
	}
}

// Stats returns counters since creation.
func (b *Broadcaster) Stats() types.BroadcastStats {
	return types.BroadcastStats{
		State:          b.State().String(),
		FramesCaptured: b.framesCaptured.Load(),
		FramesSkipped:  b.framesSkipped.Load(),
		Deliveries:     b.deliveries.Load(),
		Drops:          b.drops.Load(),
		CaptureErrors:  b.captureErrors.Load(),
		ClientsPruned:  b.hub.Pruned(),
	}
}

// Run captures and broadcasts until ctx is done. It returns ctx.Err().
func (b *Broadcaster) Run(ctx context.Context) error {
	if b.capturer == nil {
		return ErrNoCapturer
	}
	b.logger.Info().Dur("interval", b.cfg.Interval).Msg("broadcaster started")
	defer b.setState(Idle)

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		if !b.hasAudience() {
			b.setState(Idle)
			if !sleep(ctx, b.cfg.IdlePoll) {
				return ctx.Err()
			}
			continue
		}

		b.setState(Capturing)
		if err := b.Tick(); err != nil {
			b.logger.Error().Err(err).Dur("backoff", b.cfg.ErrorBackoff).Msg("capture error")
			if !sleep(ctx, b.cfg.ErrorBackoff) {
				return ctx.Err()
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Broadcaster) hasAudience() bool {
	if b.hub.ClientCount() > 0 {
		return true
	}
	b.mu.RLock()
	sink := b.sink
	b.mu.RUnlock()
	return sink != nil && sink.Available()
}

// Tick captures one payload and delivers it. Capture failures are returned
// wrapped in ErrCapture; payloads outside the frame bounds are skipped.
func (b *Broadcaster) Tick() error {
	if b.capturer == nil {
		return ErrNoCapturer
	}
	// Capture runs without any hub lock held.
	payload, err := b.capturer.Capture()
	if err != nil {
		b.captureErrors.Add(1)
		return fmt.Errorf("%w: %w", ErrCapture, err)
	}
	b.framesCaptured.Add(1)

	if err := frame.CheckSize(len(payload), b.cfg.MaxFrameBytes); err != nil {
		b.framesSkipped.Add(1)
		b.logger.Warn().Err(err).Msg("skipping frame")
		return nil
	}

	b.Deliver(payload)
	b.publish(payload)
	return nil
}

// Deliver frames payload and hands it to every registered client. It
// returns the number of clients that accepted the packet. Delivery never
// blocks on a client.
func (b *Broadcaster) Deliver(payload []byte) int {
	if err := frame.CheckSize(len(payload), b.cfg.MaxFrameBytes); err != nil {
		b.framesSkipped.Add(1)
		return 0
	}
	packet := frame.Encode(payload)

	accepted := 0
	for _, c := range b.hub.Snapshot() {
		if c.Enqueue(packet) {
			accepted++
			b.deliveries.Add(1)
		} else {
			b.drops.Add(1)
		}
	}
	return accepted
}

func (b *Broadcaster) publish(payload []byte) {
	b.mu.RLock()
	sink := b.sink
	b.mu.RUnlock()

	if sink == nil || !sink.Available() {
		return
	}
	if err := sink.PublishFrame(payload); err != nil {
		b.logger.Error().Err(err).Msg("frame publish failed")
	}
}

// sleep waits for d or ctx. It returns false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
