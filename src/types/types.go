package types

import (
	"net"
	"time"
)

// ClickEvent is a pointer click in coordinates relative to the displayed
// frame. X and Y are expected in [0,1]; mapping to pixels is the
// simulator's job.
type ClickEvent struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
}

// ClickHandler handles a decoded click from a connected peer.
type ClickHandler func(clientID string, ev ClickEvent)

// ClientInfo holds metadata about a connected viewer.
type ClientInfo struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remote_addr"`
	Transport     string    `json:"transport"`
	ConnectedAt   time.Time `json:"connected_at"`
	FramesSent    uint64    `json:"frames_sent"`
	FramesDropped uint64    `json:"frames_dropped"`
	Clicks        uint64    `json:"clicks"`
}

// Conn abstracts one full-duplex peer socket for testability. net.Conn
// satisfies it; so does the WebSocket adapter in the web package.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// Capturer produces one encoded screen image per call.
type Capturer interface {
	Capture() ([]byte, error)
}

// Displayer consumes one decoded frame payload per call. It must return
// promptly; the receive loop waits on it.
type Displayer interface {
	Display(payload []byte)
}

// DisplayFunc adapts a function to Displayer.
type DisplayFunc func(payload []byte)

// Display calls f(payload).
func (f DisplayFunc) Display(payload []byte) { f(payload) }

// ClickSimulator performs a click on the host at relative coordinates.
type ClickSimulator interface {
	SimulateClick(relX, relY float64) error
}

// BroadcastStats counts broadcaster activity since start.
type BroadcastStats struct {
	State          string `json:"state"`
	FramesCaptured uint64 `json:"frames_captured"`
	FramesSkipped  uint64 `json:"frames_skipped"`
	Deliveries     uint64 `json:"deliveries"`
	Drops          uint64 `json:"drops"`
	CaptureErrors  uint64 `json:"capture_errors"`
	ClientsPruned  uint64 `json:"clients_pruned"`
}

// ServerStatus is a point-in-time view of a running server.
type ServerStatus struct {
	Addr            string         `json:"addr"`
	Clients         int            `json:"clients"`
	Broadcast       BroadcastStats `json:"broadcast"`
	BridgeMode      string         `json:"bridge_mode"`
	BridgeAvailable bool           `json:"bridge_available"`
	StartedAt       time.Time      `json:"started_at"`
}
