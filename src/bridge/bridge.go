package bridge

import "github.com/tabmirror/mirror/src/types"

// Bridge relays mirroring traffic between server instances. A source
// instance publishes frames and consumes clicks; a relay instance does the
// opposite.
type Bridge interface {
	// PublishFrame sends a captured payload to relay instances.
	PublishFrame(payload []byte) error

	// PublishClick sends a click to the source instance.
	PublishClick(ev types.ClickEvent) error

	// Start begins listening for messages from other instances.
	Start() error

	// Stop shuts down the bridge connection. Safe to call more than once.
	Stop() error

	// Available reports whether the bridge is connected and operational.
	Available() bool
}

// FrameTarget is implemented by the broadcaster to receive relayed frames.
type FrameTarget interface {
	Deliver(payload []byte) int
}

// ClickTarget is implemented by the hub to receive relayed clicks.
type ClickTarget interface {
	HandleClick(clientID string, ev types.ClickEvent)
}
