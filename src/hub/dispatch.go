package hub

import (
	"github.com/tabmirror/mirror/src/types"
)

// dispatchClick routes a click from a local viewer: to the relay when one
// is attached and reachable, otherwise to the local click handler.
func (h *Hub) dispatchClick(clientID string, ev types.ClickEvent) {
	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()

	if relay != nil && relay.Available() {
		if err := relay.PublishClick(ev); err != nil {
			h.logger.Error().Err(err).Str("client_id", clientID).Msg("click relay failed")
		}
		return
	}
	h.HandleClick(clientID, ev)
}

// HandleClick delivers a click to the local click handler. The bridge
// calls it for clicks relayed from other instances.
func (h *Hub) HandleClick(clientID string, ev types.ClickEvent) {
	h.mu.RLock()
	handler := h.clickHandler
	h.mu.RUnlock()

	h.logger.Debug().
		Str("client_id", clientID).
		Float64("x", ev.X).
		Float64("y", ev.Y).
		Msg("click received")

	if handler == nil {
		return
	}
	handler(clientID, ev)
}
