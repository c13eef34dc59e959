package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tabmirror/mirror/src/click"
	"github.com/tabmirror/mirror/src/types"
)

// Client is one registered viewer connection. The write pump is the only
// writer of conn and the read pump its only reader.
type Client struct {
	ID          string
	conn        types.Conn
	hub         *Hub
	send        chan []byte
	connectedAt time.Time
	remoteAddr  string
	transport   string

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
	clicks        atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps conn for registration in h. transport names the
// connection kind in logs and client info ("tcp", "websocket").
func NewClient(conn types.Conn, h *Hub, transport string) *Client {
	addr := ""
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return &Client{
		ID:          uuid.New().String(),
		conn:        conn,
		hub:         h,
		send:        make(chan []byte, h.cfg.QueueSize),
		connectedAt: time.Now(),
		remoteAddr:  addr,
		transport:   transport,
		done:        make(chan struct{}),
	}
}

// Info returns metadata about this client.
func (c *Client) Info() types.ClientInfo {
	return types.ClientInfo{
		ID:            c.ID,
		RemoteAddr:    c.remoteAddr,
		Transport:     c.transport,
		ConnectedAt:   c.connectedAt,
		FramesSent:    c.framesSent.Load(),
		FramesDropped: c.framesDropped.Load(),
		Clicks:        c.clicks.Load(),
	}
}

// Enqueue hands an encoded packet to the write pump without blocking. It
// returns false if the packet was dropped because the client is still
// busy with earlier packets or has been closed.
func (c *Client) Enqueue(packet []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- packet:
		return true
	default:
		c.framesDropped.Add(1)
		return false
	}
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// WritePump writes queued packets to the connection in order. A failed or
// timed-out write removes the client from the hub.
func (c *Client) WritePump() {
	for {
		select {
		case packet := <-c.send:
			if err := c.writePacket(packet); err != nil {
				if c.hub.drop(c, err) {
					c.hub.pruned.Add(1)
				}
				return
			}
			c.framesSent.Add(1)
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePacket(packet []byte) error {
	if c.hub.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	// Write on a net.Conn either sends everything or returns an error.
	_, err := c.conn.Write(packet)
	return err
}

// ReadPump reads click lines from the connection and routes them to the
// hub. It returns, after removing the client, when the connection ends.
func (c *Client) ReadPump() {
	reader := click.NewReader(deadlineReader{c}, c.hub.cfg.MaxLineLength)
	reader.OnMalformed = func(line []byte, err error) {
		c.hub.logger.Debug().Err(err).Str("client_id", c.ID).Msg("dropping malformed click line")
	}

	for {
		ev, err := reader.Next()
		if err != nil {
			c.hub.drop(c, err)
			return
		}
		c.clicks.Add(1)
		c.hub.dispatchClick(c.ID, ev)
	}
}

// Close stops the pumps and closes the connection. Safe to call more than
// once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// deadlineReader refreshes the read deadline before every read when a
// read timeout is configured.
type deadlineReader struct {
	c *Client
}

func (r deadlineReader) Read(p []byte) (int, error) {
	if t := r.c.hub.cfg.ReadTimeout; t > 0 {
		if err := r.c.conn.SetReadDeadline(time.Now().Add(t)); err != nil {
			return 0, err
		}
	}
	return r.c.conn.Read(p)
}
