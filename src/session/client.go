package session

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tabmirror/mirror/config"
	"github.com/tabmirror/mirror/src/receiver"
	"github.com/tabmirror/mirror/src/types"
)

// ClientOptions wires the collaborators of a viewer.
type ClientOptions struct {
	Config       *config.MirrorConfig
	Display      types.Displayer
	OnDisconnect receiver.DisconnectHandler
	Logger       zerolog.Logger
}

// Client is the viewing side of a session: one connection with one
// receiver.
type Client struct {
	conn     net.Conn
	receiver *receiver.Receiver
	logger   zerolog.Logger

	shutdownOnce sync.Once
}

// TargetAddr adds defaultPort to host when it carries no port.
func TargetAddr(host string, defaultPort int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(defaultPort))
}

// Dial connects to a server within the configured connect timeout and
// starts receiving frames. Failure returns a *ConnectionError.
func Dial(ctx context.Context, addr string, opts ClientOptions) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger.With().Str("component", "client").Logger()

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, NewConnectionError("failed to connect to "+addr, err)
	}

	r := receiver.New(conn, opts.Display, receiver.Config{
		MaxFrameBytes: cfg.MaxFrameBytes,
		ReadTimeout:   cfg.FrameReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
	}, opts.Logger)
	if opts.OnDisconnect != nil {
		r.SetDisconnectHandler(opts.OnDisconnect)
	}
	r.Start()

	logger.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("connected")
	return &Client{conn: conn, receiver: r, logger: logger}, nil
}

// Receiver returns the session's receiver.
func (c *Client) Receiver() *receiver.Receiver { return c.receiver }

// RemoteAddr returns the server address.
func (c *Client) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// State reports whether the viewer is still connected.
func (c *Client) State() receiver.State { return c.receiver.State() }

// FramesReceived returns the number of frames displayed so far.
func (c *Client) FramesReceived() uint64 { return c.receiver.FramesReceived() }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.receiver.Done() }

// SendClick sends a click at relative coordinates.
func (c *Client) SendClick(x, y float64) error {
	return c.receiver.SendClick(x, y)
}

// Shutdown closes the connection. Calling it again returns nil.
func (c *Client) Shutdown() error {
	var err error
	c.shutdownOnce.Do(func() {
		err = c.receiver.Close()
	})
	return err
}
