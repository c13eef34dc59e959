package web

import (
	"io"
	"net"
	"time"

	"github.com/fasthttp/websocket"
)

// wsConn adapts a WebSocket to the byte-stream connection the hub
// expects. Each write becomes one binary message holding a complete
// frame packet. Text messages are read back to back as the click line
// stream, with a newline appended to any message that lacks one.
type wsConn struct {
	conn   *websocket.Conn
	reader io.Reader
	last   byte
}

func (w *wsConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if w.reader == nil {
			mt, r, err := w.conn.NextReader()
			if err != nil {
				return 0, normalizeCloseError(err)
			}
			if mt != websocket.TextMessage {
				continue
			}
			w.reader = r
		}

		n, err := w.reader.Read(p)
		if n > 0 {
			w.last = p[n-1]
		}
		if err == io.EOF {
			w.reader = nil
			if n > 0 {
				return n, nil
			}
			if w.last != '\n' {
				p[0] = '\n'
				w.last = '\n'
				return 1, nil
			}
			continue
		}
		if err != nil {
			return n, normalizeCloseError(err)
		}
		if n > 0 {
			return n, nil
		}
	}
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) SetReadDeadline(t time.Time) error  { return w.conn.SetReadDeadline(t) }
func (w *wsConn) SetWriteDeadline(t time.Time) error { return w.conn.SetWriteDeadline(t) }
func (w *wsConn) RemoteAddr() net.Addr               { return w.conn.RemoteAddr() }
func (w *wsConn) Close() error                       { return w.conn.Close() }

// normalizeCloseError maps a clean WebSocket close to io.EOF so the hub
// treats it like a TCP peer hanging up.
func normalizeCloseError(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return io.EOF
	}
	return err
}
