package stream

import (
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/babelcloud/gbox/packages/camserver/internal/frame"
	"github.com/babelcloud/gbox/packages/camserver/internal/node"
)

// Subprotocol is offered to WebSocket clients.
const Subprotocol = "cameraserver"

var upgrader = websocket.Upgrader{
	Subprotocols:    []string{Subprotocol},
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// IsUpgrade reports whether r asks for a WebSocket.
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// Upgrade completes the WebSocket handshake.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocket returns a stream that sends one binary message per frame.
// A reader goroutine closes the stream when the peer goes away.
func NewWebSocket(loop *Loop, src *node.Source, cfg Config, conn *websocket.Conn) *Stream {
	s := newStream(loop, src, cfg, &wsTransport{conn: conn})
	go s.readLoop(conn)
	return s
}

// readLoop discards client messages until the connection fails.
func (s *Stream) readLoop(conn *websocket.Conn) {
	for {
		_, r, err := conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("WebSocket read failed", "error", err)
			}
			s.loop.Post(func() { s.close(nil) })
			return
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			s.loop.Post(func() { s.close(err) })
			return
		}
	}
}

func (t *wsTransport) kind() string                     { return "websocket" }
func (t *wsTransport) remoteAddr() string               { return t.conn.RemoteAddr().String() }
func (t *wsTransport) keepAliveInterval() time.Duration { return 0 }

func (t *wsTransport) write(parts [][]byte, _ frame.Frame) (int, error) {
	w, err := t.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range parts {
		m, err := w.Write(p)
		n += m
		if err != nil {
			w.Close()
			return n, err
		}
	}
	return n, w.Close()
}

func (t *wsTransport) keepAlive() (int, error) { return 0, nil }

func (t *wsTransport) shutdown() {
	_ = t.conn.Close()
}
