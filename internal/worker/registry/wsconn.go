package registry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn adapts a websocket connection to the Sink interface. Gorilla
// connections allow only one concurrent writer, so frames are serialized
// through a mutex.
type WSConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSConn wraps a websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// WriteFrame sends one text frame with the given deadline.
func (w *WSConn) WriteFrame(data []byte, deadline time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying connection.
func (w *WSConn) Close() error {
	return w.conn.Close()
}
