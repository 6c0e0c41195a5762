package hub

import (
	"time"

	"github.com/gorilla/websocket"
)

// WSConn adapts a gorilla websocket connection to the Conn interface.
// Writes are serialized; gorilla allows only one concurrent writer.
type WSConn struct {
	conn *websocket.Conn
}

func NewWSConn(conn *websocket.Conn) *WSConn { return &WSConn{conn: conn} }

func (w *WSConn) WriteText(deadline time.Time, data []byte) error {
	_ = w.conn.SetWriteDeadline(deadline)
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WSConn) Close() error { return w.conn.Close() }
