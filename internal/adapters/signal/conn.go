package signal

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/Whiteboard/internal/core"
)

// WsConn is the WebSocket side of core.Connection. Frames are queued and
// written by a single writePump.
type WsConn struct {
	conn      *websocket.Conn
	send      chan core.Frame
	ping      chan struct{}
	quit      chan struct{}
	writeWait time.Duration

	mu       sync.RWMutex
	closed   bool
	closeMsg []byte
}

var _ core.Connection = (*WsConn)(nil)

func newWsConn(ws *websocket.Conn, cfg Config) *WsConn {
	return &WsConn{
		conn:      ws,
		send:      make(chan core.Frame, cfg.SendBuffer),
		ping:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		writeWait: cfg.WriteWait,
	}
}

func (c *WsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

// Ping asks the write pump for a ping frame. It never blocks.
func (c *WsConn) Ping() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.ping <- struct{}{}:
	default:
	}
	return nil
}

// Close writes a close frame and then drops the socket.
func (c *WsConn) Close(code int, reason string) {
	c.shutdown(websocket.FormatCloseMessage(code, reason))
}

func (c *WsConn) Terminate() {
	c.shutdown(nil)
	_ = c.conn.Close()
}

func (c *WsConn) shutdown(closeMsg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeMsg = closeMsg
	close(c.quit)
}

func (c *WsConn) closeMessage() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeMsg
}
