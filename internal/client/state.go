// Package client is the reconnecting whiteboard client: a WebSocket
// session with backoff and deferred send, a periodic autosaver and the
// REST canvas API.
package client

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

type State int32

const (
	Connecting State = iota
	Open
	ClosingNormal
	ClosingAbnormal
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case ClosingNormal:
		return "CLOSING_NORMAL"
	case ClosingAbnormal:
		return "CLOSING_ABNORMAL"
	case Reconnecting:
		return "RECONNECTING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Conn is the part of *websocket.Conn the session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket. A nil Dialer means
// websocket.DefaultDialer.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}
