package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/Whiteboard/internal/domain"
)

// CanvasAPI talks to the REST side of the server. Its cookie jar carries
// the server-issued client token, so REST calls and sockets dialed through
// SocketDialer act as the same user.
type CanvasAPI struct {
	BaseURL string
	HTTP    *http.Client
}

func NewCanvasAPI(baseURL string) *CanvasAPI {
	jar, _ := cookiejar.New(nil)
	return &CanvasAPI{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second, Jar: jar},
	}
}

// SocketDialer dials sockets with the API's cookie jar.
func (a *CanvasAPI) SocketDialer() WebsocketDialer {
	return WebsocketDialer{Dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		Jar:              a.HTTP.Jar,
	}}
}

// Ping checks the server is up and picks up a client token on first contact.
func (a *CanvasAPI) Ping(ctx context.Context) error {
	return a.do(ctx, http.MethodGet, a.BaseURL+"/health", nil, nil)
}

type canvasBody struct {
	CanvasState json.RawMessage `json:"canvasState"`
}

type apiError struct {
	Error string `json:"error"`
}

func (a *CanvasAPI) canvasURL(room domain.RoomID) string {
	return fmt.Sprintf("%s/api/rooms/%s/canvas", a.BaseURL, url.PathEscape(string(room)))
}

// PutCanvas stores a data URL as the room's durable canvas. A missing room
// is created and the write repeated once.
func (a *CanvasAPI) PutCanvas(ctx context.Context, room domain.RoomID, dataURL string) error {
	err := a.putCanvas(ctx, room, dataURL)
	if !errors.Is(err, domain.ErrRoomNotFound) {
		return err
	}
	if err := a.CreateRoom(ctx, room); err != nil && !errors.Is(err, domain.ErrRoomExists) {
		return err
	}
	return a.putCanvas(ctx, room, dataURL)
}

func (a *CanvasAPI) putCanvas(ctx context.Context, room domain.RoomID, dataURL string) error {
	state, err := json.Marshal(dataURL)
	if err != nil {
		return err
	}
	return a.do(ctx, http.MethodPut, a.canvasURL(room), canvasBody{CanvasState: state}, nil)
}

// GetCanvas returns the room's canvas, or nil if nothing was saved yet.
func (a *CanvasAPI) GetCanvas(ctx context.Context, room domain.RoomID) (json.RawMessage, error) {
	var body canvasBody
	if err := a.do(ctx, http.MethodGet, a.canvasURL(room), nil, &body); err != nil {
		return nil, err
	}
	if bytes.Equal(bytes.TrimSpace(body.CanvasState), []byte("null")) {
		return nil, nil
	}
	return body.CanvasState, nil
}

func (a *CanvasAPI) CreateRoom(ctx context.Context, room domain.RoomID) error {
	return a.do(ctx, http.MethodPost, a.BaseURL+"/api/rooms", map[string]string{"id": string(room)}, nil)
}

func (a *CanvasAPI) do(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrRoomNotFound
	case resp.StatusCode == http.StatusConflict:
		return domain.ErrRoomExists
	case resp.StatusCode >= 300:
		var e apiError
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: status %d: %s", method, target, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
