package core

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/Whiteboard/internal/domain"
)

// Frame is a serialized protocol message.
type Frame []byte

// ConnID identifies one socket. It never outlives the socket and is
// unrelated to domain.UserID.
type ConnID string

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// WebSocket close codes used when refusing or ending a connection.
const (
	CloseNormal       = 1000
	CloseGoingAway    = 1001
	CloseRoomNotFound = 1008
	CloseServerFault  = 1011
)

// Connection abstracts a live client transport.
// Owned by the adapter; the room only sends through it and may end it.
type Connection interface {
	// TrySend enqueues a frame without blocking.
	TrySend(Frame) error
	// Ping writes a liveness ping.
	Ping() error
	// Close ends the connection with a close frame.
	Close(code int, reason string)
	// Terminate drops the socket without a close handshake.
	Terminate()
}

// Store is the durable room record store.
type Store interface {
	Create(ctx context.Context, rec domain.Record) error
	// Load returns domain.ErrRoomNotFound when no record exists.
	Load(ctx context.Context, id domain.RoomID) (*domain.Record, error)
	// Save replaces the canvas of an existing record; it never creates one.
	Save(ctx context.Context, id domain.RoomID, canvas json.RawMessage) error
	Delete(ctx context.Context, id domain.RoomID) error
	AddMember(ctx context.Context, id domain.RoomID, user domain.UserID) error
	RemoveMember(ctx context.Context, id domain.RoomID, user domain.UserID) error
	Close() error
}
