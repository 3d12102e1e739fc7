package app

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dkeye/Whiteboard/internal/core"
	"github.com/dkeye/Whiteboard/internal/domain"
)

// Session is one live connection inside a room. It is owned by its room
// and never outlives the socket.
type Session struct {
	ID       core.ConnID
	User     domain.UserID
	JoinedAt time.Time

	room *Room
	conn core.Connection
	seq  uint64

	// guarded by room.mu
	lastMessageAt time.Time
	heartbeat     clockwork.Timer

	alive atomic.Bool
}

func (s *Session) Room() *Room { return s.room }

// Ack records a liveness acknowledgement (a pong) for the current heartbeat cycle.
func (s *Session) Ack() { s.alive.Store(true) }

func (s *Session) LastMessageAt() time.Time {
	s.room.mu.Lock()
	defer s.room.mu.Unlock()
	return s.lastMessageAt
}
