package app

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dkeye/Whiteboard/internal/core"
	"github.com/dkeye/Whiteboard/internal/domain"
	"github.com/dkeye/Whiteboard/internal/protocol"
)

// Room is the in-memory state of one whiteboard. mu is the room's exclusive
// section: every field below it is only touched while it is held.
type Room struct {
	id    domain.RoomID
	owner domain.UserID

	mu           sync.Mutex
	canvas       json.RawMessage
	sessions     map[core.ConnID]*Session
	ownerConn    core.ConnID
	joinSeq      uint64
	lastActivity time.Time

	evictTimer clockwork.Timer
	evictGen   uint64
	closed     bool
}

func newRoom(rec *domain.Record, now time.Time) *Room {
	return &Room{
		id:           rec.ID,
		owner:        rec.Owner,
		canvas:       rec.Canvas,
		sessions:     make(map[core.ConnID]*Session),
		lastActivity: now,
	}
}

func (r *Room) ID() domain.RoomID { return r.id }

// Canvas returns the last applied checkpoint, nil before the first one.
func (r *Room) Canvas() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canvas
}

func (r *Room) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Room) Owner() core.ConnID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ownerConn
}

func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

func (r *Room) infoLocked(id core.ConnID) protocol.Info {
	return protocol.Info{
		RoomID:    string(r.id),
		UserCount: len(r.sessions),
		IsOwner:   id != "" && id == r.ownerConn,
	}
}

// stateLocked is the answer to REQUEST_STATE.
func (r *Room) stateLocked(id core.ConnID) protocol.Message {
	if r.canvas == nil {
		return protocol.RoomInfo{Info: r.infoLocked(id)}
	}
	return protocol.InitialState{CanvasState: r.canvas, RoomInfo: r.infoLocked(id)}
}

func (r *Room) oldestLocked() *Session {
	var oldest *Session
	for _, s := range r.sessions {
		if oldest == nil || s.seq < oldest.seq {
			oldest = s
		}
	}
	return oldest
}
