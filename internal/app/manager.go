package app

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Whiteboard/internal/core"
	"github.com/dkeye/Whiteboard/internal/domain"
	"github.com/dkeye/Whiteboard/internal/metrics"
	"github.com/dkeye/Whiteboard/internal/protocol"
)

// Manager admits and removes sessions and runs their heartbeat.
type Manager struct {
	registry  *Registry
	bus       *Bus
	sync      *Syncer
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	heartbeat time.Duration
}

func NewManager(registry *Registry, bus *Bus, sync *Syncer, clock clockwork.Clock, m *metrics.Metrics, heartbeat time.Duration) *Manager {
	mgr := &Manager{
		registry:  registry,
		bus:       bus,
		sync:      sync,
		clock:     clock,
		metrics:   m,
		heartbeat: heartbeat,
	}
	bus.reap = mgr.reapLocked
	return mgr
}

// Join loads the room if needed and admits the connection. The new session
// receives INITIAL_STATE; the room receives USER_JOINED and the new count.
func (m *Manager) Join(ctx context.Context, roomID domain.RoomID, id core.ConnID, conn core.Connection, user domain.UserID) (*Session, error) {
	for {
		r, err := m.registry.GetOrLoad(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if sess, ok := m.admit(r, id, conn, user); ok {
			return sess, nil
		}
		// Evicted between load and admit; load again.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (m *Manager) admit(r *Room, id core.ConnID, conn core.Connection, user domain.UserID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	m.registry.cancelEvictionLocked(r)

	now := m.clock.Now()
	r.joinSeq++
	sess := &Session{
		ID:            id,
		User:          user,
		JoinedAt:      now,
		room:          r,
		conn:          conn,
		seq:           r.joinSeq,
		lastMessageAt: now,
	}
	sess.alive.Store(true)
	r.sessions[id] = sess
	r.lastActivity = now
	if r.ownerConn == "" {
		r.ownerConn = id
	}

	log.Info().Str("module", "app.manager").Str("room", string(r.id)).Str("conn", string(id)).
		Int("count", len(r.sessions)).Bool("owner", r.ownerConn == id).Msg("joined")

	failed := m.bus.unicastLocked(r, sess, protocol.InitialState{
		CanvasState: r.canvas,
		RoomInfo:    r.infoLocked(id),
	})
	failed = append(failed, m.bus.broadcastLocked(r, id, protocol.UserJoined{Presence: m.presenceLocked(r, id)})...)
	failed = append(failed, m.bus.broadcastLocked(r, "", protocol.UserCountUpdate{Count: len(r.sessions)})...)
	m.armHeartbeatLocked(r, sess)

	if len(failed) > 0 {
		m.reapLocked(r, failed, core.ErrBackpressure)
	}
	return sess, true
}

// Leave removes the session. Calling it for an already removed session is a no-op.
func (m *Manager) Leave(sess *Session, cause error) {
	r := sess.room
	r.mu.Lock()
	defer r.mu.Unlock()
	m.reapLocked(r, []*Session{sess}, cause)
}

// reapLocked removes dead sessions and notifies the rest. Notifications can
// fail in turn, so it repeats until no new failures appear. Caller holds r.mu.
func (m *Manager) reapLocked(r *Room, dead []*Session, cause error) {
	removed := false
	for len(dead) > 0 {
		var next []*Session
		for _, s := range dead {
			if r.sessions[s.ID] != s {
				continue
			}
			removed = true
			delete(r.sessions, s.ID)
			if s.heartbeat != nil {
				s.heartbeat.Stop()
				s.heartbeat = nil
			}
			s.conn.Terminate()
			r.lastActivity = m.clock.Now()
			if s.User != "" {
				m.sync.RemoveMember(r.id, s.User)
			}

			ev := log.Info()
			if cause != nil {
				ev = ev.Err(cause)
			}
			ev.Str("module", "app.manager").Str("room", string(r.id)).Str("conn", string(s.ID)).
				Int("count", len(r.sessions)).Msg("left")

			if r.ownerConn == s.ID {
				r.ownerConn = ""
				if heir := r.oldestLocked(); heir != nil {
					r.ownerConn = heir.ID
					log.Info().Str("module", "app.manager").Str("room", string(r.id)).Str("conn", string(heir.ID)).Msg("ownership transferred")
					next = append(next, m.bus.unicastLocked(r, heir, protocol.RoomInfo{Info: r.infoLocked(heir.ID)})...)
				}
			}
			next = append(next, m.bus.broadcastLocked(r, "", protocol.UserLeft{Presence: m.presenceLocked(r, s.ID)})...)
			next = append(next, m.bus.broadcastLocked(r, "", protocol.UserCountUpdate{Count: len(r.sessions)})...)
		}
		dead = next
		cause = core.ErrBackpressure
	}

	if removed && len(r.sessions) == 0 && !r.closed {
		m.registry.releaseLocked(r)
	}
}

func (m *Manager) presenceLocked(r *Room, id core.ConnID) protocol.Presence {
	return protocol.Presence{
		UserID:    string(id),
		UserCount: len(r.sessions),
		Timestamp: m.clock.Now().UnixMilli(),
	}
}

func (m *Manager) armHeartbeatLocked(r *Room, s *Session) {
	s.heartbeat = m.clock.AfterFunc(m.heartbeat, func() { m.checkLiveness(r, s) })
}

// checkLiveness is one heartbeat cycle: a session that did not acknowledge the
// previous ping is terminated, otherwise a new ping is sent.
func (m *Manager) checkLiveness(r *Room, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.ID] != s {
		return
	}
	if !s.alive.Swap(false) {
		m.metrics.LivenessTimeout()
		log.Warn().Str("module", "app.manager").Str("room", string(r.id)).Str("conn", string(s.ID)).Msg("heartbeat missed, terminating")
		m.reapLocked(r, []*Session{s}, domain.ErrLivenessTimeout)
		return
	}
	if err := s.conn.Ping(); err != nil {
		m.reapLocked(r, []*Session{s}, err)
		return
	}
	m.armHeartbeatLocked(r, s)
}

// CloseAll sends a close frame to every live session.
func (m *Manager) CloseAll(code int, reason string) {
	for _, r := range m.registry.Rooms() {
		r.mu.Lock()
		for _, s := range r.sessions {
			s.conn.Close(code, reason)
		}
		r.mu.Unlock()
	}
}
