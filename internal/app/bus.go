package app

import (
	"errors"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Whiteboard/internal/core"
	"github.com/dkeye/Whiteboard/internal/metrics"
	"github.com/dkeye/Whiteboard/internal/protocol"
)

// Bus routes inbound messages and fans frames out to room participants.
// It only holds sessions for the duration of a call.
type Bus struct {
	policy  Policy
	sync    *Syncer
	clock   clockwork.Clock
	metrics *metrics.Metrics

	// set by NewManager
	reap func(r *Room, dead []*Session, cause error)
}

func NewBus(policy Policy, sync *Syncer, clock clockwork.Clock, m *metrics.Metrics) *Bus {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Bus{policy: policy, sync: sync, clock: clock, metrics: m}
}

// Broadcast sends msg to every session of the room except exclude.
func (b *Bus) Broadcast(r *Room, exclude core.ConnID, msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b.reapFailed(r, b.broadcastLocked(r, exclude, msg))
}

// Route applies one inbound message from sess.
func (b *Bus) Route(sess *Session, msg protocol.Message) {
	r := sess.room
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[sess.ID] != sess {
		return
	}
	now := b.clock.Now()
	sess.lastMessageAt = now
	r.lastActivity = now

	var failed []*Session
	switch m := msg.(type) {
	case protocol.DrawStart:
		failed = b.broadcastLocked(r, sess.ID, protocol.DrawStart{Stroke: m.Stroke.Normalize(string(sess.ID))})
	case protocol.Draw:
		failed = b.broadcastLocked(r, sess.ID, protocol.Draw{Stroke: m.Stroke.Normalize(string(sess.ID))})
	case protocol.SaveCanvas:
		r.canvas = m.Canvas
		b.sync.Checkpoint(r.id, m.Canvas)
	case protocol.CanvasSnapshot:
		failed = b.broadcastLocked(r, sess.ID, m)
	case protocol.RequestState:
		failed = b.unicastLocked(r, sess, r.stateLocked(sess.ID))
	case protocol.ClearCanvas, protocol.Undo:
		failed = b.broadcastLocked(r, sess.ID, m)
	case protocol.InitialState, protocol.RoomInfo, protocol.UserJoined, protocol.UserLeft, protocol.UserCountUpdate:
		log.Warn().Str("module", "app.bus").Str("room", string(r.id)).Str("conn", string(sess.ID)).
			Str("type", string(msg.Type())).Msg("server message from client ignored")
	}
	b.reapFailed(r, failed)
}

func (b *Bus) reapFailed(r *Room, failed []*Session) {
	if len(failed) > 0 && b.reap != nil {
		b.reap(r, failed, core.ErrBackpressure)
	}
}

func (b *Bus) encode(r *Room, msg protocol.Message) (core.Frame, bool) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Str("module", "app.bus").Str("room", string(r.id)).Err(err).Msg("encode failed")
		return nil, false
	}
	return frame, true
}

// broadcastLocked encodes once and enqueues to every recipient. A failing
// recipient never stops delivery to the rest; the sessions to remove are
// returned. Caller holds r.mu.
func (b *Bus) broadcastLocked(r *Room, exclude core.ConnID, msg protocol.Message) []*Session {
	frame, ok := b.encode(r, msg)
	if !ok {
		return nil
	}
	var failed []*Session
	delivered := 0
	for id, s := range r.sessions {
		if id == exclude {
			continue
		}
		if b.sendLocked(r, s, frame) {
			delivered++
		} else {
			failed = append(failed, s)
		}
	}
	b.metrics.Delivered(delivered)
	return failed
}

func (b *Bus) unicastLocked(r *Room, s *Session, msg protocol.Message) []*Session {
	frame, ok := b.encode(r, msg)
	if !ok {
		return nil
	}
	if b.sendLocked(r, s, frame) {
		b.metrics.Delivered(1)
		return nil
	}
	return []*Session{s}
}

// sendLocked reports false when s must be removed.
func (b *Bus) sendLocked(r *Room, s *Session, frame core.Frame) bool {
	err := s.conn.TrySend(frame)
	if err == nil {
		return true
	}
	if errors.Is(err, core.ErrConnClosed) {
		b.metrics.SendFailed("closed")
		return false
	}
	b.metrics.SendFailed("backpressure")
	switch b.policy.OnBackPressure(r, s) {
	case DropFrame:
		log.Debug().Str("module", "app.bus").Str("room", string(r.id)).Str("conn", string(s.ID)).Msg("frame dropped")
		return true
	default:
		log.Warn().Str("module", "app.bus").Str("room", string(r.id)).Str("conn", string(s.ID)).Err(err).Msg("send failed, kicking")
		return false
	}
}
