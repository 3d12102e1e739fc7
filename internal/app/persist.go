package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Whiteboard/internal/core"
	"github.com/dkeye/Whiteboard/internal/domain"
	"github.com/dkeye/Whiteboard/internal/metrics"
)

type SyncConfig struct {
	WriteTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

type checkpoint struct {
	canvas  json.RawMessage
	seq     uint64
	attempt int
	ready   bool
}

type removal struct {
	room domain.RoomID
	user domain.UserID
}

// Syncer writes canvas checkpoints and member removals to the store on a
// single background worker. Enqueueing never blocks, so it is safe to call
// from inside a room's exclusive section.
type Syncer struct {
	store   core.Store
	clock   clockwork.Clock
	metrics *metrics.Metrics
	cfg     SyncConfig

	mu       sync.Mutex
	pending  map[domain.RoomID]*checkpoint
	removals []removal
	seq      uint64

	// forgotten holds, per evicted room, the last seq issued before Forget.
	// Older checkpoints still in flight are not put back for a retry.
	forgotten map[domain.RoomID]uint64

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

func NewSyncer(store core.Store, clock clockwork.Clock, m *metrics.Metrics, cfg SyncConfig) *Syncer {
	return &Syncer{
		store:     store,
		clock:     clock,
		metrics:   m,
		cfg:       cfg,
		pending:   make(map[domain.RoomID]*checkpoint),
		forgotten: make(map[domain.RoomID]uint64),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *Syncer) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.run()
	}
}

// Stop flushes queued work once more and waits for the worker.
func (s *Syncer) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Checkpoint queues canvas for room id, replacing any older queued canvas.
func (s *Syncer) Checkpoint(id domain.RoomID, canvas json.RawMessage) {
	s.mu.Lock()
	s.seq++
	s.pending[id] = &checkpoint{canvas: canvas, seq: s.seq, ready: true}
	s.mu.Unlock()
	s.signal()
}

// RemoveMember queues a best-effort membership removal. It is tried once.
func (s *Syncer) RemoveMember(id domain.RoomID, user domain.UserID) {
	s.mu.Lock()
	s.removals = append(s.removals, removal{room: id, user: user})
	s.mu.Unlock()
	s.signal()
}

// Forget drops the queued checkpoint of an evicted room.
func (s *Syncer) Forget(id domain.RoomID) {
	s.mu.Lock()
	delete(s.pending, id)
	s.forgotten[id] = s.seq
	s.mu.Unlock()
}

// Pending reports the number of rooms with a queued checkpoint.
func (s *Syncer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Syncer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Syncer) run() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			s.drain(false)
		case <-s.stop:
			s.drain(true)
			return
		}
	}
}

type job struct {
	room domain.RoomID
	cp   checkpoint
}

// drain writes everything that is ready. On the final drain checkpoints
// waiting for a retry are written too, and failures are not retried.
func (s *Syncer) drain(final bool) {
	for {
		s.mu.Lock()
		removals := s.removals
		s.removals = nil
		var jobs []job
		for id, cp := range s.pending {
			if cp.ready || final {
				jobs = append(jobs, job{room: id, cp: *cp})
				delete(s.pending, id)
			}
		}

		if len(removals) == 0 && len(jobs) == 0 {
			// Nothing is in flight, so no stale retry can come back.
			clear(s.forgotten)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		for _, rm := range removals {
			s.removeMember(rm)
		}
		for _, j := range jobs {
			s.save(j, final)
		}
	}
}

func (s *Syncer) removeMember(rm removal) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.store.RemoveMember(ctx, rm.room, rm.user); err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
		s.metrics.PersistFailed("remove_member")
		log.Warn().Str("module", "app.sync").Str("room", string(rm.room)).Str("user", string(rm.user)).Err(err).Msg("remove member failed")
	}
}

func (s *Syncer) save(j job, final bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	err := s.store.Save(ctx, j.room, j.cp.canvas)
	cancel()
	if err == nil {
		s.metrics.Checkpointed()
		log.Debug().Str("module", "app.sync").Str("room", string(j.room)).Msg("checkpoint written")
		return
	}

	err = fmt.Errorf("%w: %w", domain.ErrPersistWrite, err)
	s.metrics.PersistFailed("save")
	ev := log.Warn().Str("module", "app.sync").Str("room", string(j.room)).Int("attempt", j.cp.attempt).Err(err)
	if final || errors.Is(err, domain.ErrRoomNotFound) || j.cp.attempt >= s.cfg.MaxRetries {
		ev.Msg("checkpoint dropped")
		return
	}

	cp := j.cp
	cp.attempt++
	cp.ready = false
	delay := s.cfg.RetryBackoff << (cp.attempt - 1)

	s.mu.Lock()
	if last, ok := s.forgotten[j.room]; ok && cp.seq <= last {
		s.mu.Unlock()
		ev.Msg("checkpoint dropped, room evicted")
		return
	}
	if cur, ok := s.pending[j.room]; ok && cur.seq > cp.seq {
		s.mu.Unlock()
		ev.Msg("checkpoint superseded")
		return
	}
	s.pending[j.room] = &cp
	s.mu.Unlock()
	ev.Dur("retry_in", delay).Msg("checkpoint failed")

	s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if cur, ok := s.pending[j.room]; ok && cur.seq == cp.seq {
			cur.ready = true
		}
		s.mu.Unlock()
		s.signal()
	})
}
