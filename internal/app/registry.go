package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/Whiteboard/internal/core"
	"github.com/dkeye/Whiteboard/internal/domain"
	"github.com/dkeye/Whiteboard/internal/metrics"
)

type RegistryConfig struct {
	Grace        time.Duration
	LoadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

// Registry owns every in-memory room. Its lock guards only the id->room map
// and is always taken before a room lock, never while holding one.
type Registry struct {
	mu       sync.Mutex
	rooms    map[domain.RoomID]*Room
	evicting map[domain.RoomID]chan struct{}
	shutdown bool

	loads   singleflight.Group
	store   core.Store
	sync    *Syncer
	clock   clockwork.Clock
	metrics *metrics.Metrics
	cfg     RegistryConfig
}

func NewRegistry(store core.Store, sync *Syncer, clock clockwork.Clock, m *metrics.Metrics, cfg RegistryConfig) *Registry {
	return &Registry{
		rooms:    make(map[domain.RoomID]*Room),
		evicting: make(map[domain.RoomID]chan struct{}),
		store:    store,
		sync:     sync,
		clock:    clock,
		metrics:  m,
		cfg:      cfg,
	}
}

// GetOrLoad returns the live room or loads it from the store. Concurrent
// callers for the same id share one load.
func (reg *Registry) GetOrLoad(ctx context.Context, id domain.RoomID) (*Room, error) {
	if r, ok := reg.Peek(id); ok {
		return r, nil
	}

	ch := reg.loads.DoChan(string(id), func() (any, error) {
		return reg.load(ctx, id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Room), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (reg *Registry) load(ctx context.Context, id domain.RoomID) (*Room, error) {
	// The load is shared, so one caller giving up must not abort the others.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reg.cfg.LoadTimeout)
	defer cancel()

	reg.mu.Lock()
	if r, ok := reg.rooms[id]; ok {
		reg.mu.Unlock()
		return r, nil
	}
	pending := reg.evicting[id]
	reg.mu.Unlock()

	// A room being evicted has its record deleted; wait so the load sees it.
	if pending != nil {
		select {
		case <-pending:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrRoomUnavailable, ctx.Err())
		}
	}

	rec, err := reg.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			return nil, domain.ErrRoomNotFound
		}
		log.Error().Str("module", "app.registry").Str("room", string(id)).Err(err).Msg("load failed")
		return nil, fmt.Errorf("%w: %v", domain.ErrRoomUnavailable, err)
	}

	r := newRoom(rec, reg.clock.Now())
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if existing, ok := reg.rooms[id]; ok {
		return existing, nil
	}
	reg.rooms[id] = r
	// A loaded room starts empty. If the joiner that caused the load gave up,
	// the room must still be evicted once the grace period passes.
	r.mu.Lock()
	reg.releaseLocked(r)
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("room loaded")
	return r, nil
}

// Create allocates the durable record only; the room is loaded on first join.
func (reg *Registry) Create(ctx context.Context, id domain.RoomID, owner domain.UserID) (*domain.Record, error) {
	now := reg.clock.Now().UTC()
	rec := domain.Record{ID: id, Owner: owner, CreatedAt: now, UpdatedAt: now}
	if err := reg.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	log.Info().Str("module", "app.registry").Str("room", string(id)).Str("owner", string(owner)).Msg("room created")
	return &rec, nil
}

func (reg *Registry) Peek(id domain.RoomID) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[id]
	return r, ok
}

func (reg *Registry) Rooms() []*Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		out = append(out, r)
	}
	return out
}

func (reg *Registry) Stats() Stats {
	rooms := reg.Rooms()
	st := Stats{Rooms: len(rooms)}
	for _, r := range rooms {
		st.Connections += r.Count()
	}
	return st
}

// releaseLocked starts the grace period of an empty room. Caller holds r.mu.
func (reg *Registry) releaseLocked(r *Room) {
	reg.cancelEvictionLocked(r)
	gen := r.evictGen
	r.evictTimer = reg.clock.AfterFunc(reg.cfg.Grace, func() { reg.evict(r, gen) })
	log.Debug().Str("module", "app.registry").Str("room", string(r.id)).Dur("grace", reg.cfg.Grace).Msg("room empty, eviction scheduled")
}

// cancelEvictionLocked invalidates any pending eviction. Caller holds r.mu.
func (reg *Registry) cancelEvictionLocked(r *Room) {
	r.evictGen++
	if r.evictTimer != nil {
		r.evictTimer.Stop()
		r.evictTimer = nil
	}
}

func (reg *Registry) evict(r *Room, gen uint64) {
	reg.mu.Lock()
	r.mu.Lock()
	if reg.shutdown || r.closed || r.evictGen != gen || len(r.sessions) > 0 {
		r.mu.Unlock()
		reg.mu.Unlock()
		return
	}
	r.closed = true
	r.evictTimer = nil
	if reg.rooms[r.id] == r {
		delete(reg.rooms, r.id)
	}
	done := make(chan struct{})
	reg.evicting[r.id] = done
	r.mu.Unlock()
	reg.mu.Unlock()

	defer func() {
		reg.mu.Lock()
		delete(reg.evicting, r.id)
		reg.mu.Unlock()
		close(done)
	}()

	reg.sync.Forget(r.id)
	reg.metrics.Evicted()

	ctx, cancel := context.WithTimeout(context.Background(), reg.cfg.WriteTimeout)
	defer cancel()
	if err := reg.store.Delete(ctx, r.id); err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
		reg.metrics.PersistFailed("delete")
		log.Error().Str("module", "app.registry").Str("room", string(r.id)).Err(err).Msg("delete record failed")
		return
	}
	log.Info().Str("module", "app.registry").Str("room", string(r.id)).Msg("room evicted")
}

// Close cancels all pending evictions so a shutting down process keeps its
// durable records.
func (reg *Registry) Close() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.shutdown = true
	for _, r := range reg.rooms {
		r.mu.Lock()
		reg.cancelEvictionLocked(r)
		r.mu.Unlock()
	}
}
