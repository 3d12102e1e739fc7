package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Whiteboard/internal/adapters/store/memory"
	"github.com/dkeye/Whiteboard/internal/core"
	"github.com/dkeye/Whiteboard/internal/domain"
	"github.com/dkeye/Whiteboard/internal/metrics"
	"github.com/dkeye/Whiteboard/internal/protocol"
)

type fakeConn struct {
	mu         sync.Mutex
	frames     []core.Frame
	pings      int
	full       bool
	closeCode  int
	terminated bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return core.ErrConnClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return nil
}

func (c *fakeConn) Close(code int, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCode = code
}

func (c *fakeConn) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = true
}

func (c *fakeConn) setFull(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = full
}

func (c *fakeConn) isTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func (c *fakeConn) messages(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, 0, len(c.frames))
	for _, f := range c.frames {
		m, err := protocol.Decode(f)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) last(t *testing.T) protocol.Message {
	t.Helper()
	msgs := c.messages(t)
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

// testStore counts calls and injects failures on top of the memory store.
type testStore struct {
	*memory.Store

	mu          sync.Mutex
	loadCalls   int
	loadGate    chan struct{}
	loadErr     error
	saveCalls   int
	saveGate    chan struct{}
	saveErrs    []error
	removeCalls int
	removeErr   error
	deleteCalls int
}

func newTestStore() *testStore {
	return &testStore{Store: memory.New()}
}

func (s *testStore) Load(ctx context.Context, id domain.RoomID) (*domain.Record, error) {
	s.mu.Lock()
	s.loadCalls++
	gate, err := s.loadGate, s.loadErr
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return s.Store.Load(ctx, id)
}

func (s *testStore) Save(ctx context.Context, id domain.RoomID, canvas json.RawMessage) error {
	s.mu.Lock()
	s.saveCalls++
	gate := s.saveGate
	var err error
	if len(s.saveErrs) > 0 {
		err, s.saveErrs = s.saveErrs[0], s.saveErrs[1:]
	}
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}
	return s.Store.Save(ctx, id, canvas)
}

func (s *testStore) RemoveMember(ctx context.Context, id domain.RoomID, user domain.UserID) error {
	s.mu.Lock()
	s.removeCalls++
	err := s.removeErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.RemoveMember(ctx, id, user)
}

func (s *testStore) Delete(ctx context.Context, id domain.RoomID) error {
	s.mu.Lock()
	s.deleteCalls++
	s.mu.Unlock()
	return s.Store.Delete(ctx, id)
}

func (s *testStore) counts() (load, save, remove, del int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadCalls, s.saveCalls, s.removeCalls, s.deleteCalls
}

const (
	testGrace     = 5 * time.Second
	testHeartbeat = 30 * time.Second
)

type engine struct {
	clock    clockwork.FakeClock
	store    *testStore
	sync     *Syncer
	registry *Registry
	bus      *Bus
	manager  *Manager
}

func newEngine(t *testing.T, policy Policy) *engine {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := newTestStore()
	m := metrics.Noop()
	sync := NewSyncer(store, clock, m, SyncConfig{
		WriteTimeout: time.Second,
		MaxRetries:   2,
		RetryBackoff: 500 * time.Millisecond,
	})
	registry := NewRegistry(store, sync, clock, m, RegistryConfig{
		Grace:        testGrace,
		LoadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	bus := NewBus(policy, sync, clock, m)
	manager := NewManager(registry, bus, sync, clock, m, testHeartbeat)
	return &engine{clock: clock, store: store, sync: sync, registry: registry, bus: bus, manager: manager}
}

func (e *engine) seed(t *testing.T, rec domain.Record) {
	t.Helper()
	require.NoError(t, e.store.Create(context.Background(), rec))
}

func (e *engine) join(t *testing.T, room domain.RoomID, id core.ConnID) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	sess, err := e.manager.Join(context.Background(), room, id, conn, "")
	require.NoError(t, err)
	return sess, conn
}

func ofType(msgs []protocol.Message, typ protocol.Type) []protocol.Message {
	var out []protocol.Message
	for _, m := range msgs {
		if m.Type() == typ {
			out = append(out, m)
		}
	}
	return out
}
