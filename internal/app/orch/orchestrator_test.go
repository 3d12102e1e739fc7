package orch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Whiteboard/internal/adapters/store/memory"
	"github.com/dkeye/Whiteboard/internal/app"
	"github.com/dkeye/Whiteboard/internal/core"
	"github.com/dkeye/Whiteboard/internal/domain"
	"github.com/dkeye/Whiteboard/internal/protocol"
)

type nopConn struct {
	mu        sync.Mutex
	closeCode int
}

func (*nopConn) TrySend(core.Frame) error { return nil }
func (*nopConn) Ping() error              { return nil }
func (*nopConn) Terminate()               {}
func (c *nopConn) Close(code int, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCode = code
}

type brokenStore struct {
	*memory.Store
}

func (brokenStore) Load(context.Context, domain.RoomID) (*domain.Record, error) {
	return nil, errors.New("disk on fire")
}

func testConfig() Config {
	return Config{
		Heartbeat: 30 * time.Second,
		Registry:  app.RegistryConfig{Grace: 5 * time.Second, LoadTimeout: time.Second, WriteTimeout: time.Second},
		Sync:      app.SyncConfig{WriteTimeout: time.Second, MaxRetries: 2, RetryBackoff: 500 * time.Millisecond},
	}
}

func TestConnect_CloseCodes(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Create(context.Background(), domain.Record{ID: "r1"}))

	tests := []struct {
		name     string
		store    core.Store
		room     domain.RoomID
		wantCode int
		wantErr  error
	}{
		{"found", store, "r1", 0, nil},
		{"not found", store, "nope", core.CloseRoomNotFound, domain.ErrRoomNotFound},
		{"store down", brokenStore{memory.New()}, "r1", core.CloseServerFault, domain.ErrRoomUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(tt.store, clockwork.NewFakeClock(), nil, testConfig())
			sess, code, err := o.Connect(context.Background(), tt.room, "c1", &nopConn{}, "")
			assert.Equal(t, tt.wantCode, code)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, sess)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, o.ActiveUsers(tt.room))
		})
	}
}

func TestShutdown_FlushesAndKeepsRecords(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Create(context.Background(), domain.Record{ID: "r1"}))
	clock := clockwork.NewFakeClock()
	o := New(store, clock, nil, testConfig())
	o.Start()

	conn := &nopConn{}
	sess, _, err := o.Connect(context.Background(), "r1", "c1", conn, "")
	require.NoError(t, err)
	o.OnMessage(sess, protocol.SaveCanvas{Canvas: json.RawMessage(`"data:image/png;base64,Z"`)})

	canvas, live := o.Canvas("r1")
	require.True(t, live)
	assert.JSONEq(t, `"data:image/png;base64,Z"`, string(canvas))

	require.NoError(t, o.Shutdown(context.Background()))
	assert.Equal(t, core.CloseGoingAway, conn.closeCode)

	o.OnDisconnect(sess, nil)
	clock.Advance(time.Minute)

	rec, err := store.Load(context.Background(), "r1")
	require.NoError(t, err)
	assert.JSONEq(t, `"data:image/png;base64,Z"`, string(rec.Canvas))
}

func TestStats(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Create(context.Background(), domain.Record{ID: "r1"}))
	o := New(store, clockwork.NewFakeClock(), nil, testConfig())

	_, _, err := o.Connect(context.Background(), "r1", "a", &nopConn{}, "")
	require.NoError(t, err)
	_, _, err = o.Connect(context.Background(), "r1", "b", &nopConn{}, "")
	require.NoError(t, err)

	assert.Equal(t, app.Stats{Rooms: 1, Connections: 2}, o.Stats())

	_, live := o.Canvas("missing")
	assert.False(t, live)
	assert.Zero(t, o.ActiveUsers("missing"))
}
