package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Whiteboard/internal/domain"
	"github.com/dkeye/Whiteboard/internal/protocol"
)

type inbound struct {
	data []byte
	err  error
}

type fakeConn struct {
	in     chan inbound
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	written  [][]byte
	controls []int
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan inbound, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		if m.err != nil {
			return 0, nil, m.err
		}
		return websocket.TextMessage, m.data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		c.controls = append(c.controls, int(data[0])<<8|int(data[1]))
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) drop(err error) {
	c.in <- inbound{err: err}
}

func (c *fakeConn) sent(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, 0, len(c.written))
	for _, raw := range c.written {
		m, err := protocol.Decode(raw)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) closeCodes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.controls...)
}

type dialResult struct {
	conn *fakeConn
	err  error
}

// fakeDialer hands out scripted results in order. Once the script runs out
// every dial fails.
type fakeDialer struct {
	clock clockwork.Clock
	gate  chan struct{}

	mu      sync.Mutex
	script  []dialResult
	dialsAt []time.Time
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.dialsAt = append(d.dialsAt, d.clock.Now())
	gate := d.gate
	var next dialResult
	if len(d.script) > 0 {
		next, d.script = d.script[0], d.script[1:]
	} else {
		next = dialResult{err: errors.New("connection refused")}
	}
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if next.err != nil {
		return nil, next.err
	}
	return next.conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dialsAt)
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) all() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

type harness struct {
	session *Session
	dialer  *fakeDialer
	clock   clockwork.FakeClock
	states  *stateLog

	mu       sync.Mutex
	received []protocol.Message
}

func newHarness(t *testing.T, maxAttempts int, script ...dialResult) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	h := &harness{
		dialer: &fakeDialer{clock: clock, script: script},
		clock:  clock,
		states: &stateLog{},
	}
	h.session = NewSession(Options{
		URL:         "ws://test/whiteboard/r1",
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Second,
		SendPoll:    100 * time.Millisecond,
		Clock:       clock,
		Dialer:      h.dialer,
		OnState:     h.states.record,
		OnMessage: func(m protocol.Message) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.received = append(h.received, m)
		},
	})
	t.Cleanup(func() { _ = h.session.Close() })
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.session.State() == want }, time.Second, time.Millisecond,
		"want %s, have %s", want, h.session.State())
}

func (h *harness) messages() []protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Message(nil), h.received...)
}

func TestSession_ReceivesAndSends(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(t, 5, dialResult{conn: conn})
	h.session.Start(context.Background())
	h.waitState(t, Open)

	conn.in <- inbound{data: []byte(`{"type":"USER_COUNT_UPDATE","count":2}`)}
	conn.in <- inbound{data: []byte(`not json`)}
	conn.in <- inbound{data: []byte(`{"type":"CLEAR_CANVAS"}`)}
	require.Eventually(t, func() bool { return len(h.messages()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []protocol.Message{protocol.UserCountUpdate{Count: 2}, protocol.ClearCanvas{}}, h.messages())

	require.NoError(t, h.session.Send(protocol.Undo{}))
	assert.Equal(t, []protocol.Message{protocol.Undo{}}, conn.sent(t))
}

func TestSession_DefersSendWhileConnecting(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(t, 5, dialResult{conn: conn})
	h.dialer.gate = make(chan struct{})
	h.session.Start(context.Background())

	require.Eventually(t, func() bool { return h.dialer.dials() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, h.session.Send(protocol.RequestState{}))
	require.NoError(t, h.session.Send(protocol.ClearCanvas{}))

	close(h.dialer.gate)
	h.waitState(t, Open)
	require.NoError(t, h.session.Send(protocol.Undo{}))
	assert.Empty(t, conn.sent(t), "later sends wait behind the queue")

	h.clock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return len(conn.sent(t)) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []protocol.Message{protocol.RequestState{}, protocol.ClearCanvas{}, protocol.Undo{}}, conn.sent(t))
}

func TestSession_BackoffDoublesThenExhausts(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(t, 2, dialResult{conn: conn})
	h.session.Start(context.Background())
	h.waitState(t, Open)
	start := h.clock.Now()

	conn.drop(io.EOF)
	h.waitState(t, Reconnecting)

	// flush ticker plus the backoff timer
	h.clock.BlockUntil(2)
	h.clock.Advance(999 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.dials())
	h.clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return h.dialer.dials() == 2 }, time.Second, time.Millisecond)

	h.clock.BlockUntil(2)
	h.clock.Advance(1999 * time.Millisecond)
	assert.Equal(t, 2, h.dialer.dials())
	h.clock.Advance(time.Millisecond)

	select {
	case <-h.session.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not give up")
	}
	assert.Equal(t, 3, h.dialer.dials())
	assert.ErrorIs(t, h.session.Err(), domain.ErrReconnectExhausted)
	assert.Equal(t, Closed, h.session.State())

	h.dialer.mu.Lock()
	assert.Equal(t, time.Second, h.dialer.dialsAt[1].Sub(start))
	assert.Equal(t, 3*time.Second, h.dialer.dialsAt[2].Sub(start))
	h.dialer.mu.Unlock()

	assert.Equal(t, []State{
		Open, ClosingAbnormal, Reconnecting, Connecting,
		ClosingAbnormal, Reconnecting, Connecting,
		ClosingAbnormal, Closed,
	}, h.states.all())
}

func TestSession_AttemptsResetOnOpen(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	h := newHarness(t, 5,
		dialResult{conn: first},
		dialResult{err: errors.New("refused")},
		dialResult{conn: second},
	)
	h.session.Start(context.Background())
	h.waitState(t, Open)

	first.drop(io.ErrUnexpectedEOF)
	h.clock.BlockUntil(2)
	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.dialer.dials() == 2 }, time.Second, time.Millisecond)
	h.clock.BlockUntil(2)
	h.clock.Advance(2 * time.Second)
	h.waitState(t, Open)

	second.drop(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	h.waitState(t, Reconnecting)
	h.clock.BlockUntil(2)
	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.dialer.dials() == 4 }, time.Second, time.Millisecond,
		"first delay again after a successful open")
}

func TestSession_CleanCloseDoesNotReconnect(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(t, 5, dialResult{conn: conn})
	h.session.Start(context.Background())
	h.waitState(t, Open)

	conn.drop(&websocket.CloseError{Code: 1008, Text: "room not found"})
	<-h.session.Done()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, h.session.Err(), &closeErr)
	assert.Equal(t, 1008, closeErr.Code)
	assert.Equal(t, []State{Open, ClosingNormal, Closed}, h.states.all())

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.dialer.dials())
}

func TestSession_ManualCloseWhileOpen(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(t, 5, dialResult{conn: conn})
	h.session.Start(context.Background())
	h.waitState(t, Open)

	require.NoError(t, h.session.Close())
	<-h.session.Done()

	assert.Equal(t, []int{websocket.CloseNormalClosure}, conn.closeCodes())
	assert.NoError(t, h.session.Err())
	assert.ErrorIs(t, h.session.Send(protocol.Undo{}), ErrNotConnected)
	assert.Empty(t, conn.sent(t))
}

func TestSession_ManualCloseCancelsBackoff(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(t, 5, dialResult{conn: conn})
	h.session.Start(context.Background())
	h.waitState(t, Open)

	conn.drop(io.EOF)
	h.waitState(t, Reconnecting)
	require.NoError(t, h.session.Close())
	<-h.session.Done()

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.dialer.dials())
	assert.Equal(t, Closed, h.session.State())
	assert.NoError(t, h.session.Err())
}

func TestSession_ManualCloseCancelsDial(t *testing.T) {
	h := newHarness(t, 5, dialResult{conn: newFakeConn()})
	h.dialer.gate = make(chan struct{})
	h.session.Start(context.Background())
	require.Eventually(t, func() bool { return h.dialer.dials() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.session.Send(protocol.RequestState{}))
	require.NoError(t, h.session.Close())
	<-h.session.Done()
	assert.Equal(t, []State{Closed}, h.states.all())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "CLOSING_ABNORMAL", ClosingAbnormal.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
