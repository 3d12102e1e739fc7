package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Whiteboard/internal/domain"
	"github.com/dkeye/Whiteboard/internal/protocol"
)

func decode(t *testing.T, raw string) protocol.Message {
	t.Helper()
	m, err := protocol.Decode([]byte(raw))
	require.NoError(t, err)
	return m
}

func TestRoute_DrawIsNormalizedAndRelayed(t *testing.T) {
	e := newEngine(t, nil)
	e.seed(t, domain.Record{ID: "r1"})
	a, connA := e.join(t, "r1", "a")
	_, connB := e.join(t, "r1", "b")
	connA.reset()
	connB.reset()

	e.bus.Route(a, decode(t, `{"type":"DRAW","payload":{"tool":"pen","startPos":{"x":0,"y":0},"currentPos":{"x":5,"y":5},"extra":true}}`))

	assert.Empty(t, connA.messages(t), "sender is excluded")
	want := protocol.Draw{Stroke: protocol.Stroke{
		Tool:       "pen",
		StartPos:   &protocol.Point{X: 0, Y: 0},
		CurrentPos: &protocol.Point{X: 5, Y: 5},
		UserID:     "a",
	}}
	assert.Equal(t, []protocol.Message{want}, connB.messages(t))
}

func TestRoute_DrawStartStampsSender(t *testing.T) {
	e := newEngine(t, nil)
	e.seed(t, domain.Record{ID: "r1"})
	a, _ := e.join(t, "r1", "a")
	_, connB := e.join(t, "r1", "b")
	connB.reset()

	e.bus.Route(a, decode(t, `{"type":"DRAW_START","payload":{"tool":"pen","userId":"mallory"}}`))

	start := connB.last(t).(protocol.DrawStart)
	assert.Equal(t, "a", start.Stroke.UserID)
}

func TestRoute_SaveCanvasIsCheckpointOnly(t *testing.T) {
	e := newEngine(t, nil)
	e.seed(t, domain.Record{ID: "r1"})
	e.sync.Start()
	t.Cleanup(func() { _ = e.sync.Stop(context.Background()) })

	a, _ := e.join(t, "r1", "a")
	_, connB := e.join(t, "r1", "b")
	connB.reset()

	canvas := json.RawMessage(`"data:image/png;base64,AAAA"`)
	e.bus.Route(a, protocol.SaveCanvas{Canvas: canvas})

	assert.Empty(t, connB.messages(t))
	assert.JSONEq(t, string(canvas), string(a.Room().Canvas()))
	require.Eventually(t, func() bool {
		rec, err := e.store.Store.Load(context.Background(), "r1")
		return err == nil && string(rec.Canvas) == string(canvas)
	}, time.Second, 5*time.Millisecond)
}

func TestRoute_CanvasSnapshotRelaysWithoutState(t *testing.T) {
	e := newEngine(t, nil)
	e.seed(t, domain.Record{ID: "r1"})
	a, _ := e.join(t, "r1", "a")
	_, connB := e.join(t, "r1", "b")
	connB.reset()

	e.bus.Route(a, protocol.CanvasSnapshot{Frame: json.RawMessage(`"data:image/png;base64,FRAME"`)})

	snap := connB.last(t).(protocol.CanvasSnapshot)
	assert.JSONEq(t, `"data:image/png;base64,FRAME"`, string(snap.Frame))
	assert.Nil(t, a.Room().Canvas())
	assert.Zero(t, e.sync.Pending())
}

func TestRoute_RequestStateIsUnicast(t *testing.T) {
	e := newEngine(t, nil)
	e.seed(t, domain.Record{ID: "r1"})
	a, connA := e.join(t, "r1", "a")
	b, connB := e.join(t, "r1", "b")
	connA.reset()
	connB.reset()

	e.bus.Route(b, protocol.RequestState{})
	assert.Equal(t, protocol.RoomInfo{Info: protocol.Info{RoomID: "r1", UserCount: 2}}, connB.last(t))
	assert.Empty(t, connA.messages(t))

	e.bus.Route(a, protocol.SaveCanvas{Canvas: json.RawMessage(`"data:image/png;base64,X"`)})
	connB.reset()
	e.bus.Route(b, protocol.RequestState{})

	state := connB.last(t).(protocol.InitialState)
	assert.JSONEq(t, `"data:image/png;base64,X"`, string(state.CanvasState))
	assert.False(t, state.RoomInfo.IsOwner)
	assert.Empty(t, connA.messages(t))
}

func TestRoute_DirectivesAreRelayed(t *testing.T) {
	e := newEngine(t, nil)
	e.seed(t, domain.Record{ID: "r1"})
	a, _ := e.join(t, "r1", "a")
	_, connB := e.join(t, "r1", "b")
	connB.reset()

	e.bus.Route(a, protocol.ClearCanvas{})
	e.bus.Route(a, protocol.Undo{})

	assert.Equal(t, []protocol.Message{protocol.ClearCanvas{}, protocol.Undo{}}, connB.messages(t))
}

func TestRoute_ServerMessagesFromClientAreIgnored(t *testing.T) {
	e := newEngine(t, nil)
	e.seed(t, domain.Record{ID: "r1"})
	a, connA := e.join(t, "r1", "a")
	_, connB := e.join(t, "r1", "b")
	connB.reset()

	e.bus.Route(a, protocol.UserCountUpdate{Count: 99})

	assert.Empty(t, connB.messages(t))
	assert.False(t, connA.isTerminated())
}

func TestRoute_PerSenderOrder(t *testing.T) {
	e := newEngine(t, nil)
	e.seed(t, domain.Record{ID: "r1"})
	a, _ := e.join(t, "r1", "a")
	_, connB := e.join(t, "r1", "b")
	_, connC := e.join(t, "r1", "c")
	connB.reset()
	connC.reset()

	const n = 50
	for i := range n {
		e.bus.Route(a, protocol.Draw{Stroke: protocol.Stroke{CurrentPos: &protocol.Point{X: float64(i)}}})
	}

	for _, conn := range []*fakeConn{connB, connC} {
		msgs := conn.messages(t)
		require.Len(t, msgs, n)
		for i, m := range msgs {
			assert.Equal(t, float64(i), m.(protocol.Draw).Stroke.CurrentPos.X)
		}
	}
}

func TestBroadcast_FailureIsIsolated(t *testing.T) {
	e := newEngine(t, nil)
	e.seed(t, domain.Record{ID: "r1"})
	a, _ := e.join(t, "r1", "a")
	_, connB := e.join(t, "r1", "b")
	_, connC := e.join(t, "r1", "c")
	connC.reset()
	connB.setFull(true)

	e.bus.Route(a, protocol.Draw{Stroke: protocol.Stroke{Tool: "pen"}})

	msgs := connC.messages(t)
	require.NotEmpty(t, msgs)
	assert.Equal(t, protocol.TypeDraw, msgs[0].Type())
	assert.True(t, connB.isTerminated())
	assert.Equal(t, 2, a.Room().Count())
	assert.Equal(t, protocol.UserCountUpdate{Count: 2}, connC.last(t))
}

type dropPolicy struct{}

func (dropPolicy) OnBackPressure(*Room, *Session) BackpressureAction { return DropFrame }

func TestBroadcast_DropFramePolicyKeepsSlowMember(t *testing.T) {
	e := newEngine(t, dropPolicy{})
	e.seed(t, domain.Record{ID: "r1"})
	a, _ := e.join(t, "r1", "a")
	_, connB := e.join(t, "r1", "b")
	connB.setFull(true)

	e.bus.Route(a, protocol.Draw{Stroke: protocol.Stroke{Tool: "pen"}})

	assert.False(t, connB.isTerminated())
	assert.Equal(t, 2, a.Room().Count())
}

func TestBroadcast_ClosedConnIsRemovedRegardlessOfPolicy(t *testing.T) {
	e := newEngine(t, dropPolicy{})
	e.seed(t, domain.Record{ID: "r1"})
	a, _ := e.join(t, "r1", "a")
	_, connB := e.join(t, "r1", "b")
	connB.Terminate()

	e.bus.Broadcast(a.Room(), "", protocol.ClearCanvas{})

	assert.Equal(t, 1, a.Room().Count())
}

func TestRoute_AfterLeaveIsNoop(t *testing.T) {
	e := newEngine(t, nil)
	e.seed(t, domain.Record{ID: "r1"})
	a, _ := e.join(t, "r1", "a")
	_, connB := e.join(t, "r1", "b")
	e.manager.Leave(a, nil)
	connB.reset()

	e.bus.Route(a, protocol.ClearCanvas{})
	assert.Empty(t, connB.messages(t))
}
