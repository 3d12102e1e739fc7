package orch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/Whiteboard/internal/app"
	"github.com/dkeye/Whiteboard/internal/core"
	"github.com/dkeye/Whiteboard/internal/domain"
	"github.com/dkeye/Whiteboard/internal/protocol"
)

// Connect admits conn into the room. The returned close code tells the
// transport how to refuse the connection when err is not nil.
func (o *Orchestrator) Connect(ctx context.Context, roomID domain.RoomID, id core.ConnID, conn core.Connection, user domain.UserID) (*app.Session, int, error) {
	sess, err := o.Manager.Join(ctx, roomID, id, conn, user)
	switch {
	case err == nil:
		return sess, 0, nil
	case errors.Is(err, domain.ErrRoomNotFound):
		return nil, core.CloseRoomNotFound, err
	default:
		return nil, core.CloseServerFault, err
	}
}

func (o *Orchestrator) OnMessage(sess *app.Session, msg protocol.Message) {
	o.Bus.Route(sess, msg)
}

func (o *Orchestrator) OnDisconnect(sess *app.Session, cause error) {
	o.Manager.Leave(sess, cause)
}

func (o *Orchestrator) CreateRoom(ctx context.Context, id domain.RoomID, owner domain.UserID) (*domain.Record, error) {
	return o.Registry.Create(ctx, id, owner)
}

// Canvas returns the live canvas when the room is loaded, since the
// in-memory state is authoritative while it exists.
func (o *Orchestrator) Canvas(id domain.RoomID) (json.RawMessage, bool) {
	r, ok := o.Registry.Peek(id)
	if !ok {
		return nil, false
	}
	return r.Canvas(), true
}

func (o *Orchestrator) ActiveUsers(id domain.RoomID) int {
	r, ok := o.Registry.Peek(id)
	if !ok {
		return 0
	}
	return r.Count()
}
