// Package protocol defines the whiteboard wire protocol: a JSON envelope
// {type, payload?} carrying one of a closed set of message variants.
package protocol

import "encoding/json"

type Type string

const (
	TypeInitialState    Type = "INITIAL_STATE"
	TypeRoomInfo        Type = "ROOM_INFO"
	TypeUserJoined      Type = "USER_JOINED"
	TypeUserLeft        Type = "USER_LEFT"
	TypeUserCountUpdate Type = "USER_COUNT_UPDATE"
	TypeDrawStart       Type = "DRAW_START"
	TypeDraw            Type = "DRAW"
	TypeSaveCanvas      Type = "SAVE_CANVAS"
	TypeCanvasSnapshot  Type = "CANVAS_SNAPSHOT"
	TypeRequestState    Type = "REQUEST_STATE"
	TypeClearCanvas     Type = "CLEAR_CANVAS"
	TypeUndo            Type = "UNDO"
)

// Message is implemented only by the variants in this file.
type Message interface {
	Type() Type
	isMessage()
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is the normalized field set relayed for DRAW_START and DRAW.
// Fields not listed here are dropped on decode.
type Stroke struct {
	Tool       string   `json:"tool,omitempty"`
	Shape      string   `json:"shape,omitempty"`
	Color      string   `json:"color,omitempty"`
	LineWidth  *float64 `json:"lineWidth,omitempty"`
	StartPos   *Point   `json:"startPos,omitempty"`
	CurrentPos *Point   `json:"currentPos,omitempty"`
	UserID     string   `json:"userId,omitempty"`
}

// Normalize stamps the originating connection over whatever the client sent.
func (s Stroke) Normalize(from string) Stroke {
	s.UserID = from
	return s
}

type Info struct {
	RoomID    string `json:"roomId,omitempty"`
	UserCount int    `json:"userCount"`
	IsOwner   bool   `json:"isOwner"`
}

type Presence struct {
	UserID    string `json:"userId"`
	UserCount int    `json:"userCount"`
	Timestamp int64  `json:"timestamp"`
}

// server -> one

type InitialState struct {
	CanvasState json.RawMessage `json:"canvasState"`
	RoomInfo    Info            `json:"roomInfo"`
}

type RoomInfo struct {
	Info Info
}

// server -> room

type UserJoined struct {
	Presence Presence
}

type UserLeft struct {
	Presence Presence
}

type UserCountUpdate struct {
	Count int
}

// client -> server / relay

type DrawStart struct {
	Stroke Stroke
}

type Draw struct {
	Stroke Stroke
}

type SaveCanvas struct {
	Canvas json.RawMessage
}

type CanvasSnapshot struct {
	Frame json.RawMessage
}

type RequestState struct{}

type ClearCanvas struct{}

type Undo struct{}

func (InitialState) Type() Type    { return TypeInitialState }
func (RoomInfo) Type() Type        { return TypeRoomInfo }
func (UserJoined) Type() Type      { return TypeUserJoined }
func (UserLeft) Type() Type        { return TypeUserLeft }
func (UserCountUpdate) Type() Type { return TypeUserCountUpdate }
func (DrawStart) Type() Type       { return TypeDrawStart }
func (Draw) Type() Type            { return TypeDraw }
func (SaveCanvas) Type() Type      { return TypeSaveCanvas }
func (CanvasSnapshot) Type() Type  { return TypeCanvasSnapshot }
func (RequestState) Type() Type    { return TypeRequestState }
func (ClearCanvas) Type() Type     { return TypeClearCanvas }
func (Undo) Type() Type            { return TypeUndo }

func (InitialState) isMessage()    {}
func (RoomInfo) isMessage()        {}
func (UserJoined) isMessage()      {}
func (UserLeft) isMessage()        {}
func (UserCountUpdate) isMessage() {}
func (DrawStart) isMessage()       {}
func (Draw) isMessage()            {}
func (SaveCanvas) isMessage()      {}
func (CanvasSnapshot) isMessage()  {}
func (RequestState) isMessage()    {}
func (ClearCanvas) isMessage()     {}
func (Undo) isMessage()            {}
