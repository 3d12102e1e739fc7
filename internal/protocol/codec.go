package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Whiteboard/internal/domain"
)

var ErrUnknownType = errors.New("unknown message type")

// Envelope is the JSON frame on the wire. Count is only used by
// USER_COUNT_UPDATE, which carries it at the top level.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Count   *int            `json:"count,omitempty"`
}

func malformed(t Type, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", domain.ErrMalformedMessage, t, fmt.Sprintf(format, args...))
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Decode parses one frame into its message variant.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}

	switch env.Type {
	case TypeDrawStart:
		s, err := decodeStroke(env)
		if err != nil {
			return nil, err
		}
		return DrawStart{Stroke: s}, nil
	case TypeDraw:
		s, err := decodeStroke(env)
		if err != nil {
			return nil, err
		}
		return Draw{Stroke: s}, nil
	case TypeSaveCanvas:
		if isNull(env.Payload) {
			return nil, malformed(env.Type, "missing payload")
		}
		return SaveCanvas{Canvas: env.Payload}, nil
	case TypeCanvasSnapshot:
		if isNull(env.Payload) {
			return nil, malformed(env.Type, "missing payload")
		}
		return CanvasSnapshot{Frame: env.Payload}, nil
	case TypeRequestState:
		return RequestState{}, nil
	case TypeClearCanvas:
		return ClearCanvas{}, nil
	case TypeUndo:
		return Undo{}, nil
	case TypeInitialState:
		var m InitialState
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		if isNull(m.CanvasState) {
			m.CanvasState = nil
		}
		return m, nil
	case TypeRoomInfo:
		var info Info
		if err := decodePayload(env, &info); err != nil {
			return nil, err
		}
		return RoomInfo{Info: info}, nil
	case TypeUserJoined:
		var p Presence
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		return UserJoined{Presence: p}, nil
	case TypeUserLeft:
		var p Presence
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		return UserLeft{Presence: p}, nil
	case TypeUserCountUpdate:
		if env.Count == nil {
			return nil, malformed(env.Type, "missing count")
		}
		return UserCountUpdate{Count: *env.Count}, nil
	case "":
		return nil, malformed(env.Type, "missing type")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodePayload(env Envelope, v any) error {
	if isNull(env.Payload) {
		return malformed(env.Type, "missing payload")
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return malformed(env.Type, "%v", err)
	}
	return nil
}

func decodeStroke(env Envelope) (Stroke, error) {
	var s Stroke
	if err := decodePayload(env, &s); err != nil {
		return Stroke{}, err
	}
	return s, nil
}

// Encode serializes a message into its envelope.
func Encode(m Message) ([]byte, error) {
	env := Envelope{Type: m.Type()}
	var payload any

	switch v := m.(type) {
	case InitialState:
		payload = v
	case RoomInfo:
		payload = v.Info
	case UserJoined:
		payload = v.Presence
	case UserLeft:
		payload = v.Presence
	case UserCountUpdate:
		count := v.Count
		env.Count = &count
	case DrawStart:
		payload = v.Stroke
	case Draw:
		payload = v.Stroke
	case SaveCanvas:
		env.Payload = v.Canvas
	case CanvasSnapshot:
		env.Payload = v.Frame
	case RequestState, ClearCanvas, Undo:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", env.Type, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}
