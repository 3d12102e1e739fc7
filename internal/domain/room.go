package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const MaxRoomIDLen = 64

var (
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

type RoomID string

// ParseRoomID trims surrounding whitespace, as room ids are typed by hand.
func ParseRoomID(s string) (RoomID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrRoomIDEmpty
	}
	if len(s) > MaxRoomIDLen {
		return "", ErrRoomIDTooLong
	}
	return RoomID(s), nil
}

// Record is the durable room record kept by a persistence store.
// Canvas is the opaque serialized snapshot; nil until the first save.
type Record struct {
	ID        RoomID          `json:"id"`
	Owner     UserID          `json:"owner,omitempty"`
	Canvas    json.RawMessage `json:"canvasState"`
	Members   []UserID        `json:"members,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
