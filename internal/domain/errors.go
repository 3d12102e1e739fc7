package domain

import "errors"

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomExists         = errors.New("room already exists")
	ErrRoomUnavailable    = errors.New("room unavailable")
	ErrLivenessTimeout    = errors.New("connection liveness timeout")
	ErrPersistWrite       = errors.New("persistence write failed")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)
