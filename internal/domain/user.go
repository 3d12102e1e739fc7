// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxUserIDLen = 64

var (
	ErrUserIDTooLong = errors.New("user id too long")
	ErrUserIDEmpty   = errors.New("user id empty")
)

// UserID is an account identity. It is unrelated to connection ids,
// which are per-socket and ephemeral.
type UserID string

func ParseUserID(s string) (UserID, error) {
	if len(s) == 0 {
		return "", ErrUserIDEmpty
	}
	if len(s) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	return UserID(s), nil
}
