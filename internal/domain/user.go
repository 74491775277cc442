// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxUserIDLen = 64

var (
	ErrUserIDTooLong = errors.New("user id too long")
	ErrUserIDEmpty   = errors.New("user id empty")
)

// UserID identifies a participant across the relay, the roster and peer links.
type UserID string

// NewUserID generates a random participant id.
func NewUserID() UserID {
	return UserID(uuid.NewString())
}

// ParseUserID validates raw input coming from transports or config.
func ParseUserID(raw string) (UserID, error) {
	if len(raw) == 0 {
		return "", ErrUserIDEmpty
	}
	if len(raw) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	return UserID(raw), nil
}

func (id UserID) String() string { return string(id) }
