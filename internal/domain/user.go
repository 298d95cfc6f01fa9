// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"
)

const (
	MaxUsernameLen = 36
	MaxRoomNameLen = 64
	MaxRoleNameLen = 64
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

// User is the authenticated identity behind a connection. Guest connections
// carry their connection id as the username until they log in.
type User struct {
	Username string `json:"username"`
	Guest    bool   `json:"guest"`
}

func NewGuest(connID string) *User {
	return &User{Username: connID, Guest: true}
}

func NewUser(username string) (*User, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	return &User{Username: username}, nil
}

func (u *User) SetUsername(username string) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	u.Username = username
	u.Guest = false
	return nil
}

func ValidateUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
