package core

import (
	"github.com/cockroachdb/errors"
)

// Sentinel errors of the coordination layer. Callers branch with
// errors.Is; wrapping adds context without losing the sentinel.
var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoleNotFound      = errors.New("role not found")
	ErrClientNotFound    = errors.New("client not found")
	ErrAlreadyExists     = errors.New("room already exists")
	ErrAlreadyOccupied   = errors.New("role already occupied")
	ErrNoOccupant        = errors.New("role has no occupant")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrCannotForkOwnRoom = errors.New("cannot fork own room")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotSeated         = errors.New("client not seated in a room")
)
