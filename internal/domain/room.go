package domain

import (
	"errors"
	"strings"
)

type (
	RoomName string
	RoomID   string
	RoleName string
)

var (
	ErrRoomNameEmpty   = errors.New("room name empty")
	ErrRoomNameTooLong = errors.New("room name too long")
	ErrRoleNameEmpty   = errors.New("role name empty")
	ErrRoleNameTooLong = errors.New("role name too long")
)

// MakeRoomID derives the room id deterministically from the owner and the
// room name, so the same project always maps to the same id while owned by
// the same user. Not random on purpose.
func MakeRoomID(owner string, name RoomName) RoomID {
	return RoomID(owner + "/" + string(name))
}

// SplitRoomID is the inverse of MakeRoomID. The owner part never contains
// a slash; the room name may.
func SplitRoomID(id RoomID) (owner string, name RoomName) {
	s := string(id)
	i := strings.Index(s, "/")
	if i < 0 {
		return s, ""
	}
	return s[:i], RoomName(s[i+1:])
}

func ValidateRoomName(name RoomName) error {
	if len(name) == 0 {
		return ErrRoomNameEmpty
	}
	if len(name) > MaxRoomNameLen {
		return ErrRoomNameTooLong
	}
	return nil
}

func ValidateRoleName(name RoleName) error {
	if len(name) == 0 {
		return ErrRoleNameEmpty
	}
	if len(name) > MaxRoleNameLen {
		return ErrRoleNameTooLong
	}
	return nil
}
