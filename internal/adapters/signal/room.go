package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/allov/coedit/internal/core"
	"github.com/allov/coedit/internal/domain"
)

type roomRolesMsg struct {
	Type string `json:"type"`
	core.RoomState
}

func (ctl *Controller) handleLogin(client *core.Client, data []byte) {
	var p struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(client, "bad_payload")
		return
	}
	room, err := client.Authenticate(p.Username)
	if err != nil {
		ctl.sendOpError(client, err)
		return
	}
	// Observers of the room see the display name change right away.
	if room != nil {
		room.BroadcastRoles()
	}
}

func (ctl *Controller) handleCreateRoom(ctx context.Context, client *core.Client, data []byte) {
	var p struct {
		Room domain.RoomName `json:"room"`
		Role domain.RoleName `json:"role"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(client, "bad_payload")
		return
	}

	room, err := ctl.Rooms.Create(client.Username(), p.Room, p.Role)
	if err != nil {
		ctl.sendOpError(client, err)
		return
	}
	if err := ctl.Rooms.Join(client, room, p.Role); err != nil {
		ctl.sendOpError(client, err)
		return
	}
	log.Info().Str("module", "signal").Str("id", string(client.ID)).Str("room", string(room.ID())).Msg("room created")
}

func (ctl *Controller) handleJoinRoom(ctx context.Context, client *core.Client, data []byte) {
	var p struct {
		Owner string          `json:"owner"`
		Room  domain.RoomName `json:"room"`
		Role  domain.RoleName `json:"role"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(client, "bad_payload")
		return
	}

	room, err := ctl.Rooms.Get(ctx, p.Owner, p.Room)
	if err != nil {
		ctl.sendOpError(client, err)
		return
	}
	// A role that just became occupied is an explicit rejection, never a
	// silent bounce to another role.
	if err := ctl.Rooms.Join(client, room, p.Role); err != nil {
		ctl.sendOpError(client, err)
		return
	}
}

type leftMsg struct {
	Type string `json:"type"`
}

func (ctl *Controller) handleLeaveRoom(client *core.Client) {
	ctl.Rooms.Leave(client)
	client.SendJSON(leftMsg{Type: "left"})
}

func (ctl *Controller) handleRenameRoom(client *core.Client, data []byte) {
	var p struct {
		Name domain.RoomName `json:"name"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(client, "bad_payload")
		return
	}
	room := client.Room()
	if room == nil {
		ctl.sendOpError(client, core.ErrNotSeated)
		return
	}
	if room.Owner() != client.Username() {
		ctl.sendOpError(client, core.ErrUnauthorized)
		return
	}
	if err := ctl.Rooms.Rename(room, p.Name); err != nil {
		ctl.sendOpError(client, err)
		return
	}
	room.BroadcastRoles()
}

func (ctl *Controller) handleRenameRole(client *core.Client, data []byte) {
	var p struct {
		RoleID domain.RoleName `json:"roleId"`
		Name   domain.RoleName `json:"name"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(client, "bad_payload")
		return
	}
	room := client.Room()
	if room == nil {
		ctl.sendOpError(client, core.ErrNotSeated)
		return
	}
	// Owner may rename anything; an occupant only their own role.
	if room.Owner() != client.Username() && client.Role() != p.RoleID {
		ctl.sendOpError(client, core.ErrUnauthorized)
		return
	}
	if err := room.RenameRole(p.RoleID, p.Name); err != nil {
		ctl.sendOpError(client, err)
		return
	}
	room.BroadcastRoles()
}

func (ctl *Controller) handleAddRole(client *core.Client, data []byte) {
	var p struct {
		Name domain.RoleName `json:"name"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(client, "bad_payload")
		return
	}
	room := client.Room()
	if room == nil {
		ctl.sendOpError(client, core.ErrNotSeated)
		return
	}
	if err := room.AddRole(p.Name); err != nil {
		ctl.sendOpError(client, err)
		return
	}
	room.BroadcastRoles()
}

func (ctl *Controller) handleRemoveRole(client *core.Client, data []byte) {
	var p struct {
		Name domain.RoleName `json:"name"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(client, "bad_payload")
		return
	}
	room := client.Room()
	if room == nil {
		ctl.sendOpError(client, core.ErrNotSeated)
		return
	}
	if room.Owner() != client.Username() {
		ctl.sendOpError(client, core.ErrUnauthorized)
		return
	}
	if _, err := room.RemoveRole(p.Name); err != nil {
		ctl.sendOpError(client, err)
		return
	}
	room.BroadcastRoles()
}

func (ctl *Controller) handleRoomState(client *core.Client) {
	room := client.Room()
	if room == nil {
		ctl.sendOpError(client, core.ErrNotSeated)
		return
	}
	client.SendJSON(roomRolesMsg{Type: "room-roles", RoomState: room.State()})
}
