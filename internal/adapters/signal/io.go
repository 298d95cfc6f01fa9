package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/allov/coedit/internal/core"
)

func (ctl *Controller) dispatch(ctx context.Context, client *core.Client, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case "login":
		ctl.handleLogin(client, data)
	case "create-room":
		ctl.handleCreateRoom(ctx, client, data)
	case "join-room":
		ctl.handleJoinRoom(ctx, client, data)
	case "leave-room":
		ctl.handleLeaveRoom(client)
	case "rename-room":
		ctl.handleRenameRoom(client, data)
	case "rename-role":
		ctl.handleRenameRole(client, data)
	case "add-role":
		ctl.handleAddRole(client, data)
	case "remove-role":
		ctl.handleRemoveRole(client, data)
	case "request-room-state":
		ctl.handleRoomState(client)
	case "project-response":
		ctl.handleProjectResponse(client, data)
	case "message":
		ctl.handleMessage(client, data)
	case "ping":
		ctl.handlePing(client)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

type errorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (ctl *Controller) sendError(client *core.Client, msg string) {
	client.SendJSON(errorMsg{Type: "error", Error: msg})
}

func (ctl *Controller) sendOpError(client *core.Client, err error) {
	log.Warn().Err(err).Str("module", "signal").Str("id", string(client.ID)).Msg("operation rejected")
	ctl.sendError(client, err.Error())
}

type pongMsg struct {
	Type string `json:"type"`
}

func (ctl *Controller) handlePing(client *core.Client) {
	client.SendJSON(pongMsg{Type: "pong"})
}
