package signal

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/allov/coedit/internal/core"
	"github.com/allov/coedit/internal/domain"
)

// handleProjectResponse completes a pending project round-trip. Replies
// are matched by correlation id; an id nobody waits for anymore is stale
// and dropped.
func (ctl *Controller) handleProjectResponse(client *core.Client, data []byte) {
	var p struct {
		ID      string          `json:"id"`
		Project json.RawMessage `json:"project"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(client, "bad_payload")
		return
	}
	snapshot := domain.ProjectSnapshot{Content: p.Project, SavedAt: time.Now()}
	if !client.ResolveProject(p.ID, snapshot) {
		log.Debug().Str("module", "signal").Str("id", string(client.ID)).Str("req", p.ID).Msg("unmatched project response")
	}
}

// handleMessage relays an opaque payload to everyone else in the room.
// The coordination layer never inspects the body.
func (ctl *Controller) handleMessage(client *core.Client, data []byte) {
	room := client.Room()
	if room == nil {
		log.Debug().Str("module", "signal").Str("id", string(client.ID)).Msg("message from unseated client dropped")
		return
	}
	room.Broadcast(core.Frame(data), client)
}
