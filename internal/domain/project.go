package domain

import (
	"encoding/json"
	"time"
)

// ProjectSnapshot is the last known content of one role's editor, treated
// as an opaque payload by the coordination layer.
type ProjectSnapshot struct {
	Content json.RawMessage `json:"content"`
	SavedAt time.Time       `json:"saved_at,omitempty"`
}

// Clone returns an independent copy. Forked rooms must never alias the
// originating room's snapshot buffers.
func (p ProjectSnapshot) Clone() ProjectSnapshot {
	out := ProjectSnapshot{SavedAt: p.SavedAt}
	if p.Content != nil {
		out.Content = make(json.RawMessage, len(p.Content))
		copy(out.Content, p.Content)
	}
	return out
}

func (p ProjectSnapshot) IsZero() bool {
	return p.Content == nil && p.SavedAt.IsZero()
}

// StoredRoom is the persisted shape of a room: role names plus their last
// saved snapshots. Occupancy is never persisted; roles hydrate vacant.
type StoredRoom struct {
	Owner     string                       `json:"owner"`
	Name      RoomName                     `json:"name"`
	Roles     []RoleName                   `json:"roles"`
	Documents map[RoleName]ProjectSnapshot `json:"documents"`
	SavedAt   time.Time                    `json:"saved_at"`
}
