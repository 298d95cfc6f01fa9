package app

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/allov/coedit/internal/core"
	"github.com/allov/coedit/internal/domain"
	"github.com/allov/coedit/internal/metrics"
)

// Store is the persistence collaborator. Absence of a stored room
// surfaces as core.ErrRoomNotFound.
type Store interface {
	Load(ctx context.Context, owner string, name domain.RoomName) (domain.StoredRoom, error)
	Save(ctx context.Context, stored domain.StoredRoom) error
	List(ctx context.Context, owner string) ([]domain.StoredRoom, error)
	Delete(ctx context.Context, owner string, name domain.RoomName) error
}

type RoomInfo struct {
	ID            domain.RoomID   `json:"room"`
	Name          domain.RoomName `json:"name"`
	Owner         string          `json:"owner"`
	OccupantCount int             `json:"occupant_count"`
}

// RoomManager owns the active-room map: creation, lookup with storage
// fallback, rename re-indexing, forking and event-driven garbage
// collection. Absence from the map means "not active".
type RoomManager struct {
	store   Store
	demoTTL time.Duration

	mu      sync.RWMutex
	rooms   map[domain.RoomID]*core.Room
	hydrate singleflight.Group
}

func NewRoomManager(store Store, demoTTL time.Duration) *RoomManager {
	return &RoomManager{
		store:   store,
		demoTTL: demoTTL,
		rooms:   make(map[domain.RoomID]*core.Room),
	}
}

// Create registers a fresh room. Strict policy: an active room with the
// same id is an error, never silently replaced.
func (m *RoomManager) Create(owner string, name domain.RoomName, roles ...domain.RoleName) (*core.Room, error) {
	if err := domain.ValidateRoomName(name); err != nil {
		return nil, err
	}
	id := domain.MakeRoomID(owner, name)

	// Build the room fully before registering it, so a bad role name never
	// leaves a half-built, occupant-less room blocking the id.
	room := core.NewRoom(owner, name, m)
	for _, role := range roles {
		if err := room.AddRole(role); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	if _, ok := m.rooms[id]; ok {
		m.mu.Unlock()
		return nil, errors.Wrapf(core.ErrAlreadyExists, "room %q", id)
	}
	m.rooms[id] = room
	m.mu.Unlock()

	metrics.ActiveRooms.Inc()
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room created")
	return room, nil
}

// CreateDemo creates a time-boxed example room. Demo rooms get one
// delayed vacancy check as a safety net against a join that never
// happens; production rooms rely on the eager event-driven check alone.
func (m *RoomManager) CreateDemo(owner string, name domain.RoomName, roles ...domain.RoleName) (*core.Room, error) {
	room, err := m.Create(owner, name, roles...)
	if err != nil {
		return nil, err
	}
	room.MarkDemo()
	time.AfterFunc(m.demoTTL, func() { m.Check(room) })
	return room, nil
}

func (m *RoomManager) Active(id domain.RoomID) (*core.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	return room, ok
}

// Get returns the active room, hydrating it from storage on first
// access. Concurrent calls for the same id before hydration completes
// resolve to the same room instance, not two independent hydrations.
func (m *RoomManager) Get(ctx context.Context, owner string, name domain.RoomName) (*core.Room, error) {
	id := domain.MakeRoomID(owner, name)
	if room, ok := m.Active(id); ok {
		return room, nil
	}

	v, err, _ := m.hydrate.Do(string(id), func() (any, error) {
		if room, ok := m.Active(id); ok {
			return room, nil
		}
		stored, err := m.store.Load(ctx, owner, name)
		if err != nil {
			return nil, err
		}
		room := core.HydrateRoom(stored, m)

		m.mu.Lock()
		if existing, ok := m.rooms[id]; ok {
			m.mu.Unlock()
			return existing, nil
		}
		m.rooms[id] = room
		m.mu.Unlock()

		metrics.ActiveRooms.Inc()
		metrics.RoomsHydrated.Inc()
		log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room hydrated")
		return room, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get room %q", id)
	}
	return v.(*core.Room), nil
}

// Rename re-indexes the active map under the new id before returning, so
// every broadcast that references the new id happens after the map is
// consistent. Callers keep using the same *core.Room; ids are not stable
// handles once a rename is possible.
func (m *RoomManager) Rename(room *core.Room, newName domain.RoomName) error {
	if err := domain.ValidateRoomName(newName); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	newID := domain.MakeRoomID(room.Owner(), newName)
	if existing, ok := m.rooms[newID]; ok && existing != room {
		return errors.Wrapf(core.ErrAlreadyExists, "room %q", newID)
	}
	oldID := room.ID()
	if _, ok := m.rooms[oldID]; !ok {
		return errors.Wrapf(core.ErrRoomNotFound, "room %q", oldID)
	}
	delete(m.rooms, oldID)
	room.SetName(newName)
	m.rooms[newID] = room
	log.Info().Str("module", "app.rooms").Str("from", string(oldID)).Str("to", string(newID)).Msg("room renamed")
	return nil
}

type projectForkMsg struct {
	Type string        `json:"type"`
	Room domain.RoomID `json:"room"`
}

// Fork gives a diverging participant an independent copy of the whole
// room instead of merging edit streams: a new room under their ownership
// with the same role names (vacant) and deep-copied documents. The
// requester moves into the copy; everyone else stays put and the original
// is untouched beyond a presence notification.
func (m *RoomManager) Fork(ctx context.Context, requester *core.Client) (*core.Room, error) {
	room := requester.Room()
	if room == nil {
		return nil, core.ErrNotSeated
	}
	if requester.Username() == room.Owner() {
		return nil, core.ErrCannotForkOwnRoom
	}
	role := requester.Role()

	// The fork exists to preserve the forker's local edits, so their
	// live document takes precedence over the cached copy.
	snapshot, err := requester.RequestProject(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fork")
	}

	newOwner := requester.Username()
	name := m.forkName(ctx, newOwner, room.Name())

	m.mu.Lock()
	for {
		if _, ok := m.rooms[domain.MakeRoomID(newOwner, name)]; !ok {
			break
		}
		name += "-fork"
	}
	forked := room.Fork(newOwner, name, m)
	m.rooms[forked.ID()] = forked
	m.mu.Unlock()
	metrics.ActiveRooms.Inc()

	if err := forked.SetDocument(role, snapshot); err != nil {
		log.Warn().Err(err).Str("module", "app.rooms").Str("room", string(forked.ID())).Msg("fork: seed forker document")
	}

	room.Vacate(requester)
	if err := forked.Seat(requester, role); err != nil {
		m.remove(forked)
		return nil, errors.Wrap(err, "fork: seat requester")
	}

	requester.SendJSON(projectForkMsg{Type: "project-fork", Room: forked.ID()})
	forked.BroadcastRoles()
	room.BroadcastRoles()

	metrics.RoomsForked.Inc()
	log.Info().Str("module", "app.rooms").Str("from", string(room.ID())).Str("to", string(forked.ID())).Msg("room forked")
	return forked, nil
}

// forkName always suffixes the source name with -fork, then keeps
// suffixing past any active or stored room of the new owner. A fork must
// never shadow a project the owner already has, live or persisted.
func (m *RoomManager) forkName(ctx context.Context, owner string, source domain.RoomName) domain.RoomName {
	name := source + "-fork"
	for {
		id := domain.MakeRoomID(owner, name)
		if _, active := m.Active(id); active {
			name += "-fork"
			continue
		}
		if _, err := m.store.Load(ctx, owner, name); err == nil {
			name += "-fork"
			continue
		}
		return name
	}
}

// Check garbage-collects the room when its last occupied role became
// vacant. Event-driven, not polled; calling it on an already collected
// room is a no-op.
func (m *RoomManager) Check(room *core.Room) {
	if room.OccupantCount() > 0 {
		return
	}
	m.remove(room)
}

type projectClosedMsg struct {
	Type string `json:"type"`
}

// CloseRoom notifies and evicts every remaining occupant, then collects
// the room. Used when the owner's last connection leaves.
func (m *RoomManager) CloseRoom(room *core.Room) {
	room.BroadcastJSON(projectClosedMsg{Type: "project-closed"}, nil)
	for _, c := range room.Occupants() {
		room.Vacate(c)
	}
	m.remove(room)
	log.Info().Str("module", "app.rooms").Str("room", string(room.ID())).Msg("room closed")
}

func (m *RoomManager) remove(room *core.Room) {
	m.mu.Lock()
	id := room.ID()
	removed := false
	if existing, ok := m.rooms[id]; ok && existing == room {
		delete(m.rooms, id)
		removed = true
	}
	m.mu.Unlock()
	if removed {
		metrics.ActiveRooms.Dec()
		log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room collected")
	}
	room.MarkDestroyed()
}

// Join seats the client. Joining another role of the room the client is
// already in is a move; joining from a different room leaves that room
// first, with its usual closure rules.
func (m *RoomManager) Join(client *core.Client, room *core.Room, role domain.RoleName) error {
	if current := client.Room(); current != nil && current != room {
		m.Leave(client)
	}
	if err := room.Seat(client, role); err != nil {
		// A freshly hydrated room whose first join failed must not stay
		// active with zero occupants.
		m.Check(room)
		return err
	}
	room.BroadcastRoles()
	return nil
}

// Disconnect vacates the seat of a connection whose transport closed.
// The room survives while other occupants remain, whoever owned it; the
// owner may reconnect into their old seat. Runs to completion even for a
// dead transport so no role slot leaks.
func (m *RoomManager) Disconnect(client *core.Client) {
	room := client.Room()
	if room == nil {
		return
	}
	if _, ok := room.Vacate(client); !ok {
		return
	}
	room.BroadcastRoles()
}

// Leave vacates the seat on an explicit leave. When the leaving
// connection was the owner's last seat in the room the whole room
// closes; otherwise the remaining occupants just see the seat become
// vacant.
func (m *RoomManager) Leave(client *core.Client) {
	room := client.Room()
	if room == nil {
		return
	}
	username := client.Username()
	if _, ok := room.Vacate(client); !ok {
		return
	}
	if room.Owner() == username && room.OccupantCountByUser(username) == 0 {
		m.CloseRoom(room)
		return
	}
	room.BroadcastRoles()
}

// SaveRoom refreshes every occupied role's document from its live editor
// and persists the snapshot. Store failures surface to the caller; the
// manager does not retry.
func (m *RoomManager) SaveRoom(ctx context.Context, room *core.Room) error {
	if err := room.CacheOccupied(ctx); err != nil {
		return err
	}
	return m.store.Save(ctx, room.ToStored())
}

func (m *RoomManager) List() []RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RoomInfo, 0, len(m.rooms))
	for id, room := range m.rooms {
		out = append(out, RoomInfo{
			ID:            id,
			Name:          room.Name(),
			Owner:         room.Owner(),
			OccupantCount: room.OccupantCount(),
		})
	}
	return out
}
