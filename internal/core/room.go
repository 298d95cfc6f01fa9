package core

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/allov/coedit/internal/domain"
	"github.com/allov/coedit/internal/metrics"
)

// Lifecycle is the room's callback into its owning registry. A room is
// constructed with one explicitly instead of reaching for a package-level
// registry, so its behavior does not depend on load order.
type Lifecycle interface {
	// Check garbage-collects the room if it has no occupants left.
	Check(*Room)
}

// RoleState is one entry of the room-roles presence snapshot.
type RoleState struct {
	Name     domain.RoleName `json:"name"`
	Username string          `json:"username,omitempty"`
	Occupied bool            `json:"occupied"`
}

// RoomState is the full presence snapshot broadcast after any role change.
type RoomState struct {
	ID        domain.RoomID   `json:"room"`
	Owner     string          `json:"owner"`
	Name      domain.RoomName `json:"name"`
	Occupants []RoleState     `json:"occupants"`
}

// RoleBound marks a stateful service context that is tied to a single
// role; removing that role closes the context.
type RoleBound interface {
	BoundRole() domain.RoleName
}

// Room is a named, owned group of roles sharing one collaborative editing
// context. Each role seats at most one client and keeps the last known
// snapshot of its document for when the seat is vacant.
//
// All multi-step bookkeeping (rename, move, removal) happens under the
// room mutex, which is never held across a project round-trip or store
// I/O. Lock order is registry before room before client.
type Room struct {
	lifecycle Lifecycle

	mu        sync.RWMutex
	id        domain.RoomID
	name      domain.RoomName
	owner     string
	order     []domain.RoleName
	seats     map[domain.RoleName]*Client
	docs      map[domain.RoleName]domain.ProjectSnapshot
	contexts  map[string]any
	demo      bool
	destroyed bool
	createdAt time.Time
}

func NewRoom(owner string, name domain.RoomName, lifecycle Lifecycle) *Room {
	return &Room{
		lifecycle: lifecycle,
		id:        domain.MakeRoomID(owner, name),
		name:      name,
		owner:     owner,
		seats:     make(map[domain.RoleName]*Client),
		docs:      make(map[domain.RoleName]domain.ProjectSnapshot),
		contexts:  make(map[string]any),
		createdAt: time.Now(),
	}
}

// HydrateRoom builds an active room from a stored snapshot. All roles
// start vacant; occupancy is never persisted.
func HydrateRoom(stored domain.StoredRoom, lifecycle Lifecycle) *Room {
	r := NewRoom(stored.Owner, stored.Name, lifecycle)
	for _, role := range stored.Roles {
		r.order = append(r.order, role)
		r.seats[role] = nil
		if doc, ok := stored.Documents[role]; ok {
			r.docs[role] = doc.Clone()
		}
	}
	return r
}

func (r *Room) ID() domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

func (r *Room) Name() domain.RoomName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

func (r *Room) Owner() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner
}

func (r *Room) IsDemo() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.demo
}

func (r *Room) MarkDemo() {
	r.mu.Lock()
	r.demo = true
	r.mu.Unlock()
}

// SetName recomputes the id from the new name. Only the room registry
// calls this, while it re-indexes its active map; broadcasts referencing
// the new id happen strictly after the re-index.
func (r *Room) SetName(name domain.RoomName) domain.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
	r.id = domain.MakeRoomID(r.owner, name)
	return r.id
}

// AddRole registers a vacant role slot.
func (r *Room) AddRole(name domain.RoleName) error {
	if err := domain.ValidateRoleName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seats[name]; ok {
		return errors.Wrapf(ErrAlreadyExists, "role %q", name)
	}
	r.order = append(r.order, name)
	r.seats[name] = nil
	r.docs[name] = domain.ProjectSnapshot{}
	return nil
}

// RemoveRole drops the role slot and its cached document together, and
// closes any service context bound exclusively to that role. An occupant
// of the removed role is unseated. The caller runs the registry Check
// afterwards.
func (r *Room) RemoveRole(name domain.RoleName) (*Client, error) {
	r.mu.Lock()
	occupant, ok := r.seats[name]
	if !ok {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrRoleNotFound, "role %q", name)
	}
	delete(r.seats, name)
	delete(r.docs, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	var closers []io.Closer
	for ctxName, svc := range r.contexts {
		if rb, ok := svc.(RoleBound); ok && rb.BoundRole() == name {
			delete(r.contexts, ctxName)
			if cl, ok := svc.(io.Closer); ok {
				closers = append(closers, cl)
			}
		}
	}
	r.mu.Unlock()

	if occupant != nil {
		occupant.clearSeat()
	}
	for _, cl := range closers {
		_ = cl.Close()
	}
	log.Info().Str("module", "core.room").Str("room", string(r.ID())).Str("role", string(name)).Msg("role removed")
	r.lifecycle.Check(r)
	return occupant, nil
}

// RenameRole moves the occupant and the cached document under the new key
// in one critical section, updating the occupant's seat in the same step
// so room and client never disagree about the role name.
func (r *Room) RenameRole(oldName, newName domain.RoleName) error {
	if err := domain.ValidateRoleName(newName); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	occupant, ok := r.seats[oldName]
	if !ok {
		return errors.Wrapf(ErrRoleNotFound, "role %q", oldName)
	}
	if existing, ok := r.seats[newName]; ok {
		if existing != nil {
			return errors.Wrapf(ErrAlreadyOccupied, "role %q", newName)
		}
		return errors.Wrapf(ErrAlreadyExists, "role %q", newName)
	}
	r.seats[newName] = occupant
	r.docs[newName] = r.docs[oldName]
	delete(r.seats, oldName)
	delete(r.docs, oldName)
	for i, n := range r.order {
		if n == oldName {
			r.order[i] = newName
			break
		}
	}
	if occupant != nil {
		occupant.setSeat(r, newName)
	}
	return nil
}

// MoveClient relocates the occupant of from into to. A current occupant
// of the destination is unseated first. Cached documents stay with their
// role names; only the live connection moves.
func (r *Room) MoveClient(from, to domain.RoleName) (displaced *Client, err error) {
	r.mu.Lock()
	occupant, ok := r.seats[from]
	if !ok {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrRoleNotFound, "role %q", from)
	}
	if _, ok := r.seats[to]; !ok {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrRoleNotFound, "role %q", to)
	}
	if occupant == nil {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrNoOccupant, "role %q", from)
	}
	displaced = r.seats[to]
	r.seats[to] = occupant
	r.seats[from] = nil
	occupant.setSeat(r, to)
	r.mu.Unlock()

	if displaced != nil {
		displaced.clearSeat()
	}
	return displaced, nil
}

// Seat places the client into the role. If the client already occupies a
// different role of this room the call is a move, not a fresh join.
func (r *Room) Seat(client *Client, role domain.RoleName) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return errors.Wrapf(ErrRoomNotFound, "room %q", r.id)
	}
	occupant, ok := r.seats[role]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrRoleNotFound, "role %q", role)
	}
	if occupant != nil && occupant != client {
		r.mu.Unlock()
		return errors.Wrapf(ErrAlreadyOccupied, "role %q", role)
	}
	for name, c := range r.seats {
		if c == client && name != role {
			r.seats[name] = nil
		}
	}
	r.seats[role] = client
	client.setSeat(r, role)
	r.mu.Unlock()
	log.Info().Str("module", "core.room").Str("room", string(r.ID())).Str("role", string(role)).Str("client", string(client.ID)).Msg("seated")
	return nil
}

// Vacate clears the client's seat in this room, if it holds one, and runs
// the registry vacancy check so an emptied room is collected right away.
func (r *Room) Vacate(client *Client) (domain.RoleName, bool) {
	r.mu.Lock()
	var vacated domain.RoleName
	found := false
	for name, c := range r.seats {
		if c == client {
			r.seats[name] = nil
			vacated = name
			found = true
			break
		}
	}
	r.mu.Unlock()
	if found {
		client.clearSeat()
		r.lifecycle.Check(r)
	}
	return vacated, found
}

// Occupant returns the client seated in the role.
func (r *Room) Occupant(role domain.RoleName) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	occupant, ok := r.seats[role]
	if !ok {
		return nil, errors.Wrapf(ErrRoleNotFound, "role %q", role)
	}
	if occupant == nil {
		return nil, errors.Wrapf(ErrNoOccupant, "role %q", role)
	}
	return occupant, nil
}

// CacheRole asks the role's occupant for its current document and stores
// the result. The room lock is not held across the round-trip; if the
// seat changed while waiting, the now-irrelevant reply is discarded.
func (r *Room) CacheRole(ctx context.Context, role domain.RoleName) error {
	occupant, err := r.Occupant(role)
	if err != nil {
		return err
	}

	snapshot, err := occupant.RequestProject(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.seats[role]; !ok || current != occupant {
		return errors.Wrapf(ErrNoOccupant, "role %q reassigned during request", role)
	}
	r.docs[role] = snapshot
	return nil
}

// CacheOccupied refreshes the cached document of every occupied role.
// Vacant roles keep their last snapshot.
func (r *Room) CacheOccupied(ctx context.Context) error {
	r.mu.RLock()
	occupied := make([]domain.RoleName, 0, len(r.order))
	for _, name := range r.order {
		if r.seats[name] != nil {
			occupied = append(occupied, name)
		}
	}
	r.mu.RUnlock()

	for _, name := range occupied {
		if err := r.CacheRole(ctx, name); err != nil {
			return errors.Wrapf(err, "cache role %q", name)
		}
	}
	return nil
}

func (r *Room) SetDocument(role domain.RoleName, snapshot domain.ProjectSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seats[role]; !ok {
		return errors.Wrapf(ErrRoleNotFound, "role %q", role)
	}
	r.docs[role] = snapshot
	return nil
}

func (r *Room) Document(role domain.RoleName) (domain.ProjectSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.seats[role]; !ok {
		return domain.ProjectSnapshot{}, errors.Wrapf(ErrRoleNotFound, "role %q", role)
	}
	return r.docs[role], nil
}

// Fork builds a brand-new room owned by newOwner: same role names, all
// vacant, and an independent copy of every cached document. The
// originating room is untouched. The registry registers the copy and
// moves the forking client into it.
func (r *Room) Fork(newOwner string, name domain.RoomName, lifecycle Lifecycle) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	forked := NewRoom(newOwner, name, lifecycle)
	for _, role := range r.order {
		forked.order = append(forked.order, role)
		forked.seats[role] = nil
		forked.docs[role] = r.docs[role].Clone()
	}
	return forked
}

// Broadcast fans the frame out to every occupied role's connection in
// role order, optionally skipping the originator. Vacant roles are
// skipped silently; this is a read path.
func (r *Room) Broadcast(f Frame, excluding *Client) int {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.order))
	for _, name := range r.order {
		c := r.seats[name]
		if c == nil || c == excluding {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.SendFrame(f)
	}
	if len(targets) > 0 {
		metrics.BroadcastsSent.Inc()
	}
	return len(targets)
}

func (r *Room) BroadcastJSON(v any, excluding *Client) int {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "core.room").Msg("marshal broadcast")
		return 0
	}
	return r.Broadcast(Frame(b), excluding)
}

type roomRolesMsg struct {
	Type string `json:"type"`
	RoomState
}

// BroadcastRoles sends the full presence snapshot to everyone seated.
// Called after any role or identity change.
func (r *Room) BroadcastRoles() {
	r.BroadcastJSON(roomRolesMsg{Type: "room-roles", RoomState: r.State()}, nil)
}

// State captures the presence snapshot in role order.
func (r *Room) State() RoomState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	occupants := make([]RoleState, 0, len(r.order))
	for _, name := range r.order {
		rs := RoleState{Name: name}
		if c := r.seats[name]; c != nil {
			rs.Occupied = true
			rs.Username = c.Username()
		}
		occupants = append(occupants, rs)
	}
	return RoomState{ID: r.id, Owner: r.owner, Name: r.name, Occupants: occupants}
}

func (r *Room) Roles() []domain.RoleName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.RoleName, len(r.order))
	copy(out, r.order)
	return out
}

// Occupants returns every seated client in role order. A client holds at
// most one seat, so the result has no duplicates.
func (r *Room) Occupants() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.order))
	for _, name := range r.order {
		if c := r.seats[name]; c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (r *Room) OccupantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.seats {
		if c != nil {
			n++
		}
	}
	return n
}

// OccupantCountByUser counts occupied roles held by connections of the
// given username. Closing one connection closes the whole room only when
// the owner's username has no occupied roles left.
func (r *Room) OccupantCountByUser(username string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.seats {
		if c != nil && c.Username() == username {
			n++
		}
	}
	return n
}

// ToStored snapshots the room for persistence: role names plus cached
// documents, no occupancy.
func (r *Room) ToStored() domain.StoredRoom {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored := domain.StoredRoom{
		Owner:     r.owner,
		Name:      r.name,
		Roles:     make([]domain.RoleName, len(r.order)),
		Documents: make(map[domain.RoleName]domain.ProjectSnapshot, len(r.docs)),
		SavedAt:   time.Now(),
	}
	copy(stored.Roles, r.order)
	for role, doc := range r.docs {
		stored.Documents[role] = doc.Clone()
	}
	return stored
}

// ServiceContext returns the room's private instance of a stateful helper
// service, constructing it on first access. Two roles of the same room
// always share one instance.
func (r *Room) ServiceContext(name string, build func() any) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.contexts[name]; ok {
		return svc
	}
	svc := build()
	r.contexts[name] = svc
	log.Debug().Str("module", "core.room").Str("room", string(r.id)).Str("service", name).Msg("service context created")
	return svc
}

// MarkDestroyed is terminal: a destroyed room refuses new seats, and its
// id may only be reused by constructing a fresh room. Held service
// contexts that implement io.Closer are closed. Idempotent.
func (r *Room) MarkDestroyed() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	contexts := r.contexts
	r.contexts = make(map[string]any)
	r.mu.Unlock()

	for name, svc := range contexts {
		if cl, ok := svc.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				log.Warn().Err(err).Str("module", "core.room").Str("service", name).Msg("close service context")
			}
		}
	}
}

func (r *Room) Destroyed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.destroyed
}
