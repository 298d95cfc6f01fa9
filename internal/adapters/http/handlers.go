package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/allov/coedit/internal/app"
	"github.com/allov/coedit/internal/config"
	"github.com/allov/coedit/internal/core"
	"github.com/allov/coedit/internal/domain"
)

// Handlers are thin adapters: each translates one REST call into room
// operations. Ownership checks live here, never inside core mutators.
type Handlers struct {
	Registry *app.ClientRegistry
	Rooms    *app.RoomManager
	Store    app.Store
	Cfg      *config.Config
}

func NewHandlers(registry *app.ClientRegistry, rooms *app.RoomManager, store app.Store, cfg *config.Config) *Handlers {
	return &Handlers{Registry: registry, Rooms: rooms, Store: store, Cfg: cfg}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrRoomNotFound),
		errors.Is(err, core.ErrRoleNotFound),
		errors.Is(err, core.ErrClientNotFound),
		errors.Is(err, core.ErrNoOccupant):
		return http.StatusNotFound
	case errors.Is(err, core.ErrAlreadyExists),
		errors.Is(err, core.ErrAlreadyOccupied):
		return http.StatusConflict
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotSeated),
		errors.Is(err, core.ErrCannotForkOwnRoom):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrConnectionClosed),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) abort(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"error": err.Error()})
}

// requester resolves the live connection the browser names in the call.
func (h *Handlers) requester(c *gin.Context, clientID string) (*core.Client, bool) {
	client, ok := h.Registry.Get(core.ClientID(clientID))
	if !ok {
		h.abort(c, errors.Wrapf(core.ErrClientNotFound, "client %q", clientID))
		return nil, false
	}
	return client, true
}

func (h *Handlers) seatedRequester(c *gin.Context, clientID string) (*core.Client, *core.Room, bool) {
	client, ok := h.requester(c, clientID)
	if !ok {
		return nil, nil, false
	}
	room := client.Room()
	if room == nil {
		h.abort(c, core.ErrNotSeated)
		return nil, nil, false
	}
	return client, room, true
}

func (h *Handlers) projectCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.Cfg.ProjectTimeout)
}

func (h *Handlers) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid username"})
		return
	}
	if err := domain.ValidateUsername(req.Username); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess := sessions.Default(c)
	sess.Set("username", req.Username)
	if err := sess.Save(); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": req.Username})
}

func (h *Handlers) Logout(c *gin.Context) {
	sess := sessions.Default(c)
	sess.Delete("username")
	if err := sess.Save(); err != nil {
		h.abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type projectSummary struct {
	Name  domain.RoomName   `json:"name"`
	Roles []domain.RoleName `json:"roles"`
}

func (h *Handlers) ListProjects(c *gin.Context) {
	username, _ := sessions.Default(c).Get("username").(string)
	if username == "" {
		h.abort(c, core.ErrUnauthorized)
		return
	}
	stored, err := h.Store.List(c.Request.Context(), username)
	if err != nil {
		h.abort(c, err)
		return
	}
	out := lo.Map(stored, func(s domain.StoredRoom, _ int) projectSummary {
		return projectSummary{Name: s.Name, Roles: s.Roles}
	})
	c.JSON(http.StatusOK, gin.H{"projects": out})
}

func (h *Handlers) SaveProject(c *gin.Context) {
	var req struct {
		ClientID string `json:"clientId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing clientId"})
		return
	}
	_, room, ok := h.seatedRequester(c, req.ClientID)
	if !ok {
		return
	}
	ctx, cancel := h.projectCtx(c)
	defer cancel()
	if err := h.Rooms.SaveRoom(ctx, room); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room.ID()})
}

func (h *Handlers) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.Rooms.List()})
}

func (h *Handlers) JoinActive(c *gin.Context) {
	var req struct {
		ClientID string          `json:"clientId" binding:"required"`
		Owner    string          `json:"owner" binding:"required"`
		Room     domain.RoomName `json:"room" binding:"required"`
		Role     domain.RoleName `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid join request"})
		return
	}
	client, ok := h.requester(c, req.ClientID)
	if !ok {
		return
	}
	room, err := h.Rooms.Get(c.Request.Context(), req.Owner, req.Room)
	if err != nil {
		h.abort(c, err)
		return
	}
	if err := h.Rooms.Join(client, room, req.Role); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, room.State())
}

type invitationMsg struct {
	Type    string          `json:"type"`
	Inviter string          `json:"inviter"`
	Owner   string          `json:"owner"`
	Room    domain.RoomName `json:"room"`
	Role    domain.RoleName `json:"role"`
}

// Invite fans the invitation out to every open tab of the invitee.
func (h *Handlers) Invite(c *gin.Context) {
	var req struct {
		ClientID string          `json:"clientId" binding:"required"`
		Username string          `json:"username" binding:"required"`
		Role     domain.RoleName `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invite request"})
		return
	}
	inviter, room, ok := h.seatedRequester(c, req.ClientID)
	if !ok {
		return
	}
	targets := h.Registry.FindByUsername(req.Username)
	msg := invitationMsg{
		Type:    "room-invitation",
		Inviter: inviter.Username(),
		Owner:   room.Owner(),
		Room:    room.Name(),
		Role:    req.Role,
	}
	for _, t := range targets {
		t.SendJSON(msg)
	}
	log.Info().Str("module", "adapters.http").Str("invitee", req.Username).Int("connections", len(targets)).Msg("invitation sent")
	c.JSON(http.StatusOK, gin.H{"notified": len(targets)})
}

type evictedMsg struct {
	Type string        `json:"type"`
	Room domain.RoomID `json:"room"`
}

func (h *Handlers) Evict(c *gin.Context) {
	var req struct {
		ClientID string          `json:"clientId" binding:"required"`
		Role     domain.RoleName `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid evict request"})
		return
	}
	requester, room, ok := h.seatedRequester(c, req.ClientID)
	if !ok {
		return
	}
	if room.Owner() != requester.Username() {
		h.abort(c, core.ErrUnauthorized)
		return
	}
	occupant, err := room.Occupant(req.Role)
	if err != nil {
		h.abort(c, err)
		return
	}
	room.Vacate(occupant)
	occupant.SendJSON(evictedMsg{Type: "evicted", Room: room.ID()})
	room.BroadcastRoles()
	c.Status(http.StatusNoContent)
}

func (h *Handlers) MoveToRole(c *gin.Context) {
	var req struct {
		ClientID string          `json:"clientId" binding:"required"`
		Role     domain.RoleName `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid move request"})
		return
	}
	client, room, ok := h.seatedRequester(c, req.ClientID)
	if !ok {
		return
	}
	displaced, err := room.MoveClient(client.Role(), req.Role)
	if err != nil {
		h.abort(c, err)
		return
	}
	// The displaced occupant no longer receives room broadcasts, so they
	// get told directly that their seat is gone.
	if displaced != nil {
		displaced.SendJSON(evictedMsg{Type: "evicted", Room: room.ID()})
	}
	room.BroadcastRoles()
	c.JSON(http.StatusOK, room.State())
}

// CloneRole adds a fresh role seeded with a copy of the source role's
// document: the live one when the seat is occupied, the cache otherwise.
func (h *Handlers) CloneRole(c *gin.Context) {
	var req struct {
		ClientID string          `json:"clientId" binding:"required"`
		Role     domain.RoleName `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid clone request"})
		return
	}
	_, room, ok := h.seatedRequester(c, req.ClientID)
	if !ok {
		return
	}

	ctx, cancel := h.projectCtx(c)
	defer cancel()
	if err := room.CacheRole(ctx, req.Role); err != nil && !errors.Is(err, core.ErrNoOccupant) {
		h.abort(c, err)
		return
	}
	doc, err := room.Document(req.Role)
	if err != nil {
		h.abort(c, err)
		return
	}

	cloneName := req.Role
	for i := 2; ; i++ {
		cloneName = domain.RoleName(fmt.Sprintf("%s (%d)", req.Role, i))
		if err := room.AddRole(cloneName); err == nil {
			break
		} else if !errors.Is(err, core.ErrAlreadyExists) {
			h.abort(c, err)
			return
		}
	}
	if err := room.SetDocument(cloneName, doc.Clone()); err != nil {
		h.abort(c, err)
		return
	}
	room.BroadcastRoles()
	c.JSON(http.StatusOK, gin.H{"role": cloneName})
}

func (h *Handlers) DeleteRole(c *gin.Context) {
	var req struct {
		ClientID string          `json:"clientId" binding:"required"`
		Role     domain.RoleName `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid delete request"})
		return
	}
	requester, room, ok := h.seatedRequester(c, req.ClientID)
	if !ok {
		return
	}
	if room.Owner() != requester.Username() {
		h.abort(c, core.ErrUnauthorized)
		return
	}
	if _, err := room.RemoveRole(req.Role); err != nil {
		h.abort(c, err)
		return
	}
	room.BroadcastRoles()
	c.Status(http.StatusNoContent)
}

func (h *Handlers) Fork(c *gin.Context) {
	var req struct {
		ClientID string `json:"clientId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing clientId"})
		return
	}
	client, ok := h.requester(c, req.ClientID)
	if !ok {
		return
	}
	ctx, cancel := h.projectCtx(c)
	defer cancel()
	forked, err := h.Rooms.Fork(ctx, client)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, forked.State())
}
