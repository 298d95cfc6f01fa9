package core

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/allov/coedit/internal/domain"
	"github.com/allov/coedit/internal/metrics"
)

// Frame is a raw wire payload (a marshaled JSON envelope).
type Frame []byte

type ClientID string

// SignalConnection abstracts the duplex transport endpoint of one client.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

type pendingReply struct {
	snapshot domain.ProjectSnapshot
	err      error
}

// Client is the server-side representative of one live connection: its
// identity, its current seat, and the correlation table for in-flight
// project round-trips.
//
// Lock order is room before client. A Client never calls into its Room
// while holding its own mutex.
type Client struct {
	ID ClientID

	mu      sync.RWMutex
	conn    SignalConnection
	user    *domain.User
	room    *Room
	role    domain.RoleName
	pending map[string]chan pendingReply
	closed  bool
}

func NewClient(conn SignalConnection) *Client {
	id := ClientID(uuid.NewString())
	return &Client{
		ID:      id,
		conn:    conn,
		user:    domain.NewGuest(string(id)),
		pending: make(map[string]chan pendingReply),
	}
}

func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user.Username
}

func (c *Client) User() domain.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *c.user
}

// Authenticate transitions the client from guest to a named identity.
// Returns the room the client is seated in, if any, so the caller can
// re-broadcast presence with the new display name.
func (c *Client) Authenticate(username string) (*Room, error) {
	c.mu.Lock()
	if err := c.user.SetUsername(username); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	room := c.room
	c.mu.Unlock()
	log.Info().Str("module", "core.client").Str("id", string(c.ID)).Str("username", username).Msg("authenticated")
	return room, nil
}

func (c *Client) Room() *Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *Client) Role() domain.RoleName {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Client) Seated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room != nil
}

// setSeat and clearSeat are called by a Room while it holds its own lock;
// the room and the client never disagree about the seat for longer than
// one of the two critical sections.
func (c *Client) setSeat(room *Room, role domain.RoleName) {
	c.mu.Lock()
	c.room = room
	c.role = role
	c.mu.Unlock()
}

func (c *Client) clearSeat() {
	c.mu.Lock()
	c.room = nil
	c.role = ""
	c.mu.Unlock()
}

// SendFrame is best-effort: a frame to a closed or backpressured
// connection is dropped and logged, never queued indefinitely.
func (c *Client) SendFrame(f Frame) {
	c.mu.RLock()
	conn, closed := c.conn, c.closed
	c.mu.RUnlock()
	if closed || conn == nil {
		log.Debug().Str("module", "core.client").Str("id", string(c.ID)).Msg("drop frame: connection closed")
		return
	}
	if err := conn.TrySend(f); err != nil {
		log.Warn().Err(err).Str("module", "core.client").Str("id", string(c.ID)).Msg("drop frame")
	}
}

func (c *Client) SendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "core.client").Msg("marshal outbound")
		return
	}
	c.SendFrame(Frame(b))
}

type projectRequestMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// RequestProject asks the client's editor for its current document and
// waits for the matching project-response. Replies are matched by
// correlation id, so any number of requests may be outstanding at once.
// The wait ends with ErrConnectionClosed if the client disconnects first,
// or with the context error on timeout.
func (c *Client) RequestProject(ctx context.Context) (domain.ProjectSnapshot, error) {
	id := uuid.NewString()
	ch := make(chan pendingReply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ProjectSnapshot{}, ErrConnectionClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	metrics.ProjectRequests.Inc()
	c.SendJSON(projectRequestMsg{Type: "project-request", ID: id})

	select {
	case reply := <-ch:
		if reply.err != nil {
			return domain.ProjectSnapshot{}, reply.err
		}
		return reply.snapshot, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return domain.ProjectSnapshot{}, errors.Wrap(ctx.Err(), "project request")
	}
}

// ResolveProject delivers a project-response to the matching pending
// request. A reply with an unknown id is stale (the requester timed out
// or the seat changed) and is discarded.
func (c *Client) ResolveProject(id string, snapshot domain.ProjectSnapshot) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		log.Debug().Str("module", "core.client").Str("id", string(c.ID)).Str("req", id).Msg("stale project response")
		return false
	}
	ch <- pendingReply{snapshot: snapshot}
	return true
}

// Destroy marks the client closed, fails every pending round-trip with
// ErrConnectionClosed and closes the transport. Idempotent.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	for id, ch := range c.pending {
		ch <- pendingReply{err: ErrConnectionClosed}
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	log.Info().Str("module", "core.client").Str("id", string(c.ID)).Msg("destroyed")
}

func (c *Client) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
