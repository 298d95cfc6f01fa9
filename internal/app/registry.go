package app

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/allov/coedit/internal/core"
	"github.com/allov/coedit/internal/metrics"
)

// ClientRegistry tracks every live connection in the process. It is the
// source of truth for "is this connection alive" and backs the invite
// fan-out to every open tab of a user.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[core.ClientID]*core.Client
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[core.ClientID]*core.Client)}
}

func (r *ClientRegistry) Register(c *core.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.ID]; ok {
		return errors.Wrapf(core.ErrAlreadyExists, "client %q", c.ID)
	}
	r.clients[c.ID] = c
	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
	log.Info().Str("module", "app.registry").Str("id", string(c.ID)).Msg("client registered")
	return nil
}

// Unregister is idempotent; disconnect paths may race and both clean up.
func (r *ClientRegistry) Unregister(id core.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; !ok {
		return
	}
	delete(r.clients, id)
	metrics.ActiveConnections.Dec()
	log.Info().Str("module", "app.registry").Str("id", string(id)).Msg("client unregistered")
}

func (r *ClientRegistry) Get(id core.ClientID) (*core.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// FindByUsername returns every live connection authenticated as username.
func (r *ClientRegistry) FindByUsername(username string) []*core.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Client
	for _, c := range r.clients {
		if c.Username() == username {
			out = append(out, c)
		}
	}
	return out
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
