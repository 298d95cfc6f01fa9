package app

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/allov/coedit/internal/core"
)

// ServiceDescriptor declares one helper service. Stateless services share
// a single instance process-wide; stateful ones get a private instance
// per room, so a turn-taking referee remembers state across calls from
// any occupant of that room.
type ServiceDescriptor struct {
	Name     string
	Stateful bool
	New      func() any
}

// ServiceResolver hands out service instances scoped to the caller's
// current room. Contexts live on the room itself and die with it; there
// is no module-level cache with undefined teardown.
type ServiceResolver struct {
	clients *ClientRegistry

	mu     sync.Mutex
	shared map[string]any
}

func NewServiceResolver(clients *ClientRegistry) *ServiceResolver {
	return &ServiceResolver{
		clients: clients,
		shared:  make(map[string]any),
	}
}

// Resolve returns the instance the connection should talk to. For a
// stateful service the caller must be seated; ErrNotSeated tells the
// adapter to surface "not in a session" to the client.
func (r *ServiceResolver) Resolve(desc ServiceDescriptor, id core.ClientID) (any, error) {
	if !desc.Stateful {
		r.mu.Lock()
		defer r.mu.Unlock()
		svc, ok := r.shared[desc.Name]
		if !ok {
			svc = desc.New()
			r.shared[desc.Name] = svc
		}
		return svc, nil
	}

	client, ok := r.clients.Get(id)
	if !ok {
		return nil, errors.Wrapf(core.ErrClientNotFound, "client %q", id)
	}
	room := client.Room()
	if room == nil {
		return nil, core.ErrNotSeated
	}
	return room.ServiceContext(desc.Name, desc.New), nil
}
