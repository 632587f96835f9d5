package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jllopis/careflow/pkg/collab"
)

// Registry maps agent ids to agents. It is built by the composition root
// and is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates a registry holding agents.
func NewRegistry(agents ...Agent) (*Registry, error) {
	r := &Registry{agents: make(map[string]Agent)}
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a. Ids must be unique.
func (r *Registry) Register(a Agent) error {
	if a == nil || a.ID() == "" {
		return fmt.Errorf("agent id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.agents[a.ID()]; dup {
		return fmt.Errorf("agent %s already registered", a.ID())
	}
	r.agents[a.ID()] = a
	return nil
}

// Get returns the agent registered under id.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns every agent ordered by id.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Contributor lets the registry serve as a collab.Directory.
func (r *Registry) Contributor(id string) (collab.Contributor, bool) {
	a, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return a, true
}
