package agent

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Identity describes one reasoning participant in the pool. Trust lives in
// the trust ledger, never here; the identity itself is immutable after
// registration.
type Identity struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Specializations []string `json:"specializations,omitempty"`
	ProviderID      string   `json:"provider_id,omitempty"`
	Model           string   `json:"model,omitempty"`
}

// Registry is the external agent pool. Sessions only ever see an immutable
// snapshot; membership changes apply to later sessions.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Identity
	logger *zap.Logger
}

// NewRegistry creates an empty agent registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Identity),
		logger: logger,
	}
}

// Register adds an agent to the pool, assigning an ID when absent.
func (r *Registry) Register(id *Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id.ID == "" {
		id.ID = uuid.New().String()
	}
	r.agents[id.ID] = id
	r.logger.Info("registered agent",
		zap.String("id", id.ID),
		zap.String("name", id.Name))
}

// Remove deletes an agent from the pool.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

// Get returns an agent by ID.
func (r *Registry) Get(id string) (*Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Snapshot returns the current pool ordered by agent ID, skipping agents
// the exclude predicate rejects. The returned slice is the session's fixed
// participant set.
func (r *Registry) Snapshot(exclude func(agentID string) bool) []*Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Identity, 0, len(r.agents))
	for id, a := range r.agents {
		if exclude != nil && exclude(id) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
