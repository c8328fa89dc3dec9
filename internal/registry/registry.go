// Package registry tracks the coding-agent sessions known to the bridge.
// Agents are registered explicitly by their hooks or lazily on the first
// approval/notify call that mentions them; records live only for the
// process lifetime.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/hookbridge/internal/bus"
)

// ErrNotFound is returned when an operation references an unknown agent id.
var ErrNotFound = errors.New("agent not found")

// Agent is a registered coding-agent session.
type Agent struct {
	ID           string
	DisplayName  string
	RegisteredAt time.Time
	AutoApprove  bool

	seq int // registration order, for stable listing
}

// Registry owns the agent table. All access is by id; callers never hold
// references into the table.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*Agent
	nextSeq int
	bus     *bus.Bus
	logger  *slog.Logger
}

// New creates an empty Registry. The bus may be nil (tests).
func New(b *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]*Agent),
		bus:    b,
		logger: logger,
	}
}

// Upsert registers an agent or refreshes its display name. It is the single
// entry point for both the explicit register call and lazy registration on
// first use, so the two paths cannot drift.
func (r *Registry) Upsert(agentID, displayName string) Agent {
	r.mu.Lock()
	existing, ok := r.agents[agentID]
	if ok {
		if displayName != "" {
			existing.DisplayName = displayName
		}
		snapshot := *existing
		r.mu.Unlock()
		return snapshot
	}
	r.nextSeq++
	a := &Agent{
		ID:           agentID,
		DisplayName:  displayName,
		RegisteredAt: time.Now(),
		seq:          r.nextSeq,
	}
	if a.DisplayName == "" {
		a.DisplayName = agentID
	}
	r.agents[agentID] = a
	snapshot := *a
	r.mu.Unlock()

	r.logger.Info("agent registered", "agent_id", agentID, "display_name", snapshot.DisplayName)
	if r.bus != nil {
		r.bus.Publish(bus.TopicAgentRegistered, bus.AgentEvent{AgentID: agentID, DisplayName: snapshot.DisplayName})
	}
	return snapshot
}

// Remove deletes the agent record. Pending approvals owned by the agent are
// unaffected; they resolve independently.
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.logger.Info("agent unregistered", "agent_id", agentID)
	if r.bus != nil {
		r.bus.Publish(bus.TopicAgentUnregistered, bus.AgentEvent{AgentID: agentID, DisplayName: a.DisplayName})
	}
}

// Get returns a snapshot of the agent record.
func (r *Registry) Get(agentID string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// List returns snapshots of all agents in registration order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	// Insertion-order sort on the seq counter; agent counts are tiny.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].seq < out[j-1].seq; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// SetAutoApprove flips the session auto-approve flag for an agent.
func (r *Registry) SetAutoApprove(agentID string, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("set auto-approve for %q: %w", agentID, ErrNotFound)
	}
	a.AutoApprove = on
	return nil
}

// AutoApprove reports whether the agent has session auto-approve enabled.
// Unknown agents report false.
func (r *Registry) AutoApprove(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return ok && a.AutoApprove
}
