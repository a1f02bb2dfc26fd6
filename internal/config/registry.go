package config

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry holds the agent descriptor set loaded at startup plus runtime
// liveness. Descriptors never mutate in place; a config reload replaces the
// whole set. Passed by reference to the router instead of living in a
// package-level variable.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]AgentDescriptor
	byRole  map[string][]string
	healthy map[string]bool
}

// NewRegistry builds a registry from a descriptor list. Every agent starts
// healthy.
func NewRegistry(agents []AgentDescriptor) *Registry {
	r := &Registry{}
	r.Replace(agents)
	return r
}

// Replace swaps in a new descriptor set, preserving known liveness for
// agents that survive the reload.
func (r *Registry) Replace(agents []AgentDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.healthy
	r.agents = make(map[string]AgentDescriptor, len(agents))
	r.byRole = make(map[string][]string)
	r.healthy = make(map[string]bool, len(agents))

	for _, a := range agents {
		r.agents[a.ID] = a
		r.byRole[a.Role] = append(r.byRole[a.Role], a.ID)
		if known, ok := prev[a.ID]; ok {
			r.healthy[a.ID] = known
		} else {
			r.healthy[a.ID] = true
		}
	}
}

// Get returns the descriptor for an agent ID.
func (r *Registry) Get(agentID string) (AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// ResolveHealthy returns a healthy descriptor for a role, if any exists.
func (r *Registry) ResolveHealthy(role string) (AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.byRole[role] {
		if r.healthy[id] {
			return r.agents[id], true
		}
	}
	return AgentDescriptor{}, false
}

// SetHealthy updates runtime liveness for an agent.
func (r *Registry) SetHealthy(agentID string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return
	}
	if r.healthy[agentID] != healthy {
		log.Info().
			Str("agent_id", agentID).
			Bool("healthy", healthy).
			Msg("Agent liveness changed")
	}
	r.healthy[agentID] = healthy
}

// All returns a copy of the current descriptor set.
func (r *Registry) All() []AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentDescriptor, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}
