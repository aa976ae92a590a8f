// Package agentdir tracks agent identities, roles, and channel membership.
package agentdir

import (
	"sort"
	"sync"
	"time"
)

// AgentStatus is the liveness state of an agent.
type AgentStatus string

const (
	StatusActive  AgentStatus = "active"
	StatusIdle    AgentStatus = "idle"
	StatusOffline AgentStatus = "offline"
)

// Capability names agents may advertise.
const (
	// CapabilityCompleteTasks marks an agent able to signal task completion.
	CapabilityCompleteTasks = "task:complete"
)

// Agent is a connected worker identity.
type Agent struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Roles        []string    `json:"roles,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Status       AgentStatus `json:"status"`
	Channels     []string    `json:"channels,omitempty"`
	LastSeen     time.Time   `json:"lastSeen"`
}

// HasRole reports whether the agent holds any of the given roles.
func (a *Agent) HasRole(roles ...string) bool {
	for _, want := range roles {
		for _, have := range a.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// HasCapability reports whether the agent advertises the capability.
func (a *Agent) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Directory is the lookup surface the orchestration engine consumes.
type Directory interface {
	ActiveAgentsInChannel(channelID string) []*Agent
	Agent(agentID string) *Agent
}

// MemoryDirectory is an in-memory Directory maintained from connection and
// membership events.
type MemoryDirectory struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{agents: make(map[string]*Agent)}
}

// Upsert registers or refreshes an agent record.
func (d *MemoryDirectory) Upsert(agent *Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	agent.LastSeen = time.Now().UTC()
	d.agents[agent.ID] = agent
}

// SetStatus updates an agent's liveness state.
func (d *MemoryDirectory) SetStatus(agentID string, status AgentStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.agents[agentID]; ok {
		a.Status = status
		a.LastSeen = time.Now().UTC()
	}
}

// Join adds a channel to an agent's membership set.
func (d *MemoryDirectory) Join(agentID, channelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return
	}
	for _, ch := range a.Channels {
		if ch == channelID {
			return
		}
	}
	a.Channels = append(a.Channels, channelID)
}

// Leave removes a channel from an agent's membership set.
func (d *MemoryDirectory) Leave(agentID, channelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return
	}
	for i, ch := range a.Channels {
		if ch == channelID {
			a.Channels = append(a.Channels[:i], a.Channels[i+1:]...)
			return
		}
	}
}

// Remove deletes an agent record entirely.
func (d *MemoryDirectory) Remove(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.agents, agentID)
}

// Agent returns the record for agentID, or nil.
func (d *MemoryDirectory) Agent(agentID string) *Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.agents[agentID]
}

// ActiveAgentsInChannel returns active members of the channel in stable
// (ID-sorted) order, so deterministic fallback picks are reproducible.
func (d *MemoryDirectory) ActiveAgentsInChannel(channelID string) []*Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*Agent
	for _, a := range d.agents {
		if a.Status != StatusActive {
			continue
		}
		for _, ch := range a.Channels {
			if ch == channelID {
				out = append(out, a)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
