// Package registry tracks live agent connections and channel memberships.
package registry

import (
	"sync"

	"coordinator/pkg/event"
	"coordinator/pkg/logx"
)

// Connection is a live duplex link to one agent. Implementations wrap the
// actual transport; the coordinator core only pushes envelopes through it.
type Connection interface {
	AgentID() string
	Send(env *event.Envelope) error
	Connected() bool
}

// Registry maps agent IDs to connections and channel IDs to broadcast groups.
// All maps are owned here and guarded by one RWMutex.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]Connection          // agent ID -> connection
	channels    map[string]map[string]struct{} // channel ID -> member agent IDs
	logger      *logx.Logger
}

func New() *Registry {
	return &Registry{
		connections: make(map[string]Connection),
		channels:    make(map[string]map[string]struct{}),
		logger:      logx.NewLogger("registry"),
	}
}

// Register records a connection, replacing any previous connection for the
// same agent (reconnect case).
func (r *Registry) Register(conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.AgentID()] = conn
	r.logger.Info("Registered connection for agent %s", conn.AgentID())
}

// Unregister drops the agent's connection and removes it from every channel.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, agentID)
	for channelID, members := range r.channels {
		if _, ok := members[agentID]; ok {
			delete(members, agentID)
			if len(members) == 0 {
				delete(r.channels, channelID)
			}
		}
	}
	r.logger.Info("Unregistered agent %s", agentID)
}

// Join adds the agent to a channel's broadcast group.
func (r *Registry) Join(agentID, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[channelID] == nil {
		r.channels[channelID] = make(map[string]struct{})
	}
	r.channels[channelID][agentID] = struct{}{}
}

// Leave removes the agent from a channel's broadcast group.
func (r *Registry) Leave(agentID, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if members, ok := r.channels[channelID]; ok {
		delete(members, agentID)
		if len(members) == 0 {
			delete(r.channels, channelID)
		}
	}
}

// ConnectionForAgent returns the agent's live connection, or nil if absent.
// Absence is expected during disconnect races and is not an error.
func (r *Registry) ConnectionForAgent(agentID string) Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connections[agentID]
}

// ChannelGroup returns the connections of every member of the channel.
// Members without a live connection are skipped.
func (r *Registry) ChannelGroup(channelID string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.channels[channelID]
	if !ok {
		return nil
	}
	group := make([]Connection, 0, len(members))
	for agentID := range members {
		if conn, live := r.connections[agentID]; live {
			group = append(group, conn)
		}
	}
	return group
}

// IsConnected reports whether the connection is still registered and live.
func (r *Registry) IsConnected(conn Connection) bool {
	if conn == nil {
		return false
	}
	r.mu.RLock()
	current, ok := r.connections[conn.AgentID()]
	r.mu.RUnlock()
	return ok && current == conn && conn.Connected()
}

// Members returns the agent IDs currently joined to a channel.
func (r *Registry) Members(channelID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]string, 0, len(r.channels[channelID]))
	for agentID := range r.channels[channelID] {
		members = append(members, agentID)
	}
	return members
}
