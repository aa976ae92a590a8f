// Package event defines the coordination event vocabulary, the envelope that
// crosses the bus and the transport boundary, and the in-process bus itself.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Name identifies an event kind on the bus.
type Name string

// Task lifecycle events emitted by the orchestration engine.
const (
	TaskCreated          Name = "task.created"
	TaskAssigned         Name = "task.assigned"
	TaskStarted          Name = "task.started"
	TaskCompleted        Name = "task.completed"
	TaskFailed           Name = "task.failed"
	TaskCancelled        Name = "task.cancelled"
	TaskProgress         Name = "task.progress"
	TaskWorkloadAnalyzed Name = "task.workload_analyzed"
	TaskError            Name = "task.error"
)

// Inbound request events: producers (transports, tools, agents) emit these
// onto the bus to drive the orchestration engine.
const (
	TaskCreateRequest   Name = "task.create"
	TaskAssignRequest   Name = "task.assign"
	TaskCompleteRequest Name = "task.complete"
)

// Agent and channel lifecycle events relayed through the forwarding layer.
const (
	AgentConnected    Name = "agent.connected"
	AgentDisconnected Name = "agent.disconnected"
	AgentStatus       Name = "agent.status"
	AgentError        Name = "agent.error"
	MessageAgent      Name = "message.agent"
	MessageChannel    Name = "message.channel"
	MemberJoined      Name = "channel.member_joined"
	MemberLeft        Name = "channel.member_left"
	ToolResult        Name = "tool.result"
	Discovery         Name = "discovery.announce"
	Heartbeat         Name = "heartbeat"
	CoordinationHint  Name = "coordination.hint"
	MemoryUpdated     Name = "memory.updated"
	AnalyticsSnapshot Name = "analytics.snapshot"
)

func (n Name) String() string {
	return string(n)
}

// Envelope is the unit of exchange: every event the core emits or delivers
// carries this shape.
type Envelope struct {
	EventID   string         `json:"eventId"`
	EventType Name           `json:"eventType"`
	AgentID   string         `json:"agentId,omitempty"`
	ChannelID string         `json:"channelId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an envelope with a fresh ID and timestamp.
func New(name Name, agentID, channelID string, data map[string]any) *Envelope {
	return &Envelope{
		EventID:   uuid.NewString(),
		EventType: name,
		AgentID:   agentID,
		ChannelID: channelID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Category is the delivery priority class of an event. Lower is more urgent.
type Category int

const (
	Critical Category = iota
	High
	Normal
	Low
	Background

	numCategories = int(Background) + 1
)

func (c Category) String() string {
	switch c {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// Demote returns the next lower priority, saturating at Background.
// Retries are demoted, never promoted, so a retry storm cannot starve
// fresh high-priority work.
func (c Category) Demote() Category {
	if c >= Background {
		return Background
	}
	return c + 1
}

// categories is the explicit classification table. Every canonical name gets
// an entry; unknown names fall back to Normal. task.failed sits in Critical:
// failure events outrank ordinary lifecycle traffic.
var categories = map[Name]Category{
	AgentDisconnected: Critical,
	AgentError:        Critical,
	TaskError:         Critical,
	TaskFailed:        Critical,

	TaskAssigned:        High,
	TaskCompleted:       High,
	TaskCompleteRequest: High,
	ToolResult:          High,

	TaskCreated:       Normal,
	TaskCreateRequest: Normal,
	TaskAssignRequest: Normal,
	TaskStarted:       Normal,
	TaskCancelled:     Normal,
	TaskProgress:      Normal,
	MessageAgent:      Normal,
	MessageChannel:    Normal,
	AgentStatus:       Normal,

	Discovery:      Low,
	Heartbeat:      Low,
	MemberJoined:   Low,
	MemberLeft:     Low,
	AgentConnected: Low,

	MemoryUpdated:        Background,
	CoordinationHint:     Background,
	AnalyticsSnapshot:    Background,
	TaskWorkloadAnalyzed: Background,
}

// CategoryOf returns the priority class for an event name.
func CategoryOf(name Name) Category {
	if c, ok := categories[name]; ok {
		return c
	}
	return Normal
}

// broadcasts lists event names that fan out to the whole channel group even
// when the envelope names an originating agent. For these, the originating
// agent is excluded from delivery so it never receives an echo of its own
// lifecycle notice.
var broadcasts = map[Name]bool{
	MessageChannel:    true,
	MemberJoined:      true,
	MemberLeft:        true,
	AgentConnected:    true,
	AgentDisconnected: true,
	AgentStatus:       true,
	Discovery:         true,

	// Task lifecycle outcomes concern every member of the channel. The
	// originating agent already knows; it is excluded from the echo.
	// task.assigned is deliberately absent: assignments carry per-agent
	// instructions and stay unicast.
	TaskCompleted: true,
	TaskFailed:    true,
	TaskCancelled: true,
	TaskStarted:   true,
	TaskProgress:  true,
}

// IsBroadcast reports whether the event name is channel-broadcast by nature.
func IsBroadcast(name Name) bool {
	return broadcasts[name]
}

// IsRequest reports whether the event name is an inbound request. Requests
// are consumed by the orchestration engine and never forwarded to agents.
func IsRequest(name Name) bool {
	switch name {
	case TaskCreateRequest, TaskAssignRequest, TaskCompleteRequest:
		return true
	default:
		return false
	}
}
