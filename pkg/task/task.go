// Package task defines the durable task model and its store.
package task

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final. A terminal task never
// transitions again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) String() string { return string(s) }

// ParseStatus validates and normalizes a status string.
func ParseStatus(v string) (Status, error) {
	switch Status(strings.ToLower(v)) {
	case StatusPending, StatusAssigned, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return Status(strings.ToLower(v)), nil
	default:
		return "", fmt.Errorf("unknown task status: %s", v)
	}
}

// Priority orders tasks for assignment decisions.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) String() string { return string(p) }

// ParsePriority validates and normalizes a priority string.
func ParsePriority(v string) (Priority, error) {
	switch Priority(strings.ToLower(v)) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return Priority(strings.ToLower(v)), nil
	default:
		return "", fmt.Errorf("unknown task priority: %s", v)
	}
}

// Strategy selects how agents get picked for a task.
type Strategy string

const (
	StrategyManual      Strategy = "manual"
	StrategyIntelligent Strategy = "intelligent"
	StrategyAuto        Strategy = "auto"

	// StrategyFallback tags assignments produced by the deterministic
	// fallback when no advisor recommendation was usable.
	StrategyFallback Strategy = "fallback-role-based"
)

func (s Strategy) String() string { return string(s) }

// Scope determines how many agents a task targets.
type Scope string

const (
	ScopeSingle      Scope = "single"
	ScopeMultiple    Scope = "multiple"
	ScopeChannelWide Scope = "channel-wide"
)

func (s Scope) String() string { return string(s) }

// ParseScope validates and normalizes a scope string.
func ParseScope(v string) (Scope, error) {
	switch Scope(strings.ToLower(v)) {
	case ScopeSingle, ScopeMultiple, ScopeChannelWide:
		return Scope(strings.ToLower(v)), nil
	default:
		return "", fmt.Errorf("unknown assignment scope: %s", v)
	}
}

// Task is the durable work record. It is owned by the store; the orchestration
// engine is the only writer.
type Task struct {
	ID                string         `json:"id"`
	ChannelID         string         `json:"channelId"`
	Title             string         `json:"title"`
	Description       string         `json:"description"`
	Status            Status         `json:"status"`
	Priority          Priority       `json:"priority"`
	Strategy          Strategy       `json:"assignmentStrategy"`
	Scope             Scope          `json:"assignmentScope"`
	AssignedAgentID   string         `json:"assignedAgentId,omitempty"`
	AssignedAgentIDs  []string       `json:"assignedAgentIds,omitempty"`
	LeadAgentID       string         `json:"leadAgentId,omitempty"`
	CompletionAgentID string         `json:"completionAgentId,omitempty"`
	TargetAgentRoles  []string       `json:"targetAgentRoles,omitempty"`
	ExcludeAgentIDs   []string       `json:"excludeAgentIds,omitempty"`
	MaxParticipants   int            `json:"maxParticipants,omitempty"`
	Progress          int            `json:"progress"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	DependsOn         []string       `json:"dependsOn,omitempty"`
	CreatedBy         string         `json:"createdBy"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// Patch carries the mutable fields of a task update. Nil pointers leave the
// stored value untouched.
type Patch struct {
	Status            *Status        `json:"status,omitempty"`
	Priority          *Priority      `json:"priority,omitempty"`
	AssignedAgentID   *string        `json:"assignedAgentId,omitempty"`
	AssignedAgentIDs  *[]string      `json:"assignedAgentIds,omitempty"`
	LeadAgentID       *string        `json:"leadAgentId,omitempty"`
	CompletionAgentID *string        `json:"completionAgentId,omitempty"`
	Progress          *int           `json:"progress,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"` // merged key-by-key
	Tags              *[]string      `json:"tags,omitempty"`
}

// Filter selects tasks from the store. Zero values match everything.
type Filter struct {
	ChannelID  string
	AgentID    string // matches assignedAgentId or membership in assignedAgentIds
	Statuses   []Status
	CreatedBy  string
	ActiveOnly bool // only non-terminal statuses
}

// Store is the durable CRUD surface for tasks.
type Store interface {
	Create(t *Task) error
	FindByID(id string) (*Task, error)
	UpdateByID(id string, patch *Patch) (*Task, error)
	Find(filter Filter) ([]*Task, error)
}
