package orch

import (
	"context"
	"fmt"
	"time"

	"coordinator/pkg/agentdir"
	"coordinator/pkg/event"
	"coordinator/pkg/logx"
	"coordinator/pkg/task"
)

// CompletionOutcome reports what a completion signal actually did.
type CompletionOutcome struct {
	// Status is "completed" when this call performed the transition, or
	// "already_completed" when another caller got there first.
	Status string     `json:"status"`
	Task   *task.Task `json:"task"`
}

// CompletionResult is the structured record attached to task metadata when a
// task finishes.
type CompletionResult struct {
	AgentID     string    `json:"agentId"`
	Summary     string    `json:"summary"`
	Success     bool      `json:"success"`
	Details     string    `json:"details,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// resolveCompletionAgent decides which agent of a multi-agent task signals
// completion. Precedence: explicit override, then lead, then the last
// assigned agent, then the first as a last resort.
func resolveCompletionAgent(t *task.Task) string {
	if t.CompletionAgentID != "" {
		return t.CompletionAgentID
	}
	if t.LeadAgentID != "" {
		return t.LeadAgentID
	}
	if n := len(t.AssignedAgentIDs); n > 0 {
		return t.AssignedAgentIDs[n-1]
	}
	return t.AssignedAgentID
}

// Instruction is the per-agent work directive for a task assignment.
type Instruction struct {
	AgentID  string         `json:"agentId"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

// BuildInstructions produces one instruction per assigned agent. For a
// single-agent task the agent always signals completion itself; for
// multi-agent tasks exactly one agent is told to signal and everyone else is
// told not to.
func (e *Engine) BuildInstructions(t *task.Task) []Instruction {
	agents := t.AssignedAgentIDs
	if len(agents) == 0 && t.AssignedAgentID != "" {
		agents = []string{t.AssignedAgentID}
	}
	if len(agents) == 0 {
		return nil
	}

	if len(agents) == 1 {
		agentID := agents[0]
		return []Instruction{{
			AgentID: agentID,
			Text: fmt.Sprintf("You are solely responsible for task %q: %s. "+
				"Work the task to completion and signal completion when done.", t.Title, t.Description),
			Metadata: instructionMetadata(t, agentID, 0, true, true, false, 1),
		}}
	}

	completionAgent := resolveCompletionAgent(t)
	out := make([]Instruction, 0, len(agents))
	for i, agentID := range agents {
		isLead := agentID == t.LeadAgentID
		isCompletion := agentID == completionAgent
		canComplete := e.hasCompletionCapability(agentID)
		out = append(out, Instruction{
			AgentID:  agentID,
			Text:     instructionText(t, isLead, isCompletion, canComplete),
			Metadata: instructionMetadata(t, agentID, i, isLead, isCompletion, true, len(agents)),
		})
	}
	return out
}

func (e *Engine) hasCompletionCapability(agentID string) bool {
	a := e.dir.Agent(agentID)
	return a != nil && a.HasCapability(agentdir.CapabilityCompleteTasks)
}

// instructionText covers the {lead, completion} x {capability} variants for
// multi-agent tasks.
func instructionText(t *task.Task, isLead, isCompletion, canComplete bool) string {
	base := fmt.Sprintf("You are part of a %d-agent team working on task %q: %s. ",
		max(len(t.AssignedAgentIDs), 2), t.Title, t.Description)

	switch {
	case isLead && isCompletion && canComplete:
		return base + "You are the lead agent and the completion authority. " +
			"Coordinate the team's work and signal completion once all contributions are done."
	case isLead && isCompletion:
		return base + "You are the lead agent and the completion authority, but you lack " +
			"the completion capability. Coordinate the team's work and report readiness " +
			"so completion can be signaled on your behalf."
	case isCompletion && canComplete:
		return base + "You are the designated completion agent. Contribute your part, " +
			"verify the team's work is done, and signal completion."
	case isCompletion:
		return base + "You are the designated completion agent but lack the completion " +
			"capability. Verify the team's work is done and report readiness so completion " +
			"can be signaled on your behalf."
	case isLead:
		return base + "You are the lead agent. Coordinate the team's work, but do NOT " +
			"signal completion; another agent is designated for that."
	default:
		return base + "Contribute your part, then report your results to the lead agent. " +
			"Do NOT signal completion; another agent is designated for that."
	}
}

func instructionMetadata(t *task.Task, agentID string, index int, isLead, isCompletion, multi bool, total int) map[string]any {
	role := "contributor"
	switch {
	case !multi:
		role = "solo"
	case isLead && isCompletion:
		role = "lead-completion"
	case isLead:
		role = "lead"
	case isCompletion:
		role = "completion"
	}
	return map[string]any{
		"agentRole":         role,
		"agentIndex":        index,
		"isLeadAgent":       isLead,
		"isCompletionAgent": isCompletion,
		"multiAgentTask":    multi,
		"totalAgents":       total,
	}
}

// HandleCompletion processes a completion signal from an agent. It is
// idempotent: only the first signal for a task performs the terminal
// transition and emits task.completed; later signals get an
// already_completed outcome without a second emission.
//
// The task is named by data["taskId"]. When absent, the agent's single
// active task in the channel is used; more than one active task is an
// ErrAmbiguousTask and the caller must name the task explicitly.
func (e *Engine) HandleCompletion(ctx context.Context, agentID, channelID string, data map[string]any) (*CompletionOutcome, error) {
	t, err := e.resolveCompletionTarget(agentID, channelID, data)
	if err != nil {
		return nil, err
	}

	result := CompletionResult{
		AgentID:     agentID,
		Summary:     stringField(data, "summary"),
		Success:     boolField(data, "success", true),
		Details:     stringField(data, "details"),
		CompletedAt: time.Now().UTC(),
	}

	outcome, err := e.completeOnce(t.ID, agentID, result)
	if err != nil || outcome.Status != "completed" {
		return outcome, err
	}

	// Emission happens outside the completion lock; the winning caller is
	// already decided, and Emit may block on a full bus buffer.
	updated := outcome.Task
	e.rec.IncTaskCompleted("completed")
	e.logger.Info("Task %s completed by %s", updated.ID, agentID)
	e.emit(event.TaskCompleted, agentID, updated.ChannelID, map[string]any{
		"taskId":  updated.ID,
		"title":   updated.Title,
		"agentId": agentID,
		"summary": result.Summary,
		"success": result.Success,
	})
	return outcome, nil
}

// completeOnce serializes the check-and-set so racing signals for the same
// task cannot both transition it. Exactly one caller gets the "completed"
// outcome.
func (e *Engine) completeOnce(taskID, agentID string, result CompletionResult) (*CompletionOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.store.FindByID(taskID)
	if err != nil {
		return nil, err
	}
	if current.Status == task.StatusCompleted {
		e.logger.Info("Task %s already completed, ignoring duplicate signal from %s", current.ID, agentID)
		return &CompletionOutcome{Status: "already_completed", Task: current}, nil
	}
	if current.Status.Terminal() {
		return nil, fmt.Errorf("complete task %s: %w", current.ID, ErrTaskTerminal)
	}

	status := task.StatusCompleted
	progress := 100
	updated, err := e.store.UpdateByID(current.ID, &task.Patch{
		Status:   &status,
		Progress: &progress,
		Metadata: map[string]any{"completionResult": result},
	})
	if err != nil {
		return nil, logx.Wrap(err, "persist completion")
	}
	return &CompletionOutcome{Status: "completed", Task: updated}, nil
}

func (e *Engine) resolveCompletionTarget(agentID, channelID string, data map[string]any) (*task.Task, error) {
	if id := stringField(data, "taskId"); id != "" && id != "current" {
		return e.store.FindByID(id)
	}
	active, err := e.store.Find(task.Filter{ChannelID: channelID, AgentID: agentID, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	switch len(active) {
	case 0:
		return nil, fmt.Errorf("no active task for agent %s in channel %s: %w", agentID, channelID, task.ErrNotFound)
	case 1:
		return active[0], nil
	default:
		return nil, fmt.Errorf("agent %s has %d active tasks in channel %s: %w",
			agentID, len(active), channelID, ErrAmbiguousTask)
	}
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

func boolField(data map[string]any, key string, def bool) bool {
	if data == nil {
		return def
	}
	if b, ok := data[key].(bool); ok {
		return b
	}
	return def
}
