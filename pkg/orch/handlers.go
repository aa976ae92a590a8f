package orch

import (
	"context"
	"errors"

	"coordinator/pkg/event"
	"coordinator/pkg/task"
)

// Start subscribes the engine to inbound request events. Handler failures
// surface as task.error events and never crash the process.
func (e *Engine) Start(ctx context.Context) {
	if e.bus == nil {
		return
	}
	e.bus.Subscribe(event.TaskCreateRequest, func(env *event.Envelope) {
		e.handleCreateRequest(ctx, env)
	})
	e.bus.Subscribe(event.TaskAssignRequest, func(env *event.Envelope) {
		taskID := stringField(env.Data, "taskId")
		if taskID == "" {
			e.emitError(env, "task.assign request missing taskId")
			return
		}
		// AssignTask emits task.error itself on failure.
		if _, err := e.AssignTask(ctx, taskID); err != nil {
			e.logger.Warn("Assignment request for task %s failed: %v", taskID, err)
		}
	})
	e.bus.Subscribe(event.TaskCompleteRequest, func(env *event.Envelope) {
		if _, err := e.HandleCompletion(ctx, env.AgentID, env.ChannelID, env.Data); err != nil {
			e.rec.IncTaskError()
			e.emitError(env, err.Error())
		}
	})
}

func (e *Engine) handleCreateRequest(ctx context.Context, env *event.Envelope) {
	req := CreateRequest{
		ChannelID:   env.ChannelID,
		Title:       stringField(env.Data, "title"),
		Description: stringField(env.Data, "description"),
		CreatedBy:   env.AgentID,
	}
	if v := stringField(env.Data, "priority"); v != "" {
		p, err := task.ParsePriority(v)
		if err != nil {
			e.emitError(env, err.Error())
			return
		}
		req.Priority = p
	}
	if v := stringField(env.Data, "scope"); v != "" {
		s, err := task.ParseScope(v)
		if err != nil {
			e.emitError(env, err.Error())
			return
		}
		req.Scope = s
	}
	if v := stringField(env.Data, "strategy"); v != "" {
		req.Strategy = task.Strategy(v)
	}
	req.AssignedAgentIDs = stringsField(env.Data, "assignedAgentIds")
	req.TargetAgentRoles = stringsField(env.Data, "targetAgentRoles")
	req.ExcludeAgentIDs = stringsField(env.Data, "excludeAgentIds")
	req.Tags = stringsField(env.Data, "tags")
	req.LeadAgentID = stringField(env.Data, "leadAgentId")
	if n, ok := env.Data["maxParticipants"].(float64); ok {
		req.MaxParticipants = int(n)
	}

	t, err := e.CreateTask(ctx, req)
	if err != nil {
		e.rec.IncTaskError()
		e.emitError(env, err.Error())
		return
	}

	// Unassigned intelligent/auto tasks proceed straight to assignment.
	if t.Status == task.StatusPending && t.Strategy != task.StrategyManual {
		if _, err := e.AssignTask(ctx, t.ID); err != nil && !errors.Is(err, ErrTaskTerminal) {
			e.logger.Warn("Auto-assignment of task %s failed: %v", t.ID, err)
		}
	}
}

func (e *Engine) emitError(env *event.Envelope, msg string) {
	e.emit(event.TaskError, env.AgentID, env.ChannelID, map[string]any{
		"request": string(env.EventType),
		"error":   msg,
	})
}

// stringsField reads a string slice that may arrive as []string or, after
// JSON decoding, as []any.
func stringsField(data map[string]any, key string) []string {
	if data == nil {
		return nil
	}
	switch v := data[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
