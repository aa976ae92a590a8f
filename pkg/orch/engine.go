package orch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"coordinator/pkg/agentdir"
	"coordinator/pkg/config"
	"coordinator/pkg/event"
	"coordinator/pkg/logx"
	"coordinator/pkg/metrics"
	"coordinator/pkg/task"
)

// Sentinel errors surfaced to callers as classifiable failures.
var (
	ErrNoActiveAgents   = errors.New("no active agents in channel")
	ErrNoEligibleAgents = errors.New("no agents match the task's role requirements")
	ErrNoValidAgents    = errors.New("none of the requested agents are known")
	ErrAmbiguousTask    = errors.New("multiple active tasks in channel, task id required")
	ErrTaskTerminal     = errors.New("task is in a terminal state")
)

// CreateRequest carries the caller-supplied fields of a new task.
type CreateRequest struct {
	ChannelID        string
	Title            string
	Description      string
	Priority         task.Priority
	Strategy         task.Strategy
	Scope            task.Scope
	AssignedAgentIDs []string
	LeadAgentID      string
	TargetAgentRoles []string
	ExcludeAgentIDs  []string
	MaxParticipants  int
	Tags             []string
	DependsOn        []string
	Metadata         map[string]any
	CreatedBy        string
}

// AssignmentResult describes how a task ended up assigned.
type AssignmentResult struct {
	Task       *task.Task
	AgentIDs   []string
	Strategy   task.Strategy
	Confidence float64
	Reasoning  string
}

// Engine owns task lifecycle transitions. All writes to the task store flow
// through it, so invariants like terminal-state immutability live here rather
// than in the store.
type Engine struct {
	store    task.Store
	dir      agentdir.Directory
	bus      *event.Bus
	advisor  Advisor // nil means deterministic assignment only
	workload *Analyzer
	cfg      config.AssignmentConfig
	rec      *metrics.Recorder
	logger   *logx.Logger

	// mu serializes completion check-and-set so concurrent completion
	// signals for the same task cannot both win.
	mu sync.Mutex
}

func NewEngine(store task.Store, dir agentdir.Directory, bus *event.Bus, adv Advisor, workload *Analyzer, cfg config.AssignmentConfig, rec *metrics.Recorder) *Engine {
	return &Engine{
		store:    store,
		dir:      dir,
		bus:      bus,
		advisor:  adv,
		workload: workload,
		cfg:      cfg,
		rec:      rec,
		logger:   logx.NewLogger("orch"),
	}
}

// CreateTask validates and persists a new task, then either records a manual
// pre-assignment or leaves the task pending for AssignTask.
func (e *Engine) CreateTask(ctx context.Context, req CreateRequest) (*task.Task, error) {
	if strings.TrimSpace(req.ChannelID) == "" {
		return nil, errors.New("channel id is required")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, errors.New("task title is required")
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, errors.New("task description is required")
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:               uuid.New().String(),
		ChannelID:        req.ChannelID,
		Title:            req.Title,
		Description:      req.Description,
		Status:           task.StatusPending,
		Priority:         req.Priority,
		Strategy:         req.Strategy,
		Scope:            req.Scope,
		AssignedAgentIDs: req.AssignedAgentIDs,
		LeadAgentID:      req.LeadAgentID,
		TargetAgentRoles: req.TargetAgentRoles,
		ExcludeAgentIDs:  req.ExcludeAgentIDs,
		MaxParticipants:  req.MaxParticipants,
		Metadata:         req.Metadata,
		Tags:             req.Tags,
		DependsOn:        req.DependsOn,
		CreatedBy:        req.CreatedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if t.Priority == "" {
		t.Priority = task.PriorityMedium
	}
	if t.Strategy == "" {
		t.Strategy = task.StrategyIntelligent
	}
	if t.Scope == "" {
		t.Scope = task.ScopeSingle
	}

	// A request carrying pre-assigned agents bypasses the advisor entirely,
	// whatever strategy it asked for.
	manual := len(req.AssignedAgentIDs) > 0
	if manual {
		t.Status = task.StatusAssigned
		t.Strategy = task.StrategyManual
		if t.Scope == task.ScopeSingle {
			t.AssignedAgentID = req.AssignedAgentIDs[0]
		}
		if t.LeadAgentID == "" {
			t.LeadAgentID = req.AssignedAgentIDs[0]
		}
	}

	if err := e.store.Create(t); err != nil {
		return nil, logx.Wrap(err, "create task")
	}
	e.rec.IncTaskCreated(t.ChannelID)
	e.logger.Info("Created task %s in channel %s (scope=%s strategy=%s)", t.ID, t.ChannelID, t.Scope, t.Strategy)

	e.emit(event.TaskCreated, "", t.ChannelID, map[string]any{
		"task": t,
	})
	if manual {
		e.rec.IncTaskAssigned(string(task.StrategyManual))
		for _, agentID := range req.AssignedAgentIDs {
			e.emitAssigned(t, agentID, task.StrategyManual, 1.0, "manually assigned at creation")
		}
	}
	return t, nil
}

// AssignTask picks agents for a pending task according to its scope and
// persists the result. Calling it on an already assigned single-scope task
// re-emits the existing assignment rather than reassigning.
func (e *Engine) AssignTask(ctx context.Context, taskID string) (*AssignmentResult, error) {
	t, err := e.store.FindByID(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("assign task %s: %w", taskID, ErrTaskTerminal)
	}

	var res *AssignmentResult
	switch t.Scope {
	case task.ScopeSingle:
		res, err = e.assignSingle(ctx, t)
	case task.ScopeMultiple:
		res, err = e.assignMultiple(ctx, t)
	case task.ScopeChannelWide:
		res, err = e.assignChannelWide(ctx, t)
	default:
		err = fmt.Errorf("unknown assignment scope: %s", t.Scope)
	}
	if err != nil {
		e.rec.IncTaskError()
		e.emit(event.TaskError, "", t.ChannelID, map[string]any{
			"taskId": t.ID,
			"phase":  "assignment",
			"error":  err.Error(),
		})
		return nil, err
	}

	e.rec.IncTaskAssigned(string(res.Strategy))
	for _, agentID := range res.AgentIDs {
		e.emitAssigned(res.Task, agentID, res.Strategy, res.Confidence, res.Reasoning)
	}
	return res, nil
}

func (e *Engine) assignSingle(ctx context.Context, t *task.Task) (*AssignmentResult, error) {
	if t.AssignedAgentID != "" {
		// Idempotent re-run: confirm the existing assignment.
		return &AssignmentResult{
			Task:       t,
			AgentIDs:   []string{t.AssignedAgentID},
			Strategy:   task.StrategyManual,
			Confidence: 1.0,
			Reasoning:  "task already assigned",
		}, nil
	}

	candidates := e.dir.ActiveAgentsInChannel(t.ChannelID)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("assign task %s: %w", t.ID, ErrNoActiveAgents)
	}

	agentID, strategy, confidence, reasoning := e.pickSingle(ctx, t, candidates)

	// The advisor call is an I/O boundary; re-read before persisting in
	// case the task moved while we were waiting on it.
	fresh, err := e.store.FindByID(t.ID)
	if err != nil {
		return nil, err
	}
	if fresh.Status.Terminal() {
		return nil, fmt.Errorf("assign task %s: %w", t.ID, ErrTaskTerminal)
	}
	if fresh.AssignedAgentID != "" {
		return &AssignmentResult{
			Task:       fresh,
			AgentIDs:   []string{fresh.AssignedAgentID},
			Strategy:   task.StrategyManual,
			Confidence: 1.0,
			Reasoning:  "task already assigned",
		}, nil
	}

	status := task.StatusAssigned
	updated, err := e.store.UpdateByID(t.ID, &task.Patch{
		Status:          &status,
		AssignedAgentID: &agentID,
	})
	if err != nil {
		return nil, logx.Wrap(err, "persist assignment")
	}
	e.logger.Info("Assigned task %s to %s (strategy=%s confidence=%.2f)", t.ID, agentID, strategy, confidence)
	return &AssignmentResult{
		Task:       updated,
		AgentIDs:   []string{agentID},
		Strategy:   strategy,
		Confidence: confidence,
		Reasoning:  reasoning,
	}, nil
}

// pickSingle consults the advisor and falls back to the deterministic
// role-based pick when the advisor is absent, fails, or is not confident.
func (e *Engine) pickSingle(ctx context.Context, t *task.Task, candidates []*agentdir.Agent) (string, task.Strategy, float64, string) {
	if e.advisor != nil {
		var workload *ChannelWorkload
		if e.workload != nil {
			workload = e.workload.Snapshot(t.ChannelID)
		}
		analysis, err := e.advisor.AnalyzeAssignment(ctx, t, candidates, workload)
		switch {
		case err != nil:
			e.logger.Warn("Assignment advisor failed for task %s, using fallback: %v", t.ID, err)
		case analysis.Confidence < e.cfg.LLMConfidenceThreshold:
			e.logger.Info("Advisor confidence %.2f below threshold %.2f for task %s, using fallback",
				analysis.Confidence, e.cfg.LLMConfidenceThreshold, t.ID)
		case !containsAgent(candidates, analysis.RecommendedAgentID):
			e.logger.Warn("Advisor recommended unknown agent %q for task %s, using fallback",
				analysis.RecommendedAgentID, t.ID)
		default:
			return analysis.RecommendedAgentID, task.StrategyIntelligent, analysis.Confidence, analysis.Reasoning
		}
	}
	agentID, reasoning := e.fallbackPick(t, candidates)
	return agentID, task.StrategyFallback, 0.6, reasoning
}

// fallbackPick is the deterministic choice: role-matching agents first, then
// the least-loaded non-overloaded agent, then the first candidate outright.
func (e *Engine) fallbackPick(t *task.Task, candidates []*agentdir.Agent) (string, string) {
	pool := candidates
	if len(t.TargetAgentRoles) > 0 {
		var matched []*agentdir.Agent
		for _, a := range candidates {
			if a.HasRole(t.TargetAgentRoles...) {
				matched = append(matched, a)
			}
		}
		if len(matched) > 0 {
			pool = matched
		}
	}

	if e.workload != nil {
		snap := e.workload.Snapshot(t.ChannelID)
		best := ""
		bestActive := -1
		for _, a := range pool {
			load, ok := snap.Agents[a.ID]
			if ok && load.Overloaded {
				continue
			}
			if ok && e.cfg.MaxTasksPerAgent > 0 && load.Active >= e.cfg.MaxTasksPerAgent {
				continue
			}
			active := 0
			if ok {
				active = load.Active
			}
			if best == "" || active < bestActive {
				best = a.ID
				bestActive = active
			}
		}
		if best != "" {
			return best, "deterministic role and load based selection"
		}
	}
	return pool[0].ID, "deterministic role based selection"
}

func (e *Engine) assignMultiple(ctx context.Context, t *task.Task) (*AssignmentResult, error) {
	if len(t.AssignedAgentIDs) == 0 {
		return nil, fmt.Errorf("assign task %s: multiple scope requires explicit agent ids", t.ID)
	}

	var valid []string
	for _, agentID := range t.AssignedAgentIDs {
		if e.dir.Agent(agentID) != nil {
			valid = append(valid, agentID)
		} else {
			e.logger.Warn("Dropping unknown agent %s from task %s assignment", agentID, t.ID)
		}
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("assign task %s: %w", t.ID, ErrNoValidAgents)
	}

	lead := t.LeadAgentID
	if lead == "" || !containsString(valid, lead) {
		lead = valid[0]
	}

	status := task.StatusAssigned
	updated, err := e.store.UpdateByID(t.ID, &task.Patch{
		Status:           &status,
		AssignedAgentIDs: &valid,
		LeadAgentID:      &lead,
	})
	if err != nil {
		return nil, logx.Wrap(err, "persist assignment")
	}
	e.logger.Info("Assigned task %s to %d agents (lead=%s)", t.ID, len(valid), lead)
	return &AssignmentResult{
		Task:       updated,
		AgentIDs:   valid,
		Strategy:   task.StrategyManual,
		Confidence: 1.0,
		Reasoning:  "explicit multi-agent assignment",
	}, nil
}

func (e *Engine) assignChannelWide(ctx context.Context, t *task.Task) (*AssignmentResult, error) {
	candidates := e.dir.ActiveAgentsInChannel(t.ChannelID)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("assign task %s: %w", t.ID, ErrNoActiveAgents)
	}

	// Role filter first, then explicit exclusions.
	var pool []*agentdir.Agent
	for _, a := range candidates {
		if len(t.TargetAgentRoles) > 0 && !a.HasRole(t.TargetAgentRoles...) {
			continue
		}
		if containsString(t.ExcludeAgentIDs, a.ID) {
			continue
		}
		pool = append(pool, a)
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("assign task %s: %w", t.ID, ErrNoEligibleAgents)
	}

	selected := pool
	if t.MaxParticipants > 0 && len(pool) > t.MaxParticipants {
		selected = e.selectParticipants(ctx, t, pool, t.MaxParticipants)
	}

	agentIDs := make([]string, len(selected))
	for i, a := range selected {
		agentIDs[i] = a.ID
	}
	lead := t.LeadAgentID
	if lead == "" || !containsString(agentIDs, lead) {
		lead = agentIDs[0]
	}

	status := task.StatusAssigned
	updated, err := e.store.UpdateByID(t.ID, &task.Patch{
		Status:           &status,
		AssignedAgentIDs: &agentIDs,
		LeadAgentID:      &lead,
		Metadata:         map[string]any{"channelWideTask": true},
	})
	if err != nil {
		return nil, logx.Wrap(err, "persist assignment")
	}
	e.logger.Info("Assigned channel-wide task %s to %d of %d eligible agents", t.ID, len(agentIDs), len(pool))
	return &AssignmentResult{
		Task:       updated,
		AgentIDs:   agentIDs,
		Strategy:   task.StrategyIntelligent,
		Confidence: 1.0,
		Reasoning:  "channel-wide participant selection",
	}, nil
}

// selectParticipants trims the pool to max agents, preferring the advisor's
// choice and falling back to the first max candidates in roster order.
func (e *Engine) selectParticipants(ctx context.Context, t *task.Task, pool []*agentdir.Agent, max int) []*agentdir.Agent {
	if e.advisor != nil {
		indexes, err := e.advisor.SelectParticipants(ctx, t, pool, max)
		if err != nil {
			e.logger.Warn("Participant selection advisor failed for task %s, using roster order: %v", t.ID, err)
		} else if sel := pickIndexes(pool, indexes, max); sel != nil {
			return sel
		}
	}
	return pool[:max]
}

// pickIndexes maps 1-based advisor indexes onto the pool, rejecting the whole
// response when any index is out of range or duplicated.
func pickIndexes(pool []*agentdir.Agent, indexes []int, max int) []*agentdir.Agent {
	if len(indexes) == 0 || len(indexes) > max {
		return nil
	}
	seen := make(map[int]bool, len(indexes))
	out := make([]*agentdir.Agent, 0, len(indexes))
	for _, idx := range indexes {
		if idx < 1 || idx > len(pool) || seen[idx] {
			return nil
		}
		seen[idx] = true
		out = append(out, pool[idx-1])
	}
	return out
}

// UpdateTask applies a patch and emits the matching lifecycle event for any
// status transition. Terminal tasks reject all updates.
func (e *Engine) UpdateTask(ctx context.Context, taskID string, patch *task.Patch) (*task.Task, error) {
	current, err := e.store.FindByID(taskID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, fmt.Errorf("update task %s: %w", taskID, ErrTaskTerminal)
	}

	updated, err := e.store.UpdateByID(taskID, patch)
	if err != nil {
		return nil, err
	}

	if patch.Status != nil && *patch.Status != current.Status {
		switch *patch.Status {
		case task.StatusInProgress:
			e.emit(event.TaskStarted, "", updated.ChannelID, map[string]any{"taskId": updated.ID})
		case task.StatusFailed:
			e.rec.IncTaskCompleted("failed")
			e.emit(event.TaskFailed, "", updated.ChannelID, taskSummary(updated))
		case task.StatusCancelled:
			e.rec.IncTaskCompleted("cancelled")
			e.emit(event.TaskCancelled, "", updated.ChannelID, taskSummary(updated))
		}
	}
	if patch.Progress != nil {
		e.emit(event.TaskProgress, "", updated.ChannelID, map[string]any{
			"taskId":   updated.ID,
			"progress": *patch.Progress,
		})
	}
	return updated, nil
}

// GetTask returns the task by ID.
func (e *Engine) GetTask(taskID string) (*task.Task, error) {
	return e.store.FindByID(taskID)
}

// ListTasks returns tasks matching the filter.
func (e *Engine) ListTasks(filter task.Filter) ([]*task.Task, error) {
	return e.store.Find(filter)
}

func (e *Engine) emit(name event.Name, agentID, channelID string, data map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(event.New(name, agentID, channelID, data))
}

// emitAssigned delivers one agent's assignment, carrying that agent's
// role-specific instruction and its metadata in the payload.
func (e *Engine) emitAssigned(t *task.Task, agentID string, strategy task.Strategy, confidence float64, reasoning string) {
	data := map[string]any{
		"taskId":     t.ID,
		"title":      t.Title,
		"agentId":    agentID,
		"strategy":   string(strategy),
		"confidence": confidence,
		"reasoning":  reasoning,
	}
	for _, inst := range e.BuildInstructions(t) {
		if inst.AgentID != agentID {
			continue
		}
		data["instruction"] = inst.Text
		for k, v := range inst.Metadata {
			data[k] = v
		}
		break
	}
	e.emit(event.TaskAssigned, agentID, t.ChannelID, data)
}

func taskSummary(t *task.Task) map[string]any {
	return map[string]any{
		"taskId": t.ID,
		"title":  t.Title,
		"status": string(t.Status),
	}
}

func containsAgent(agents []*agentdir.Agent, id string) bool {
	for _, a := range agents {
		if a.ID == id {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
