package orch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coordinator/pkg/agentdir"
	"coordinator/pkg/config"
	"coordinator/pkg/event"
	"coordinator/pkg/task"
)

// memStore is an in-memory task.Store with the same patch semantics as the
// SQLite store.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]*task.Task)}
}

func cloneTask(t *task.Task) *task.Task {
	c := *t
	return &c
}

func (s *memStore) Create(t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *memStore) FindByID(id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *memStore) UpdateByID(id string, patch *task.Patch) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.AssignedAgentID != nil {
		t.AssignedAgentID = *patch.AssignedAgentID
	}
	if patch.AssignedAgentIDs != nil {
		t.AssignedAgentIDs = *patch.AssignedAgentIDs
	}
	if patch.LeadAgentID != nil {
		t.LeadAgentID = *patch.LeadAgentID
	}
	if patch.CompletionAgentID != nil {
		t.CompletionAgentID = *patch.CompletionAgentID
	}
	if patch.Progress != nil {
		t.Progress = *patch.Progress
	}
	if patch.Tags != nil {
		t.Tags = *patch.Tags
	}
	if len(patch.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			t.Metadata[k] = v
		}
	}
	t.UpdatedAt = time.Now().UTC()
	return cloneTask(t), nil
}

func (s *memStore) Find(filter task.Filter) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if filter.ChannelID != "" && t.ChannelID != filter.ChannelID {
			continue
		}
		if filter.CreatedBy != "" && t.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.ActiveOnly && t.Status.Terminal() {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, st := range filter.Statuses {
				if t.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		if filter.AgentID != "" && !involvesAgent(t, filter.AgentID) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	return out, nil
}

func involvesAgent(t *task.Task, agentID string) bool {
	if t.AssignedAgentID == agentID {
		return true
	}
	for _, id := range t.AssignedAgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// fakeAdvisor returns canned answers.
type fakeAdvisor struct {
	analysis   *AssignmentAnalysis
	analyzeErr error
	indexes    []int
	selectErr  error
}

func (f *fakeAdvisor) AnalyzeAssignment(_ context.Context, _ *task.Task, _ []*agentdir.Agent, _ *ChannelWorkload) (*AssignmentAnalysis, error) {
	return f.analysis, f.analyzeErr
}

func (f *fakeAdvisor) SelectParticipants(_ context.Context, _ *task.Task, _ []*agentdir.Agent, _ int) ([]int, error) {
	return f.indexes, f.selectErr
}

func testDirectory(channelID string, agentIDs ...string) *agentdir.MemoryDirectory {
	dir := agentdir.NewMemoryDirectory()
	for _, id := range agentIDs {
		dir.Upsert(&agentdir.Agent{
			ID:           id,
			Status:       agentdir.StatusActive,
			Channels:     []string{channelID},
			Capabilities: []string{agentdir.CapabilityCompleteTasks},
		})
	}
	return dir
}

func testAssignmentConfig() config.AssignmentConfig {
	return config.AssignmentConfig{
		LLMConfidenceThreshold: 0.7,
		MaxTasksPerAgent:       5,
		AgentOverloadThreshold: 3,
	}
}

func newTestEngine(adv Advisor, dir agentdir.Directory) (*Engine, *memStore) {
	store := newMemStore()
	return NewEngine(store, dir, nil, adv, nil, testAssignmentConfig(), nil), store
}

func createTestTask(t *testing.T, e *Engine, req CreateRequest) *task.Task {
	t.Helper()
	if req.ChannelID == "" {
		req.ChannelID = "ch-1"
	}
	if req.Title == "" {
		req.Title = "refactor the parser"
	}
	if req.Description == "" {
		req.Description = "split lexing from parsing"
	}
	created, err := e.CreateTask(context.Background(), req)
	require.NoError(t, err)
	return created
}

func TestCreateTaskValidation(t *testing.T) {
	e, _ := newTestEngine(nil, testDirectory("ch-1", "agent-a"))

	_, err := e.CreateTask(context.Background(), CreateRequest{Title: "x", Description: "y"})
	assert.Error(t, err)
	_, err = e.CreateTask(context.Background(), CreateRequest{ChannelID: "ch-1", Description: "y"})
	assert.Error(t, err)
	_, err = e.CreateTask(context.Background(), CreateRequest{ChannelID: "ch-1", Title: "x"})
	assert.Error(t, err)
}

func TestCreateTaskDefaults(t *testing.T) {
	e, _ := newTestEngine(nil, testDirectory("ch-1", "agent-a"))

	created := createTestTask(t, e, CreateRequest{})
	assert.Equal(t, task.StatusPending, created.Status)
	assert.Equal(t, task.PriorityMedium, created.Priority)
	assert.Equal(t, task.StrategyIntelligent, created.Strategy)
	assert.Equal(t, task.ScopeSingle, created.Scope)
	assert.NotEmpty(t, created.ID)
}

func TestCreateTaskManualPreassignment(t *testing.T) {
	e, _ := newTestEngine(nil, testDirectory("ch-1", "agent-a"))

	created := createTestTask(t, e, CreateRequest{
		Strategy:         task.StrategyManual,
		AssignedAgentIDs: []string{"agent-a"},
	})
	assert.Equal(t, task.StatusAssigned, created.Status)
	assert.Equal(t, "agent-a", created.AssignedAgentID)
	assert.Equal(t, "agent-a", created.LeadAgentID)
}

func TestCreateTaskPreassignedAgentsBypassAdvisor(t *testing.T) {
	adv := &fakeAdvisor{analysis: &AssignmentAnalysis{
		RecommendedAgentID: "agent-a",
		Confidence:         0.95,
		Reasoning:          "strong role match",
	}}
	e, _ := newTestEngine(adv, testDirectory("ch-1", "agent-a", "agent-b"))

	// No strategy given: carrying agents is enough to bypass assignment.
	created := createTestTask(t, e, CreateRequest{
		AssignedAgentIDs: []string{"agent-b"},
	})
	assert.Equal(t, task.StatusAssigned, created.Status)
	assert.Equal(t, task.StrategyManual, created.Strategy)
	assert.Equal(t, "agent-b", created.AssignedAgentID)
	assert.Equal(t, "agent-b", created.LeadAgentID)

	// A later AssignTask must keep the pre-assigned agent, not reassign.
	res, err := e.AssignTask(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-b"}, res.AgentIDs)
	assert.Equal(t, task.StrategyManual, res.Strategy)
}

func TestAssignedEventsCarryInstructions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := event.NewBus()
	bus.Start(ctx)

	var mu sync.Mutex
	byAgent := make(map[string]map[string]any)
	bus.Subscribe(event.TaskAssigned, func(env *event.Envelope) {
		mu.Lock()
		byAgent[env.AgentID] = env.Data
		mu.Unlock()
	})

	store := newMemStore()
	dir := testDirectory("ch-1", "agent-a", "agent-b")
	e := NewEngine(store, dir, bus, nil, nil, testAssignmentConfig(), nil)

	createTestTask(t, e, CreateRequest{
		Scope:            task.ScopeMultiple,
		AssignedAgentIDs: []string{"agent-a", "agent-b"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(byAgent)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, byAgent, 2)

	lead := byAgent["agent-a"]
	require.NotNil(t, lead)
	assert.Contains(t, lead["instruction"], "lead agent")
	assert.Equal(t, "lead-completion", lead["agentRole"])
	assert.Equal(t, true, lead["isLeadAgent"])
	assert.Equal(t, true, lead["isCompletionAgent"])
	assert.Equal(t, true, lead["multiAgentTask"])
	assert.Equal(t, 2, lead["totalAgents"])
	assert.Equal(t, 0, lead["agentIndex"])

	worker := byAgent["agent-b"]
	require.NotNil(t, worker)
	assert.Contains(t, worker["instruction"], "Do NOT signal completion")
	assert.Equal(t, "contributor", worker["agentRole"])
	assert.Equal(t, false, worker["isLeadAgent"])
	assert.Equal(t, 1, worker["agentIndex"])
}

func TestAssignSingleFallbackWithoutAdvisor(t *testing.T) {
	e, _ := newTestEngine(nil, testDirectory("ch-1", "agent-b", "agent-a"))

	created := createTestTask(t, e, CreateRequest{})
	res, err := e.AssignTask(context.Background(), created.ID)
	require.NoError(t, err)

	// Active agents come back ID-sorted, so the fallback pick is stable.
	assert.Equal(t, []string{"agent-a"}, res.AgentIDs)
	assert.Equal(t, task.StrategyFallback, res.Strategy)
	assert.InDelta(t, 0.6, res.Confidence, 1e-9)
	assert.Equal(t, task.StatusAssigned, res.Task.Status)
}

func TestAssignSingleFallbackSkipsAgentAtTaskCap(t *testing.T) {
	store := newMemStore()
	dir := testDirectory("ch-1", "agent-a", "agent-b")
	analyzer := NewAnalyzer(store, dir, nil, 10)
	cfg := testAssignmentConfig()
	cfg.MaxTasksPerAgent = 1
	e := NewEngine(store, dir, nil, nil, analyzer, cfg, nil)

	require.NoError(t, store.Create(&task.Task{
		ID:              "busy-1",
		ChannelID:       "ch-1",
		Title:           "long running job",
		Status:          task.StatusInProgress,
		AssignedAgentID: "agent-a",
	}))
	_, err := analyzer.Recompute("ch-1")
	require.NoError(t, err)

	created := createTestTask(t, e, CreateRequest{})
	res, err := e.AssignTask(context.Background(), created.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"agent-b"}, res.AgentIDs)
	assert.Equal(t, task.StrategyFallback, res.Strategy)
}

func TestAssignSingleZeroActiveAgents(t *testing.T) {
	e, store := newTestEngine(nil, testDirectory("ch-1"))

	created := createTestTask(t, e, CreateRequest{})
	_, err := e.AssignTask(context.Background(), created.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoActiveAgents))

	// The task stays unassigned and pending.
	reloaded, err := store.FindByID(created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, reloaded.Status)
	assert.Empty(t, reloaded.AssignedAgentID)
}

func TestAssignSingleAdvisorAccepted(t *testing.T) {
	adv := &fakeAdvisor{analysis: &AssignmentAnalysis{
		RecommendedAgentID: "agent-b",
		Confidence:         0.92,
		Reasoning:          "strong role match",
	}}
	e, _ := newTestEngine(adv, testDirectory("ch-1", "agent-a", "agent-b"))

	created := createTestTask(t, e, CreateRequest{})
	res, err := e.AssignTask(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-b"}, res.AgentIDs)
	assert.Equal(t, task.StrategyIntelligent, res.Strategy)
	assert.InDelta(t, 0.92, res.Confidence, 1e-9)
}

func TestAssignSingleAdvisorLowConfidenceFallsBack(t *testing.T) {
	adv := &fakeAdvisor{analysis: &AssignmentAnalysis{
		RecommendedAgentID: "agent-b",
		Confidence:         0.4,
	}}
	e, _ := newTestEngine(adv, testDirectory("ch-1", "agent-a", "agent-b"))

	created := createTestTask(t, e, CreateRequest{})
	res, err := e.AssignTask(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StrategyFallback, res.Strategy)
	assert.Equal(t, []string{"agent-a"}, res.AgentIDs)
}

func TestAssignSingleAdvisorUnknownAgentFallsBack(t *testing.T) {
	adv := &fakeAdvisor{analysis: &AssignmentAnalysis{
		RecommendedAgentID: "agent-nobody",
		Confidence:         0.99,
	}}
	e, _ := newTestEngine(adv, testDirectory("ch-1", "agent-a"))

	created := createTestTask(t, e, CreateRequest{})
	res, err := e.AssignTask(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StrategyFallback, res.Strategy)
	assert.Equal(t, []string{"agent-a"}, res.AgentIDs)
}

func TestAssignSingleAdvisorErrorFallsBack(t *testing.T) {
	adv := &fakeAdvisor{analyzeErr: errors.New("model timeout")}
	e, _ := newTestEngine(adv, testDirectory("ch-1", "agent-a"))

	created := createTestTask(t, e, CreateRequest{})
	res, err := e.AssignTask(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StrategyFallback, res.Strategy)
}

func TestAssignSingleAlreadyAssignedShortCircuits(t *testing.T) {
	e, _ := newTestEngine(nil, testDirectory("ch-1", "agent-a"))

	created := createTestTask(t, e, CreateRequest{
		Strategy:         task.StrategyManual,
		AssignedAgentIDs: []string{"agent-a"},
	})

	res, err := e.AssignTask(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StrategyManual, res.Strategy)
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)
	assert.Equal(t, []string{"agent-a"}, res.AgentIDs)
}

func TestAssignMultipleDropsUnknownAgents(t *testing.T) {
	e, _ := newTestEngine(nil, testDirectory("ch-1", "agent-a", "agent-b"))

	created := createTestTask(t, e, CreateRequest{
		Scope:            task.ScopeMultiple,
		AssignedAgentIDs: []string{"agent-a", "agent-ghost", "agent-b"},
	})
	res, err := e.AssignTask(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-a", "agent-b"}, res.AgentIDs)
	assert.Equal(t, "agent-a", res.Task.LeadAgentID)
}

func TestAssignMultipleAllUnknownFails(t *testing.T) {
	e, _ := newTestEngine(nil, testDirectory("ch-1", "agent-a"))

	created := createTestTask(t, e, CreateRequest{
		Scope:            task.ScopeMultiple,
		AssignedAgentIDs: []string{"ghost-1", "ghost-2"},
	})
	_, err := e.AssignTask(context.Background(), created.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoValidAgents))
}

func TestAssignChannelWideRespectsMaxParticipants(t *testing.T) {
	e, _ := newTestEngine(nil, testDirectory("ch-1", "a1", "a2", "a3", "a4", "a5"))

	created := createTestTask(t, e, CreateRequest{
		Scope:           task.ScopeChannelWide,
		MaxParticipants: 2,
	})
	res, err := e.AssignTask(context.Background(), created.ID)
	require.NoError(t, err)

	require.Len(t, res.AgentIDs, 2)
	eligible := map[string]bool{"a1": true, "a2": true, "a3": true, "a4": true, "a5": true}
	for _, id := range res.AgentIDs {
		assert.True(t, eligible[id], "selected agent %s not in eligible set", id)
	}
	assert.Equal(t, true, res.Task.Metadata["channelWideTask"])
}

func TestAssignChannelWideRoleFilterAndExclusions(t *testing.T) {
	dir := agentdir.NewMemoryDirectory()
	dir.Upsert(&agentdir.Agent{ID: "rev-1", Roles: []string{"reviewer"}, Status: agentdir.StatusActive, Channels: []string{"ch-1"}})
	dir.Upsert(&agentdir.Agent{ID: "rev-2", Roles: []string{"reviewer"}, Status: agentdir.StatusActive, Channels: []string{"ch-1"}})
	dir.Upsert(&agentdir.Agent{ID: "builder", Roles: []string{"builder"}, Status: agentdir.StatusActive, Channels: []string{"ch-1"}})
	e, _ := newTestEngine(nil, dir)

	created := createTestTask(t, e, CreateRequest{
		Scope:            task.ScopeChannelWide,
		TargetAgentRoles: []string{"reviewer"},
		ExcludeAgentIDs:  []string{"rev-2"},
	})
	res, err := e.AssignTask(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"rev-1"}, res.AgentIDs)
}

func TestAssignChannelWideAdvisorSelection(t *testing.T) {
	adv := &fakeAdvisor{indexes: []int{2, 4}}
	e, _ := newTestEngine(adv, testDirectory("ch-1", "a1", "a2", "a3", "a4", "a5"))

	created := createTestTask(t, e, CreateRequest{
		Scope:           task.ScopeChannelWide,
		MaxParticipants: 2,
	})
	res, err := e.AssignTask(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "a4"}, res.AgentIDs)
}

func TestAssignChannelWideBadAdvisorIndexesFallBack(t *testing.T) {
	adv := &fakeAdvisor{indexes: []int{0, 9}}
	e, _ := newTestEngine(adv, testDirectory("ch-1", "a1", "a2", "a3", "a4", "a5"))

	created := createTestTask(t, e, CreateRequest{
		Scope:           task.ScopeChannelWide,
		MaxParticipants: 2,
	})
	res, err := e.AssignTask(context.Background(), created.ID)
	require.NoError(t, err)
	// Out-of-range response rejected wholesale; first max in roster order.
	assert.Equal(t, []string{"a1", "a2"}, res.AgentIDs)
}

func TestAssignChannelWideNoEligibleAgents(t *testing.T) {
	e, _ := newTestEngine(nil, testDirectory("ch-1", "a1"))

	created := createTestTask(t, e, CreateRequest{
		Scope:            task.ScopeChannelWide,
		TargetAgentRoles: []string{"astronaut"},
	})
	_, err := e.AssignTask(context.Background(), created.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoEligibleAgents))
}

func TestUpdateTaskTerminalGuard(t *testing.T) {
	e, store := newTestEngine(nil, testDirectory("ch-1", "agent-a"))

	created := createTestTask(t, e, CreateRequest{})
	status := task.StatusCancelled
	_, err := e.UpdateTask(context.Background(), created.ID, &task.Patch{Status: &status})
	require.NoError(t, err)

	next := task.StatusInProgress
	_, err = e.UpdateTask(context.Background(), created.ID, &task.Patch{Status: &next})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTaskTerminal))

	reloaded, err := store.FindByID(created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, reloaded.Status)
}

func TestLifecycleRoundTrip(t *testing.T) {
	e, _ := newTestEngine(nil, testDirectory("ch-1", "agent-a"))
	ctx := context.Background()

	created := createTestTask(t, e, CreateRequest{})
	assert.Equal(t, task.StatusPending, created.Status)

	res, err := e.AssignTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAssigned, res.Task.Status)

	status := task.StatusInProgress
	inProgress, err := e.UpdateTask(ctx, created.ID, &task.Patch{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, inProgress.Status)

	outcome, err := e.HandleCompletion(ctx, "agent-a", "ch-1", map[string]any{
		"taskId":  created.ID,
		"summary": "done",
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", outcome.Status)
	assert.Equal(t, task.StatusCompleted, outcome.Task.Status)
	assert.Equal(t, 100, outcome.Task.Progress)
}

func TestAssignUnknownTask(t *testing.T) {
	e, _ := newTestEngine(nil, testDirectory("ch-1", "agent-a"))
	_, err := e.AssignTask(context.Background(), uuid.New().String())
	assert.True(t, errors.Is(err, task.ErrNotFound))
}
