package orch

import (
	"context"
	"sync"
	"time"

	"coordinator/pkg/agentdir"
	"coordinator/pkg/event"
	"coordinator/pkg/logx"
	"coordinator/pkg/task"
)

// AgentLoad is one agent's share of a channel workload snapshot.
type AgentLoad struct {
	AgentID    string `json:"agentId"`
	Active     int    `json:"active"`
	Pending    int    `json:"pending"`
	Overloaded bool   `json:"overloaded"`
}

// ChannelWorkload is a per-channel snapshot of task and agent load. It is
// rebuilt wholesale on every recompute; readers may see a stale snapshot
// between recomputes, which is acceptable by design.
type ChannelWorkload struct {
	ChannelID    string              `json:"channelId"`
	StatusCounts map[task.Status]int `json:"statusCounts"`
	Agents       map[string]*AgentLoad `json:"agents"`
	AnalyzedAt   time.Time           `json:"analysisTimestamp"`
	Confidence   float64             `json:"confidence"`
}

// emptyWorkload is the graceful degradation when no snapshot exists yet.
func emptyWorkload(channelID string) *ChannelWorkload {
	return &ChannelWorkload{
		ChannelID:    channelID,
		StatusCounts: map[task.Status]int{},
		Agents:       map[string]*AgentLoad{},
		AnalyzedAt:   time.Time{},
		Confidence:   0,
	}
}

const (
	reanalyzeInterval   = 5 * time.Minute
	observationInterval = 30 * time.Second
)

// Analyzer maintains rolling per-channel workload snapshots. Snapshots are
// recomputed on task lifecycle events and on a periodic timer, and consumed
// by assignment decisions.
type Analyzer struct {
	store     task.Store
	dir       agentdir.Directory
	bus       *event.Bus
	threshold int // active tasks per agent before the overload flag trips
	logger    *logx.Logger

	mu        sync.RWMutex
	snapshots map[string]*ChannelWorkload

	wg sync.WaitGroup
}

// NewAnalyzer creates a workload analyzer. bus may be nil in tests; lifecycle
// subscriptions are then skipped.
func NewAnalyzer(store task.Store, dir agentdir.Directory, bus *event.Bus, overloadThreshold int) *Analyzer {
	if overloadThreshold <= 0 {
		overloadThreshold = 3
	}
	return &Analyzer{
		store:     store,
		dir:       dir,
		bus:       bus,
		threshold: overloadThreshold,
		logger:    logx.NewLogger("workload"),
		snapshots: make(map[string]*ChannelWorkload),
	}
}

// Start subscribes to task lifecycle events and launches the periodic
// reanalysis and observation ticks.
func (a *Analyzer) Start(ctx context.Context) {
	if a.bus != nil {
		recompute := func(env *event.Envelope) {
			if env.ChannelID == "" {
				return
			}
			if _, err := a.Recompute(env.ChannelID); err != nil {
				a.logger.Warn("Workload recompute for %s failed: %v", env.ChannelID, err)
			}
		}
		a.bus.Subscribe(event.TaskCreated, recompute)
		a.bus.Subscribe(event.TaskAssigned, recompute)
		a.bus.Subscribe(event.TaskCompleted, recompute)
	}

	a.wg.Add(1)
	go a.run(ctx)
}

func (a *Analyzer) run(ctx context.Context) {
	defer a.wg.Done()

	reanalyze := time.NewTicker(reanalyzeInterval)
	observe := time.NewTicker(observationInterval)
	defer reanalyze.Stop()
	defer observe.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reanalyze.C:
			for _, channelID := range a.trackedChannels() {
				if _, err := a.Recompute(channelID); err != nil {
					a.logger.Warn("Periodic recompute for %s failed: %v", channelID, err)
				}
			}
		case <-observe.C:
			// Observation only: hook point for future rebalancing.
			a.observe()
		}
	}
}

func (a *Analyzer) trackedChannels() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	channels := make([]string, 0, len(a.snapshots))
	for id := range a.snapshots {
		channels = append(channels, id)
	}
	return channels
}

func (a *Analyzer) observe() {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for id, snap := range a.snapshots {
		overloaded := 0
		for _, load := range snap.Agents {
			if load.Overloaded {
				overloaded++
			}
		}
		a.logger.Debug("Channel %s workload: %d agents (%d overloaded), %d active tasks",
			id, len(snap.Agents), overloaded, snap.StatusCounts[task.StatusInProgress]+snap.StatusCounts[task.StatusAssigned])
	}
}

// Recompute rebuilds the snapshot for one channel from the current task set
// and agent roster, replacing any prior snapshot.
func (a *Analyzer) Recompute(channelID string) (*ChannelWorkload, error) {
	tasks, err := a.store.Find(task.Filter{ChannelID: channelID})
	if err != nil {
		return nil, logx.Wrap(err, "workload recompute query")
	}
	agents := a.dir.ActiveAgentsInChannel(channelID)

	snap := &ChannelWorkload{
		ChannelID:    channelID,
		StatusCounts: make(map[task.Status]int),
		Agents:       make(map[string]*AgentLoad, len(agents)),
		AnalyzedAt:   time.Now().UTC(),
		Confidence:   1.0,
	}
	if len(agents) == 0 {
		// A snapshot with no roster is a weak signal.
		snap.Confidence = 0.3
	}
	for _, ag := range agents {
		snap.Agents[ag.ID] = &AgentLoad{AgentID: ag.ID}
	}

	for _, t := range tasks {
		snap.StatusCounts[t.Status]++
		if t.Status.Terminal() {
			continue
		}
		for _, agentID := range involvedAgents(t) {
			load, ok := snap.Agents[agentID]
			if !ok {
				load = &AgentLoad{AgentID: agentID}
				snap.Agents[agentID] = load
			}
			if t.Status == task.StatusPending {
				load.Pending++
			} else {
				load.Active++
			}
		}
	}
	for _, load := range snap.Agents {
		load.Overloaded = load.Active >= a.threshold
	}

	a.mu.Lock()
	a.snapshots[channelID] = snap
	a.mu.Unlock()

	if a.bus != nil {
		a.bus.Emit(event.New(event.TaskWorkloadAnalyzed, "", channelID, map[string]any{
			"statusCounts": snap.StatusCounts,
			"agentCount":   len(snap.Agents),
			"confidence":   snap.Confidence,
		}))
	}
	return snap, nil
}

// Snapshot returns the latest snapshot for the channel, or an empty default
// when none exists; assignment never blocks on a fresh analysis.
func (a *Analyzer) Snapshot(channelID string) *ChannelWorkload {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if snap, ok := a.snapshots[channelID]; ok {
		return snap
	}
	return emptyWorkload(channelID)
}

func involvedAgents(t *task.Task) []string {
	if len(t.AssignedAgentIDs) > 0 {
		return t.AssignedAgentIDs
	}
	if t.AssignedAgentID != "" {
		return []string{t.AssignedAgentID}
	}
	return nil
}
