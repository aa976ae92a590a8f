// Package forward implements the priority forwarding queue that decouples the
// event bus from per-connection delivery. Events are classified, buffered per
// priority level, and drained in small batches on a fixed tick; producers
// never block, and overload sheds the newest work instead of stalling.
package forward

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"coordinator/pkg/config"
	"coordinator/pkg/event"
	"coordinator/pkg/logx"
	"coordinator/pkg/metrics"
	"coordinator/pkg/registry"
)

// TargetKind distinguishes per-agent delivery from channel broadcast.
type TargetKind string

const (
	TargetAgent   TargetKind = "agent"
	TargetChannel TargetKind = "channel"
)

// QueuedEvent is one buffered delivery. Immutable once created except
// RetryCount; owned exclusively by the queue until delivered or dropped.
type QueuedEvent struct {
	ID              string
	Priority        event.Category
	TargetKind      TargetKind
	TargetID        string
	ExcludedAgentID string
	Env             *event.Envelope
	EnqueuedAt      time.Time
	RetryCount      int
}

// Queue is the priority forwarding queue. One drain goroutine owns delivery;
// enqueue is non-blocking from any goroutine.
type Queue struct {
	cfg      config.QueueConfig
	registry *registry.Registry
	logger   *logx.Logger
	rec      *metrics.Recorder

	mu      sync.Mutex
	buffers [5][]*QueuedEvent
	total   int
	enabled bool

	enqueued  uint64
	delivered uint64
	shed      uint64
	exhausted uint64
	retries   uint64

	shutdown chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// New creates a forwarding queue. rec may be nil.
func New(cfg config.QueueConfig, reg *registry.Registry, rec *metrics.Recorder) *Queue {
	return &Queue{
		cfg:      cfg,
		registry: reg,
		logger:   logx.NewLogger("forward"),
		rec:      rec,
		enabled:  cfg.Enabled,
		shutdown: make(chan struct{}),
	}
}

// Start launches the drain loop.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.drainLoop(ctx)
	q.logger.Info("Forwarding queue started (batch=%d, tick=%s, cap=%d)",
		q.cfg.BatchSize, q.cfg.ProcessingDelay(), q.cfg.MaxQueueSize)
}

// Stop halts the drain loop and waits for the in-flight batch.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	q.mu.Unlock()

	close(q.shutdown)
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Info("Forwarding queue stopped")
		return nil
	case <-ctx.Done():
		q.logger.Warn("Forwarding queue stop timed out")
		return ctx.Err()
	}
}

// SetEnabled toggles batching at runtime. While disabled, enqueue degrades to
// synchronous direct delivery through the same target lookups, sacrificing
// ordering and backpressure but not correctness.
func (q *Queue) SetEnabled(enabled bool) {
	q.mu.Lock()
	q.enabled = enabled
	q.mu.Unlock()
	q.logger.Info("Forwarding queue enabled=%v", enabled)
}

// Enabled reports whether batching is active.
func (q *Queue) Enabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enabled
}

// HandleEvent is the bus subscription entry point. Broadcast-natured events
// fan out to the channel group, excluding the originating agent. Events
// naming an agent deliver to that agent alone. Events carrying only a channel
// ID broadcast without exclusion. Inbound requests and events with no target
// are not forwarded.
func (q *Queue) HandleEvent(env *event.Envelope) {
	switch {
	case event.IsRequest(env.EventType):
		// Consumed by the engine, never echoed to agents.
	case event.IsBroadcast(env.EventType) && env.ChannelID != "":
		q.EnqueueChannel(env.ChannelID, env.AgentID, env)
	case env.AgentID != "":
		q.EnqueueAgent(env.AgentID, env)
	case env.ChannelID != "":
		q.EnqueueChannel(env.ChannelID, "", env)
	}
}

// EnqueueAgent queues an envelope for one agent.
func (q *Queue) EnqueueAgent(agentID string, env *event.Envelope) {
	q.enqueue(&QueuedEvent{
		ID:         uuid.NewString(),
		Priority:   event.CategoryOf(env.EventType),
		TargetKind: TargetAgent,
		TargetID:   agentID,
		Env:        env,
		EnqueuedAt: time.Now().UTC(),
	})
}

// EnqueueChannel queues an envelope for broadcast to a channel group,
// optionally excluding one agent (echo suppression).
func (q *Queue) EnqueueChannel(channelID, excludedAgentID string, env *event.Envelope) {
	q.enqueue(&QueuedEvent{
		ID:              uuid.NewString(),
		Priority:        event.CategoryOf(env.EventType),
		TargetKind:      TargetChannel,
		TargetID:        channelID,
		ExcludedAgentID: excludedAgentID,
		Env:             env,
		EnqueuedAt:      time.Now().UTC(),
	})
}

// enqueue admits an event or sheds it at capacity. Never blocks.
func (q *Queue) enqueue(ev *QueuedEvent) {
	q.mu.Lock()
	if !q.enabled {
		q.mu.Unlock()
		// Direct mode: one synchronous attempt, errors logged and dropped.
		if err := q.deliver(ev); err != nil {
			q.logger.Warn("Direct delivery failed for %s (%s): %v", ev.Env.EventType, ev.TargetID, err)
		}
		return
	}

	if q.total >= q.cfg.MaxQueueSize {
		q.shed++
		q.mu.Unlock()
		q.rec.IncDropped("capacity")
		q.logger.Warn("Queue at capacity (%d), shedding %s event %s for %s %s",
			q.cfg.MaxQueueSize, ev.Priority, ev.Env.EventType, ev.TargetKind, ev.TargetID)
		return
	}

	q.buffers[ev.Priority] = append(q.buffers[ev.Priority], ev)
	q.total++
	q.enqueued++
	q.mu.Unlock()
	q.rec.IncEnqueued(ev.Priority.String())
}

func (q *Queue) drainLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.ProcessingDelay())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.shutdown:
			return
		case <-ticker.C:
			q.drainBatch()
		}
	}
}

// drainBatch pulls up to batchSize events in strict priority order and
// delivers them in batch order.
func (q *Queue) drainBatch() {
	start := time.Now()

	q.mu.Lock()
	batch := make([]*QueuedEvent, 0, q.cfg.BatchSize)
	for p := range q.buffers {
		for len(q.buffers[p]) > 0 && len(batch) < q.cfg.BatchSize {
			batch = append(batch, q.buffers[p][0])
			q.buffers[p] = q.buffers[p][1:]
			q.total--
		}
		if len(batch) >= q.cfg.BatchSize {
			break
		}
	}
	for p := range q.buffers {
		q.rec.SetQueueDepth(event.Category(p).String(), len(q.buffers[p]))
	}
	q.mu.Unlock()

	for _, ev := range batch {
		if err := q.deliver(ev); err != nil {
			q.retryOrDrop(ev, err)
			continue
		}
		q.mu.Lock()
		q.delivered++
		q.mu.Unlock()
		q.rec.IncDelivered(ev.Priority.String(), string(ev.TargetKind))
	}

	if len(batch) > 0 {
		q.rec.ObserveDrain(time.Since(start))
	}
}

// deliver pushes one event through the registry. A missing connection is a
// silent no-op: expected during disconnect races, not an error.
func (q *Queue) deliver(ev *QueuedEvent) error {
	switch ev.TargetKind {
	case TargetAgent:
		conn := q.registry.ConnectionForAgent(ev.TargetID)
		if conn == nil {
			return nil
		}
		return conn.Send(ev.Env)
	case TargetChannel:
		for _, conn := range q.registry.ChannelGroup(ev.TargetID) {
			if ev.ExcludedAgentID != "" && conn.AgentID() == ev.ExcludedAgentID {
				continue
			}
			if err := conn.Send(ev.Env); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

// retryOrDrop re-enqueues a failed delivery at a demoted priority, or drops
// it once retries are exhausted. Failures never propagate to producers.
func (q *Queue) retryOrDrop(ev *QueuedEvent, err error) {
	ev.RetryCount++
	if ev.RetryCount > q.cfg.MaxRetries {
		q.mu.Lock()
		q.exhausted++
		q.mu.Unlock()
		q.rec.IncDropped("retries_exhausted")
		q.logger.Error("Dropping %s event %s for %s %s after %d retries: %v",
			ev.Priority, ev.Env.EventType, ev.TargetKind, ev.TargetID, q.cfg.MaxRetries, err)
		return
	}

	ev.Priority = ev.Priority.Demote()
	q.mu.Lock()
	q.retries++
	if q.total >= q.cfg.MaxQueueSize {
		q.shed++
		q.mu.Unlock()
		q.rec.IncDropped("capacity")
		return
	}
	q.buffers[ev.Priority] = append(q.buffers[ev.Priority], ev)
	q.total++
	q.mu.Unlock()
	q.rec.IncRetry()
	q.logger.Debug("Retry %d for %s event %s, demoted to %s",
		ev.RetryCount, ev.Env.EventType, ev.ID, ev.Priority)
}

// Stats reports queue counters and per-priority depths.
func (q *Queue) Stats() map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()

	depths := make(map[string]int, len(q.buffers))
	for p := range q.buffers {
		depths[event.Category(p).String()] = len(q.buffers[p])
	}
	return map[string]any{
		"enabled":           q.enabled,
		"total_buffered":    q.total,
		"capacity":          q.cfg.MaxQueueSize,
		"depths":            depths,
		"enqueued":          q.enqueued,
		"delivered":         q.delivered,
		"shed":              q.shed,
		"retries":           q.retries,
		"retries_exhausted": q.exhausted,
	}
}
