package event

import (
	"context"
	"sync"
	"time"

	"coordinator/pkg/logx"
)

// Handler receives events from the bus. Handlers run on a category dispatch
// loop and must not block for long; anything slow belongs behind its own
// goroutine or queue.
type Handler func(env *Envelope)

// Bus is the in-process publish/subscribe fabric. Each priority category owns
// one buffered channel and one dispatch goroutine, so ordering within a
// category is FIFO and re-entrant emission cannot recurse: an Emit from inside
// a handler lands on the category buffer and runs after the current handler
// returns.
type Bus struct {
	logger *logx.Logger

	mu       sync.RWMutex
	handlers map[Name]map[int]Handler
	all      map[int]Handler
	nextID   int

	queues  [numCategories]chan *Envelope
	wg      sync.WaitGroup
	started bool
}

const busBufferSize = 1024

// NewBus creates a bus; Start must be called before events flow.
func NewBus() *Bus {
	b := &Bus{
		logger:   logx.NewLogger("bus"),
		handlers: make(map[Name]map[int]Handler),
		all:      make(map[int]Handler),
	}
	for i := range b.queues {
		b.queues[i] = make(chan *Envelope, busBufferSize)
	}
	return b
}

// Start launches one dispatch loop per category. Loops exit when ctx is done.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	for i := range b.queues {
		cat := Category(i)
		b.wg.Add(1)
		go b.dispatchLoop(ctx, cat)
	}
	b.logger.Info("Event bus started (%d category loops)", numCategories)
}

// Stop waits for in-flight dispatch loops to drain after ctx cancellation.
func (b *Bus) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.logger.Warn("Bus stop timed out")
		return ctx.Err()
	}
}

func (b *Bus) dispatchLoop(ctx context.Context, cat Category) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-b.queues[cat]:
			b.dispatch(env)
		}
	}
}

func (b *Bus) dispatch(env *Envelope) {
	b.mu.RLock()
	subs := make([]Handler, 0, len(b.handlers[env.EventType])+len(b.all))
	for _, h := range b.handlers[env.EventType] {
		subs = append(subs, h)
	}
	for _, h := range b.all {
		subs = append(subs, h)
	}
	b.mu.RUnlock()

	for _, h := range subs {
		h(env)
	}
}

// Emit publishes an envelope onto its category queue. Emit blocks only when
// the category buffer is full, which Stats makes observable long before.
func (b *Bus) Emit(env *Envelope) {
	if env.EventID == "" {
		fresh := New(env.EventType, env.AgentID, env.ChannelID, env.Data)
		env = fresh
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	b.queues[CategoryOf(env.EventType)] <- env
}

// Subscribe registers a handler for one event name and returns a token for
// Unsubscribe.
func (b *Bus) Subscribe(name Name, h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	if b.handlers[name] == nil {
		b.handlers[name] = make(map[int]Handler)
	}
	b.handlers[name][b.nextID] = h
	return b.nextID
}

// SubscribeAll registers a handler that sees every event, regardless of name.
// Used by the forwarding layer and the event log.
func (b *Bus) SubscribeAll(h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.all[b.nextID] = h
	return b.nextID
}

// Unsubscribe removes a handler registered under name with the given token.
func (b *Bus) Unsubscribe(name Name, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[name], id)
	delete(b.all, id)
}

// Stats reports per-category queue depth and subscriber counts.
func (b *Bus) Stats() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()

	depths := make(map[string]int, numCategories)
	for i := range b.queues {
		depths[Category(i).String()] = len(b.queues[i])
	}
	subs := 0
	for _, m := range b.handlers {
		subs += len(m)
	}
	return map[string]any{
		"queue_depths":    depths,
		"queue_capacity":  busBufferSize,
		"subscribers":     subs,
		"all_subscribers": len(b.all),
	}
}
