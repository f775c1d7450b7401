package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the task subsystem.
const (
	RunnerStatus     = "runner:status"
	RunnerStartError = "runner:start:error"

	SchedulerStarted      = "scheduler:started"
	SchedulerStopped      = "scheduler:stopped"
	SchedulerTaskExecuted = "scheduler:taskExecuted"
	SchedulerStartError   = "scheduler:start:error"

	WorkflowDefined       = "workflow:defined"
	WorkflowStepCompleted = "workflow:step:completed"
	WorkflowCompleted     = "workflow:completed"
	WorkflowFailed        = "workflow:failed"
	WorkflowRunError      = "workflow:run:error"

	JobStarted  = "job:started"
	JobFinished = "job:finished"
	JobFailed   = "job:failed"
	JobSkipped  = "job:skipped"

	ServiceCreated = "registry:created"
	ServiceEvicted = "registry:evicted"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]sub{}}
}

// Emit publishes an event of the given type on b. A nil bus is a no-op.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

type sub struct {
	ch     chan Event
	filter map[string]struct{}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter != nil {
			if _, ok := s.filter[e.Type]; !ok {
				continue
			}
		}
		targets = append(targets, s.ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// A concurrent unsubscribe may close ch; recover from send on closed channel.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.subscribe(buffer, nil)
}

// SubscribeTopics is Subscribe restricted to the given event types.
// It falls back to an unfiltered subscription for foreign Bus implementations.
func SubscribeTopics(b Bus, buffer int, topics ...string) (<-chan Event, func()) {
	mb, ok := b.(*memBus)
	if !ok || len(topics) == 0 {
		return b.Subscribe(buffer)
	}
	filter := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		filter[t] = struct{}{}
	}
	return mb.subscribe(buffer, filter)
}

func (b *memBus) subscribe(buffer int, filter map[string]struct{}) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = sub{ch: ch, filter: filter}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
