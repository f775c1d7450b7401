package queueing

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Queue. MaxLen bounds each topic (0 = unbounded).
type Memory struct {
	mu      sync.Mutex
	topics  map[string][][]byte
	waiters map[string]chan struct{}
	maxLen  int
	closed  bool
}

func NewMemory(maxLen int) *Memory {
	return &Memory{
		topics:  map[string][][]byte{},
		waiters: map[string]chan struct{}{},
		maxLen:  maxLen,
	}
}

func (q *Memory) Push(_ context.Context, topic string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	items := q.topics[topic]
	if q.maxLen > 0 && len(items) >= q.maxLen {
		return ErrFull
	}
	q.topics[topic] = append(items, append([]byte(nil), payload...))
	q.wakeLocked(topic)
	return nil
}

func (q *Memory) Pop(ctx context.Context, topic string, wait time.Duration) ([]byte, error) {
	var deadline <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		deadline = t.C
	}
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if items := q.topics[topic]; len(items) > 0 {
			head := items[0]
			items[0] = nil
			q.topics[topic] = items[1:]
			q.mu.Unlock()
			return head, nil
		}
		if wait <= 0 {
			q.mu.Unlock()
			return nil, ErrEmpty
		}
		ch := q.waiters[topic]
		if ch == nil {
			ch = make(chan struct{})
			q.waiters[topic] = ch
		}
		q.mu.Unlock()

		select {
		case <-ch:
		case <-deadline:
			return nil, ErrEmpty
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *Memory) Len(_ context.Context, topic string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	return len(q.topics[topic]), nil
}

// Close wakes every waiter; pending items are dropped.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for topic := range q.waiters {
		q.wakeLocked(topic)
	}
	q.topics = map[string][][]byte{}
	return nil
}

func (q *Memory) wakeLocked(topic string) {
	if ch := q.waiters[topic]; ch != nil {
		close(ch)
		delete(q.waiters, topic)
	}
}
