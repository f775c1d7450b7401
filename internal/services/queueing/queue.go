// Package queueing provides the named-topic FIFO queues consumed by the jobs engine
// and by durable workflow step dispatch.
package queueing

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEmpty  = errors.New("queue empty")
	ErrClosed = errors.New("queue closed")
	ErrFull   = errors.New("queue full")
)

// Queue is a set of FIFO topics carrying opaque payloads.
//
// Pop waits up to wait for an item and returns ErrEmpty when none arrived.
// Items are not acknowledged: a popped item is gone.
type Queue interface {
	Push(ctx context.Context, topic string, payload []byte) error
	Pop(ctx context.Context, topic string, wait time.Duration) ([]byte, error)
	Len(ctx context.Context, topic string) (int, error)
	Close() error
}
