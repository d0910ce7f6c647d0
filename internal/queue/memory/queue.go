// Package memory provides the in-process capture queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/lumaview/pageshot/internal/capture"
)

// ErrClosed is returned once the queue has been shut down and drained.
var ErrClosed = capture.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
// After Close, pending items can still be dequeued; new enqueues fail.
type Queue struct {
	ch   chan capture.QueueItem
	done chan struct{}
	once sync.Once
}

// NewQueue constructs a queue holding at most capacity pending captures.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch:   make(chan capture.QueueItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a capture, blocking while the queue is full until the
// context ends or the queue closes.
func (q *Queue) Enqueue(ctx context.Context, item capture.QueueItem) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next capture. A closed queue keeps yielding buffered
// items until empty, then returns ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (capture.QueueItem, error) {
	select {
	case <-ctx.Done():
		return capture.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return capture.QueueItem{}, ErrClosed
		}
	}
}

// Close stops accepting new captures. Safe to call more than once.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.done)
	})
}
