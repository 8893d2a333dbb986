// Package memory provides the bounded in-process queue of dispatch requests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded queue of dispatch requests with context-aware operations.
type Queue struct {
	ch     chan fleet.DispatchRequest
	mu     sync.RWMutex
	closed bool
}

// NewQueue constructs a queue holding up to capacity requests.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan fleet.DispatchRequest, capacity)}
}

// Enqueue pushes req, waiting for room until ctx ends.
func (q *Queue) Enqueue(ctx context.Context, req fleet.DispatchRequest) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- req:
		return nil
	}
}

// TryEnqueue pushes req without waiting. It reports false when the queue is
// full or closed.
func (q *Queue) TryEnqueue(req fleet.DispatchRequest) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- req:
		return true
	default:
		return false
	}
}

// Dequeue pops the next request, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (fleet.DispatchRequest, error) {
	select {
	case <-ctx.Done():
		return fleet.DispatchRequest{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case req, ok := <-q.ch:
		if !ok {
			return fleet.DispatchRequest{}, ErrClosed
		}
		return req, nil
	}
}

// Len reports how many requests are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops intake. Requests already queued can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
