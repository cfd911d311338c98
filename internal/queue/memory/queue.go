// Package memory provides queue implementations for local development and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/sitemirror/internal/capture"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan capture.Request
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan capture.Request, capacity),
	}
}

// Enqueue pushes a request into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, req capture.Request) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return capture.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- req:
		return nil
	}
}

// TryEnqueue pushes a request without blocking and reports
// capture.ErrQueueFull when there is no room.
func (q *Queue) TryEnqueue(req capture.Request) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return capture.ErrQueueClosed
	}
	select {
	case q.ch <- req:
		return nil
	default:
		return capture.ErrQueueFull
	}
}

// Dequeue pops the next request, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (capture.Request, error) {
	select {
	case <-ctx.Done():
		return capture.Request{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case req, ok := <-q.ch:
		if !ok {
			return capture.Request{}, capture.ErrQueueClosed
		}
		return req, nil
	}
}

// Len reports the number of waiting requests.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown. Requests already queued
// are still delivered.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
