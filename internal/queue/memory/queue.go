// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/review-importer/internal/importer"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = importer.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations. The
// item channel is never closed; Close signals through done so a concurrent
// Enqueue cannot send on a closed channel.
type Queue struct {
	ch        chan importer.QueueItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:   make(chan importer.QueueItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a job into the queue or returns if the context ends or the
// queue closes.
func (q *Queue) Enqueue(ctx context.Context, item importer.QueueItem) error {
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

// Dequeue pops the next job, respecting context cancellation. Items queued
// before Close are still handed out.
func (q *Queue) Dequeue(ctx context.Context) (importer.QueueItem, error) {
	select {
	case <-ctx.Done():
		return importer.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return importer.QueueItem{}, ErrClosed
		}
	}
}

// Ack is a no-op; items are gone once dequeued.
func (q *Queue) Ack(context.Context, importer.QueueItem) error {
	return nil
}

// Close stops the queue for shutdown. It is safe to call more than once.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
