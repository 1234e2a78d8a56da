// Package memory provides the in-process task queue backing the worker.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bizmatch/pipeline/internal/metrics"
	"github.com/bizmatch/pipeline/internal/pipeline"
)

// Queue is a bounded in-memory task queue with context-aware operations.
// A single consumer draining it gives the worker its sequential
// processing guarantee.
type Queue struct {
	ch      chan pipeline.Task
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan pipeline.Task, capacity),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task pipeline.Task) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		metrics.SetQueueDepth(len(q.ch))
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (pipeline.Task, error) {
	select {
	case <-ctx.Done():
		return pipeline.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return pipeline.Task{}, errors.New("queue closed")
		}
		metrics.SetQueueDepth(len(q.ch))
		return task, nil
	}
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
