package engine

import (
	"context"
	"sync"
)

// task is a unit of work run on a queue's drain goroutine.
type task func(ctx context.Context)

// taskQueue is a thread-safe FIFO queue of tasks.
//
// The queue is unbounded so collaborator goroutines can always hand their
// result back without blocking on the loop.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the drain loop.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []task
	closed bool
	signal chan struct{} // buffered, size 1
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:  make([]task, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a task to the back of the queue.
// Returns false if the queue is closed.
func (q *taskQueue) Enqueue(t task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.tasks = append(q.tasks, t)

	// Buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes and returns the front task without blocking.
func (q *taskQueue) TryDequeue() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}

	t := q.tasks[0]

	// Nil out the slot so the closure's captures can be collected.
	q.tasks[0] = nil

	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}

	return t, true
}

// Wait returns a channel that signals when tasks may be available.
// The channel is closed when the queue is closed.
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops accepting tasks and wakes any waiter.
// Tasks already queued can still be dequeued.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// drain runs tasks until ctx is cancelled, or until the queue is closed and
// empty.
func (q *taskQueue) drain(ctx context.Context) error {
	for {
		if t, ok := q.TryDequeue(); ok {
			t(ctx)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.Wait():
			// The signal channel closes with the queue.
			if q.isClosed() && q.Len() == 0 {
				return nil
			}
		}
	}
}

func (q *taskQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
