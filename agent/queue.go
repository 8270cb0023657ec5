package agent

import (
	"context"
	"sync"
)

// taskQueue is an unbounded queue with one FIFO band per priority.
// Enqueue never blocks or rejects; dequeue always drains the highest
// non-empty band first and blocks while all bands are empty.
type taskQueue struct {
	mu     sync.Mutex
	bands  [priorityBands][]*Task
	size   int
	signal chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{signal: make(chan struct{}, 1)}
}

func (q *taskQueue) Push(t *Task) {
	q.mu.Lock()
	band := t.Priority.band()
	q.bands[band] = append(q.bands[band], t)
	q.size++
	q.mu.Unlock()
	q.wake()
}

// Pop blocks until a task is available or the context is cancelled.
func (q *taskQueue) Pop(ctx context.Context) (*Task, bool) {
	for {
		q.mu.Lock()
		for band := range q.bands {
			if len(q.bands[band]) == 0 {
				continue
			}
			t := q.bands[band][0]
			q.bands[band] = q.bands[band][1:]
			q.size--
			remaining := q.size
			q.mu.Unlock()
			if remaining > 0 {
				// Other waiters may be parked on the signal.
				q.wake()
			}
			return t, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.signal:
		}
	}
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// drain removes and returns every queued task, highest priority first.
func (q *taskQueue) drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Task
	for band := range q.bands {
		out = append(out, q.bands[band]...)
		q.bands[band] = nil
	}
	q.size = 0
	return out
}

func (q *taskQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// messageQueue is the unbounded FIFO behind the communication bus.
// Redelivered messages re-enter at the tail.
type messageQueue struct {
	mu     sync.Mutex
	items  []*Message
	signal chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{signal: make(chan struct{}, 1)}
}

func (q *messageQueue) Push(m *Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.wake()
}

// Pop blocks until a message is available or the context is cancelled.
func (q *messageQueue) Pop(ctx context.Context) (*Message, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				q.wake()
			}
			return m, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.signal:
		}
	}
}

func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *messageQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
