package realtime

import (
	"context"
	"sync"
)

// Queue is a bounded FIFO of outbound frames for one session.
//
// Push never blocks. When the queue is full the oldest frame is discarded
// to make room, so a slow consumer only ever loses stale data and never
// holds up the publisher. The number of discarded frames is kept in a
// counter readable through Dropped.
//
// Items are stored in a ring buffer; wake is a 1-slot channel that signals
// a waiting Next that a frame arrived.
type Queue struct {
	mu      sync.Mutex
	buf     []Frame
	head    int // index of the oldest frame
	size    int
	dropped uint64
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// NewQueue creates a Queue holding at most capacity frames. A capacity
// below 1 is raised to 1.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf:  make([]Frame, capacity),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Push appends f. It reports whether f was accepted (false only after
// Close) and whether an older frame had to be dropped to make room.
func (q *Queue) Push(f Frame) (accepted, dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, false
	}

	if q.size == len(q.buf) {
		q.buf[q.head] = Frame{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		dropped = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = f
	q.size++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true, dropped
}

// Pop removes and returns the oldest frame without waiting. It returns
// false when the queue is empty or closed.
func (q *Queue) Pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Frame{}, false
	}
	return q.popLocked()
}

func (q *Queue) popLocked() (Frame, bool) {
	if q.size == 0 {
		return Frame{}, false
	}
	f := q.buf[q.head]
	q.buf[q.head] = Frame{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return f, true
}

// Next blocks until a frame is available, the queue is closed, or ctx is
// done. ok is false once the queue is closed or ctx is done. Frames still
// buffered at Close are discarded so nothing is delivered after close.
func (q *Queue) Next(ctx context.Context) (Frame, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Frame{}, false
		}
		f, ok := q.popLocked()
		q.mu.Unlock()

		if ok {
			return f, true
		}

		select {
		case <-q.wake:
		case <-q.done:
		case <-ctx.Done():
			return Frame{}, false
		}
	}
}

// Close stops the queue from accepting frames and wakes any waiting Next.
// It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Len returns the number of frames currently buffered.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Dropped returns how many frames were discarded by the overflow policy.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
