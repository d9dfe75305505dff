// Package fifo provides the bounded, non-blocking delivery queue a publisher
// pushes chunk offsets into, one queue per subscriber connection.
//
// Push never blocks: a full queue rejects the offset (the subscriber's loss,
// tracked in Stats), a closed queue reports ErrClosed so the publisher can
// sever the connection. Pop keeps draining after Close.
package fifo

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrFull means the queue is at capacity and the offset was dropped.
	ErrFull = errors.New("fifo: queue full")
	// ErrClosed means the queue was closed and accepts no more offsets.
	ErrClosed = errors.New("fifo: queue closed")
)

// Stats tracks delivery outcomes for one queue.
type Stats struct {
	Pushed  uint64
	Dropped uint64
}

// Queue is a fixed-capacity ring of chunk offsets.
type Queue struct {
	mu     sync.Mutex
	buf    []int64
	head   int
	count  int
	closed bool

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// New creates a queue holding up to capacity offsets.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{buf: make([]int64, capacity)}
}

// Push enqueues one offset. Returns ErrFull when at capacity (the offset is
// dropped) or ErrClosed after Close.
func (q *Queue) Push(off int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.count == len(q.buf) {
		q.dropped.Add(1)
		return ErrFull
	}
	q.buf[(q.head+q.count)%len(q.buf)] = off
	q.count++
	q.pushed.Add(1)
	return nil
}

// Pop dequeues the oldest offset. Draining continues after Close; the second
// return is false only when the queue is empty.
func (q *Queue) Pop() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return 0, false
	}
	off := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return off, true
}

// Close stops the queue from accepting offsets. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Len returns the number of queued offsets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Stats returns cumulative push/drop counters.
func (q *Queue) Stats() Stats {
	return Stats{Pushed: q.pushed.Load(), Dropped: q.dropped.Load()}
}
