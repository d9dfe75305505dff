package shmbus

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/shmbus/shmbus/fifo"
)

// Subscriber consumes chunk offsets from its delivery queue and exposes the
// payloads as zero-copy views into the publisher's segment. Every received
// view must be released (explicitly or by the GC safety net) for the chunk
// to return to the pool.
type Subscriber[T any] struct {
	seg      *DataSegment
	queue    *fifo.Queue
	connID   uint64
	elemSize int64

	closeOnce sync.Once
}

// Queue exposes the subscriber's delivery queue, mainly for its Stats.
func (s *Subscriber[T]) Queue() *fifo.Queue {
	return s.queue
}

// Receive pops the next delivered sample. Non-blocking; the second return is
// false when the queue is empty.
func (s *Subscriber[T]) Receive() (*Recv[T], bool) {
	off, ok := s.queue.Pop()
	if !ok {
		return nil, false
	}
	core := &recvCore{seg: s.seg, offset: off}
	r := &Recv[T]{core: core, elemSize: s.elemSize}
	core.cleanup = runtime.AddCleanup(r, func(c *recvCore) { c.release() }, core)
	return r, true
}

// Close disconnects from the publisher, releases every undelivered offset
// and drops the subscriber's reference to the segment. Idempotent.
func (s *Subscriber[T]) Close() {
	s.closeOnce.Do(func() {
		s.seg.disconnect(s.connID)
		s.queue.Close()
		for {
			off, ok := s.queue.Pop()
			if !ok {
				break
			}
			s.seg.release(off)
		}
		s.seg.unref()
	})
}

// recvCore guarantees the receiver-side release happens exactly once.
type recvCore struct {
	seg     *DataSegment
	offset  Offset
	once    sync.Once
	cleanup runtime.Cleanup
}

func (c *recvCore) release() {
	c.once.Do(func() {
		c.cleanup.Stop()
		c.seg.release(c.offset)
	})
}

// Recv is a received sample: a read view over a chunk another process (or
// goroutine) wrote. Release returns the chunk to the pool once every
// receiver of it has done so.
type Recv[T any] struct {
	core     *recvCore
	elemSize int64
}

// Header returns the chunk header stamped by the sender.
func (r *Recv[T]) Header() *Header {
	h := r.core.seg.headerAt(r.core.offset)
	// The release cleanup must not give the chunk back while the handle is
	// mid-dereference.
	runtime.KeepAlive(r)
	return h
}

// Payload returns the payload value view.
func (r *Recv[T]) Payload() *T {
	b := r.core.seg.payloadAt(r.core.offset)
	p := (*T)(unsafe.Pointer(&b[0]))
	runtime.KeepAlive(r)
	return p
}

// Slice returns the payload as a slice, sized from the header's payload
// length.
func (r *Recv[T]) Slice() []T {
	n := int(int64(r.Header().PayloadLen) / r.elemSize)
	if n == 0 {
		return nil
	}
	b := r.core.seg.payloadAt(r.core.offset)
	s := unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
	runtime.KeepAlive(r)
	return s
}

// Release hands the chunk back to the pool. Idempotent.
func (r *Recv[T]) Release() {
	r.core.release()
}
