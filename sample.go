package shmbus

import (
	"runtime"
	"sync"
	"unsafe"
)

// loanCore is the single-owner state shared by a sample handle across its
// uninitialized/initialized transitions. The sync.Once is what makes the
// release-or-send decision exactly-once on every exit path; the
// runtime.Cleanup is the safety net for handles dropped without an explicit
// Release or Send.
type loanCore struct {
	seg     *DataSegment
	offset  Offset
	n       int // element count (1 for non-slice samples)
	once    sync.Once
	cleanup runtime.Cleanup
}

// drop returns the chunk to the pool. Safe to call redundantly; only the
// first of drop/consume wins.
func (c *loanCore) drop() {
	c.once.Do(func() {
		c.cleanup.Stop()
		c.seg.returnLoaned(c.offset)
	})
}

// consume hands the chunk to the transport. ErrSampleConsumed if the sample
// was already sent or released.
func (c *loanCore) consume() (n int, err error) {
	err = ErrSampleConsumed
	c.once.Do(func() {
		c.cleanup.Stop()
		n, err = c.seg.send(c.offset)
		c.seg.unref()
	})
	return n, err
}

// arm attaches a GC cleanup to the handle so a leaked, unsent sample still
// returns its chunk. Re-invoked on every state transition since the handle
// identity changes while the core does not.
func arm[H any](h *H, c *loanCore) {
	c.cleanup = runtime.AddCleanup(h, func(c *loanCore) { c.drop() }, c)
}

// rebind moves the core from a consumed handle onto its successor. The old
// handle must stay reachable until its cleanup is detached: if it were
// collected mid-transition the drop would fire and free a chunk the
// successor still owns.
func rebind[S, H any](old *S, h *H, c *loanCore) *H {
	c.cleanup.Stop()
	runtime.KeepAlive(old)
	arm(h, c)
	return h
}

func payloadPtr[T any](c *loanCore) *T {
	b := c.seg.payloadAt(c.offset)
	return (*T)(unsafe.Pointer(&b[0]))
}

func payloadSlice[T any](c *loanCore) []T {
	if c.n == 0 {
		return nil
	}
	b := c.seg.payloadAt(c.offset)
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), c.n)
}

// SampleUninit is a loaned chunk whose payload bytes have no defined value
// yet. Write or AssumeInit turns it into a sendable Sample; Release returns
// the chunk unsent. The handle is single-owner and must stay on the
// goroutine that loaned it.
type SampleUninit[T any] struct {
	core *loanCore
}

// Header returns the chunk header. Valid in both sample states.
func (s *SampleUninit[T]) Header() *Header {
	return s.core.seg.headerAt(s.core.offset)
}

// PayloadMut exposes the payload location for writing. The pointed-to value
// is undefined until written.
func (s *SampleUninit[T]) PayloadMut() *T {
	return payloadPtr[T](s.core)
}

// Write stores v into the chunk and returns the initialized sample. The
// receiver handle is consumed.
func (s *SampleUninit[T]) Write(v T) *Sample[T] {
	*payloadPtr[T](s.core) = v
	return s.AssumeInit()
}

// AssumeInit declares the payload initialized without writing it. The caller
// asserts that every payload byte already holds a meaningful value; sending
// a chunk for which that does not hold hands garbage to every subscriber,
// with no runtime check to catch it.
func (s *SampleUninit[T]) AssumeInit() *Sample[T] {
	return rebind(s, &Sample[T]{core: s.core}, s.core)
}

// Release returns the chunk to the pool unsent. Idempotent.
func (s *SampleUninit[T]) Release() {
	s.core.drop()
}

// Sample is a loaned chunk with an initialized payload, ready to send.
type Sample[T any] struct {
	core *loanCore
}

// Header returns the chunk header.
func (s *Sample[T]) Header() *Header {
	return s.core.seg.headerAt(s.core.offset)
}

// Payload returns the payload value location.
func (s *Sample[T]) Payload() *T {
	return payloadPtr[T](s.core)
}

// PayloadMut returns the payload location for further mutation before send.
func (s *Sample[T]) PayloadMut() *T {
	return payloadPtr[T](s.core)
}

// Send publishes the chunk's offset to every connected subscriber queue and
// consumes the sample. Returns the number of subscribers reached; zero
// subscribers is a delivered-count of 0, not an error.
func (s *Sample[T]) Send() (int, error) {
	n, err := s.core.consume()
	// The handle must not be collected (triggering the drop cleanup)
	// while consume is deciding.
	runtime.KeepAlive(s)
	return n, err
}

// Release returns the chunk to the pool unsent. Idempotent; a no-op after
// Send.
func (s *Sample[T]) Release() {
	s.core.drop()
}

// SliceSampleUninit is a loaned chunk for a slice payload, elements not yet
// initialized.
type SliceSampleUninit[T any] struct {
	core *loanCore
}

// Header returns the chunk header.
func (s *SliceSampleUninit[T]) Header() *Header {
	return s.core.seg.headerAt(s.core.offset)
}

// Len returns the loaned element count.
func (s *SliceSampleUninit[T]) Len() int {
	return s.core.n
}

// PayloadMut exposes the slice for writing. Element values are undefined
// until written.
func (s *SliceSampleUninit[T]) PayloadMut() []T {
	return payloadSlice[T](s.core)
}

// WriteFromFn initializes element i with fn(i) and returns the initialized
// sample. The receiver handle is consumed.
func (s *SliceSampleUninit[T]) WriteFromFn(fn func(i int) T) *SliceSample[T] {
	for i, p := 0, payloadSlice[T](s.core); i < len(p); i++ {
		p[i] = fn(i)
	}
	return s.AssumeInit()
}

// AssumeInit declares every element initialized without writing them. Same
// contract as SampleUninit.AssumeInit, applied to each element.
func (s *SliceSampleUninit[T]) AssumeInit() *SliceSample[T] {
	return rebind(s, &SliceSample[T]{core: s.core}, s.core)
}

// Release returns the chunk to the pool unsent. Idempotent.
func (s *SliceSampleUninit[T]) Release() {
	s.core.drop()
}

// SliceSample is a loaned chunk with an initialized slice payload.
type SliceSample[T any] struct {
	core *loanCore
}

// Header returns the chunk header.
func (s *SliceSample[T]) Header() *Header {
	return s.core.seg.headerAt(s.core.offset)
}

// Len returns the element count.
func (s *SliceSample[T]) Len() int {
	return s.core.n
}

// Payload returns the payload slice.
func (s *SliceSample[T]) Payload() []T {
	return payloadSlice[T](s.core)
}

// PayloadMut returns the payload slice for further mutation before send.
func (s *SliceSample[T]) PayloadMut() []T {
	return payloadSlice[T](s.core)
}

// Send publishes the chunk and consumes the sample.
func (s *SliceSample[T]) Send() (int, error) {
	n, err := s.core.consume()
	runtime.KeepAlive(s)
	return n, err
}

// Release returns the chunk unsent. Idempotent; a no-op after Send.
func (s *SliceSample[T]) Release() {
	s.core.drop()
}
