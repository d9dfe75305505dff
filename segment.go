package shmbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipmap"

	"github.com/shmbus/shmbus/fifo"
)

// Offset identifies a chunk within its segment. It is meaningful only
// together with the segment that issued it.
type Offset = int64

// chunkHeaderSize is the reserved space at the start of every chunk. Keeping
// it at 64 bytes also guarantees payload alignment for any fixed-layout type.
const chunkHeaderSize = 64

// Header is written at the start of every chunk and travels with the sample.
// It lives in shared memory, so it may only contain fixed-layout fields.
type Header struct {
	PublisherID [16]byte // uuid of the issuing publisher
	Sequence    uint64   // send order, per publisher
	PayloadLen  uint64   // payload bytes actually written
}

// Header must fit the reserved space.
var _ [chunkHeaderSize - unsafe.Sizeof(Header{})]byte

type chunkState uint8

const (
	chunkFree chunkState = iota
	chunkLoaned
	chunkInFlight
)

// DataSegment owns one shared-memory region carved into fixed-size chunks
// and tracks the loan state of each. A chunk is in exactly one of
// {free, loaned, in-flight} at any time; only the segment transitions it.
//
// The loan/send path is single-owner (the publisher); the mutex exists
// because receiver-side release and subscriber connect/disconnect arrive
// from other goroutines.
type DataSegment struct {
	region     *region
	pubID      uuid.UUID
	stride     int64
	payloadCap int64
	capacity   int

	mu    sync.Mutex
	free  []Offset
	state []chunkState
	// remaining receiver releases before an in-flight chunk is freed
	remaining []int
	seq       uint64

	conns   *skipmap.Uint64Map[*fifo.Queue]
	connSeq atomic.Uint64

	// refs counts the publisher handle, outstanding loans, in-flight
	// deliveries and subscriber views. The region is torn down on the
	// last unref, never before.
	refs atomic.Int64
}

func roundTo64(n int64) int64 {
	return (n + 63) & ^int64(63)
}

// newDataSegment creates the backing region sized for capacity chunks of
// elemSize*maxSliceLen payload bytes each.
func newDataSegment(path string, elemSize int64, maxSliceLen, capacity int, pubID uuid.UUID) (*DataSegment, error) {
	payloadCap := roundTo64(elemSize * int64(maxSliceLen))
	stride := chunkHeaderSize + payloadCap

	r, err := createRegion(path, stride*int64(capacity))
	if err != nil {
		return nil, err
	}

	s := &DataSegment{
		region:     r,
		pubID:      pubID,
		stride:     stride,
		payloadCap: payloadCap,
		capacity:   capacity,
		free:       make([]Offset, 0, capacity),
		state:      make([]chunkState, capacity),
		remaining:  make([]int, capacity),
		conns:      skipmap.NewUint64[*fifo.Queue](),
	}
	// Hand out low offsets first.
	for i := capacity - 1; i >= 0; i-- {
		s.free = append(s.free, Offset(i)*stride)
	}
	s.refs.Store(1)
	return s, nil
}

func (s *DataSegment) headerAt(off Offset) *Header {
	return (*Header)(unsafe.Pointer(&s.region.bytes()[off]))
}

func (s *DataSegment) payloadAt(off Offset) []byte {
	start := off + chunkHeaderSize
	return s.region.bytes()[start : start+s.payloadCap]
}

// loan reserves one free chunk, marks it loaned and stamps its header.
// payloadLen records the bytes the caller intends to write.
func (s *DataSegment) loan(payloadLen int64) (Offset, error) {
	s.mu.Lock()
	if len(s.free) == 0 {
		s.mu.Unlock()
		return 0, ErrPoolExhausted
	}
	off := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.state[off/s.stride] = chunkLoaned
	s.mu.Unlock()

	hdr := s.headerAt(off)
	copy(hdr.PublisherID[:], s.pubID[:])
	hdr.Sequence = 0
	hdr.PayloadLen = uint64(payloadLen)

	s.retain()
	return off, nil
}

// returnLoaned frees a loaned-but-unsent chunk. Called exactly once per loan,
// from the sample's release path only.
func (s *DataSegment) returnLoaned(off Offset) {
	s.mu.Lock()
	idx := off / s.stride
	if s.state[idx] != chunkLoaned {
		s.mu.Unlock()
		log.Error("returnLoaned on chunk not in loaned state", "offset", off, "state", s.state[idx])
		return
	}
	s.state[idx] = chunkFree
	s.free = append(s.free, off)
	s.mu.Unlock()

	s.unref()
}

// send transitions a loaned chunk to in-flight and publishes its offset to
// every connected queue. Returns the number of queues the offset reached.
// A full queue is a drop (the subscriber's loss, counted in its stats); a
// closed queue is a transport fault and the connection is severed. Only when
// every path faulted is ErrSendFailed returned.
//
// A chunk delivered to nobody is freed immediately: no receiver will ever
// release it.
func (s *DataSegment) send(off Offset) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.headerAt(off).Sequence = s.seq

	// The lock stays held across delivery: a receiver must never observe
	// an offset whose chunk is not yet marked in flight. Queue mutexes
	// only ever nest inside the segment mutex, so the ordering is safe.
	delivered, faulted := 0, 0
	s.conns.Range(func(id uint64, q *fifo.Queue) bool {
		switch err := q.Push(off); {
		case err == nil:
			delivered++
		case errors.Is(err, fifo.ErrClosed):
			faulted++
			s.conns.Delete(id)
			log.Warn("severing connection to closed queue", "conn", id)
		}
		return true
	})

	idx := off / s.stride
	if delivered == 0 {
		s.state[idx] = chunkFree
		s.free = append(s.free, off)
	} else {
		s.state[idx] = chunkInFlight
		s.remaining[idx] = delivered
		s.refs.Add(int64(delivered))
	}
	if faulted > 0 && delivered == 0 {
		return 0, ErrSendFailed
	}
	return delivered, nil
}

// release is the receiver side of the protocol: one call per delivery. The
// chunk returns to the free list once every receiver has released it.
func (s *DataSegment) release(off Offset) {
	s.mu.Lock()
	idx := off / s.stride
	if s.state[idx] != chunkInFlight {
		s.mu.Unlock()
		log.Error("release on chunk not in flight", "offset", off, "state", s.state[idx])
		return
	}
	s.remaining[idx]--
	if s.remaining[idx] == 0 {
		s.state[idx] = chunkFree
		s.free = append(s.free, off)
	}
	s.mu.Unlock()

	s.unref()
}

// connect registers a subscriber delivery queue and returns its connection id.
func (s *DataSegment) connect(q *fifo.Queue) uint64 {
	id := s.connSeq.Add(1)
	s.conns.Store(id, q)
	return id
}

func (s *DataSegment) disconnect(id uint64) {
	s.conns.Delete(id)
}

func (s *DataSegment) retain() {
	s.refs.Add(1)
}

// unref tears the region down when the last reference (publisher, loan,
// delivery or subscriber) goes away.
func (s *DataSegment) unref() {
	if s.refs.Add(-1) == 0 {
		s.region.close()
	}
}

// Capacity returns the total number of chunks in the pool.
func (s *DataSegment) Capacity() int {
	return s.capacity
}

// FreeChunks returns the number of chunks currently available to loan.
func (s *DataSegment) FreeChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.free)
}

// InFlightChunks returns the number of chunks sent but not yet released by
// every receiver.
func (s *DataSegment) InFlightChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.state {
		if st == chunkInFlight {
			n++
		}
	}
	return n
}

// LoanedChunks returns the number of chunks loaned out and not yet sent.
func (s *DataSegment) LoanedChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.state {
		if st == chunkLoaned {
			n++
		}
	}
	return n
}

// Connections returns the number of connected subscriber queues.
func (s *DataSegment) Connections() int {
	return s.conns.Len()
}
