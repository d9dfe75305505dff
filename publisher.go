package shmbus

import (
	"fmt"
	"os"
	"reflect"
	"sync"
	"unsafe"

	"github.com/google/uuid"

	"github.com/shmbus/shmbus/fifo"
)

// Publisher hands out loaned samples from its own chunk pool and sends them
// to connected subscribers. One instance is single-goroutine on the
// loan/send path; wrap it yourself if multiple goroutines must publish.
//
// The payload type T must be fixed-layout: any type transitively containing
// pointers, slices, maps, strings, chans, funcs or interfaces is rejected at
// construction, since such values are meaningless in another process.
type Publisher[T any] struct {
	node     *Node
	seg      *DataSegment
	id       uuid.UUID
	elemSize int64
	maxSlice int

	closeOnce sync.Once
}

// NewPublisher creates a publisher under node. The chunk pool is sized at
// construction (WithChunkCapacity chunks of WithMaxSliceLen elements each)
// and never grows: shared-memory pools cannot be resized without every
// mapped process remapping.
func NewPublisher[T any](node *Node, opts ...PublisherOption) (*Publisher[T], error) {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil || hasPointers(t) {
		return nil, fmt.Errorf("%w: %T", ErrInvalidPayload, zero)
	}
	elemSize := int64(unsafe.Sizeof(zero))
	if elemSize == 0 {
		return nil, fmt.Errorf("%w: %T has zero size", ErrInvalidPayload, zero)
	}

	cfg := publisherConfig{
		MaxSliceLen:   node.cfg.MaxSliceLen,
		ChunkCapacity: node.cfg.ChunkCapacity,
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if cfg.MaxSliceLen < 1 {
		return nil, fmt.Errorf("max slice len must be >= 1, got %d", cfg.MaxSliceLen)
	}
	if cfg.ChunkCapacity < 1 {
		return nil, fmt.Errorf("chunk capacity must be >= 1, got %d", cfg.ChunkCapacity)
	}

	if err := os.MkdirAll(node.cfg.segmentsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create segments dir: %w", err)
	}

	id := uuid.New()
	seg, err := newDataSegment(node.cfg.segmentPath(node.id, id), elemSize, cfg.MaxSliceLen, cfg.ChunkCapacity, id)
	if err != nil {
		return nil, err
	}

	p := &Publisher[T]{
		node:     node,
		seg:      seg,
		id:       id,
		elemSize: elemSize,
		maxSlice: cfg.MaxSliceLen,
	}
	if err := node.attach(p); err != nil {
		seg.unref()
		return nil, err
	}
	return p, nil
}

// ID returns the publisher's unique id, also stamped into every chunk header.
func (p *Publisher[T]) ID() uuid.UUID {
	return p.id
}

// MaxSliceLen returns the configured largest loanable slice length.
func (p *Publisher[T]) MaxSliceLen() int {
	return p.maxSlice
}

// Segment exposes the publisher's chunk pool for state inspection.
func (p *Publisher[T]) Segment() *DataSegment {
	return p.seg
}

// Loan reserves a chunk with the payload set to the zero value of T.
func (p *Publisher[T]) Loan() (*Sample[T], error) {
	u, err := p.LoanUninit()
	if err != nil {
		return nil, err
	}
	clear(p.seg.payloadAt(u.core.offset)[:p.elemSize])
	return u.AssumeInit(), nil
}

// LoanUninit reserves a chunk without touching its payload bytes.
func (p *Publisher[T]) LoanUninit() (*SampleUninit[T], error) {
	off, err := p.seg.loan(p.elemSize)
	if err != nil {
		return nil, err
	}
	core := &loanCore{seg: p.seg, offset: off, n: 1}
	s := &SampleUninit[T]{core: core}
	arm(s, core)
	return s, nil
}

// LoanSlice reserves a chunk for n elements, all set to the zero value of T.
func (p *Publisher[T]) LoanSlice(n int) (*SliceSample[T], error) {
	u, err := p.LoanSliceUninit(n)
	if err != nil {
		return nil, err
	}
	clear(p.seg.payloadAt(u.core.offset)[:p.elemSize*int64(n)])
	return u.AssumeInit(), nil
}

// LoanSliceUninit reserves a chunk for n elements without touching payload
// bytes. n beyond MaxSliceLen fails with ErrInvalidLength.
func (p *Publisher[T]) LoanSliceUninit(n int) (*SliceSampleUninit[T], error) {
	if n < 0 || n > p.maxSlice {
		return nil, fmt.Errorf("%w: requested %d, max %d", ErrInvalidLength, n, p.maxSlice)
	}
	off, err := p.seg.loan(p.elemSize * int64(n))
	if err != nil {
		return nil, err
	}
	core := &loanCore{seg: p.seg, offset: off, n: n}
	s := &SliceSampleUninit[T]{core: core}
	arm(s, core)
	return s, nil
}

// Connect attaches an externally owned delivery queue and returns its
// connection id. Safe to call while the owner goroutine is sending.
func (p *Publisher[T]) Connect(q *fifo.Queue) uint64 {
	return p.seg.connect(q)
}

// Disconnect detaches a previously connected queue.
func (p *Publisher[T]) Disconnect(id uint64) {
	p.seg.disconnect(id)
}

// Subscribe creates an in-process subscriber wired to this publisher with a
// delivery queue of the given capacity.
func (p *Publisher[T]) Subscribe(queueCapacity int) *Subscriber[T] {
	q := fifo.New(queueCapacity)
	p.seg.retain()
	return &Subscriber[T]{
		seg:      p.seg,
		queue:    q,
		connID:   p.seg.connect(q),
		elemSize: p.elemSize,
	}
}

// Close drops the publisher's reference to its pool. The shared memory stays
// mapped until every outstanding sample, delivery and subscriber is done.
// Idempotent.
func (p *Publisher[T]) Close() {
	p.closeOnce.Do(func() {
		p.seg.unref()
	})
}

// hasPointers reports whether t transitively contains anything that is only
// meaningful inside this process.
func hasPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return hasPointers(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if hasPointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		// Ptr, UnsafePointer, Slice, Map, String, Chan, Func, Interface.
		return true
	}
}
