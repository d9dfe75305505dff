package shmbus

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/shmbus/shmbus/fifo"
)

func newTestSegment(t *testing.T, elemSize int64, maxSliceLen, capacity int) *DataSegment {
	t.Helper()
	seg, err := newDataSegment(filepath.Join(t.TempDir(), "pool.seg"), elemSize, maxSliceLen, capacity, uuid.New())
	require.NoError(t, err)
	t.Cleanup(seg.unref)
	return seg
}

func TestDataSegment_LoanReturnRestoresFreeCount(t *testing.T) {
	seg := newTestSegment(t, 8, 1, 4)
	require.Equal(t, 4, seg.FreeChunks())

	off, err := seg.loan(8)
	require.NoError(t, err)
	require.Equal(t, 3, seg.FreeChunks())
	require.Equal(t, 1, seg.LoanedChunks())

	seg.returnLoaned(off)
	require.Equal(t, 4, seg.FreeChunks())
	require.Equal(t, 0, seg.LoanedChunks())
}

func TestDataSegment_ExhaustionFailsCleanly(t *testing.T) {
	seg := newTestSegment(t, 8, 1, 2)

	var offs []Offset
	for i := 0; i < 2; i++ {
		off, err := seg.loan(8)
		require.NoError(t, err)
		offs = append(offs, off)
	}

	_, err := seg.loan(8)
	require.ErrorIs(t, err, ErrPoolExhausted)

	// Exhaustion must not corrupt the pool: returning a chunk makes
	// loaning work again.
	seg.returnLoaned(offs[0])
	off, err := seg.loan(8)
	require.NoError(t, err)
	require.Equal(t, offs[0], off)
	seg.returnLoaned(off)
	seg.returnLoaned(offs[1])
	require.Equal(t, 2, seg.FreeChunks())
}

func TestDataSegment_SendWithoutSubscribersFreesChunk(t *testing.T) {
	seg := newTestSegment(t, 8, 1, 2)

	off, err := seg.loan(8)
	require.NoError(t, err)

	delivered, err := seg.send(off)
	require.NoError(t, err)
	require.Equal(t, 0, delivered)
	require.Equal(t, 2, seg.FreeChunks())
	require.Equal(t, 0, seg.InFlightChunks())
	seg.unref() // balance the loan reference send left to us
}

func TestDataSegment_SendDeliversAndTracksInFlight(t *testing.T) {
	seg := newTestSegment(t, 8, 1, 2)
	q := fifo.New(4)
	seg.connect(q)

	off, err := seg.loan(8)
	require.NoError(t, err)

	delivered, err := seg.send(off)
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
	require.Equal(t, 1, seg.InFlightChunks())
	require.Equal(t, 1, seg.FreeChunks())
	seg.unref() // loan reference

	got, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, off, got)

	seg.release(off)
	require.Equal(t, 0, seg.InFlightChunks())
	require.Equal(t, 2, seg.FreeChunks())
}

func TestDataSegment_SequenceFollowsSendOrder(t *testing.T) {
	seg := newTestSegment(t, 8, 1, 4)
	q := fifo.New(8)
	seg.connect(q)

	for want := uint64(1); want <= 3; want++ {
		off, err := seg.loan(8)
		require.NoError(t, err)
		_, err = seg.send(off)
		require.NoError(t, err)
		seg.unref()
		require.Equal(t, want, seg.headerAt(off).Sequence)
	}

	// Delivered in send order.
	var prev uint64
	for i := 0; i < 3; i++ {
		off, ok := q.Pop()
		require.True(t, ok)
		require.Greater(t, seg.headerAt(off).Sequence, prev)
		prev = seg.headerAt(off).Sequence
		seg.release(off)
	}
}

func TestDataSegment_ClosedQueueIsAFault(t *testing.T) {
	seg := newTestSegment(t, 8, 1, 2)
	q := fifo.New(4)
	q.Close()
	seg.connect(q)
	require.Equal(t, 1, seg.Connections())

	off, err := seg.loan(8)
	require.NoError(t, err)

	_, err = seg.send(off)
	require.ErrorIs(t, err, ErrSendFailed)
	seg.unref()

	// The broken connection is severed and the chunk was not leaked.
	require.Equal(t, 0, seg.Connections())
	require.Equal(t, 2, seg.FreeChunks())
}

func TestDataSegment_FullQueueIsADropNotAFault(t *testing.T) {
	seg := newTestSegment(t, 8, 1, 4)
	q := fifo.New(1)
	seg.connect(q)

	first, err := seg.loan(8)
	require.NoError(t, err)
	delivered, err := seg.send(first)
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
	seg.unref()

	// Queue is now full; the next send reaches nobody but is not an error.
	second, err := seg.loan(8)
	require.NoError(t, err)
	delivered, err = seg.send(second)
	require.NoError(t, err)
	require.Equal(t, 0, delivered)
	seg.unref()

	require.Equal(t, uint64(1), q.Stats().Dropped)
	// The undelivered chunk went straight back to the pool.
	require.Equal(t, 3, seg.FreeChunks())

	off, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, first, off)
	seg.release(off)
	require.Equal(t, 4, seg.FreeChunks())
}

func TestDataSegment_HeaderStampsPublisher(t *testing.T) {
	pubID := uuid.New()
	seg, err := newDataSegment(filepath.Join(t.TempDir(), "pool.seg"), 16, 4, 2, pubID)
	require.NoError(t, err)
	defer seg.unref()

	off, err := seg.loan(48)
	require.NoError(t, err)
	hdr := seg.headerAt(off)
	require.Equal(t, pubID[:], hdr.PublisherID[:])
	require.Equal(t, uint64(48), hdr.PayloadLen)
	require.Equal(t, uint64(0), hdr.Sequence)
	seg.returnLoaned(off)
}
