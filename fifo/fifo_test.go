package fifo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueue_PushPopOrder(t *testing.T) {
	q := New(4)

	for i := int64(0); i < 4; i++ {
		require.NoError(t, q.Push(i*64))
	}
	for i := int64(0); i < 4; i++ {
		off, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i*64, off)
	}
	_, ok := q.Pop()
	require.False(t, ok)
}

func TestQueue_FullDrops(t *testing.T) {
	q := New(2)

	require.NoError(t, q.Push(0))
	require.NoError(t, q.Push(64))
	require.ErrorIs(t, q.Push(128), ErrFull)

	stats := q.Stats()
	require.Equal(t, uint64(2), stats.Pushed)
	require.Equal(t, uint64(1), stats.Dropped)

	// Popping frees a slot again.
	_, ok := q.Pop()
	require.True(t, ok)
	require.NoError(t, q.Push(128))
}

func TestQueue_ClosedRejectsButDrains(t *testing.T) {
	q := New(4)
	require.NoError(t, q.Push(0))
	require.NoError(t, q.Push(64))

	q.Close()
	require.ErrorIs(t, q.Push(128), ErrClosed)

	off, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, int64(0), off)
	off, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, int64(64), off)
	_, ok = q.Pop()
	require.False(t, ok)
}

func TestQueue_WrapAround(t *testing.T) {
	q := New(3)

	for round := 0; round < 5; round++ {
		require.NoError(t, q.Push(int64(round)))
		require.NoError(t, q.Push(int64(round+100)))
		v, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, int64(round), v)
		v, ok = q.Pop()
		require.True(t, ok)
		require.Equal(t, int64(round+100), v)
	}
	require.Equal(t, 0, q.Len())
	require.Equal(t, 3, q.Cap())
}

func TestQueue_MinimumCapacity(t *testing.T) {
	q := New(0)
	require.Equal(t, 1, q.Cap())
}
