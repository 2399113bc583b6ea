package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFIFOOrder verifies single-producer/single-consumer ordering
func TestFIFOOrder(t *testing.T) {
	q, err := New[int](8)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		require.NoError(t, q.Put(i, false, 0))
	}
	for i := 0; i < 8; i++ {
		v, err := q.Get(false, 0)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

// TestCapacityInvariant verifies that exactly C items fit before a
// non-blocking Put fails, and that a blocking Put unblocks after a Get
func TestCapacityInvariant(t *testing.T) {
	const capacity = 4
	q, err := New[int](capacity)
	require.NoError(t, err)

	for i := 0; i < capacity; i++ {
		require.NoError(t, q.Put(i, false, 0), "put %d should fit", i)
	}
	assert.ErrorIs(t, q.Put(99, false, 0), ErrFull)
	assert.Equal(t, capacity, q.Len())

	unblocked := make(chan error, 1)
	go func() {
		unblocked <- q.Put(100, true, 2*time.Second)
	}()

	// The blocking put must not complete while the queue is full
	select {
	case err := <-unblocked:
		t.Fatalf("blocking put completed on a full queue: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	v, err := q.Get(false, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	select {
	case err := <-unblocked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocking put did not unblock after a get")
	}
}

// TestRecapacityPreservesOrder verifies resize keeps queued items in order
func TestRecapacityPreservesOrder(t *testing.T) {
	q, err := New[int](10)
	require.NoError(t, err)

	const k = 7
	for i := 0; i < k; i++ {
		require.NoError(t, q.Put(i, false, 0))
	}

	require.NoError(t, q.Recapacity(k+5))
	assert.Equal(t, k+5, q.Cap())
	assert.Equal(t, k, q.Len())

	for i := 0; i < k; i++ {
		v, err := q.Get(false, 0)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

// TestRecapacityBelowOccupancy verifies the caller-error signal is distinct
// from transient not-ready conditions
func TestRecapacityBelowOccupancy(t *testing.T) {
	q, err := New[int](10)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		require.NoError(t, q.Put(i, false, 0))
	}

	err = q.Recapacity(5)
	assert.ErrorIs(t, err, ErrBadCapacity)
	assert.NotErrorIs(t, err, ErrTimeout)

	// Queue unchanged after the failed resize
	assert.Equal(t, 10, q.Cap())
	assert.Equal(t, 6, q.Len())
}

// TestRecapacityAfterWraparound exercises resize when the cursors have
// wrapped past the end of the slot array
func TestRecapacityAfterWraparound(t *testing.T) {
	q, err := New[int](4)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Put(i, false, 0))
	}
	for i := 0; i < 3; i++ {
		_, err := q.Get(false, 0)
		require.NoError(t, err)
	}
	for i := 4; i < 7; i++ {
		require.NoError(t, q.Put(i, false, 0))
	}

	require.NoError(t, q.Recapacity(16))

	for i := 3; i < 7; i++ {
		v, err := q.Get(false, 0)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestPeekDoesNotAdvance(t *testing.T) {
	q, err := New[string](4)
	require.NoError(t, err)

	require.NoError(t, q.Put("a", false, 0))
	require.NoError(t, q.Put("b", false, 0))

	for i := 0; i < 3; i++ {
		v, err := q.Peek(false, 0)
		require.NoError(t, err)
		assert.Equal(t, "a", v)
	}
	assert.Equal(t, 2, q.Len())

	v, err := q.Get(false, 0)
	require.NoError(t, err)
	assert.Equal(t, "a", v)
}

func TestDropShedsOldest(t *testing.T) {
	q, err := New[int](8)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		require.NoError(t, q.Put(i, false, 0))
	}

	assert.Equal(t, 4, q.Drop(4))
	assert.Equal(t, 2, q.Len())

	v, err := q.Get(false, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, v, "oldest surviving item should be the 5th put")

	// Dropping more than queued discards what is there
	assert.Equal(t, 1, q.Drop(10))
	assert.Equal(t, 0, q.Drop(10))
}

func TestClear(t *testing.T) {
	q, err := New[int](4)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Put(i, false, 0))
	}
	q.Clear()

	assert.Equal(t, 0, q.Len())
	_, err = q.Get(false, 0)
	assert.ErrorIs(t, err, ErrEmpty)

	// Usable again after clear
	require.NoError(t, q.Put(42, false, 0))
	v, err := q.Get(false, 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestGetTimeout(t *testing.T) {
	q, err := New[int](4)
	require.NoError(t, err)

	start := time.Now()
	_, err = q.Get(true, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestNonBlockingEmpty(t *testing.T) {
	q, err := New[int](4)
	require.NoError(t, err)

	_, err = q.Get(false, 0)
	assert.ErrorIs(t, err, ErrEmpty)
	_, err = q.Peek(false, 0)
	assert.ErrorIs(t, err, ErrEmpty)
}

// TestConcurrentProducerConsumer runs a producer and a consumer across a
// small queue and verifies nothing is lost or reordered
func TestConcurrentProducerConsumer(t *testing.T) {
	q, err := New[int](16)
	require.NoError(t, err)

	const total = 5000
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if err := q.Put(i, true, 5*time.Second); err != nil {
				t.Errorf("put %d failed: %v", i, err)
				return
			}
		}
	}()

	for i := 0; i < total; i++ {
		v, err := q.Get(true, 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, i, v, "FIFO order violated at item %d", i)
	}
	wg.Wait()

	m := q.GetMetrics()
	assert.Equal(t, int64(total), m.Written)
	assert.Equal(t, int64(total), m.Processed)
}

func TestInvalidCapacity(t *testing.T) {
	_, err := New[int](0)
	assert.Error(t, err)
	_, err = New[int](-3)
	assert.Error(t, err)
}
