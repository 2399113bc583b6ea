// Package queue provides the bounded event queue that decouples the single
// transport-reader goroutine from the engine's state machines.
//
// The queue keeps capacity+1 slots so that "full" and "empty" are
// distinguished purely by comparing the read and write cursors; no counter
// participates in the correctness protocol (a relaxed size counter exists
// only to make Len cheap). Each end has its own lock, so one producer and
// one consumer proceed without contending on each other.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrFull is returned by a non-blocking Put on a full queue.
	ErrFull = errors.New("queue is full")
	// ErrEmpty is returned by a non-blocking Get/Peek on an empty queue.
	ErrEmpty = errors.New("queue is empty")
	// ErrTimeout is returned when a bounded blocking Put/Get expires.
	ErrTimeout = errors.New("queue operation timed out")
	// ErrBadCapacity is returned by Recapacity when the requested capacity
	// cannot hold the items currently queued. This is a caller error, not a
	// transient condition.
	ErrBadCapacity = errors.New("capacity smaller than current occupancy")
)

// Metrics provides lock-free counters for queue activity.
type Metrics struct {
	Written   int64 // items accepted by Put
	Processed int64 // items handed out by Get
	Dropped   int64 // items discarded by Drop
}

// Queue is a fixed-capacity FIFO safe for concurrent use.
//
// Lock order for operations touching both ends is always putMu then getMu;
// single-sided operations take only their own lock. The write-cursor store
// is the publishing step for a concurrent Get, so both cursors are atomics
// even though each is mutated under exactly one lock.
type Queue[T any] struct {
	putMu sync.Mutex // write side: guards slots[tail] and tail advance
	getMu sync.Mutex // read side: guards slots[head] and head advance

	slots []T           // len(slots) == capacity+1
	head  atomic.Uint64 // index of the oldest item
	tail  atomic.Uint64 // index of the next free slot

	size    atomic.Int64 // relaxed occupancy, Len only — not authoritative
	metrics Metrics

	notEmpty chan struct{} // buffered(1) wakeup for blocked consumers
	notFull  chan struct{} // buffered(1) wakeup for blocked producers
}

// New creates a queue with the given logical capacity.
func New[T any](capacity int) (*Queue[T], error) {
	if capacity <= 0 {
		return nil, errors.New("queue capacity must be > 0")
	}
	return &Queue[T]{
		slots:    make([]T, capacity+1),
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}, nil
}

// nSlots is only safe while holding at least one of the two locks
// (Recapacity, which swaps the slice, holds both).
func (q *Queue[T]) nSlots() uint64 { return uint64(len(q.slots)) }

func (q *Queue[T]) isFull() bool {
	return (q.tail.Load()+1)%q.nSlots() == q.head.Load()
}

func (q *Queue[T]) isEmpty() bool {
	return q.head.Load() == q.tail.Load()
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Put appends item. With block=false a full queue fails immediately with
// ErrFull. With block=true the call waits until a slot frees, bounded by
// timeout when timeout > 0, and fails with ErrTimeout on expiry.
func (q *Queue[T]) Put(item T, block bool, timeout time.Duration) error {
	var expired <-chan time.Time
	if block && timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	q.putMu.Lock()
	defer q.putMu.Unlock()

	for q.isFull() {
		if !block {
			return ErrFull
		}
		q.putMu.Unlock()
		select {
		case <-q.notFull:
		case <-expired:
			q.putMu.Lock()
			return ErrTimeout
		}
		q.putMu.Lock()
	}

	t := q.tail.Load()
	q.slots[t] = item
	q.tail.Store((t + 1) % q.nSlots()) // publish
	q.size.Add(1)
	atomic.AddInt64(&q.metrics.Written, 1)
	wake(q.notEmpty)
	if !q.isFull() {
		// Cascade so a second blocked producer is not stranded when two
		// slots freed but only one wakeup token fit in the buffer.
		wake(q.notFull)
	}
	return nil
}

// Get removes and returns the oldest item. Non-blocking calls fail with
// ErrEmpty; blocking calls wait, bounded by timeout when timeout > 0.
func (q *Queue[T]) Get(block bool, timeout time.Duration) (T, error) {
	return q.get(block, timeout, false)
}

// Peek returns the oldest item without advancing the read cursor. It takes
// the read lock like Get does, so a Peek observed after a Put in program
// order sees that item.
func (q *Queue[T]) Peek(block bool, timeout time.Duration) (T, error) {
	return q.get(block, timeout, true)
}

func (q *Queue[T]) get(block bool, timeout time.Duration, peek bool) (T, error) {
	var zero T
	var expired <-chan time.Time
	if block && timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	q.getMu.Lock()
	defer q.getMu.Unlock()

	for q.isEmpty() {
		if !block {
			return zero, ErrEmpty
		}
		q.getMu.Unlock()
		select {
		case <-q.notEmpty:
		case <-expired:
			q.getMu.Lock()
			return zero, ErrTimeout
		}
		q.getMu.Lock()
	}

	h := q.head.Load()
	item := q.slots[h]
	if peek {
		return item, nil
	}
	q.slots[h] = zero // release the reference before freeing the slot
	q.head.Store((h + 1) % q.nSlots())
	q.size.Add(-1)
	atomic.AddInt64(&q.metrics.Processed, 1)
	wake(q.notFull)
	if !q.isEmpty() {
		wake(q.notEmpty) // cascade, mirrors Put
	}
	return item, nil
}

// Drop discards up to n oldest items and returns the count discarded.
// Used by the transport reader to shed backlog under overload instead of
// blocking the link layer.
func (q *Queue[T]) Drop(n int) int {
	if n <= 0 {
		return 0
	}
	q.putMu.Lock()
	defer q.putMu.Unlock()
	q.getMu.Lock()
	defer q.getMu.Unlock()

	var zero T
	dropped := 0
	h := q.head.Load()
	for dropped < n && h != q.tail.Load() {
		q.slots[h] = zero
		h = (h + 1) % q.nSlots()
		dropped++
	}
	if dropped > 0 {
		q.head.Store(h)
		q.size.Add(int64(-dropped))
		atomic.AddInt64(&q.metrics.Dropped, int64(dropped))
		wake(q.notFull)
	}
	return dropped
}

// Recapacity resizes the queue to the given logical capacity, preserving
// FIFO order of everything queued. Fails with ErrBadCapacity when the new
// capacity is smaller than the current occupancy.
func (q *Queue[T]) Recapacity(capacity int) error {
	if capacity <= 0 {
		return ErrBadCapacity
	}
	q.putMu.Lock()
	defer q.putMu.Unlock()
	q.getMu.Lock()
	defer q.getMu.Unlock()

	used := q.occupied()
	if uint64(capacity) < used {
		return ErrBadCapacity
	}

	slots := make([]T, capacity+1)
	h := q.head.Load()
	for i := uint64(0); i < used; i++ {
		slots[i] = q.slots[(h+i)%q.nSlots()]
	}
	q.slots = slots
	q.head.Store(0)
	q.tail.Store(used)
	wake(q.notFull)
	return nil
}

// Clear empties the queue unconditionally.
func (q *Queue[T]) Clear() {
	q.putMu.Lock()
	defer q.putMu.Unlock()
	q.getMu.Lock()
	defer q.getMu.Unlock()

	var zero T
	for i := range q.slots {
		q.slots[i] = zero
	}
	q.head.Store(0)
	q.tail.Store(0)
	q.size.Store(0)
	wake(q.notFull)
}

// occupied computes exact occupancy from the cursors. Callers must hold
// both locks; this is the authoritative count, unlike size.
func (q *Queue[T]) occupied() uint64 {
	n := q.nSlots()
	return (q.tail.Load() + n - q.head.Load()) % n
}

// Len returns the approximate number of queued items. The value is exact
// when no operation is concurrently in flight.
func (q *Queue[T]) Len() int { return int(q.size.Load()) }

// Cap returns the logical capacity.
func (q *Queue[T]) Cap() int {
	q.putMu.Lock()
	defer q.putMu.Unlock()
	q.getMu.Lock()
	defer q.getMu.Unlock()
	return len(q.slots) - 1
}

// GetMetrics returns a snapshot of the activity counters.
func (q *Queue[T]) GetMetrics() Metrics {
	return Metrics{
		Written:   atomic.LoadInt64(&q.metrics.Written),
		Processed: atomic.LoadInt64(&q.metrics.Processed),
		Dropped:   atomic.LoadInt64(&q.metrics.Dropped),
	}
}
