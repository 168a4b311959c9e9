package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/quietwire/xmppbridge/internal/convert"
	"github.com/quietwire/xmppbridge/internal/metrics"
)

type queueItem[T any] struct {
	priority convert.Priority
	value    T
}

// boundedQueue is a capacity-bounded FIFO implementing the §4.E
// back-pressure policy: accept all below 70% occupancy, medium/high only
// between 70-90%, high only between 90-100%, reject everything at 100%.
// A queue configured with dropOldestLowOnFull additionally evicts the
// oldest low-priority entry when an offer arrives at 100% (the "incoming"
// queue's rule; outbound queues never evict on their own).
type boundedQueue[T any] struct {
	mu                  sync.Mutex
	items               []queueItem[T]
	capacity            int
	name                string
	dropOldestLowOnFull bool
	wake                chan struct{}
}

func newBoundedQueue[T any](name string, capacity int, dropOldestLowOnFull bool) *boundedQueue[T] {
	return &boundedQueue[T]{
		capacity:            capacity,
		name:                name,
		dropOldestLowOnFull: dropOldestLowOnFull,
		wake:                make(chan struct{}, 1),
	}
}

func (q *boundedQueue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Offer attempts to enqueue value at the given priority. ok is false when
// the back-pressure policy rejects the offer; reason is always
// "overloaded" in that case.
func (q *boundedQueue[T]) Offer(value T, priority convert.Priority) (ok bool, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	ratio := 0.0
	if q.capacity > 0 {
		ratio = float64(n) / float64(q.capacity)
	}

	switch {
	case ratio >= 1.0:
		q.dropOldestLowLocked()
		q.reportLocked()
		return false, "overloaded"
	case ratio >= 0.9:
		if priority != convert.PriorityHigh {
			q.reportLocked()
			return false, "overloaded"
		}
	case ratio >= 0.7:
		if priority == convert.PriorityLow {
			q.reportLocked()
			return false, "overloaded"
		}
	}

	q.items = append(q.items, queueItem[T]{priority: priority, value: value})
	q.reportLocked()
	q.signal()
	return true, ""
}

// TryPop dequeues the oldest item without blocking.
func (q *boundedQueue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.reportLocked()
	return item.value, true
}

// waitPop dequeues the oldest item, blocking until one is available or ctx
// is done (in which case ok is false).
func (q *boundedQueue[T]) waitPop(ctx context.Context) (T, bool) {
	for {
		if item, ok := q.TryPop(); ok {
			return item, true
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, false
		case <-q.wake:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (q *boundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DrainAll removes and returns every queued item, oldest first.
func (q *boundedQueue[T]) DrainAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, len(q.items))
	for i, it := range q.items {
		out[i] = it.value
	}
	q.items = nil
	q.reportLocked()
	return out
}

func (q *boundedQueue[T]) dropOldestLowLocked() {
	if !q.dropOldestLowOnFull {
		return
	}
	for i, it := range q.items {
		if it.priority == convert.PriorityLow {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *boundedQueue[T]) reportLocked() {
	n := len(q.items)
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(n))
	if q.capacity > 0 {
		metrics.QueueUtilizationPercent.WithLabelValues(q.name).Set(float64(n) * 100 / float64(q.capacity))
	}
}
