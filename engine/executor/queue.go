package executor

import (
	"time"

	"github.com/mantisdb/partitiondb/wire"
)

// WorkQueue is the partition's single work-queue: many producers (the
// coordinator, the messenger, the procedure host re-enqueuing runnable
// fragments) feed it, and only the partition's own executor goroutine ever
// drains it. A buffered channel gives us the MPSC deque the main loop polls
// with a bounded timeout so it can still advance engine ticks while idle.
type WorkQueue struct {
	items chan wire.WorkItem
	stop  chan struct{}
}

// NewWorkQueue creates a queue with the given buffer depth.
func NewWorkQueue(capacity int) *WorkQueue {
	return &WorkQueue{
		items: make(chan wire.WorkItem, capacity),
		stop:  make(chan struct{}),
	}
}

// Enqueue pushes item onto the queue. Safe to call from any goroutine.
func (q *WorkQueue) Enqueue(item wire.WorkItem) {
	select {
	case q.items <- item:
	case <-q.stop:
	}
}

// Poll blocks for up to timeout waiting for an item, returning ok=false on
// timeout or after Shutdown. The main loop uses the timeout to bound how
// long it can go without advancing an engine tick.
func (q *WorkQueue) Poll(timeout time.Duration) (item wire.WorkItem, ok bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case item, open := <-q.items:
		if !open {
			return wire.WorkItem{}, false
		}
		return item, true
	case <-q.stop:
		return wire.WorkItem{}, false
	case <-t.C:
		return wire.WorkItem{}, false
	}
}

// Shutdown wakes any blocked Poll and causes future Enqueue/Poll calls to
// return immediately. It is idempotent.
func (q *WorkQueue) Shutdown() {
	select {
	case <-q.stop:
	default:
		close(q.stop)
	}
}
