// Package memqueue provides an in-process investigation task queue. Tasks do
// not survive a restart. Suitable for dev/testing.
package memqueue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/linnemanlabs/guardian/internal/investigation"
	"github.com/linnemanlabs/guardian/internal/triage"
)

// ErrFull is returned by Enqueue when the buffer is full.
var ErrFull = errors.New("task queue full")

// Queue is a bounded FIFO of investigation tasks.
type Queue struct {
	ch      chan *investigation.Delivery
	seq     atomic.Uint64
	mu      sync.RWMutex
	closed  bool
	pending sync.Map // delivery ID -> task ID, until acked
}

// New creates a queue holding up to size tasks.
func New(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan *investigation.Delivery, size)}
}

// Enqueue adds a task without blocking.
func (q *Queue) Enqueue(_ context.Context, task triage.InvestigationTask) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return investigation.ErrQueueClosed
	}
	d := &investigation.Delivery{ID: strconv.FormatUint(q.seq.Add(1), 10), Task: task}
	select {
	case q.ch <- d:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue blocks until a task is available, ctx is done, or the queue has
// been closed and drained.
func (q *Queue) Dequeue(ctx context.Context) (*investigation.Delivery, error) {
	select {
	case d, ok := <-q.ch:
		if !ok {
			return nil, investigation.ErrQueueClosed
		}
		q.pending.Store(d.ID, d.Task.ID)
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack releases a delivery.
func (q *Queue) Ack(_ context.Context, d *investigation.Delivery) error {
	q.pending.Delete(d.ID)
	return nil
}

// Pending reports deliveries handed out but not yet acknowledged.
func (q *Queue) Pending() int {
	n := 0
	q.pending.Range(func(_, _ any) bool { n++; return true })
	return n
}

// Len reports tasks waiting to be dequeued.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting tasks. Tasks already queued are still delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
