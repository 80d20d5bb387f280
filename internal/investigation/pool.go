package investigation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/guardian/internal/triage"
)

// ErrQueueClosed is returned by Dequeue once the queue has been closed and
// drained.
var ErrQueueClosed = errors.New("task queue closed")

// Delivery is one dequeued task. ID identifies the delivery to the queue for
// acknowledgement.
type Delivery struct {
	ID   string
	Task triage.InvestigationTask
}

// Queue is the consumer side of the investigation task queue. Tasks are
// acknowledged only after their investigation finished, so a crash
// mid-investigation leads to redelivery.
type Queue interface {
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
}

// Runner executes one investigation.
type Runner interface {
	Run(ctx context.Context, task triage.InvestigationTask) *Outcome
}

// Pool consumes tasks with a fixed number of workers.
type Pool struct {
	queue   Queue
	runner  Runner
	workers int
	logger  log.Logger
	retry   time.Duration
}

// NewPool creates a Pool with n workers.
func NewPool(q Queue, r Runner, n int, logger log.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Pool{queue: q, runner: r, workers: n, logger: logger, retry: time.Second}
}

// Run blocks until ctx is cancelled or the queue is closed. An investigation
// already in progress is allowed to finish before Run returns.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range p.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx, i)
		}()
	}
	wg.Wait()
}

func (p *Pool) work(ctx context.Context, id int) {
	L := p.logger.With("worker", id)
	for {
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			L.Warn(ctx, "dequeue failed", "error", err, "retry_in", p.retry.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.retry):
			}
			continue
		}
		if d == nil {
			continue
		}

		// shutdown must not abort an investigation halfway through its writes
		runCtx := context.WithoutCancel(ctx)
		out := p.runner.Run(runCtx, d.Task)
		if out.Status == StatusFailed {
			L.Warn(ctx, "investigation failed, acknowledging to avoid redelivery loop", "task_id", d.Task.ID)
		}
		if err := p.queue.Ack(runCtx, d); err != nil {
			L.Error(ctx, err, "failed to ack task", "task_id", d.Task.ID, "delivery_id", d.ID)
		}
	}
}
