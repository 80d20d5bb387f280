package triage

import (
	"context"
	"errors"
	"sync"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/guardian/internal/telemetry"
)

// ErrDispatcherStopped is returned by Submit after Stop has been called.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Dispatcher routes readings to single-writer shard goroutines so that
// readings for one subject are processed one at a time in arrival order
// while different subjects proceed in parallel.
type Dispatcher struct {
	svc    *Service
	logger log.Logger
	queues []chan telemetry.Reading

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given number of shards, each
// buffering up to depth readings.
func NewDispatcher(svc *Service, shards, depth int, logger log.Logger) *Dispatcher {
	if shards <= 0 {
		shards = DefaultShards
	}
	if depth < 0 {
		depth = 0
	}
	if logger == nil {
		logger = log.Nop()
	}
	d := &Dispatcher{
		svc:    svc,
		logger: logger,
		queues: make([]chan telemetry.Reading, shards),
	}
	for i := range d.queues {
		d.queues[i] = make(chan telemetry.Reading, depth)
	}
	return d
}

// Start launches one worker per shard. Workers process with ctx detached
// from cancellation so that Stop can drain buffered readings.
func (d *Dispatcher) Start(ctx context.Context) {
	wctx := context.WithoutCancel(ctx)
	for i, q := range d.queues {
		d.wg.Add(1)
		go d.work(wctx, i, q)
	}
}

func (d *Dispatcher) work(ctx context.Context, shard int, q <-chan telemetry.Reading) {
	defer d.wg.Done()
	for r := range q {
		if _, err := d.svc.Process(ctx, r); err != nil {
			d.logger.Warn(ctx, "reading rejected", "shard", shard, "subject_id", r.SubjectID, "error", err)
		}
	}
}

// Submit validates r and hands it to its subject's shard. It blocks while
// the shard buffer is full, until ctx is done.
func (d *Dispatcher) Submit(ctx context.Context, r telemetry.Reading) error {
	if err := r.Validate(); err != nil {
		if d.svc.hooks.OnRejected != nil {
			d.svc.hooks.OnRejected()
		}
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}

	select {
	case d.queues[ShardFor(r.SubjectID, len(d.queues))] <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new submissions and waits for buffered readings to be
// processed or for ctx to expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		for _, q := range d.queues {
			close(q)
		}
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
