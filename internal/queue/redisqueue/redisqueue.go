// Package redisqueue provides a durable investigation task queue on a Redis
// stream with a consumer group. Tasks are acknowledged after their
// investigation finished; entries left pending by a crashed consumer are
// reclaimed once idle.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/guardian/internal/investigation"
	"github.com/linnemanlabs/guardian/internal/triage"
)

const taskField = "task"

// Config names the stream and consumer.
type Config struct {
	Stream   string
	Group    string
	Consumer string

	// Block bounds a single read; reads return no delivery on timeout.
	Block time.Duration

	// MinIdle is how long an entry must be pending before another consumer
	// may claim it.
	MinIdle time.Duration

	// MaxLen caps the stream length; 0 leaves it unbounded.
	MaxLen int64
}

// Queue implements triage.TaskQueue and investigation.Queue.
type Queue struct {
	rdb    *redis.Client
	cfg    Config
	logger log.Logger

	mu        sync.Mutex
	cursor    string
	lastClaim time.Time
}

// New creates the consumer group (and stream) if needed and returns a Queue.
func New(ctx context.Context, rdb *redis.Client, cfg Config, logger log.Logger) (*Queue, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = 5 * time.Minute
	}
	err := rdb.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &Queue{rdb: rdb, cfg: cfg, logger: logger, cursor: "0-0"}, nil
}

// Enqueue appends task to the stream.
func (q *Queue) Enqueue(ctx context.Context, task triage.InvestigationTask) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{taskField: string(raw)},
	}
	if q.cfg.MaxLen > 0 {
		args.MaxLen = q.cfg.MaxLen
	}
	if err := q.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// Dequeue returns the next delivery. Stale pending entries are reclaimed
// before new ones are read. A nil delivery with a nil error means the read
// timed out.
func (q *Queue) Dequeue(ctx context.Context) (*investigation.Delivery, error) {
	if d, err := q.reclaim(ctx); d != nil || err != nil {
		return d, err
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    1,
		Block:    q.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return q.decode(ctx, streams[0].Messages[0])
}

func (q *Queue) reclaim(ctx context.Context) (*investigation.Delivery, error) {
	q.mu.Lock()
	if time.Since(q.lastClaim) < q.cfg.MinIdle/2 {
		q.mu.Unlock()
		return nil, nil
	}
	start := q.cursor
	q.mu.Unlock()

	msgs, next, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		MinIdle:  q.cfg.MinIdle,
		Start:    start,
		Count:    1,
		Consumer: q.cfg.Consumer,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}

	q.mu.Lock()
	q.cursor = next
	// a full scan ends with cursor 0-0; wait before scanning again
	if next == "0-0" || next == "" {
		q.cursor = "0-0"
		q.lastClaim = time.Now()
	}
	q.mu.Unlock()

	if len(msgs) == 0 {
		return nil, nil
	}
	q.logger.Warn(ctx, "reclaimed stale task", "entry_id", msgs[0].ID, "stream", q.cfg.Stream)
	return q.decode(ctx, msgs[0])
}

// decode acknowledges and drops entries that cannot be decoded so they are
// not redelivered forever.
func (q *Queue) decode(ctx context.Context, msg redis.XMessage) (*investigation.Delivery, error) {
	raw, _ := msg.Values[taskField].(string)
	var task triage.InvestigationTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil || task.ID == "" {
		q.logger.Warn(ctx, "dropping undecodable task entry", "entry_id", msg.ID, "error", err)
		if ackErr := q.rdb.XAck(ctx, q.cfg.Stream, q.cfg.Group, msg.ID).Err(); ackErr != nil {
			return nil, fmt.Errorf("xack poison entry: %w", ackErr)
		}
		return nil, nil
	}
	return &investigation.Delivery{ID: msg.ID, Task: task}, nil
}

// Ack marks a delivery as processed.
func (q *Queue) Ack(ctx context.Context, d *investigation.Delivery) error {
	if err := q.rdb.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.ID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// Pending reports entries delivered to the group but not yet acknowledged.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	p, err := q.rdb.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending: %w", err)
	}
	return p.Count, nil
}
