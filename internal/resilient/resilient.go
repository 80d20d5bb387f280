// Package resilient wraps calls to external dependencies with a per-attempt
// timeout, bounded exponential retries, and a degraded fallback that is
// recorded for later review.
package resilient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

var (
	// ErrUpstreamTimeout means an attempt exceeded its per-call timeout.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstream means the dependency returned an error or a non-success status.
	ErrUpstream = errors.New("upstream error")
)

// Policy bounds a single logical call.
type Policy struct {
	Timeout         time.Duration // per attempt
	MaxAttempts     uint          // including the first
	InitialInterval time.Duration
	Multiplier      float64
}

// DefaultPolicy is used for tool and reasoning calls: 5s per attempt,
// two retries after 1s and 2s.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:         5 * time.Second,
		MaxAttempts:     3,
		InitialInterval: time.Second,
		Multiplier:      2,
	}
}

// CriticalWritePolicy retries a persistence write exactly once.
func CriticalWritePolicy() Policy {
	return Policy{
		Timeout:         5 * time.Second,
		MaxAttempts:     2,
		InitialInterval: 200 * time.Millisecond,
		Multiplier:      2,
	}
}

// Degradation is written once per logical call that fell back to its
// degraded value.
type Degradation struct {
	ID        string          `json:"id"`
	Service   string          `json:"service"`
	Message   string          `json:"error_msg"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// Recorder persists degradation records.
type Recorder interface {
	RecordDegradation(ctx context.Context, d *Degradation) error
}

// Hooks are optional callbacks for instrumentation. Nil fields are skipped.
type Hooks struct {
	OnAttempt  func(service string, err error, duration float64)
	OnDegraded func(service string)
}

// Caller applies a Policy to calls and records degradations.
type Caller struct {
	policy   Policy
	recorder Recorder
	logger   log.Logger
	hooks    Hooks
	now      func() time.Time
}

// New creates a Caller. A nil recorder only logs degradations.
func New(policy Policy, recorder Recorder, logger log.Logger, hooks Hooks) *Caller {
	if logger == nil {
		logger = log.Nop()
	}
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &Caller{
		policy:   policy,
		recorder: recorder,
		logger:   logger,
		hooks:    hooks,
		now:      time.Now,
	}
}

// WithPolicy returns a copy of c that uses p.
func (c *Caller) WithPolicy(p Policy) *Caller {
	cp := *c
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	cp.policy = p
	return &cp
}

// Permanent marks err as not worth retrying. Do returns it unwrapped after
// the first attempt.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op under the Caller's policy and returns the first success or the
// last error, classified as ErrUpstreamTimeout or ErrUpstream.
func Do[T any](ctx context.Context, c *Caller, service string, op func(ctx context.Context) (T, error)) (T, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.policy.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          c.policy.Multiplier,
		MaxInterval:         time.Minute,
	}
	b.Reset()

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
		defer cancel()

		start := time.Now()
		v, err := op(actx)
		if c.hooks.OnAttempt != nil {
			c.hooks.OnAttempt(service, err, time.Since(start).Seconds())
		}
		if err == nil {
			return v, nil
		}

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return v, err
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(ctx.Err())
		}
		return v, classify(actx, err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.policy.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn(ctx, "upstream call failed, retrying",
				"service", service,
				"attempt", attempt,
				"retry_in", next.String(),
				"error", err,
			)
		}),
	)
}

// WithFallback runs op via Do. When every attempt fails it logs, writes one
// Degradation carrying payload, and returns fallback with degraded = true.
func WithFallback[T any](ctx context.Context, c *Caller, service string, payload any, op func(ctx context.Context) (T, error), fallback T) (value T, degraded bool) {
	v, err := Do(ctx, c, service, op)
	if err == nil {
		return v, false
	}
	c.logger.Warn(ctx, "upstream call exhausted, using degraded value",
		"service", service,
		"error", err,
	)
	c.Degrade(ctx, service, err, payload)
	return fallback, true
}

// Degrade records a degradation for service. Recorder failures are logged
// and swallowed.
func (c *Caller) Degrade(ctx context.Context, service string, cause error, payload any) {
	if c.hooks.OnDegraded != nil {
		c.hooks.OnDegraded(service)
	}
	d := &Degradation{
		ID:        ulid.Make().String(),
		Service:   service,
		Message:   cause.Error(),
		Timestamp: c.now().UTC(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			d.Payload = raw
		}
	}
	if c.recorder == nil {
		return
	}
	// the caller's deadline may already be spent by the failed attempts
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.policy.Timeout)
	defer cancel()
	if err := c.recorder.RecordDegradation(wctx, d); err != nil {
		c.logger.Error(ctx, err, "failed to write degradation record", "service", service)
	}
}

func classify(attemptCtx context.Context, err error) error {
	if errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrUpstream) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstream, err)
}
