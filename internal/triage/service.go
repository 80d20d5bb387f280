package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/guardian/internal/resilient"
	"github.com/linnemanlabs/guardian/internal/telemetry"
)

// Hooks are optional callbacks for instrumentation. Nil fields are skipped.
type Hooks struct {
	OnProcessed func(kind DecisionKind, trigger TriggerType, duration float64)
	OnRejected  func()
}

// Service is the intake boundary: it persists a reading, updates the
// subject's window, evaluates it, and raises an alert or enqueues a task.
// Callers must not process two readings of the same subject concurrently;
// Dispatcher guarantees that.
type Service struct {
	store     Store
	windows   *WindowStore
	evaluator *Evaluator
	alerter   Alerter
	queue     TaskQueue
	caller    *resilient.Caller
	writer    *resilient.Caller
	logger    log.Logger
	hooks     Hooks
}

// NewService creates a new triage service.
func NewService(store Store, windows *WindowStore, evaluator *Evaluator, alerter Alerter, queue TaskQueue, caller *resilient.Caller, logger log.Logger, hooks Hooks) *Service {
	if store == nil || windows == nil || evaluator == nil || queue == nil || caller == nil {
		panic(xerrors.New("triage service dependencies are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:     store,
		windows:   windows,
		evaluator: evaluator,
		alerter:   alerter,
		queue:     queue,
		caller:    caller,
		writer:    caller.WithPolicy(resilient.CriticalWritePolicy()),
		logger:    logger,
		hooks:     hooks,
	}
}

// Window returns a copy of the subject's current sliding window.
func (s *Service) Window(subjectID string) []telemetry.Reading {
	return s.windows.Snapshot(subjectID)
}

// Process runs one reading through the pipeline synchronously. It returns
// an error only for invalid readings; downstream failures are degraded and
// reported in the result.
func (s *Service) Process(ctx context.Context, r telemetry.Reading) (*ProcessResult, error) {
	if err := r.Validate(); err != nil {
		if s.hooks.OnRejected != nil {
			s.hooks.OnRejected()
		}
		return nil, err
	}

	start := time.Now()
	L := s.logger.With("subject_id", r.SubjectID)

	// read the previous persisted reading before appending this one
	var prev *time.Time
	if last, ok, err := s.store.LatestReadingBefore(ctx, r.SubjectID, r.RecordedAt); err != nil {
		L.Warn(ctx, "telemetry gap check skipped", "error", err)
		s.caller.Degrade(ctx, "reading_store", err, map[string]any{"user_id": r.SubjectID, "op": "latest_reading"})
	} else if ok {
		t := last.RecordedAt
		prev = &t
	}

	res := &ProcessResult{Persisted: true}
	if _, err := resilient.Do(ctx, s.writer, "reading_store", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.AppendReading(ctx, &r)
	}); err != nil {
		res.Persisted = false
		L.Error(ctx, fmt.Errorf("%w: %w", ErrPersistence, err), "failed to persist reading")
		s.caller.Degrade(ctx, "reading_store", err, r)
	}

	window := s.windows.Insert(r)

	profile, ok, err := s.store.GetProfile(ctx, r.SubjectID)
	if err != nil {
		L.Warn(ctx, "profile lookup failed, using default age", "error", err)
		profile = nil
	} else if !ok {
		profile = nil
	}

	patterns, err := s.store.ActivityPatterns(ctx, r.SubjectID, telemetry.Weekday(r.RecordedAt))
	if err != nil {
		L.Warn(ctx, "activity pattern lookup failed", "error", err)
		patterns = nil
	}

	d := s.evaluator.Evaluate(Input{
		Reading:        r,
		Profile:        profile,
		Window:         window,
		Patterns:       patterns,
		PrevRecordedAt: prev,
	})
	res.Decision = d

	switch d.Kind {
	case DecisionHardAlert:
		res.AlertID = s.raiseAlert(ctx, r, d)
	case DecisionSoftInvestigate:
		res.TaskID = s.enqueue(ctx, r, d)
	}

	if s.hooks.OnProcessed != nil {
		s.hooks.OnProcessed(d.Kind, d.TriggerType, time.Since(start).Seconds())
	}
	return res, nil
}

func (s *Service) raiseAlert(ctx context.Context, r telemetry.Reading, d Decision) string {
	a := &Alert{
		ID:        ulid.Make().String(),
		SubjectID: r.SubjectID,
		Reason:    d.ReasonText(),
		Reading:   r,
		RaisedAt:  time.Now().UTC(),
	}
	s.logger.Warn(ctx, "hard trigger fired",
		"subject_id", r.SubjectID,
		"alert_id", a.ID,
		"reasons", a.Reason,
	)
	if s.alerter == nil {
		return a.ID
	}
	resilient.WithFallback(ctx, s.caller, "emergency_alert", a, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.alerter.Alert(ctx, a)
	}, struct{}{})
	return a.ID
}

func (s *Service) enqueue(ctx context.Context, r telemetry.Reading, d Decision) string {
	task := InvestigationTask{
		ID:               ulid.Make().String(),
		SubjectID:        r.SubjectID,
		TriggerType:      d.TriggerType,
		TriggerAt:        r.RecordedAt,
		CurrentGlucose:   r.GlucoseMmolL,
		CurrentHeartRate: r.HeartRate,
		Latitude:         r.Latitude,
		Longitude:        r.Longitude,
		ContextNotes:     d.ReasonText(),
	}
	if p := d.Activity; p != nil {
		task.UpcomingActivity = &UpcomingActivity{
			Type:              p.ActivityType,
			Probability:       p.Probability,
			ExpectedStartHour: p.HourOfDay,
			AvgGlucoseDrop:    p.AvgGlucoseDrop,
		}
	}

	if _, err := resilient.Do(ctx, s.writer, "task_queue", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.queue.Enqueue(ctx, task)
	}); err != nil {
		s.logger.Error(ctx, err, "failed to enqueue investigation task",
			"subject_id", r.SubjectID,
			"task_id", task.ID,
		)
		s.caller.Degrade(ctx, "task_queue", err, task)
		return ""
	}

	s.logger.Info(ctx, "investigation task enqueued",
		"subject_id", r.SubjectID,
		"task_id", task.ID,
		"trigger_type", task.TriggerType,
	)
	return task.ID
}
