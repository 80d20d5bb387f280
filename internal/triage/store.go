package triage

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/guardian/internal/telemetry"
)

// ErrPersistence wraps failed writes to the store.
var ErrPersistence = errors.New("persistence error")

// Store is the persistence interface the triage service reads and writes.
type Store interface {
	AppendReading(ctx context.Context, r *telemetry.Reading) error
	LatestReadingBefore(ctx context.Context, subjectID string, before time.Time) (*telemetry.Reading, bool, error)
	GetProfile(ctx context.Context, subjectID string) (*telemetry.SubjectProfile, bool, error)
	ActivityPatterns(ctx context.Context, subjectID string, dayOfWeek int) ([]telemetry.ActivityPattern, error)
}

// Alerter dispatches emergency alerts for hard triggers.
type Alerter interface {
	Alert(ctx context.Context, a *Alert) error
}

// TaskQueue accepts investigation tasks for asynchronous processing.
type TaskQueue interface {
	Enqueue(ctx context.Context, task InvestigationTask) error
}
