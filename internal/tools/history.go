package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/linnemanlabs/guardian/internal/investigation"
	"github.com/linnemanlabs/guardian/internal/telemetry"
	"github.com/linnemanlabs/guardian/internal/triage"
)

const (
	NamePatientContext = "get_patient_context"

	historyWindow       = 24 * time.Hour
	historyLimit        = 1000
	recentDropsLimit    = 5
	lookaheadHours      = 2
	minActivityLikeness = 0.5
)

// HistorySource provides the stored history a patient context is built from.
type HistorySource interface {
	// ReadingsSince returns readings in [since, until], newest first.
	ReadingsSince(ctx context.Context, subjectID string, since, until time.Time, limit int) ([]telemetry.Reading, error)
	ActivityPatterns(ctx context.Context, subjectID string, dayOfWeek int) ([]telemetry.ActivityPattern, error)
	// RecentGlucoseDrops returns the most recently recorded pattern glucose drops.
	RecentGlucoseDrops(ctx context.Context, subjectID string, limit int) ([]float64, error)
}

// History builds a subject's recent history.
type History struct {
	source HistorySource
}

// NewHistory creates a History backed by source.
func NewHistory(source HistorySource) *History {
	return &History{source: source}
}

func (h *History) Name() string { return NamePatientContext }

// Execute decodes a historyRequest and returns the PatientContext. An
// unparseable reference time falls back to now.
func (h *History) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var in historyRequest
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	if in.SubjectID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidParams)
	}
	ref, err := time.Parse(time.RFC3339, in.ReferenceTime)
	if err != nil {
		ref = time.Now().UTC()
	}
	out, err := h.PatientContext(ctx, in.SubjectID, ref)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// PatientContext returns the 24h glucose history before ref (newest first),
// the most likely activity starting within the next two hours, and the most
// recent recorded exercise glucose drops.
func (h *History) PatientContext(ctx context.Context, subjectID string, ref time.Time) (*investigation.PatientContext, error) {
	readings, err := h.source.ReadingsSince(ctx, subjectID, ref.Add(-historyWindow), ref, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("readings: %w", err)
	}
	out := &investigation.PatientContext{
		GlucoseHistory:      make([]investigation.GlucosePoint, 0, len(readings)),
		RecentExerciseDrops: []float64{},
	}
	for _, r := range readings {
		out.GlucoseHistory = append(out.GlucoseHistory, investigation.GlucosePoint{Time: r.RecordedAt, Glucose: r.GlucoseMmolL})
	}

	patterns, err := h.source.ActivityPatterns(ctx, subjectID, telemetry.Weekday(ref))
	if err != nil {
		return nil, fmt.Errorf("activity patterns: %w", err)
	}
	out.UpcomingActivity = upcomingActivity(patterns, ref.Hour())

	drops, err := h.source.RecentGlucoseDrops(ctx, subjectID, recentDropsLimit)
	if err != nil {
		return nil, fmt.Errorf("glucose drops: %w", err)
	}
	if drops != nil {
		out.RecentExerciseDrops = drops
	}
	return out, nil
}

func upcomingActivity(patterns []telemetry.ActivityPattern, hour int) *triage.UpcomingActivity {
	end := min(hour+lookaheadHours, 23)
	candidates := make([]telemetry.ActivityPattern, 0, len(patterns))
	for _, p := range patterns {
		if p.HourOfDay >= hour && p.HourOfDay <= end && p.Probability >= minActivityLikeness {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Probability > candidates[j].Probability })
	best := candidates[0]
	return &triage.UpcomingActivity{
		Type:              best.ActivityType,
		Probability:       best.Probability,
		ExpectedStartHour: best.HourOfDay,
		AvgGlucoseDrop:    best.AvgGlucoseDrop,
	}
}

type historyRequest struct {
	SubjectID     string `json:"user_id"`
	ReferenceTime string `json:"reference_time"`
}
