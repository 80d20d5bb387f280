package triage

import (
	"time"

	"github.com/linnemanlabs/guardian/internal/telemetry"
)

// DecisionKind is the outcome class of a single evaluation.
type DecisionKind string

const (
	// DecisionNone means no trigger fired
	DecisionNone DecisionKind = "none"

	// DecisionHardAlert means an immediate safety alert is required
	DecisionHardAlert DecisionKind = "hard_alert"

	// DecisionSoftInvestigate means an investigation task should be enqueued
	DecisionSoftInvestigate DecisionKind = "soft_investigate"
)

// TriggerType names the soft rule that produced an investigation.
type TriggerType string

const (
	TriggerDeclineSlope      TriggerType = "SOFT_GLUCOSE_DECLINE_SLOPE"
	TriggerPreExerciseBuffer TriggerType = "SOFT_PRE_EXERCISE_LOW_BUFFER"
)

// Decision is the result of Evaluator.Evaluate.
type Decision struct {
	Kind        DecisionKind               `json:"kind"`
	Reasons     []string                   `json:"reasons,omitempty"`
	TriggerType TriggerType                `json:"trigger_type,omitempty"`
	Slope       *float64                   `json:"slope,omitempty"`
	Activity    *telemetry.ActivityPattern `json:"activity,omitempty"`
}

// Alert is an immediate safety alert for a hard trigger.
type Alert struct {
	ID        string            `json:"id"`
	SubjectID string            `json:"subject_id"`
	Reason    string            `json:"reason"`
	Reading   telemetry.Reading `json:"reading"`
	RaisedAt  time.Time         `json:"raised_at"`
}

// UpcomingActivity is an activity expected to start soon.
type UpcomingActivity struct {
	Type              string  `json:"type"`
	Probability       float64 `json:"probability"`
	ExpectedStartHour int     `json:"expected_start_hour"`
	AvgGlucoseDrop    float64 `json:"avg_glucose_drop"`
}

// InvestigationTask is created once per soft trigger and handed to the
// investigation workers by value.
type InvestigationTask struct {
	ID               string            `json:"id"`
	SubjectID        string            `json:"user_id"`
	TriggerType      TriggerType       `json:"trigger_type"`
	TriggerAt        time.Time         `json:"trigger_at"`
	CurrentGlucose   float64           `json:"current_glucose"`
	CurrentHeartRate int               `json:"current_hr"`
	Latitude         float64           `json:"lat"`
	Longitude        float64           `json:"lng"`
	ContextNotes     string            `json:"context_notes"`
	UpcomingActivity *UpcomingActivity `json:"upcoming_activity,omitempty"`
}

// ProcessResult summarizes what happened to one reading.
type ProcessResult struct {
	Decision  Decision `json:"decision"`
	Persisted bool     `json:"persisted"`
	AlertID   string   `json:"alert_id,omitempty"`
	TaskID    string   `json:"task_id,omitempty"`
}
