package investigation

import (
	"encoding/json"
	"time"

	"github.com/linnemanlabs/guardian/internal/triage"
)

// RiskLevel is the classified risk of an investigated situation.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Action is the intervention chosen by the classifier.
type Action string

const (
	ActionNone        Action = "NO_ACTION"
	ActionSoftRemind  Action = "SOFT_REMIND"
	ActionStrongAlert Action = "STRONG_ALERT"
)

// Source records which path produced a Classification.
type Source string

const (
	SourceReasoning Source = "reasoning"
	SourceFallback  Source = "fallback"
)

// Status is the terminal status of an investigation.
type Status string

const (
	// StatusComplete means the workflow reached done with every record written
	StatusComplete Status = "complete"

	// StatusFailed means a critical write failed after retry
	StatusFailed Status = "failed"
)

// NearbyPlace is a known place near the subject.
type NearbyPlace struct {
	Name      string `json:"name"`
	DistanceM int    `json:"distance_m"`
	Type      string `json:"type"`
}

// LocationContext is the semantic description of where the subject is.
type LocationContext struct {
	SemanticLocation  string        `json:"semantic_location"`
	IsAtHome          bool          `json:"is_at_home"`
	NearbyKnownPlaces []NearbyPlace `json:"nearby_known_places"`
}

// GlucosePoint is one historical glucose sample.
type GlucosePoint struct {
	Time    time.Time `json:"time"`
	Glucose float64   `json:"glucose"`
}

// PatientContext is the subject's recent history.
type PatientContext struct {
	GlucoseHistory      []GlucosePoint           `json:"glucose_history_24h"`
	UpcomingActivity    *triage.UpcomingActivity `json:"upcoming_activity"`
	RecentExerciseDrops []float64                `json:"recent_exercise_drops"`
}

// InterventionRecord is the write-once log entry for a communicated
// investigation. ID equals the task ID so redelivered tasks do not log twice.
type InterventionRecord struct {
	ID               string             `json:"id"`
	SubjectID        string             `json:"user_id"`
	TriggeredAt      time.Time          `json:"triggered_at"`
	TriggerType      triage.TriggerType `json:"trigger_type"`
	DecisionSummary  json.RawMessage    `json:"agent_decision"`
	MessageSent      string             `json:"message_sent"`
	NotificationSent bool               `json:"notification_sent"`
	Acknowledged     bool               `json:"user_ack"`
	CreatedAt        time.Time          `json:"created_at"`
}
