package investigation

import (
	"errors"
	"fmt"

	"github.com/linnemanlabs/guardian/internal/triage"
)

// ErrFieldOverwrite is returned by Merge when a delta targets a record that
// another stage already wrote.
var ErrFieldOverwrite = errors.New("state field already set")

// GatherResult is owned by the investigating phase.
type GatherResult struct {
	Location            LocationContext          `json:"location"`
	GlucoseHistory      []GlucosePoint           `json:"glucose_history_24h"`
	UpcomingActivity    *triage.UpcomingActivity `json:"upcoming_activity,omitempty"`
	RecentExerciseDrops []float64                `json:"recent_exercise_drops"`
	Degraded            []string                 `json:"degraded,omitempty"`
}

// Classification is owned by the reflecting phase.
type Classification struct {
	RiskLevel          RiskLevel `json:"risk_level" validate:"required,oneof=LOW MEDIUM HIGH"`
	ReasoningSummary   string    `json:"reasoning_summary" validate:"required,max=2000"`
	InterventionAction Action    `json:"intervention_action" validate:"required,oneof=NO_ACTION SOFT_REMIND STRONG_ALERT"`
	Source             Source    `json:"source,omitempty" validate:"-"`
}

// CommunicationResult is owned by the communicating phase.
type CommunicationResult struct {
	MessageToUser    string `json:"message_to_user"`
	NotificationSent bool   `json:"notification_sent"`
	RecordID         string `json:"record_id,omitempty"`
}

// State is the accumulating result of one investigation. A nil record has
// not been produced yet.
type State struct {
	Task           triage.InvestigationTask `json:"task"`
	Gathered       *GatherResult            `json:"gathered,omitempty"`
	Classification *Classification          `json:"classification,omitempty"`
	Communication  *CommunicationResult     `json:"communication,omitempty"`
}

// Delta is a stage's partial update. Each stage sets only its own record.
type Delta struct {
	Gathered       *GatherResult
	Classification *Classification
	Communication  *CommunicationResult
}

// NewState starts an investigation for task.
func NewState(task triage.InvestigationTask) *State {
	return &State{Task: task}
}

// Merge applies d additively. It never overwrites a record already present
// and leaves s untouched on error.
func (s *State) Merge(d Delta) error {
	if d.Gathered != nil && s.Gathered != nil {
		return fmt.Errorf("%w: gathered", ErrFieldOverwrite)
	}
	if d.Classification != nil && s.Classification != nil {
		return fmt.Errorf("%w: classification", ErrFieldOverwrite)
	}
	if d.Communication != nil && s.Communication != nil {
		return fmt.Errorf("%w: communication", ErrFieldOverwrite)
	}
	if d.Gathered != nil {
		s.Gathered = d.Gathered
	}
	if d.Classification != nil {
		s.Classification = d.Classification
	}
	if d.Communication != nil {
		s.Communication = d.Communication
	}
	return nil
}

// UpcomingActivity is the gathered activity once context has been gathered,
// nil included, and the activity the trigger matched before that.
func (s *State) UpcomingActivity() *triage.UpcomingActivity {
	if s.Gathered != nil {
		return s.Gathered.UpcomingActivity
	}
	return s.Task.UpcomingActivity
}

// Phase is a node of the investigation state machine.
type Phase string

const (
	PhaseInvestigating Phase = "investigating"
	PhaseReflecting    Phase = "reflecting"
	PhaseCommunicating Phase = "communicating"
	PhaseDone          Phase = "done"
)

// Next is the transition function. It is total and acyclic: every phase
// reaches PhaseDone in at most three steps.
func Next(p Phase, c *Classification) Phase {
	switch p {
	case PhaseInvestigating:
		return PhaseReflecting
	case PhaseReflecting:
		if c != nil && c.InterventionAction != ActionNone {
			return PhaseCommunicating
		}
		return PhaseDone
	default:
		return PhaseDone
	}
}
