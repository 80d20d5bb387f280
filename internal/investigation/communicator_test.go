package investigation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/guardian/internal/triage"
)

func classifiedState(risk RiskLevel, action Action) *State {
	st := NewState(scenarioATask())
	st.Gathered = &GatherResult{Location: *officeLocation(), UpcomingActivity: st.Task.UpcomingActivity}
	st.Classification = &Classification{
		RiskLevel:          risk,
		ReasoningSummary:   "test",
		InterventionAction: action,
		Source:             SourceReasoning,
	}
	return st
}

func TestTemplateMessage(t *testing.T) {
	t.Parallel()

	gym := &triage.UpcomingActivity{Type: "gym_workout", ExpectedStartHour: 18}

	tests := []struct {
		name       string
		glucose    float64
		risk       RiskLevel
		upcoming   *triage.UpcomingActivity
		wantParts  []string
		wantUrgent bool
	}{
		{"medium with activity", 4.8, RiskMedium, gym, []string{"4.8", "gym workout", "18:00"}, false},
		{"low without activity", 5.0, RiskLow, nil, []string{"5.0"}, false},
		{"high is urgent", 4.1, RiskHigh, gym, []string{"4.1", "gym workout"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg := TemplateMessage(tt.glucose, tt.risk, tt.upcoming)
			for _, p := range tt.wantParts {
				if !strings.Contains(msg, p) {
					t.Errorf("message %q missing %q", msg, p)
				}
			}
			if got := strings.Contains(strings.ToLower(msg), "urgent"); got != tt.wantUrgent {
				t.Errorf("urgent wording = %v, want %v: %q", got, tt.wantUrgent, msg)
			}
			if len(msg) > maxMessageLen {
				t.Errorf("message too long: %d", len(msg))
			}
			if err := checkMessage(msg, tt.glucose, tt.risk); err != nil {
				t.Errorf("template fails its own checks: %v", err)
			}
		})
	}
}

func TestCommunicate_SendsAndRecords(t *testing.T) {
	t.Parallel()

	rec := &mockRecorder{}
	n := &mockNotifier{}
	store := newMockInterventions()
	c := NewCommunicator(n, store, nil, newCaller(rec), log.Nop())

	res, err := c.Communicate(context.Background(), classifiedState(RiskMedium, ActionSoftRemind))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.NotificationSent {
		t.Error("notification should be sent")
	}
	if res.RecordID != "task-a" {
		t.Errorf("record id = %q, want task-a", res.RecordID)
	}
	if len(n.sent) != 1 || n.sent[0].Urgent {
		t.Fatalf("sent = %+v", n.sent)
	}
	r := store.records["task-a"]
	if r == nil {
		t.Fatal("intervention record not written")
	}
	if r.TriggerType != triage.TriggerPreExerciseBuffer || r.Acknowledged {
		t.Errorf("record = %+v", r)
	}
	if !strings.Contains(string(r.DecisionSummary), `"risk_level":"MEDIUM"`) {
		t.Errorf("decision = %s", r.DecisionSummary)
	}
	if r.MessageSent != res.MessageToUser {
		t.Errorf("record message %q != result message %q", r.MessageSent, res.MessageToUser)
	}
}

func TestCommunicate_NotifyFailureStillRecords(t *testing.T) {
	t.Parallel()

	rec := &mockRecorder{}
	store := newMockInterventions()
	c := NewCommunicator(&mockNotifier{err: errBoom}, store, nil, newCaller(rec), log.Nop())

	res, err := c.Communicate(context.Background(), classifiedState(RiskMedium, ActionSoftRemind))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.NotificationSent {
		t.Error("notification_sent should be false")
	}
	if r := store.records["task-a"]; r == nil || r.NotificationSent {
		t.Errorf("record = %+v", r)
	}
	if got := rec.byService(serviceNotification); got != 1 {
		t.Errorf("notification degradations = %d, want 1", got)
	}
}

func TestCommunicate_RecordFailureIsPersistenceError(t *testing.T) {
	t.Parallel()

	rec := &mockRecorder{}
	store := newMockInterventions()
	store.err = errBoom
	c := NewCommunicator(&mockNotifier{}, store, nil, newCaller(rec), log.Nop())

	_, err := c.Communicate(context.Background(), classifiedState(RiskMedium, ActionSoftRemind))
	if !errors.Is(err, triage.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if store.puts != 2 {
		t.Errorf("write attempts = %d, want 2", store.puts)
	}
	if got := rec.byService(serviceIntervention); got != 1 {
		t.Errorf("intervention degradations = %d, want 1", got)
	}
}

func TestCommunicate_ComposerOutputChecked(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		risk         RiskLevel
		composed     string
		wantComposed bool
	}{
		{"accepted", RiskMedium, "Glucose is 4.8 mmol/L with gym soon. Grab a small snack first.", true},
		{"missing glucose", RiskMedium, "Grab a small snack before the gym.", false},
		{"urgent below high", RiskMedium, "URGENT: glucose 4.8, eat now.", false},
		{"urgent at high", RiskHigh, "Urgent: glucose 4.8 and falling. Take fast carbs now.", true},
		{"too long", RiskMedium, "4.8 " + strings.Repeat("x", maxMessageLen), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := &mockRecorder{}
			composer := &mockProvider{responses: []*LLMResponse{textResponse(tt.composed)}}
			c := NewCommunicator(&mockNotifier{}, newMockInterventions(), composer, newCaller(rec), log.Nop())

			st := classifiedState(tt.risk, ActionSoftRemind)
			res, err := c.Communicate(context.Background(), st)
			if err != nil {
				t.Fatal(err)
			}
			if got := res.MessageToUser == tt.composed; got != tt.wantComposed {
				t.Errorf("composed used = %v, want %v (message %q)", got, tt.wantComposed, res.MessageToUser)
			}
			if !tt.wantComposed {
				tmpl := TemplateMessage(4.8, tt.risk, st.UpcomingActivity())
				if res.MessageToUser != tmpl {
					t.Errorf("message = %q, want template %q", res.MessageToUser, tmpl)
				}
				if composer.callCount() != 1 {
					t.Errorf("composer attempts = %d, want 1", composer.callCount())
				}
				if got := rec.byService(serviceComposer); got != 1 {
					t.Errorf("composer degradations = %d, want 1", got)
				}
			}
			if composer.requests[0].MaxTokens != composerMaxTokens {
				t.Errorf("composer max tokens = %d", composer.requests[0].MaxTokens)
			}
		})
	}
}
