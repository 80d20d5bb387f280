package investigation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/guardian/internal/triage"
)

const validClassification = `{"risk_level":"MEDIUM","reasoning_summary":"glucose 4.8 before gym, typical drop 1.8","intervention_action":"SOFT_REMIND"}`

func TestParseClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr bool
		want    Action
	}{
		{"plain object", validClassification, false, ActionSoftRemind},
		{"surrounding whitespace", "\n  " + validClassification + "\n", false, ActionSoftRemind},
		{"json fence", "```json\n" + validClassification + "\n```", false, ActionSoftRemind},
		{"bare fence", "```\n" + validClassification + "\n```", false, ActionSoftRemind},
		{"malformed", `{"risk_level":"MEDIUM",`, true, ""},
		{"prose", "I think the risk is medium.", true, ""},
		{"unknown field", `{"risk_level":"LOW","reasoning_summary":"x","intervention_action":"NO_ACTION","confidence":0.9}`, true, ""},
		{"source injected", `{"risk_level":"LOW","reasoning_summary":"x","intervention_action":"NO_ACTION","source":"fallback"}`, true, ""},
		{"bad risk enum", `{"risk_level":"CRITICAL","reasoning_summary":"x","intervention_action":"NO_ACTION"}`, true, ""},
		{"bad action enum", `{"risk_level":"LOW","reasoning_summary":"x","intervention_action":"CALL_DOCTOR"}`, true, ""},
		{"lowercase enum", `{"risk_level":"low","reasoning_summary":"x","intervention_action":"NO_ACTION"}`, true, ""},
		{"missing summary", `{"risk_level":"LOW","intervention_action":"NO_ACTION"}`, true, ""},
		{"trailing object", validClassification + validClassification, true, ""},
		{"trailing text", validClassification + " thanks", true, ""},
		{"too large", `{"risk_level":"LOW","reasoning_summary":"` + strings.Repeat("a", maxReasoningPayload) + `","intervention_action":"NO_ACTION"}`, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cl, err := ParseClassification(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrClassificationParse) {
					t.Fatalf("err = %v, want ErrClassificationParse", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cl.InterventionAction != tt.want {
				t.Errorf("action = %q, want %q", cl.InterventionAction, tt.want)
			}
			if cl.Source != SourceReasoning {
				t.Errorf("source = %q, want reasoning", cl.Source)
			}
		})
	}
}

func TestFallback(t *testing.T) {
	t.Parallel()

	gym := &triage.UpcomingActivity{Type: "gym_workout", ExpectedStartHour: 18}

	tests := []struct {
		name     string
		glucose  float64
		upcoming *triage.UpcomingActivity
		risk     RiskLevel
		action   Action
	}{
		{"activity and low buffer", 4.8, gym, RiskMedium, ActionSoftRemind},
		{"activity at threshold", 5.6, gym, RiskLow, ActionNone},
		{"activity and comfortable glucose", 7.2, gym, RiskLow, ActionNone},
		{"no activity", 4.2, nil, RiskLow, ActionNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Fallback(tt.glucose, tt.upcoming, 5.6)
			if c.RiskLevel != tt.risk || c.InterventionAction != tt.action {
				t.Errorf("got %s/%s, want %s/%s", c.RiskLevel, c.InterventionAction, tt.risk, tt.action)
			}
			if c.Source != SourceFallback {
				t.Errorf("source = %q", c.Source)
			}
			if c.ReasoningSummary != FallbackSummary {
				t.Errorf("summary = %q", c.ReasoningSummary)
			}
			if err := schemaValidate.Struct(c); err != nil {
				t.Errorf("fallback does not satisfy schema: %v", err)
			}
		})
	}
}

func TestClassify_ReasoningSuccess(t *testing.T) {
	t.Parallel()

	rec := &mockRecorder{}
	p := &mockProvider{responses: []*LLMResponse{textResponse(validClassification)}}

	var in, out int
	c := NewClassifier(p, newCaller(rec), DefaultClassifierConfig(), log.Nop(), ClassifierHooks{
		OnLLMCall: func(i, o int, _ float64) { in, out = i, o },
	})

	st := NewState(scenarioATask())
	cl := c.Classify(context.Background(), st)

	if cl.Source != SourceReasoning || cl.RiskLevel != RiskMedium {
		t.Errorf("classification = %+v", cl)
	}
	if rec.total() != 0 {
		t.Errorf("degradations = %d, want 0", rec.total())
	}
	if in != 120 || out != 40 {
		t.Errorf("hook tokens = %d/%d", in, out)
	}
	req := p.requests[0]
	if req.MaxTokens != reasoningMaxTokens {
		t.Errorf("max tokens = %d", req.MaxTokens)
	}
	prompt := req.Messages[0].Content[0].Text
	for _, want := range []string{"4.8", "gym_workout", "18:00"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestClassify_SystemPromptUsesConfiguredBand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  ClassifierConfig
		want string
	}{
		{"defaults", DefaultClassifierConfig(), "5.6-10.0 mmol/L"},
		{"tightened", ClassifierConfig{RemindBelow: 6.0, ExerciseSafeMin: 6.0, ExerciseSafeMax: 9.5}, "6.0-9.5 mmol/L"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := &mockProvider{responses: []*LLMResponse{textResponse(validClassification)}}
			c := NewClassifier(p, newCaller(&mockRecorder{}), tt.cfg, log.Nop(), ClassifierHooks{})
			c.Classify(context.Background(), NewState(scenarioATask()))

			if p.callCount() != 1 {
				t.Fatalf("provider calls = %d, want 1", p.callCount())
			}
			if sys := p.requests[0].System; !strings.Contains(sys, tt.want) {
				t.Errorf("system prompt missing %q:\n%s", tt.want, sys)
			}
		})
	}
}

func TestClassify_FallbackUsesConfiguredRemindLevel(t *testing.T) {
	t.Parallel()

	cfg := DefaultClassifierConfig()
	cfg.RemindBelow = 4.5
	c := NewClassifier(nil, newCaller(&mockRecorder{}), cfg, log.Nop(), ClassifierHooks{})

	// 4.8 reminds under the 5.6 default but not under 4.5
	cl := c.Classify(context.Background(), NewState(scenarioATask()))
	if cl.InterventionAction != ActionNone {
		t.Errorf("action = %s, want %s", cl.InterventionAction, ActionNone)
	}
}

// A reasoning service that never answers exhausts its retries and falls back
// with exactly one degradation record.
func TestClassify_TimeoutFallsBack(t *testing.T) {
	t.Parallel()

	rec := &mockRecorder{}
	p := &mockProvider{hang: true}
	c := NewClassifier(p, newCaller(rec), DefaultClassifierConfig(), log.Nop(), ClassifierHooks{})

	cl := c.Classify(context.Background(), NewState(scenarioATask()))

	if cl.Source != SourceFallback {
		t.Fatalf("source = %q, want fallback", cl.Source)
	}
	if cl.RiskLevel != RiskMedium || cl.InterventionAction != ActionSoftRemind {
		t.Errorf("got %s/%s, want MEDIUM/SOFT_REMIND", cl.RiskLevel, cl.InterventionAction)
	}
	if p.callCount() != 3 {
		t.Errorf("attempts = %d, want 3", p.callCount())
	}
	if got := rec.byService(serviceReasoning); got != 1 {
		t.Errorf("reasoning degradations = %d, want 1", got)
	}
	if !strings.Contains(rec.records[0].Message, "timeout") {
		t.Errorf("degradation message = %q, want timeout", rec.records[0].Message)
	}
}

func TestClassify_ParseErrorNotRetried(t *testing.T) {
	t.Parallel()

	rec := &mockRecorder{}
	p := &mockProvider{responses: []*LLMResponse{textResponse(`{"risk_level":"SEVERE"}`)}}
	c := NewClassifier(p, newCaller(rec), DefaultClassifierConfig(), log.Nop(), ClassifierHooks{})

	cl := c.Classify(context.Background(), NewState(scenarioATask()))

	if cl.Source != SourceFallback {
		t.Errorf("source = %q, want fallback", cl.Source)
	}
	if p.callCount() != 1 {
		t.Errorf("attempts = %d, want 1", p.callCount())
	}
	if rec.total() != 1 {
		t.Errorf("degradations = %d, want 1", rec.total())
	}
}

func TestClassify_TransientErrorRetried(t *testing.T) {
	t.Parallel()

	rec := &mockRecorder{}
	p := &mockProvider{
		errs:      []error{errBoom, nil},
		responses: []*LLMResponse{nil, textResponse(validClassification)},
	}
	c := NewClassifier(p, newCaller(rec), DefaultClassifierConfig(), log.Nop(), ClassifierHooks{})

	cl := c.Classify(context.Background(), NewState(scenarioATask()))

	if cl.Source != SourceReasoning {
		t.Errorf("source = %q, want reasoning", cl.Source)
	}
	if p.callCount() != 2 {
		t.Errorf("attempts = %d, want 2", p.callCount())
	}
	if rec.total() != 0 {
		t.Errorf("degradations = %d, want 0", rec.total())
	}
}

func TestClassify_NilProviderUsesRule(t *testing.T) {
	t.Parallel()

	rec := &mockRecorder{}
	c := NewClassifier(nil, newCaller(rec), DefaultClassifierConfig(), log.Nop(), ClassifierHooks{})
	task := scenarioATask()
	task.UpcomingActivity = nil

	cl := c.Classify(context.Background(), NewState(task))
	if cl.InterventionAction != ActionNone || cl.Source != SourceFallback {
		t.Errorf("classification = %+v", cl)
	}
	if rec.total() != 0 {
		t.Errorf("unconfigured reasoning should not record degradations, got %d", rec.total())
	}
}
