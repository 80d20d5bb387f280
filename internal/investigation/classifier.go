package investigation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/guardian/internal/resilient"
	"github.com/linnemanlabs/guardian/internal/triage"
)

// ErrClassificationParse is returned when reasoning output fails schema
// validation. It is never retried.
var ErrClassificationParse = errors.New("classification parse error")

// FallbackSummary is the reasoning summary of every rule-based classification.
const FallbackSummary = "reasoning fallback: external service unavailable"

const (
	serviceReasoning    = "reasoning"
	reasoningMaxTokens  = 512
	maxReasoningPayload = 8 * 1024
)

var schemaValidate = validator.New()

const reasoningSystemPromptFormat = `You are a diabetes management assistant. Follow these guidelines strictly:
1. Hypoglycemia levels: Level 1 (3.0-3.9 mmol/L), Level 2 (<3.0), Level 3 (<2.8 with symptoms).
2. Safe pre-exercise glucose range for intense exercise: %s-%s mmol/L.
3. Your role is prevention, not diagnosis.
4. Respond with exactly this JSON object and nothing else:
{"risk_level": "LOW" | "MEDIUM" | "HIGH", "reasoning_summary": "...", "intervention_action": "NO_ACTION" | "SOFT_REMIND" | "STRONG_ALERT"}`

// ClassifierConfig holds the glucose levels the classifier reasons with.
type ClassifierConfig struct {
	// RemindBelow is the glucose level under which the fallback rule reminds
	// a subject with an upcoming activity.
	RemindBelow float64
	// ExerciseSafeMin and ExerciseSafeMax bound the pre-exercise safe band
	// given to the reasoning provider.
	ExerciseSafeMin float64
	ExerciseSafeMax float64
}

// DefaultClassifierConfig returns the clinical defaults.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{RemindBelow: 5.6, ExerciseSafeMin: 5.6, ExerciseSafeMax: 10.0}
}

func reasoningSystemPrompt(cfg ClassifierConfig) string {
	return fmt.Sprintf(reasoningSystemPromptFormat, FormatGlucose(cfg.ExerciseSafeMin), FormatGlucose(cfg.ExerciseSafeMax))
}

// ClassifierHooks are optional callbacks for instrumentation.
type ClassifierHooks struct {
	OnLLMCall func(inputTokens, outputTokens int, duration float64)
}

// Classifier asks the reasoning provider for a risk classification and falls
// back to a deterministic rule when the provider or its output fails.
type Classifier struct {
	provider         Provider
	caller           *resilient.Caller
	logger           log.Logger
	hooks            ClassifierHooks
	remindBelowLevel float64
	system           string
}

// NewClassifier creates a Classifier. A nil provider always uses the
// fallback rule.
func NewClassifier(provider Provider, caller *resilient.Caller, cfg ClassifierConfig, logger log.Logger, hooks ClassifierHooks) *Classifier {
	if caller == nil {
		panic(xerrors.New("classifier requires a resilient caller"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Classifier{
		provider:         provider,
		caller:           caller,
		logger:           logger,
		hooks:            hooks,
		remindBelowLevel: cfg.RemindBelow,
		system:           reasoningSystemPrompt(cfg),
	}
}

// Classify returns a validated classification. It never fails.
func (c *Classifier) Classify(ctx context.Context, st *State) *Classification {
	L := c.logger.With("task_id", st.Task.ID, "subject_id", st.Task.SubjectID)

	if c.provider == nil {
		return Fallback(st.Task.CurrentGlucose, st.UpcomingActivity(), c.remindBelowLevel)
	}

	prompt := buildReasoningPrompt(st)
	cl, err := resilient.Do(ctx, c.caller, serviceReasoning, func(ctx context.Context) (*Classification, error) {
		start := time.Now()
		resp, err := c.provider.Send(ctx, &LLMRequest{
			MaxTokens: reasoningMaxTokens,
			System:    c.system,
			Messages:  userMessage(prompt),
		})
		if err != nil {
			return nil, err
		}
		if c.hooks.OnLLMCall != nil {
			c.hooks.OnLLMCall(resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start).Seconds())
		}
		cl, err := ParseClassification(resp.Text())
		if err != nil {
			return nil, resilient.Permanent(err)
		}
		return cl, nil
	})
	if err != nil {
		L.Warn(ctx, "reasoning unavailable, using fallback rule", "error", err)
		c.caller.Degrade(ctx, serviceReasoning, err, map[string]any{
			"task_id": st.Task.ID,
			"prompt":  prompt,
		})
		return Fallback(st.Task.CurrentGlucose, st.UpcomingActivity(), c.remindBelowLevel)
	}

	L.Info(ctx, "classification complete",
		"risk_level", cl.RiskLevel,
		"intervention_action", cl.InterventionAction,
	)
	return cl
}

// Fallback is the total, deterministic rule used when reasoning fails.
func Fallback(glucose float64, upcoming *triage.UpcomingActivity, remindBelow float64) *Classification {
	if upcoming != nil && glucose < remindBelow {
		return &Classification{
			RiskLevel:          RiskMedium,
			ReasoningSummary:   FallbackSummary,
			InterventionAction: ActionSoftRemind,
			Source:             SourceFallback,
		}
	}
	return &Classification{
		RiskLevel:          RiskLow,
		ReasoningSummary:   FallbackSummary,
		InterventionAction: ActionNone,
		Source:             SourceFallback,
	}
}

// ParseClassification decodes and validates raw reasoning output. A single
// surrounding markdown code fence is tolerated; anything else outside the
// object, unknown fields, or out-of-schema values are rejected.
func ParseClassification(raw string) (*Classification, error) {
	s := strings.TrimSpace(raw)
	if len(s) > maxReasoningPayload {
		return nil, fmt.Errorf("%w: output too large (%d bytes)", ErrClassificationParse, len(s))
	}
	s = stripFence(s)

	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.DisallowUnknownFields()

	var cl Classification
	if err := dec.Decode(&cl); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClassificationParse, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after object", ErrClassificationParse)
	}
	if cl.Source != "" {
		return nil, fmt.Errorf("%w: unexpected field source", ErrClassificationParse)
	}
	if err := schemaValidate.Struct(&cl); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClassificationParse, err)
	}
	cl.Source = SourceReasoning
	return &cl, nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	s = strings.TrimPrefix(s, "json")
	return strings.TrimSpace(s)
}

func buildReasoningPrompt(st *State) string {
	t := st.Task
	var b strings.Builder
	fmt.Fprintf(&b, "Current glucose: %.1f mmol/L\n", t.CurrentGlucose)
	fmt.Fprintf(&b, "Current heart rate: %d bpm\n", t.CurrentHeartRate)
	fmt.Fprintf(&b, "Trigger type: %s\n", t.TriggerType)
	if t.ContextNotes != "" {
		fmt.Fprintf(&b, "Trigger notes: %s\n", t.ContextNotes)
	}
	if g := st.Gathered; g != nil {
		fmt.Fprintf(&b, "Location: %s\n", g.Location.SemanticLocation)
		if n := len(g.GlucoseHistory); n > 0 {
			hist, _ := json.Marshal(g.GlucoseHistory)
			fmt.Fprintf(&b, "24h glucose history (%d records): %s\n", n, hist)
		}
		if len(g.RecentExerciseDrops) > 0 {
			fmt.Fprintf(&b, "Recent exercise glucose drops: %v\n", g.RecentExerciseDrops)
		}
	}
	if a := st.UpcomingActivity(); a != nil {
		fmt.Fprintf(&b, "Upcoming activity: %s, probability=%.2f, expected start %02d:00, avg glucose drop=%.1f mmol/L\n",
			a.Type, a.Probability, a.ExpectedStartHour, a.AvgGlucoseDrop)
	}
	return b.String()
}
