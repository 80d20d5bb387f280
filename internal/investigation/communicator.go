package investigation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/guardian/internal/resilient"
	"github.com/linnemanlabs/guardian/internal/triage"
)

const (
	serviceNotification = "notification"
	serviceComposer     = "composer"
	serviceIntervention = "intervention_store"

	composerMaxTokens = 256
	maxMessageLen     = 280
)

// Notification is a message dispatched to a subject.
type Notification struct {
	TaskID    string    `json:"task_id"`
	SubjectID string    `json:"user_id"`
	Message   string    `json:"message"`
	RiskLevel RiskLevel `json:"risk_level"`
	Urgent    bool      `json:"urgent"`
}

// Notifier delivers a notification to the subject.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// InterventionStore persists intervention records.
type InterventionStore interface {
	PutIntervention(ctx context.Context, rec *InterventionRecord) error
}

// Communicator composes the user message, dispatches it, and logs the
// intervention.
type Communicator struct {
	notifier Notifier
	store    InterventionStore
	composer Provider
	caller   *resilient.Caller
	writer   *resilient.Caller
	logger   log.Logger
	now      func() time.Time
}

// NewCommunicator creates a Communicator. composer may be nil, in which case
// the template message is always used.
func NewCommunicator(notifier Notifier, store InterventionStore, composer Provider, caller *resilient.Caller, logger log.Logger) *Communicator {
	if notifier == nil || store == nil || caller == nil {
		panic(xerrors.New("communicator dependencies are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Communicator{
		notifier: notifier,
		store:    store,
		composer: composer,
		caller:   caller,
		writer:   caller.WithPolicy(resilient.CriticalWritePolicy()),
		logger:   logger,
		now:      time.Now,
	}
}

// Communicate sends the message for a classified state and writes the
// InterventionRecord whether or not dispatch succeeded. It returns an error
// only when the record could not be written after retry.
func (c *Communicator) Communicate(ctx context.Context, st *State) (*CommunicationResult, error) {
	cl := st.Classification
	if cl == nil {
		return nil, xerrors.New("communicate called without classification")
	}
	L := c.logger.With("task_id", st.Task.ID, "subject_id", st.Task.SubjectID)

	msg := c.compose(ctx, st)
	n := &Notification{
		TaskID:    st.Task.ID,
		SubjectID: st.Task.SubjectID,
		Message:   msg,
		RiskLevel: cl.RiskLevel,
		Urgent:    cl.RiskLevel == RiskHigh,
	}

	_, degraded := resilient.WithFallback(ctx, c.caller, serviceNotification, n, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.notifier.Notify(ctx, n)
	}, struct{}{})
	res := &CommunicationResult{MessageToUser: msg, NotificationSent: !degraded}

	decision, err := json.Marshal(cl)
	if err != nil {
		return nil, fmt.Errorf("marshal classification: %w", err)
	}
	rec := &InterventionRecord{
		ID:               st.Task.ID,
		SubjectID:        st.Task.SubjectID,
		TriggeredAt:      st.Task.TriggerAt,
		TriggerType:      st.Task.TriggerType,
		DecisionSummary:  decision,
		MessageSent:      msg,
		NotificationSent: res.NotificationSent,
		CreatedAt:        c.now().UTC(),
	}
	if _, err := resilient.Do(ctx, c.writer, serviceIntervention, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.store.PutIntervention(ctx, rec)
	}); err != nil {
		c.caller.Degrade(ctx, serviceIntervention, err, rec)
		return res, fmt.Errorf("%w: intervention record: %w", triage.ErrPersistence, err)
	}
	res.RecordID = rec.ID

	L.Info(ctx, "intervention logged",
		"risk_level", cl.RiskLevel,
		"notification_sent", res.NotificationSent,
	)
	return res, nil
}

// compose asks the composer for a personalized message and keeps it only if
// it passes the same checks the template satisfies.
func (c *Communicator) compose(ctx context.Context, st *State) string {
	tmpl := TemplateMessage(st.Task.CurrentGlucose, st.Classification.RiskLevel, st.UpcomingActivity())
	if c.composer == nil {
		return tmpl
	}

	prompt := buildComposerPrompt(st, tmpl)
	msg, _ := resilient.WithFallback(ctx, c.caller, serviceComposer, map[string]any{"task_id": st.Task.ID},
		func(ctx context.Context) (string, error) {
			resp, err := c.composer.Send(ctx, &LLMRequest{
				MaxTokens: composerMaxTokens,
				System:    composerSystemPrompt,
				Messages:  userMessage(prompt),
			})
			if err != nil {
				return "", err
			}
			out := strings.TrimSpace(resp.Text())
			if err := checkMessage(out, st.Task.CurrentGlucose, st.Classification.RiskLevel); err != nil {
				return "", resilient.Permanent(err)
			}
			return out, nil
		}, tmpl)
	return msg
}

const composerSystemPrompt = `You write short, calm health notifications for people managing diabetes.
Write one or two sentences, at most 280 characters. Always state the current glucose value exactly as given.
Give exactly one concrete suggestion. Only use urgent wording when the risk level is HIGH.
Reply with the message text only.`

func buildComposerPrompt(st *State, tmpl string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current glucose: %s mmol/L\n", FormatGlucose(st.Task.CurrentGlucose))
	fmt.Fprintf(&b, "Risk level: %s\n", st.Classification.RiskLevel)
	fmt.Fprintf(&b, "Assessment: %s\n", st.Classification.ReasoningSummary)
	if g := st.Gathered; g != nil {
		fmt.Fprintf(&b, "Location: %s\n", g.Location.SemanticLocation)
	}
	if a := st.UpcomingActivity(); a != nil {
		fmt.Fprintf(&b, "Upcoming activity: %s around %02d:00\n", activityName(a.Type), a.ExpectedStartHour)
	}
	fmt.Fprintf(&b, "Reference message: %s\n", tmpl)
	return b.String()
}

func checkMessage(msg string, glucose float64, risk RiskLevel) error {
	switch {
	case msg == "":
		return xerrors.New("composed message is empty")
	case len(msg) > maxMessageLen:
		return fmt.Errorf("composed message too long (%d bytes)", len(msg))
	case !strings.Contains(msg, FormatGlucose(glucose)):
		return xerrors.New("composed message omits glucose value")
	case risk != RiskHigh && strings.Contains(strings.ToLower(msg), "urgent"):
		return xerrors.New("composed message uses urgent wording below HIGH risk")
	}
	return nil
}

// FormatGlucose renders a glucose value the way messages display it.
func FormatGlucose(g float64) string {
	return fmt.Sprintf("%.1f", g)
}

// TemplateMessage is the deterministic message: it states the glucose value,
// makes exactly one suggestion, mentions the upcoming activity when there is
// one, and is urgent only for HIGH risk.
func TemplateMessage(glucose float64, risk RiskLevel, upcoming *triage.UpcomingActivity) string {
	g := FormatGlucose(glucose)

	situation := fmt.Sprintf("Your glucose is %s mmol/L and trending down.", g)
	if upcoming != nil {
		situation = fmt.Sprintf("Your glucose is %s mmol/L and %s usually starts around %02d:00.",
			g, activityName(upcoming.Type), upcoming.ExpectedStartHour)
	}

	if risk == RiskHigh {
		return "Urgent: " + situation + " Take 15-20 g of fast-acting carbohydrate now."
	}
	if upcoming != nil {
		return situation + " Consider a small carbohydrate snack before you start."
	}
	return situation + " Consider a small carbohydrate snack."
}

func activityName(t string) string {
	if t == "" {
		return "your activity"
	}
	return strings.ReplaceAll(t, "_", " ")
}
