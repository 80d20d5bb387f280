package investigation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/guardian/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/guardian/internal/investigation")

// Outcome is the result of one investigation run.
type Outcome struct {
	TaskID   string  `json:"task_id"`
	Status   Status  `json:"status"`
	State    *State  `json:"state"`
	Duration float64 `json:"duration_seconds"`
	Phases   []Phase `json:"phases"`
}

// OrchestratorHooks are optional callbacks for instrumentation.
type OrchestratorHooks struct {
	OnComplete func(o *Outcome)
}

// Orchestrator runs the investigating -> reflecting -> communicating state
// machine for a task.
type Orchestrator struct {
	gatherer     *Gatherer
	classifier   *Classifier
	communicator *Communicator
	logger       log.Logger
	hooks        OrchestratorHooks
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(g *Gatherer, c *Classifier, comm *Communicator, logger log.Logger, hooks OrchestratorHooks) *Orchestrator {
	if g == nil || c == nil || comm == nil {
		panic(xerrors.New("orchestrator stages are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Orchestrator{gatherer: g, classifier: c, communicator: comm, logger: logger, hooks: hooks}
}

// Run drives task to PhaseDone. The returned Outcome is always non-nil;
// Status is StatusFailed only when a critical write failed after retry or
// a stage tried to overwrite another stage's record.
func (o *Orchestrator) Run(ctx context.Context, task triage.InvestigationTask) *Outcome {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "investigation",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("subject.id", task.SubjectID),
			attribute.String("trigger.type", string(task.TriggerType)),
		),
	)
	defer span.End()

	L := o.logger.With("task_id", task.ID, "subject_id", task.SubjectID)
	ctx = log.WithContext(ctx, L)

	st := NewState(task)
	out := &Outcome{TaskID: task.ID, Status: StatusComplete, State: st}

	for phase := PhaseInvestigating; phase != PhaseDone; phase = Next(phase, st.Classification) {
		out.Phases = append(out.Phases, phase)
		delta, err := o.step(ctx, phase, st)
		if mErr := st.Merge(delta); mErr != nil && err == nil {
			err = mErr
		}
		if err != nil {
			L.Error(ctx, err, "investigation failed", "phase", phase)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			out.Status = StatusFailed
			break
		}
	}

	out.Duration = time.Since(start).Seconds()
	span.SetAttributes(attribute.String("investigation.status", string(out.Status)))
	if st.Classification != nil {
		span.SetAttributes(
			attribute.String("risk.level", string(st.Classification.RiskLevel)),
			attribute.String("intervention.action", string(st.Classification.InterventionAction)),
		)
	}

	L.Info(ctx, "investigation finished",
		"status", out.Status,
		"phases", len(out.Phases),
		"duration", out.Duration,
	)
	if o.hooks.OnComplete != nil {
		o.hooks.OnComplete(out)
	}
	return out
}

func (o *Orchestrator) step(ctx context.Context, phase Phase, st *State) (Delta, error) {
	ctx, span := tracer.Start(ctx, "investigation."+string(phase))
	defer span.End()

	switch phase {
	case PhaseInvestigating:
		g := o.gatherer.Gather(ctx, st.Task)
		span.SetAttributes(attribute.StringSlice("degraded", g.Degraded))
		return Delta{Gathered: g}, nil

	case PhaseReflecting:
		c := o.classifier.Classify(ctx, st)
		span.SetAttributes(attribute.String("classification.source", string(c.Source)))
		return Delta{Classification: c}, nil

	case PhaseCommunicating:
		res, err := o.communicator.Communicate(ctx, st)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		var d Delta
		if res != nil {
			d.Communication = res
			span.SetAttributes(attribute.Bool("notification.sent", res.NotificationSent))
		}
		return d, err
	}
	return Delta{}, nil
}
