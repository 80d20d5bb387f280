package investigation

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/guardian/internal/resilient"
	"github.com/linnemanlabs/guardian/internal/triage"
)

// UnknownLocation is reported when location lookup is degraded.
const UnknownLocation = "unknown location"

const (
	serviceLocation = "location_tool"
	serviceHistory  = "history_tool"
)

// LocationTool resolves coordinates to a semantic location.
type LocationTool interface {
	SemanticLocation(ctx context.Context, subjectID string, lat, lng float64) (*LocationContext, error)
}

// HistoryTool returns a subject's recent history around a reference time.
type HistoryTool interface {
	PatientContext(ctx context.Context, subjectID string, ref time.Time) (*PatientContext, error)
}

// Gatherer fans out to the location and history tools concurrently.
type Gatherer struct {
	location LocationTool
	history  HistoryTool
	caller   *resilient.Caller
	logger   log.Logger
}

// NewGatherer creates a Gatherer.
func NewGatherer(location LocationTool, history HistoryTool, caller *resilient.Caller, logger log.Logger) *Gatherer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Gatherer{location: location, history: history, caller: caller, logger: logger}
}

// Gather never fails: each lookup that exhausts its retries contributes its
// degraded default instead, independently of the other.
func (g *Gatherer) Gather(ctx context.Context, task triage.InvestigationTask) *GatherResult {
	var (
		loc  LocationContext
		hist PatientContext
		out  GatherResult
	)

	locDegraded, histDegraded := false, false

	// neither goroutine returns an error; errgroup only joins them
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		payload := map[string]any{"user_id": task.SubjectID, "lat": task.Latitude, "lng": task.Longitude}
		var v *LocationContext
		v, locDegraded = resilient.WithFallback(egCtx, g.caller, serviceLocation, payload,
			func(ctx context.Context) (*LocationContext, error) {
				return g.location.SemanticLocation(ctx, task.SubjectID, task.Latitude, task.Longitude)
			}, degradedLocation())
		if v == nil {
			v = degradedLocation()
		}
		loc = *v
		return nil
	})
	eg.Go(func() error {
		payload := map[string]any{"user_id": task.SubjectID, "reference_time": task.TriggerAt}
		var v *PatientContext
		v, histDegraded = resilient.WithFallback(egCtx, g.caller, serviceHistory, payload,
			func(ctx context.Context) (*PatientContext, error) {
				return g.history.PatientContext(ctx, task.SubjectID, task.TriggerAt)
			}, degradedHistory())
		if v == nil {
			v = degradedHistory()
		}
		hist = *v
		return nil
	})
	_ = eg.Wait()

	if loc.NearbyKnownPlaces == nil {
		loc.NearbyKnownPlaces = []NearbyPlace{}
	}
	out.Location = loc
	out.GlucoseHistory = hist.GlucoseHistory
	if out.GlucoseHistory == nil {
		out.GlucoseHistory = []GlucosePoint{}
	}
	out.RecentExerciseDrops = hist.RecentExerciseDrops
	if out.RecentExerciseDrops == nil {
		out.RecentExerciseDrops = []float64{}
	}
	// a degraded history means no upcoming activity, even if the trigger had one
	out.UpcomingActivity = hist.UpcomingActivity
	if out.UpcomingActivity == nil && !histDegraded {
		out.UpcomingActivity = task.UpcomingActivity
	}
	if locDegraded {
		out.Degraded = append(out.Degraded, serviceLocation)
	}
	if histDegraded {
		out.Degraded = append(out.Degraded, serviceHistory)
	}

	g.logger.Info(ctx, "context gathered",
		"task_id", task.ID,
		"location", out.Location.SemanticLocation,
		"history_points", len(out.GlucoseHistory),
		"has_upcoming_activity", out.UpcomingActivity != nil,
		"degraded", out.Degraded,
	)
	return &out
}

func degradedLocation() *LocationContext {
	return &LocationContext{SemanticLocation: UnknownLocation, IsAtHome: false, NearbyKnownPlaces: []NearbyPlace{}}
}

func degradedHistory() *PatientContext {
	return &PatientContext{GlucoseHistory: []GlucosePoint{}, RecentExerciseDrops: []float64{}}
}
