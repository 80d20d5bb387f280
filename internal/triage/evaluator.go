package triage

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/linnemanlabs/guardian/internal/telemetry"
)

// Input is everything Evaluate looks at for one reading. Window must already
// contain Reading. PrevRecordedAt is the latest persisted reading before this
// one; nil means the subject has no history or it could not be read.
type Input struct {
	Reading        telemetry.Reading
	Profile        *telemetry.SubjectProfile
	Window         []telemetry.Reading
	Patterns       []telemetry.ActivityPattern
	PrevRecordedAt *time.Time
}

// Evaluator applies the hard and soft trigger rules. It has no side effects.
type Evaluator struct {
	th Thresholds
}

// NewEvaluator creates an Evaluator using th.
func NewEvaluator(th Thresholds) *Evaluator {
	return &Evaluator{th: th}
}

// Thresholds returns the thresholds in use.
func (e *Evaluator) Thresholds() Thresholds { return e.th }

// Evaluate classifies one reading. Hard rules are checked first and all
// matching reasons are reported; soft rules only run when no hard rule fired.
func (e *Evaluator) Evaluate(in Input) Decision {
	if reasons := e.hardReasons(in); len(reasons) > 0 {
		return Decision{Kind: DecisionHardAlert, Reasons: reasons}
	}

	if slope, ok := Slope(in.Window); ok && slope < e.th.SlopeTrigger {
		return Decision{
			Kind:        DecisionSoftInvestigate,
			TriggerType: TriggerDeclineSlope,
			Reasons:     []string{fmt.Sprintf("glucose slope=%.4f mmol/L/min", slope)},
			Slope:       &slope,
		}
	}

	if p := e.upcomingActivity(in); p != nil {
		return Decision{
			Kind:        DecisionSoftInvestigate,
			TriggerType: TriggerPreExerciseBuffer,
			Reasons: []string{fmt.Sprintf("upcoming %s (probability=%.2f, avg_drop=%.1f)",
				p.ActivityType, p.Probability, p.AvgGlucoseDrop)},
			Activity: p,
		}
	}

	return Decision{Kind: DecisionNone}
}

func (e *Evaluator) hardReasons(in Input) []string {
	r := in.Reading
	var reasons []string

	if r.GlucoseMmolL < e.th.HardLowGlucose {
		reasons = append(reasons, fmt.Sprintf("glucose=%.1f below %.1f mmol/L", r.GlucoseMmolL, e.th.HardLowGlucose))
	}

	maxHR := MaxHeartRate(in.Profile.Age(r.RecordedAt), e.th.MaxHeartRateRatio)
	if float64(r.HeartRate) > maxHR {
		reasons = append(reasons, fmt.Sprintf("heart_rate=%d exceeds max %.0f bpm", r.HeartRate, maxHR))
	}

	if in.PrevRecordedAt != nil {
		if gap := r.RecordedAt.Sub(*in.PrevRecordedAt); gap > e.th.TelemetryGap {
			reasons = append(reasons, fmt.Sprintf("no telemetry in last %.0f minutes", e.th.TelemetryGap.Minutes()))
		}
	}

	return reasons
}

// upcomingActivity returns the most probable pattern starting near the
// reading time while glucose sits in the low buffer, or nil.
func (e *Evaluator) upcomingActivity(in Input) *telemetry.ActivityPattern {
	r := in.Reading
	if r.GlucoseMmolL < e.th.SoftLowMin || r.GlucoseMmolL > e.th.SoftLowMax {
		return nil
	}

	now := r.RecordedAt
	day := telemetry.Weekday(now)
	hours := candidateHours(now)

	var best *telemetry.ActivityPattern
	for i := range in.Patterns {
		p := &in.Patterns[i]
		if p.DayOfWeek != day || p.Probability <= e.th.ActivityProbability {
			continue
		}
		if !containsHour(hours, p.HourOfDay) {
			continue
		}
		start := time.Date(now.Year(), now.Month(), now.Day(), p.HourOfDay, 0, 0, 0, now.Location())
		if until := start.Sub(now); until.Abs() > e.th.PreExerciseLead {
			continue
		}
		if best == nil || p.Probability > best.Probability {
			best = p
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// candidateHours are the hours whose activity could start within half an
// hour of t.
func candidateHours(t time.Time) []int {
	h, m := t.Hour(), t.Minute()
	hours := []int{h}
	if m >= 30 && h < 23 {
		hours = append(hours, h+1)
	}
	if m <= 30 && h > 0 {
		hours = append(hours, h-1)
	}
	return hours
}

func containsHour(hours []int, h int) bool {
	for _, x := range hours {
		if x == h {
			return true
		}
	}
	return false
}

// MaxHeartRate is (220 - age) * ratio.
func MaxHeartRate(age int, ratio float64) float64 {
	return float64(220-age) * ratio
}

// Slope fits glucose against elapsed minutes by ordinary least squares. It
// reports false with fewer than two readings or no time spread.
func Slope(window []telemetry.Reading) (float64, bool) {
	n := len(window)
	if n < 2 {
		return 0, false
	}
	t0 := window[0].RecordedAt
	var sumX, sumY float64
	for _, r := range window {
		sumX += r.RecordedAt.Sub(t0).Minutes()
		sumY += r.GlucoseMmolL
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)

	var num, den float64
	for _, r := range window {
		dx := r.RecordedAt.Sub(t0).Minutes() - meanX
		num += dx * (r.GlucoseMmolL - meanY)
		den += dx * dx
	}
	if den == 0 || math.IsNaN(den) {
		return 0, false
	}
	return num / den, true
}

// ReasonText joins decision reasons the way alerts display them.
func (d Decision) ReasonText() string {
	return strings.Join(d.Reasons, "; ")
}
