package triage

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// Thresholds holds every tunable constant used by the evaluator.
type Thresholds struct {
	HardLowGlucose      float64
	MaxHeartRateRatio   float64
	TelemetryGap        time.Duration
	SlopeWindow         time.Duration
	SlopeTrigger        float64
	SoftLowMin          float64
	SoftLowMax          float64
	ActivityProbability float64
	PreExerciseLead     time.Duration
	WindowMaxLen        int
}

// DefaultThresholds returns the clinical defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HardLowGlucose:      3.9,
		MaxHeartRateRatio:   0.90,
		TelemetryGap:        30 * time.Minute,
		SlopeWindow:         20 * time.Minute,
		SlopeTrigger:        -0.1,
		SoftLowMin:          4.0,
		SoftLowMax:          5.6,
		ActivityProbability: 0.70,
		PreExerciseLead:     60 * time.Minute,
		WindowMaxLen:        20,
	}
}

// RegisterFlags binds Thresholds fields to the given FlagSet with defaults inline
func (t *Thresholds) RegisterFlags(fs *flag.FlagSet) {
	d := DefaultThresholds()
	fs.Float64Var(&t.HardLowGlucose, "hard-low-glucose", d.HardLowGlucose, "glucose (mmol/L) below which a hard alert fires")
	fs.Float64Var(&t.MaxHeartRateRatio, "max-heart-rate-ratio", d.MaxHeartRateRatio, "fraction of (220 - age) above which a hard alert fires")
	fs.DurationVar(&t.TelemetryGap, "telemetry-gap", d.TelemetryGap, "silence between readings that fires a hard alert")
	fs.DurationVar(&t.SlopeWindow, "slope-window", d.SlopeWindow, "recency bound of the per-subject sliding window")
	fs.Float64Var(&t.SlopeTrigger, "slope-trigger", d.SlopeTrigger, "glucose slope (mmol/L per minute) below which an investigation starts")
	fs.Float64Var(&t.SoftLowMin, "soft-low-min", d.SoftLowMin, "lower bound of the pre-exercise low buffer (mmol/L)")
	fs.Float64Var(&t.SoftLowMax, "soft-low-max", d.SoftLowMax, "upper bound of the pre-exercise low buffer (mmol/L)")
	fs.Float64Var(&t.ActivityProbability, "activity-probability", d.ActivityProbability, "minimum activity pattern probability (exclusive)")
	fs.DurationVar(&t.PreExerciseLead, "pre-exercise-lead", d.PreExerciseLead, "how far ahead of a predicted activity the low buffer rule applies")
	fs.IntVar(&t.WindowMaxLen, "window-max-len", d.WindowMaxLen, "maximum readings kept per subject window (2..1000)")
}

// Validate checks all threshold fields for correctness.
func (t *Thresholds) Validate() error {
	var errs []error

	if t.HardLowGlucose <= 0 {
		errs = append(errs, fmt.Errorf("invalid HARD_LOW_GLUCOSE %v (must be > 0)", t.HardLowGlucose))
	}
	if t.MaxHeartRateRatio <= 0 || t.MaxHeartRateRatio > 1 {
		errs = append(errs, fmt.Errorf("invalid MAX_HEART_RATE_RATIO %v (must be in (0, 1])", t.MaxHeartRateRatio))
	}
	if t.TelemetryGap <= 0 {
		errs = append(errs, errors.New("TELEMETRY_GAP must be positive"))
	}
	if t.SlopeWindow <= 0 {
		errs = append(errs, errors.New("SLOPE_WINDOW must be positive"))
	}
	if t.SlopeTrigger >= 0 {
		errs = append(errs, fmt.Errorf("invalid SLOPE_TRIGGER %v (must be negative)", t.SlopeTrigger))
	}
	if t.SoftLowMin > t.SoftLowMax {
		errs = append(errs, fmt.Errorf("SOFT_LOW_MIN %v must not exceed SOFT_LOW_MAX %v", t.SoftLowMin, t.SoftLowMax))
	}
	if t.ActivityProbability < 0 || t.ActivityProbability > 1 {
		errs = append(errs, fmt.Errorf("invalid ACTIVITY_PROBABILITY %v (must be 0..1)", t.ActivityProbability))
	}
	if t.PreExerciseLead <= 0 {
		errs = append(errs, errors.New("PRE_EXERCISE_LEAD must be positive"))
	}
	if t.WindowMaxLen < 2 || t.WindowMaxLen > 1000 {
		errs = append(errs, fmt.Errorf("invalid WINDOW_MAX_LEN %d (must be 2..1000)", t.WindowMaxLen))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
