// Package telemetry defines the readings and per-subject reference data that
// flow into the triage pipeline.
package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultAge is used when no profile is stored for a subject.
const DefaultAge = 30

// ErrValidation is wrapped by every error returned from Reading.Validate.
var ErrValidation = errors.New("invalid reading")

var validate = validator.New()

// Reading is a single timestamped sample from a subject's devices.
type Reading struct {
	SubjectID    string    `json:"subject_id" validate:"required,max=128"`
	RecordedAt   time.Time `json:"recorded_at" validate:"required"`
	HeartRate    int       `json:"heart_rate" validate:"gte=1,lte=300"`
	GlucoseMmolL float64   `json:"glucose" validate:"gte=0.5,lte=40"`
	Latitude     float64   `json:"lat" validate:"gte=-90,lte=90"`
	Longitude    float64   `json:"lng" validate:"gte=-180,lte=180"`
}

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation.Error(), strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validate checks physiological and geographic bounds. Rejected readings
// must never reach the evaluator.
func (r *Reading) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	ve := &ValidationError{}
	for _, fe := range verrs {
		ve.Fields = append(ve.Fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return ve
}

// SubjectProfile is the static demographic data the evaluator needs.
type SubjectProfile struct {
	SubjectID string `json:"subject_id"`
	BirthYear int    `json:"birth_year"`
}

// Age returns the subject's age in whole years at t, or DefaultAge when the
// profile is missing or has no birth year.
func (p *SubjectProfile) Age(t time.Time) int {
	if p == nil || p.BirthYear <= 0 {
		return DefaultAge
	}
	return t.Year() - p.BirthYear
}

// ActivityPattern is a learned recurring activity for a subject.
// DayOfWeek counts from Monday = 0.
type ActivityPattern struct {
	SubjectID      string  `json:"subject_id"`
	DayOfWeek      int     `json:"day_of_week"`
	HourOfDay      int     `json:"hour_of_day"`
	ActivityType   string  `json:"activity_type"`
	Probability    float64 `json:"probability"`
	AvgGlucoseDrop float64 `json:"avg_glucose_drop"`
	SampleCount    int     `json:"sample_count"`
}

// Weekday converts t to the Monday = 0 numbering used by ActivityPattern.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// KnownPlace is a named location registered for a subject.
type KnownPlace struct {
	SubjectID string  `json:"subject_id"`
	Name      string  `json:"name"`
	PlaceType string  `json:"place_type"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}
