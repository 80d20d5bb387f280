// Package pgstore provides a PostgreSQL implementation of the Guardian
// stores: reading history, subject reference data, intervention records and
// the degradation log.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/guardian/internal/investigation"
	"github.com/linnemanlabs/guardian/internal/resilient"
	"github.com/linnemanlabs/guardian/internal/telemetry"
	"github.com/linnemanlabs/guardian/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/guardian/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists Guardian state in PostgreSQL. The pool is owned by the
// caller.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// AppendReading inserts a reading. A duplicate (subject, recorded_at) is
// ignored so redelivered telemetry does not fail ingestion.
func (s *Store) AppendReading(ctx context.Context, r *telemetry.Reading) error {
	ctx, span := startSpan(ctx, "AppendReading", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO readings (subject_id, recorded_at, heart_rate, glucose, lat, lng)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (subject_id, recorded_at) DO NOTHING`,
		r.SubjectID, r.RecordedAt, r.HeartRate, r.GlucoseMmolL, r.Latitude, r.Longitude,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert reading: %w", err))
	}
	return nil
}

// LatestReadingBefore returns the newest stored reading strictly before t.
func (s *Store) LatestReadingBefore(ctx context.Context, subjectID string, before time.Time) (*telemetry.Reading, bool, error) {
	ctx, span := startSpan(ctx, "LatestReadingBefore", "SELECT")
	defer span.End()

	r, err := scanReading(s.pool.QueryRow(ctx,
		`SELECT subject_id, recorded_at, heart_rate, glucose, lat, lng
		 FROM readings WHERE subject_id = $1 AND recorded_at < $2
		 ORDER BY recorded_at DESC LIMIT 1`,
		subjectID, before,
	))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// ReadingsSince returns readings in [since, until], newest first.
func (s *Store) ReadingsSince(ctx context.Context, subjectID string, since, until time.Time, limit int) ([]telemetry.Reading, error) {
	ctx, span := startSpan(ctx, "ReadingsSince", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT subject_id, recorded_at, heart_rate, glucose, lat, lng
		 FROM readings WHERE subject_id = $1 AND recorded_at BETWEEN $2 AND $3
		 ORDER BY recorded_at DESC LIMIT $4`,
		subjectID, since, until, limit,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query readings: %w", err))
	}
	defer rows.Close()

	out := make([]telemetry.Reading, 0)
	for rows.Next() {
		var r telemetry.Reading
		if err := rows.Scan(&r.SubjectID, &r.RecordedAt, &r.HeartRate, &r.GlucoseMmolL, &r.Latitude, &r.Longitude); err != nil {
			return nil, fail(span, fmt.Errorf("scan reading: %w", err))
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate readings: %w", err))
	}
	return out, nil
}

// PutProfile stores or replaces a subject profile.
func (s *Store) PutProfile(ctx context.Context, p telemetry.SubjectProfile) error {
	ctx, span := startSpan(ctx, "PutProfile", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subject_profiles (subject_id, birth_year) VALUES ($1, $2)
		 ON CONFLICT (subject_id) DO UPDATE SET birth_year = EXCLUDED.birth_year`,
		p.SubjectID, p.BirthYear,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert profile: %w", err))
	}
	return nil
}

// GetProfile returns a subject's profile.
func (s *Store) GetProfile(ctx context.Context, subjectID string) (*telemetry.SubjectProfile, bool, error) {
	ctx, span := startSpan(ctx, "GetProfile", "SELECT")
	defer span.End()

	p := telemetry.SubjectProfile{SubjectID: subjectID}
	err := s.pool.QueryRow(ctx,
		`SELECT birth_year FROM subject_profiles WHERE subject_id = $1`, subjectID,
	).Scan(&p.BirthYear)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("scan profile: %w", err))
	}
	return &p, true, nil
}

// PutPattern upserts a weekly activity pattern keyed by subject, day, hour
// and type. A zero AvgGlucoseDrop is stored as NULL.
func (s *Store) PutPattern(ctx context.Context, p telemetry.ActivityPattern) error {
	ctx, span := startSpan(ctx, "PutPattern", "UPSERT")
	defer span.End()

	var drop *float64
	if p.AvgGlucoseDrop != 0 {
		drop = &p.AvgGlucoseDrop
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO activity_patterns (subject_id, day_of_week, hour_of_day, activity_type, probability, avg_glucose_drop, sample_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (subject_id, day_of_week, hour_of_day, activity_type) DO UPDATE SET
			probability      = EXCLUDED.probability,
			avg_glucose_drop = EXCLUDED.avg_glucose_drop,
			sample_count     = EXCLUDED.sample_count`,
		p.SubjectID, p.DayOfWeek, p.HourOfDay, p.ActivityType, p.Probability, drop, p.SampleCount,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert pattern: %w", err))
	}
	return nil
}

// ActivityPatterns returns a subject's patterns for one day of week.
func (s *Store) ActivityPatterns(ctx context.Context, subjectID string, dayOfWeek int) ([]telemetry.ActivityPattern, error) {
	ctx, span := startSpan(ctx, "ActivityPatterns", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT subject_id, day_of_week, hour_of_day, activity_type, probability, avg_glucose_drop, sample_count
		 FROM activity_patterns WHERE subject_id = $1 AND day_of_week = $2
		 ORDER BY id`,
		subjectID, dayOfWeek,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query patterns: %w", err))
	}
	defer rows.Close()

	var out []telemetry.ActivityPattern
	for rows.Next() {
		var (
			p    telemetry.ActivityPattern
			drop *float64
		)
		if err := rows.Scan(&p.SubjectID, &p.DayOfWeek, &p.HourOfDay, &p.ActivityType, &p.Probability, &drop, &p.SampleCount); err != nil {
			return nil, fail(span, fmt.Errorf("scan pattern: %w", err))
		}
		if drop != nil {
			p.AvgGlucoseDrop = *drop
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate patterns: %w", err))
	}
	return out, nil
}

// RecentGlucoseDrops returns the most recently stored non-null pattern drops.
func (s *Store) RecentGlucoseDrops(ctx context.Context, subjectID string, limit int) ([]float64, error) {
	ctx, span := startSpan(ctx, "RecentGlucoseDrops", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT avg_glucose_drop FROM activity_patterns
		 WHERE subject_id = $1 AND avg_glucose_drop IS NOT NULL
		 ORDER BY id DESC LIMIT $2`,
		subjectID, limit,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query drops: %w", err))
	}
	defer rows.Close()

	out := make([]float64, 0, limit)
	for rows.Next() {
		var d float64
		if err := rows.Scan(&d); err != nil {
			return nil, fail(span, fmt.Errorf("scan drop: %w", err))
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate drops: %w", err))
	}
	return out, nil
}

// PutPlace adds a known place for a subject.
func (s *Store) PutPlace(ctx context.Context, p telemetry.KnownPlace) error {
	ctx, span := startSpan(ctx, "PutPlace", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO known_places (subject_id, name, place_type, lat, lng) VALUES ($1, $2, $3, $4, $5)`,
		p.SubjectID, p.Name, p.PlaceType, p.Latitude, p.Longitude,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert place: %w", err))
	}
	return nil
}

// KnownPlaces returns a subject's known places in insertion order.
func (s *Store) KnownPlaces(ctx context.Context, subjectID string) ([]telemetry.KnownPlace, error) {
	ctx, span := startSpan(ctx, "KnownPlaces", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT subject_id, name, place_type, lat, lng FROM known_places WHERE subject_id = $1 ORDER BY id`,
		subjectID,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query places: %w", err))
	}
	defer rows.Close()

	var out []telemetry.KnownPlace
	for rows.Next() {
		var p telemetry.KnownPlace
		if err := rows.Scan(&p.SubjectID, &p.Name, &p.PlaceType, &p.Latitude, &p.Longitude); err != nil {
			return nil, fail(span, fmt.Errorf("scan place: %w", err))
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate places: %w", err))
	}
	return out, nil
}

// PutIntervention stores a record once; a second write for the same ID is a
// no-op.
func (s *Store) PutIntervention(ctx context.Context, rec *investigation.InterventionRecord) error {
	ctx, span := startSpan(ctx, "PutIntervention", "INSERT")
	defer span.End()

	var decision []byte
	if len(rec.DecisionSummary) > 0 {
		decision = rec.DecisionSummary
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO interventions (id, subject_id, triggered_at, trigger_type, agent_decision, message_sent, notification_sent, user_ack, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.SubjectID, rec.TriggeredAt, string(rec.TriggerType), decision,
		rec.MessageSent, rec.NotificationSent, rec.Acknowledged, createdAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert intervention: %w", err))
	}
	span.SetAttributes(attribute.Bool("guardian.intervention.duplicate", tag.RowsAffected() == 0))
	return nil
}

// ListInterventions returns a subject's records, newest first.
func (s *Store) ListInterventions(ctx context.Context, subjectID string, limit int) ([]investigation.InterventionRecord, error) {
	ctx, span := startSpan(ctx, "ListInterventions", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, subject_id, triggered_at, trigger_type, agent_decision, message_sent, notification_sent, user_ack, created_at
		 FROM interventions WHERE subject_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		subjectID, limit,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query interventions: %w", err))
	}
	defer rows.Close()

	var out []investigation.InterventionRecord
	for rows.Next() {
		var (
			rec         investigation.InterventionRecord
			triggerType string
			decision    []byte
		)
		if err := rows.Scan(&rec.ID, &rec.SubjectID, &rec.TriggeredAt, &triggerType, &decision,
			&rec.MessageSent, &rec.NotificationSent, &rec.Acknowledged, &rec.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan intervention: %w", err))
		}
		rec.TriggerType = triage.TriggerType(triggerType)
		rec.DecisionSummary = decision
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate interventions: %w", err))
	}
	return out, nil
}

// AckIntervention marks a record acknowledged by the subject. Reports false
// when no record has that ID.
func (s *Store) AckIntervention(ctx context.Context, id string) (bool, error) {
	ctx, span := startSpan(ctx, "AckIntervention", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE interventions SET user_ack = TRUE WHERE id = $1`, id)
	if err != nil {
		return false, fail(span, fmt.Errorf("ack intervention: %w", err))
	}
	return tag.RowsAffected() > 0, nil
}

// RecordDegradation appends to the degradation log.
func (s *Store) RecordDegradation(ctx context.Context, d *resilient.Degradation) error {
	ctx, span := startSpan(ctx, "RecordDegradation", "INSERT")
	defer span.End()

	var payload []byte
	if len(d.Payload) > 0 {
		payload = d.Payload
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO degradation_log (id, service, error_msg, payload, ts) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		d.ID, d.Service, d.Message, payload, d.Timestamp,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert degradation: %w", err))
	}
	return nil
}

// Degradations returns the newest degradation records, newest first.
func (s *Store) Degradations(ctx context.Context, limit int) ([]resilient.Degradation, error) {
	ctx, span := startSpan(ctx, "Degradations", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, service, error_msg, payload, ts FROM degradation_log ORDER BY ts DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query degradations: %w", err))
	}
	defer rows.Close()

	var out []resilient.Degradation
	for rows.Next() {
		var (
			d       resilient.Degradation
			payload []byte
		)
		if err := rows.Scan(&d.ID, &d.Service, &d.Message, &payload, &d.Timestamp); err != nil {
			return nil, fail(span, fmt.Errorf("scan degradation: %w", err))
		}
		d.Payload = payload
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate degradations: %w", err))
	}
	return out, nil
}

// scanReading scans a single reading row. Returns (nil, nil) when no row is
// found.
func scanReading(row pgx.Row) (*telemetry.Reading, error) {
	var r telemetry.Reading
	err := row.Scan(&r.SubjectID, &r.RecordedAt, &r.HeartRate, &r.GlucoseMmolL, &r.Latitude, &r.Longitude)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan reading: %w", err)
	}
	return &r, nil
}
