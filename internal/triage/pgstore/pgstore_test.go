package pgstore_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/guardian/internal/investigation"
	"github.com/linnemanlabs/guardian/internal/postgres"
	"github.com/linnemanlabs/guardian/internal/resilient"
	"github.com/linnemanlabs/guardian/internal/telemetry"
	"github.com/linnemanlabs/guardian/internal/tools"
	"github.com/linnemanlabs/guardian/internal/triage"
	"github.com/linnemanlabs/guardian/internal/triage/pgstore"
)

var (
	_ triage.Store                    = (*pgstore.Store)(nil)
	_ investigation.InterventionStore = (*pgstore.Store)(nil)
	_ resilient.Recorder              = (*pgstore.Store)(nil)
	_ tools.PlaceSource               = (*pgstore.Store)(nil)
	_ tools.HistorySource             = (*pgstore.Store)(nil)
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("GUARDIAN_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("GUARDIAN_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn, postgres.PoolOptions{SlowQuery: time.Second})
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

// uniqueSubject keeps test runs against a shared database independent.
func uniqueSubject(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, ulid.Make().String())
}

func TestReadings(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	subject := uniqueSubject("readings")
	base := time.Date(2025, 3, 17, 17, 0, 0, 0, time.UTC)

	for i := range 5 {
		r := &telemetry.Reading{
			SubjectID:    subject,
			RecordedAt:   base.Add(time.Duration(i) * 5 * time.Minute),
			HeartRate:    70 + i,
			GlucoseMmolL: 6.0 - float64(i)*0.3,
			Latitude:     31.2304,
			Longitude:    121.4737,
		}
		if err := s.AppendReading(ctx, r); err != nil {
			t.Fatalf("AppendReading: %v", err)
		}
	}
	// duplicate timestamp is ignored
	if err := s.AppendReading(ctx, &telemetry.Reading{SubjectID: subject, RecordedAt: base, HeartRate: 99, GlucoseMmolL: 9}); err != nil {
		t.Fatalf("duplicate AppendReading: %v", err)
	}

	got, ok, err := s.LatestReadingBefore(ctx, subject, base.Add(20*time.Minute))
	if err != nil || !ok {
		t.Fatalf("LatestReadingBefore: %v, %v", ok, err)
	}
	assertEqual(t, "latest.RecordedAt", got.RecordedAt.UTC(), base.Add(15*time.Minute))
	assertEqual(t, "latest.HeartRate", got.HeartRate, 73)

	if _, ok, err := s.LatestReadingBefore(ctx, subject, base); err != nil || ok {
		t.Fatalf("LatestReadingBefore(first) = %v, %v; want none", ok, err)
	}

	window, err := s.ReadingsSince(ctx, subject, base, base.Add(time.Hour), 3)
	if err != nil {
		t.Fatalf("ReadingsSince: %v", err)
	}
	assertEqual(t, "len(window)", len(window), 3)
	assertEqual(t, "window[0].RecordedAt", window[0].RecordedAt.UTC(), base.Add(20*time.Minute))

	first, _, _ := s.LatestReadingBefore(ctx, subject, base.Add(time.Minute))
	assertEqual(t, "first.HeartRate", first.HeartRate, 70)
}

func TestProfile(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	subject := uniqueSubject("profile")

	if _, ok, err := s.GetProfile(ctx, subject); err != nil || ok {
		t.Fatalf("GetProfile(missing) = %v, %v", ok, err)
	}
	if err := s.PutProfile(ctx, telemetry.SubjectProfile{SubjectID: subject, BirthYear: 1990}); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}
	if err := s.PutProfile(ctx, telemetry.SubjectProfile{SubjectID: subject, BirthYear: 1991}); err != nil {
		t.Fatalf("PutProfile update: %v", err)
	}
	p, ok, err := s.GetProfile(ctx, subject)
	if err != nil || !ok {
		t.Fatalf("GetProfile: %v, %v", ok, err)
	}
	assertEqual(t, "BirthYear", p.BirthYear, 1991)
}

func TestPatternsAndDrops(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	subject := uniqueSubject("patterns")

	patterns := []telemetry.ActivityPattern{
		{SubjectID: subject, DayOfWeek: 0, HourOfDay: 18, ActivityType: "gym_workout", Probability: 0.85, AvgGlucoseDrop: 1.8, SampleCount: 12},
		{SubjectID: subject, DayOfWeek: 0, HourOfDay: 7, ActivityType: "commute", Probability: 0.9},
		{SubjectID: subject, DayOfWeek: 3, HourOfDay: 19, ActivityType: "swim", Probability: 0.6, AvgGlucoseDrop: 1.2},
	}
	for _, p := range patterns {
		if err := s.PutPattern(ctx, p); err != nil {
			t.Fatalf("PutPattern: %v", err)
		}
	}

	mon, err := s.ActivityPatterns(ctx, subject, 0)
	if err != nil {
		t.Fatalf("ActivityPatterns: %v", err)
	}
	assertEqual(t, "len(monday)", len(mon), 2)
	assertEqual(t, "monday[0].ActivityType", mon[0].ActivityType, "gym_workout")
	assertEqual(t, "monday[0].SampleCount", mon[0].SampleCount, 12)
	assertEqual(t, "monday[1].AvgGlucoseDrop", mon[1].AvgGlucoseDrop, 0.0)

	drops, err := s.RecentGlucoseDrops(ctx, subject, 5)
	if err != nil {
		t.Fatalf("RecentGlucoseDrops: %v", err)
	}
	assertEqual(t, "len(drops)", len(drops), 2)
	assertEqual(t, "drops[0]", drops[0], 1.2)
	assertEqual(t, "drops[1]", drops[1], 1.8)
}

func TestKnownPlaces(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	subject := uniqueSubject("places")

	for _, p := range []telemetry.KnownPlace{
		{SubjectID: subject, Name: "home", PlaceType: "home", Latitude: 31.2304, Longitude: 121.4737},
		{SubjectID: subject, Name: "office", PlaceType: "work", Latitude: 31.2397, Longitude: 121.4998},
	} {
		if err := s.PutPlace(ctx, p); err != nil {
			t.Fatalf("PutPlace: %v", err)
		}
	}
	got, err := s.KnownPlaces(ctx, subject)
	if err != nil {
		t.Fatalf("KnownPlaces: %v", err)
	}
	assertEqual(t, "len(places)", len(got), 2)
	assertEqual(t, "places[1].Name", got[1].Name, "office")
}

func TestInterventionWriteOnce(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	subject := uniqueSubject("interventions")
	now := time.Now().Truncate(time.Microsecond).UTC()

	decision, _ := json.Marshal(map[string]string{"risk_level": "MEDIUM", "action": "SOFT_REMIND"})
	rec := &investigation.InterventionRecord{
		ID:               uniqueSubject("task"),
		SubjectID:        subject,
		TriggeredAt:      now,
		TriggerType:      triage.TriggerPreExerciseBuffer,
		DecisionSummary:  decision,
		MessageSent:      "Your glucose is 4.8 mmol/L",
		NotificationSent: true,
		CreatedAt:        now,
	}
	if err := s.PutIntervention(ctx, rec); err != nil {
		t.Fatalf("PutIntervention: %v", err)
	}
	dup := *rec
	dup.MessageSent = "overwritten"
	if err := s.PutIntervention(ctx, &dup); err != nil {
		t.Fatalf("duplicate PutIntervention: %v", err)
	}

	got, err := s.ListInterventions(ctx, subject, 10)
	if err != nil {
		t.Fatalf("ListInterventions: %v", err)
	}
	assertEqual(t, "len(records)", len(got), 1)
	assertEqual(t, "MessageSent", got[0].MessageSent, rec.MessageSent)
	assertEqual(t, "TriggerType", got[0].TriggerType, triage.TriggerPreExerciseBuffer)
	assertEqual(t, "NotificationSent", got[0].NotificationSent, true)
	assertEqual(t, "Acknowledged", got[0].Acknowledged, false)

	ok, err := s.AckIntervention(ctx, rec.ID)
	if err != nil || !ok {
		t.Fatalf("AckIntervention: %v, %v", ok, err)
	}
	got, _ = s.ListInterventions(ctx, subject, 10)
	assertEqual(t, "Acknowledged after ack", got[0].Acknowledged, true)

	ok, err = s.AckIntervention(ctx, "missing-"+rec.ID)
	if err != nil {
		t.Fatalf("AckIntervention(missing): %v", err)
	}
	assertEqual(t, "ack missing", ok, false)
}

func TestRecordDegradation(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	d := &resilient.Degradation{
		ID:        ulid.Make().String(),
		Service:   "reasoning",
		Message:   "context deadline exceeded",
		Payload:   json.RawMessage(`{"task_id":"t-1"}`),
		Timestamp: time.Now().Add(time.Hour).Truncate(time.Microsecond).UTC(),
	}
	if err := s.RecordDegradation(ctx, d); err != nil {
		t.Fatalf("RecordDegradation: %v", err)
	}

	got, err := s.Degradations(ctx, 1)
	if err != nil {
		t.Fatalf("Degradations: %v", err)
	}
	assertEqual(t, "len(degradations)", len(got), 1)
	assertEqual(t, "ID", got[0].ID, d.ID)
	assertEqual(t, "Service", got[0].Service, "reasoning")
}

func assertEqual[T comparable](t *testing.T, field string, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", field, got, want)
	}
}
