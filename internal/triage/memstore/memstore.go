// Package memstore provides an in-memory implementation of the Guardian
// stores: telemetry history, subject profiles and patterns, intervention
// records, and the degradation log. Suitable for dev/testing.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/guardian/internal/investigation"
	"github.com/linnemanlabs/guardian/internal/resilient"
	"github.com/linnemanlabs/guardian/internal/telemetry"
)

// Store holds everything in memory.
type Store struct {
	mu            sync.RWMutex
	readings      map[string][]telemetry.Reading // subject -> readings sorted by time
	profiles      map[string]telemetry.SubjectProfile
	patterns      []telemetry.ActivityPattern // insertion order
	places        map[string][]telemetry.KnownPlace
	interventions map[string]*investigation.InterventionRecord
	degradations  []resilient.Degradation
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		readings:      make(map[string][]telemetry.Reading),
		profiles:      make(map[string]telemetry.SubjectProfile),
		places:        make(map[string][]telemetry.KnownPlace),
		interventions: make(map[string]*investigation.InterventionRecord),
	}
}

// AppendReading stores a reading, keeping each subject's history ordered.
func (s *Store) AppendReading(_ context.Context, r *telemetry.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.readings[r.SubjectID]
	i := sort.Search(len(rs), func(i int) bool { return rs[i].RecordedAt.After(r.RecordedAt) })
	rs = append(rs, telemetry.Reading{})
	copy(rs[i+1:], rs[i:])
	rs[i] = *r
	s.readings[r.SubjectID] = rs
	return nil
}

// LatestReadingBefore returns the newest stored reading strictly before t.
func (s *Store) LatestReadingBefore(_ context.Context, subjectID string, before time.Time) (*telemetry.Reading, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs := s.readings[subjectID]
	i := sort.Search(len(rs), func(i int) bool { return !rs[i].RecordedAt.Before(before) })
	if i == 0 {
		return nil, false, nil
	}
	cp := rs[i-1]
	return &cp, true, nil
}

// ReadingsSince returns readings in [since, until], newest first.
func (s *Store) ReadingsSince(_ context.Context, subjectID string, since, until time.Time, limit int) ([]telemetry.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs := s.readings[subjectID]
	out := make([]telemetry.Reading, 0)
	for i := len(rs) - 1; i >= 0 && len(out) < limit; i-- {
		t := rs[i].RecordedAt
		if t.After(until) {
			continue
		}
		if t.Before(since) {
			break
		}
		out = append(out, rs[i])
	}
	return out, nil
}

// PutProfile stores or replaces a subject profile.
func (s *Store) PutProfile(_ context.Context, p telemetry.SubjectProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.SubjectID] = p
	return nil
}

// GetProfile returns a copy of a subject's profile.
func (s *Store) GetProfile(_ context.Context, subjectID string) (*telemetry.SubjectProfile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[subjectID]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

// PutPattern upserts a weekly activity pattern keyed by subject, day, hour and type.
func (s *Store) PutPattern(_ context.Context, p telemetry.ActivityPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.patterns {
		if existing.SubjectID == p.SubjectID && existing.DayOfWeek == p.DayOfWeek &&
			existing.HourOfDay == p.HourOfDay && existing.ActivityType == p.ActivityType {
			s.patterns[i] = p
			return nil
		}
	}
	s.patterns = append(s.patterns, p)
	return nil
}

// ActivityPatterns returns a subject's patterns for one day of week.
func (s *Store) ActivityPatterns(_ context.Context, subjectID string, dayOfWeek int) ([]telemetry.ActivityPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []telemetry.ActivityPattern
	for _, p := range s.patterns {
		if p.SubjectID == subjectID && p.DayOfWeek == dayOfWeek {
			out = append(out, p)
		}
	}
	return out, nil
}

// RecentGlucoseDrops returns the most recently stored non-zero pattern drops.
func (s *Store) RecentGlucoseDrops(_ context.Context, subjectID string, limit int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]float64, 0, limit)
	for i := len(s.patterns) - 1; i >= 0 && len(out) < limit; i-- {
		p := s.patterns[i]
		if p.SubjectID == subjectID && p.AvgGlucoseDrop != 0 {
			out = append(out, p.AvgGlucoseDrop)
		}
	}
	return out, nil
}

// PutPlace adds a known place for a subject.
func (s *Store) PutPlace(_ context.Context, p telemetry.KnownPlace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.places[p.SubjectID] = append(s.places[p.SubjectID], p)
	return nil
}

// KnownPlaces returns a copy of a subject's known places.
func (s *Store) KnownPlaces(_ context.Context, subjectID string) ([]telemetry.KnownPlace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]telemetry.KnownPlace(nil), s.places[subjectID]...), nil
}

// PutIntervention stores a record once; a second write for the same ID is a
// no-op.
func (s *Store) PutIntervention(_ context.Context, rec *investigation.InterventionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.interventions[rec.ID]; ok {
		return nil
	}
	cp := *rec
	s.interventions[rec.ID] = &cp
	return nil
}

// ListInterventions returns a subject's records, newest first.
func (s *Store) ListInterventions(_ context.Context, subjectID string, limit int) ([]investigation.InterventionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []investigation.InterventionRecord
	for _, r := range s.interventions {
		if r.SubjectID == subjectID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AckIntervention marks a record acknowledged by the subject.
func (s *Store) AckIntervention(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.interventions[id]
	if !ok {
		return false, nil
	}
	r.Acknowledged = true
	return true, nil
}

// RecordDegradation appends to the degradation log.
func (s *Store) RecordDegradation(_ context.Context, d *resilient.Degradation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degradations = append(s.degradations, *d)
	return nil
}

// Degradations returns a copy of the degradation log.
func (s *Store) Degradations() []resilient.Degradation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]resilient.Degradation(nil), s.degradations...)
}
