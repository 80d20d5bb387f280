package investigation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/guardian/internal/resilient"
	"github.com/linnemanlabs/guardian/internal/triage"
)

var errBoom = errors.New("boom")

func fastPolicy() resilient.Policy {
	return resilient.Policy{
		Timeout:         50 * time.Millisecond,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		Multiplier:      1,
	}
}

type mockRecorder struct {
	mu      sync.Mutex
	records []*resilient.Degradation
}

func (m *mockRecorder) RecordDegradation(_ context.Context, d *resilient.Degradation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, d)
	return nil
}

func (m *mockRecorder) byService(service string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.records {
		if d.Service == service {
			n++
		}
	}
	return n
}

func (m *mockRecorder) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func newCaller(rec *mockRecorder) *resilient.Caller {
	return resilient.New(fastPolicy(), rec, log.Nop(), resilient.Hooks{})
}

// mockProvider replays responses in order; a nil response with a nil error
// blocks until the attempt context expires.
type mockProvider struct {
	mu        sync.Mutex
	responses []*LLMResponse
	errs      []error
	calls     int
	hang      bool
	requests  []*LLMRequest
}

func (m *mockProvider) Send(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	m.mu.Lock()
	i := m.calls
	m.calls++
	m.requests = append(m.requests, req)
	hang := m.hang
	m.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if len(m.responses) == 0 {
		return nil, errBoom
	}
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	return m.responses[i], nil
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func textResponse(s string) *LLMResponse {
	return &LLMResponse{
		Content:    []ContentBlock{{Type: "text", Text: s}},
		StopReason: StopEnd,
		Usage:      Usage{InputTokens: 120, OutputTokens: 40},
		Model:      "test-model",
	}
}

type mockLocation struct {
	ctx   *LocationContext
	err   error
	delay time.Duration
	calls int
	mu    sync.Mutex
}

func (m *mockLocation) SemanticLocation(ctx context.Context, _ string, _, _ float64) (*LocationContext, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.ctx, m.err
}

type mockHistory struct {
	ctx   *PatientContext
	err   error
	delay time.Duration
}

func (m *mockHistory) PatientContext(ctx context.Context, _ string, _ time.Time) (*PatientContext, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.ctx, m.err
}

type mockNotifier struct {
	mu   sync.Mutex
	sent []*Notification
	err  error
}

func (m *mockNotifier) Notify(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, n)
	return nil
}

type mockInterventions struct {
	mu      sync.Mutex
	records map[string]*InterventionRecord
	puts    int
	err     error
}

func newMockInterventions() *mockInterventions {
	return &mockInterventions{records: make(map[string]*InterventionRecord)}
}

func (m *mockInterventions) PutIntervention(_ context.Context, rec *InterventionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.err != nil {
		return m.err
	}
	if _, ok := m.records[rec.ID]; !ok {
		m.records[rec.ID] = rec
	}
	return nil
}

func (m *mockInterventions) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

var scenarioTime = time.Date(2025, 3, 17, 17, 40, 0, 0, time.UTC) // Monday

func scenarioATask() triage.InvestigationTask {
	return triage.InvestigationTask{
		ID:               "task-a",
		SubjectID:        "user_001",
		TriggerType:      triage.TriggerPreExerciseBuffer,
		TriggerAt:        scenarioTime,
		CurrentGlucose:   4.8,
		CurrentHeartRate: 75,
		Latitude:         31.2304,
		Longitude:        121.4737,
		ContextNotes:     "glucose in buffer zone before likely activity",
		UpcomingActivity: &triage.UpcomingActivity{
			Type:              "gym_workout",
			Probability:       0.85,
			ExpectedStartHour: 18,
			AvgGlucoseDrop:    1.8,
		},
	}
}

func officeLocation() *LocationContext {
	return &LocationContext{
		SemanticLocation:  "at Office",
		NearbyKnownPlaces: []NearbyPlace{{Name: "Office", DistanceM: 12, Type: "work"}},
	}
}

func recentHistory() *PatientContext {
	return &PatientContext{
		GlucoseHistory: []GlucosePoint{
			{Time: scenarioTime.Add(-10 * time.Minute), Glucose: 5.1},
			{Time: scenarioTime.Add(-5 * time.Minute), Glucose: 4.9},
		},
		RecentExerciseDrops: []float64{1.8, 2.1},
	}
}
