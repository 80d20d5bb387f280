package ingestapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/guardian/internal/investigation"
	"github.com/linnemanlabs/guardian/internal/telemetry"
	"github.com/linnemanlabs/guardian/internal/triage"
	"github.com/linnemanlabs/guardian/internal/triage/memstore"
)

type fakeIntake struct {
	mu  sync.Mutex
	got []telemetry.Reading
	err error
}

func (f *fakeIntake) Submit(_ context.Context, r telemetry.Reading) error {
	if err := r.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, r)
	return nil
}

type fakeWindows map[string][]telemetry.Reading

func (f fakeWindows) Window(id string) []telemetry.Reading { return f[id] }

type failingInterventions struct{}

func (failingInterventions) ListInterventions(context.Context, string, int) ([]investigation.InterventionRecord, error) {
	return nil, errors.New("db down")
}

func (failingInterventions) AckIntervention(context.Context, string) (bool, error) {
	return false, errors.New("db down")
}

var recordedAt = time.Date(2025, 3, 17, 17, 40, 0, 0, time.UTC)

const validBody = `{"subject_id":"user_001","recorded_at":"2025-03-17T17:40:00Z","heart_rate":75,"glucose":4.8,"lat":31.23,"lng":121.47}`

func newTestRouter(t *testing.T, token string) (chi.Router, *fakeIntake, *memstore.Store) {
	t.Helper()
	intake := &fakeIntake{}
	store := memstore.New()
	windows := fakeWindows{"user_001": {{SubjectID: "user_001", RecordedAt: recordedAt, HeartRate: 75, GlucoseMmolL: 4.8}}}
	api := New(nil, intake, windows, store, token)
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r, intake, store
}

func do(r http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestNew_NilDependencies_Panic(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	tests := []struct {
		name string
		fn   func()
	}{
		{"nil intake", func() { New(nil, nil, fakeWindows{}, store, "") }},
		{"nil windows", func() { New(nil, &fakeIntake{}, nil, store, "") }},
		{"nil interventions", func() { New(nil, &fakeIntake{}, fakeWindows{}, nil, "") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			tt.fn()
		})
	}
}

func TestSubmitReading(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		intakeErr  error
		wantStatus int
		wantStored int
	}{
		{"valid reading", validBody, nil, http.StatusAccepted, 1},
		{"malformed json", `{bad`, nil, http.StatusBadRequest, 0},
		{"unknown field", `{"subject_id":"u","recorded_at":"2025-03-17T17:40:00Z","heart_rate":75,"glucose":4.8,"spo2":98}`, nil, http.StatusBadRequest, 0},
		{"heart rate out of range", strings.Replace(validBody, `"heart_rate":75`, `"heart_rate":0`, 1), nil, http.StatusBadRequest, 0},
		{"missing subject", strings.Replace(validBody, `"user_001"`, `""`, 1), nil, http.StatusBadRequest, 0},
		{"dispatcher stopped", validBody, triage.ErrDispatcherStopped, http.StatusServiceUnavailable, 0},
		{"unexpected error", validBody, errors.New("boom"), http.StatusInternalServerError, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, intake, _ := newTestRouter(t, "")
			intake.err = tt.intakeErr

			rec := do(r, http.MethodPost, "/api/v1/readings", tt.body, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if len(intake.got) != tt.wantStored {
				t.Errorf("submitted = %d, want %d", len(intake.got), tt.wantStored)
			}
		})
	}
}

func TestSubmitReading_ValidationMessage(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t, "")
	rec := do(r, http.MethodPost, "/api/v1/readings", strings.Replace(validBody, `"glucose":4.8`, `"glucose":99`, 1), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(resp["error"], "GlucoseMmolL") {
		t.Errorf("error = %q, want field name", resp["error"])
	}
}

func TestGetWindow(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t, "")

	rec := do(r, http.MethodGet, "/api/v1/subjects/user_001/window", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		SubjectID string              `json:"subject_id"`
		Readings  []telemetry.Reading `json:"readings"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SubjectID != "user_001" || len(resp.Readings) != 1 || resp.Readings[0].GlucoseMmolL != 4.8 {
		t.Errorf("resp = %+v", resp)
	}

	rec = do(r, http.MethodGet, "/api/v1/subjects/nobody/window", "", nil)
	if !strings.Contains(rec.Body.String(), `"readings":[]`) {
		t.Errorf("unknown subject body = %s, want empty readings array", rec.Body.String())
	}
}

func TestInterventions_ListAndAck(t *testing.T) {
	t.Parallel()

	r, _, store := newTestRouter(t, "")
	ctx := context.Background()
	for i := range 3 {
		_ = store.PutIntervention(ctx, &investigation.InterventionRecord{
			ID:        fmt.Sprintf("task-%d", i),
			SubjectID: "user_001",
			CreatedAt: recordedAt.Add(time.Duration(i) * time.Minute),
		})
	}

	rec := do(r, http.MethodGet, "/api/v1/subjects/user_001/interventions?limit=2", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var resp struct {
		Interventions []investigation.InterventionRecord `json:"interventions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Interventions) != 2 || resp.Interventions[0].ID != "task-2" {
		t.Errorf("interventions = %+v", resp.Interventions)
	}

	if rec := do(r, http.MethodGet, "/api/v1/subjects/user_001/interventions?limit=x", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}

	if rec := do(r, http.MethodPost, "/api/v1/interventions/task-1/ack", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("ack status = %d", rec.Code)
	}
	list, _ := store.ListInterventions(ctx, "user_001", 10)
	for _, rec := range list {
		if rec.ID == "task-1" && !rec.Acknowledged {
			t.Error("task-1 not acknowledged")
		}
	}

	if rec := do(r, http.MethodPost, "/api/v1/interventions/missing/ack", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("ack missing status = %d, want 404", rec.Code)
	}
}

func TestInterventions_StoreError(t *testing.T) {
	t.Parallel()

	api := New(nil, &fakeIntake{}, fakeWindows{}, failingInterventions{}, "")
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	if rec := do(r, http.MethodGet, "/api/v1/subjects/u/interventions", "", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("list status = %d, want 500", rec.Code)
	}
	if rec := do(r, http.MethodPost, "/api/v1/interventions/x/ack", "", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("ack status = %d, want 500", rec.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t, "s3cret, rotated")

	tests := []struct {
		name       string
		header     map[string]string
		wantStatus int
	}{
		{"no header", nil, http.StatusUnauthorized},
		{"wrong token", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"basic scheme", map[string]string{"Authorization": "Basic s3cret"}, http.StatusUnauthorized},
		{"valid token", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusAccepted},
		{"rotated token", map[string]string{"Authorization": "Bearer rotated"}, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(r, http.MethodPost, "/api/v1/readings", validBody, tt.header)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t, "")
	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/readings"},
		{http.MethodPost, "/api/v1/subjects/u/window"},
		{http.MethodGet, "/api/v1/interventions/x/ack"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			t.Parallel()
			if rec := do(r, tt.method, tt.path, "", nil); rec.Code != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want 405", rec.Code)
			}
		})
	}
}
