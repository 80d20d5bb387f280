package ingestapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/guardian/internal/telemetry"
	"github.com/linnemanlabs/guardian/internal/triage"
)

func (a *API) handleSubmitReading(w http.ResponseWriter, r *http.Request) {
	var reading telemetry.Reading
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&reading); err != nil {
		writeError(w, http.StatusBadRequest, `{"error":"invalid payload"}`)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("guardian.subject.id", reading.SubjectID))

	err := a.intake.Submit(r.Context(), reading)
	switch {
	case err == nil:
	case errors.Is(err, telemetry.ErrValidation):
		body, _ := json.Marshal(map[string]string{"error": err.Error()})
		writeError(w, http.StatusBadRequest, string(body))
		return
	case errors.Is(err, triage.ErrDispatcherStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, `{"error":"intake unavailable"}`)
		return
	default:
		a.logger.Error(r.Context(), err, "failed to submit reading", "subject_id", reading.SubjectID)
		writeError(w, http.StatusInternalServerError, `{"error":"internal error"}`)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accepted":    true,
		"subject_id":  reading.SubjectID,
		"recorded_at": reading.RecordedAt,
	})
}

func (a *API) handleGetWindow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("guardian.subject.id", id))

	window := a.windows.Window(id)
	if window == nil {
		window = []telemetry.Reading{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"subject_id": id,
		"readings":   window,
	})
}
