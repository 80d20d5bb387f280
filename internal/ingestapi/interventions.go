package ingestapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/guardian/internal/investigation"
)

func (a *API) handleListInterventions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("guardian.subject.id", id))

	limit := defaultInterventionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, `{"error":"invalid limit"}`)
			return
		}
		limit = min(n, maxInterventionLimit)
	}

	records, err := a.interventions.ListInterventions(r.Context(), id, limit)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list interventions", "subject_id", id)
		writeError(w, http.StatusInternalServerError, `{"error":"internal error"}`)
		return
	}
	if records == nil {
		records = []investigation.InterventionRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"subject_id":    id,
		"interventions": records,
	})
}

func (a *API) handleAckIntervention(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("guardian.intervention.id", id))

	ok, err := a.interventions.AckIntervention(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to acknowledge intervention", "id", id)
		writeError(w, http.StatusInternalServerError, `{"error":"internal error"}`)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, `{"error":"not found"}`)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "user_ack": true})
}
