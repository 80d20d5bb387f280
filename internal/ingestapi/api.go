// Package ingestapi serves the HTTP intake and query API: reading
// submission, per-subject window snapshots, and intervention records.
package ingestapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/guardian/internal/authmw"
	"github.com/linnemanlabs/guardian/internal/investigation"
	"github.com/linnemanlabs/guardian/internal/telemetry"
)

const (
	defaultInterventionLimit = 50
	maxInterventionLimit     = 500
)

// Submitter accepts readings for asynchronous triage.
type Submitter interface {
	Submit(ctx context.Context, r telemetry.Reading) error
}

// WindowReader returns a subject's current sliding window.
type WindowReader interface {
	Window(subjectID string) []telemetry.Reading
}

// InterventionReader lists and acknowledges intervention records.
type InterventionReader interface {
	ListInterventions(ctx context.Context, subjectID string, limit int) ([]investigation.InterventionRecord, error)
	AckIntervention(ctx context.Context, id string) (bool, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger        log.Logger
	intake        Submitter
	windows       WindowReader
	interventions InterventionReader
	tokens        []string
}

// New creates a new API handler. token is a comma-separated list of accepted
// bearer tokens; an empty list disables auth.
func New(logger log.Logger, intake Submitter, windows WindowReader, interventions InterventionReader, token string) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if intake == nil {
		panic(xerrors.New("reading submitter is required"))
	}
	if windows == nil {
		panic(xerrors.New("window reader is required"))
	}
	if interventions == nil {
		panic(xerrors.New("intervention reader is required"))
	}
	return &API{
		logger:        logger,
		intake:        intake,
		windows:       windows,
		interventions: interventions,
		tokens:        authmw.ParseTokens(token),
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if len(a.tokens) > 0 {
			r.Use(authmw.BearerToken(a.tokens...))
		}
		r.Post("/readings", a.handleSubmitReading)
		r.Get("/subjects/{id}/window", a.handleGetWindow)
		r.Get("/subjects/{id}/interventions", a.handleListInterventions)
		r.Post("/interventions/{id}/ack", a.handleAckIntervention)
	})
}

func writeError(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body + "\n"))
}
