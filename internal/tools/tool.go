package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
)

const maxToolRequestBytes = 16 << 10

// ErrInvalidParams is returned by Execute when the request body does not
// decode or fails validation.
var ErrInvalidParams = errors.New("invalid tool params")

// Tool is a context lookup Guardian exposes over HTTP at /tools/{name}.
type Tool interface {
	Name() string
	Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// Registry holds available tools.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry, keyed by its Name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get retrieves a tool by name, returns the tool and a boolean indicating if it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Routes mounts POST /tools/{name} for every registered tool.
func (r *Registry) Routes(router chi.Router) {
	router.Post("/tools/{name}", r.handle)
}

func (r *Registry) handle(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	L := log.FromContext(ctx)

	name := chi.URLParam(req, "name")
	t, ok := r.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tool")
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxToolRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	out, err := t.Execute(ctx, body)
	if err != nil {
		if errors.Is(err, ErrInvalidParams) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		L.Error(ctx, err, "tool execution failed", "tool", name)
		writeError(w, http.StatusInternalServerError, "tool execution failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
