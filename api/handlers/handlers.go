// Package handlers exposes the generator workflow over HTTP: one endpoint
// per core contract (query, pagination, edit confirmation, session
// lifecycle). The response bodies are the workflow envelope verbatim.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/quarrylabs/quarry/agent/pkg/session"
)

// Handlers bundles the HTTP surface's dependencies.
type Handlers struct {
	Sessions *session.Registry
}

// New creates the handler set.
func New(sessions *session.Registry) *Handlers {
	return &Handlers{Sessions: sessions}
}

// Routes mounts all endpoints on the router.
func (h *Handlers) Routes(r chi.Router) {
	r.Post("/api/query", h.Query)
	r.Post("/api/execute", h.ExecuteEdit)
	r.Post("/api/sessions", h.CreateSession)
	r.Delete("/api/sessions/{sessionID}", h.DeleteSession)
	r.Get("/api/sessions/{sessionID}/tables/{tableID}", h.GetPage)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
