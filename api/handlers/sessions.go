package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// CreateSessionResponse returns the fresh session handle.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

// CreateSession allocates a session id. State is created lazily on the first
// turn.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, CreateSessionResponse{SessionID: uuid.NewString()})
}

// DeleteSession removes a session and all its memory, cache and result
// tables.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := uuid.Parse(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid session_id")
		return
	}

	h.Sessions.Delete(sessionID)
	w.WriteHeader(http.StatusNoContent)
}
