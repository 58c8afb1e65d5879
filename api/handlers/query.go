package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/quarrylabs/quarry/agent/pkg/workflow"
	"github.com/quarrylabs/quarry/api/metrics"
)

// QueryRequest is one user turn.
type QueryRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Question  string `json:"question"`
	UserRole  string `json:"user_role,omitempty"`
	EditMode  bool   `json:"edit_mode,omitempty"`
}

// QueryReply wraps the workflow envelope with the session id so first-turn
// callers learn their session handle.
type QueryReply struct {
	*workflow.QueryResponse
	SessionID string `json:"session_id"`
}

// Query processes one turn through the graph and returns the envelope.
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "Question is required")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else if _, err := uuid.Parse(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid session_id")
		return
	}

	resp, err := h.Sessions.ProcessTurn(r.Context(), sessionID, req.Question, req.UserRole, req.EditMode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to process question", err))
		return
	}

	metrics.RecordTurn(string(resp.QueryType), resp.Success)
	writeJSON(w, http.StatusOK, QueryReply{QueryResponse: resp, SessionID: sessionID})
}
