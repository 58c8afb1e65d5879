package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/quarrylabs/quarry/agent/pkg/workflow"
)

// ExecuteRequest re-submits verified edit statements for execution (the
// edit-mode confirmation contract). SQL may be a single blob using the
// multi-statement separator, or an explicit list.
type ExecuteRequest struct {
	SessionID       string   `json:"session_id"`
	SQL             string   `json:"sql,omitempty"`
	SQLs            []string `json:"sqls,omitempty"`
	TransactionMode bool     `json:"transaction_mode,omitempty"`
}

// ExecuteEdit runs confirmed edit statements and returns an edit_execution
// envelope.
func (h *Handlers) ExecuteEdit(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	sqls := req.SQLs
	if len(sqls) == 0 {
		sqls = workflow.SplitStatements(req.SQL)
	}
	if len(sqls) == 0 {
		writeError(w, http.StatusBadRequest, "No SQL statements provided")
		return
	}

	outcome, err := h.Sessions.ExecuteEdit(r.Context(), req.SessionID, sqls, req.TransactionMode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to execute statements", err))
		return
	}

	resp := &workflow.QueryResponse{
		QueryType:         workflow.QueryTypeEditExecution,
		Success:           outcome.FailedAtQuery == 0,
		SQL:               workflow.JoinStatements(sqls),
		TransactionMode:   outcome.Transaction,
		RollbackPerformed: outcome.Rollback,
		FailedAtQuery:     outcome.FailedAtQuery,
		QueryResults:      outcome.PerStatement,
	}
	resp.Text = editText(outcome)
	if !resp.Success {
		resp.ErrorKind = workflow.ErrTransactionFailed
	}

	writeJSON(w, http.StatusOK, resp)
}

func editText(outcome *workflow.EditOutcome) string {
	if outcome.FailedAtQuery > 0 {
		failed := outcome.PerStatement[outcome.FailedAtQuery-1]
		if outcome.Rollback {
			return "Statement " + strconv.Itoa(outcome.FailedAtQuery) + " failed (" + failed.Error + "); the transaction was rolled back."
		}
		return "The statement failed: " + failed.Error
	}

	var affected int64
	for _, s := range outcome.PerStatement {
		affected += s.AffectedRows
	}
	text := "Statements executed successfully."
	if affected > 0 {
		text = "Statements executed successfully, " + strconv.FormatInt(affected, 10) + " row(s) affected."
	}
	if outcome.SchemaChanged {
		text += " The table schema changed and was re-analyzed."
	}
	return text
}
