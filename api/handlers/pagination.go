package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/quarrylabs/quarry/agent/pkg/workflow"
)

// PageResponse carries one page of a stored result table, shaped like the
// envelope's results and pagination fields.
type PageResponse struct {
	Results    []map[string]any     `json:"results"`
	Pagination *workflow.Pagination `json:"pagination"`
}

// GetPage serves a page of a previously materialized result table. Pages are
// 1-indexed and idempotent for identical (table_id, page, page_size).
func (h *Handlers) GetPage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	tableID := chi.URLParam(r, "tableID")

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 0)

	p, err := h.Sessions.GetPage(sessionID, tableID, page, pageSize)
	if err != nil {
		var te *workflow.TurnError
		if errors.As(err, &te) && te.Kind == workflow.ErrInvalidPage {
			writeError(w, http.StatusBadRequest, te.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, internalError("Failed to fetch page", err))
		return
	}

	writeJSON(w, http.StatusOK, PageResponse{
		Results: p.Rows,
		Pagination: &workflow.Pagination{
			TableID:     tableID,
			CurrentPage: p.Page,
			TotalPages:  p.TotalPages,
			TotalRows:   p.TotalRows,
			PageSize:    p.PageSize,
			HasNext:     p.Page < p.TotalPages,
			HasPrev:     p.Page > 1,
		},
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
