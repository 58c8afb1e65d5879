package dbexec

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quarrylabs/quarry/agent/pkg/workflow"
)

// ResultTable is a materialized SELECT result held for stable pagination.
type ResultTable struct {
	ID        string
	SQL       string
	Columns   []string
	Rows      []map[string]any
	TotalRows int
	CreatedAt time.Time

	// seq orders tables for eviction; CreatedAt alone is not monotonic at
	// clock resolution.
	seq uint64
}

// TableRegistry stores result tables for one session. table_id is the
// canonical paging handle; page retrieval is idempotent for identical
// (table_id, page, page_size).
type TableRegistry struct {
	mu       sync.RWMutex
	tables   map[string]*ResultTable
	maxSize  int
	pageMax  int
	pageSize int
	nextSeq  uint64
}

// NewTableRegistry creates a registry bounded to maxTables entries (oldest
// evicted first).
func NewTableRegistry(maxTables, defaultPageSize, maxPageSize int) *TableRegistry {
	if maxTables <= 0 {
		maxTables = 32
	}
	if defaultPageSize <= 0 {
		defaultPageSize = workflow.DefaultPageSize
	}
	if maxPageSize <= 0 {
		maxPageSize = workflow.MaxPageSize
	}
	return &TableRegistry{
		tables:   make(map[string]*ResultTable),
		maxSize:  maxTables,
		pageSize: defaultPageSize,
		pageMax:  maxPageSize,
	}
}

// Register stores a fresh result set and returns its table.
func (r *TableRegistry) Register(sql string, columns []string, rows []map[string]any) *ResultTable {
	t := &ResultTable{
		ID:        uuid.NewString(),
		SQL:       sql,
		Columns:   columns,
		Rows:      rows,
		TotalRows: len(rows),
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	t.seq = r.nextSeq

	if len(r.tables) >= r.maxSize {
		r.evictOldestLocked()
	}
	r.tables[t.ID] = t
	return t
}

func (r *TableRegistry) evictOldestLocked() {
	var oldestID string
	var oldest uint64
	for id, t := range r.tables {
		if oldestID == "" || t.seq < oldest {
			oldestID = id
			oldest = t.seq
		}
	}
	if oldestID != "" {
		delete(r.tables, oldestID)
	}
}

// Get returns a stored table by id.
func (r *TableRegistry) Get(tableID string) (*ResultTable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[tableID]
	return t, ok
}

// ClampPageSize normalizes a requested page size to [1, max], default when 0.
func (r *TableRegistry) ClampPageSize(pageSize int) int {
	if pageSize <= 0 {
		return r.pageSize
	}
	if pageSize > r.pageMax {
		return r.pageMax
	}
	return pageSize
}

// TotalPages computes the 1-indexed page count; an empty table still has one
// (empty) page.
func TotalPages(totalRows, pageSize int) int {
	if totalRows <= 0 {
		return 1
	}
	return (totalRows + pageSize - 1) / pageSize
}

// GetPage returns one page of a stored table. Pages are 1-indexed; requests
// outside [1, total_pages] fail with invalid_page.
func (r *TableRegistry) GetPage(tableID string, page, pageSize int) (*workflow.Page, error) {
	t, ok := r.Get(tableID)
	if !ok {
		return nil, workflow.NewTurnError(workflow.ErrInvalidPage, "unknown table id: "+tableID)
	}

	pageSize = r.ClampPageSize(pageSize)
	totalPages := TotalPages(t.TotalRows, pageSize)
	if page < 1 || page > totalPages {
		return nil, workflow.NewTurnError(workflow.ErrInvalidPage,
			"page out of range: allowed range is 1.."+strconv.Itoa(totalPages))
	}

	start := (page - 1) * pageSize
	end := start + pageSize
	if start > t.TotalRows {
		start = t.TotalRows
	}
	if end > t.TotalRows {
		end = t.TotalRows
	}

	return &workflow.Page{
		Rows:       t.Rows[start:end],
		Columns:    t.Columns,
		Page:       page,
		TotalPages: totalPages,
		TotalRows:  t.TotalRows,
		PageSize:   pageSize,
	}, nil
}

// PaginationFor builds the envelope pagination block for a stored table.
func (r *TableRegistry) PaginationFor(t *ResultTable, page, pageSize int) *workflow.Pagination {
	pageSize = r.ClampPageSize(pageSize)
	totalPages := TotalPages(t.TotalRows, pageSize)
	return &workflow.Pagination{
		TableID:     t.ID,
		CurrentPage: page,
		TotalPages:  totalPages,
		TotalRows:   t.TotalRows,
		PageSize:    pageSize,
		HasNext:     page < totalPages,
		HasPrev:     page > 1,
	}
}
