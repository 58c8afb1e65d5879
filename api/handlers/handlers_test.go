package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/quarrylabs/quarry/agent/pkg/dbexec"
	"github.com/quarrylabs/quarry/agent/pkg/session"
	"github.com/quarrylabs/quarry/agent/pkg/workflow"
	"github.com/quarrylabs/quarry/agent/pkg/workflow/prompts"
	"github.com/quarrylabs/quarry/api/handlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chattyLLM struct{}

func (chattyLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return `{"workflow_type": "conversational", "direct_response": "hello there"}`, nil
}

type pagingExecutor struct {
	tables *dbexec.TableRegistry
}

func (e *pagingExecutor) ExecuteSelect(ctx context.Context, sql string) (*workflow.SelectResult, error) {
	return &workflow.SelectResult{}, nil
}

func (e *pagingExecutor) ExecuteEdit(ctx context.Context, sqls []string, transaction bool) (*workflow.EditOutcome, error) {
	return &workflow.EditOutcome{}, nil
}

func (e *pagingExecutor) Validate(ctx context.Context, sql string) string { return "" }

func (e *pagingExecutor) GetPage(tableID string, page, pageSize int) (*workflow.Page, error) {
	return e.tables.GetPage(tableID, page, pageSize)
}

type staticSchema struct{}

func (staticSchema) ContextBlob(ctx context.Context) (string, error) { return "t: id", nil }
func (staticSchema) Version() int64                                  { return 1 }
func (staticSchema) Invalidate(ctx context.Context) error            { return nil }
func (staticSchema) ExploreColumn(ctx context.Context, column string, limit int) ([]string, error) {
	return nil, nil
}

func newTestRouter(t *testing.T) (chi.Router, *dbexec.TableRegistry) {
	t.Helper()

	promptLib, err := prompts.Load()
	require.NoError(t, err)

	tables := dbexec.NewTableRegistry(8, 10, 200)
	opts := workflow.DefaultOptions()
	opts.UseMemory = false
	opts.UseCache = false

	factory := func(sessionID string) (*session.Session, error) {
		engine := dbexec.NewEngine(nil, tables, nil, time.Second, nil)
		gen, err := workflow.New(&workflow.Config{
			LLM:      chattyLLM{},
			Executor: &pagingExecutor{tables: tables},
			Schema:   staticSchema{},
			Prompts:  promptLib,
			Options:  opts,
		}, "t")
		if err != nil {
			return nil, err
		}
		return session.NewSession(sessionID, gen, engine), nil
	}

	registry := session.NewRegistry(factory, nil, nil, time.Hour, nil)
	r := chi.NewRouter()
	handlers.New(registry).Routes(r)
	return r, tables
}

func postJSON(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestQuery_Conversational(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := postJSON(t, router, "/api/query", handlers.QueryRequest{Question: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	var reply handlers.QueryReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))

	assert.Equal(t, workflow.QueryTypeConversational, reply.QueryType)
	assert.Equal(t, "hello there", reply.Text)
	assert.NotEmpty(t, reply.SessionID)
	_, err := uuid.Parse(reply.SessionID)
	assert.NoError(t, err)
}

func TestQuery_KeepsProvidedSessionID(t *testing.T) {
	router, _ := newTestRouter(t)
	id := uuid.NewString()

	rec := postJSON(t, router, "/api/query", handlers.QueryRequest{SessionID: id, Question: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	var reply handlers.QueryReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, id, reply.SessionID)
}

func TestQuery_Validation(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := postJSON(t, router, "/api/query", handlers.QueryRequest{Question: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, router, "/api/query", handlers.QueryRequest{SessionID: "not-a-uuid", Question: "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/query", bytes.NewReader([]byte("{broken")))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPage(t *testing.T) {
	router, tables := newTestRouter(t)

	var rows []map[string]any
	for i := 1; i <= 30; i++ {
		rows = append(rows, map[string]any{"id": i})
	}
	table := tables.Register("SELECT id FROM t", []string{"id"}, rows)
	sessionID := uuid.NewString()

	req := httptest.NewRequest(http.MethodGet,
		"/api/sessions/"+sessionID+"/tables/"+table.ID+"?page=2&page_size=10", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var page handlers.PageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))

	assert.Len(t, page.Results, 10)
	assert.Equal(t, float64(11), page.Results[0]["id"]) // JSON numbers decode as float64
	require.NotNil(t, page.Pagination)
	assert.Equal(t, 3, page.Pagination.TotalPages)
	assert.True(t, page.Pagination.HasPrev)
	assert.True(t, page.Pagination.HasNext)
}

func TestGetPage_InvalidPage(t *testing.T) {
	router, tables := newTestRouter(t)
	table := tables.Register("SELECT id FROM t", []string{"id"}, []map[string]any{{"id": 1}})

	req := httptest.NewRequest(http.MethodGet,
		"/api/sessions/"+uuid.NewString()+"/tables/"+table.ID+"?page=99", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "allowed range")
}

func TestCreateAndDeleteSession(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := postJSON(t, router, "/api/sessions", struct{}{})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created handlers.CreateSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.SessionID)

	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/"+created.SessionID, nil)
	del := httptest.NewRecorder()
	router.ServeHTTP(del, req)
	assert.Equal(t, http.StatusNoContent, del.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/sessions/not-a-uuid", nil)
	del = httptest.NewRecorder()
	router.ServeHTTP(del, req)
	assert.Equal(t, http.StatusBadRequest, del.Code)
}

func TestExecuteEdit_Validation(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := postJSON(t, router, "/api/execute", handlers.ExecuteRequest{SQL: "UPDATE t SET x = 1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "session_id required")

	rec = postJSON(t, router, "/api/execute", handlers.ExecuteRequest{SessionID: uuid.NewString()})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "sql required")
}
