package workflow

import (
	"context"
	"time"
)

// WorkflowType classifies how a turn is processed.
type WorkflowType string

const (
	WorkflowConversational WorkflowType = "conversational"
	WorkflowStandard       WorkflowType = "standard"
	WorkflowAnalytical     WorkflowType = "analytical"
	WorkflowError          WorkflowType = "error"
)

// QueryType labels the response envelope for the HTTP layer.
type QueryType string

const (
	QueryTypeConversational QueryType = "conversational"
	QueryTypeSQL            QueryType = "sql"
	QueryTypeEditSQL        QueryType = "edit_sql"
	QueryTypeAnalysis       QueryType = "analysis"
	QueryTypeEditExecution  QueryType = "edit_execution"
)

// ErrorKind is the closed taxonomy of turn errors.
type ErrorKind string

const (
	ErrRoutingFailed       ErrorKind = "routing_failed"
	ErrGenerationFailed    ErrorKind = "generation_failed"
	ErrParseFailed         ErrorKind = "parse_failed"
	ErrSQLExecutionFailed  ErrorKind = "sql_execution_failed"
	ErrTransactionFailed   ErrorKind = "transaction_failed"
	ErrInvalidPage         ErrorKind = "invalid_page"
	ErrSchemaRefreshFailed ErrorKind = "schema_refresh_failed"
	ErrAnalyticalAllFailed ErrorKind = "analytical_all_failed"
	ErrTimeout             ErrorKind = "timeout"
	ErrCancelled           ErrorKind = "cancelled"
)

// TurnError pairs an ErrorKind with a user-presentable message.
type TurnError struct {
	Kind    ErrorKind
	Message string
}

func (e *TurnError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// NewTurnError builds a TurnError.
func NewTurnError(kind ErrorKind, message string) *TurnError {
	return &TurnError{Kind: kind, Message: message}
}

// AnalyticalQuestion is one planned sub-question of an analytical turn.
type AnalyticalQuestion struct {
	Question     string   `json:"question"`
	Intent       string   `json:"intent"`
	FocusColumns []string `json:"focus_columns"`
}

// AnalyticalResult is the executed outcome of one sub-question.
type AnalyticalResult struct {
	SubQuestion string           `json:"sub_question"`
	Intent      string           `json:"intent"`
	SQL         string           `json:"sql"`
	Columns     []string         `json:"columns"`
	Rows        []map[string]any `json:"rows"`
	TableID     string           `json:"table_id,omitempty"`
	ElapsedMS   int64            `json:"elapsed_ms"`
	Error       string           `json:"error,omitempty"`
}

// TurnState is the record threaded through graph nodes. Node functions treat
// it as immutable: they copy, modify the copy, and return it.
type TurnState struct {
	SessionID string
	Question  string
	UserRole  string
	EditMode  bool

	SchemaContext string
	MemoryContext string

	WorkflowType WorkflowType

	// Generation output.
	SQL            []string
	Rationale      string
	IsEdit         bool
	DirectResponse string

	// Execution output.
	Columns   []string
	Rows      []map[string]any
	TableID   string
	TotalRows int
	ElapsedMS int64

	// Edit execution output.
	EditOutcome *EditOutcome

	// Verification.
	Verification *VerificationReport

	// Analytical workflow.
	AnalyticalQuestions   []AnalyticalQuestion
	AnalyticalResults     []AnalyticalResult
	ComprehensiveAnalysis string

	// Error and retry bookkeeping.
	Err                *TurnError
	ValidationAttempts int
	LastSQLError       string

	// Final response text.
	ResponseText string
	CacheHit     bool
}

// VerificationReport is the structured safety/correctness assessment for edit SQL.
type VerificationReport struct {
	IsSafe                   bool     `json:"is_safe"`
	IsCorrect                bool     `json:"is_correct"`
	SafetyIssues             []string `json:"safety_issues"`
	CorrectnessIssues        []string `json:"correctness_issues"`
	ImpactAssessment         string   `json:"impact_assessment"`
	EstimatedAffectedRecords int64    `json:"estimated_affected_records"`
	Recommendations          []string `json:"recommendations"`
	Verdict                  Verdict  `json:"verdict"`
	Explanation              string   `json:"explanation"`
}

// Verdict is the verifier's final label.
type Verdict string

const (
	VerdictSafe           Verdict = "SAFE_TO_EXECUTE"
	VerdictRequiresReview Verdict = "REQUIRES_REVIEW"
	VerdictDoNotExecute   Verdict = "DO_NOT_EXECUTE"
)

// StatementResult is the per-statement record of an edit execution.
type StatementResult struct {
	SQL          string `json:"sql"`
	Success      bool   `json:"success"`
	AffectedRows int64  `json:"affected_rows"`
	Error        string `json:"error,omitempty"`
	RolledBack   bool   `json:"rolled_back,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`
}

// EditOutcome summarizes a (possibly multi-statement) edit execution.
type EditOutcome struct {
	PerStatement  []StatementResult `json:"per_statement"`
	Transaction   bool              `json:"transaction"`
	Rollback      bool              `json:"rollback"`
	FailedAtQuery int               `json:"failed_at_query,omitempty"` // 1-indexed
	SchemaChanged bool              `json:"schema_changed"`
}

// Pagination describes the stable paging handle for a stored result table.
type Pagination struct {
	TableID     string `json:"table_id"`
	CurrentPage int    `json:"current_page"`
	TotalPages  int    `json:"total_pages"`
	TotalRows   int    `json:"total_rows"`
	PageSize    int    `json:"page_size"`
	HasNext     bool   `json:"has_next"`
	HasPrev     bool   `json:"has_prev"`
}

// AnalysisTable is one sub-question table in an analytical response.
type AnalysisTable struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	SQL         string           `json:"sql"`
	Results     []map[string]any `json:"results"`
	RowCount    int              `json:"row_count"`
	TableID     string           `json:"table_id,omitempty"`
	Pagination  *Pagination      `json:"pagination,omitempty"`
}

// QueryResponse is the envelope returned to the HTTP layer for every turn.
type QueryResponse struct {
	QueryType QueryType        `json:"query_type"`
	Text      string           `json:"text"`
	Success   bool             `json:"success"`
	SQL       string           `json:"sql,omitempty"`
	Results   []map[string]any `json:"results,omitempty"`

	Pagination *Pagination     `json:"pagination,omitempty"`
	Tables     []AnalysisTable `json:"tables,omitempty"`

	AnalysisType string `json:"analysis_type,omitempty"`

	RequiresConfirmation bool                `json:"requires_confirmation,omitempty"`
	VerificationResult   *VerificationReport `json:"verification_result,omitempty"`

	VisualizationRecommendations *ChartRecommendation `json:"visualization_recommendations,omitempty"`

	TransactionMode   bool              `json:"transaction_mode,omitempty"`
	RollbackPerformed bool              `json:"rollback_performed,omitempty"`
	FailedAtQuery     int               `json:"failed_at_query,omitempty"`
	QueryResults      []StatementResult `json:"query_results,omitempty"`

	FollowUpQuestions []string `json:"follow_up_questions,omitempty"`

	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}

// ChartRecommendation is the chart recommender output.
type ChartRecommendation struct {
	IsVisualizable  bool        `json:"is_visualizable"`
	Reason          string      `json:"reason,omitempty"`
	Recommendations []ChartSpec `json:"recommendations,omitempty"`
}

// ChartSpec is a single suggested chart.
type ChartSpec struct {
	ChartType       string  `json:"chart_type"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	XAxis           string  `json:"x_axis"`
	YAxis           string  `json:"y_axis"`
	SecondaryYAxis  string  `json:"secondary_y_axis,omitempty"`
	ConfidenceScore float64 `json:"confidence_score"`
}

// SelectResult is the outcome of a single SELECT execution.
type SelectResult struct {
	Columns   []string
	Rows      []map[string]any
	TotalRows int
	TableID   string
	Elapsed   time.Duration
}

// Page is one page of a stored result table.
type Page struct {
	Rows       []map[string]any
	Columns    []string
	Page       int
	TotalPages int
	TotalRows  int
	PageSize   int
}

// LLMClient is the interface for interacting with an LLM.
type LLMClient interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Executor runs SQL against the target database.
type Executor interface {
	// ExecuteSelect runs a SELECT and registers its rows under a fresh table id.
	ExecuteSelect(ctx context.Context, sql string) (*SelectResult, error)
	// ExecuteEdit runs one or more statements; more than one statement or
	// transaction mode makes the whole batch atomic.
	ExecuteEdit(ctx context.Context, sqls []string, transaction bool) (*EditOutcome, error)
	// Validate checks a statement without running it (EXPLAIN). Returns the
	// database error text, or "" when the statement is valid.
	Validate(ctx context.Context, sql string) string
	// GetPage retrieves one page of a previously stored result table.
	GetPage(tableID string, page, pageSize int) (*Page, error)
}

// SchemaProvider exposes the analyzed target-table context.
type SchemaProvider interface {
	// ContextBlob returns the LLM-ready schema description.
	ContextBlob(ctx context.Context) (string, error)
	// Version returns the current schema version counter.
	Version() int64
	// Invalidate forces a refresh; incremental first, full re-analysis on failure.
	Invalidate(ctx context.Context) error
	// ExploreColumn probes distinct values of one column, bounded by limit.
	ExploreColumn(ctx context.Context, column string, limit int) ([]string, error)
}

// Memory stores and retrieves conversation turns for one session.
type Memory interface {
	Store(ctx context.Context, sessionID, role, text string, metadata map[string]any) error
	Retrieve(ctx context.Context, sessionID, query string, k int) (string, error)
}

// CachedResult is a replayable prior answer for an identical question.
type CachedResult struct {
	Question      string
	SQL           string
	Columns       []string
	Rows          []map[string]any
	TotalRows     int
	TableID       string
	ResponseText  string
	SchemaVersion int64
	CreatedAt     time.Time
}

// QueryCache is the deterministic fingerprint → prior result lookup.
type QueryCache interface {
	Get(sessionID, question string, schemaVersion int64) (*CachedResult, bool)
	Put(sessionID, question string, schemaVersion int64, result *CachedResult)
	Invalidate(schemaVersion int64)
}
