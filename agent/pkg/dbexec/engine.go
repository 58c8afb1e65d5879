// Package dbexec runs generated SQL against the target database: single
// SELECTs with stable pagination, multi-statement transactional edits with
// rollback, and schema-change detection.
package dbexec

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/quarrylabs/quarry/agent/pkg/workflow"
	"github.com/quarrylabs/quarry/api/metrics"
)

// DB is the subset of the pgx pool the engine needs. *pgxpool.Pool satisfies it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ddlRe matches statements that change the schema: CREATE/DROP of
// TABLE/INDEX/VIEW/SCHEMA/SEQUENCE, ALTER TABLE, TRUNCATE and RENAME.
var ddlRe = regexp.MustCompile(`(?is)^\s*(?:(?:CREATE|DROP)\s+(?:UNIQUE\s+)?(?:MATERIALIZED\s+)?(?:TABLE|INDEX|VIEW|SCHEMA|SEQUENCE)\b|ALTER\s+TABLE\b|TRUNCATE\b|RENAME\b)`)

// IsSchemaChanging reports whether a statement begins (after whitespace and
// comments) with a schema-changing keyword sequence.
func IsSchemaChanging(sql string) bool {
	return ddlRe.MatchString(stripLeadingComments(sql))
}

var leadingComments = regexp.MustCompile(`(?s)^(?:\s*(?:--[^\n]*\n?|/\*.*?\*/))*`)

func stripLeadingComments(sql string) string {
	return leadingComments.ReplaceAllString(sql, "")
}

// Engine implements workflow.Executor over a shared connection pool. One
// engine per session; the table registry it holds belongs to that session.
type Engine struct {
	db      DB
	log     *slog.Logger
	tables  *TableRegistry
	timeout time.Duration

	// onSchemaChange is invoked after any committed DDL so the schema
	// analyzer can refresh and bump its version.
	onSchemaChange func(ctx context.Context)
}

// NewEngine creates an engine around the shared pool and a per-session table
// registry.
func NewEngine(db DB, tables *TableRegistry, log *slog.Logger, timeout time.Duration, onSchemaChange func(ctx context.Context)) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = workflow.DefaultDBTimeout
	}
	return &Engine{
		db:             db,
		log:            log,
		tables:         tables,
		timeout:        timeout,
		onSchemaChange: onSchemaChange,
	}
}

// Tables exposes the session's result-table registry.
func (e *Engine) Tables() *TableRegistry {
	return e.tables
}

// ScanRows drains pgx rows into column names and generic row maps.
func ScanRows(rows pgx.Rows) ([]string, []map[string]any, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return columns, out, nil
}

// ExecuteSelect runs a SELECT, materializes all rows under a fresh table id
// and returns them. Empty result sets are not an error.
func (e *Engine) ExecuteSelect(ctx context.Context, sql string) (*workflow.SelectResult, error) {
	sql = strings.TrimSuffix(strings.TrimSpace(sql), ";")

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	rows, err := e.db.Query(ctx, sql)
	if err != nil {
		metrics.RecordPostgresQuery(time.Since(start), err)
		return nil, workflow.NewTurnError(workflow.ErrSQLExecutionFailed, trimDBError(err.Error()))
	}

	columns, data, err := ScanRows(rows)
	elapsed := time.Since(start)
	metrics.RecordPostgresQuery(elapsed, err)
	if err != nil {
		return nil, workflow.NewTurnError(workflow.ErrSQLExecutionFailed, trimDBError(err.Error()))
	}

	workflow.SanitizeRows(data)

	t := e.tables.Register(sql, columns, data)
	e.log.Debug("select executed", "rows", len(data), "elapsed", elapsed, "table_id", t.ID)

	return &workflow.SelectResult{
		Columns:   columns,
		Rows:      data,
		TotalRows: len(data),
		TableID:   t.ID,
		Elapsed:   elapsed,
	}, nil
}

// ExecuteEdit runs one or more write statements. More than one statement, or
// transaction mode, makes the batch atomic: the first failure rolls back
// everything executed so far and skips the rest.
func (e *Engine) ExecuteEdit(ctx context.Context, sqls []string, transaction bool) (*workflow.EditOutcome, error) {
	if len(sqls) == 0 {
		return &workflow.EditOutcome{}, nil
	}

	useTx := transaction || len(sqls) > 1
	if useTx {
		return e.executeTx(ctx, sqls)
	}
	return e.executeSingle(ctx, sqls[0])
}

func (e *Engine) executeSingle(ctx context.Context, sql string) (*workflow.EditOutcome, error) {
	sql = strings.TrimSuffix(strings.TrimSpace(sql), ";")

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	tag, err := e.db.Exec(ctx, sql)
	metrics.RecordPostgresQuery(time.Since(start), err)

	outcome := &workflow.EditOutcome{Transaction: false}
	if err != nil {
		outcome.PerStatement = []workflow.StatementResult{{
			SQL:   sql,
			Error: trimDBError(err.Error()),
		}}
		outcome.FailedAtQuery = 1
		return outcome, nil
	}

	outcome.PerStatement = []workflow.StatementResult{{
		SQL:          sql,
		Success:      true,
		AffectedRows: tag.RowsAffected(),
	}}
	if IsSchemaChanging(sql) {
		outcome.SchemaChanged = true
		e.notifySchemaChange(ctx)
	}
	return outcome, nil
}

func (e *Engine) executeTx(ctx context.Context, sqls []string) (*workflow.EditOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	outcome := &workflow.EditOutcome{Transaction: true}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return nil, workflow.NewTurnError(workflow.ErrTransactionFailed, trimDBError(err.Error()))
	}

	results := make([]workflow.StatementResult, len(sqls))
	failedAt := 0
	ddl := false

	for i, raw := range sqls {
		sql := strings.TrimSuffix(strings.TrimSpace(raw), ";")
		results[i].SQL = sql

		if failedAt > 0 {
			results[i].Skipped = true
			continue
		}

		start := time.Now()
		tag, execErr := tx.Exec(ctx, sql)
		metrics.RecordPostgresQuery(time.Since(start), execErr)

		if execErr != nil {
			results[i].Error = trimDBError(execErr.Error())
			failedAt = i + 1
			continue
		}

		results[i].Success = true
		results[i].AffectedRows = tag.RowsAffected()
		if IsSchemaChanging(sql) {
			ddl = true
		}
	}

	if failedAt > 0 {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			e.log.Error("rollback failed", "error", rbErr)
		}
		for i := range results {
			if results[i].Success {
				results[i].Success = false
				results[i].RolledBack = true
			}
		}
		outcome.PerStatement = results
		outcome.Rollback = true
		outcome.FailedAtQuery = failedAt
		return outcome, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, workflow.NewTurnError(workflow.ErrTransactionFailed, trimDBError(err.Error()))
	}

	outcome.PerStatement = results
	if ddl {
		outcome.SchemaChanged = true
		e.notifySchemaChange(ctx)
	}
	return outcome, nil
}

func (e *Engine) notifySchemaChange(ctx context.Context) {
	if e.onSchemaChange != nil {
		e.onSchemaChange(ctx)
	}
}

// Validate runs EXPLAIN on the statement. It returns the database error text,
// or "" when the statement is valid. Error messages are safe to feed back to
// the generator for auto-fix.
func (e *Engine) Validate(ctx context.Context, sql string) string {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	rows, err := e.db.Query(ctx, "EXPLAIN "+sql)
	metrics.RecordPostgresQuery(time.Since(start), err)
	if err != nil {
		return trimDBError(err.Error())
	}
	rows.Close()
	return ""
}

// GetPage retrieves one page of a stored result table.
func (e *Engine) GetPage(tableID string, page, pageSize int) (*workflow.Page, error) {
	return e.tables.GetPage(tableID, page, pageSize)
}

func trimDBError(msg string) string {
	if len(msg) > 500 {
		return msg[:500] + "..."
	}
	return msg
}
