// Package schema introspects the analyzed target table and renders the
// LLM-ready context blob consumed by every prompt.
package schema

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/quarrylabs/quarry/agent/pkg/dbexec"
)

const (
	sampleRowLimit = 10
	// Probes fetch more values than the display cap to detect high cardinality.
	distinctProbeLimit = 20
	distinctShowLimit  = 15
)

// Querier is the subset of the pgx pool the analyzer needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Column describes one column of the analyzed table.
type Column struct {
	Name       string
	DataType   string
	Nullable   bool
	Default    string
	PrimaryKey bool
	ForeignKey string // "table.column" or ""
}

// TableInfo is the machine-readable analysis result.
type TableInfo struct {
	Schema      string
	Table       string
	Columns     []Column
	Constraints []string
	Indexes     []string
	RowCount    int64
	SampleRows  []map[string]any
	SampleCols  []string
	// DistinctValues holds probe results for low-cardinality columns.
	DistinctValues map[string][]string
	// NumericRanges holds min/max for numeric and date columns.
	NumericRanges map[string][2]string
	AnalyzedAt    time.Time
}

// Analyzer introspects one target table and caches the result. It implements
// workflow.SchemaProvider.
type Analyzer struct {
	db     Querier
	log    *slog.Logger
	schema string
	table  string

	mu      sync.RWMutex
	info    *TableInfo
	blob    string
	version atomic.Int64

	probeMu    sync.Mutex
	probeCache map[string][]string
	probeVer   int64
}

// NewAnalyzer creates an analyzer for schema.table.
func NewAnalyzer(db Querier, schemaName, table string, log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	if schemaName == "" {
		schemaName = "public"
	}
	a := &Analyzer{
		db:         db,
		log:        log,
		schema:     schemaName,
		table:      table,
		probeCache: make(map[string][]string),
	}
	a.version.Store(1)
	return a
}

// Version returns the monotonic schema version counter.
func (a *Analyzer) Version() int64 {
	return a.version.Load()
}

// qualified returns the quoted schema-qualified table name.
func (a *Analyzer) qualified() string {
	return pgx.Identifier{a.schema, a.table}.Sanitize()
}

// ContextBlob returns the LLM-ready schema description, analyzing lazily on
// first use.
func (a *Analyzer) ContextBlob(ctx context.Context) (string, error) {
	a.mu.RLock()
	blob := a.blob
	a.mu.RUnlock()
	if blob != "" {
		return blob, nil
	}
	if err := a.Analyze(ctx); err != nil {
		return "", err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.blob, nil
}

// Info returns the current machine-readable analysis, analyzing lazily.
func (a *Analyzer) Info(ctx context.Context) (*TableInfo, error) {
	a.mu.RLock()
	info := a.info
	a.mu.RUnlock()
	if info != nil {
		return info, nil
	}
	if err := a.Analyze(ctx); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.info, nil
}

// Analyze performs a full introspection pass and rebuilds the context blob.
func (a *Analyzer) Analyze(ctx context.Context) error {
	info := &TableInfo{
		Schema:         a.schema,
		Table:          a.table,
		DistinctValues: make(map[string][]string),
		NumericRanges:  make(map[string][2]string),
		AnalyzedAt:     time.Now().UTC(),
	}

	if err := a.fetchColumns(ctx, info); err != nil {
		return fmt.Errorf("failed to fetch columns: %w", err)
	}
	if len(info.Columns) == 0 {
		return fmt.Errorf("table %s.%s not found or has no columns", a.schema, a.table)
	}
	if err := a.fetchKeys(ctx, info); err != nil {
		return fmt.Errorf("failed to fetch constraints: %w", err)
	}
	if err := a.fetchIndexes(ctx, info); err != nil {
		return fmt.Errorf("failed to fetch indexes: %w", err)
	}
	if err := a.fetchRowCount(ctx, info); err != nil {
		return fmt.Errorf("failed to count rows: %w", err)
	}
	if err := a.fetchSampleRows(ctx, info); err != nil {
		a.log.Warn("sample row fetch failed", "error", err)
	}
	a.probeColumns(ctx, info)

	a.mu.Lock()
	a.info = info
	a.blob = formatContext(info)
	a.mu.Unlock()

	a.log.Info("schema analyzed",
		"table", a.schema+"."+a.table,
		"columns", len(info.Columns),
		"rows", info.RowCount,
		"version", a.Version())
	return nil
}

// Invalidate refreshes after a detected DDL. An incremental refresh (columns
// and row count only) is attempted first; on failure a full re-analysis runs.
// The schema version is bumped either way.
func (a *Analyzer) Invalidate(ctx context.Context) error {
	a.version.Add(1)

	a.probeMu.Lock()
	a.probeCache = make(map[string][]string)
	a.probeMu.Unlock()

	if err := a.refreshIncremental(ctx); err != nil {
		a.log.Warn("incremental schema refresh failed, running full re-analysis", "error", err)
		if fullErr := a.Analyze(ctx); fullErr != nil {
			return fmt.Errorf("schema refresh failed: %w", fullErr)
		}
	}
	return nil
}

// refreshIncremental re-reads columns and the row count, keeping prior probes
// for columns that still exist.
func (a *Analyzer) refreshIncremental(ctx context.Context) error {
	a.mu.RLock()
	prev := a.info
	a.mu.RUnlock()
	if prev == nil {
		return fmt.Errorf("no prior analysis")
	}

	next := &TableInfo{
		Schema:         a.schema,
		Table:          a.table,
		Constraints:    prev.Constraints,
		Indexes:        prev.Indexes,
		SampleRows:     prev.SampleRows,
		SampleCols:     prev.SampleCols,
		DistinctValues: make(map[string][]string),
		NumericRanges:  make(map[string][2]string),
		AnalyzedAt:     time.Now().UTC(),
	}

	if err := a.fetchColumns(ctx, next); err != nil {
		return err
	}
	if len(next.Columns) == 0 {
		return fmt.Errorf("table %s.%s vanished", a.schema, a.table)
	}
	if err := a.fetchRowCount(ctx, next); err != nil {
		return err
	}

	// Keep probes only for surviving columns.
	alive := make(map[string]bool, len(next.Columns))
	for _, c := range next.Columns {
		alive[c.Name] = true
	}
	for col, vals := range prev.DistinctValues {
		if alive[col] {
			next.DistinctValues[col] = vals
		}
	}
	for col, rng := range prev.NumericRanges {
		if alive[col] {
			next.NumericRanges[col] = rng
		}
	}

	a.mu.Lock()
	a.info = next
	a.blob = formatContext(next)
	a.mu.Unlock()
	return nil
}

func (a *Analyzer) fetchColumns(ctx context.Context, info *TableInfo) error {
	rows, err := a.db.Query(ctx, `
		SELECT column_name, data_type, is_nullable, COALESCE(column_default, '')
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`, a.schema, a.table)
	if err != nil {
		return err
	}
	defer rows.Close()

	info.Columns = nil
	for rows.Next() {
		var c Column
		var nullable string
		if err := rows.Scan(&c.Name, &c.DataType, &nullable, &c.Default); err != nil {
			return err
		}
		c.Nullable = nullable == "YES"
		info.Columns = append(info.Columns, c)
	}
	return rows.Err()
}

func (a *Analyzer) fetchKeys(ctx context.Context, info *TableInfo) error {
	rows, err := a.db.Query(ctx, `
		SELECT tc.constraint_type, kcu.column_name,
		       COALESCE(ccu.table_name, ''), COALESCE(ccu.column_name, '')
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		LEFT JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name
		 AND tc.constraint_type = 'FOREIGN KEY'
		WHERE tc.table_schema = $1 AND tc.table_name = $2
	`, a.schema, a.table)
	if err != nil {
		return err
	}
	defer rows.Close()

	byName := make(map[string]*Column, len(info.Columns))
	for i := range info.Columns {
		byName[info.Columns[i].Name] = &info.Columns[i]
	}

	for rows.Next() {
		var ctype, col, refTable, refCol string
		if err := rows.Scan(&ctype, &col, &refTable, &refCol); err != nil {
			return err
		}
		c, ok := byName[col]
		switch ctype {
		case "PRIMARY KEY":
			if ok {
				c.PrimaryKey = true
			}
			info.Constraints = append(info.Constraints, fmt.Sprintf("PRIMARY KEY (%s)", col))
		case "FOREIGN KEY":
			if ok && refTable != "" {
				c.ForeignKey = refTable + "." + refCol
			}
			info.Constraints = append(info.Constraints, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s(%s)", col, refTable, refCol))
		case "UNIQUE":
			info.Constraints = append(info.Constraints, fmt.Sprintf("UNIQUE (%s)", col))
		}
	}
	sort.Strings(info.Constraints)
	return rows.Err()
}

func (a *Analyzer) fetchIndexes(ctx context.Context, info *TableInfo) error {
	rows, err := a.db.Query(ctx, `
		SELECT indexname, indexdef
		FROM pg_indexes
		WHERE schemaname = $1 AND tablename = $2
		ORDER BY indexname
	`, a.schema, a.table)
	if err != nil {
		return err
	}
	defer rows.Close()

	info.Indexes = nil
	for rows.Next() {
		var name, def string
		if err := rows.Scan(&name, &def); err != nil {
			return err
		}
		info.Indexes = append(info.Indexes, name+": "+def)
	}
	return rows.Err()
}

func (a *Analyzer) fetchRowCount(ctx context.Context, info *TableInfo) error {
	rows, err := a.db.Query(ctx, "SELECT count(*) FROM "+a.qualified())
	if err != nil {
		return err
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&info.RowCount); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (a *Analyzer) fetchSampleRows(ctx context.Context, info *TableInfo) error {
	rows, err := a.db.Query(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", a.qualified(), sampleRowLimit))
	if err != nil {
		return err
	}
	cols, data, err := dbexec.ScanRows(rows)
	if err != nil {
		return err
	}
	info.SampleCols = cols
	info.SampleRows = data
	return nil
}

// isCategoricalType reports whether distinct-value probing makes sense.
func isCategoricalType(dataType string) bool {
	t := strings.ToLower(dataType)
	switch {
	case strings.Contains(t, "char"), t == "text", t == "boolean", strings.Contains(t, "enum"):
		return true
	}
	return false
}

// isRangeType reports whether a min/max probe makes sense.
func isRangeType(dataType string) bool {
	t := strings.ToLower(dataType)
	switch {
	case strings.Contains(t, "int"), strings.Contains(t, "numeric"), strings.Contains(t, "decimal"),
		strings.Contains(t, "real"), strings.Contains(t, "double"),
		strings.Contains(t, "date"), strings.Contains(t, "timestamp"):
		return true
	}
	return false
}

// shouldSkipColumn filters out ids, hashes and free-text columns that are not
// worth probing.
func shouldSkipColumn(name string) bool {
	n := strings.ToLower(name)
	for _, suffix := range []string{"_id", "_key", "_hash", "_uuid"} {
		if strings.HasSuffix(n, suffix) {
			return true
		}
	}
	switch n {
	case "id", "uuid", "description", "comment", "message", "notes":
		return true
	}
	return false
}

func (a *Analyzer) probeColumns(ctx context.Context, info *TableInfo) {
	for _, c := range info.Columns {
		switch {
		case isCategoricalType(c.DataType) && !shouldSkipColumn(c.Name):
			values, err := a.distinctValues(ctx, c.Name, distinctProbeLimit)
			if err != nil {
				a.log.Debug("distinct probe failed", "column", c.Name, "error", err)
				continue
			}
			// Only keep genuinely low-cardinality columns.
			if len(values) > 0 && len(values) <= distinctShowLimit {
				info.DistinctValues[c.Name] = values
			}
		case isRangeType(c.DataType):
			lo, hi, err := a.minMax(ctx, c.Name)
			if err != nil {
				a.log.Debug("range probe failed", "column", c.Name, "error", err)
				continue
			}
			if lo != "" || hi != "" {
				info.NumericRanges[c.Name] = [2]string{lo, hi}
			}
		}
	}
}

func (a *Analyzer) distinctValues(ctx context.Context, column string, limit int) ([]string, error) {
	col := pgx.Identifier{column}.Sanitize()
	rows, err := a.db.Query(ctx, fmt.Sprintf(
		"SELECT DISTINCT %s::text FROM %s WHERE %s IS NOT NULL ORDER BY 1 LIMIT %d",
		col, a.qualified(), col, limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if v != "" {
			values = append(values, v)
		}
	}
	return values, rows.Err()
}

func (a *Analyzer) minMax(ctx context.Context, column string) (string, string, error) {
	col := pgx.Identifier{column}.Sanitize()
	rows, err := a.db.Query(ctx, fmt.Sprintf(
		"SELECT COALESCE(min(%s)::text, ''), COALESCE(max(%s)::text, '') FROM %s",
		col, col, a.qualified()))
	if err != nil {
		return "", "", err
	}
	defer rows.Close()

	var lo, hi string
	if rows.Next() {
		if err := rows.Scan(&lo, &hi); err != nil {
			return "", "", err
		}
	}
	return lo, hi, rows.Err()
}

// ExploreColumn probes distinct values of one column for the analytical
// workflow, bounded by limit. Results are cached until the schema version
// advances.
func (a *Analyzer) ExploreColumn(ctx context.Context, column string, limit int) ([]string, error) {
	version := a.Version()
	key := fmt.Sprintf("%s:%d", column, limit)

	a.probeMu.Lock()
	if a.probeVer != version {
		a.probeCache = make(map[string][]string)
		a.probeVer = version
	}
	if cached, ok := a.probeCache[key]; ok {
		a.probeMu.Unlock()
		return cached, nil
	}
	a.probeMu.Unlock()

	values, err := a.distinctValues(ctx, column, limit)
	if err != nil {
		return nil, err
	}

	a.probeMu.Lock()
	if a.probeVer == version {
		a.probeCache[key] = values
	}
	a.probeMu.Unlock()
	return values, nil
}
