package workflow

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// StatementSeparator splits a multi-statement SQL blob on the wire. The
// resulting statements always run as one transaction.
const StatementSeparator = "<----->"

// SplitStatements splits an incoming SQL blob at every occurrence of the
// separator and trims each statement. Empty fragments are dropped.
func SplitStatements(blob string) []string {
	var out []string
	for _, part := range strings.Split(blob, StatementSeparator) {
		part = strings.TrimSpace(part)
		part = strings.TrimSuffix(part, ";")
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// JoinStatements renders an ordered statement list back to the wire form.
func JoinStatements(sqls []string) string {
	return strings.Join(sqls, "\n"+StatementSeparator+"\n")
}

// CleanSQL strips markdown fences and a trailing semicolon from an
// LLM-produced statement.
func CleanSQL(response string) string {
	response = strings.TrimSpace(response)

	if idx := strings.Index(response, "```sql"); idx != -1 {
		start := idx + 6
		end := strings.Index(response[start:], "```")
		if end != -1 {
			response = response[start : start+end]
		} else {
			response = response[start:]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		end := strings.Index(response[start:], "```")
		if end != -1 {
			response = response[start : start+end]
		} else {
			response = response[start:]
		}
	}

	response = strings.TrimSpace(response)
	response = strings.TrimSuffix(response, ";")
	return strings.TrimSpace(response)
}

// leadingCommentRe matches whitespace, line comments and block comments at the
// start of a statement.
var leadingCommentRe = regexp.MustCompile(`^(\s*(--[^\n]*\n|/\*.*?\*/))*\s*`)

// FirstKeyword returns the first SQL keyword of a statement, uppercased, with
// leading whitespace and comments skipped.
func FirstKeyword(sql string) string {
	rest := leadingCommentRe.ReplaceAllString(sql, "")
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// IsSelect reports whether the statement is read-only.
func IsSelect(sql string) bool {
	switch FirstKeyword(sql) {
	case "SELECT", "WITH", "EXPLAIN", "SHOW", "TABLE", "VALUES":
		return true
	}
	return false
}

// SanitizeRows replaces NaN/Inf float values with nil in place so rows are
// JSON-safe.
func SanitizeRows(rows []map[string]any) {
	for _, row := range rows {
		for k, v := range row {
			switch val := v.(type) {
			case float64:
				if math.IsInf(val, 0) || math.IsNaN(val) {
					row[k] = nil
				}
			case float32:
				if math.IsInf(float64(val), 0) || math.IsNaN(float64(val)) {
					row[k] = nil
				}
			}
		}
	}
}

// FormatValue renders a single cell for prompt context.
func FormatValue(v any) string {
	if v == nil {
		return "null"
	}
	switch val := v.(type) {
	case string:
		if len(val) > 50 {
			return val[:50] + "..."
		}
		return val
	case []byte:
		return string(val)
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, bool:
		return fmt.Sprintf("%v", val)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// FormatRows renders rows as a compact pipe table for prompt context,
// truncated to maxRows.
func FormatRows(columns []string, rows []map[string]any, maxRows int) string {
	if len(rows) == 0 {
		return "Query returned no results."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Results (%d rows):\n", len(rows)))
	sb.WriteString("Columns: " + strings.Join(columns, " | ") + "\n")
	sb.WriteString(strings.Repeat("-", 40) + "\n")

	n := len(rows)
	if maxRows > 0 && n > maxRows {
		n = maxRows
	}
	for i := 0; i < n; i++ {
		var values []string
		for _, col := range columns {
			values = append(values, FormatValue(rows[i][col]))
		}
		sb.WriteString(strings.Join(values, " | ") + "\n")
	}
	if len(rows) > n {
		sb.WriteString(fmt.Sprintf("... and %d more rows\n", len(rows)-n))
	}
	return sb.String()
}
