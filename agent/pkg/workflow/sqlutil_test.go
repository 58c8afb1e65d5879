package workflow

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitStatements(t *testing.T) {
	blob := "CREATE TABLE t (id int);\n<----->\nINSERT INTO t VALUES (1);\n<----->\nINSERT INTO t VALUES (2)"
	got := SplitStatements(blob)

	assert.Equal(t, []string{
		"CREATE TABLE t (id int)",
		"INSERT INTO t VALUES (1)",
		"INSERT INTO t VALUES (2)",
	}, got)
}

func TestSplitStatements_SingleStatement(t *testing.T) {
	assert.Equal(t, []string{"SELECT 1"}, SplitStatements("SELECT 1;"))
}

func TestSplitStatements_EmptyFragmentsDropped(t *testing.T) {
	assert.Equal(t, []string{"SELECT 1"}, SplitStatements("<----->\nSELECT 1\n<----->"))
}

func TestJoinStatements_RoundTrip(t *testing.T) {
	sqls := []string{"SELECT 1", "SELECT 2"}
	assert.Equal(t, sqls, SplitStatements(JoinStatements(sqls)))
}

func TestCleanSQL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "SELECT 1;", "SELECT 1"},
		{"sql fence", "```sql\nSELECT 1\n```", "SELECT 1"},
		{"bare fence", "```\nSELECT 1\n```", "SELECT 1"},
		{"prose around fence", "Here you go:\n```sql\nSELECT 1\n```", "SELECT 1"},
		{"unclosed fence", "```sql\nSELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanSQL(tt.in))
		})
	}
}

func TestFirstKeyword(t *testing.T) {
	assert.Equal(t, "SELECT", FirstKeyword("  select * from t"))
	assert.Equal(t, "DELETE", FirstKeyword("-- cleanup\nDELETE FROM t"))
	assert.Equal(t, "UPDATE", FirstKeyword("/* note */ UPDATE t SET x = 1"))
	assert.Equal(t, "", FirstKeyword("   "))
}

func TestIsSelect(t *testing.T) {
	assert.True(t, IsSelect("SELECT 1"))
	assert.True(t, IsSelect("WITH x AS (SELECT 1) SELECT * FROM x"))
	assert.False(t, IsSelect("DELETE FROM t"))
	assert.False(t, IsSelect("INSERT INTO t VALUES (1)"))
}

func TestSanitizeRows(t *testing.T) {
	rows := []map[string]any{
		{"a": math.NaN(), "b": math.Inf(1), "c": 1.5, "d": "x"},
	}
	SanitizeRows(rows)

	assert.Nil(t, rows[0]["a"])
	assert.Nil(t, rows[0]["b"])
	assert.Equal(t, 1.5, rows[0]["c"])
	assert.Equal(t, "x", rows[0]["d"])
}

func TestFormatRows(t *testing.T) {
	rows := []map[string]any{{"id": 1, "name": "a"}, {"id": 2, "name": "b"}}
	out := FormatRows([]string{"id", "name"}, rows, 1)

	assert.Contains(t, out, "Results (2 rows)")
	assert.Contains(t, out, "1 | a")
	assert.NotContains(t, out, "2 | b")
	assert.Contains(t, out, "1 more rows")
}

func TestFormatRows_Empty(t *testing.T) {
	assert.Equal(t, "Query returned no results.", FormatRows([]string{"id"}, nil, 10))
}
