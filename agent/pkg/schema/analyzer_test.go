package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func sampleInfo() *TableInfo {
	return &TableInfo{
		Schema: "public",
		Table:  "consultants",
		Columns: []Column{
			{Name: "id", DataType: "integer", PrimaryKey: true},
			{Name: "name", DataType: "text", Nullable: false},
			{Name: "country", DataType: "text", Nullable: true},
			{Name: "rate", DataType: "numeric", Nullable: false},
			{Name: "supplier_id", DataType: "integer", ForeignKey: "suppliers.id"},
		},
		Constraints: []string{"PRIMARY KEY (id)"},
		Indexes:     []string{"consultants_pkey: CREATE UNIQUE INDEX ..."},
		RowCount:    4200,
		SampleRows:  []map[string]any{{"id": 1, "name": "a", "country": "DE", "rate": 95, "supplier_id": 7}},
		SampleCols:  []string{"id", "name", "country", "rate", "supplier_id"},
		DistinctValues: map[string][]string{
			"country": {"DE", "FR", "US"},
		},
		NumericRanges: map[string][2]string{
			"rate": {"40", "220"},
		},
		AnalyzedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFormatContext_Sections(t *testing.T) {
	blob := formatContext(sampleInfo())

	assert.Contains(t, blob, "DATABASE TABLE ANALYSIS: public.consultants")
	assert.Contains(t, blob, "BASIC INFORMATION:")
	assert.Contains(t, blob, "TABLE STRUCTURE:")
	assert.Contains(t, blob, "COLUMNS:")
	assert.Contains(t, blob, "DATA ANALYSIS:")
	assert.Contains(t, blob, "CONSTRAINTS AND INDEXES:")
	assert.Contains(t, blob, "RELATIONSHIPS:")
	assert.Contains(t, blob, "SAMPLE DATA:")
	assert.Contains(t, blob, "RECOMMENDATIONS:")
}

func TestFormatContext_ColumnDetails(t *testing.T) {
	blob := formatContext(sampleInfo())

	assert.Contains(t, blob, "id: integer (Nullable: false) [pk]")
	assert.Contains(t, blob, "supplier_id: integer (Nullable: false) [fk→suppliers.id]")
	assert.Contains(t, blob, "Observed values: DE, FR, US")
	assert.Contains(t, blob, "Range: 40 .. 220")
	assert.Contains(t, blob, "Row count: 4200")
	assert.Contains(t, blob, "supplier_id → suppliers.id")
}

func TestIsCategoricalType(t *testing.T) {
	assert.True(t, isCategoricalType("text"))
	assert.True(t, isCategoricalType("character varying"))
	assert.True(t, isCategoricalType("boolean"))
	assert.False(t, isCategoricalType("integer"))
	assert.False(t, isCategoricalType("timestamp with time zone"))
}

func TestIsRangeType(t *testing.T) {
	assert.True(t, isRangeType("integer"))
	assert.True(t, isRangeType("numeric"))
	assert.True(t, isRangeType("timestamp without time zone"))
	assert.True(t, isRangeType("date"))
	assert.False(t, isRangeType("text"))
}

func TestShouldSkipColumn(t *testing.T) {
	assert.True(t, shouldSkipColumn("user_id"))
	assert.True(t, shouldSkipColumn("id"))
	assert.True(t, shouldSkipColumn("content_hash"))
	assert.True(t, shouldSkipColumn("description"))
	assert.False(t, shouldSkipColumn("country"))
	assert.False(t, shouldSkipColumn("status"))
}

func TestAnalyzerVersion_StartsAtOne(t *testing.T) {
	a := NewAnalyzer(nil, "public", "t", nil)
	assert.Equal(t, int64(1), a.Version())
}
