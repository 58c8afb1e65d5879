package schema

import (
	"fmt"
	"strings"

	"github.com/quarrylabs/quarry/agent/pkg/workflow"
)

// formatContext renders the analysis as the human-readable blob the prompts
// consume verbatim.
func formatContext(info *TableInfo) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("DATABASE TABLE ANALYSIS: %s.%s\n\n", info.Schema, info.Table))

	sb.WriteString("BASIC INFORMATION:\n")
	sb.WriteString(fmt.Sprintf("  Schema: %s\n", info.Schema))
	sb.WriteString(fmt.Sprintf("  Table: %s\n", info.Table))
	sb.WriteString(fmt.Sprintf("  Analysis date: %s\n\n", info.AnalyzedAt.Format("2006-01-02 15:04:05 UTC")))

	types := make(map[string]int)
	for _, c := range info.Columns {
		types[c.DataType]++
	}
	sb.WriteString("TABLE STRUCTURE:\n")
	sb.WriteString(fmt.Sprintf("  Columns: %d\n", len(info.Columns)))
	var typeParts []string
	for t, n := range types {
		typeParts = append(typeParts, fmt.Sprintf("%s (%d)", t, n))
	}
	sb.WriteString("  Data types: " + strings.Join(typeParts, ", ") + "\n\n")

	sb.WriteString("COLUMNS:\n")
	for _, c := range info.Columns {
		line := fmt.Sprintf("  %s: %s (Nullable: %t)", c.Name, c.DataType, c.Nullable)
		if c.PrimaryKey {
			line += " [pk]"
		}
		if c.ForeignKey != "" {
			line += " [fk→" + c.ForeignKey + "]"
		}
		if c.Default != "" {
			line += " default " + c.Default
		}
		sb.WriteString(line + "\n")

		if values, ok := info.DistinctValues[c.Name]; ok {
			sb.WriteString("    Observed values: " + strings.Join(values, ", ") + "\n")
		}
		if rng, ok := info.NumericRanges[c.Name]; ok {
			sb.WriteString(fmt.Sprintf("    Range: %s .. %s\n", rng[0], rng[1]))
		}
	}
	sb.WriteString("\n")

	sb.WriteString("DATA ANALYSIS:\n")
	sb.WriteString(fmt.Sprintf("  Row count: %d\n\n", info.RowCount))

	if len(info.Constraints) > 0 || len(info.Indexes) > 0 {
		sb.WriteString("CONSTRAINTS AND INDEXES:\n")
		for _, c := range info.Constraints {
			sb.WriteString("  " + c + "\n")
		}
		for _, idx := range info.Indexes {
			sb.WriteString("  " + idx + "\n")
		}
		sb.WriteString("\n")
	}

	var rels []string
	for _, c := range info.Columns {
		if c.ForeignKey != "" {
			rels = append(rels, fmt.Sprintf("%s → %s", c.Name, c.ForeignKey))
		}
	}
	if len(rels) > 0 {
		sb.WriteString("RELATIONSHIPS:\n")
		for _, r := range rels {
			sb.WriteString("  " + r + "\n")
		}
		sb.WriteString("\n")
	}

	if len(info.SampleRows) > 0 {
		sb.WriteString("SAMPLE DATA:\n")
		sb.WriteString(indent(workflow.FormatRows(info.SampleCols, info.SampleRows, sampleRowLimit)))
		sb.WriteString("\n")
	}

	sb.WriteString("RECOMMENDATIONS:\n")
	sb.WriteString("  Use only the columns listed above with their exact names.\n")
	if len(info.DistinctValues) > 0 {
		sb.WriteString("  Filter categorical columns using the observed values.\n")
	}
	if info.RowCount > 10000 {
		sb.WriteString("  The table is large; prefer aggregates and LIMIT over full scans.\n")
	}

	return sb.String()
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "  " + line
	}
	return strings.Join(lines, "\n") + "\n"
}
