package workflow

import (
	"context"
	"strings"
	"time"
)

// pieBucketCap: more categorical buckets than this discourage pie/donut.
const pieBucketCap = 10

// columnKind is a coarse classification for chart heuristics.
type columnKind int

const (
	kindCategorical columnKind = iota
	kindNumeric
	kindTime
)

// classifyColumn inspects sample values of one column.
func classifyColumn(name string, rows []map[string]any) columnKind {
	lower := strings.ToLower(name)
	if strings.Contains(lower, "date") || strings.Contains(lower, "time") ||
		strings.HasSuffix(lower, "_at") || lower == "month" || lower == "year" || lower == "day" {
		return kindTime
	}

	for _, row := range rows {
		switch row[name].(type) {
		case nil:
			continue
		case time.Time:
			return kindTime
		case float64, float32, int, int8, int16, int32, int64, uint, uint16, uint32, uint64:
			return kindNumeric
		default:
			return kindCategorical
		}
	}
	return kindCategorical
}

// distinctCount counts distinct rendered values of a column in the sample.
func distinctCount(name string, rows []map[string]any) int {
	seen := make(map[string]bool)
	for _, row := range rows {
		seen[FormatValue(row[name])] = true
	}
	return len(seen)
}

// heuristicRecommendation applies the deterministic chart rules: time column
// encourages line/area, two numerics encourage scatter, categorical + numeric
// gives bar, small categorical breakdowns allow pie.
func heuristicRecommendation(columns []string, rows []map[string]any) *ChartRecommendation {
	if len(columns) < 2 || len(rows) < 2 {
		return &ChartRecommendation{
			IsVisualizable: false,
			Reason:         "not enough columns or rows to chart",
		}
	}

	var timeCols, numericCols, categoricalCols []string
	for _, c := range columns {
		switch classifyColumn(c, rows) {
		case kindTime:
			timeCols = append(timeCols, c)
		case kindNumeric:
			numericCols = append(numericCols, c)
		default:
			categoricalCols = append(categoricalCols, c)
		}
	}

	if len(numericCols) == 0 {
		return &ChartRecommendation{
			IsVisualizable: false,
			Reason:         "no numeric column to plot",
		}
	}

	rec := &ChartRecommendation{IsVisualizable: true}

	switch {
	case len(timeCols) > 0:
		rec.Recommendations = append(rec.Recommendations, ChartSpec{
			ChartType:       "line",
			Title:           numericCols[0] + " over " + timeCols[0],
			XAxis:           timeCols[0],
			YAxis:           numericCols[0],
			ConfidenceScore: 0.8,
		})
	case len(categoricalCols) > 0:
		rec.Recommendations = append(rec.Recommendations, ChartSpec{
			ChartType:       "bar",
			Title:           numericCols[0] + " by " + categoricalCols[0],
			XAxis:           categoricalCols[0],
			YAxis:           numericCols[0],
			ConfidenceScore: 0.7,
		})
		if distinctCount(categoricalCols[0], rows) <= pieBucketCap {
			rec.Recommendations = append(rec.Recommendations, ChartSpec{
				ChartType:       "pie",
				Title:           numericCols[0] + " share by " + categoricalCols[0],
				XAxis:           categoricalCols[0],
				YAxis:           numericCols[0],
				ConfidenceScore: 0.5,
			})
		}
	}

	if len(numericCols) >= 2 {
		rec.Recommendations = append(rec.Recommendations, ChartSpec{
			ChartType:       "scatter",
			Title:           numericCols[0] + " vs " + numericCols[1],
			XAxis:           numericCols[0],
			YAxis:           numericCols[1],
			ConfidenceScore: 0.6,
		})
	}

	if len(rec.Recommendations) == 0 {
		rec.IsVisualizable = false
		rec.Reason = "no suitable axis combination"
	}
	return rec
}

// filterRecommendations drops LLM suggestions that violate the deterministic
// rules (unknown columns, oversized pie breakdowns).
func filterRecommendations(rec *ChartRecommendation, columns []string, rows []map[string]any) {
	known := make(map[string]bool, len(columns))
	for _, c := range columns {
		known[c] = true
	}

	kept := rec.Recommendations[:0]
	for _, r := range rec.Recommendations {
		if !known[r.XAxis] || !known[r.YAxis] {
			continue
		}
		if (r.ChartType == "pie" || r.ChartType == "donut") && distinctCount(r.XAxis, rows) > pieBucketCap {
			continue
		}
		kept = append(kept, r)
	}
	rec.Recommendations = kept
	if len(kept) == 0 {
		rec.IsVisualizable = false
		if rec.Reason == "" {
			rec.Reason = "no suitable chart for this result"
		}
	}
}

// RecommendCharts suggests chart specs for a result set. The heuristics
// pre-filter; the LLM ranks; an LLM failure falls back to the heuristic
// recommendation alone.
func (g *Generator) RecommendCharts(ctx context.Context, columns []string, rows []map[string]any, question string) *ChartRecommendation {
	heuristic := heuristicRecommendation(columns, rows)
	if !heuristic.IsVisualizable {
		return heuristic
	}

	sampleCap := 10
	if len(rows) < sampleCap {
		sampleCap = len(rows)
	}
	userPrompt := "Question: " + question + "\n\nColumns: " + strings.Join(columns, ", ") +
		"\n\nSample data:\n" + FormatRows(columns, rows[:sampleCap], sampleCap)

	llmCtx, cancel := context.WithTimeout(ctx, g.opts.LLMTimeout)
	defer cancel()

	var rec ChartRecommendation
	if err := CompleteJSON(llmCtx, g.llm, g.prompts.GetPrompt("visualize"), userPrompt, &rec); err != nil {
		g.log.Debug("chart recommendation LLM call failed, using heuristics", "error", err)
		return heuristic
	}
	if !rec.IsVisualizable {
		return &rec
	}

	filterRecommendations(&rec, columns, rows)
	if !rec.IsVisualizable || len(rec.Recommendations) == 0 {
		return heuristic
	}
	if len(rec.Recommendations) > 3 {
		rec.Recommendations = rec.Recommendations[:3]
	}
	return &rec
}
