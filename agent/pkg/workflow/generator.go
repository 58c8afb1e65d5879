package workflow

import (
	"context"
	"fmt"
	"strings"
)

// generationKind is the structured response discriminator from the model.
const (
	kindSelect = "select"
	kindEdit   = "edit"
	kindMulti  = "multi"
)

type generationResponse struct {
	Kind        string `json:"kind"`
	SQL         string `json:"sql"`
	Explanation string `json:"explanation"`
}

// generation is the normalized output of one generation call.
type generation struct {
	SQLs      []string
	IsEdit    bool
	Rationale string
}

// buildGeneratePrompt assembles the generation system prompt: base template,
// schema context, observed values from exploration, and recent memory.
func (g *Generator) buildGeneratePrompt(st TurnState, exploration string) string {
	var sb strings.Builder
	sb.WriteString(g.prompts.GetPrompt("generate"))
	sb.WriteString("\n\n## Database Schema\n\n```\n")
	sb.WriteString(st.SchemaContext)
	sb.WriteString("```")
	if exploration != "" {
		sb.WriteString("\n\n## Observed values\n\n")
		sb.WriteString(exploration)
	}
	if st.MemoryContext != "" {
		sb.WriteString("\n\n## Conversation memory\n\n")
		sb.WriteString(st.MemoryContext)
	}
	return sb.String()
}

// generate runs one SQL generation call. question may be a sub-question of an
// analytical turn; lastError carries the previous attempt's database error for
// the auto-fix loop.
func (g *Generator) generate(ctx context.Context, st TurnState, question, exploration, lastError string) (*generation, error) {
	userPrompt := question
	if lastError != "" {
		userPrompt = fmt.Sprintf("Previous SQL had an error: %s\n\nPlease fix the query for the original request: %s", lastError, question)
	}

	ctx, cancel := context.WithTimeout(ctx, g.opts.LLMTimeout)
	defer cancel()

	var resp generationResponse
	if err := CompleteJSON(ctx, g.llm, g.buildGeneratePrompt(st, exploration), userPrompt, &resp); err != nil {
		if te, ok := err.(*TurnError); ok {
			return nil, te
		}
		return nil, NewTurnError(ErrGenerationFailed, err.Error())
	}

	sql := CleanSQL(resp.SQL)
	if sql == "" {
		msg := "the model produced no SQL for this question"
		if resp.Explanation != "" {
			msg = resp.Explanation
		}
		return nil, NewTurnError(ErrGenerationFailed, msg)
	}

	out := &generation{Rationale: resp.Explanation}
	switch resp.Kind {
	case kindMulti:
		out.SQLs = SplitStatements(sql)
	default:
		out.SQLs = []string{sql}
	}
	if len(out.SQLs) == 0 {
		return nil, NewTurnError(ErrGenerationFailed, "the model produced no SQL for this question")
	}

	// An edit is whatever the model flags, plus anything that is not
	// read-only on inspection.
	out.IsEdit = resp.Kind == kindEdit
	for _, s := range out.SQLs {
		if !IsSelect(s) {
			out.IsEdit = true
		}
	}

	return out, nil
}

// wideExploreColumns get the larger probe limit (country-like cardinality).
var wideExploreColumns = []string{"country", "nation", "region", "state", "province"}

func exploreLimitFor(column string) int {
	lower := strings.ToLower(column)
	for _, wide := range wideExploreColumns {
		if strings.Contains(lower, wide) {
			return WideExploreLimit
		}
	}
	return DefaultExploreLimit
}

// exploreColumns probes the focus columns and renders an "Observed values"
// section for the generation prompt. Probe failures are skipped, not fatal.
func (g *Generator) exploreColumns(ctx context.Context, columns []string) string {
	var sb strings.Builder
	for _, col := range columns {
		values, err := g.schema.ExploreColumn(ctx, col, exploreLimitFor(col))
		if err != nil {
			g.log.Debug("column exploration failed", "column", col, "error", err)
			continue
		}
		if len(values) == 0 {
			continue
		}
		sb.WriteString(col + ": " + strings.Join(values, ", ") + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
