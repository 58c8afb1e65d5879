package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	// analyticalAutoFixCap bounds auto-fix retries per sub-question.
	analyticalAutoFixCap = 1
	// synthesisRowCap limits rows fed to the synthesizer per sub-result.
	synthesisRowCap = 25
)

type planResponse struct {
	SubQuestions []AnalyticalQuestion `json:"sub_questions"`
}

// planAnalytical asks the planner for 4-6 sub-questions and validates the
// output: duplicates removed, count clamped. Fewer than two surviving
// sub-questions degrades the turn to the standard path.
func (g *Generator) planAnalytical(ctx context.Context, st TurnState) (TurnState, error) {
	systemPrompt := g.prompts.GetPrompt("plan") +
		"\n\n## Database Schema\n\n```\n" + st.SchemaContext + "```"

	userPrompt := st.Question
	if st.MemoryContext != "" {
		userPrompt = "Conversation memory:\n" + st.MemoryContext + "\n\nQuestion: " + st.Question
	}

	llmCtx, cancel := context.WithTimeout(ctx, g.opts.LLMTimeout)
	defer cancel()

	var plan planResponse
	if err := CompleteJSON(llmCtx, g.llm, systemPrompt, userPrompt, &plan); err != nil {
		if te, ok := err.(*TurnError); ok {
			st.Err = te
		} else {
			st.Err = NewTurnError(ErrGenerationFailed, "analytical planning failed: "+err.Error())
		}
		return st, st.Err
	}

	seen := make(map[string]bool)
	var questions []AnalyticalQuestion
	for _, q := range plan.SubQuestions {
		normalized := strings.Join(strings.Fields(strings.ToLower(q.Question)), " ")
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		questions = append(questions, q)
		if len(questions) == g.opts.SubQuestionsMax {
			break
		}
	}

	if len(questions) < g.opts.SubQuestionsMin {
		// Degrade to standard: the graph re-routes on the empty plan.
		g.log.Info("analytical plan too small, degrading to standard",
			"session_id", st.SessionID, "planned", len(questions))
		st.WorkflowType = WorkflowStandard
		st.AnalyticalQuestions = nil
		return st, nil
	}

	st.AnalyticalQuestions = questions
	g.log.Info("analytical plan ready",
		"session_id", st.SessionID, "sub_questions", len(questions))
	return st, nil
}

// runAnalytical executes the planned sub-questions sequentially in planner
// order: column exploration, generation, one execution attempt with a single
// auto-fix. Sub-questions are independent; one failure does not abort the
// rest.
func (g *Generator) runAnalytical(ctx context.Context, st TurnState) (TurnState, error) {
	var firstError string

	for i, q := range st.AnalyticalQuestions {
		result := g.runSubQuestion(ctx, st, q)
		if result.Error != "" && firstError == "" {
			firstError = result.Error
		}
		st.AnalyticalResults = append(st.AnalyticalResults, result)

		g.log.Info("analytical sub-question done",
			"session_id", st.SessionID,
			"q", i+1,
			"rows", len(result.Rows),
			"error", result.Error)
	}

	failed := 0
	for _, r := range st.AnalyticalResults {
		if r.Error != "" {
			failed++
		}
	}
	if failed == len(st.AnalyticalResults) {
		st.Err = NewTurnError(ErrAnalyticalAllFailed, firstError)
		return st, st.Err
	}

	return st, nil
}

func (g *Generator) runSubQuestion(ctx context.Context, st TurnState, q AnalyticalQuestion) AnalyticalResult {
	result := AnalyticalResult{SubQuestion: q.Question, Intent: q.Intent}

	exploration := g.exploreColumns(ctx, q.FocusColumns)

	var lastError string
	for attempt := 0; attempt <= analyticalAutoFixCap; attempt++ {
		gen, err := g.generate(ctx, st, q.Question, exploration, lastError)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		if gen.IsEdit {
			result.Error = "sub-question produced a write statement; analytical queries must be read-only"
			return result
		}

		sql := gen.SQLs[0]
		result.SQL = sql

		start := time.Now()
		selected, execErr := g.executor.ExecuteSelect(ctx, sql)
		if execErr != nil {
			lastError = execErr.Error()
			result.Error = lastError
			continue
		}

		result.Columns = selected.Columns
		result.Rows = selected.Rows
		result.TableID = selected.TableID
		result.ElapsedMS = time.Since(start).Milliseconds()
		result.Error = ""
		return result
	}

	return result
}

// synthesize produces the narrative report from the sub-results. A synthesis
// failure degrades to a deterministic summary rather than failing the turn.
func (g *Generator) synthesize(ctx context.Context, st TurnState) (TurnState, error) {
	systemPrompt := g.prompts.GetPrompt("synthesize")
	userPrompt := buildSynthesisInput(st.Question, st.AnalyticalResults)

	llmCtx, cancel := context.WithTimeout(ctx, g.opts.LLMTimeout)
	defer cancel()

	text, err := g.llm.Complete(llmCtx, systemPrompt, userPrompt)
	if err != nil || strings.TrimSpace(text) == "" {
		g.log.Warn("analytical synthesis failed, using fallback summary",
			"session_id", st.SessionID, "error", err)
		text = fallbackSynthesis(st.AnalyticalResults)
	}

	st.ComprehensiveAnalysis = text
	st.ResponseText = text
	return st, nil
}

// buildSynthesisInput renders the original question and every sub-result for
// the synthesizer, numbering sub-queries [Q1], [Q2], ...
func buildSynthesisInput(question string, results []AnalyticalResult) string {
	var sb strings.Builder
	sb.WriteString("Original question: " + question + "\n\n")
	for i, r := range results {
		sb.WriteString(fmt.Sprintf("## Q%d: %s\n\n", i+1, r.SubQuestion))
		if r.Error != "" {
			sb.WriteString("**Error:** " + r.Error + "\n\n")
			continue
		}
		sb.WriteString("```sql\n" + r.SQL + "\n```\n\n")
		sb.WriteString(fmt.Sprintf("**Rows:** %d\n\n", len(r.Rows)))
		sb.WriteString(FormatRows(r.Columns, r.Rows, synthesisRowCap))
		sb.WriteString("\n")
	}
	return sb.String()
}

func fallbackSynthesis(results []AnalyticalResult) string {
	var sb strings.Builder
	sb.WriteString("The analysis completed with the following sub-results:\n\n")
	for i, r := range results {
		if r.Error != "" {
			sb.WriteString(fmt.Sprintf("%d. %s: failed (%s)\n", i+1, r.SubQuestion, r.Error))
		} else {
			sb.WriteString(fmt.Sprintf("%d. %s: %d rows\n", i+1, r.SubQuestion, len(r.Rows)))
		}
	}
	sb.WriteString("\nSee the attached tables for the detailed numbers.")
	return sb.String()
}
