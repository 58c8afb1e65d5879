package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// buildEnvelope renders the terminal TurnState as the response envelope.
func (g *Generator) buildEnvelope(ctx context.Context, st TurnState) *QueryResponse {
	switch {
	case st.WorkflowType == WorkflowError:
		return &QueryResponse{
			QueryType: QueryTypeConversational,
			Text:      st.ResponseText,
			Success:   false,
			ErrorKind: st.Err.Kind,
		}

	case st.WorkflowType == WorkflowConversational:
		return &QueryResponse{
			QueryType: QueryTypeConversational,
			Text:      st.ResponseText,
			Success:   true,
		}

	case st.WorkflowType == WorkflowAnalytical:
		return g.analysisEnvelope(st)

	case st.IsEdit && st.EditOutcome != nil:
		return g.editExecutionEnvelope(st)

	case st.IsEdit:
		return g.editConfirmationEnvelope(st)

	default:
		return g.selectEnvelope(ctx, st)
	}
}

func (g *Generator) selectEnvelope(ctx context.Context, st TurnState) *QueryResponse {
	resp := &QueryResponse{
		QueryType: QueryTypeSQL,
		Text:      st.ResponseText,
		Success:   true,
		SQL:       JoinStatements(st.SQL),
	}

	page, err := g.executor.GetPage(st.TableID, 1, g.opts.PageSizeDefault)
	if err != nil {
		// The registry should always hold a table we just stored; fall back
		// to the raw rows rather than failing the turn.
		g.log.Error("first-page retrieval failed", "table_id", st.TableID, "error", err)
		resp.Results = st.Rows
		return resp
	}

	resp.Results = page.Rows
	resp.Pagination = paginationFromPage(st.TableID, page)

	if len(st.Rows) > 0 {
		resp.VisualizationRecommendations = g.RecommendCharts(ctx, st.Columns, st.Rows, st.Question)
	}
	return resp
}

func (g *Generator) analysisEnvelope(st TurnState) *QueryResponse {
	resp := &QueryResponse{
		QueryType:    QueryTypeAnalysis,
		Text:         st.ComprehensiveAnalysis,
		Success:      true,
		AnalysisType: "comprehensive",
	}

	for i, r := range st.AnalyticalResults {
		table := AnalysisTable{
			Name:        fmt.Sprintf("Q%d", i+1),
			Description: r.SubQuestion,
			SQL:         r.SQL,
			RowCount:    len(r.Rows),
			TableID:     r.TableID,
		}
		if r.Error != "" {
			table.Description += " (failed: " + r.Error + ")"
		} else if r.TableID != "" {
			if page, err := g.executor.GetPage(r.TableID, 1, g.opts.PageSizeDefault); err == nil {
				table.Results = page.Rows
				table.Pagination = paginationFromPage(r.TableID, page)
			} else {
				table.Results = r.Rows
			}
		}
		resp.Tables = append(resp.Tables, table)
	}
	return resp
}

func (g *Generator) editConfirmationEnvelope(st TurnState) *QueryResponse {
	text := "This statement modifies data and requires review before execution."
	if st.Verification != nil && st.Verification.Explanation != "" {
		text = st.Verification.Explanation
	}
	return &QueryResponse{
		QueryType:            QueryTypeEditSQL,
		Text:                 text,
		Success:              true,
		SQL:                  JoinStatements(st.SQL),
		RequiresConfirmation: true,
		VerificationResult:   st.Verification,
	}
}

func (g *Generator) editExecutionEnvelope(st TurnState) *QueryResponse {
	outcome := st.EditOutcome
	resp := &QueryResponse{
		QueryType:          QueryTypeEditExecution,
		Success:            outcome.FailedAtQuery == 0,
		SQL:                JoinStatements(st.SQL),
		VerificationResult: st.Verification,
		TransactionMode:    outcome.Transaction,
		RollbackPerformed:  outcome.Rollback,
		FailedAtQuery:      outcome.FailedAtQuery,
		QueryResults:       outcome.PerStatement,
	}
	resp.Text = editOutcomeText(outcome)
	return resp
}

func editOutcomeText(outcome *EditOutcome) string {
	if outcome.FailedAtQuery > 0 {
		failed := outcome.PerStatement[outcome.FailedAtQuery-1]
		if outcome.Rollback {
			return fmt.Sprintf("Statement %d failed (%s); the transaction was rolled back and no changes were applied.",
				outcome.FailedAtQuery, failed.Error)
		}
		return fmt.Sprintf("The statement failed: %s", failed.Error)
	}

	var affected int64
	for _, s := range outcome.PerStatement {
		affected += s.AffectedRows
	}
	text := fmt.Sprintf("Executed %d statement(s) successfully, %d row(s) affected.",
		len(outcome.PerStatement), affected)
	if outcome.SchemaChanged {
		text += " The table schema changed and was re-analyzed."
	}
	return text
}

func paginationFromPage(tableID string, page *Page) *Pagination {
	return &Pagination{
		TableID:     tableID,
		CurrentPage: page.Page,
		TotalPages:  page.TotalPages,
		TotalRows:   page.TotalRows,
		PageSize:    page.PageSize,
		HasNext:     page.Page < page.TotalPages,
		HasPrev:     page.Page > 1,
	}
}

// replayCached rebuilds an envelope from a cached result. Hits are
// observationally identical to misses apart from latency.
func (g *Generator) replayCached(c *CachedResult) *QueryResponse {
	resp := &QueryResponse{
		QueryType: QueryTypeSQL,
		Text:      c.ResponseText,
		Success:   true,
		SQL:       c.SQL,
	}

	if page, err := g.executor.GetPage(c.TableID, 1, g.opts.PageSizeDefault); err == nil {
		resp.Results = page.Rows
		resp.Pagination = paginationFromPage(c.TableID, page)
		return resp
	}

	// The stored table was evicted; serve the cached rows directly.
	size := g.opts.PageSizeDefault
	rows := c.Rows
	if len(rows) > size {
		rows = rows[:size]
	}
	resp.Results = rows
	resp.Pagination = &Pagination{
		TableID:     c.TableID,
		CurrentPage: 1,
		TotalPages:  totalPages(c.TotalRows, size),
		TotalRows:   c.TotalRows,
		PageSize:    size,
		HasNext:     c.TotalRows > size,
	}
	return resp
}

func totalPages(totalRows, pageSize int) int {
	if totalRows <= 0 {
		return 1
	}
	return (totalRows + pageSize - 1) / pageSize
}

// recordMemory persists the turn's user and assistant messages. Failures are
// logged, never fatal. Conversational turns carry no SQL metadata.
func (g *Generator) recordMemory(ctx context.Context, st TurnState, resp *QueryResponse) {
	if !g.opts.UseMemory || g.memory == nil || !resp.Success {
		return
	}

	if err := g.memory.Store(ctx, st.SessionID, "user", st.Question, map[string]any{
		"question": st.Question,
	}); err != nil {
		g.log.Warn("memory store failed", "session_id", st.SessionID, "error", err)
		return
	}

	meta := map[string]any{"question": st.Question}
	if resp.QueryType != QueryTypeConversational {
		if resp.SQL != "" {
			meta["sql"] = resp.SQL
		}
		if resp.Pagination != nil {
			meta["result_rowcount"] = resp.Pagination.TotalRows
		}
	}
	if err := g.memory.Store(ctx, st.SessionID, "assistant", resp.Text, meta); err != nil {
		g.log.Warn("memory store failed", "session_id", st.SessionID, "error", err)
	}
}

// recordCache stores a successful standard SELECT for replay.
func (g *Generator) recordCache(st TurnState, resp *QueryResponse) {
	if !g.opts.UseCache || g.cache == nil || st.CacheHit {
		return
	}
	if !resp.Success || resp.QueryType != QueryTypeSQL || st.TableID == "" {
		return
	}

	g.cache.Put(st.SessionID, st.Question, g.schema.Version(), &CachedResult{
		Question:     st.Question,
		SQL:          resp.SQL,
		Columns:      st.Columns,
		Rows:         st.Rows,
		TotalRows:    st.TotalRows,
		TableID:      st.TableID,
		ResponseText: resp.Text,
		CreatedAt:    time.Now().UTC(),
	})
}

const followUpSystemPrompt = `Given a Q&A exchange about a database table, suggest 2-3 follow-up questions.

Rules:
- Questions must be answerable from the same table
- Explore different angles or drill deeper into the data
- Do NOT suggest questions the response already answers
- Output ONLY the questions, one per line
- No preamble, no numbering, no bullet points
- Each line must be a complete question ending with ?`

// generateFollowUps suggests follow-up questions. Best-effort: failures are
// logged and ignored.
func (g *Generator) generateFollowUps(ctx context.Context, question, answer string) []string {
	llmCtx, cancel := context.WithTimeout(ctx, g.opts.LLMTimeout)
	defer cancel()

	userPrompt := fmt.Sprintf("User question: %s\n\nAssistant answer: %s", question, truncate(answer, 4000))
	response, err := g.llm.Complete(llmCtx, followUpSystemPrompt, userPrompt)
	if err != nil {
		g.log.Debug("follow-up generation failed", "error", err)
		return nil
	}

	var questions []string
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.HasSuffix(line, "?") {
			questions = append(questions, line)
		}
	}
	if len(questions) > 3 {
		questions = questions[:3]
	}
	return questions
}
