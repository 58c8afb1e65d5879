// Package workflow is the LLM-orchestrated engine that turns a user question
// into SQL, runs it, and synthesizes a response. The orchestrator is a state
// machine whose nodes are pure functions over an immutable TurnState.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// node names. Terminal states are reached from handle_conversational,
// generate_response, generate_comprehensive_analysis and handle_error.
type node string

const (
	nodeRouteQuery           node = "route_query"
	nodeHandleConversational node = "handle_conversational"
	nodeGenerateSQL          node = "generate_sql"
	nodeValidateSQL          node = "validate_sql"
	nodeExecuteQuery         node = "execute_query"
	nodeGenerateResponse     node = "generate_response"
	nodePlanAnalytical       node = "generate_analytical_questions"
	nodeRunAnalytical        node = "execute_analytical_workflow"
	nodeSynthesize           node = "generate_comprehensive_analysis"
	nodeHandleError          node = "handle_error"
	nodeEnd                  node = "end"
)

// maxGraphSteps is a backstop against transition loops; the auto-fix cycle is
// the only legitimate cycle and is separately bounded.
const maxGraphSteps = 32

// Generator processes turns for one session. It holds only ids and
// capability interfaces; session ownership of memory, cache and result tables
// lives in the session registry.
type Generator struct {
	log         *slog.Logger
	llm         LLMClient
	executor    Executor
	schema      SchemaProvider
	memory      Memory
	cache       QueryCache
	prompts     PromptsProvider
	opts        Options
	targetTable string
}

// New creates a Generator from the wired collaborators.
func New(cfg *Config, targetTable string) (*Generator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Generator{
		log:         log,
		llm:         cfg.LLM,
		executor:    cfg.Executor,
		schema:      cfg.Schema,
		memory:      cfg.Memory,
		cache:       cfg.Cache,
		prompts:     cfg.Prompts,
		opts:        cfg.Options.normalized(),
		targetTable: targetTable,
	}, nil
}

// ProcessTurn runs one user question through the graph and always returns an
// envelope; user-level failures never surface as Go errors.
func (g *Generator) ProcessTurn(ctx context.Context, sessionID, question, userRole string, editMode bool) *QueryResponse {
	ctx, cancel := context.WithTimeout(ctx, g.opts.TurnTimeout)
	defer cancel()

	st := TurnState{
		SessionID: sessionID,
		Question:  question,
		UserRole:  userRole,
		EditMode:  editMode,
	}

	// Cache lookup short-circuits the whole graph for identical questions.
	if g.opts.UseCache && g.cache != nil {
		if cached, ok := g.cache.Get(sessionID, question, g.schema.Version()); ok {
			g.log.Info("query cache hit", "session_id", sessionID)
			resp := g.replayCached(cached)
			g.recordMemory(ctx, st, resp)
			return resp
		}
	}

	blob, err := g.schema.ContextBlob(ctx)
	if err != nil {
		st.Err = NewTurnError(ErrSchemaRefreshFailed, "could not analyze the target table: "+err.Error())
		st = g.handleError(st)
		return g.buildEnvelope(ctx, st)
	}
	st.SchemaContext = blob

	if g.opts.UseMemory && g.memory != nil {
		memCtx, memErr := g.memory.Retrieve(ctx, sessionID, question, DefaultMemoryTopK)
		if memErr != nil {
			g.log.Warn("memory retrieval failed", "session_id", sessionID, "error", memErr)
		} else {
			st.MemoryContext = memCtx
		}
	}

	st = g.run(ctx, st)

	resp := g.buildEnvelope(ctx, st)

	g.recordMemory(ctx, st, resp)
	g.recordCache(st, resp)

	if resp.Success && (resp.QueryType == QueryTypeSQL || resp.QueryType == QueryTypeAnalysis) {
		resp.FollowUpQuestions = g.generateFollowUps(ctx, question, resp.Text)
	}

	return resp
}

// run drives the state machine from route_query to a terminal node.
func (g *Generator) run(ctx context.Context, st TurnState) TurnState {
	current := nodeRouteQuery
	for steps := 0; current != nodeEnd && steps < maxGraphSteps; steps++ {
		if err := ctx.Err(); err != nil {
			st.Err = contextError(err)
			current = nodeHandleError
		}

		var next node
		var err error
		switch current {
		case nodeRouteQuery:
			st, err = g.route(ctx, st)
			next = g.afterRouting(st, err)
		case nodeHandleConversational:
			st = g.handleConversational(ctx, st)
			next = nodeEnd
		case nodeGenerateSQL:
			st, next = g.generateSQLNode(ctx, st)
		case nodeValidateSQL:
			st, next = g.validateSQLNode(ctx, st)
		case nodeExecuteQuery:
			st, next = g.executeQueryNode(ctx, st)
		case nodeGenerateResponse:
			st = g.generateResponseNode(ctx, st)
			next = nodeEnd
		case nodePlanAnalytical:
			st, err = g.planAnalytical(ctx, st)
			switch {
			case err != nil:
				next = nodeHandleError
			case st.WorkflowType == WorkflowStandard:
				next = nodeGenerateSQL
			default:
				next = nodeRunAnalytical
			}
		case nodeRunAnalytical:
			st, err = g.runAnalytical(ctx, st)
			if err != nil {
				next = nodeHandleError
			} else {
				next = nodeSynthesize
			}
		case nodeSynthesize:
			st, _ = g.synthesize(ctx, st)
			next = nodeEnd
		case nodeHandleError:
			st = g.handleError(st)
			next = nodeEnd
		default:
			g.log.Error("unknown graph node", "node", string(current))
			next = nodeEnd
		}

		g.log.Debug("graph transition",
			"session_id", st.SessionID, "from", string(current), "to", string(next))
		current = next
	}
	return st
}

func (g *Generator) afterRouting(st TurnState, err error) node {
	if err != nil {
		return nodeHandleError
	}
	switch st.WorkflowType {
	case WorkflowConversational:
		return nodeHandleConversational
	case WorkflowAnalytical:
		return nodePlanAnalytical
	default:
		return nodeGenerateSQL
	}
}

const conversationalSystemPrompt = `You are a helpful assistant for a SQL analytics tool. Answer briefly and, when relevant, mention that the user can ask questions about the analyzed database table in plain language.`

func (g *Generator) handleConversational(ctx context.Context, st TurnState) TurnState {
	if st.DirectResponse != "" {
		st.ResponseText = st.DirectResponse
		return st
	}

	llmCtx, cancel := context.WithTimeout(ctx, g.opts.LLMTimeout)
	defer cancel()

	text, err := g.llm.Complete(llmCtx, conversationalSystemPrompt, st.Question)
	if err != nil || strings.TrimSpace(text) == "" {
		text = "I can answer questions about your database in plain language. Ask me about the data and I will write and run the SQL for you."
	}
	st.ResponseText = text
	return st
}

func (g *Generator) generateSQLNode(ctx context.Context, st TurnState) (TurnState, node) {
	gen, err := g.generate(ctx, st, st.Question, "", st.LastSQLError)
	if err != nil {
		st.Err = asTurnError(err, ErrGenerationFailed)
		return st, nodeHandleError
	}

	st.SQL = gen.SQLs
	st.IsEdit = gen.IsEdit
	st.Rationale = gen.Rationale

	if st.IsEdit {
		return st, nodeExecuteQuery
	}
	// Read-only turns run a single statement.
	if len(st.SQL) > 1 {
		st.SQL = st.SQL[:1]
	}
	return st, nodeValidateSQL
}

func (g *Generator) validateSQLNode(ctx context.Context, st TurnState) (TurnState, node) {
	if !g.opts.AutoFix {
		return st, nodeExecuteQuery
	}

	valErr := g.executor.Validate(ctx, st.SQL[0])
	if valErr == "" {
		return st, nodeExecuteQuery
	}

	if st.ValidationAttempts < g.opts.MaxValidationAttempts {
		st.ValidationAttempts++
		st.LastSQLError = valErr
		g.log.Info("validation failed, regenerating",
			"session_id", st.SessionID,
			"attempt", st.ValidationAttempts,
			"error", valErr)
		return st, nodeGenerateSQL
	}

	// Attempts exhausted: proceed to execution; any error there is terminal.
	return st, nodeExecuteQuery
}

func (g *Generator) executeQueryNode(ctx context.Context, st TurnState) (TurnState, node) {
	if st.IsEdit {
		return g.executeEdit(ctx, st)
	}

	res, err := g.executor.ExecuteSelect(ctx, st.SQL[0])
	if err != nil {
		if g.opts.AutoFix && st.ValidationAttempts < g.opts.MaxValidationAttempts {
			st.ValidationAttempts++
			st.LastSQLError = err.Error()
			return st, nodeGenerateSQL
		}
		st.Err = asTurnError(err, ErrSQLExecutionFailed)
		return st, nodeHandleError
	}

	st.Columns = res.Columns
	st.Rows = res.Rows
	st.TableID = res.TableID
	st.TotalRows = res.TotalRows
	st.ElapsedMS = res.Elapsed.Milliseconds()
	return st, nodeGenerateResponse
}

func (g *Generator) executeEdit(ctx context.Context, st TurnState) (TurnState, node) {
	if !st.EditMode {
		st.WorkflowType = WorkflowConversational
		st.ResponseText = "This question would modify data, but edit mode is not enabled for this session."
		return st, nodeEnd
	}

	report, err := g.Verify(ctx, st, st.SQL)
	if err != nil {
		st.Err = asTurnError(err, ErrGenerationFailed)
		return st, nodeHandleError
	}
	st.Verification = report

	if report.Verdict != VerdictSafe {
		// Surface the report; the caller must confirm through execute_edit.
		return st, nodeEnd
	}

	outcome, err := g.executor.ExecuteEdit(ctx, st.SQL, len(st.SQL) > 1)
	if err != nil {
		st.Err = asTurnError(err, ErrTransactionFailed)
		return st, nodeHandleError
	}
	st.EditOutcome = outcome
	return st, nodeEnd
}

const responseRowCap = 20

func (g *Generator) generateResponseNode(ctx context.Context, st TurnState) TurnState {
	userPrompt := fmt.Sprintf("Question: %s\n\nSQL:\n%s\n\n%s",
		st.Question, st.SQL[0], FormatRows(st.Columns, st.Rows, responseRowCap))

	llmCtx, cancel := context.WithTimeout(ctx, g.opts.LLMTimeout)
	defer cancel()

	text, err := g.llm.Complete(llmCtx, g.prompts.GetPrompt("respond"), userPrompt)
	if err != nil || strings.TrimSpace(text) == "" {
		if st.TotalRows == 0 {
			text = "The query ran successfully but returned no matching rows."
		} else {
			text = fmt.Sprintf("The query returned %d rows.", st.TotalRows)
		}
	}
	st.ResponseText = text
	return st
}

// handleError is the terminal node for unrecoverable errors: it writes the
// user-visible message and marks the turn as the error workflow.
func (g *Generator) handleError(st TurnState) TurnState {
	if st.Err == nil {
		st.Err = NewTurnError(ErrRoutingFailed, "unknown error")
	}
	st.WorkflowType = WorkflowError
	st.ResponseText = userMessageFor(st)
	g.log.Warn("turn failed",
		"session_id", st.SessionID,
		"kind", string(st.Err.Kind),
		"message", st.Err.Message)
	return st
}

// userMessageFor renders an error kind as a user-facing message.
func userMessageFor(st TurnState) string {
	e := st.Err
	switch e.Kind {
	case ErrRoutingFailed:
		return "Sorry, I could not work out how to answer that. Could you rephrase the question?"
	case ErrGenerationFailed:
		return fmt.Sprintf("I could not produce a query for %q: %s", st.Question, e.Message)
	case ErrParseFailed:
		return "The model's response was unreadable: " + e.Message
	case ErrSQLExecutionFailed:
		msg := "The query failed: " + e.Message
		if len(st.SQL) > 0 {
			msg += "\n\nSQL:\n" + JoinStatements(st.SQL)
		}
		return msg
	case ErrTransactionFailed:
		return "The transaction was rolled back: " + e.Message
	case ErrSchemaRefreshFailed:
		return "The table analysis could not be refreshed: " + e.Message
	case ErrAnalyticalAllFailed:
		return "All analysis sub-queries failed. First error: " + e.Message
	case ErrTimeout:
		return "The request timed out before an answer was ready."
	case ErrCancelled:
		return "The request was cancelled."
	default:
		return e.Message
	}
}

func contextError(err error) *TurnError {
	if errors.Is(err, context.Canceled) {
		return NewTurnError(ErrCancelled, "the turn was cancelled")
	}
	return NewTurnError(ErrTimeout, "the turn timed out")
}

// asTurnError passes TurnErrors through and wraps anything else.
func asTurnError(err error, fallback ErrorKind) *TurnError {
	var te *TurnError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return contextError(err)
	}
	return NewTurnError(fallback, err.Error())
}
