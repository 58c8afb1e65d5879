package workflow

import (
	"context"
)

type routerDecision struct {
	WorkflowType   string `json:"workflow_type"`
	Reasoning      string `json:"reasoning"`
	DirectResponse string `json:"direct_response"`
}

// route classifies the question into a workflow type. A router failure is the
// routing_failed error kind; the graph surfaces it as a conversational apology.
func (g *Generator) route(ctx context.Context, st TurnState) (TurnState, error) {
	userPrompt := st.Question
	if st.MemoryContext != "" {
		userPrompt = "Conversation memory:\n" + st.MemoryContext + "\n\nQuestion: " + st.Question
	}

	ctx, cancel := context.WithTimeout(ctx, g.opts.LLMTimeout)
	defer cancel()

	var decision routerDecision
	if err := CompleteJSON(ctx, g.llm, g.prompts.GetPrompt("router"), userPrompt, &decision); err != nil {
		st.Err = NewTurnError(ErrRoutingFailed, err.Error())
		return st, st.Err
	}

	switch WorkflowType(decision.WorkflowType) {
	case WorkflowConversational:
		st.WorkflowType = WorkflowConversational
		st.DirectResponse = decision.DirectResponse
	case WorkflowAnalytical:
		st.WorkflowType = WorkflowAnalytical
	case WorkflowStandard:
		st.WorkflowType = WorkflowStandard
	default:
		// An unrecognized label degrades to the standard path rather than
		// failing the turn.
		g.log.Warn("router returned unknown workflow type", "type", decision.WorkflowType)
		st.WorkflowType = WorkflowStandard
	}

	g.log.Info("question routed",
		"session_id", st.SessionID,
		"workflow", st.WorkflowType,
		"reasoning", decision.Reasoning)
	return st, nil
}
