package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/getsentry/sentry-go"
	"github.com/quarrylabs/quarry/api/metrics"
)

// AnthropicLLMClient implements LLMClient against the Anthropic Messages API.
type AnthropicLLMClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicLLMClient creates a client for the given model. The API key is
// read from ANTHROPIC_API_KEY by the SDK.
func NewAnthropicLLMClient(model anthropic.Model, maxTokens int64) *AnthropicLLMClient {
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return &AnthropicLLMClient{
		client:    anthropic.NewClient(),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Complete sends a single-turn prompt and returns the response text.
func (c *AnthropicLLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	// Sentry span for AI monitoring
	span := sentry.StartSpan(ctx, "gen_ai.chat", sentry.WithDescription(fmt.Sprintf("chat %s", c.model)))
	span.SetData("gen_ai.operation.name", "chat")
	span.SetData("gen_ai.request.model", string(c.model))
	span.SetData("gen_ai.request.max_tokens", c.maxTokens)
	span.SetData("gen_ai.system", "anthropic")
	ctx = span.Context()
	defer span.Finish()

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	duration := time.Since(start)
	metrics.RecordAnthropicRequest("messages", duration, err)

	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return "", err
	}

	metrics.RecordAnthropicTokens(msg.Usage.InputTokens, msg.Usage.OutputTokens)
	span.SetData("gen_ai.usage.input_tokens", msg.Usage.InputTokens)
	span.SetData("gen_ai.usage.output_tokens", msg.Usage.OutputTokens)
	span.Status = sentry.SpanStatusOK

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}

	return "", nil
}

// ExtractJSON pulls the first JSON object out of an LLM response, stripping
// markdown fences when present.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		var kept []string
		inBlock := false
		for _, line := range lines {
			if strings.HasPrefix(line, "```") {
				inBlock = !inBlock
				continue
			}
			if inBlock {
				kept = append(kept, line)
			}
		}
		if len(kept) > 0 {
			text = strings.Join(kept, "\n")
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

// repairPrompt asks the model to re-emit broken JSON.
const repairPrompt = `Your previous response was not valid JSON. Respond again with ONLY the JSON object, no markdown, no commentary.

Previous response:
%s`

// CompleteJSON runs a completion and unmarshals the response into v. A
// malformed response gets one repair attempt; after that the raw excerpt is
// surfaced as a parse_failed TurnError.
func CompleteJSON(ctx context.Context, llm LLMClient, systemPrompt, userPrompt string, v any) error {
	text, err := llm.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return err
	}

	if jsonErr := json.Unmarshal([]byte(ExtractJSON(text)), v); jsonErr == nil {
		return nil
	}

	// One repair attempt.
	repaired, err := llm.Complete(ctx, systemPrompt, fmt.Sprintf(repairPrompt, truncate(text, 2000)))
	if err != nil {
		return err
	}
	if jsonErr := json.Unmarshal([]byte(ExtractJSON(repaired)), v); jsonErr != nil {
		return NewTurnError(ErrParseFailed, fmt.Sprintf("unreadable model response: %s", truncate(repaired, 200)))
	}
	return nil
}

// truncate shortens a string for prompts and logs.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
