package workflow

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prose around", `Sure! {"a": 1} Hope that helps.`, `{"a": 1}`},
		{"nested braces", `{"a": {"b": 2}}`, `{"a": {"b": 2}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.in))
		})
	}
}

type scriptedLLM struct {
	replies []string
	calls   int
}

func (s *scriptedLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if s.calls >= len(s.replies) {
		return "", fmt.Errorf("no scripted reply")
	}
	reply := s.replies[s.calls]
	s.calls++
	return reply, nil
}

func TestCompleteJSON_RepairsOnce(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		"this is not json at all",
		`{"value": 42}`,
	}}

	var out struct {
		Value int `json:"value"`
	}
	err := CompleteJSON(context.Background(), llm, "system", "user", &out)

	require.NoError(t, err)
	assert.Equal(t, 42, out.Value)
	assert.Equal(t, 2, llm.calls)
}

func TestCompleteJSON_ParseFailedAfterRepair(t *testing.T) {
	llm := &scriptedLLM{replies: []string{"garbage", "still garbage"}}

	var out map[string]any
	err := CompleteJSON(context.Background(), llm, "system", "user", &out)

	var te *TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ErrParseFailed, te.Kind)
	assert.Contains(t, te.Message, "still garbage")
}

func TestCompleteJSON_FirstTryValid(t *testing.T) {
	llm := &scriptedLLM{replies: []string{`{"ok": true}`}}

	var out map[string]any
	require.NoError(t, CompleteJSON(context.Background(), llm, "s", "u", &out))
	assert.Equal(t, 1, llm.calls)
}
