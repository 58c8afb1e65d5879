package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	p, err := Load()
	require.NoError(t, err)

	assert.NotEmpty(t, p.Router)
	assert.NotEmpty(t, p.Generate)
	assert.NotEmpty(t, p.Plan)
	assert.NotEmpty(t, p.Synthesize)
	assert.NotEmpty(t, p.Respond)
	assert.NotEmpty(t, p.Verify)
	assert.NotEmpty(t, p.Visualize)

	// GENERATE composes SQL_CONTEXT in place of its placeholder.
	assert.NotContains(t, p.Generate, "{{SQL_CONTEXT}}")
	assert.Contains(t, p.Generate, "percentile_cont")
}

func TestGetPrompt(t *testing.T) {
	p, err := Load()
	require.NoError(t, err)

	assert.Equal(t, p.Router, p.GetPrompt("router"))
	assert.Equal(t, p.Verify, p.GetPrompt("verify"))
	assert.Empty(t, p.GetPrompt("nope"))
}

func TestBind(t *testing.T) {
	out := Bind("Hello {{NAME}}, you asked: {{QUESTION}}", map[string]string{
		"NAME":     "analyst",
		"QUESTION": "how many rows?",
	})
	assert.Equal(t, "Hello analyst, you asked: how many rows?", out)
	assert.False(t, strings.Contains(out, "{{"))
}
