package workflow_test

import (
	"context"
	"testing"

	"github.com/quarrylabs/quarry/agent/pkg/querycache"
	"github.com/quarrylabs/quarry/agent/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two consecutive identical turns: the second must hit the cache and skip
// generation and execution while returning the same rows.
func TestProcessTurn_CacheHitReplays(t *testing.T) {
	llm := &fakeLLM{handler: standardHandler(t, "SELECT id FROM people LIMIT 3")}
	exec := newFakeExecutor()
	exec.selectCols = []string{"id"}
	exec.selectRows = []map[string]any{{"id": 1}, {"id": 2}, {"id": 3}}

	cache := querycache.New(8, "", nil)
	gen := newTestGenerator(t, llm, exec, cache)

	first := gen.ProcessTurn(context.Background(), "s1", "show me 3 ids", "analyst", false)
	require.True(t, first.Success)
	require.Len(t, exec.selectCalls, 1)

	second := gen.ProcessTurn(context.Background(), "s1", "show me 3 ids", "analyst", false)
	require.True(t, second.Success)

	assert.Len(t, exec.selectCalls, 1, "cache hit must not re-execute")
	assert.Equal(t, first.SQL, second.SQL)
	assert.Equal(t, first.Results, second.Results)
	require.NotNil(t, second.Pagination)
	assert.Equal(t, first.Pagination.TotalRows, second.Pagination.TotalRows)
}

// A question cached under an older schema version must miss after the version
// advances.
func TestProcessTurn_CacheInvalidatedBySchemaVersion(t *testing.T) {
	llm := &fakeLLM{handler: standardHandler(t, "SELECT id FROM people LIMIT 3")}
	exec := newFakeExecutor()
	exec.selectCols = []string{"id"}
	exec.selectRows = []map[string]any{{"id": 1}}

	cache := querycache.New(8, "", nil)
	schema := &fakeSchema{blob: "people: id", version: 1}

	promptLib := mustPrompts(t)
	opts := workflow.DefaultOptions()
	opts.UseMemory = false

	gen, err := workflow.New(&workflow.Config{
		LLM:      llm,
		Executor: exec,
		Schema:   schema,
		Cache:    cache,
		Prompts:  promptLib,
		Options:  opts,
	}, "people")
	require.NoError(t, err)

	_ = gen.ProcessTurn(context.Background(), "s1", "show ids", "analyst", false)
	require.Len(t, exec.selectCalls, 1)

	require.NoError(t, schema.Invalidate(context.Background()))
	cache.Invalidate(schema.Version())

	_ = gen.ProcessTurn(context.Background(), "s1", "show ids", "analyst", false)
	assert.Len(t, exec.selectCalls, 2, "stale cache entry must not replay")
}
