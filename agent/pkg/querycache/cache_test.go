package querycache

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/quarrylabs/quarry/agent/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func result(sql string) *workflow.CachedResult {
	return &workflow.CachedResult{
		SQL:       sql,
		Columns:   []string{"id"},
		Rows:      []map[string]any{{"id": 1}},
		TotalRows: 1,
	}
}

func TestFingerprint_NormalizesWhitespaceAndCase(t *testing.T) {
	a := Fingerprint("Show me  ALL rows", 1)
	b := Fingerprint("show me all ROWS", 1)
	c := Fingerprint("show me all rows", 2)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c, "schema version is part of the key")
}

func TestGetPut(t *testing.T) {
	s := New(8, "", nil)

	_, ok := s.Get("s1", "how many rows?", 1)
	assert.False(t, ok)

	s.Put("s1", "how many rows?", 1, result("SELECT count(*) FROM t"))

	got, ok := s.Get("s1", "how many rows?", 1)
	require.True(t, ok)
	assert.Equal(t, "SELECT count(*) FROM t", got.SQL)

	// A different session never sees the entry.
	_, ok = s.Get("s2", "how many rows?", 1)
	assert.False(t, ok)

	// A newer schema version misses.
	_, ok = s.Get("s1", "how many rows?", 2)
	assert.False(t, ok)
}

func TestLRUBound(t *testing.T) {
	s := New(2, "", nil)

	s.Put("s1", "q1", 1, result("SELECT 1"))
	s.Put("s1", "q2", 1, result("SELECT 2"))
	s.Put("s1", "q3", 1, result("SELECT 3"))

	_, ok := s.Get("s1", "q1", 1)
	assert.False(t, ok, "oldest entry evicted at capacity")
	_, ok = s.Get("s1", "q3", 1)
	assert.True(t, ok)
}

func TestInvalidate(t *testing.T) {
	s := New(8, "", nil)
	s.Put("s1", "q1", 1, result("SELECT 1"))
	s.Put("s2", "q2", 1, result("SELECT 2"))
	s.Put("s1", "q3", 2, result("SELECT 3"))

	s.Invalidate(2)

	_, ok := s.Get("s1", "q1", 1)
	assert.False(t, ok)
	_, ok = s.Get("s2", "q2", 1)
	assert.False(t, ok)
	_, ok = s.Get("s1", "q3", 2)
	assert.True(t, ok, "entries at the current version survive")
}

func TestDropSession(t *testing.T) {
	s := New(8, "", nil)
	s.Put("s1", "q1", 1, result("SELECT 1"))

	s.DropSession("s1")

	_, ok := s.Get("s1", "q1", 1)
	assert.False(t, ok)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")

	s := New(8, path, nil)
	for i := 0; i < 3; i++ {
		s.Put("s1", fmt.Sprintf("q%d", i), 1, result(fmt.Sprintf("SELECT %d", i)))
	}
	require.NoError(t, s.Save())

	restored := New(8, path, nil)
	require.NoError(t, restored.Load())

	got, ok := restored.Get("s1", "q1", 1)
	require.True(t, ok)
	assert.Equal(t, "SELECT 1", got.SQL)
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	s := New(8, filepath.Join(t.TempDir(), "absent.json"), nil)
	assert.NoError(t, s.Load())
}
