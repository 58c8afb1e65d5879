package dbexec

import (
	"errors"
	"fmt"
	"testing"

	"github.com/quarrylabs/quarry/agent/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registryWithRows(n int) (*TableRegistry, *ResultTable) {
	r := NewTableRegistry(4, 10, 200)
	var rows []map[string]any
	for i := 1; i <= n; i++ {
		rows = append(rows, map[string]any{"id": i})
	}
	t := r.Register("SELECT id FROM t ORDER BY id", []string{"id"}, rows)
	return r, t
}

func TestGetPage_FirstPage(t *testing.T) {
	r, table := registryWithRows(25)

	page, err := r.GetPage(table.ID, 1, 10)
	require.NoError(t, err)

	assert.Len(t, page.Rows, 10)
	assert.Equal(t, 1, page.Rows[0]["id"])
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, 25, page.TotalRows)
}

func TestGetPage_LastPartialPage(t *testing.T) {
	r, table := registryWithRows(25)

	page, err := r.GetPage(table.ID, 3, 10)
	require.NoError(t, err)

	assert.Len(t, page.Rows, 5)
	assert.Equal(t, 21, page.Rows[0]["id"])
}

func TestGetPage_Idempotent(t *testing.T) {
	r, table := registryWithRows(100)

	a, err := r.GetPage(table.ID, 4, 15)
	require.NoError(t, err)
	b, err := r.GetPage(table.ID, 4, 15)
	require.NoError(t, err)

	assert.Equal(t, a.Rows, b.Rows)
}

func TestGetPage_OutOfRange(t *testing.T) {
	r, table := registryWithRows(25)

	for _, page := range []int{0, -1, 4} {
		_, err := r.GetPage(table.ID, page, 10)
		var te *workflow.TurnError
		require.ErrorAs(t, err, &te, "page %d", page)
		assert.Equal(t, workflow.ErrInvalidPage, te.Kind)
		assert.Contains(t, te.Message, "1..3")
	}
}

func TestGetPage_UnknownTable(t *testing.T) {
	r := NewTableRegistry(4, 10, 200)

	_, err := r.GetPage("missing", 1, 10)
	var te *workflow.TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, workflow.ErrInvalidPage, te.Kind)
}

func TestGetPage_EmptyResultHasOnePage(t *testing.T) {
	r := NewTableRegistry(4, 10, 200)
	table := r.Register("SELECT id FROM t WHERE false", []string{"id"}, nil)

	page, err := r.GetPage(table.ID, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Rows)
	assert.Equal(t, 0, page.TotalRows)
	assert.Equal(t, 1, page.TotalPages)

	_, err = r.GetPage(table.ID, 2, 10)
	assert.True(t, errors.As(err, new(*workflow.TurnError)))
}

func TestClampPageSize(t *testing.T) {
	r := NewTableRegistry(4, 10, 200)

	assert.Equal(t, 10, r.ClampPageSize(0))
	assert.Equal(t, 10, r.ClampPageSize(-3))
	assert.Equal(t, 200, r.ClampPageSize(999))
	assert.Equal(t, 50, r.ClampPageSize(50))
}

func TestRegister_EvictsOldest(t *testing.T) {
	r := NewTableRegistry(2, 10, 200)

	first := r.Register("SELECT 1", []string{"x"}, nil)
	second := r.Register("SELECT 2", []string{"x"}, nil)
	third := r.Register("SELECT 3", []string{"x"}, nil)

	_, ok := r.Get(first.ID)
	assert.False(t, ok, "oldest table must be evicted")
	_, ok = r.Get(second.ID)
	assert.True(t, ok)
	_, ok = r.Get(third.ID)
	assert.True(t, ok)
}

func TestTotalPages(t *testing.T) {
	for _, tt := range []struct{ rows, size, want int }{
		{0, 10, 1},
		{1, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{237, 50, 5},
	} {
		assert.Equal(t, tt.want, TotalPages(tt.rows, tt.size), fmt.Sprintf("%d/%d", tt.rows, tt.size))
	}
}
