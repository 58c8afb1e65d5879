package dbexec_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quarrylabs/quarry/agent/pkg/dbexec"
	apitesting "github.com/quarrylabs/quarry/api/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupEngine starts a throwaway Postgres, seeds the orders table and returns
// an engine over it. Tests skip when Docker is unavailable.
func setupEngine(t *testing.T) (*dbexec.Engine, *pgxpool.Pool) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := apitesting.NewPostgresDB(ctx, nil)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(db.Close)

	pool, err := db.Pool(ctx)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `
		CREATE TABLE orders (
			id serial PRIMARY KEY,
			country text NOT NULL,
			amount numeric NOT NULL
		)
	`)
	require.NoError(t, err)
	for i := 1; i <= 30; i++ {
		_, err = pool.Exec(ctx, "INSERT INTO orders (country, amount) VALUES ($1, $2)", "DE", i)
		require.NoError(t, err)
	}

	tables := dbexec.NewTableRegistry(8, 10, 200)
	engine := dbexec.NewEngine(pool, tables, slog.Default(), 30*time.Second, nil)
	return engine, pool
}

func TestExecuteSelect_RoundTrip(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	res, err := engine.ExecuteSelect(ctx, "SELECT id, country, amount FROM orders ORDER BY id")
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "country", "amount"}, res.Columns)
	assert.Equal(t, 30, res.TotalRows)
	require.NotEmpty(t, res.TableID)

	// get_page(table_id, 1, n) returns the first n rows in original order.
	page, err := engine.GetPage(res.TableID, 1, 5)
	require.NoError(t, err)
	require.Len(t, page.Rows, 5)
	assert.Equal(t, res.Rows[:5], page.Rows)

	page2, err := engine.GetPage(res.TableID, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, res.Rows[5:10], page2.Rows)
}

func TestExecuteSelect_EmptyResultIsNotAnError(t *testing.T) {
	engine, _ := setupEngine(t)

	res, err := engine.ExecuteSelect(context.Background(), "SELECT * FROM orders WHERE country = 'ZZ'")
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	assert.Equal(t, 0, res.TotalRows)
}

func TestExecuteSelect_SQLError(t *testing.T) {
	engine, _ := setupEngine(t)

	_, err := engine.ExecuteSelect(context.Background(), "SELECT nope FROM orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestValidate(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	assert.Empty(t, engine.Validate(ctx, "SELECT count(*) FROM orders"))
	assert.NotEmpty(t, engine.Validate(ctx, "SELECT bogus FROM orders"))
}

func TestExecuteEdit_SingleStatement(t *testing.T) {
	engine, pool := setupEngine(t)
	ctx := context.Background()

	outcome, err := engine.ExecuteEdit(ctx, []string{"UPDATE orders SET amount = 0 WHERE id = 1"}, false)
	require.NoError(t, err)

	assert.False(t, outcome.Transaction)
	require.Len(t, outcome.PerStatement, 1)
	assert.True(t, outcome.PerStatement[0].Success)
	assert.Equal(t, int64(1), outcome.PerStatement[0].AffectedRows)

	var amount float64
	require.NoError(t, pool.QueryRow(ctx, "SELECT amount FROM orders WHERE id = 1").Scan(&amount))
	assert.Zero(t, amount)
}

func TestExecuteEdit_TransactionRollback(t *testing.T) {
	engine, pool := setupEngine(t)
	ctx := context.Background()

	outcome, err := engine.ExecuteEdit(ctx, []string{
		"CREATE TABLE t_scratch (id int)",
		"INSERT INTO t_scratch VALUES (1)",
		"INSERT INTO nonexistent VALUES (1)",
	}, true)
	require.NoError(t, err)

	assert.True(t, outcome.Transaction)
	assert.True(t, outcome.Rollback)
	assert.Equal(t, 3, outcome.FailedAtQuery)
	require.Len(t, outcome.PerStatement, 3)
	assert.True(t, outcome.PerStatement[0].RolledBack)
	assert.True(t, outcome.PerStatement[1].RolledBack)
	assert.NotEmpty(t, outcome.PerStatement[2].Error)

	// The rolled-back table must not exist after the turn.
	var exists bool
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 't_scratch')").Scan(&exists))
	assert.False(t, exists)
}

func TestExecuteEdit_TransactionCommitAndSchemaChange(t *testing.T) {
	engine, pool := setupEngine(t)
	ctx := context.Background()

	schemaChanges := 0
	tables := dbexec.NewTableRegistry(8, 10, 200)
	engine = dbexec.NewEngine(pool, tables, slog.Default(), 30*time.Second, func(ctx context.Context) {
		schemaChanges++
	})

	outcome, err := engine.ExecuteEdit(ctx, []string{
		"CREATE TABLE t_kept (id int)",
		"INSERT INTO t_kept VALUES (1)",
	}, true)
	require.NoError(t, err)

	assert.True(t, outcome.Transaction)
	assert.False(t, outcome.Rollback)
	assert.Zero(t, outcome.FailedAtQuery)
	assert.True(t, outcome.SchemaChanged)
	assert.Equal(t, 1, schemaChanges)

	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM t_kept").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestExecuteEdit_SkippedStatements(t *testing.T) {
	engine, _ := setupEngine(t)

	outcome, err := engine.ExecuteEdit(context.Background(), []string{
		"INSERT INTO nonexistent VALUES (1)",
		"UPDATE orders SET amount = 5 WHERE id = 2",
	}, true)
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.FailedAtQuery)
	assert.True(t, outcome.PerStatement[1].Skipped)
}
