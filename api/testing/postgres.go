// Package apitesting provides database fixtures for integration tests.
package apitesting

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PostgresDBConfig holds the Postgres test container configuration.
type PostgresDBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *PostgresDBConfig) validate() {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "postgres"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
}

// PostgresDB represents a Postgres test container.
type PostgresDB struct {
	container *tcpostgres.PostgresContainer
	connStr   string
}

// ConnString returns the connection string for the container.
func (db *PostgresDB) ConnString() string {
	return db.connStr
}

// Pool opens a pgx pool against the container.
func (db *PostgresDB) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, db.connStr)
	if err != nil {
		return nil, fmt.Errorf("open test pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping test database: %w", err)
	}
	return pool, nil
}

// Close terminates the container.
func (db *PostgresDB) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = db.container.Terminate(ctx)
}

// NewPostgresDB starts a Postgres testcontainer. Callers should skip the test
// when this fails (Docker unavailable).
func NewPostgresDB(ctx context.Context, cfg *PostgresDBConfig) (db *PostgresDB, err error) {
	// testcontainers panics when no Docker host can be found; report that as
	// an error so callers can skip.
	defer func() {
		if r := recover(); r != nil {
			db, err = nil, fmt.Errorf("start postgres container: %v", r)
		}
	}()

	if cfg == nil {
		cfg = &PostgresDBConfig{}
	}
	cfg.validate()

	container, err := tcpostgres.Run(ctx,
		cfg.ContainerImage,
		tcpostgres.WithDatabase(cfg.Database),
		tcpostgres.WithUsername(cfg.Username),
		tcpostgres.WithPassword(cfg.Password),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("get connection string: %w", err)
	}

	return &PostgresDB{container: container, connStr: connStr}, nil
}
