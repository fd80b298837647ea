// Package testutil starts throwaway PostgreSQL containers for integration tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ad-tracker/channel-announcer/internal/db"
)

const (
	testDatabase = "announcer_test"
	testUser     = "test"
	testPassword = "test"
)

// TestDatabase represents a test database instance.
type TestDatabase struct {
	Pool      *pgxpool.Pool
	Container *postgres.PostgresContainer
	ConnStr   string
}

// SetupTestDatabase creates a PostgreSQL container, runs migrations, and returns a connection pool.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase(testDatabase),
		postgres.WithUsername(testUser),
		postgres.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	migrationsPath, err := findMigrations()
	require.NoError(t, err)

	st, err := db.Migrate(connStr, migrationsPath, db.DirectionUp, 0)
	require.NoError(t, err)
	require.False(t, st.Dirty)

	pool, err := db.NewPool(ctx, connStr, db.PoolOptions{})
	require.NoError(t, err)

	return &TestDatabase{
		Pool:      pool,
		Container: pgContainer,
		ConnStr:   connStr,
	}
}

// Cleanup closes the pool and terminates the container.
func (td *TestDatabase) Cleanup(t *testing.T) {
	t.Helper()

	if td.Pool != nil {
		td.Pool.Close()
	}
	if td.Container != nil {
		require.NoError(t, td.Container.Terminate(context.Background()))
	}
}

// TruncateTables empties every table for test isolation.
func (td *TestDatabase) TruncateTables(t *testing.T) {
	t.Helper()
	_, err := td.Pool.Exec(context.Background(), `TRUNCATE TABLE watch_state`)
	require.NoError(t, err)
}

// findMigrations walks up from the working directory to the repository's
// migrations directory.
func findMigrations() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("migrations directory not found")
		}
		dir = parent
	}
}
