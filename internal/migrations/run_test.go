package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func getTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)

	cleanup := func() {
		db.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}

	return db, cleanup
}

func getMigrationsPath(t *testing.T) string {
	projectRoot, err := filepath.Abs("../..")
	require.NoError(t, err)
	return filepath.Join(projectRoot, "migrations")
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	var exists bool
	err := db.QueryRow(`
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = $1
		)`, name).Scan(&exists)
	require.NoError(t, err)
	return exists
}

func TestRunMigrations(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	db, cleanup := getTestDB(t)
	defer cleanup()

	version, err := Run(db, getMigrationsPath(t))
	require.NoError(t, err)
	require.Equal(t, uint(1), version)

	for _, table := range []string{
		"users", "tariffs", "nodes", "subscriptions", "transactions",
		"referral_relations", "bonus_ledger", "promo_codes", "promo_redemptions",
	} {
		require.True(t, tableExists(t, db, table), "table %s should exist", table)
	}

	var exists bool
	err = db.QueryRow(`
		SELECT EXISTS (
			SELECT 1 FROM pg_indexes
			WHERE schemaname = 'public'
			AND tablename = 'subscriptions'
			AND indexname = 'subscriptions_one_live_per_user'
		)`).Scan(&exists)
	require.NoError(t, err)
	require.True(t, exists, "partial unique index should exist")
}

func TestMigrationIdempotency(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	db, cleanup := getTestDB(t)
	defer cleanup()

	path := getMigrationsPath(t)
	_, err := Run(db, path)
	require.NoError(t, err)
	version, err := Run(db, path)
	require.NoError(t, err, "running migrations twice should not fail")
	require.Equal(t, uint(1), version)
}

func TestRunDirtySchema(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	db, cleanup := getTestDB(t)
	defer cleanup()

	path := getMigrationsPath(t)
	_, err := Run(db, path)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE schema_migrations SET dirty = true`)
	require.NoError(t, err)

	_, err = Run(db, path)
	require.ErrorIs(t, err, ErrDirty)
}

func TestRunEmptyPath(t *testing.T) {
	_, err := Run(nil, "")
	require.Error(t, err)
}
