package database

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tclog "github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type nopLogger struct{}

func (*nopLogger) Printf(_ string, _ ...any) {}

var _ tclog.Logger = (*nopLogger)(nil)

var (
	dbName = "testdb"
	dbUser = "testuser"
	dbPass = "testpass"
)

// SetupTestDB starts a Postgres container, applies the migrations and
// returns a pool connected to it together with its cleanup function.
func SetupTestDB(t *testing.T) (*pgxpool.Pool, string, func()) {
	t.Helper()

	ctx := context.Background()

	postgresContainer, err := postgres.Run(
		ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPass),
		postgres.BasicWaitStrategies(),
		tc.WithLogger(&nopLogger{}),
	)
	require.NoError(t, err)

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	_, err = MigrateUp(connStr)
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	cleanupFunc := func() {
		pool.Close()
		tc.CleanupContainer(t, postgresContainer)
	}

	return pool, connStr, cleanupFunc
}

// SetupTenant starts a database with one provisioned tenant schema.
func SetupTenant(t *testing.T, schema string) (*pgxpool.Pool, func()) {
	t.Helper()

	pool, _, cleanup := SetupTestDB(t)
	if err := ProvisionTenant(context.Background(), pool, schema); err != nil {
		cleanup()
		require.NoError(t, err)
	}
	return pool, cleanup
}
