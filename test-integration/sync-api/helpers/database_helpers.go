// Package helpers provides the fixtures of the sync API integration suite.
package helpers

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/checkapp/checkapp-sync-server/database"
	"github.com/checkapp/checkapp-sync-server/internal/config"
)

// TestDatabase is a migrated Postgres container.
type TestDatabase struct {
	container *postgres.PostgresContainer
	Pool      *pgxpool.Pool
	ConnStr   string
}

// StartDatabase starts a Postgres container and applies the migrations.
func StartDatabase(ctx context.Context) (*TestDatabase, error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("syncdb"),
		postgres.WithUsername("sync"),
		postgres.WithPassword("syncpass"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = tc.TerminateContainer(container)
		return nil, err
	}
	if _, err := database.MigrateUp(connStr); err != nil {
		_ = tc.TerminateContainer(container)
		return nil, err
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = tc.TerminateContainer(container)
		return nil, err
	}
	return &TestDatabase{container: container, Pool: pool, ConnStr: connStr}, nil
}

// ProvisionTenants creates the given tenant schemas.
func (d *TestDatabase) ProvisionTenants(ctx context.Context, schemas ...string) error {
	for _, schema := range schemas {
		if err := database.ProvisionTenant(ctx, d.Pool, schema); err != nil {
			return err
		}
	}
	return nil
}

// Stop closes the pool and removes the container.
func (d *TestDatabase) Stop() error {
	d.Pool.Close()
	return tc.TerminateContainer(d.container)
}

// DatabaseConfig describes the container as server configuration. The
// password is written to a file under dir.
func (d *TestDatabase) DatabaseConfig(dir string) (*config.DatabaseConfig, error) {
	u, err := url.Parse(d.ConnStr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return nil, err
	}
	password, _ := u.User.Password()
	passwordFile := filepath.Join(dir, "db-password")
	if err := os.WriteFile(passwordFile, []byte(password), 0o600); err != nil {
		return nil, err
	}

	return &config.DatabaseConfig{
		Host:         u.Hostname(),
		Port:         port,
		User:         u.User.Username(),
		PasswordFile: passwordFile,
		Database:     u.Path[1:],
		SSLMode:      "disable",
	}, nil
}
