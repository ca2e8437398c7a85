// Package db contains code for connecting to the tenant database and
// classifying the errors it returns.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/checkapp/checkapp-sync-server/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 30 * time.Minute
)

// Querier is the subset of pgx shared by pools, connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (*pgxpool.Conn)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// NewPool creates a connection pool for the application user and waits,
// with exponential backoff, until the database answers a ping.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration is required")
	}

	poolConfig, err := buildPoolConfig(ctx, cfg, cfg.User)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}

	if err := waitForDatabase(ctx, pool, cfg.GetStartupTimeout()); err != nil {
		pool.Close()
		return nil, err
	}

	slog.Info("Database connection pool created successfully",
		"host", cfg.Host,
		"database", cfg.Database,
		"max_conns", poolConfig.MaxConns,
	)
	return pool, nil
}

// Connect opens a single connection as the given user, used by the
// migration and provisioning commands.
func Connect(ctx context.Context, cfg *config.DatabaseConfig, user string) (*pgx.Conn, error) {
	connStr, err := cfg.GetConnectionString(user)
	if err != nil {
		return nil, err
	}

	connConfig, err := pgx.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database connection string: %w", err)
	}

	if cfg.DynamicAuth != nil && cfg.DynamicAuth.AWSRDSIAM != nil {
		token, err := NewRDSIAMToken(ctx, cfg, user)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain AWS RDS IAM token: %w", err)
		}
		connConfig.Password = token
	}

	conn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return conn, nil
}

func buildPoolConfig(ctx context.Context, cfg *config.DatabaseConfig, user string) (*pgxpool.Config, error) {
	connStr, err := cfg.GetConnectionString(user)
	if err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database connection string: %w", err)
	}

	poolConfig.MaxConns = defaultMaxOpenConns
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = cfg.MaxOpenConns
	}
	poolConfig.MinConns = defaultMaxIdleConns
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = cfg.MaxIdleConns
	}
	if poolConfig.MinConns > poolConfig.MaxConns {
		poolConfig.MinConns = poolConfig.MaxConns
	}

	poolConfig.MaxConnLifetime = defaultConnMaxLifetime
	if cfg.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("failed to parse connMaxLifetime: %w", err)
		}
		poolConfig.MaxConnLifetime = lifetime
	}

	if cfg.DynamicAuth != nil && cfg.DynamicAuth.AWSRDSIAM != nil {
		authFunc, err := RDSIAMAuthFunc(ctx, cfg, user)
		if err != nil {
			return nil, fmt.Errorf("failed to configure AWS RDS IAM authentication: %w", err)
		}
		poolConfig.BeforeConnect = authFunc
		slog.Info("Database pool uses AWS RDS IAM authentication", "user", user)
	}

	return poolConfig, nil
}

func waitForDatabase(ctx context.Context, pool *pgxpool.Pool, maxWait time.Duration) error {
	ping := func() (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return struct{}{}, pool.Ping(pingCtx)
	}

	_, err := backoff.Retry(ctx, ping,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxWait),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("Database not ready, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return fmt.Errorf("database did not become ready within %s: %w", maxWait, err)
	}
	return nil
}
