package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed tenant/schema.sql
var tenantSchemaTemplate string

// schemaNamePattern restricts tenant schemas to plain lower case identifiers.
var schemaNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ErrInvalidSchemaName is returned for schema names that are not plain identifiers.
var ErrInvalidSchemaName = errors.New("invalid schema name")

// TxStarter is implemented by *pgx.Conn, *pgxpool.Pool and *pgxpool.Conn.
type TxStarter interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ValidateSchemaName checks that schema can be used as a tenant schema.
func ValidateSchemaName(schema string) error {
	if !schemaNamePattern.MatchString(schema) {
		return fmt.Errorf("%w: %q", ErrInvalidSchemaName, schema)
	}
	return nil
}

// TenantDDL returns the statements that create the tables of a tenant.
func TenantDDL(schema string) string {
	return strings.ReplaceAll(tenantSchemaTemplate, "{{schema}}", pgx.Identifier{schema}.Sanitize())
}

// ProvisionTenant creates the tenant schema with every synchronised table and
// registers it in sync_tenants. Provisioning an existing tenant is a no-op.
func ProvisionTenant(ctx context.Context, db TxStarter, schema string) error {
	if err := ValidateSchemaName(schema); err != nil {
		return err
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			slog.Warn("Failed to rollback tenant provisioning", "schema", schema, "error", rollbackErr)
		}
	}()

	if _, err := tx.Exec(ctx, TenantDDL(schema)); err != nil {
		return fmt.Errorf("failed to create tenant tables: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO public.sync_tenants (schema_name) VALUES ($1)
		ON CONFLICT (schema_name) DO UPDATE SET updated_at = now()`, schema)
	if err != nil {
		return fmt.Errorf("failed to register tenant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tenant provisioning: %w", err)
	}
	return nil
}

// Querier runs a query, implemented by pgx connections and pools.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ListTenants returns the registered, enabled tenant schemas in name order.
func ListTenants(ctx context.Context, db Querier) ([]string, error) {
	rows, err := db.Query(ctx, `SELECT schema_name FROM public.sync_tenants WHERE enabled ORDER BY schema_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	tenants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return tenants, nil
}
