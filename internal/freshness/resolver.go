// Package freshness works out, per tenant and table, which columns say when
// a row last changed and builds the SQL expression the sync engines order by.
package freshness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"github.com/checkapp/checkapp-sync-server/internal/config"
	"github.com/checkapp/checkapp-sync-server/internal/db"
)

var (
	// ErrUnknownTable is returned for tables missing from the catalogue
	ErrUnknownTable = errors.New("unknown table")

	// ErrTableNotFound is returned when the tenant has not provisioned the table
	ErrTableNotFound = errors.New("table not found in tenant schema")
)

const columnsQuery = `
SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2`

// TableInfo is the resolved, cached metadata of one tenant table.
type TableInfo struct {
	Tenant     string
	Table      string
	Config     *config.TableConfig
	Columns    map[string]string
	Expression Expression
}

// HasColumn reports whether the tenant table has the column.
func (i *TableInfo) HasColumn(name string) bool {
	_, ok := i.Columns[name]
	return ok
}

// Resolver resolves and caches TableInfo. Entries live for the lifetime of
// the process; schema changes require a restart.
type Resolver struct {
	querier db.Querier
	catalog config.Catalog
	cache   *xsync.MapOf[string, *TableInfo]
	group   singleflight.Group
}

// NewResolver creates a resolver reading column metadata through querier.
func NewResolver(querier db.Querier, catalog config.Catalog) *Resolver {
	return &Resolver{
		querier: querier,
		catalog: catalog,
		cache:   xsync.NewMapOf[string, *TableInfo](),
	}
}

// Catalog returns the tables the resolver knows about.
func (r *Resolver) Catalog() config.Catalog {
	return r.catalog
}

// Resolve returns the freshness expression of table for tenant.
func (r *Resolver) Resolve(ctx context.Context, tenant, table string) (Expression, error) {
	info, err := r.Table(ctx, tenant, table)
	if err != nil {
		return Expression{}, err
	}
	return info.Expression, nil
}

// Table returns the cached metadata of table for tenant, looking it up on
// first use. Concurrent misses for the same key share one lookup and errors
// are never cached.
func (r *Resolver) Table(ctx context.Context, tenant, table string) (*TableInfo, error) {
	tableCfg, ok := r.catalog.Lookup(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	key := tenant + "." + table
	if info, ok := r.cache.Load(key); ok {
		return info, nil
	}

	// The lookup is shared by every waiter, so it must not end with the
	// request that happened to start it.
	lookupCtx := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(key, func() (any, error) {
		if info, ok := r.cache.Load(key); ok {
			return info, nil
		}

		columns, err := r.lookupColumns(lookupCtx, tenant, table)
		if err != nil {
			return nil, err
		}

		info := &TableInfo{
			Tenant:     tenant,
			Table:      table,
			Config:     tableCfg,
			Columns:    columns,
			Expression: Build(tableCfg.Freshness, columns),
		}
		if info.Expression.Fallback {
			slog.Warn("No freshness column available, rows are ordered by fetch time",
				"tenant", tenant, "table", table)
		} else {
			slog.Debug("Resolved freshness expression",
				"tenant", tenant, "table", table, "columns", info.Expression.Columns)
		}

		r.cache.Store(key, info)
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*TableInfo), nil
}

func (r *Resolver) lookupColumns(ctx context.Context, tenant, table string) (map[string]string, error) {
	rows, err := r.querier.Query(ctx, columnsQuery, tenant, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s.%s: %w", tenant, table, err)
	}

	columns := make(map[string]string)
	var name, dataType string
	_, err = pgx.ForEachRow(rows, []any{&name, &dataType}, func() error {
		columns[name] = dataType
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s.%s: %w", tenant, table, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrTableNotFound, tenant, table)
	}
	return columns, nil
}
