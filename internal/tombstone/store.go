// Package tombstone records deletions so that pull clients can learn about
// rows they can no longer see.
package tombstone

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/checkapp/checkapp-sync-server/internal/db"
)

// TableName is the per-tenant table holding tombstones.
const TableName = "sync_tombstones"

// Tombstone marks the deletion of one record.
type Tombstone struct {
	Table     string    `json:"table"`
	RecordID  string    `json:"recordId"`
	DeletedAt time.Time `json:"deletedAt"`
}

// Store reads and writes tombstones. The same Store is shared by every
// tenant; the database handle is passed per call so writes can join the
// caller's transaction.
type Store struct {
	ensured *xsync.MapOf[string, struct{}]
}

// NewStore creates a tombstone store.
func NewStore() *Store {
	return &Store{ensured: xsync.NewMapOf[string, struct{}]()}
}

func qualified(tenant string) string {
	return pgx.Identifier{tenant, TableName}.Sanitize()
}

// EnsureTable creates the tenant's tombstone table when missing. Success is
// memoized per tenant.
func (s *Store) EnsureTable(ctx context.Context, q db.Querier, tenant string) error {
	if _, ok := s.ensured.Load(tenant); ok {
		return nil
	}

	table := qualified(tenant)
	index := pgx.Identifier{"idx_" + TableName + "_table_deleted"}.Sanitize()
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			table_name TEXT NOT NULL,
			record_id  TEXT NOT NULL,
			deleted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (table_name, record_id)
		);
		CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (table_name, deleted_at)`, table, index)

	if _, err := q.Exec(ctx, ddl); err != nil {
		// Concurrent CREATE ... IF NOT EXISTS can collide on the catalog;
		// the other session created the table.
		if !db.IsUniqueViolation(err) {
			return fmt.Errorf("failed to ensure tombstone table for %s: %w", tenant, err)
		}
		slog.Debug("Tombstone table created concurrently", "tenant", tenant)
	}

	s.ensured.Store(tenant, struct{}{})
	slog.Debug("Tombstone table ensured", "tenant", tenant)
	return nil
}

// Record upserts the tombstone of (table, recordID). An existing entry has
// its deletedAt overwritten, so the last delete wins.
func (s *Store) Record(ctx context.Context, q db.Querier, tenant, table, recordID string, deletedAt time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (table_name, record_id, deleted_at) VALUES ($1, $2, $3)
		ON CONFLICT (table_name, record_id) DO UPDATE SET deleted_at = EXCLUDED.deleted_at`,
		qualified(tenant))

	if _, err := q.Exec(ctx, query, table, recordID, deletedAt); err != nil {
		return fmt.Errorf("failed to record tombstone %s/%s: %w", table, recordID, err)
	}
	return nil
}

// ListSince returns up to limit tombstones of table deleted strictly after
// baseline, oldest first. A tenant that never deleted anything, or whose
// tombstone table does not exist yet, yields an empty list.
func (s *Store) ListSince(
	ctx context.Context, q db.Querier, tenant, table string, baseline time.Time, limit int,
) ([]Tombstone, error) {
	query := fmt.Sprintf(`
		SELECT table_name, record_id, deleted_at FROM %s
		WHERE table_name = $1 AND deleted_at > $2
		ORDER BY deleted_at, record_id
		LIMIT $3`, qualified(tenant))

	rows, err := q.Query(ctx, query, table, baseline, limit)
	if err != nil {
		if db.IsUndefinedTable(err) {
			return []Tombstone{}, nil
		}
		return nil, fmt.Errorf("failed to list tombstones of %s: %w", table, err)
	}

	tombstones, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Tombstone, error) {
		var ts Tombstone
		err := row.Scan(&ts.Table, &ts.RecordID, &ts.DeletedAt)
		ts.DeletedAt = ts.DeletedAt.UTC()
		return ts, err
	})
	if err != nil {
		if db.IsUndefinedTable(err) {
			return []Tombstone{}, nil
		}
		return nil, fmt.Errorf("failed to list tombstones of %s: %w", table, err)
	}
	if tombstones == nil {
		tombstones = []Tombstone{}
	}
	return tombstones, nil
}
