package tombstone

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/checkapp/checkapp-sync-server/database"
)

func TestStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool, _, cleanup := database.SetupTestDB(t)
	t.Cleanup(cleanup)

	_, err := pool.Exec(ctx, `CREATE SCHEMA tenant_a`)
	require.NoError(t, err)

	store := NewStore()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("listing before the table exists is empty", func(t *testing.T) {
		got, err := store.ListSince(ctx, pool, "tenant_a", "total", time.Time{}, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.NotNil(t, got)
	})

	t.Run("listing an unknown schema is empty", func(t *testing.T) {
		got, err := store.ListSince(ctx, pool, "tenant_missing", "total", time.Time{}, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ensure is idempotent", func(t *testing.T) {
		require.NoError(t, store.EnsureTable(ctx, pool, "tenant_a"))
		require.NoError(t, store.EnsureTable(ctx, pool, "tenant_a"))
		// A fresh store repeats the DDL against the existing table.
		require.NoError(t, NewStore().EnsureTable(ctx, pool, "tenant_a"))
	})

	t.Run("record and list since baseline", func(t *testing.T) {
		require.NoError(t, store.Record(ctx, pool, "tenant_a", "total", "T1", base.Add(1*time.Minute)))
		require.NoError(t, store.Record(ctx, pool, "tenant_a", "total", "T2", base.Add(2*time.Minute)))
		require.NoError(t, store.Record(ctx, pool, "tenant_a", "total", "T3", base.Add(3*time.Minute)))
		require.NoError(t, store.Record(ctx, pool, "tenant_a", "auditoria", "A1", base.Add(2*time.Minute)))

		got, err := store.ListSince(ctx, pool, "tenant_a", "total", base.Add(1*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "total", got[0].Table)
		assert.Equal(t, "T2", got[0].RecordID)
		assert.True(t, base.Add(2*time.Minute).Equal(got[0].DeletedAt))
		assert.Equal(t, "T3", got[1].RecordID)

		limited, err := store.ListSince(ctx, pool, "tenant_a", "total", time.Time{}, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, "T1", limited[0].RecordID)
	})

	t.Run("deleting again overwrites deletedAt", func(t *testing.T) {
		later := base.Add(time.Hour)
		require.NoError(t, store.Record(ctx, pool, "tenant_a", "total", "T1", later))

		got, err := store.ListSince(ctx, pool, "tenant_a", "total", base.Add(30*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "T1", got[0].RecordID)
		assert.True(t, later.Equal(got[0].DeletedAt))

		var count int
		err = pool.QueryRow(ctx,
			`SELECT count(*) FROM tenant_a.sync_tombstones WHERE table_name = 'total' AND record_id = 'T1'`).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("record joins the caller transaction", func(t *testing.T) {
		tx, err := pool.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, store.Record(ctx, tx, "tenant_a", "lojas", "L9", base))
		require.NoError(t, tx.Rollback(ctx))

		got, err := store.ListSince(ctx, pool, "tenant_a", "lojas", time.Time{}, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
