package apply

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/checkapp/checkapp-sync-server/database"
	"github.com/checkapp/checkapp-sync-server/internal/blob"
	blobmocks "github.com/checkapp/checkapp-sync-server/internal/blob/mocks"
	"github.com/checkapp/checkapp-sync-server/internal/config"
	"github.com/checkapp/checkapp-sync-server/internal/conflict"
	"github.com/checkapp/checkapp-sync-server/internal/fetch"
	"github.com/checkapp/checkapp-sync-server/internal/freshness"
	"github.com/checkapp/checkapp-sync-server/internal/notify"
	notifymocks "github.com/checkapp/checkapp-sync-server/internal/notify/mocks"
	"github.com/checkapp/checkapp-sync-server/internal/tombstone"
)

const tenant = "loja_push"

func create(id string, data map[string]any) Change {
	return Change{ID: "c-" + id, Type: Create, RecordID: id, Data: data}
}

func TestPush(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool, cleanup := database.SetupTenant(t, tenant)
	t.Cleanup(cleanup)

	catalog := config.NewCatalog(nil)
	resolver := freshness.NewResolver(pool, catalog)
	store := tombstone.NewStore()
	engine := NewEngine(pool, resolver, store)
	puller := fetch.NewEngine(pool, resolver, store)

	t.Run("created row is pulled", func(t *testing.T) {
		before := time.Now().Add(-time.Second)

		res, err := engine.Apply(ctx, tenant, Batch{
			Table:   "total",
			Changes: []Change{create("T1", map[string]any{"valor": 100.0, "id_loja": "L1", "synced": false})},
		})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 1, res.ChangesApplied)
		assert.Equal(t, 0, res.ConflictsResolved)
		assert.Empty(t, res.Errors)

		page, err := puller.Pull(ctx, tenant, "total", fetch.Options{Since: &before})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "T1", page.Items[0]["id"])
		assert.Equal(t, 100.0, page.Items[0]["valor"])
		assert.Equal(t, "L1", page.Items[0]["id_loja"])
	})

	t.Run("applying the same create twice is idempotent", func(t *testing.T) {
		change := create("T5", map[string]any{"valor": 7.0, "qtdVendas": 3.0, "idLoja": "L2"})

		first, err := engine.Apply(ctx, tenant, Batch{Table: "total", Changes: []Change{change}})
		require.NoError(t, err)
		second, err := engine.Apply(ctx, tenant, Batch{Table: "total", Changes: []Change{change}})
		require.NoError(t, err)

		assert.Equal(t, 1, first.ChangesApplied)
		assert.Equal(t, 1, second.ChangesApplied)
		assert.Equal(t, 1, second.ConflictsResolved)

		var (
			count int
			valor float64
			qtd   int
			loja  string
		)
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT count(*) OVER (), valor::float8, qtd_vendas, id_loja FROM loja_push.total WHERE id = 'T5'`).
			Scan(&count, &valor, &qtd, &loja))
		assert.Equal(t, 1, count)
		assert.Equal(t, 7.0, valor)
		assert.Equal(t, 3, qtd)
		assert.Equal(t, "L2", loja)
	})

	t.Run("update of a missing row inserts it", func(t *testing.T) {
		res, err := engine.Apply(ctx, tenant, Batch{
			Table:    "total",
			Strategy: conflict.ServerWins,
			Changes:  []Change{{Type: Update, RecordID: "T6", Data: map[string]any{"valor": 1.0}}},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, res.ChangesApplied)
		assert.Equal(t, 0, res.ConflictsResolved)

		var exists bool
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM loja_push.total WHERE id = 'T6')`).Scan(&exists))
		assert.True(t, exists)
	})

	t.Run("update overwrites only supplied fields and moves freshness forward", func(t *testing.T) {
		var before time.Time
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT atualizado_em FROM loja_push.total WHERE id = 'T5'`).Scan(&before))

		// Every strategy behaves as incoming-wins.
		res, err := engine.Apply(ctx, tenant, Batch{
			Table:    "total",
			Strategy: conflict.ServerWins,
			Changes: []Change{{
				Type: Update, RecordID: "T5",
				Data: map[string]any{"valor": 8.0, "atualizado_em": "2001-01-01T00:00:00Z"},
			}},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, res.ChangesApplied)
		assert.Equal(t, 1, res.ConflictsResolved)

		var (
			valor float64
			loja  string
			after time.Time
		)
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT valor::float8, id_loja, atualizado_em FROM loja_push.total WHERE id = 'T5'`).
			Scan(&valor, &loja, &after))
		assert.Equal(t, 8.0, valor)
		assert.Equal(t, "L2", loja)
		assert.False(t, after.Before(before), "freshness went backwards: %v < %v", after, before)
	})

	t.Run("per change errors do not stop the batch", func(t *testing.T) {
		res, err := engine.Apply(ctx, tenant, Batch{
			Table: "total",
			Changes: []Change{
				create("T7", map[string]any{"qtd_vendas": "muitas"}),
				{Type: Create, Data: map[string]any{"valor": 1.0}},
				{Type: "MERGE", RecordID: "T8"},
				create("T9", map[string]any{"nao_existe": 1.0}),
				create("T10", map[string]any{"valor": 2.0}),
			},
		})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 1, res.ChangesApplied)
		assert.Len(t, res.Errors, 3)
	})

	t.Run("delete cascades to dependents with one tombstone each", func(t *testing.T) {
		_, err := pool.Exec(ctx, `
			INSERT INTO loja_push.auditoria (id, id_loja) VALUES ('A1', 'L1');
			INSERT INTO loja_push.total (id, id_auditoria, valor) VALUES ('T2', 'A1', 5), ('T3', 'A1', 6), ('T4', 'A2', 7)`)
		require.NoError(t, err)

		before := time.Now().Add(-time.Second)
		res, err := engine.Apply(ctx, tenant, Batch{
			Table:   "auditoria",
			Changes: []Change{{Type: Delete, RecordID: "A1"}},
		})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 1, res.ChangesApplied)
		assert.ElementsMatch(t, []string{"A1", "T2", "T3"}, res.DeletedRecords)

		var remaining int
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT count(*) FROM loja_push.total WHERE id IN ('T2', 'T3', 'T4')`).Scan(&remaining))
		assert.Equal(t, 1, remaining)

		var tombstones int
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT count(*) FROM loja_push.sync_tombstones WHERE record_id IN ('A1', 'T2', 'T3')`).Scan(&tombstones))
		assert.Equal(t, 3, tombstones)

		page, err := puller.Pull(ctx, tenant, "total", fetch.Options{Since: &before})
		require.NoError(t, err)
		var deleted []string
		for _, d := range page.Deleted {
			deleted = append(deleted, d.RecordID)
		}
		assert.ElementsMatch(t, []string{"T2", "T3"}, deleted)
	})

	t.Run("deleting a missing record still records a tombstone", func(t *testing.T) {
		res, err := engine.Apply(ctx, tenant, Batch{
			Table:   "lojas",
			Changes: []Change{{Type: Delete, RecordID: "L404"}},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, res.ChangesApplied)
		assert.Equal(t, []string{"L404"}, res.DeletedRecords)

		var exists bool
		require.NoError(t, pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM loja_push.sync_tombstones
			WHERE table_name = 'lojas' AND record_id = 'L404')`).Scan(&exists))
		assert.True(t, exists)
	})

	t.Run("groups run in create, update, delete order", func(t *testing.T) {
		res, err := engine.Apply(ctx, tenant, Batch{
			Table: "funcionarios",
			Changes: []Change{
				{Type: Delete, RecordID: "F1"},
				{Type: Update, RecordID: "F1", Data: map[string]any{"cargo": "gerente"}},
				create("F1", map[string]any{"nomeFuncionario": "Ana"}),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, res.ChangesApplied)

		var exists bool
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM loja_push.funcionarios WHERE id = 'F1')`).Scan(&exists))
		assert.False(t, exists)
	})

	t.Run("unknown and unprovisioned tables", func(t *testing.T) {
		_, err := engine.Apply(ctx, tenant, Batch{Table: "usuarios", Changes: []Change{}})
		assert.ErrorIs(t, err, ErrUnknownTable)

		_, err = engine.Apply(ctx, tenant, Batch{Table: "total"})
		assert.ErrorIs(t, err, ErrInvalidBatch)

		res, err := engine.Apply(ctx, "tenant_sem_tabelas", Batch{
			Table:   "total",
			Changes: []Change{create("X1", map[string]any{"valor": 1.0})},
		})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, 0, res.ChangesApplied)
		assert.NotEmpty(t, res.Errors)
	})

	t.Run("infrastructure errors abort the batch", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()

		res, err := engine.Apply(canceled, tenant, Batch{
			Table: "total",
			Changes: []Change{
				create("T20", map[string]any{"valor": 1.0}),
				{Type: Delete, RecordID: "T21"},
			},
		})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, 0, res.ChangesApplied)
		assert.NotEmpty(t, res.Errors)
	})
}

func TestPush_PhotosAndNotifications(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool, cleanup := database.SetupTenant(t, "loja_fotos")
	t.Cleanup(cleanup)

	ctrl := gomock.NewController(t)
	uploader := blobmocks.NewMockUploader(ctrl)
	notifier := notifymocks.NewMockNotifier(ctrl)

	catalog := config.NewCatalog(nil)
	resolver := freshness.NewResolver(pool, catalog)
	engine := NewEngine(pool, resolver, tombstone.NewStore(),
		WithNormalizer(NewNormalizer(uploader, "img_checkapp/sync_images", false)),
		WithNotifier(notifier),
	)

	uploader.EXPECT().
		UploadBuffer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, in blob.UploadInput) (*blob.UploadResult, error) {
			return &blob.UploadResult{FilePath: in.FolderPrefix + "/" + in.OwnerID + ".FOTO.1.png"}, nil
		})
	notifier.EXPECT().
		Notify(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, ev notify.Event) error {
			assert.Equal(t, "loja_fotos", ev.Tenant)
			assert.Equal(t, "mapeamentos", ev.Table)
			assert.Equal(t, "M1", ev.RecordID)
			assert.Equal(t, notify.TypeCreate, ev.Type)
			return nil
		})

	res, err := engine.Apply(ctx, "loja_fotos", Batch{
		Table: "mapeamentos",
		Changes: []Change{create("M1", map[string]any{
			"idLoja":    "L7",
			"possuiTef": true,
			"foto":      pngDataURI(),
		})},
	})
	require.NoError(t, err)
	require.True(t, res.Success, "errors: %v", res.Errors)

	row, err := pool.Query(ctx, `SELECT id_loja, possui_tef, foto FROM loja_fotos.mapeamentos WHERE id = 'M1'`)
	require.NoError(t, err)
	got, err := pgx.CollectExactlyOneRow(row, pgx.RowToMap)
	require.NoError(t, err)
	assert.Equal(t, "L7", got["id_loja"])
	assert.Equal(t, true, got["possui_tef"])
	assert.Equal(t, "img_checkapp/sync_images/mapeamentos/L7.FOTO.1.png", got["foto"])
}
