package tombstone

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/checkapp/checkapp-sync-server/internal/db"
)

// ddlQuerier answers every Exec with err and counts the calls.
type ddlQuerier struct {
	err   error
	execs int
}

func (q *ddlQuerier) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	q.execs++
	return pgconn.CommandTag{}, q.err
}

func (q *ddlQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not used")
}

func (q *ddlQuerier) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func TestEnsureTable_ConcurrentCreate(t *testing.T) {
	t.Parallel()

	store := NewStore()
	q := &ddlQuerier{err: &pgconn.PgError{Code: db.CodeUniqueViolation, ConstraintName: "pg_type_typname_nsp_index"}}

	require.NoError(t, store.EnsureTable(context.Background(), q, "loja_legada"))
	require.NoError(t, store.EnsureTable(context.Background(), q, "loja_legada"))
	assert.Equal(t, 1, q.execs)
}

func TestEnsureTable_Failure(t *testing.T) {
	t.Parallel()

	store := NewStore()
	q := &ddlQuerier{err: &pgconn.PgError{Code: "42501"}}

	err := store.EnsureTable(context.Background(), q, "loja_legada")
	require.Error(t, err)
	assert.Equal(t, "42501", db.PgCode(err))

	// Not memoized after a failure.
	_ = store.EnsureTable(context.Background(), q, "loja_legada")
	assert.Equal(t, 2, q.execs)
}
