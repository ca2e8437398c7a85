// Package fetch implements the pull side of synchronisation: pages of rows
// changed after a baseline, plus the tombstones recorded after it.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/checkapp/checkapp-sync-server/internal/config"
	"github.com/checkapp/checkapp-sync-server/internal/cursor"
	"github.com/checkapp/checkapp-sync-server/internal/db"
	"github.com/checkapp/checkapp-sync-server/internal/freshness"
	"github.com/checkapp/checkapp-sync-server/internal/otel"
	"github.com/checkapp/checkapp-sync-server/internal/telemetry"
	"github.com/checkapp/checkapp-sync-server/internal/tombstone"
)

// ErrUnknownTable is returned when the requested table is not in the catalogue.
var ErrUnknownTable = freshness.ErrUnknownTable

// Epoch is the baseline of a full sync.
var Epoch = time.Unix(0, 0).UTC()

// Internal columns added to every row by the page query and removed before
// the row is returned.
const (
	freshnessColumn = "__sync_freshness"
	idColumn        = "__sync_id"
)

// Options selects the page to pull.
type Options struct {
	// Since is the explicit baseline; nil means full sync
	Since *time.Time
	// Cursor resumes after a previously returned row and wins over Since
	Cursor string
	// Limit is the page size; non-positive means the default
	Limit int
}

// Result is one page of changes.
type Result struct {
	Table      string
	Tenant     string
	Items      []map[string]any
	Deleted    []tombstone.Tombstone
	HasMore    bool
	NextCursor string
	NextSince  *time.Time
	Checksum   string
	Fetched    int
	Full       bool
	Limit      int
	FetchedAt  time.Time
}

// Engine pulls pages of changed rows.
type Engine struct {
	querier      db.Querier
	resolver     *freshness.Resolver
	tombstones   *tombstone.Store
	defaultLimit int
	maxLimit     int
	tracer       trace.Tracer
	metrics      *telemetry.SyncMetrics
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimits sets the default and maximum page sizes.
func WithLimits(defaultLimit, maxLimit int) Option {
	return func(e *Engine) {
		if maxLimit > 0 {
			e.maxLimit = maxLimit
		}
		if defaultLimit > 0 {
			e.defaultLimit = defaultLimit
		}
	}
}

// WithTracer enables tracing of pulls.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithMetrics records pull metrics. A nil value disables them.
func WithMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// NewEngine creates a pull engine.
func NewEngine(querier db.Querier, resolver *freshness.Resolver, tombstones *tombstone.Store, opts ...Option) *Engine {
	e := &Engine{
		querier:      querier,
		resolver:     resolver,
		tombstones:   tombstones,
		defaultLimit: config.DefaultPageLimit,
		maxLimit:     config.MaxPageLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.defaultLimit > e.maxLimit {
		e.defaultLimit = e.maxLimit
	}
	return e
}

// ClampLimit applies the default to non-positive limits and caps the rest.
func (e *Engine) ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return e.defaultLimit
	case limit > e.maxLimit:
		return e.maxLimit
	default:
		return limit
	}
}

// baseline is the resolved starting point of a pull.
type baseline struct {
	at       time.Time
	position *cursor.Position
	full     bool
}

func resolveBaseline(opts Options) baseline {
	if opts.Cursor != "" {
		pos, err := cursor.Decode(opts.Cursor)
		if err == nil {
			return baseline{at: pos.Freshness, position: &pos}
		}
		slog.Debug("Ignoring invalid cursor", "error", err)
	}
	if opts.Since != nil && opts.Since.After(Epoch) {
		return baseline{at: opts.Since.UTC()}
	}
	return baseline{at: Epoch, full: true}
}

// Pull returns the page of rows of table changed after the baseline.
func (e *Engine) Pull(ctx context.Context, tenant, table string, opts Options) (result *Result, err error) {
	limit := e.ClampLimit(opts.Limit)
	base := resolveBaseline(opts)

	ctx, span := otel.StartSpan(ctx, e.tracer, "fetch.Pull",
		trace.WithAttributes(
			otel.AttrTenant.String(tenant),
			otel.AttrTable.String(table),
			otel.AttrPageSize.Int(limit),
			otel.AttrHasCursor.Bool(base.position != nil),
		),
	)
	start := e.now()
	defer func() {
		otel.RecordError(span, err)
		span.End()
		if result != nil {
			e.metrics.RecordPull(ctx, table, result.Fetched, len(result.Deleted), e.now().Sub(start), err == nil)
		} else {
			e.metrics.RecordPull(ctx, table, 0, 0, e.now().Sub(start), false)
		}
	}()

	result = &Result{
		Table:     table,
		Tenant:    tenant,
		Items:     []map[string]any{},
		Deleted:   []tombstone.Tombstone{},
		Full:      base.full,
		Limit:     limit,
		FetchedAt: e.now().UTC(),
	}

	info, err := e.resolver.Table(ctx, tenant, table)
	switch {
	case errors.Is(err, freshness.ErrTableNotFound):
		slog.Info("Pulled table is not provisioned for tenant", "tenant", tenant, "table", table)
		result.NextSince = &base.at
		return result, nil
	case err != nil:
		return nil, err
	}

	rows, err := e.page(ctx, info, base, limit)
	if err != nil {
		if db.IsUndefinedTable(err) {
			result.NextSince = &base.at
			return result, nil
		}
		return nil, err
	}

	for _, row := range rows {
		result.Items = append(result.Items, row.values)
	}
	result.Fetched = len(rows)
	result.HasMore = len(rows) == limit

	if len(rows) > 0 {
		last := rows[len(rows)-1]
		result.NextCursor = cursor.Encode(last.freshness, last.id)
		next := last.freshness
		result.NextSince = &next
		if result.Checksum, err = Checksum(result.Items); err != nil {
			return nil, err
		}
	} else {
		result.NextSince = &base.at
	}

	deleted, err := e.tombstones.ListSince(ctx, e.querier, tenant, table, base.at, limit)
	if err != nil {
		return nil, err
	}
	result.Deleted = deleted

	span.SetAttributes(
		otel.AttrResultCount.Int(result.Fetched),
		otel.AttrDeletedCount.Int(len(deleted)),
	)
	slog.Debug("Pulled page",
		"tenant", tenant,
		"table", table,
		"fetched", result.Fetched,
		"deleted", len(deleted),
		"has_more", result.HasMore,
		"full", result.Full,
	)
	return result, nil
}

type pageRow struct {
	values    map[string]any
	freshness time.Time
	id        string
}

func (e *Engine) page(ctx context.Context, info *freshness.TableInfo, base baseline, limit int) ([]pageRow, error) {
	query, args := buildPageQuery(info, base, limit)

	rows, err := e.querier.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", info.Table, err)
	}

	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", info.Table, err)
	}

	page := make([]pageRow, 0, len(maps))
	for _, m := range maps {
		row := pageRow{values: m}
		if ts, ok := m[freshnessColumn].(time.Time); ok {
			row.freshness = ts.UTC()
		}
		if id, ok := m[idColumn].(string); ok {
			row.id = id
		}
		delete(m, freshnessColumn)
		delete(m, idColumn)
		normalizeRow(m)
		page = append(page, row)
	}
	return page, nil
}

// buildPageQuery orders rows by (freshness, id) and, unless this is a full
// sync, keeps the rows strictly after the baseline position.
func buildPageQuery(info *freshness.TableInfo, base baseline, limit int) (string, []any) {
	idRef := freshness.TableAlias + "." + pgx.Identifier{info.Config.GetIDColumn()}.Sanitize()
	from := pgx.Identifier{info.Tenant, info.Table}.Sanitize()

	inner := fmt.Sprintf("SELECT %[1]s.*, %[2]s AS %[3]s, %[4]s::text AS %[5]s FROM %[6]s %[1]s",
		freshness.TableAlias, info.Expression.SQL, freshnessColumn, idRef, idColumn, from)
	if info.Config.Filter != "" {
		inner += " WHERE " + info.Config.Filter
	}

	var (
		where string
		args  []any
	)
	switch {
	case base.position != nil:
		where = fmt.Sprintf("WHERE s.%[1]s > $1 OR (s.%[1]s = $1 AND s.%[2]s > $2)", freshnessColumn, idColumn)
		args = []any{base.position.Freshness, base.position.RecordID}
	case !base.full:
		where = fmt.Sprintf("WHERE s.%s > $1", freshnessColumn)
		args = []any{base.at}
	}

	args = append(args, limit)
	query := fmt.Sprintf("SELECT * FROM (%s) s %s ORDER BY s.%s, s.%s LIMIT $%d",
		inner, where, freshnessColumn, idColumn, len(args))
	return query, args
}
