// Package apply implements the push side of synchronisation: batches of
// client changes applied with upsert semantics, dependent deletes cascaded
// and every physical delete recorded as a tombstone.
//
// Groups are applied in ProcessingOrder (creates, then updates, then
// deletes); changes of a group are applied one after another in input
// order. Each group holds one pooled connection and each change runs in its
// own transaction on it, so one failing change never affects another.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/checkapp/checkapp-sync-server/internal/conflict"
	"github.com/checkapp/checkapp-sync-server/internal/db"
	"github.com/checkapp/checkapp-sync-server/internal/freshness"
	"github.com/checkapp/checkapp-sync-server/internal/notify"
	"github.com/checkapp/checkapp-sync-server/internal/otel"
	"github.com/checkapp/checkapp-sync-server/internal/telemetry"
	"github.com/checkapp/checkapp-sync-server/internal/tombstone"
)

// ErrUnknownTable is returned when the pushed table is not in the catalogue.
var ErrUnknownTable = freshness.ErrUnknownTable

var errMissingRecordID = errors.New("missing recordId")

// Engine applies pushed batches.
type Engine struct {
	pool       *pgxpool.Pool
	resolver   *freshness.Resolver
	tombstones *tombstone.Store
	normalizer *Normalizer
	notifier   notify.Notifier
	tracer     trace.Tracer
	metrics    *telemetry.SyncMetrics
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNormalizer replaces the default normalizer, which drops inline images
// and ignores unknown fields.
func WithNormalizer(n *Normalizer) Option {
	return func(e *Engine) {
		if n != nil {
			e.normalizer = n
		}
	}
}

// WithNotifier publishes an event for every applied change.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithTracer enables tracing of pushes.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithMetrics records push metrics. A nil value disables them.
func WithMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// NewEngine creates a push engine.
func NewEngine(pool *pgxpool.Pool, resolver *freshness.Resolver, tombstones *tombstone.Store, opts ...Option) *Engine {
	e := &Engine{
		pool:       pool,
		resolver:   resolver,
		tombstones: tombstones,
		normalizer: NewNormalizer(nil, "", false),
		notifier:   notify.Noop{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// outcome is what applying one change did.
type outcome struct {
	applied  bool
	decision conflict.Decision
	deleted  []deletedRecord
}

type deletedRecord struct {
	table string
	id    string
}

// Apply applies batch for tenant. The error is only non-nil for invalid
// batches and unknown tables; everything else is reported in the result.
func (e *Engine) Apply(ctx context.Context, tenant string, batch Batch) (result *Result, err error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	strategy := batch.Strategy
	if !strategy.Valid() {
		strategy = conflict.Default
	}

	ctx, span := otel.StartSpan(ctx, e.tracer, "apply.Apply",
		trace.WithAttributes(
			otel.AttrTenant.String(tenant),
			otel.AttrTable.String(batch.Table),
			otel.AttrChangeCount.Int(len(batch.Changes)),
			otel.AttrStrategy.String(string(strategy)),
		),
	)
	start := e.now()
	failed := 0
	defer func() {
		otel.RecordError(span, err)
		if result != nil {
			span.SetAttributes(
				otel.AttrChangesApplied.Int(result.ChangesApplied),
				otel.AttrConflictsSolved.Int(result.ConflictsResolved),
			)
			e.metrics.RecordPush(ctx, batch.Table, result.ChangesApplied, result.ConflictsResolved,
				failed, e.now().Sub(start), result.Success)
		}
		span.End()
	}()

	info, err := e.resolver.Table(ctx, tenant, batch.Table)
	if err != nil {
		if errors.Is(err, freshness.ErrUnknownTable) {
			return nil, err
		}
		result = NewResult()
		result.Success = false
		if errors.Is(err, freshness.ErrTableNotFound) {
			result.addError("table %s does not exist for tenant %s", batch.Table, tenant)
		} else {
			result.addError("failed to resolve table %s: %v", batch.Table, err)
		}
		failed = len(batch.Changes)
		return result, nil
	}

	slog.Info("Applying push",
		"tenant", tenant, "table", batch.Table, "changes", len(batch.Changes), "strategy", strategy)

	result = NewResult()
	groups := make(map[ChangeType][]Change, len(ProcessingOrder))
	for _, ch := range batch.Changes {
		if !ch.Type.Valid() {
			result.addError("unsupported change type %q for %s", ch.Type, ch.RecordID)
			failed++
			continue
		}
		groups[ch.Type] = append(groups[ch.Type], ch)
	}

	for _, typ := range ProcessingOrder {
		changes := groups[typ]
		if len(changes) == 0 {
			continue
		}
		groupFailed, aborted := e.applyGroup(ctx, info, strategy, typ, changes, result)
		failed += groupFailed
		if aborted {
			result.Success = false
			break
		}
	}

	slog.Info("Push applied",
		"tenant", tenant,
		"table", batch.Table,
		"applied", result.ChangesApplied,
		"conflicts", result.ConflictsResolved,
		"errors", len(result.Errors),
		"success", result.Success,
	)
	return result, nil
}

// applyGroup applies the changes of one type on a single connection. It
// stops at the first infrastructure error and reports aborted.
func (e *Engine) applyGroup(
	ctx context.Context,
	info *freshness.TableInfo,
	strategy conflict.Strategy,
	typ ChangeType,
	changes []Change,
	result *Result,
) (failed int, aborted bool) {
	if typ == Delete {
		if err := e.tombstones.EnsureTable(ctx, e.pool, info.Tenant); err != nil {
			result.addError("failed to prepare deletes: %v", err)
			return len(changes), true
		}
	}

	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		result.addError("failed to acquire connection: %v", err)
		return len(changes), true
	}
	defer conn.Release()

	for i, ch := range changes {
		var (
			out outcome
			err error
		)
		if typ == Delete {
			out, err = e.delete(ctx, conn, info, ch)
		} else {
			out, err = e.upsert(ctx, conn, info, strategy, typ, ch)
		}

		if err != nil {
			failed++
			result.addError("%s %s: %v", verb(typ), ch.RecordID, err)
			slog.Error("Change could not be applied",
				"tenant", info.Tenant, "table", info.Table, "type", typ,
				"record_id", ch.RecordID, "error", err)
			if db.IsConnectionError(err) {
				remaining := len(changes) - i - 1
				result.addError("aborted after infrastructure error, %d %s changes not applied", remaining, typ)
				return failed + remaining, true
			}
			continue
		}
		if !out.applied {
			continue
		}

		result.ChangesApplied++
		if out.decision.Counts() {
			result.ConflictsResolved++
		}
		for _, d := range out.deleted {
			result.DeletedRecords = append(result.DeletedRecords, d.id)
		}
		e.publish(ctx, info, typ, ch, out)
	}
	return failed, false
}

func verb(typ ChangeType) string {
	switch typ {
	case Create:
		return "failed to create"
	case Update:
		return "failed to update"
	default:
		return "failed to delete"
	}
}

func (e *Engine) publish(ctx context.Context, info *freshness.TableInfo, typ ChangeType, ch Change, out outcome) {
	at := e.now().UTC()
	events := make([]notify.Event, 0, 1+len(out.deleted))
	if typ == Delete {
		for _, d := range out.deleted {
			events = append(events, notify.Event{
				Tenant: info.Tenant, Table: d.table, RecordID: d.id, Type: notify.TypeDelete, At: at,
			})
		}
	} else {
		events = append(events, notify.Event{
			Tenant: info.Tenant, Table: info.Table, RecordID: ch.RecordID, Type: string(typ), At: at,
		})
	}

	for _, ev := range events {
		if err := e.notifier.Notify(ctx, ev); err != nil {
			slog.Warn("Failed to publish change notification",
				"tenant", ev.Tenant, "table", ev.Table, "record_id", ev.RecordID, "error", err)
		}
	}
}

// upsert writes a CREATE or UPDATE: the row is overwritten when it exists
// and inserted otherwise, whatever the change type and strategy.
func (e *Engine) upsert(
	ctx context.Context,
	conn *pgxpool.Conn,
	info *freshness.TableInfo,
	strategy conflict.Strategy,
	typ ChangeType,
	ch Change,
) (outcome, error) {
	if ch.RecordID == "" {
		return outcome{}, errMissingRecordID
	}

	fields, err := e.normalizer.Normalize(ctx, info, ch.RecordID, ch.Data)
	if err != nil {
		return outcome{}, err
	}
	if len(fields) == 0 {
		slog.Warn("No storable fields left, skipping change",
			"tenant", info.Tenant, "table", info.Table, "type", typ, "record_id", ch.RecordID)
		return outcome{}, nil
	}

	idColumn := info.Config.GetIDColumn()
	id, err := coerceValue(info.Columns[idColumn], ch.RecordID)
	if err != nil {
		return outcome{}, fmt.Errorf("recordId: %w", err)
	}

	var decision conflict.Decision
	err = withTx(ctx, conn, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, existsSQL(info), id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to look up record: %w", err)
		}

		decision = conflict.Resolve(strategy, exists)
		columns := fields.Columns()
		args := make([]any, 0, len(columns)+1)
		args = append(args, id)
		for _, c := range columns {
			args = append(args, fields[c])
		}

		query := insertSQL(info, columns)
		if decision == conflict.Overwrite {
			query = updateSQL(info, columns)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return outcome{}, err
	}

	slog.Debug("Change applied",
		"tenant", info.Tenant, "table", info.Table, "type", typ,
		"record_id", ch.RecordID, "decision", decision.String())
	return outcome{applied: true, decision: decision}, nil
}

// delete removes the record and its dependents and records a tombstone for
// each of them in the same transaction. Deleting a record that no longer
// exists still records its tombstone.
func (e *Engine) delete(ctx context.Context, conn *pgxpool.Conn, info *freshness.TableInfo, ch Change) (outcome, error) {
	if ch.RecordID == "" {
		return outcome{}, errMissingRecordID
	}

	type target struct {
		info   *freshness.TableInfo
		column string
	}
	var targets []target
	for _, dep := range info.Config.Dependents {
		depInfo, err := e.resolver.Table(ctx, info.Tenant, dep.Table)
		if errors.Is(err, freshness.ErrTableNotFound) || errors.Is(err, freshness.ErrUnknownTable) {
			slog.Debug("Skipping dependent table", "tenant", info.Tenant, "table", dep.Table, "reason", err)
			continue
		}
		if err != nil {
			return outcome{}, err
		}
		if !depInfo.HasColumn(dep.ForeignKey) {
			continue
		}
		targets = append(targets, target{info: depInfo, column: dep.ForeignKey})
	}

	deletedAt := e.now().UTC()
	var deleted []deletedRecord
	err := withTx(ctx, conn, func(tx pgx.Tx) error {
		for _, t := range targets {
			key, err := coerceValue(t.info.Columns[t.column], ch.RecordID)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", t.info.Table, t.column, err)
			}
			ids, err := deleteReturning(ctx, tx, t.info, t.column, key)
			if err != nil {
				return fmt.Errorf("failed to delete dependents in %s: %w", t.info.Table, err)
			}
			for _, id := range ids {
				if err := e.tombstones.Record(ctx, tx, info.Tenant, t.info.Table, id, deletedAt); err != nil {
					return err
				}
				deleted = append(deleted, deletedRecord{table: t.info.Table, id: id})
			}
		}

		idColumn := info.Config.GetIDColumn()
		key, err := coerceValue(info.Columns[idColumn], ch.RecordID)
		if err != nil {
			return fmt.Errorf("recordId: %w", err)
		}
		if _, err := deleteReturning(ctx, tx, info, idColumn, key); err != nil {
			return err
		}
		if err := e.tombstones.Record(ctx, tx, info.Tenant, info.Table, ch.RecordID, deletedAt); err != nil {
			return err
		}
		deleted = append(deleted, deletedRecord{table: info.Table, id: ch.RecordID})
		return nil
	})
	if err != nil {
		return outcome{}, err
	}

	slog.Debug("Record deleted",
		"tenant", info.Tenant, "table", info.Table, "record_id", ch.RecordID, "cascaded", len(deleted)-1)
	return outcome{applied: true, deleted: deleted}, nil
}

// withTx runs fn in a transaction on conn, committing when fn succeeds.
func withTx(ctx context.Context, conn *pgxpool.Conn, fn func(pgx.Tx) error) (err error) {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			slog.Warn("Failed to roll back transaction", "error", rollbackErr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func deleteReturning(ctx context.Context, q db.Querier, info *freshness.TableInfo, column string, key any) ([]string, error) {
	rows, err := q.Query(ctx, deleteSQL(info, column), key)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
