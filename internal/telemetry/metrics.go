package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the pull and push metrics meter
	SyncMetricsMeterName = "github.com/checkapp/checkapp-sync-server/sync"
)

// Push outcomes used as the outcome attribute of the push counter.
const (
	OutcomeApplied  = "applied"
	OutcomeConflict = "conflict"
	OutcomeFailed   = "failed"
)

// SyncMetrics holds the OpenTelemetry instruments for pull and push
type SyncMetrics struct {
	pullItems    metric.Int64Counter
	pullDeleted  metric.Int64Counter
	pullDuration metric.Float64Histogram
	pushChanges  metric.Int64Counter
	pushDuration metric.Float64Histogram
}

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	pullItems, err := meter.Int64Counter(
		"checkapp_sync_pull_items_total",
		metric.WithDescription("Rows returned by pulls"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}

	pullDeleted, err := meter.Int64Counter(
		"checkapp_sync_pull_deleted_total",
		metric.WithDescription("Tombstones returned by pulls"),
		metric.WithUnit("{tombstone}"),
	)
	if err != nil {
		return nil, err
	}

	pullDuration, err := meter.Float64Histogram(
		"checkapp_sync_pull_duration_seconds",
		metric.WithDescription("Duration of pulls in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return nil, err
	}

	pushChanges, err := meter.Int64Counter(
		"checkapp_sync_push_changes_total",
		metric.WithDescription("Pushed changes by outcome"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return nil, err
	}

	pushDuration, err := meter.Float64Histogram(
		"checkapp_sync_push_duration_seconds",
		metric.WithDescription("Duration of push batches in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		pullItems:    pullItems,
		pullDeleted:  pullDeleted,
		pullDuration: pullDuration,
		pushChanges:  pushChanges,
		pushDuration: pushDuration,
	}, nil
}

// RecordPull records one pull of a table
func (m *SyncMetrics) RecordPull(ctx context.Context, table string, items, deleted int, duration time.Duration, success bool) {
	if m == nil {
		return
	}

	tableAttr := metric.WithAttributes(attribute.String("table", table))
	m.pullItems.Add(ctx, int64(items), tableAttr)
	m.pullDeleted.Add(ctx, int64(deleted), tableAttr)
	m.pullDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("table", table),
		attribute.Bool("success", success),
	))
}

// RecordPush records one push batch of a table
func (m *SyncMetrics) RecordPush(
	ctx context.Context, table string, applied, conflicts, failed int, duration time.Duration, success bool,
) {
	if m == nil {
		return
	}

	for outcome, n := range map[string]int{
		OutcomeApplied:  applied,
		OutcomeConflict: conflicts,
		OutcomeFailed:   failed,
	} {
		if n == 0 {
			continue
		}
		m.pushChanges.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("table", table),
			attribute.String("outcome", outcome),
		))
	}

	m.pushDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("table", table),
		attribute.Bool("success", success),
	))
}
