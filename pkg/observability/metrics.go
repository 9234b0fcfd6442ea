package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments emitted by the write, read, rollback
// and transport layers of the event store.
type Metrics struct {
	// Write path
	SaveDuration metric.Float64Histogram
	SaveTotal    metric.Int64Counter
	SaveErrors   metric.Int64Counter

	EventsAppended metric.Int64Counter

	// Read path
	AggregateLoads metric.Int64Counter
	SnapshotHits   metric.Int64Counter
	SnapshotMisses metric.Int64Counter
	CacheEvictions metric.Int64Counter

	// Rollback path
	RollbackTotal  metric.Int64Counter
	RollbackErrors metric.Int64Counter

	// Outbox delivery / transport
	DeliverLatency metric.Float64Histogram
	DeliverTotal   metric.Int64Counter
	DeliverErrors  metric.Int64Counter
	DeliverBytes   metric.Int64Counter
}

// NewMetrics creates all metric instruments against meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.SaveDuration, err = meter.Float64Histogram(
		"eventcore.save.duration",
		metric.WithDescription("WriteService.Save duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("creating save.duration: %w", err)
	}

	if m.SaveTotal, err = meter.Int64Counter(
		"eventcore.save.total",
		metric.WithDescription("Total Save calls"),
	); err != nil {
		return nil, fmt.Errorf("creating save.total: %w", err)
	}

	if m.SaveErrors, err = meter.Int64Counter(
		"eventcore.save.errors",
		metric.WithDescription("Total Save calls that returned an error"),
	); err != nil {
		return nil, fmt.Errorf("creating save.errors: %w", err)
	}

	if m.EventsAppended, err = meter.Int64Counter(
		"eventcore.events.appended",
		metric.WithDescription("Total events appended across all aggregates"),
	); err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	if m.AggregateLoads, err = meter.Int64Counter(
		"eventcore.aggregate.loads",
		metric.WithDescription("Total aggregate loads through ReadService"),
	); err != nil {
		return nil, fmt.Errorf("creating aggregate.loads: %w", err)
	}

	if m.SnapshotHits, err = meter.Int64Counter(
		"eventcore.snapshot.hits",
		metric.WithDescription("Aggregate loads served from the in-memory cache"),
	); err != nil {
		return nil, fmt.Errorf("creating snapshot.hits: %w", err)
	}

	if m.SnapshotMisses, err = meter.Int64Counter(
		"eventcore.snapshot.misses",
		metric.WithDescription("Aggregate loads that rehydrated from storage"),
	); err != nil {
		return nil, fmt.Errorf("creating snapshot.misses: %w", err)
	}

	if m.CacheEvictions, err = meter.Int64Counter(
		"eventcore.cache.evictions",
		metric.WithDescription("Cache entries evicted by TTL or lowest-hit-count eviction"),
	); err != nil {
		return nil, fmt.Errorf("creating cache.evictions: %w", err)
	}

	if m.RollbackTotal, err = meter.Int64Counter(
		"eventcore.rollback.total",
		metric.WithDescription("Total rollback operations"),
	); err != nil {
		return nil, fmt.Errorf("creating rollback.total: %w", err)
	}

	if m.RollbackErrors, err = meter.Int64Counter(
		"eventcore.rollback.errors",
		metric.WithDescription("Total rollback operations that returned an error"),
	); err != nil {
		return nil, fmt.Errorf("creating rollback.errors: %w", err)
	}

	if m.DeliverLatency, err = meter.Float64Histogram(
		"eventcore.deliver.latency",
		metric.WithDescription("Outbox chunk delivery latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("creating deliver.latency: %w", err)
	}

	if m.DeliverTotal, err = meter.Int64Counter(
		"eventcore.deliver.total",
		metric.WithDescription("Total outbox records delivered"),
	); err != nil {
		return nil, fmt.Errorf("creating deliver.total: %w", err)
	}

	if m.DeliverErrors, err = meter.Int64Counter(
		"eventcore.deliver.errors",
		metric.WithDescription("Total failed delivery attempts"),
	); err != nil {
		return nil, fmt.Errorf("creating deliver.errors: %w", err)
	}

	if m.DeliverBytes, err = meter.Int64Counter(
		"eventcore.deliver.bytes",
		metric.WithDescription("Total wire bytes handed to the transport publisher"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, fmt.Errorf("creating deliver.bytes: %w", err)
	}

	return m, nil
}

// RecordSave records a WriteService.Save call (persist, snapshot, and delivery).
func (m *Metrics) RecordSave(ctx context.Context, duration time.Duration, eventCount int, err error) {
	m.SaveDuration.Record(ctx, duration.Seconds())
	m.SaveTotal.Add(ctx, 1)
	if err != nil {
		m.SaveErrors.Add(ctx, 1)
		return
	}
	m.EventsAppended.Add(ctx, int64(eventCount))
}

// RecordAggregateLoad records a ReadService load, distinguishing cache hits from misses.
func (m *Metrics) RecordAggregateLoad(ctx context.Context, aggregateType string, cacheHit bool) {
	attrs := []attribute.KeyValue{AttrAggregateType.String(aggregateType)}
	m.AggregateLoads.Add(ctx, 1, metric.WithAttributes(attrs...))
	if cacheHit {
		m.SnapshotHits.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		m.SnapshotMisses.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordCacheEviction records one evicted cache entry.
func (m *Metrics) RecordCacheEviction(ctx context.Context, reason string) {
	m.CacheEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRollback records a RollbackService call.
func (m *Metrics) RecordRollback(ctx context.Context, err error) {
	m.RollbackTotal.Add(ctx, 1)
	if err != nil {
		m.RollbackErrors.Add(ctx, 1)
	}
}

// RecordDeliver records one delivery call through the transport publisher
// (a fast-path batch or a FetchDeliverAckChunk chunk).
func (m *Metrics) RecordDeliver(ctx context.Context, subject string, duration time.Duration, recordCount, byteCount int, err error) {
	attrs := []attribute.KeyValue{attribute.String("subject", subject)}
	m.DeliverLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if err != nil {
		m.DeliverErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
		return
	}
	m.DeliverTotal.Add(ctx, int64(recordCount), metric.WithAttributes(attrs...))
	m.DeliverBytes.Add(ctx, int64(byteCount), metric.WithAttributes(attrs...))
}
