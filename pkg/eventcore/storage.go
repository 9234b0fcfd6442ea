// Package eventcore implements the write path, outbox delivery engine, and
// read façade described below: WriteService, ReadService, and the
// StorageAdapter contract every backend (pkg/storage/embedded,
// pkg/storage/memory, pkg/storage/server) must satisfy.
package eventcore

import (
	"context"

	"github.com/chainledger/eventcore/pkg/aggregate"
)

// WireRecord is the delivery payload produced for the transport.
type WireRecord struct {
	ModelName   string
	EventType   string
	EventVersion int64
	RequestID   string
	BlockHeight int64 // -1 if absent
	Payload     string // JSON string
	Timestamp   int64
}

// PersistResult is returned by PersistAggregatesAndOutbox.
type PersistResult struct {
	InsertedOutboxIDs []int64
	FirstTs           int64
	FirstID           int64
	LastTs            int64
	LastID            int64
	RawEvents         []WireRecord
}

// DeliverFunc is the transport call contract: publish a batch and await a
// single acknowledgement for the whole batch.
type DeliverFunc func(ctx context.Context, batch []WireRecord) error

// ReadOptions filters/orders a ranged event read.
type ReadOptions struct {
	VersionGte *int64
	VersionLte *int64
	HeightGte  *int64
	HeightLte  *int64
	Limit      int
	Offset     int
	OrderBy    OrderByField
	OrderDir   OrderDirection
}

// OrderByField is the column a ranged read is sorted by.
type OrderByField int

const (
	OrderByVersion OrderByField = iota
	OrderByCreatedAt
)

// OrderDirection is ascending or descending.
type OrderDirection int

const (
	OrderAsc OrderDirection = iota
	OrderDesc
)

// ReadEventRow is a read-only event row: payload is an un-parsed JSON string
//.
type ReadEventRow struct {
	ID          int64
	AggregateID string
	Version     int64
	RequestID   string
	Type        string
	Payload     string
	BlockHeight int64 // -1 if absent
	Timestamp   int64
}

// ModelSnapshotView is the lightweight view returned by
// GetOneModelByHeightRead / GetManyModelsByHeightRead.
type ModelSnapshotView struct {
	AggregateID string
	BlockHeight int64
	Version     int64
	Payload     string // JSON string
}

// ApplyOptions configures ApplyEventsToAggregate.
type ApplyOptions struct {
	BlockHeight *int64
	LastVersion int64
	BatchSize   int
}

// DefaultBatchSize is used when ApplyOptions.BatchSize is zero.
const DefaultBatchSize = 5000

// SnapshotOptions configures CreateSnapshot / PruneOldSnapshots.
type SnapshotOptions struct {
	MinKeep    int64
	KeepWindow int64
}

// EventStream is a cursor-backed read, only implemented by backends with
// native streaming support.
type EventStream interface {
	Next(ctx context.Context) (ReadEventRow, bool, error)
	Close() error
}

// StorageAdapter is the backend-portable storage contract. Each
// backend (embedded, memory, server) implements it once, over its own
// connection type and byte layout, but the semantics — and the invariants in
// the contract below and §8 — are identical across all three.
type StorageAdapter interface {
	// EnsureAggregateTable creates the per-aggregate event table (and its
	// compiled statement bundle) if it does not already exist. Idempotent.
	EnsureAggregateTable(ctx context.Context, aggregateID string) error

	// PersistAggregatesAndOutbox atomically persists unsaved events for each
	// aggregate into its event table and the shared outbox, in one
	// transaction. Unique-conflict errors on (version,requestId) or
	// (aggregateId,eventVersion) are swallowed as a no-op; all other errors
	// roll the transaction back.
	PersistAggregatesAndOutbox(ctx context.Context, aggregates []aggregate.Aggregate) (PersistResult, error)

	// DeleteOutboxByIDs deletes outbox rows in chunked transactions bounded
	// by the backend's parameter limit.
	DeleteOutboxByIDs(ctx context.Context, ids []int64) error

	// HasBacklogBefore reports whether any outbox row has id < the given id.
	HasBacklogBefore(ctx context.Context, ts int64, id int64) (bool, error)

	// HasAnyPendingAfterWatermark reports whether any outbox row has
	// id > the adapter's local delivery watermark.
	HasAnyPendingAfterWatermark(ctx context.Context) (bool, error)

	// FetchDeliverAckChunk prefetches, budgets, delivers, and ACK-deletes one
	// chunk of the outbox. Returns the number of events
	// delivered in this chunk.
	FetchDeliverAckChunk(ctx context.Context, transportCapBytes int, deliver DeliverFunc) (int, error)

	// RollbackAggregates deletes all state above blockHeight for the given
	// aggregates: event rows, snapshots, and the outbox (backend-specific
	// policy), and resets the delivery watermark to zero.
	RollbackAggregates(ctx context.Context, aggregateIDs []string, blockHeight int64) error

	// ApplyEventsToAggregate reads events with version > opts.LastVersion, in
	// version order, batched, and calls model.LoadFromHistory per batch.
	ApplyEventsToAggregate(ctx context.Context, model aggregate.Aggregate, opts ApplyOptions) error

	// CreateSnapshot persists the aggregate's current state. Unique
	// conflicts on (aggregateId, blockHeight) are swallowed.
	CreateSnapshot(ctx context.Context, model aggregate.Aggregate, height int64, opts SnapshotOptions) error

	// FindLatestSnapshot returns the most recent snapshot for an aggregate.
	FindLatestSnapshot(ctx context.Context, aggregateID string) (*aggregate.SnapshotRow, error)

	// FindLatestSnapshotBeforeHeight returns the latest snapshot at or before H.
	FindLatestSnapshotBeforeHeight(ctx context.Context, aggregateID string, height int64) (*aggregate.SnapshotRow, error)

	// RestoreExactStateAtHeight loads the nearest snapshot <= H, applies it,
	// then applies events with version > snap.version and blockHeight <= H.
	RestoreExactStateAtHeight(ctx context.Context, model aggregate.Aggregate, height int64) error

	// RestoreExactStateLatest loads the latest snapshot, applies it, then
	// applies all remaining events.
	RestoreExactStateLatest(ctx context.Context, model aggregate.Aggregate) error

	// PruneOldSnapshots enforces the retention policy: the retention.MinKeep
	// newest snapshots and every snapshot within retention.KeepWindow of
	// currentHeight are kept, the rest are deleted.
	PruneOldSnapshots(ctx context.Context, aggregateID string, currentHeight int64, retention aggregate.SnapshotRetention) error

	// FetchEventsForOneAggregateRead / FetchEventsForManyAggregatesRead
	// return rows as read DTOs (payload un-parsed JSON string).
	FetchEventsForOneAggregateRead(ctx context.Context, aggregateID string, opts ReadOptions) ([]ReadEventRow, error)
	FetchEventsForManyAggregatesRead(ctx context.Context, aggregateIDs []string, opts ReadOptions) ([]ReadEventRow, error)

	// StreamEventsForOneAggregateRead is only implemented by backends with a
	// native cursor (the server backend); others return ErrUnsupported.
	StreamEventsForOneAggregateRead(ctx context.Context, aggregateID string, opts ReadOptions) (EventStream, error)

	// GetOneModelByHeightRead / GetManyModelsByHeightRead rehydrate then
	// return a lightweight read-only snapshot view.
	GetOneModelByHeightRead(ctx context.Context, model aggregate.Aggregate, height int64) (ModelSnapshotView, error)
	GetManyModelsByHeightRead(ctx context.Context, models []aggregate.Aggregate, height int64) ([]ModelSnapshotView, error)

	// Close releases all resources held by the adapter.
	Close() error
}
