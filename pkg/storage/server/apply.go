package server

import (
	"context"
	"fmt"

	"github.com/chainledger/eventcore/pkg/aggregate"
	"github.com/chainledger/eventcore/pkg/eventcore"
)

// ApplyEventsToAggregate implements StorageAdapter.ApplyEventsToAggregate.
func (s *Store) ApplyEventsToAggregate(ctx context.Context, model aggregate.Aggregate, opts eventcore.ApplyOptions) error {
	if err := s.EnsureAggregateTable(ctx, model.AggregateID()); err != nil {
		return err
	}
	table := aggregateTableName(model.AggregateID())

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = eventcore.DefaultBatchSize
	}

	lastVersion := opts.LastVersion
	for {
		query := fmt.Sprintf(`SELECT id, version, request_id, event_type, payload, is_compressed, block_height, timestamp
			FROM %s WHERE version > $1`, table)
		args := []any{lastVersion}
		argN := 2
		if opts.BlockHeight != nil {
			query += fmt.Sprintf(` AND block_height IS NOT NULL AND block_height <= $%d`, argN)
			args = append(args, *opts.BlockHeight)
			argN++
		}
		query += fmt.Sprintf(` ORDER BY version ASC LIMIT $%d`, argN)
		args = append(args, batchSize)

		batch, err := s.scanEventRecords(ctx, model.AggregateID(), query, args...)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := model.LoadFromHistory(batch); err != nil {
			return fmt.Errorf("%w: load history: %v", eventcore.ErrInvariantViolation, err)
		}
		lastVersion = batch[len(batch)-1].Version
		if len(batch) < batchSize {
			return nil
		}
	}
}

func (s *Store) scanEventRecords(ctx context.Context, aggregateID, query string, args ...any) ([]aggregate.EventRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query events for %s: %v", eventcore.ErrTransient, aggregateID, err)
	}
	defer rows.Close()

	var out []aggregate.EventRecord
	for rows.Next() {
		var rec aggregate.EventRecord
		var height *int64
		var compressed bool
		if err := rows.Scan(&rec.ID, &rec.Version, &rec.RequestID, &rec.Type, &rec.Payload, &compressed, &height, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan event row: %v", eventcore.ErrTransient, err)
		}
		decoded, err := decodePayload(rec.Payload, compressed)
		if err != nil {
			return nil, fmt.Errorf("%w: decode event payload: %v", eventcore.ErrPermanent, err)
		}
		rec.Payload = decoded
		rec.AggregateID = aggregateID
		rec.BlockHeight = height
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RestoreExactStateAtHeight implements StorageAdapter.RestoreExactStateAtHeight.
func (s *Store) RestoreExactStateAtHeight(ctx context.Context, model aggregate.Aggregate, height int64) error {
	snap, err := s.FindLatestSnapshotBeforeHeight(ctx, model.AggregateID(), height)
	if err != nil {
		return err
	}
	lastVersion := int64(0)
	if snap != nil {
		if err := model.FromSnapshot(*snap); err != nil {
			return fmt.Errorf("%w: apply snapshot: %v", eventcore.ErrInvariantViolation, err)
		}
		lastVersion = snap.Version
	}
	return s.ApplyEventsToAggregate(ctx, model, eventcore.ApplyOptions{
		BlockHeight: &height,
		LastVersion: lastVersion,
	})
}

// RestoreExactStateLatest implements StorageAdapter.RestoreExactStateLatest.
func (s *Store) RestoreExactStateLatest(ctx context.Context, model aggregate.Aggregate) error {
	snap, err := s.FindLatestSnapshot(ctx, model.AggregateID())
	if err != nil {
		return err
	}
	lastVersion := int64(0)
	if snap != nil {
		if err := model.FromSnapshot(*snap); err != nil {
			return fmt.Errorf("%w: apply snapshot: %v", eventcore.ErrInvariantViolation, err)
		}
		lastVersion = snap.Version
	}
	return s.ApplyEventsToAggregate(ctx, model, eventcore.ApplyOptions{LastVersion: lastVersion})
}
