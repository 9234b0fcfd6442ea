package server

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/chainledger/eventcore/pkg/aggregate"
	"github.com/chainledger/eventcore/pkg/eventcore"
	"github.com/chainledger/eventcore/pkg/payload"
)

// PersistAggregatesAndOutbox implements StorageAdapter.PersistAggregatesAndOutbox.
func (s *Store) PersistAggregatesAndOutbox(ctx context.Context, aggregates []aggregate.Aggregate) (eventcore.PersistResult, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	var result eventcore.PersistResult

	for _, agg := range aggregates {
		if err := s.EnsureAggregateTable(ctx, agg.AggregateID()); err != nil {
			return result, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("%w: begin tx: %v", eventcore.ErrTransient, err)
	}
	defer tx.Rollback(ctx)

	for _, agg := range aggregates {
		unsaved := agg.GetUnsavedEvents()
		if len(unsaved) == 0 {
			continue
		}
		table := aggregateTableName(agg.AggregateID())

		for _, evt := range unsaved {
			if evt.RequestID == "" || evt.Type == "" || evt.Timestamp == 0 {
				return result, fmt.Errorf("%w: event missing requestId/type/timestamp", eventcore.ErrInvariantViolation)
			}

			enc, err := payload.Encode(evt.Payload)
			if err != nil {
				return result, fmt.Errorf("%w: encode payload: %v", eventcore.ErrPermanent, err)
			}

			inserted, err := insertAggregateRow(ctx, tx, table, agg.AggregateID(), evt, enc)
			if err != nil {
				return result, err
			}
			if !inserted {
				continue
			}

			id := s.idGen.Next(evt.Timestamp)
			if err := insertOutboxRow(ctx, tx, id, agg.AggregateID(), evt, enc); err != nil {
				if isUniqueConflict(err) {
					continue
				}
				return result, fmt.Errorf("%w: insert outbox: %v", eventcore.ErrPermanent, err)
			}

			result.InsertedOutboxIDs = append(result.InsertedOutboxIDs, id)
			result.RawEvents = append(result.RawEvents, eventcore.WireRecord{
				ModelName:    agg.AggregateID(),
				EventType:    evt.Type,
				EventVersion: evt.Version,
				RequestID:    evt.RequestID,
				BlockHeight:  heightOrSentinel(evt.BlockHeight),
				Payload:      string(evt.Payload),
				Timestamp:    evt.Timestamp,
			})
			if result.FirstID == 0 || id < result.FirstID {
				result.FirstID = id
				result.FirstTs = evt.Timestamp
			}
			if id > result.LastID {
				result.LastID = id
				result.LastTs = evt.Timestamp
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return result, fmt.Errorf("%w: commit: %v", eventcore.ErrTransient, err)
	}

	for _, agg := range aggregates {
		agg.MarkEventsAsSaved()
	}
	return result, nil
}

func insertAggregateRow(ctx context.Context, tx pgx.Tx, table, aggregateID string, evt aggregate.UnsavedEvent, enc payload.Encoded) (bool, error) {
	_, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s
		(version, request_id, event_type, payload, is_compressed, block_height, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, table),
		evt.Version, evt.RequestID, evt.Type, enc.Bytes, enc.IsCompressed, evt.BlockHeight, evt.Timestamp)
	if err != nil {
		if isUniqueConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: insert aggregate row for %s: %v", eventcore.ErrPermanent, aggregateID, err)
	}
	return true, nil
}

func insertOutboxRow(ctx context.Context, tx pgx.Tx, id int64, aggregateID string, evt aggregate.UnsavedEvent, enc payload.Encoded) error {
	_, err := tx.Exec(ctx, `INSERT INTO outbox
		(id, aggregate_id, event_type, event_version, request_id, block_height, payload, is_compressed, payload_uncompressed_bytes, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, aggregateID, evt.Type, evt.Version, evt.RequestID, evt.BlockHeight, enc.Bytes, enc.IsCompressed, enc.UncompressedLength, evt.Timestamp)
	return err
}
