package sqlitecore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlite3 "modernc.org/sqlite"

	"github.com/chainledger/eventcore/pkg/aggregate"
	"github.com/chainledger/eventcore/pkg/eventcore"
	"github.com/chainledger/eventcore/pkg/payload"
)

// SQLite extended result codes for constraint violations. See
// https://www.sqlite.org/rescode.html#constraint.
const (
	sqliteConstraintUnique     = 2067
	sqliteConstraintPrimaryKey = 1555
)

// PersistAggregatesAndOutbox implements StorageAdapter.PersistAggregatesAndOutbox:
// every unsaved event across every given aggregate,
// plus its outbox row, is written in one transaction. A unique-constraint
// violation on (version,requestId) or (aggregateId,eventVersion) means this
// event was already durably written by a prior attempt; it is swallowed, not
// retried — an idempotent no-op.
func (e *Engine) PersistAggregatesAndOutbox(ctx context.Context, aggregates []aggregate.Aggregate) (eventcore.PersistResult, error) {
	e.writeLock.Lock()
	defer e.writeLock.Unlock()

	var result eventcore.PersistResult

	for _, agg := range aggregates {
		if err := e.EnsureAggregateTable(ctx, agg.AggregateID()); err != nil {
			return result, err
		}
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("%w: begin tx: %v", eventcore.ErrTransient, err)
	}
	defer tx.Rollback()

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
				continue // idempotency conflict: already persisted by a prior attempt
			}

			id := e.idGen.Next(evt.Timestamp)
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

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("%w: commit: %v", eventcore.ErrTransient, err)
	}

	for _, agg := range aggregates {
		agg.MarkEventsAsSaved()
	}

	if err := e.onCommit(ctx); err != nil {
		return result, fmt.Errorf("%w: durable flush: %v", eventcore.ErrTransient, err)
	}

	return result, nil
}

func insertAggregateRow(ctx context.Context, tx *sql.Tx, table, aggregateID string, evt aggregate.UnsavedEvent, enc payload.Encoded) (bool, error) {
	stmt := fmt.Sprintf(`INSERT INTO %q (version, request_id, event_type, payload, is_compressed, block_height, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, table)
	_, err := tx.ExecContext(ctx, stmt, evt.Version, evt.RequestID, evt.Type, enc.Bytes, boolToInt(enc.IsCompressed), evt.BlockHeight, evt.Timestamp)
	if err != nil {
		if isUniqueConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: insert aggregate row for %s: %v", eventcore.ErrPermanent, aggregateID, err)
	}
	return true, nil
}

func insertOutboxRow(ctx context.Context, tx *sql.Tx, id int64, aggregateID string, evt aggregate.UnsavedEvent, enc payload.Encoded) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO outbox
		(id, aggregate_id, event_type, event_version, request_id, block_height, payload, is_compressed, payload_uncompressed_bytes, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, aggregateID, evt.Type, evt.Version, evt.RequestID, evt.BlockHeight, enc.Bytes, boolToInt(enc.IsCompressed), enc.UncompressedLength, evt.Timestamp)
	return err
}

func isUniqueConflict(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func heightOrSentinel(h *int64) int64 {
	if h == nil {
		return -1
	}
	return *h
}
