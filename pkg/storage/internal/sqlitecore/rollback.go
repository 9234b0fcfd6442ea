package sqlitecore

import (
	"context"
	"fmt"

	"github.com/chainledger/eventcore/pkg/eventcore"
)

// RollbackAggregates implements StorageAdapter.RollbackAggregates:
// deletes every event and snapshot row above blockHeight for the
// given aggregates, purges the outbox rows that carried those now-undone
// events, and resets the delivery watermark to zero so a resumed delivery
// loop re-scans the outbox from the start rather than trusting a watermark
// that may now point past rolled-back ids.
func (e *Engine) RollbackAggregates(ctx context.Context, aggregateIDs []string, blockHeight int64) error {
	e.writeLock.Lock()
	defer e.writeLock.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin rollback tx: %v", eventcore.ErrTransient, err)
	}
	defer tx.Rollback()

	for _, aggregateID := range aggregateIDs {
		table := aggregateTableName(aggregateID)

		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name=?)`, table,
		).Scan(&exists); err != nil {
			return fmt.Errorf("%w: check table %s: %v", eventcore.ErrTransient, table, err)
		}
		if exists == 0 {
			continue
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %q WHERE block_height IS NOT NULL AND block_height > ?`, table),
			blockHeight); err != nil {
			return fmt.Errorf("%w: rollback events for %s: %v", eventcore.ErrTransient, aggregateID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM snapshots WHERE aggregate_id = ? AND block_height > ?`,
			aggregateID, blockHeight); err != nil {
			return fmt.Errorf("%w: rollback snapshots for %s: %v", eventcore.ErrTransient, aggregateID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM outbox WHERE aggregate_id = ? AND block_height IS NOT NULL AND block_height > ?`,
			aggregateID, blockHeight); err != nil {
			return fmt.Errorf("%w: rollback outbox for %s: %v", eventcore.ErrTransient, aggregateID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit rollback: %v", eventcore.ErrTransient, err)
	}

	e.watermarkMu.Lock()
	e.watermark = 0
	e.watermarkMu.Unlock()

	if err := e.onCommit(ctx); err != nil {
		return fmt.Errorf("%w: durable flush after rollback: %v", eventcore.ErrTransient, err)
	}
	return nil
}
