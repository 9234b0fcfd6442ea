package server

import (
	"context"
	"fmt"

	"github.com/chainledger/eventcore/pkg/eventcore"
)

// RollbackAggregates implements StorageAdapter.RollbackAggregates. The
// server backend targeted-deletes outbox rows rather than
// truncating the whole table, since it is shared by every aggregate and a
// reorg on one chain should never disturb another's undelivered backlog.
func (s *Store) RollbackAggregates(ctx context.Context, aggregateIDs []string, blockHeight int64) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin rollback tx: %v", eventcore.ErrTransient, err)
	}
	defer tx.Rollback(ctx)

	for _, aggregateID := range aggregateIDs {
		table := aggregateTableName(aggregateID)

		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
			trimQuotes(table),
		).Scan(&exists); err != nil {
			return fmt.Errorf("%w: check table %s: %v", eventcore.ErrTransient, table, err)
		}
		if !exists {
			continue
		}

		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE block_height IS NOT NULL AND block_height > $1`, table),
			blockHeight); err != nil {
			return fmt.Errorf("%w: rollback events for %s: %v", eventcore.ErrTransient, aggregateID, err)
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM snapshots WHERE aggregate_id = $1 AND block_height > $2`,
			aggregateID, blockHeight); err != nil {
			return fmt.Errorf("%w: rollback snapshots for %s: %v", eventcore.ErrTransient, aggregateID, err)
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM outbox WHERE aggregate_id = $1 AND block_height IS NOT NULL AND block_height > $2`,
			aggregateID, blockHeight); err != nil {
			return fmt.Errorf("%w: rollback outbox for %s: %v", eventcore.ErrTransient, aggregateID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit rollback: %v", eventcore.ErrTransient, err)
	}

	s.watermarkMu.Lock()
	s.watermark = 0
	s.watermarkMu.Unlock()
	return nil
}

func trimQuotes(identifier string) string {
	out := make([]byte, 0, len(identifier))
	for i := 0; i < len(identifier); i++ {
		if identifier[i] != '"' {
			out = append(out, identifier[i])
		}
	}
	return string(out)
}
