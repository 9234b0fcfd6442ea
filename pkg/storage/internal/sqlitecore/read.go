package sqlitecore

import (
	"context"
	"fmt"
	"strings"

	"github.com/chainledger/eventcore/pkg/eventcore"
)

// FetchEventsForOneAggregateRead implements StorageAdapter.FetchEventsForOneAggregateRead.
func (e *Engine) FetchEventsForOneAggregateRead(ctx context.Context, aggregateID string, opts eventcore.ReadOptions) ([]eventcore.ReadEventRow, error) {
	return e.fetchEventsRead(ctx, []string{aggregateID}, opts)
}

// FetchEventsForManyAggregatesRead implements StorageAdapter.FetchEventsForManyAggregatesRead.
func (e *Engine) FetchEventsForManyAggregatesRead(ctx context.Context, aggregateIDs []string, opts eventcore.ReadOptions) ([]eventcore.ReadEventRow, error) {
	return e.fetchEventsRead(ctx, aggregateIDs, opts)
}

// fetchEventsRead unions each aggregate's own table, since event rows live in
// dynamic per-aggregate tables rather than one global table.
func (e *Engine) fetchEventsRead(ctx context.Context, aggregateIDs []string, opts eventcore.ReadOptions) ([]eventcore.ReadEventRow, error) {
	var out []eventcore.ReadEventRow
	for _, aggregateID := range aggregateIDs {
		if err := e.EnsureAggregateTable(ctx, aggregateID); err != nil {
			return nil, err
		}
		table := aggregateTableName(aggregateID)

		where := []string{"1=1"}
		var args []any
		if opts.VersionGte != nil {
			where = append(where, "version >= ?")
			args = append(args, *opts.VersionGte)
		}
		if opts.VersionLte != nil {
			where = append(where, "version <= ?")
			args = append(args, *opts.VersionLte)
		}
		if opts.HeightGte != nil {
			where = append(where, "block_height >= ?")
			args = append(args, *opts.HeightGte)
		}
		if opts.HeightLte != nil {
			where = append(where, "block_height <= ?")
			args = append(args, *opts.HeightLte)
		}

		orderCol := "version"
		if opts.OrderBy == eventcore.OrderByCreatedAt {
			orderCol = "timestamp"
		}
		orderDir := "ASC"
		if opts.OrderDir == eventcore.OrderDesc {
			orderDir = "DESC"
		}

		query := fmt.Sprintf(`SELECT id, version, request_id, event_type, payload, is_compressed, block_height, timestamp
			FROM %q WHERE %s ORDER BY %s %s`, table, strings.Join(where, " AND "), orderCol, orderDir)
		if opts.Limit > 0 {
			query += " LIMIT ?"
			args = append(args, opts.Limit)
			if opts.Offset > 0 {
				query += " OFFSET ?"
				args = append(args, opts.Offset)
			}
		}

		rows, err := e.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("%w: read events for %s: %v", eventcore.ErrTransient, aggregateID, err)
		}
		for rows.Next() {
			var row eventcore.ReadEventRow
			var height *int64
			var compressed int
			if err := rows.Scan(&row.ID, &row.Version, &row.RequestID, &row.Type, &row.Payload, &compressed, &height, &row.Timestamp); err != nil {
				rows.Close()
				return nil, fmt.Errorf("%w: scan read row: %v", eventcore.ErrTransient, err)
			}
			if compressed == 1 {
				decoded, err := decodeOutboxPayload([]byte(row.Payload))
				if err != nil {
					rows.Close()
					return nil, fmt.Errorf("%w: decode read row: %v", eventcore.ErrPermanent, err)
				}
				row.Payload = string(decoded)
			}
			row.AggregateID = aggregateID
			row.BlockHeight = heightOrSentinel(height)
			out = append(out, row)
		}
		closeErr := rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("%w: iterate read rows: %v", eventcore.ErrTransient, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("%w: close read rows: %v", eventcore.ErrTransient, closeErr)
		}
	}
	return out, nil
}

// StreamEventsForOneAggregateRead is only implemented by the server backend's
// native cursor; embedded and in-memory callers get ErrUnsupported.
func (e *Engine) StreamEventsForOneAggregateRead(ctx context.Context, aggregateID string, opts eventcore.ReadOptions) (eventcore.EventStream, error) {
	return nil, eventcore.ErrUnsupported
}
