package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/chainledger/eventcore/pkg/eventcore"
)

// FetchEventsForOneAggregateRead implements StorageAdapter.FetchEventsForOneAggregateRead.
func (s *Store) FetchEventsForOneAggregateRead(ctx context.Context, aggregateID string, opts eventcore.ReadOptions) ([]eventcore.ReadEventRow, error) {
	return s.fetchEventsRead(ctx, []string{aggregateID}, opts)
}

// FetchEventsForManyAggregatesRead implements StorageAdapter.FetchEventsForManyAggregatesRead.
func (s *Store) FetchEventsForManyAggregatesRead(ctx context.Context, aggregateIDs []string, opts eventcore.ReadOptions) ([]eventcore.ReadEventRow, error) {
	return s.fetchEventsRead(ctx, aggregateIDs, opts)
}

func buildReadQuery(table string, opts eventcore.ReadOptions) (string, []any) {
	where := []string{"1=1"}
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if opts.VersionGte != nil {
		add("version >= $%d", *opts.VersionGte)
	}
	if opts.VersionLte != nil {
		add("version <= $%d", *opts.VersionLte)
	}
	if opts.HeightGte != nil {
		add("block_height >= $%d", *opts.HeightGte)
	}
	if opts.HeightLte != nil {
		add("block_height <= $%d", *opts.HeightLte)
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
		FROM %s WHERE %s ORDER BY %s %s`, table, strings.Join(where, " AND "), orderCol, orderDir)
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		if opts.Offset > 0 {
			args = append(args, opts.Offset)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}
	}
	return query, args
}

func (s *Store) fetchEventsRead(ctx context.Context, aggregateIDs []string, opts eventcore.ReadOptions) ([]eventcore.ReadEventRow, error) {
	var out []eventcore.ReadEventRow
	for _, aggregateID := range aggregateIDs {
		if err := s.EnsureAggregateTable(ctx, aggregateID); err != nil {
			return nil, err
		}
		table := aggregateTableName(aggregateID)
		query, args := buildReadQuery(table, opts)

		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("%w: read events for %s: %v", eventcore.ErrTransient, aggregateID, err)
		}
		for rows.Next() {
			row, err := scanReadRow(rows, aggregateID)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, row)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: iterate read rows: %v", eventcore.ErrTransient, err)
		}
	}
	return out, nil
}

func scanReadRow(rows pgx.Rows, aggregateID string) (eventcore.ReadEventRow, error) {
	var row eventcore.ReadEventRow
	var payloadBytes []byte
	var height *int64
	var compressed bool
	if err := rows.Scan(&row.ID, &row.Version, &row.RequestID, &row.Type, &payloadBytes, &compressed, &height, &row.Timestamp); err != nil {
		return row, fmt.Errorf("%w: scan read row: %v", eventcore.ErrTransient, err)
	}
	decoded, err := decodePayload(payloadBytes, compressed)
	if err != nil {
		return row, fmt.Errorf("%w: decode read row: %v", eventcore.ErrPermanent, err)
	}
	row.Payload = string(decoded)
	row.AggregateID = aggregateID
	row.BlockHeight = heightOrSentinel(height)
	return row, nil
}

// pgxEventStream adapts a pgx.Rows cursor to the EventStream interface, the
// one capability the server backend has that embedded/memory do not: native
// cursor-based streaming of a ranged read without materializing it all at once.
type pgxEventStream struct {
	rows        pgx.Rows
	aggregateID string
}

// StreamEventsForOneAggregateRead implements StorageAdapter.StreamEventsForOneAggregateRead.
func (s *Store) StreamEventsForOneAggregateRead(ctx context.Context, aggregateID string, opts eventcore.ReadOptions) (eventcore.EventStream, error) {
	if err := s.EnsureAggregateTable(ctx, aggregateID); err != nil {
		return nil, err
	}
	table := aggregateTableName(aggregateID)
	query, args := buildReadQuery(table, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: stream events for %s: %v", eventcore.ErrTransient, aggregateID, err)
	}
	return &pgxEventStream{rows: rows, aggregateID: aggregateID}, nil
}

func (p *pgxEventStream) Next(ctx context.Context) (eventcore.ReadEventRow, bool, error) {
	if !p.rows.Next() {
		if err := p.rows.Err(); err != nil {
			return eventcore.ReadEventRow{}, false, fmt.Errorf("%w: stream iterate: %v", eventcore.ErrTransient, err)
		}
		return eventcore.ReadEventRow{}, false, nil
	}
	row, err := scanReadRow(p.rows, p.aggregateID)
	if err != nil {
		return eventcore.ReadEventRow{}, false, err
	}
	return row, true, nil
}

func (p *pgxEventStream) Close() error {
	p.rows.Close()
	return nil
}
