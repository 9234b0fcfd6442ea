package server

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/chainledger/eventcore/pkg/eventcore"
)

// DeleteOutboxByIDs implements StorageAdapter.DeleteOutboxByIDs.
func (s *Store) DeleteOutboxByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	for _, part := range chunk(ids, ParamLimit) {
		args := make([]any, len(part))
		placeholders := make([]string, len(part))
		for i, id := range part {
			args[i] = id
			placeholders[i] = "$" + strconv.Itoa(i+1)
		}
		stmt := fmt.Sprintf(`DELETE FROM outbox WHERE id IN (%s)`, strings.Join(placeholders, ","))
		if _, err := s.pool.Exec(ctx, stmt, args...); err != nil {
			return fmt.Errorf("%w: delete outbox chunk: %v", eventcore.ErrTransient, err)
		}
	}
	return nil
}

// HasBacklogBefore implements StorageAdapter.HasBacklogBefore.
func (s *Store) HasBacklogBefore(ctx context.Context, ts int64, id int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM outbox WHERE id < $1 LIMIT 1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: has backlog before: %v", eventcore.ErrTransient, err)
	}
	return exists, nil
}

// HasAnyPendingAfterWatermark implements StorageAdapter.HasAnyPendingAfterWatermark.
func (s *Store) HasAnyPendingAfterWatermark(ctx context.Context) (bool, error) {
	watermark := s.getWatermark()
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM outbox WHERE id > $1 LIMIT 1)`, watermark).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: has pending after watermark: %v", eventcore.ErrTransient, err)
	}
	return exists, nil
}

type outboxRow struct {
	id           int64
	aggregateID  string
	eventType    string
	eventVersion int64
	requestID    string
	blockHeight  int64
	payload      []byte
	timestamp    int64
}

// FetchDeliverAckChunk implements the outbox delivery engine,
// identical semantics to the sqlite-backed engines: bounded prefetch ordered
// by id, greedy byte-budget packing (at least one row always accepted),
// deliver, then chunked ACK-delete and watermark advance only on success.
func (s *Store) FetchDeliverAckChunk(ctx context.Context, transportCapBytes int, deliver eventcore.DeliverFunc) (int, error) {
	s.deliverLock.Lock()
	defer s.deliverLock.Unlock()

	watermark := s.getWatermark()

	rows, err := s.prefetchOutbox(ctx, watermark, prefetchSize(transportCapBytes))
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	chunkRows, _ := budgetChunk(rows, transportCapBytes)

	batch := make([]eventcore.WireRecord, len(chunkRows))
	for i, r := range chunkRows {
		batch[i] = eventcore.WireRecord{
			ModelName:    r.aggregateID,
			EventType:    r.eventType,
			EventVersion: r.eventVersion,
			RequestID:    r.requestID,
			BlockHeight:  r.blockHeight,
			Payload:      string(r.payload),
			Timestamp:    r.timestamp,
		}
	}

	if err := deliver(ctx, batch); err != nil {
		return 0, fmt.Errorf("%w: %v", eventcore.ErrDeliveryFailed, err)
	}

	ids := make([]int64, len(chunkRows))
	for i, r := range chunkRows {
		ids[i] = r.id
	}
	if err := s.DeleteOutboxByIDs(ctx, ids); err != nil {
		return 0, err
	}

	s.setWatermark(chunkRows[len(chunkRows)-1].id)
	return len(chunkRows), nil
}

func (s *Store) prefetchOutbox(ctx context.Context, afterID int64, limit int) ([]outboxRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, aggregate_id, event_type, event_version, request_id, block_height,
		       payload, is_compressed, timestamp
		FROM outbox WHERE id > $1 ORDER BY id ASC LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: prefetch outbox: %v", eventcore.ErrTransient, err)
	}
	defer rows.Close()

	var out []outboxRow
	for rows.Next() {
		var r outboxRow
		var height *int64
		var compressed bool
		if err := rows.Scan(&r.id, &r.aggregateID, &r.eventType, &r.eventVersion, &r.requestID,
			&height, &r.payload, &compressed, &r.timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan outbox row: %v", eventcore.ErrTransient, err)
		}
		r.blockHeight = heightOrSentinel(height)
		decoded, err := decodePayload(r.payload, compressed)
		if err != nil {
			return nil, fmt.Errorf("%w: decode outbox payload: %v", eventcore.ErrPermanent, err)
		}
		r.payload = decoded
		out = append(out, r)
	}
	return out, rows.Err()
}

// budgetChunk greedily packs rows into a prefix that fits capBytes, always
// including at least the first row. Each row is charged fixedOverheadBytes on
// top of its uncompressed payload size so the chunk never underestimates the
// framing cost a real transport call adds per record.
func budgetChunk(rows []outboxRow, capBytes int) (taken, rest []outboxRow) {
	if len(rows) == 0 {
		return nil, nil
	}
	running := 0
	i := 0
	for ; i < len(rows); i++ {
		size := fixedOverheadBytes + len(rows[i].payload)
		if i > 0 && running+size > capBytes {
			break
		}
		running += size
	}
	if i == 0 {
		i = 1
	}
	return rows[:i], rows[i:]
}

// prefetchSize estimates how many outbox rows are likely needed to fill a
// chunk bounded by transportCapBytes, clamped to [minPrefetch, maxPrefetch].
func prefetchSize(transportCapBytes int) int {
	n := transportCapBytes / avgEventBytesGuess
	if n < minPrefetch {
		n = minPrefetch
	}
	if n > maxPrefetch {
		n = maxPrefetch
	}
	return n
}
