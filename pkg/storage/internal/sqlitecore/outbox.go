package sqlitecore

import (
	"context"
	"fmt"

	"github.com/chainledger/eventcore/pkg/eventcore"
	"github.com/chainledger/eventcore/pkg/payload"
)

func decodeOutboxPayload(stored []byte) ([]byte, error) {
	return payload.Decode(stored, true)
}

// DeleteOutboxByIDs implements StorageAdapter.DeleteOutboxByIDs: deletes are
// chunked so a single statement never exceeds the engine's parameter budget.
func (e *Engine) DeleteOutboxByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	for _, part := range chunk(ids, ParamLimit) {
		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}
		stmt := fmt.Sprintf(`DELETE FROM outbox WHERE id IN (%s)`, placeholders(len(part)))
		if _, err := e.db.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("%w: delete outbox chunk: %v", eventcore.ErrTransient, err)
		}
	}
	return nil
}

// HasBacklogBefore implements StorageAdapter.HasBacklogBefore: any outbox row older than (ts, id) still pending.
func (e *Engine) HasBacklogBefore(ctx context.Context, ts int64, id int64) (bool, error) {
	var exists int
	err := e.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM outbox WHERE id < ? LIMIT 1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: has backlog before: %v", eventcore.ErrTransient, err)
	}
	return exists == 1, nil
}

// HasAnyPendingAfterWatermark implements StorageAdapter.HasAnyPendingAfterWatermark.
func (e *Engine) HasAnyPendingAfterWatermark(ctx context.Context) (bool, error) {
	watermark := e.getWatermark()
	var exists int
	err := e.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM outbox WHERE id > ? LIMIT 1)`, watermark,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: has pending after watermark: %v", eventcore.ErrTransient, err)
	}
	return exists == 1, nil
}

type outboxRow struct {
	id                int64
	aggregateID       string
	eventType         string
	eventVersion      int64
	requestID         string
	blockHeight       int64
	payload           []byte
	isCompressed      bool
	uncompressedBytes int
	timestamp         int64
}

// FetchDeliverAckChunk implements the outbox delivery engine:
// prefetch a bounded window ordered by id, greedily pack rows into a chunk
// that respects transportCapBytes (always accepting at least one row even if
// it alone exceeds the budget), call deliver once per chunk, and only on
// success delete the chunk's rows and advance the watermark.
func (e *Engine) FetchDeliverAckChunk(ctx context.Context, transportCapBytes int, deliver eventcore.DeliverFunc) (int, error) {
	e.deliverLock.Lock()
	defer e.deliverLock.Unlock()

	watermark := e.getWatermark()

	rows, err := e.prefetchOutbox(ctx, watermark, prefetchSize(transportCapBytes))
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
	if err := e.DeleteOutboxByIDs(ctx, ids); err != nil {
		return 0, err
	}

	e.setWatermark(chunkRows[len(chunkRows)-1].id)
	return len(chunkRows), nil
}

func (e *Engine) prefetchOutbox(ctx context.Context, afterID int64, limit int) ([]outboxRow, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, aggregate_id, event_type, event_version, request_id, block_height,
		       payload, is_compressed, payload_uncompressed_bytes, timestamp
		FROM outbox
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: prefetch outbox: %v", eventcore.ErrTransient, err)
	}
	defer rows.Close()

	var out []outboxRow
	for rows.Next() {
		var r outboxRow
		var height *int64
		var compressed int
		if err := rows.Scan(&r.id, &r.aggregateID, &r.eventType, &r.eventVersion, &r.requestID,
			&height, &r.payload, &compressed, &r.uncompressedBytes, &r.timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan outbox row: %v", eventcore.ErrTransient, err)
		}
		r.blockHeight = heightOrSentinel(height)
		r.isCompressed = compressed == 1
		if r.isCompressed {
			decoded, err := decodeOutboxPayload(r.payload)
			if err != nil {
				return nil, fmt.Errorf("%w: decode outbox payload: %v", eventcore.ErrPermanent, err)
			}
			r.payload = decoded
		}
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
		size := fixedOverheadBytes + rows[i].uncompressedBytes
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
