package server

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chainledger/eventcore/pkg/aggregate"
	"github.com/chainledger/eventcore/pkg/eventcore"
	"github.com/chainledger/eventcore/pkg/payload"
)

// CreateSnapshot implements StorageAdapter.CreateSnapshot.
func (s *Store) CreateSnapshot(ctx context.Context, model aggregate.Aggregate, height int64, opts eventcore.SnapshotOptions) error {
	raw, err := model.ToSnapshot()
	if err != nil {
		return fmt.Errorf("%w: serialize snapshot: %v", eventcore.ErrInvariantViolation, err)
	}
	enc, err := payload.Encode([]byte(raw))
	if err != nil {
		return fmt.Errorf("%w: encode snapshot: %v", eventcore.ErrPermanent, err)
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO snapshots (aggregate_id, block_height, version, payload, is_compressed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		model.AggregateID(), height, model.Version(), enc.Bytes, enc.IsCompressed, time.Now().UnixMicro())
	if err != nil {
		if isUniqueConflict(err) {
			return nil
		}
		return fmt.Errorf("%w: insert snapshot: %v", eventcore.ErrPermanent, err)
	}

	model.ResetSnapshotCounter()
	if !model.AllowPruning() {
		return nil
	}
	return s.PruneOldSnapshots(ctx, model.AggregateID(), height, aggregate.SnapshotRetention{MinKeep: opts.MinKeep, KeepWindow: opts.KeepWindow})
}

// FindLatestSnapshot implements StorageAdapter.FindLatestSnapshot.
func (s *Store) FindLatestSnapshot(ctx context.Context, aggregateID string) (*aggregate.SnapshotRow, error) {
	return s.queryLatestSnapshot(ctx, `SELECT aggregate_id, block_height, version, payload, is_compressed, created_at
		FROM snapshots WHERE aggregate_id = $1 ORDER BY block_height DESC LIMIT 1`, aggregateID)
}

// FindLatestSnapshotBeforeHeight implements StorageAdapter.FindLatestSnapshotBeforeHeight.
func (s *Store) FindLatestSnapshotBeforeHeight(ctx context.Context, aggregateID string, height int64) (*aggregate.SnapshotRow, error) {
	return s.queryLatestSnapshot(ctx, `SELECT aggregate_id, block_height, version, payload, is_compressed, created_at
		FROM snapshots WHERE aggregate_id = $1 AND block_height <= $2 ORDER BY block_height DESC LIMIT 1`, aggregateID, height)
}

func (s *Store) queryLatestSnapshot(ctx context.Context, query string, args ...any) (*aggregate.SnapshotRow, error) {
	var row aggregate.SnapshotRow
	var compressed bool
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&row.AggregateID, &row.BlockHeight, &row.Version, &row.Payload, &compressed, &row.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query snapshot: %v", eventcore.ErrTransient, err)
	}
	decoded, err := decodePayload(row.Payload, compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: decode snapshot: %v", eventcore.ErrPermanent, err)
	}
	row.Payload = decoded
	return &row, nil
}

// PruneOldSnapshots implements StorageAdapter.PruneOldSnapshots.
func (s *Store) PruneOldSnapshots(ctx context.Context, aggregateID string, currentHeight int64, retention aggregate.SnapshotRetention) error {
	rows, err := s.pool.Query(ctx, `SELECT id, block_height FROM snapshots
		WHERE aggregate_id = $1 ORDER BY block_height DESC`, aggregateID)
	if err != nil {
		return fmt.Errorf("%w: list snapshots: %v", eventcore.ErrTransient, err)
	}
	type idHeight struct {
		id     int64
		height int64
	}
	var all []idHeight
	for rows.Next() {
		var r idHeight
		if err := rows.Scan(&r.id, &r.height); err != nil {
			rows.Close()
			return fmt.Errorf("%w: scan snapshot: %v", eventcore.ErrTransient, err)
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: list snapshots: %v", eventcore.ErrTransient, err)
	}

	minKeep := retention.MinKeep
	if minKeep < 0 {
		minKeep = 0
	}

	var toDelete []int64
	for i, r := range all {
		if int64(i) < minKeep {
			continue
		}
		if retention.KeepWindow > 0 && r.height >= currentHeight-retention.KeepWindow {
			continue
		}
		toDelete = append(toDelete, r.id)
	}
	if len(toDelete) == 0 {
		return nil
	}

	for _, part := range chunk(toDelete, ParamLimit) {
		args := make([]any, len(part))
		placeholders := make([]string, len(part))
		for i, id := range part {
			args[i] = id
			placeholders[i] = "$" + strconv.Itoa(i+1)
		}
		stmt := fmt.Sprintf(`DELETE FROM snapshots WHERE id IN (%s)`, strings.Join(placeholders, ","))
		if _, err := s.pool.Exec(ctx, stmt, args...); err != nil {
			return fmt.Errorf("%w: delete snapshot chunk: %v", eventcore.ErrTransient, err)
		}
	}
	return nil
}

// GetOneModelByHeightRead implements StorageAdapter.GetOneModelByHeightRead.
func (s *Store) GetOneModelByHeightRead(ctx context.Context, model aggregate.Aggregate, height int64) (eventcore.ModelSnapshotView, error) {
	if err := s.RestoreExactStateAtHeight(ctx, model, height); err != nil {
		return eventcore.ModelSnapshotView{}, err
	}
	raw, err := model.ToSnapshot()
	if err != nil {
		return eventcore.ModelSnapshotView{}, fmt.Errorf("%w: serialize view: %v", eventcore.ErrInvariantViolation, err)
	}
	return eventcore.ModelSnapshotView{
		AggregateID: model.AggregateID(),
		BlockHeight: height,
		Version:     model.Version(),
		Payload:     raw,
	}, nil
}

// GetManyModelsByHeightRead implements StorageAdapter.GetManyModelsByHeightRead.
func (s *Store) GetManyModelsByHeightRead(ctx context.Context, models []aggregate.Aggregate, height int64) ([]eventcore.ModelSnapshotView, error) {
	views := make([]eventcore.ModelSnapshotView, 0, len(models))
	for _, m := range models {
		v, err := s.GetOneModelByHeightRead(ctx, m, height)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}
