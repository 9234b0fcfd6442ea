package eventcore_test

import (
	"context"
	"testing"

	"github.com/chainledger/eventcore/pkg/aggregate"
	"github.com/chainledger/eventcore/pkg/eventcore"
	"github.com/stretchr/testify/require"
)

func TestRollbackService_DeletesStateAbovePivotAndRestores(t *testing.T) {
	storage := newFakeAdapter()
	deliver := func(ctx context.Context, batch []eventcore.WireRecord) error { return nil }
	ws := eventcore.NewWriteService(storage, deliver)
	rs := eventcore.NewReadService(storage)

	agg := newFakeAggregate("agg-reorg-1")
	for height := int64(1); height <= 5; height++ {
		h := height
		agg.Increment("req", &h, 1000+height)
	}
	require.NoError(t, ws.Save(context.Background(), []aggregate.Aggregate{agg}))
	require.Equal(t, int64(5), agg.Version())

	rollback := eventcore.NewRollbackService(storage, rs, ws)
	err := rollback.Rollback(context.Background(), []aggregate.Aggregate{agg}, 3, nil)
	require.NoError(t, err)
	require.Equal(t, int64(3), agg.Version())
}

func TestRollbackService_SavesRebuiltModelsAfterRollback(t *testing.T) {
	storage := newFakeAdapter()
	deliver := func(ctx context.Context, batch []eventcore.WireRecord) error { return nil }
	ws := eventcore.NewWriteService(storage, deliver)
	rs := eventcore.NewReadService(storage)

	agg := newFakeAggregate("agg-reorg-2")
	for height := int64(1); height <= 4; height++ {
		h := height
		agg.Increment("req", &h, 1000+height)
	}
	require.NoError(t, ws.Save(context.Background(), []aggregate.Aggregate{agg}))

	rollback := eventcore.NewRollbackService(storage, rs, ws)
	h := int64(5)
	agg.Increment("req-rebuilt", &h, 2000) // corrected history on top of the pivot
	err := rollback.Rollback(context.Background(), []aggregate.Aggregate{agg}, 2, []aggregate.Aggregate{agg})
	require.NoError(t, err)

	pending, err := storage.HasAnyPendingAfterWatermark(context.Background())
	require.NoError(t, err)
	require.False(t, pending)
}
