package eventcore_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chainledger/eventcore/pkg/aggregate"
	"github.com/chainledger/eventcore/pkg/eventcore"
	"github.com/stretchr/testify/require"
)

func TestWriteService_SaveFastPathDeliversImmediately(t *testing.T) {
	storage := newFakeAdapter()
	var delivered int64
	deliver := func(ctx context.Context, batch []eventcore.WireRecord) error {
		atomic.AddInt64(&delivered, int64(len(batch)))
		return nil
	}
	ws := eventcore.NewWriteService(storage, deliver)

	agg := newFakeAggregate("agg-1")
	h := int64(10)
	agg.Increment("req-1", &h, 1000)

	err := ws.Save(context.Background(), []aggregate.Aggregate{agg})
	require.NoError(t, err)
	require.Equal(t, int64(1), atomic.LoadInt64(&delivered))

	pending, err := storage.HasAnyPendingAfterWatermark(context.Background())
	require.NoError(t, err)
	require.False(t, pending)
}

func TestWriteService_SaveRetriesFailedDeliveryWithBackoff(t *testing.T) {
	storage := newFakeAdapter()

	var attempts int64
	var delivered int64
	deliver := func(ctx context.Context, batch []eventcore.WireRecord) error {
		if atomic.AddInt64(&attempts, 1) == 1 {
			return errors.New("transport down")
		}
		atomic.AddInt64(&delivered, int64(len(batch)))
		return nil
	}
	ws := eventcore.NewWriteService(storage, deliver, eventcore.WithRetryTimer(
		eventcore.NewRetryTimer(10*time.Millisecond, 2, 40*time.Millisecond)))

	agg := newFakeAggregate("agg-2")
	h := int64(1)
	agg.Increment("req-1", &h, 1000)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := ws.Save(ctx, []aggregate.Aggregate{agg})
	require.NoError(t, err)
	require.Equal(t, int64(1), atomic.LoadInt64(&delivered))
}

func TestWriteService_ConcurrentSavesLeaveNothingPending(t *testing.T) {
	storage := newFakeAdapter()
	var deliverCalls int64
	deliver := func(ctx context.Context, batch []eventcore.WireRecord) error {
		atomic.AddInt64(&deliverCalls, 1)
		return nil
	}
	ws := eventcore.NewWriteService(storage, deliver)

	agg1 := newFakeAggregate("agg-3")
	agg2 := newFakeAggregate("agg-4")
	h := int64(1)
	agg1.Increment("req-1", &h, 1000)
	agg2.Increment("req-2", &h, 1000)

	errs := make(chan error, 2)
	go func() { errs <- ws.Save(context.Background(), []aggregate.Aggregate{agg1}) }()
	go func() { errs <- ws.Save(context.Background(), []aggregate.Aggregate{agg2}) }()

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	pending, err := storage.HasAnyPendingAfterWatermark(context.Background())
	require.NoError(t, err)
	require.False(t, pending)
}

func TestWriteService_SnapshotTakenWhenAggregateRequestsIt(t *testing.T) {
	storage := newFakeAdapter()
	deliver := func(ctx context.Context, batch []eventcore.WireRecord) error { return nil }
	ws := eventcore.NewWriteService(storage, deliver)

	agg := newFakeAggregate("agg-5")
	h := int64(7)
	for i := 0; i < 3; i++ {
		agg.Increment("req", &h, 1000)
	}
	require.True(t, agg.CanMakeSnapshot())

	err := ws.Save(context.Background(), []aggregate.Aggregate{agg})
	require.NoError(t, err)

	snap, err := storage.FindLatestSnapshot(context.Background(), "agg-5")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, int64(7), snap.BlockHeight)
}
