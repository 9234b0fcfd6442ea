package eventcore_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chainledger/eventcore/pkg/aggregate"
	"github.com/chainledger/eventcore/pkg/eventcore"
)

func TestDeliveryService_DrainsExistingBacklogOnStart(t *testing.T) {
	storage := newFakeAdapter()
	agg := newFakeAggregate("agg-delivery-1")
	h := int64(1)
	agg.Increment("req", &h, 1000)
	_, err := storage.PersistAggregatesAndOutbox(context.Background(), []aggregate.Aggregate{agg})
	require.NoError(t, err)

	var delivered int64
	deliver := func(ctx context.Context, batch []eventcore.WireRecord) error {
		atomic.AddInt64(&delivered, int64(len(batch)))
		return nil
	}
	ws := eventcore.NewWriteService(storage, deliver)
	svc := eventcore.NewDeliveryService(ws, eventcore.WithPollInterval(50*time.Millisecond))

	require.NoError(t, svc.Start(context.Background()))
	require.Equal(t, int64(1), atomic.LoadInt64(&delivered))
	require.NoError(t, svc.Stop(context.Background()))
}

func TestDeliveryService_HealthCheckReflectsBackedOffRetry(t *testing.T) {
	storage := newFakeAdapter()
	agg := newFakeAggregate("agg-delivery-2")
	h := int64(1)
	agg.Increment("req", &h, 1000)
	_, err := storage.PersistAggregatesAndOutbox(context.Background(), []aggregate.Aggregate{agg})
	require.NoError(t, err)

	alwaysFails := errors.New("down")
	ws := eventcore.NewWriteService(storage, func(ctx context.Context, batch []eventcore.WireRecord) error { return alwaysFails },
		eventcore.WithRetryTimer(eventcore.NewRetryTimer(time.Millisecond, 2, 2*time.Millisecond)))
	svc := eventcore.NewDeliveryService(ws, eventcore.WithPollInterval(time.Hour))

	startCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, svc.Start(startCtx))
	require.Error(t, svc.HealthCheck(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))
}
