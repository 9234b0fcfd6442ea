package memory_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chainledger/eventcore/pkg/eventcore"
	"github.com/chainledger/eventcore/pkg/storage/memory"
	"github.com/chainledger/eventcore/pkg/storage/sqltest"
)

func TestMemoryStore_Conformance(t *testing.T) {
	sqltest.Run(t, func(t *testing.T) eventcore.StorageAdapter {
		store, err := memory.Open(context.Background(), "")
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestMemoryStore_FlushToDurableProducesOpenableFile(t *testing.T) {
	ctx := context.Background()
	flushPath := filepath.Join(t.TempDir(), "flush.db")

	store, err := memory.Open(ctx, flushPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.EnsureAggregateTable(ctx, "agg-1"))
	require.NoError(t, store.FlushToDurable(ctx))

	info, err := os.Stat(flushPath)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestMemoryStore_FlushWithoutPathFails(t *testing.T) {
	store, err := memory.Open(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.Error(t, store.FlushToDurable(context.Background()))
}

func TestMemoryStore_InstancesDoNotShareState(t *testing.T) {
	ctx := context.Background()

	a, err := memory.Open(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	b, err := memory.Open(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, a.EnsureAggregateTable(ctx, "only-in-a"))
	rows, err := b.FetchEventsForOneAggregateRead(ctx, "only-in-a", eventcore.ReadOptions{})
	require.NoError(t, err)
	require.Empty(t, rows)
}
