package embedded_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chainledger/eventcore/pkg/eventcore"
	"github.com/chainledger/eventcore/pkg/storage/embedded"
	"github.com/chainledger/eventcore/pkg/storage/sqltest"
)

func TestEmbeddedStore_Conformance(t *testing.T) {
	sqltest.Run(t, func(t *testing.T) eventcore.StorageAdapter {
		path := filepath.Join(t.TempDir(), "eventcore.db")
		store, err := embedded.Open(context.Background(), path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestEmbeddedStore_OpenIsIdempotentAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventcore.db")
	ctx := context.Background()

	store, err := embedded.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.EnsureAggregateTable(ctx, "agg-1"))
	require.NoError(t, store.Close())

	reopened, err := embedded.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	require.NoError(t, reopened.EnsureAggregateTable(ctx, "agg-1"))
}
