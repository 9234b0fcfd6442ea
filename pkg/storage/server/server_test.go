package server_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chainledger/eventcore/pkg/eventcore"
	"github.com/chainledger/eventcore/pkg/storage/server"
	"github.com/chainledger/eventcore/pkg/storage/sqltest"
)

// connStringEnv names the environment variable pointing at a disposable
// PostgreSQL instance. The server backend needs a real network database, so
// unlike embedded/memory it cannot run against an ephemeral file or
// in-process engine; CI wires this to a docker-compose postgres service.
const connStringEnv = "EVENTCORE_POSTGRES_DSN"

func requireConnString(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv(connStringEnv)
	if dsn == "" {
		t.Skipf("set %s to run server backend conformance tests against a real PostgreSQL instance", connStringEnv)
	}
	return dsn
}

func TestServerStore_Conformance(t *testing.T) {
	dsn := requireConnString(t)

	sqltest.Run(t, func(t *testing.T) eventcore.StorageAdapter {
		store, err := server.Open(context.Background(), dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}
