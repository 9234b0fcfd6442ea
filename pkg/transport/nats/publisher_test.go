package nats_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chainledger/eventcore/pkg/eventcore"
	natstransport "github.com/chainledger/eventcore/pkg/transport/nats"
)

func TestPublisher_DeliverBatch(t *testing.T) {
	srv, err := natstransport.StartEmbeddedServer()
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	var received int
	stop, err := srv.Responder(natstransport.DefaultSubject, func(data []byte) []byte {
		var env struct {
			Events []eventcore.WireRecord `json:"events"`
		}
		require.NoError(t, json.Unmarshal(data, &env))
		received = len(env.Events)
		reply, _ := json.Marshal(map[string]any{"ok": true})
		return reply
	})
	require.NoError(t, err)
	t.Cleanup(stop)

	pub, err := natstransport.Connect(srv.URL())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	batch := []eventcore.WireRecord{
		{ModelName: "agg-1", EventType: "Deposited", EventVersion: 1, RequestID: "req-1", BlockHeight: 1, Payload: `{"x":1}`, Timestamp: 100},
		{ModelName: "agg-1", EventType: "Withdrawn", EventVersion: 2, RequestID: "req-2", BlockHeight: 2, Payload: `{"x":2}`, Timestamp: 200},
	}

	require.NoError(t, pub.DeliverBatch(context.Background(), batch))
	require.Equal(t, 2, received)
}

func TestPublisher_DeliverBatch_Nack(t *testing.T) {
	srv, err := natstransport.StartEmbeddedServer()
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	stop, err := srv.Responder(natstransport.DefaultSubject, func(data []byte) []byte {
		reply, _ := json.Marshal(map[string]any{"ok": false, "error": "downstream unavailable"})
		return reply
	})
	require.NoError(t, err)
	t.Cleanup(stop)

	pub, err := natstransport.Connect(srv.URL())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	err = pub.DeliverBatch(context.Background(), []eventcore.WireRecord{{ModelName: "agg-1", Payload: "{}"}})
	require.Error(t, err)
}
