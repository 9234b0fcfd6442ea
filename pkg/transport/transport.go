// Package transport defines the call contract between the outbox delivery
// engine and whatever wire protocol actually moves events to an external
// subscriber; the wire format itself is deliberately left to each
// implementation. Only the NATS implementation under pkg/transport/nats is
// concrete here; anything satisfying Publisher works.
package transport

import (
	"context"

	"github.com/chainledger/eventcore/pkg/eventcore"
)

// Publisher delivers a batch of wire records and waits for the transport's
// own single acknowledgement of the whole batch. A Publisher's DeliverBatch
// method is eventcore.DeliverFunc-shaped so it can be passed straight to
// eventcore.NewWriteService.
type Publisher interface {
	DeliverBatch(ctx context.Context, batch []eventcore.WireRecord) error
	Close() error
}
