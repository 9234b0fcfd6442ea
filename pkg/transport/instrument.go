package transport

import (
	"context"

	"github.com/chainledger/eventcore/pkg/eventcore"
	"github.com/chainledger/eventcore/pkg/observability"
)

// instrumented wraps a Publisher with tracing spans and delivery metrics via
// observability.TransportMiddleware.
type instrumented struct {
	Publisher
	subject string
	mw      *observability.TransportMiddleware
}

// Instrument wraps pub so every DeliverBatch call gets a span and delivery
// metrics recorded against tel (see observability.TransportMiddleware).
// subject is the attribute value recorded on the span and metrics; it need
// not match the transport's actual wire subject.
func Instrument(pub Publisher, tel *observability.Telemetry, subject string) Publisher {
	return &instrumented{Publisher: pub, subject: subject, mw: observability.NewTransportMiddleware(tel)}
}

func (p *instrumented) DeliverBatch(ctx context.Context, batch []eventcore.WireRecord) error {
	byteCount := 0
	for _, rec := range batch {
		byteCount += len(rec.Payload)
	}
	return p.mw.WrapDeliver(ctx, p.subject, len(batch), byteCount, func(ctx context.Context) error {
		return p.Publisher.DeliverBatch(ctx, batch)
	})
}
