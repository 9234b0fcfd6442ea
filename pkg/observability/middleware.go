package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TransportMiddleware provides observability for outbox delivery over a transport.Publisher.
//
// The write, read, and rollback services record their own metrics directly
// (see WithWriteMetrics, WithReadMetrics, WithRollbackMetrics in pkg/eventcore)
// since they already take functional options for every other cross-cutting
// concern; TransportMiddleware instruments the process boundary a
// transport.Publisher crosses, adding a span per delivery. WithWriteMetrics
// also records deliver metrics (under subject "outbox"), so with both
// configured each delivery is counted once by each.
type TransportMiddleware struct {
	tel *Telemetry
}

// NewTransportMiddleware creates a new transport middleware.
func NewTransportMiddleware(tel *Telemetry) *TransportMiddleware {
	return &TransportMiddleware{tel: tel}
}

// WrapDeliver wraps a DeliverBatch call with a span and NATS-style delivery metrics.
func (m *TransportMiddleware) WrapDeliver(ctx context.Context, subject string, recordCount, byteCount int, operation func(context.Context) error) error {
	tracer := m.tel.Tracer("eventcore.transport")

	attrs := append([]attribute.KeyValue{
		attribute.String("messaging.system", "nats"),
		attribute.String("messaging.destination", subject),
		attribute.String("messaging.operation", "publish"),
	}, AttrOperation.String("deliver"), AttrEventCount.Int(recordCount))

	ctx, span := tracer.Start(ctx, subject,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	start := time.Now()
	err := operation(ctx)
	duration := time.Since(start)

	if m.tel.Metrics != nil {
		m.tel.Metrics.RecordDeliver(ctx, subject, duration, recordCount, byteCount, err)
	}

	if err != nil {
		span.SetAttributes(ErrorAttrs(err, "")...)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.Float64("duration_ms", float64(duration.Milliseconds())))

	return err
}
