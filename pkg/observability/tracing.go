package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys shared by metrics and the transport middleware.
var (
	AttrAggregateType = attribute.Key("aggregate.type")
	AttrOperation     = attribute.Key("repository.operation")
	AttrEventCount    = attribute.Key("event.count")
	AttrErrorType     = attribute.Key("error.type")
	AttrErrorCode     = attribute.Key("error.code")
)

// ErrorAttrs returns common error attributes for a span or log record.
func ErrorAttrs(err error, code string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrErrorType.String(fmt.Sprintf("%T", err)),
	}
	if code != "" {
		attrs = append(attrs, AttrErrorCode.String(code))
	}
	return attrs
}
