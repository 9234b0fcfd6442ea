package eventcore

import "errors"

// Error taxonomy. Idempotency conflicts are swallowed by the
// storage adapter and never reach these sentinels; everything below is what
// a caller of WriteService / ReadService / StorageAdapter can actually see.
var (
	// ErrAggregateNotFound is returned when an aggregate has no persisted events.
	ErrAggregateNotFound = errors.New("eventcore: aggregate not found")

	// ErrSnapshotNotFound is returned when no snapshot matches the request.
	ErrSnapshotNotFound = errors.New("eventcore: snapshot not found")

	// ErrInvariantViolation flags a synchronous, non-recoverable write failure:
	// missing requestId, missing timestamp, missing blockHeight where required,
	// or an absent aggregateId.
	ErrInvariantViolation = errors.New("eventcore: invariant violation")

	// ErrTransient wraps a transient storage failure (deadlock, busy/locked,
	// connection reset). The caller's transaction has already been rolled
	// back; for delivery, the retry timer will resume drains.
	ErrTransient = errors.New("eventcore: transient storage failure")

	// ErrPermanent wraps a non-recoverable storage failure (missing schema,
	// an integrity violation other than the idempotency cases).
	ErrPermanent = errors.New("eventcore: permanent storage failure")

	// ErrDeliveryFailed wraps a transport failure during deliver(batch). The
	// watermark was not advanced and the outbox rows remain; at-least-once
	// is preserved.
	ErrDeliveryFailed = errors.New("eventcore: delivery failed")

	// ErrUnsupported is returned by backend operations that a given storage
	// adapter deliberately does not implement (e.g. cursor streaming on the
	// embedded/in-memory backends).
	ErrUnsupported = errors.New("eventcore: unsupported by this backend")

	// ErrClosed is returned once a service's underlying resources have been torn down.
	ErrClosed = errors.New("eventcore: closed")
)
