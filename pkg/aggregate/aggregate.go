// Package aggregate defines the capability set an aggregate must expose to
// the storage engine. Domain aggregate semantics — how an event mutates
// state, what a snapshot payload looks like — are an external collaborator's
// concern; this package specifies only the surface the engine calls.
package aggregate

// UnsavedEvent is one event produced by an aggregate but not yet persisted.
// The payload has already been serialized by the aggregate.
type UnsavedEvent struct {
	RequestID   string
	Type        string
	Version     int64
	BlockHeight *int64 // nil == absent (mempool / not yet finalized)
	Timestamp   int64  // microseconds since epoch, event origin time
	Payload     []byte // JSON UTF-8, uncompressed; the adapter decides on compression
}

// SnapshotRetention is the pair of knobs an aggregate declares for its own
// snapshot pruning policy.
type SnapshotRetention struct {
	MinKeep    int64
	KeepWindow int64 // 0 disables the window
}

// SnapshotRow is what a snapshot read returns to an aggregate being restored.
type SnapshotRow struct {
	AggregateID string
	BlockHeight int64
	Version     int64
	Payload     []byte // JSON, already decompressed
	CreatedAt   int64
}

// Aggregate is the capability set the storage engine requires. A concrete
// aggregate embeds whatever base type it likes, as long as it satisfies this
// interface; the engine never inspects aggregate-specific fields.
type Aggregate interface {
	// AggregateID identifies the event table / outbox partition this
	// aggregate's events belong to.
	AggregateID() string

	// Version is the aggregate's current (highest-applied) version.
	Version() int64

	// LastBlockHeight is the height of the most recently applied event, or
	// nil if the aggregate has never observed a finalized event.
	LastBlockHeight() *int64

	// AllowPruning reports whether this aggregate opts into snapshot
	// retention pruning after a new snapshot is created.
	AllowPruning() bool

	// GetUnsavedEvents returns events produced since the last MarkEventsAsSaved.
	GetUnsavedEvents() []UnsavedEvent

	// MarkEventsAsSaved clears the unsaved-events buffer after a successful commit.
	MarkEventsAsSaved()

	// LoadFromHistory applies a batch of previously-persisted events, in
	// version order, to reconstruct aggregate state.
	LoadFromHistory(batch []EventRecord) error

	// ToSnapshot serializes current aggregate state to a JSON string.
	ToSnapshot() (string, error)

	// FromSnapshot restores aggregate state from a previously persisted snapshot row.
	FromSnapshot(row SnapshotRow) error

	// CanMakeSnapshot reports whether the aggregate currently signals
	// snapshot eligibility (e.g. N events since the last snapshot).
	CanMakeSnapshot() bool

	// GetSnapshotRetention returns this aggregate's pruning policy.
	GetSnapshotRetention() SnapshotRetention

	// ResetSnapshotCounter is called after a snapshot is persisted so the
	// aggregate can reset whatever internal counter drives CanMakeSnapshot.
	ResetSnapshotCounter()
}

// EventRecord is a persisted event as read back from storage: payload is
// already decompressed JSON, and an absent blockHeight is flagged explicitly
// rather than encoded as a sentinel, unlike the wire record in pkg/eventcore.
type EventRecord struct {
	ID          int64
	AggregateID string
	Version     int64
	RequestID   string
	Type        string
	Payload     []byte
	BlockHeight *int64
	Timestamp   int64
}
