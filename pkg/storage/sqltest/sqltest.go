// Package sqltest is the shared cross-backend conformance suite for every
// eventcore.StorageAdapter implementation (embedded, memory, server). The
// same suite runs against all three backends so the testable properties in
// the contract below are asserted identically regardless of which store is under test.
package sqltest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chainledger/eventcore/pkg/aggregate"
	"github.com/chainledger/eventcore/pkg/eventcore"
)

// Factory builds a fresh, empty StorageAdapter for one test case. Run calls
// it once per subtest so backends never see state bleed across cases.
type Factory func(t *testing.T) eventcore.StorageAdapter

// Run executes the full conformance suite against new(t) for every subtest.
func Run(t *testing.T, newAdapter Factory) {
	t.Run("PersistIsContiguousAndOrdered", func(t *testing.T) { testPersistContiguous(t, newAdapter) })
	t.Run("IdempotentPersistIsANoOp", func(t *testing.T) { testIdempotentPersist(t, newAdapter) })
	t.Run("OutboxIDsStrictlyIncreaseAcrossCalls", func(t *testing.T) { testOutboxIDsIncrease(t, newAdapter) })
	t.Run("DeliverAckChunkBudgetsAndAdvancesWatermark", func(t *testing.T) { testDeliverAckChunk(t, newAdapter) })
	t.Run("DeliverAckChunkRespectsTightBudget", func(t *testing.T) { testDeliverAckChunkTightBudget(t, newAdapter) })
	t.Run("DeliverFailurePreservesOutboxAndWatermark", func(t *testing.T) { testDeliverFailure(t, newAdapter) })
	t.Run("RollbackRemovesStateAbovePivotAndResetsWatermark", func(t *testing.T) { testRollback(t, newAdapter) })
	t.Run("SnapshotAndEventsRehydrateAtHeight", func(t *testing.T) { testRestoreAtHeight(t, newAdapter) })
	t.Run("PruneOldSnapshotsRetainsMinKeepAndWindow", func(t *testing.T) { testPruneRetention(t, newAdapter) })
}

func h(v int64) *int64 { return &v }

type state struct {
	Value int64 `json:"value"`
}

// fakeAggregate is the minimal aggregate used across the whole suite — the
// same shape as eventcore's own internal test double, duplicated here since
// that one is unexported to its package. Domain aggregate semantics are an
// external collaborator's concern; any aggregate implementation is
// equivalent for conformance purposes.
type fakeAggregate struct {
	id         string
	version    int64
	lastHeight *int64
	value      int64
	unsaved    []aggregate.UnsavedEvent
	retention  aggregate.SnapshotRetention
	sinceSnap  int
	snapEvery  int
}

func newFakeAggregate(id string) *fakeAggregate {
	return &fakeAggregate{id: id, retention: aggregate.SnapshotRetention{MinKeep: 2, KeepWindow: 0}, snapEvery: 1 << 30}
}

func (a *fakeAggregate) AggregateID() string                       { return a.id }
func (a *fakeAggregate) Version() int64                            { return a.version }
func (a *fakeAggregate) LastBlockHeight() *int64                   { return a.lastHeight }
func (a *fakeAggregate) AllowPruning() bool                        { return true }
func (a *fakeAggregate) GetUnsavedEvents() []aggregate.UnsavedEvent { return a.unsaved }
func (a *fakeAggregate) MarkEventsAsSaved()                        { a.unsaved = nil }
func (a *fakeAggregate) CanMakeSnapshot() bool                     { return a.sinceSnap >= a.snapEvery }
func (a *fakeAggregate) GetSnapshotRetention() aggregate.SnapshotRetention {
	return a.retention
}
func (a *fakeAggregate) ResetSnapshotCounter() { a.sinceSnap = 0 }

func (a *fakeAggregate) ToSnapshot() (string, error) {
	b, err := json.Marshal(state{Value: a.value})
	return string(b), err
}

func (a *fakeAggregate) FromSnapshot(row aggregate.SnapshotRow) error {
	var s state
	if err := json.Unmarshal(row.Payload, &s); err != nil {
		return err
	}
	a.value = s.Value
	a.version = row.Version
	height := row.BlockHeight
	a.lastHeight = &height
	return nil
}

func (a *fakeAggregate) LoadFromHistory(batch []aggregate.EventRecord) error {
	for _, rec := range batch {
		var s state
		if err := json.Unmarshal(rec.Payload, &s); err != nil {
			return err
		}
		a.value = s.Value
		a.version = rec.Version
		a.lastHeight = rec.BlockHeight
	}
	return nil
}

func (a *fakeAggregate) Increment(requestID string, height *int64, ts int64) {
	a.value++
	a.version++
	a.sinceSnap++
	a.lastHeight = height
	payload, _ := json.Marshal(state{Value: a.value})
	a.unsaved = append(a.unsaved, aggregate.UnsavedEvent{
		RequestID: requestID, Type: "incremented", Version: a.version,
		BlockHeight: height, Timestamp: ts, Payload: payload,
	})
}

func mustEnsure(t *testing.T, s eventcore.StorageAdapter, aggregateID string) {
	t.Helper()
	require.NoError(t, s.EnsureAggregateTable(context.Background(), aggregateID))
}

func testPersistContiguous(t *testing.T, newAdapter Factory) {
	s := newAdapter(t)
	ctx := context.Background()
	mustEnsure(t, s, "agg-contig")

	agg := newFakeAggregate("agg-contig")
	for i := 0; i < 5; i++ {
		height := h(int64(i + 1))
		agg.Increment("req", height, int64(1000+i))
	}

	result, err := s.PersistAggregatesAndOutbox(ctx, []aggregate.Aggregate{agg})
	require.NoError(t, err)
	require.Len(t, result.InsertedOutboxIDs, 5)
	require.Len(t, result.RawEvents, 5)

	rows, err := s.FetchEventsForOneAggregateRead(ctx, "agg-contig", eventcore.ReadOptions{OrderBy: eventcore.OrderByVersion, OrderDir: eventcore.OrderAsc})
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for i, row := range rows {
		require.Equal(t, int64(i+1), row.Version)
	}
}

func testIdempotentPersist(t *testing.T, newAdapter Factory) {
	s := newAdapter(t)
	ctx := context.Background()
	mustEnsure(t, s, "agg-idem")

	agg := newFakeAggregate("agg-idem")
	agg.Increment("req-1", h(1), 1000)
	replayPayload, _ := json.Marshal(state{Value: agg.value})

	_, err := s.PersistAggregatesAndOutbox(ctx, []aggregate.Aggregate{agg})
	require.NoError(t, err)

	// Replay the same unsaved event (simulating a retried call before
	// MarkEventsAsSaved took effect): same (version, requestId).
	agg.unsaved = []aggregate.UnsavedEvent{{
		RequestID: "req-1", Type: "incremented", Version: 1, BlockHeight: h(1), Timestamp: 1000,
		Payload: replayPayload,
	}}

	result, err := s.PersistAggregatesAndOutbox(ctx, []aggregate.Aggregate{agg})
	require.NoError(t, err)
	require.Empty(t, result.InsertedOutboxIDs)

	rows, err := s.FetchEventsForOneAggregateRead(ctx, "agg-idem", eventcore.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func testOutboxIDsIncrease(t *testing.T, newAdapter Factory) {
	s := newAdapter(t)
	ctx := context.Background()
	mustEnsure(t, s, "agg-order")

	var lastMax int64
	for call := 0; call < 3; call++ {
		agg := newFakeAggregate("agg-order")
		agg.version = int64(call)
		agg.Increment("req", h(int64(call+1)), int64(1000+call))
		result, err := s.PersistAggregatesAndOutbox(ctx, []aggregate.Aggregate{agg})
		require.NoError(t, err)
		require.Len(t, result.InsertedOutboxIDs, 1)
		require.Greater(t, result.InsertedOutboxIDs[0], lastMax)
		lastMax = result.InsertedOutboxIDs[0]
	}
}

func testDeliverAckChunk(t *testing.T, newAdapter Factory) {
	s := newAdapter(t)
	ctx := context.Background()
	mustEnsure(t, s, "agg-chunk")

	agg := newFakeAggregate("agg-chunk")
	for i := 0; i < 10; i++ {
		agg.Increment("req", h(int64(i+1)), int64(1000+i))
	}
	_, err := s.PersistAggregatesAndOutbox(ctx, []aggregate.Aggregate{agg})
	require.NoError(t, err)

	totalDelivered := 0
	for {
		delivered := 0
		n, err := s.FetchDeliverAckChunk(ctx, 1<<20, func(ctx context.Context, batch []eventcore.WireRecord) error {
			delivered = len(batch)
			return nil
		})
		require.NoError(t, err)
		if n == 0 {
			break
		}
		require.Equal(t, delivered, n)
		totalDelivered += n
	}
	require.Equal(t, 10, totalDelivered)

	pending, err := s.HasAnyPendingAfterWatermark(ctx)
	require.NoError(t, err)
	require.False(t, pending)
}

// testDeliverAckChunkTightBudget pins transportCapBytes to roughly two rows'
// worth of space, so budgeting forces several small chunks instead of one
// chunk covering the whole backlog. It pins down that every delivered chunk
// stays within cap once each row's framing overhead is counted, not just its
// payload bytes — a budget with no overhead accounting would pack all six
// small payloads into one chunk.
func testDeliverAckChunkTightBudget(t *testing.T, newAdapter Factory) {
	s := newAdapter(t)
	ctx := context.Background()
	mustEnsure(t, s, "agg-tight")

	const rowCount = 6
	agg := newFakeAggregate("agg-tight")
	for i := 0; i < rowCount; i++ {
		agg.Increment("req", h(int64(i+1)), int64(1000+i))
	}
	_, err := s.PersistAggregatesAndOutbox(ctx, []aggregate.Aggregate{agg})
	require.NoError(t, err)

	// Each event's JSON payload is about a dozen bytes; a cap of 600 bytes
	// leaves room for roughly two rows once a 256-byte overhead charge is
	// added per row, so a correctly budgeted chunk never exceeds 2 rows here.
	const tightCap = 600

	totalDelivered := 0
	chunks := 0
	for {
		delivered := 0
		n, err := s.FetchDeliverAckChunk(ctx, tightCap, func(ctx context.Context, batch []eventcore.WireRecord) error {
			delivered = len(batch)
			return nil
		})
		require.NoError(t, err)
		if n == 0 {
			break
		}
		require.Equal(t, delivered, n)
		require.LessOrEqual(t, n, 2, "tight budget should never pack more than 2 rows into one chunk")
		totalDelivered += n
		chunks++
	}
	require.Equal(t, rowCount, totalDelivered)
	require.Greater(t, chunks, 1, "a tight budget must force multiple chunks across this backlog")

	pending, err := s.HasAnyPendingAfterWatermark(ctx)
	require.NoError(t, err)
	require.False(t, pending)
}

func testDeliverFailure(t *testing.T, newAdapter Factory) {
	s := newAdapter(t)
	ctx := context.Background()
	mustEnsure(t, s, "agg-fail")

	agg := newFakeAggregate("agg-fail")
	for i := 0; i < 5; i++ {
		agg.Increment("req", h(int64(i+1)), int64(1000+i))
	}
	_, err := s.PersistAggregatesAndOutbox(ctx, []aggregate.Aggregate{agg})
	require.NoError(t, err)

	boom := errors.New("transport unavailable")
	_, err = s.FetchDeliverAckChunk(ctx, 1<<20, func(ctx context.Context, batch []eventcore.WireRecord) error {
		return boom
	})
	require.Error(t, err)

	rows, err := s.FetchEventsForOneAggregateRead(ctx, "agg-fail", eventcore.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 5)

	pending, err := s.HasAnyPendingAfterWatermark(ctx)
	require.NoError(t, err)
	require.True(t, pending)

	n, err := s.FetchDeliverAckChunk(ctx, 1<<20, func(ctx context.Context, batch []eventcore.WireRecord) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func testRollback(t *testing.T, newAdapter Factory) {
	s := newAdapter(t)
	ctx := context.Background()
	mustEnsure(t, s, "agg-rollback")

	agg := newFakeAggregate("agg-rollback")
	for i := 0; i < 10; i++ {
		agg.Increment("req", h(int64(i+1)), int64(1000+i))
	}
	_, err := s.PersistAggregatesAndOutbox(ctx, []aggregate.Aggregate{agg})
	require.NoError(t, err)
	require.NoError(t, s.CreateSnapshot(ctx, agg, 8, eventcore.SnapshotOptions{MinKeep: 2}))

	require.NoError(t, s.RollbackAggregates(ctx, []string{"agg-rollback"}, 5))

	rows, err := s.FetchEventsForOneAggregateRead(ctx, "agg-rollback", eventcore.ReadOptions{})
	require.NoError(t, err)
	for _, row := range rows {
		require.LessOrEqual(t, row.BlockHeight, int64(5))
	}

	snap, err := s.FindLatestSnapshot(ctx, "agg-rollback")
	require.NoError(t, err)
	require.Nil(t, snap)

	pending, err := s.HasAnyPendingAfterWatermark(ctx)
	require.NoError(t, err)
	require.False(t, pending)
}

func testRestoreAtHeight(t *testing.T, newAdapter Factory) {
	s := newAdapter(t)
	ctx := context.Background()
	mustEnsure(t, s, "agg-restore")

	agg := newFakeAggregate("agg-restore")
	for i := 0; i < 10; i++ {
		agg.Increment("req", h(int64(i+1)), int64(1000+i))
	}
	_, err := s.PersistAggregatesAndOutbox(ctx, []aggregate.Aggregate{agg})
	require.NoError(t, err)
	require.NoError(t, s.CreateSnapshot(ctx, agg, 10, eventcore.SnapshotOptions{MinKeep: 2}))

	restored := newFakeAggregate("agg-restore")
	require.NoError(t, s.RestoreExactStateAtHeight(ctx, restored, 6))
	require.Equal(t, int64(6), restored.Version())
	require.Equal(t, int64(6), restored.value)

	latest := newFakeAggregate("agg-restore")
	require.NoError(t, s.RestoreExactStateLatest(ctx, latest))
	require.Equal(t, int64(10), latest.Version())
}

func testPruneRetention(t *testing.T, newAdapter Factory) {
	s := newAdapter(t)
	ctx := context.Background()
	mustEnsure(t, s, "agg-prune")

	agg := newFakeAggregate("agg-prune")
	for height := int64(1); height <= 10; height++ {
		agg.Increment("req", &height, height*100)
		_, err := s.PersistAggregatesAndOutbox(ctx, []aggregate.Aggregate{agg})
		require.NoError(t, err)
		require.NoError(t, s.CreateSnapshot(ctx, agg, height, eventcore.SnapshotOptions{MinKeep: 2, KeepWindow: 3}))
	}

	require.NoError(t, s.PruneOldSnapshots(ctx, "agg-prune", 10, aggregate.SnapshotRetention{MinKeep: 2, KeepWindow: 3}))

	snap, err := s.FindLatestSnapshotBeforeHeight(ctx, "agg-prune", 7)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.GreaterOrEqual(t, snap.BlockHeight, int64(7)) // kept by the window (height >= 10-3)
}
