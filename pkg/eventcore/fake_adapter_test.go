package eventcore_test

import (
	"context"
	"sync"

	"github.com/chainledger/eventcore/pkg/aggregate"
	"github.com/chainledger/eventcore/pkg/eventcore"
)

// fakeAdapter is a minimal in-memory StorageAdapter stand-in used to test
// WriteService/ReadService/RollbackService orchestration in isolation from
// any real backend (backend conformance lives in pkg/storage/sqltest).
type fakeAdapter struct {
	mu         sync.Mutex
	nextID     int64
	outbox     []eventcore.WireRecord
	outboxIDs  []int64
	watermark  int64
	events     map[string][]aggregate.EventRecord
	snapshots  map[string]aggregate.SnapshotRow
	deliverErr error
	deliverN   int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		events:    make(map[string][]aggregate.EventRecord),
		snapshots: make(map[string]aggregate.SnapshotRow),
	}
}

func (f *fakeAdapter) EnsureAggregateTable(ctx context.Context, aggregateID string) error { return nil }

func (f *fakeAdapter) PersistAggregatesAndOutbox(ctx context.Context, aggregates []aggregate.Aggregate) (eventcore.PersistResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result eventcore.PersistResult
	for _, agg := range aggregates {
		for _, evt := range agg.GetUnsavedEvents() {
			f.nextID++
			id := f.nextID
			rec := aggregate.EventRecord{
				ID: id, AggregateID: agg.AggregateID(), Version: evt.Version,
				RequestID: evt.RequestID, Type: evt.Type, Payload: evt.Payload,
				BlockHeight: evt.BlockHeight, Timestamp: evt.Timestamp,
			}
			f.events[agg.AggregateID()] = append(f.events[agg.AggregateID()], rec)

			wr := eventcore.WireRecord{
				ModelName: agg.AggregateID(), EventType: evt.Type, EventVersion: evt.Version,
				RequestID: evt.RequestID, BlockHeight: heightOrSentinel(evt.BlockHeight),
				Payload: string(evt.Payload), Timestamp: evt.Timestamp,
			}
			f.outbox = append(f.outbox, wr)
			f.outboxIDs = append(f.outboxIDs, id)
			result.InsertedOutboxIDs = append(result.InsertedOutboxIDs, id)
			result.RawEvents = append(result.RawEvents, wr)
			if result.FirstID == 0 || id < result.FirstID {
				result.FirstID, result.FirstTs = id, evt.Timestamp
			}
			if id > result.LastID {
				result.LastID, result.LastTs = id, evt.Timestamp
			}
		}
		agg.MarkEventsAsSaved()
	}
	return result, nil
}

func heightOrSentinel(h *int64) int64 {
	if h == nil {
		return -1
	}
	return *h
}

func (f *fakeAdapter) DeleteOutboxByIDs(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	toDelete := make(map[int64]bool, len(ids))
	for _, id := range ids {
		toDelete[id] = true
	}
	var keptOutbox []eventcore.WireRecord
	var keptIDs []int64
	for i, id := range f.outboxIDs {
		if toDelete[id] {
			continue
		}
		keptIDs = append(keptIDs, id)
		keptOutbox = append(keptOutbox, f.outbox[i])
	}
	f.outbox, f.outboxIDs = keptOutbox, keptIDs
	return nil
}

func (f *fakeAdapter) HasBacklogBefore(ctx context.Context, ts int64, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.outboxIDs {
		if existing < id {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAdapter) HasAnyPendingAfterWatermark(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.outboxIDs {
		if id > f.watermark {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAdapter) FetchDeliverAckChunk(ctx context.Context, capBytes int, deliver eventcore.DeliverFunc) (int, error) {
	f.mu.Lock()
	if f.deliverErr != nil {
		f.deliverN++
		if f.deliverN <= 1 {
			err := f.deliverErr
			f.mu.Unlock()
			return 0, err
		}
	}
	if len(f.outbox) == 0 {
		f.mu.Unlock()
		return 0, nil
	}
	batch := append([]eventcore.WireRecord(nil), f.outbox...)
	ids := append([]int64(nil), f.outboxIDs...)
	f.mu.Unlock()

	if err := deliver(ctx, batch); err != nil {
		return 0, err
	}

	f.mu.Lock()
	f.outbox = nil
	f.outboxIDs = nil
	if len(ids) > 0 {
		f.watermark = ids[len(ids)-1]
	}
	f.mu.Unlock()
	return len(batch), nil
}

func (f *fakeAdapter) RollbackAggregates(ctx context.Context, aggregateIDs []string, blockHeight int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range aggregateIDs {
		var kept []aggregate.EventRecord
		for _, rec := range f.events[id] {
			if rec.BlockHeight != nil && *rec.BlockHeight > blockHeight {
				continue
			}
			kept = append(kept, rec)
		}
		f.events[id] = kept
	}
	f.watermark = 0
	return nil
}

func (f *fakeAdapter) ApplyEventsToAggregate(ctx context.Context, model aggregate.Aggregate, opts eventcore.ApplyOptions) error {
	f.mu.Lock()
	recs := append([]aggregate.EventRecord(nil), f.events[model.AggregateID()]...)
	f.mu.Unlock()

	var batch []aggregate.EventRecord
	for _, rec := range recs {
		if rec.Version <= opts.LastVersion {
			continue
		}
		batch = append(batch, rec)
	}
	if len(batch) == 0 {
		return nil
	}
	return model.LoadFromHistory(batch)
}

func (f *fakeAdapter) CreateSnapshot(ctx context.Context, model aggregate.Aggregate, height int64, opts eventcore.SnapshotOptions) error {
	raw, err := model.ToSnapshot()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[model.AggregateID()] = aggregate.SnapshotRow{
		AggregateID: model.AggregateID(), BlockHeight: height, Version: model.Version(), Payload: []byte(raw),
	}
	return nil
}

func (f *fakeAdapter) FindLatestSnapshot(ctx context.Context, aggregateID string) (*aggregate.SnapshotRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.snapshots[aggregateID]; ok {
		return &row, nil
	}
	return nil, nil
}

func (f *fakeAdapter) FindLatestSnapshotBeforeHeight(ctx context.Context, aggregateID string, height int64) (*aggregate.SnapshotRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.snapshots[aggregateID]; ok && row.BlockHeight <= height {
		return &row, nil
	}
	return nil, nil
}

func (f *fakeAdapter) RestoreExactStateAtHeight(ctx context.Context, model aggregate.Aggregate, height int64) error {
	snap, err := f.FindLatestSnapshotBeforeHeight(ctx, model.AggregateID(), height)
	if err != nil {
		return err
	}
	lastVersion := int64(0)
	if snap != nil {
		if err := model.FromSnapshot(*snap); err != nil {
			return err
		}
		lastVersion = snap.Version
	}
	h := height
	return f.ApplyEventsToAggregate(ctx, model, eventcore.ApplyOptions{BlockHeight: &h, LastVersion: lastVersion})
}

func (f *fakeAdapter) RestoreExactStateLatest(ctx context.Context, model aggregate.Aggregate) error {
	snap, err := f.FindLatestSnapshot(ctx, model.AggregateID())
	if err != nil {
		return err
	}
	lastVersion := int64(0)
	if snap != nil {
		if err := model.FromSnapshot(*snap); err != nil {
			return err
		}
		lastVersion = snap.Version
	}
	return f.ApplyEventsToAggregate(ctx, model, eventcore.ApplyOptions{LastVersion: lastVersion})
}

func (f *fakeAdapter) PruneOldSnapshots(ctx context.Context, aggregateID string, currentHeight int64, retention aggregate.SnapshotRetention) error {
	return nil
}

func (f *fakeAdapter) FetchEventsForOneAggregateRead(ctx context.Context, aggregateID string, opts eventcore.ReadOptions) ([]eventcore.ReadEventRow, error) {
	return nil, eventcore.ErrUnsupported
}

func (f *fakeAdapter) FetchEventsForManyAggregatesRead(ctx context.Context, aggregateIDs []string, opts eventcore.ReadOptions) ([]eventcore.ReadEventRow, error) {
	return nil, eventcore.ErrUnsupported
}

func (f *fakeAdapter) StreamEventsForOneAggregateRead(ctx context.Context, aggregateID string, opts eventcore.ReadOptions) (eventcore.EventStream, error) {
	return nil, eventcore.ErrUnsupported
}

func (f *fakeAdapter) GetOneModelByHeightRead(ctx context.Context, model aggregate.Aggregate, height int64) (eventcore.ModelSnapshotView, error) {
	if err := f.RestoreExactStateAtHeight(ctx, model, height); err != nil {
		return eventcore.ModelSnapshotView{}, err
	}
	raw, err := model.ToSnapshot()
	if err != nil {
		return eventcore.ModelSnapshotView{}, err
	}
	return eventcore.ModelSnapshotView{AggregateID: model.AggregateID(), BlockHeight: height, Version: model.Version(), Payload: raw}, nil
}

func (f *fakeAdapter) GetManyModelsByHeightRead(ctx context.Context, models []aggregate.Aggregate, height int64) ([]eventcore.ModelSnapshotView, error) {
	var out []eventcore.ModelSnapshotView
	for _, m := range models {
		v, err := f.GetOneModelByHeightRead(ctx, m, height)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeAdapter) Close() error { return nil }

var _ eventcore.StorageAdapter = (*fakeAdapter)(nil)
