package eventcore_test

import (
	"encoding/json"
	"fmt"

	"github.com/chainledger/eventcore/pkg/aggregate"
)

// fakeAggregate is a minimal counter aggregate used to exercise
// WriteService/ReadService/RollbackService without any domain-specific
// dependency.
type fakeAggregate struct {
	id          string
	version     int64
	lastHeight  *int64
	value       int64
	unsaved     []aggregate.UnsavedEvent
	retention   aggregate.SnapshotRetention
	sinceSnap   int
	snapEvery   int
}

func newFakeAggregate(id string) *fakeAggregate {
	return &fakeAggregate{id: id, retention: aggregate.SnapshotRetention{MinKeep: 2, KeepWindow: 0}, snapEvery: 3}
}

func (a *fakeAggregate) AggregateID() string        { return a.id }
func (a *fakeAggregate) Version() int64              { return a.version }
func (a *fakeAggregate) LastBlockHeight() *int64     { return a.lastHeight }
func (a *fakeAggregate) AllowPruning() bool          { return true }
func (a *fakeAggregate) GetUnsavedEvents() []aggregate.UnsavedEvent { return a.unsaved }
func (a *fakeAggregate) MarkEventsAsSaved()          { a.unsaved = nil }
func (a *fakeAggregate) CanMakeSnapshot() bool        { return a.sinceSnap >= a.snapEvery }
func (a *fakeAggregate) GetSnapshotRetention() aggregate.SnapshotRetention { return a.retention }
func (a *fakeAggregate) ResetSnapshotCounter()        { a.sinceSnap = 0 }

type fakeState struct {
	Value int64 `json:"value"`
}

func (a *fakeAggregate) ToSnapshot() (string, error) {
	b, err := json.Marshal(fakeState{Value: a.value})
	return string(b), err
}

func (a *fakeAggregate) FromSnapshot(row aggregate.SnapshotRow) error {
	var s fakeState
	if err := json.Unmarshal(row.Payload, &s); err != nil {
		return err
	}
	a.value = s.Value
	a.version = row.Version
	a.lastHeight = &row.BlockHeight
	return nil
}

func (a *fakeAggregate) LoadFromHistory(batch []aggregate.EventRecord) error {
	for _, rec := range batch {
		var s fakeState
		if err := json.Unmarshal(rec.Payload, &s); err != nil {
			return fmt.Errorf("fakeAggregate: decode event: %w", err)
		}
		a.value = s.Value
		a.version = rec.Version
		a.lastHeight = rec.BlockHeight
	}
	return nil
}

// Increment appends an unsaved increment event, the only "command" this fake domain supports.
func (a *fakeAggregate) Increment(requestID string, height *int64, ts int64) {
	a.value++
	a.version++
	a.sinceSnap++
	a.lastHeight = height
	payload, _ := json.Marshal(fakeState{Value: a.value})
	a.unsaved = append(a.unsaved, aggregate.UnsavedEvent{
		RequestID: requestID, Type: "incremented", Version: a.version,
		BlockHeight: height, Timestamp: ts, Payload: payload,
	})
}
