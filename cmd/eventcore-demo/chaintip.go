package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chainledger/eventcore/pkg/aggregate"
)

// chainTip is a toy aggregate tracking the hash at the tip of a chain, the
// kind of state a block ingestion pipeline keeps per tracked chain. It
// exists only to exercise the write/read/rollback services end to end; real
// aggregate semantics are an external collaborator per the storage engine's
// own design (domain logic is explicitly out of scope for pkg/aggregate).
type chainTip struct {
	id         string
	version    int64
	lastHeight *int64
	hash       string

	unsaved       []aggregate.UnsavedEvent
	eventsSinceSnapshot int
}

func newChainTip(id string) *chainTip {
	return &chainTip{id: id}
}

func (c *chainTip) AggregateID() string            { return c.id }
func (c *chainTip) Version() int64                 { return c.version }
func (c *chainTip) LastBlockHeight() *int64         { return c.lastHeight }
func (c *chainTip) AllowPruning() bool              { return true }
func (c *chainTip) GetUnsavedEvents() []aggregate.UnsavedEvent { return c.unsaved }
func (c *chainTip) MarkEventsAsSaved()              { c.unsaved = nil }

// CanMakeSnapshot snapshots every other block, arbitrary but small enough to
// exercise pruning in a three-block demo run.
func (c *chainTip) CanMakeSnapshot() bool { return c.eventsSinceSnapshot >= 2 }

func (c *chainTip) GetSnapshotRetention() aggregate.SnapshotRetention {
	return aggregate.SnapshotRetention{MinKeep: 1, KeepWindow: 0}
}

func (c *chainTip) ResetSnapshotCounter() { c.eventsSinceSnapshot = 0 }

type chainTipState struct {
	Hash string `json:"hash"`
}

func (c *chainTip) ToSnapshot() (string, error) {
	b, err := json.Marshal(chainTipState{Hash: c.hash})
	return string(b), err
}

func (c *chainTip) FromSnapshot(row aggregate.SnapshotRow) error {
	var s chainTipState
	if err := json.Unmarshal(row.Payload, &s); err != nil {
		return fmt.Errorf("chainTip: decode snapshot: %w", err)
	}
	c.hash = s.Hash
	c.version = row.Version
	height := row.BlockHeight
	c.lastHeight = &height
	return nil
}

func (c *chainTip) LoadFromHistory(batch []aggregate.EventRecord) error {
	for _, rec := range batch {
		var s chainTipState
		if err := json.Unmarshal(rec.Payload, &s); err != nil {
			return fmt.Errorf("chainTip: decode event %d: %w", rec.ID, err)
		}
		c.hash = s.Hash
		c.version = rec.Version
		c.lastHeight = rec.BlockHeight
	}
	return nil
}

// Advance appends an unsaved "block-connected" event moving the tip to height/hash.
func (c *chainTip) Advance(requestID string, height int64, hash string) {
	c.hash = hash
	c.version++
	c.eventsSinceSnapshot++
	c.lastHeight = &height
	payload, _ := json.Marshal(chainTipState{Hash: hash})
	c.unsaved = append(c.unsaved, aggregate.UnsavedEvent{
		RequestID:   requestID,
		Type:        "block_connected",
		Version:     c.version,
		BlockHeight: &height,
		Timestamp:   time.Now().UnixMicro(),
		Payload:     payload,
	})
}
