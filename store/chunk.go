// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"

	"github.com/bureau-foundation/timeline/event"
	"github.com/bureau-foundation/timeline/lib/ref"
)

// ChunkID identifies a chunk within the store's arena. IDs are
// assigned from a store-wide counter and never reused.
type ChunkID int64

// StoredEvent is an event plus the chunk-local bookkeeping stamped at
// insertion time. The embedded Event is immutable except for local
// echo reconciliation (ID swap) and redaction (content prune), both of
// which happen under the room write lock.
type StoredEvent struct {
	event.Event

	// StateIndex is the room-state counter value at this event's
	// position. Events in the forward numbering region have positive
	// indexes, events paginated backward from the zero point have
	// non-positive ones. Used to answer "what was the room state at
	// this event" without replaying history.
	StateIndex int

	// DisplayIndex is the chunk-relative position in the unified
	// chronological sequence. Forward inserts grow it, backward
	// inserts shrink it.
	DisplayIndex int

	// ContentState tracks the decryption lifecycle of the content.
	ContentState event.ContentState

	// UTDReason is set when ContentState is ContentUTD.
	UTDReason event.UTDReason
}

// Chunk is an ordered, contiguous run of events bounded by pagination
// tokens. Events are kept in chronological order, oldest first.
//
// A nil NextToken combined with IsLast marks the live edge of the
// room. A nil PrevToken marks the start of history. IsUnlinked marks a
// chunk not yet connected to the room's main chain (a permalink
// context fetch that hasn't been merged into history).
type Chunk struct {
	ID     ChunkID
	RoomID ref.RoomID

	PrevToken  *string
	NextToken  *string
	IsLast     bool
	IsUnlinked bool

	events []*StoredEvent
	byID   map[ref.EventID]*StoredEvent

	// State-index counters, one per direction, growing from an
	// arbitrary zero point. forwardStateIndex is the last index
	// assigned by a forward insert; backwardStateIndex by a backward
	// insert.
	forwardStateIndex  int
	backwardStateIndex int

	maxDisplayIndex int
	minDisplayIndex int
}

func newChunk(id ChunkID, roomID ref.RoomID) *Chunk {
	return &Chunk{
		ID:     id,
		RoomID: roomID,
		byID:   make(map[ref.EventID]*StoredEvent),
	}
}

// Len returns the number of events in the chunk.
func (c *Chunk) Len() int { return len(c.events) }

// Contains reports whether the chunk holds the given event ID. This is
// the fast membership test that every add goes through.
func (c *Chunk) Contains(eventID ref.EventID) bool {
	_, ok := c.byID[eventID]
	return ok
}

// Get returns the stored event with the given ID, or nil.
func (c *Chunk) Get(eventID ref.EventID) *StoredEvent {
	return c.byID[eventID]
}

// Events returns the chunk's events in chronological order. The slice
// is shared — callers must not mutate it. Snapshot paths copy.
func (c *Chunk) Events() []*StoredEvent { return c.events }

// LastStateIndex returns the most recently assigned state-index
// counter for the given direction (zero if no insert in that
// direction has touched it yet).
func (c *Chunk) LastStateIndex(direction Direction) int {
	if direction == Forwards {
		return c.forwardStateIndex
	}
	return c.backwardStateIndex
}

// Add inserts an event into the chunk in the given direction. Forward
// inserts append (newer events), backward inserts prepend (older
// events). Returns false without mutating anything if the event ID is
// already present.
//
// State-index stamping: a forward insert of a state event increments
// the forward counter before stamping. A backward insert decrements
// the backward counter when the previously inserted event — the one
// that chronologically follows the new event — is a state event. The
// asymmetry is deliberate: the index records the state applicable AT
// an event's position, and a state event's own change takes effect at
// its position going forward.
func (c *Chunk) Add(e event.Event, direction Direction) bool {
	if c.Contains(e.EventID) {
		return false
	}

	stored := &StoredEvent{Event: e}
	if e.Type == ref.TypeEncrypted {
		stored.ContentState = event.ContentEncrypted
	}

	if direction == Forwards {
		if e.IsState() {
			c.forwardStateIndex++
		}
		stored.StateIndex = c.forwardStateIndex
		if len(c.events) == 0 {
			stored.DisplayIndex = 0
			c.minDisplayIndex = 0
		} else {
			stored.DisplayIndex = c.maxDisplayIndex + 1
		}
		c.maxDisplayIndex = stored.DisplayIndex
		c.events = append(c.events, stored)
	} else {
		if len(c.events) > 0 && c.events[0].IsState() {
			c.backwardStateIndex--
		}
		stored.StateIndex = c.backwardStateIndex
		if len(c.events) == 0 {
			stored.DisplayIndex = 0
			c.maxDisplayIndex = 0
		} else {
			stored.DisplayIndex = c.minDisplayIndex - 1
		}
		c.minDisplayIndex = stored.DisplayIndex
		c.events = append([]*StoredEvent{stored}, c.events...)
	}

	c.byID[e.EventID] = stored
	return true
}

// AddAll applies Add for each event in the supplied order. Returns the
// number of events actually inserted (duplicates skipped).
func (c *Chunk) AddAll(events []event.Event, direction Direction) int {
	added := 0
	for _, e := range events {
		if c.Add(e, direction) {
			added++
		}
	}
	return added
}

// stateIndexBounds returns the smallest and largest state index
// stamped on the chunk's events. Only meaningful for non-empty chunks.
func (c *Chunk) stateIndexBounds() (min, max int) {
	min = c.events[0].StateIndex
	max = c.events[len(c.events)-1].StateIndex
	return min, max
}

// Merge concatenates other's events onto c in the position implied by
// direction: a backward merge prepends other's events before c's (other
// is the older chunk), a forward merge appends them after (other is
// newer). Pagination tokens are re-linked so the merged chunk spans
// both token ranges, and IsUnlinked survives only if both inputs were
// unlinked (linking wins).
//
// Merging chunks from different rooms, chunks whose boundary tokens do
// not match, or chunks sharing an event ID is a programming error:
// Merge returns an error and mutates nothing. Callers treat that error
// as fatal — it means the merge logic upstream is broken, not that the
// input was bad.
func (c *Chunk) Merge(other *Chunk, direction Direction) error {
	if other.RoomID != c.RoomID {
		return fmt.Errorf("store: merging chunks from different rooms (%s, %s)", c.RoomID, other.RoomID)
	}
	var boundaryA, boundaryB *string
	if direction == Backwards {
		boundaryA, boundaryB = c.PrevToken, other.NextToken
	} else {
		boundaryA, boundaryB = c.NextToken, other.PrevToken
	}
	if boundaryA == nil || boundaryB == nil || *boundaryA != *boundaryB {
		return fmt.Errorf("store: token mismatch merging chunk %d into %d (%s)",
			other.ID, c.ID, direction)
	}
	for _, stored := range other.events {
		if c.Contains(stored.EventID) {
			return fmt.Errorf("store: duplicate event %s across chunks %d and %d",
				stored.EventID, c.ID, other.ID)
		}
	}

	if len(other.events) == 0 {
		c.adoptTokens(other, direction)
		return nil
	}
	if len(c.events) == 0 {
		c.events = other.events
		for id, stored := range other.byID {
			c.byID[id] = stored
		}
		c.forwardStateIndex = other.forwardStateIndex
		c.backwardStateIndex = other.backwardStateIndex
		c.minDisplayIndex = other.minDisplayIndex
		c.maxDisplayIndex = other.maxDisplayIndex
		c.adoptTokens(other, direction)
		return nil
	}

	if direction == Backwards {
		// Shift other's indexes down so its newest stamp sits at or
		// below c's oldest, preserving monotonicity across the seam.
		ownMin, _ := c.stateIndexBounds()
		_, otherMax := other.stateIndexBounds()
		stateShift := ownMin - otherMax
		displayShift := c.minDisplayIndex - 1 - other.maxDisplayIndex
		for _, stored := range other.events {
			stored.StateIndex += stateShift
			stored.DisplayIndex += displayShift
		}
		c.events = append(append([]*StoredEvent{}, other.events...), c.events...)
		c.minDisplayIndex = other.minDisplayIndex + displayShift
		c.backwardStateIndex = other.backwardStateIndex + stateShift
	} else {
		_, ownMax := c.stateIndexBounds()
		otherMin, _ := other.stateIndexBounds()
		stateShift := ownMax - otherMin
		displayShift := c.maxDisplayIndex + 1 - other.minDisplayIndex
		for _, stored := range other.events {
			stored.StateIndex += stateShift
			stored.DisplayIndex += displayShift
		}
		c.events = append(c.events, other.events...)
		c.maxDisplayIndex = other.maxDisplayIndex + displayShift
		c.forwardStateIndex = other.forwardStateIndex + stateShift
	}

	for id, stored := range other.byID {
		c.byID[id] = stored
	}
	c.adoptTokens(other, direction)
	return nil
}

// adoptTokens re-links pagination tokens and flags after a merge: the
// far-side token comes from the chunk now at the merged boundary.
func (c *Chunk) adoptTokens(other *Chunk, direction Direction) {
	if direction == Backwards {
		c.PrevToken = other.PrevToken
	} else {
		c.NextToken = other.NextToken
	}
	c.IsLast = c.IsLast || other.IsLast
	c.IsUnlinked = c.IsUnlinked && other.IsUnlinked
}

// indexOf returns the position of eventID in the chronological event
// slice, or -1.
func (c *Chunk) indexOf(eventID ref.EventID) int {
	stored, ok := c.byID[eventID]
	if !ok {
		return -1
	}
	for i, candidate := range c.events {
		if candidate == stored {
			return i
		}
	}
	return -1
}

// reindex rebuilds the byID map. Called after local echo
// reconciliation swaps an event ID in place.
func (c *Chunk) reindex(oldID, newID ref.EventID) {
	stored := c.byID[oldID]
	delete(c.byID, oldID)
	c.byID[newID] = stored
}
