// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"

	"github.com/bureau-foundation/timeline/event"
	"github.com/bureau-foundation/timeline/lib/ref"
)

// SnapshotEvent is one event as seen by a reader: the stored event
// plus a deep copy of its relation summary.
type SnapshotEvent struct {
	event.Event

	StateIndex   int
	DisplayIndex int
	ContentState event.ContentState
	UTDReason    event.UTDReason

	// Annotations is the event's relation summary, nil when nothing
	// relates to it. Deep copy, safe to retain.
	Annotations *Annotations
}

// WindowSnapshot is a consistent read of a contiguous run of events
// around an anchor, taken under the room read lock.
type WindowSnapshot struct {
	RoomID  ref.RoomID
	ChunkID ChunkID

	// Events in chronological order.
	Events []SnapshotEvent

	// HasMoreBackwards / HasMoreForwards report whether more events
	// exist in that direction, locally in the chunk or behind a
	// pagination token.
	HasMoreBackwards bool
	HasMoreForwards  bool

	// IsLive is true when the window's newest event is the newest
	// event of the room's live chunk.
	IsLive bool

	// MemberVersion is the room's membership generation at snapshot
	// time, for sender-profile cache invalidation.
	MemberVersion uint64
}

// LatestWindow snapshots the newest count events of the room's live
// chunk. An empty snapshot (no error) means the room has no live chunk
// yet.
func (s *Store) LatestWindow(roomID ref.RoomID, count int) WindowSnapshot {
	room := s.room(roomID)
	room.mu.RLock()
	defer room.mu.RUnlock()

	live := room.liveChunk()
	if live == nil {
		return WindowSnapshot{RoomID: roomID, MemberVersion: room.memberVersion}
	}
	start := live.Len() - count
	if start < 0 {
		start = 0
	}
	return s.snapshotRange(room, live, start, live.Len())
}

// WindowAround snapshots up to before events preceding the anchor, the
// anchor itself, and up to after events following it, all within the
// anchor's chunk.
func (s *Store) WindowAround(roomID ref.RoomID, anchor ref.EventID, before, after int) (WindowSnapshot, error) {
	room := s.room(roomID)
	room.mu.RLock()
	defer room.mu.RUnlock()

	c := room.chunkOf(anchor)
	if c == nil {
		return WindowSnapshot{}, fmt.Errorf("store: event %s not loaded", anchor)
	}
	position := c.indexOf(anchor)
	start := position - before
	if start < 0 {
		start = 0
	}
	end := position + after + 1
	if end > c.Len() {
		end = c.Len()
	}
	return s.snapshotRange(room, c, start, end), nil
}

// snapshotRange copies events[start:end) of the chunk out under the
// caller-held read lock.
func (s *Store) snapshotRange(room *roomState, c *Chunk, start, end int) WindowSnapshot {
	snapshot := WindowSnapshot{
		RoomID:        room.roomID,
		ChunkID:       c.ID,
		MemberVersion: room.memberVersion,
	}
	for _, stored := range c.events[start:end] {
		snapshot.Events = append(snapshot.Events, SnapshotEvent{
			Event:        stored.Event,
			StateIndex:   stored.StateIndex,
			DisplayIndex: stored.DisplayIndex,
			ContentState: stored.ContentState,
			UTDReason:    stored.UTDReason,
			Annotations:  room.summaries[stored.EventID].Snapshot(),
		})
	}
	snapshot.HasMoreBackwards = start > 0 || c.PrevToken != nil
	snapshot.HasMoreForwards = end < c.Len() || c.NextToken != nil
	live := room.liveChunk()
	snapshot.IsLive = live != nil && live.ID == c.ID && end == c.Len()
	return snapshot
}

// HasMoreToLoad reports whether the chunk can yield more events in the
// direction, either from events already loaded beyond the window or
// from the network behind a boundary token.
func (s *Store) HasMoreToLoad(roomID ref.RoomID, chunkID ChunkID, direction Direction) bool {
	room := s.room(roomID)
	room.mu.RLock()
	defer room.mu.RUnlock()

	c := room.chunks[chunkID]
	if c == nil {
		return false
	}
	if direction == Backwards {
		return c.PrevToken != nil
	}
	return c.NextToken != nil || !c.IsLast
}

// PaginationToken returns the chunk's boundary token in the given
// direction, or false when the boundary is an end of history or the
// live edge.
func (s *Store) PaginationToken(roomID ref.RoomID, chunkID ChunkID, direction Direction) (string, bool) {
	room := s.room(roomID)
	room.mu.RLock()
	defer room.mu.RUnlock()

	c := room.chunks[chunkID]
	if c == nil {
		return "", false
	}
	var token *string
	if direction == Backwards {
		token = c.PrevToken
	} else {
		token = c.NextToken
	}
	if token == nil {
		return "", false
	}
	return *token, true
}

// SenderProfile is a sender's resolved display identity at a point in
// the timeline.
type SenderProfile struct {
	UserID      ref.UserID
	DisplayName string
	AvatarURL   string

	// Ambiguous is true when another joined member currently shares
	// the display name, so renderers should disambiguate with the
	// user ID.
	Ambiguous bool
}

// ResolveSender resolves the sender's profile as of the event's
// position: the most recent membership at or before the event wins,
// falling back to current room state. The zero profile (user ID only)
// is returned for senders with no membership on record.
func (s *Store) ResolveSender(roomID ref.RoomID, eventID ref.EventID) (SenderProfile, error) {
	room := s.room(roomID)
	room.mu.RLock()
	defer room.mu.RUnlock()

	c := room.chunkOf(eventID)
	if c == nil {
		return SenderProfile{}, fmt.Errorf("store: event %s not loaded", eventID)
	}
	position := c.indexOf(eventID)
	sender := c.events[position].Sender
	member := room.resolveSenderAt(c, position, sender)
	profile := SenderProfile{
		UserID:      sender,
		DisplayName: member.displayName,
		AvatarURL:   member.avatarURL,
		Ambiguous:   room.isDisplayNameShared(member.displayName),
	}
	if profile.DisplayName == "" {
		profile.DisplayName = sender.String()
	}
	return profile, nil
}

// MemberVersion returns the room's membership generation counter. It
// increments whenever any member's profile or membership changes.
func (s *Store) MemberVersion(roomID ref.RoomID) uint64 {
	room := s.room(roomID)
	room.mu.RLock()
	defer room.mu.RUnlock()
	return room.memberVersion
}

// Annotation returns a deep copy of the target event's relation
// summary, or nil.
func (s *Store) Annotation(roomID ref.RoomID, target ref.EventID) *Annotations {
	room := s.room(roomID)
	room.mu.RLock()
	defer room.mu.RUnlock()
	return room.summaries[target].Snapshot()
}
