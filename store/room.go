// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"sync"

	"github.com/bureau-foundation/timeline/event"
	"github.com/bureau-foundation/timeline/lib/ref"
)

// pollDefinition is the decoded m.poll.start an aggregated poll refers
// back to for validation and authorship checks.
type pollDefinition struct {
	content event.PollStartContent
	sender  ref.UserID
}

// memberState is the current membership record for one room member.
type memberState struct {
	membership  string
	displayName string
	avatarURL   string
}

// roomState is the per-room arena: every chunk, summary, index, and
// membership record for one room. All access goes through mu —
// mutations hold the write lock end to end so readers never observe a
// half-applied sync batch or a partially inverted redaction.
type roomState struct {
	mu     sync.RWMutex
	roomID ref.RoomID

	chunks      map[ChunkID]*Chunk
	liveChunkID ChunkID // 0 when the room has no live chunk yet

	// eventChunk maps every timelined event to its owning chunk. This
	// is the duplicate-detection index: an incoming event already
	// present here triggers an overlap merge instead of a second copy.
	eventChunk map[ref.EventID]ChunkID

	// summaries are the derived relation aggregates, keyed by target
	// event ID. A summary may exist for a target the timeline has not
	// loaded yet (relations arrive before their target on backward
	// pagination).
	summaries map[ref.EventID]*Annotations

	// polls are decoded m.poll.start definitions, needed to validate
	// responses and authorize m.poll.end.
	polls map[ref.EventID]*pollDefinition

	// txnIndex maps transaction IDs of in-flight sends to their local
	// echo event IDs, for reconciliation when the confirmed event
	// arrives over sync.
	txnIndex map[string]ref.EventID

	// members is the room's current membership, fed by the sync state
	// section and by member events in the timeline. memberVersion
	// increments on every membership change so sender-profile caches
	// can invalidate.
	members       map[ref.UserID]memberState
	memberVersion uint64

	// displayNameCount tracks how many joined members share each
	// display name, for disambiguation in rendered timelines.
	displayNameCount map[string]int
}

func newRoomState(roomID ref.RoomID) *roomState {
	return &roomState{
		roomID:           roomID,
		chunks:           make(map[ChunkID]*Chunk),
		eventChunk:       make(map[ref.EventID]ChunkID),
		summaries:        make(map[ref.EventID]*Annotations),
		polls:            make(map[ref.EventID]*pollDefinition),
		txnIndex:         make(map[string]ref.EventID),
		members:          make(map[ref.UserID]memberState),
		displayNameCount: make(map[string]int),
	}
}

// liveChunk returns the room's live chunk, or nil.
func (r *roomState) liveChunk() *Chunk {
	if r.liveChunkID == 0 {
		return nil
	}
	return r.chunks[r.liveChunkID]
}

// chunkOf returns the chunk owning eventID, or nil.
func (r *roomState) chunkOf(eventID ref.EventID) *Chunk {
	id, ok := r.eventChunk[eventID]
	if !ok {
		return nil
	}
	return r.chunks[id]
}

// summaryFor returns the annotations for a target, creating an empty
// record on first use.
func (r *roomState) summaryFor(target ref.EventID) *Annotations {
	summary, ok := r.summaries[target]
	if !ok {
		summary = &Annotations{}
		r.summaries[target] = summary
	}
	return summary
}

// dropSummaryIfEmpty removes the target's record when aggregation has
// inverted its last contribution.
func (r *roomState) dropSummaryIfEmpty(target ref.EventID) {
	if summary, ok := r.summaries[target]; ok && summary.isEmpty() {
		delete(r.summaries, target)
	}
}

// indexChunk registers every event of the chunk in the event index.
func (r *roomState) indexChunk(c *Chunk) {
	r.chunks[c.ID] = c
	for _, stored := range c.events {
		r.eventChunk[stored.EventID] = c.ID
	}
}

// removeChunk drops a chunk (after its events were merged elsewhere).
func (r *roomState) removeChunk(id ChunkID) {
	delete(r.chunks, id)
	if r.liveChunkID == id {
		r.liveChunkID = 0
	}
}

// applyMember folds a member event into the current-membership map and
// bumps memberVersion when anything visible changed.
func (r *roomState) applyMember(e *event.Event) {
	userID, err := ref.ParseUserID(e.StateKeyString())
	if err != nil {
		return
	}
	next := memberStateOf(e.Content)
	prev, existed := r.members[userID]
	if existed && prev == next {
		return
	}
	if existed && prev.membership == "join" && prev.displayName != "" {
		r.displayNameCount[prev.displayName]--
		if r.displayNameCount[prev.displayName] <= 0 {
			delete(r.displayNameCount, prev.displayName)
		}
	}
	if next.membership == "join" && next.displayName != "" {
		r.displayNameCount[next.displayName]++
	}
	r.members[userID] = next
	r.memberVersion++
}

// resolveSenderAt returns the sender's profile as of the given event
// position. The chunk is walked backward from the event for the
// sender's most recent m.room.member at or before it. An event
// paginated in from before any loaded membership instead takes the
// replaced profile (prev_content) of the sender's nearest later member
// event, which is exactly the state in force before that change. Only
// when the chunk holds no member event for the sender at all does the
// room's current membership answer.
func (r *roomState) resolveSenderAt(c *Chunk, position int, sender ref.UserID) memberState {
	for i := position; i >= 0; i-- {
		stored := c.events[i]
		if stored.Type != ref.TypeMember || stored.StateKeyString() != sender.String() {
			continue
		}
		return memberStateOf(stored.Content)
	}
	for i := position + 1; i < len(c.events); i++ {
		stored := c.events[i]
		if stored.Type != ref.TypeMember || stored.StateKeyString() != sender.String() {
			continue
		}
		if replaced := stored.ReplacedContent(); replaced != nil {
			return memberStateOf(replaced)
		}
		// No replaced state: the sender had no profile before this
		// member event.
		return memberState{}
	}
	return r.members[sender]
}

func memberStateOf(content map[string]any) memberState {
	decoded := event.DecodeMembership(content)
	return memberState{
		membership:  decoded.Membership,
		displayName: decoded.DisplayName,
		avatarURL:   decoded.AvatarURL,
	}
}

// isDisplayNameShared reports whether more than one joined member
// currently uses the display name.
func (r *roomState) isDisplayNameShared(name string) bool {
	return name != "" && r.displayNameCount[name] > 1
}
