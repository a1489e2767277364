// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/bureau-foundation/timeline/event"
	"github.com/bureau-foundation/timeline/lib/ref"
)

var testRoom = ref.MustParseRoomID("!room:example.org")

func message(id string, ts int64) event.Event {
	return event.Event{
		EventID:        ref.MustParseEventID("$" + id),
		Type:           ref.TypeMessage,
		RoomID:         testRoom,
		Sender:         ref.MustParseUserID("@alice:example.org"),
		OriginServerTS: ts,
		Content:        event.NewMessageContent("msg " + id),
	}
}

func memberEvent(id string, ts int64, userID string) event.Event {
	stateKey := userID
	return event.Event{
		EventID:        ref.MustParseEventID("$" + id),
		Type:           ref.TypeMember,
		RoomID:         testRoom,
		Sender:         ref.MustParseUserID(userID),
		OriginServerTS: ts,
		StateKey:       &stateKey,
		Content: map[string]any{
			"membership":  "join",
			"displayname": "Someone",
		},
	}
}

func chunkStateIndexes(c *Chunk) []int {
	indexes := make([]int, 0, c.Len())
	for _, stored := range c.Events() {
		indexes = append(indexes, stored.StateIndex)
	}
	return indexes
}

func TestChunkForwardStateIndex(t *testing.T) {
	c := newChunk(1, testRoom)
	c.Add(message("m1", 1), Forwards)
	c.Add(message("m2", 2), Forwards)
	c.Add(memberEvent("s1", 3, "@bob:example.org"), Forwards)
	c.Add(message("m3", 4), Forwards)
	c.Add(memberEvent("s2", 5, "@carol:example.org"), Forwards)

	got := chunkStateIndexes(c)
	want := []int{0, 0, 1, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state indexes = %v, want %v", got, want)
		}
	}
}

func TestChunkBackwardStateIndex(t *testing.T) {
	// Chronological order m1 m2 s1 m3 m4, inserted newest first. The
	// counter decrements when the previously inserted event is a state
	// event: the state change takes effect at its own position going
	// forward, so the events before it sit one lower.
	c := newChunk(1, testRoom)
	c.Add(message("m4", 5), Backwards)
	c.Add(message("m3", 4), Backwards)
	c.Add(memberEvent("s1", 3, "@bob:example.org"), Backwards)
	c.Add(message("m2", 2), Backwards)
	c.Add(message("m1", 1), Backwards)

	got := chunkStateIndexes(c)
	want := []int{-1, -1, 0, 0, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state indexes = %v, want %v", got, want)
		}
	}
}

func TestChunkBackwardStateIndexStateFirst(t *testing.T) {
	// When the chronologically first event is itself a state event, the
	// total decrement is one less: its own change applies at its
	// position, not before it.
	c := newChunk(1, testRoom)
	c.Add(message("m2", 3), Backwards)
	c.Add(message("m1", 2), Backwards)
	c.Add(memberEvent("s1", 1, "@bob:example.org"), Backwards)

	got := chunkStateIndexes(c)
	want := []int{0, 0, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state indexes = %v, want %v", got, want)
		}
	}
}

func TestChunkBackwardDecrementTotal(t *testing.T) {
	// Paginating S state events into a chunk moves the backward counter
	// by S, or S-1 when the chronologically first event is state. Both
	// variants below land on a drop of 2: two state events mid-run, or
	// three with the last one at the chronological start.
	for _, stateFirst := range []bool{false, true} {
		c := newChunk(1, testRoom)
		c.Add(message("anchor", 100), Backwards)

		events := []event.Event{
			memberEvent("s3", 6, "@u3:example.org"),
			message("m2", 5),
			memberEvent("s2", 4, "@u2:example.org"),
			message("m1", 2),
		}
		if stateFirst {
			events = append(events, memberEvent("s1", 1, "@u1:example.org"))
		} else {
			events = append(events, message("m0", 1))
		}
		for _, e := range events {
			c.Add(e, Backwards)
		}

		first := c.Events()[0].StateIndex
		wantDrop := 2
		if first != -wantDrop {
			t.Errorf("stateFirst=%v: first index = %d, want %d", stateFirst, first, -wantDrop)
		}
	}
}

func TestChunkAddAllBatchStateIndex(t *testing.T) {
	// Batch application preserves the per-event counter semantics: a
	// batch of N events with S state events moves the forward counter by
	// exactly S, and the backward counter by S, or S-1 when the
	// chronologically first event is itself a state event. Randomized
	// batches cover the interleavings the hand-built runs above miss.
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 25; trial++ {
		events := make([]event.Event, 30)
		stateCount := 0
		for i := range events {
			if rng.Intn(3) == 0 {
				events[i] = memberEvent(fmt.Sprintf("b%d-s%d", trial, i), int64(i+1),
					fmt.Sprintf("@u%d:example.org", i))
				stateCount++
			} else {
				events[i] = message(fmt.Sprintf("b%d-m%d", trial, i), int64(i+1))
			}
		}

		forward := newChunk(1, testRoom)
		if added := forward.AddAll(events, Forwards); added != len(events) {
			t.Fatalf("trial %d: forward added %d of %d", trial, added, len(events))
		}
		if got := forward.LastStateIndex(Forwards); got != stateCount {
			t.Errorf("trial %d: forward counter = %d, want %d", trial, got, stateCount)
		}

		reversed := make([]event.Event, len(events))
		for i := range events {
			reversed[len(events)-1-i] = events[i]
		}
		backward := newChunk(2, testRoom)
		if added := backward.AddAll(reversed, Backwards); added != len(events) {
			t.Fatalf("trial %d: backward added %d of %d", trial, added, len(events))
		}
		wantDrop := stateCount
		if events[0].IsState() {
			wantDrop--
		}
		if got := backward.LastStateIndex(Backwards); got != -wantDrop {
			t.Errorf("trial %d: backward counter = %d, want %d", trial, got, -wantDrop)
		}

		for _, c := range []*Chunk{forward, backward} {
			stored := c.Events()
			for i := 1; i < len(stored); i++ {
				if stored[i].StateIndex < stored[i-1].StateIndex {
					t.Fatalf("trial %d: state index regressed in chunk %d: %v",
						trial, c.ID, chunkStateIndexes(c))
				}
				if stored[i].DisplayIndex <= stored[i-1].DisplayIndex {
					t.Fatalf("trial %d: display index not increasing in chunk %d", trial, c.ID)
				}
			}
		}
	}
}

func TestChunkRejectsDuplicates(t *testing.T) {
	c := newChunk(1, testRoom)
	if !c.Add(message("m1", 1), Forwards) {
		t.Fatal("first add rejected")
	}
	if c.Add(message("m1", 1), Forwards) {
		t.Fatal("duplicate add accepted")
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
}

func TestChunkDisplayIndexes(t *testing.T) {
	c := newChunk(1, testRoom)
	c.Add(message("m2", 2), Forwards)
	c.Add(message("m3", 3), Forwards)
	c.Add(message("m1", 1), Backwards)

	events := c.Events()
	if events[0].DisplayIndex != -1 || events[1].DisplayIndex != 0 || events[2].DisplayIndex != 1 {
		t.Fatalf("display indexes = %d %d %d, want -1 0 1",
			events[0].DisplayIndex, events[1].DisplayIndex, events[2].DisplayIndex)
	}
}

func token(s string) *string { return &s }

func TestChunkMergeBackward(t *testing.T) {
	newer := newChunk(1, testRoom)
	newer.PrevToken = token("t2")
	newer.NextToken = nil
	newer.IsLast = true
	newer.Add(message("m3", 3), Forwards)
	newer.Add(memberEvent("s1", 4, "@bob:example.org"), Forwards)
	newer.Add(message("m4", 5), Forwards)

	older := newChunk(2, testRoom)
	older.PrevToken = token("t1")
	older.NextToken = token("t2")
	older.IsUnlinked = true
	older.Add(message("m1", 1), Forwards)
	older.Add(message("m2", 2), Forwards)

	if err := newer.Merge(older, Backwards); err != nil {
		t.Fatalf("merge: %v", err)
	}

	if newer.Len() != 5 {
		t.Fatalf("merged len = %d, want 5", newer.Len())
	}
	ids := make([]string, 0, 5)
	for _, stored := range newer.Events() {
		ids = append(ids, stored.EventID.String())
	}
	want := []string{"$m1", "$m2", "$m3", "$s1", "$m4"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}

	// Indexes stay monotonic across the seam.
	events := newer.Events()
	for i := 1; i < len(events); i++ {
		if events[i].StateIndex < events[i-1].StateIndex {
			t.Fatalf("state index regressed at %d: %v", i, chunkStateIndexes(newer))
		}
		if events[i].DisplayIndex <= events[i-1].DisplayIndex {
			t.Fatalf("display index not increasing at %d", i)
		}
	}

	// Token relinking: the merged chunk spans both ranges.
	if newer.PrevToken == nil || *newer.PrevToken != "t1" {
		t.Errorf("prev token = %v, want t1", newer.PrevToken)
	}
	if newer.NextToken != nil {
		t.Errorf("next token = %v, want nil (live edge)", newer.NextToken)
	}
	if !newer.IsLast {
		t.Error("IsLast lost in merge")
	}
	if newer.IsUnlinked {
		t.Error("linked chunk became unlinked; linking must dominate")
	}
}

func TestChunkMergeTokenMismatch(t *testing.T) {
	a := newChunk(1, testRoom)
	a.PrevToken = token("t2")
	a.Add(message("m2", 2), Forwards)

	b := newChunk(2, testRoom)
	b.NextToken = token("other")
	b.Add(message("m1", 1), Forwards)

	if err := a.Merge(b, Backwards); err == nil {
		t.Fatal("merge across mismatched tokens succeeded")
	}
	if a.Len() != 1 {
		t.Fatalf("failed merge mutated chunk: len = %d", a.Len())
	}
}

func TestChunkMergeRoomMismatch(t *testing.T) {
	a := newChunk(1, testRoom)
	a.PrevToken = token("t")
	b := newChunk(2, ref.MustParseRoomID("!other:example.org"))
	b.NextToken = token("t")
	if err := a.Merge(b, Backwards); err == nil {
		t.Fatal("merge across rooms succeeded")
	}
}

func TestChunkMergeSharedEvent(t *testing.T) {
	a := newChunk(1, testRoom)
	a.PrevToken = token("t")
	a.Add(message("shared", 2), Forwards)

	b := newChunk(2, testRoom)
	b.NextToken = token("t")
	b.Add(message("shared", 2), Forwards)

	if err := a.Merge(b, Backwards); err == nil {
		t.Fatal("merge with shared event succeeded")
	}
}

func TestChunkMergeManyPreservesCount(t *testing.T) {
	// Merging is additive: counts add up, nothing is duplicated or
	// dropped, across a chain of merges.
	head := newChunk(1, testRoom)
	head.PrevToken = token("t3")
	for i := 0; i < 4; i++ {
		head.Add(message(fmt.Sprintf("h%d", i), int64(300+i)), Forwards)
	}

	mid := newChunk(2, testRoom)
	mid.PrevToken = token("t2")
	mid.NextToken = token("t3")
	for i := 0; i < 3; i++ {
		mid.Add(message(fmt.Sprintf("g%d", i), int64(200+i)), Forwards)
	}

	tail := newChunk(3, testRoom)
	tail.PrevToken = nil
	tail.NextToken = token("t2")
	for i := 0; i < 5; i++ {
		tail.Add(message(fmt.Sprintf("f%d", i), int64(100+i)), Forwards)
	}

	if err := head.Merge(mid, Backwards); err != nil {
		t.Fatalf("first merge: %v", err)
	}
	if err := head.Merge(tail, Backwards); err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if head.Len() != 12 {
		t.Fatalf("merged len = %d, want 12", head.Len())
	}
	if head.PrevToken != nil {
		t.Error("prev token should be nil (history start)")
	}
	seen := make(map[ref.EventID]bool)
	for _, stored := range head.Events() {
		if seen[stored.EventID] {
			t.Fatalf("duplicate %s after merges", stored.EventID)
		}
		seen[stored.EventID] = true
	}
}
