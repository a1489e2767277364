// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"testing"

	"github.com/bureau-foundation/timeline/event"
	"github.com/bureau-foundation/timeline/lib/ref"
)

var (
	selfUser  = ref.MustParseUserID("@self:example.org")
	otherUser = ref.MustParseUserID("@other:example.org")
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{SelfUserID: selfUser})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	return s
}

func apply(t *testing.T, s *Store, events ...event.Event) {
	t.Helper()
	if err := s.ApplyTimeline(testRoom, SyncBatch{Events: events}); err != nil {
		t.Fatalf("applying timeline: %v", err)
	}
}

func reaction(id string, ts int64, sender ref.UserID, target ref.EventID, key string) event.Event {
	return event.Event{
		EventID:        ref.MustParseEventID("$" + id),
		Type:           ref.TypeReaction,
		RoomID:         testRoom,
		Sender:         sender,
		OriginServerTS: ts,
		Content:        event.NewReactionContent(target, key),
	}
}

func edit(id string, ts int64, sender ref.UserID, target ref.EventID, body string) event.Event {
	return event.Event{
		EventID:        ref.MustParseEventID("$" + id),
		Type:           ref.TypeMessage,
		RoomID:         testRoom,
		Sender:         sender,
		OriginServerTS: ts,
		Content:        event.NewEditContent(target, body),
	}
}

func redaction(id string, ts int64, sender ref.UserID, target ref.EventID) event.Event {
	return event.Event{
		EventID:        ref.MustParseEventID("$" + id),
		Type:           ref.TypeRedaction,
		RoomID:         testRoom,
		Sender:         sender,
		OriginServerTS: ts,
		Redacts:        target,
	}
}

func messageFrom(id string, ts int64, sender ref.UserID) event.Event {
	e := message(id, ts)
	e.Sender = sender
	return e
}

func TestReactionAggregation(t *testing.T) {
	s := newTestStore(t)
	target := ref.MustParseEventID("$m1")

	apply(t, s, message("m1", 1))
	apply(t, s,
		reaction("r1", 2, otherUser, target, "👍"),
		reaction("r2", 3, selfUser, target, "👍"),
		reaction("r3", 4, otherUser, target, "🎉"),
	)

	summary := s.Annotation(testRoom, target)
	if summary == nil {
		t.Fatal("no summary")
	}
	thumbs := summary.reaction("👍")
	if thumbs == nil || thumbs.Count() != 2 {
		t.Fatalf("👍 count = %v, want 2", thumbs)
	}
	if !thumbs.AddedByMe {
		t.Error("AddedByMe false after own reaction")
	}
	if thumbs.FirstTimestamp != 2 {
		t.Errorf("first timestamp = %d, want 2", thumbs.FirstTimestamp)
	}
	if party := summary.reaction("🎉"); party == nil || party.Count() != 1 {
		t.Fatalf("🎉 count = %v, want 1", party)
	}
}

func TestReactionIdempotent(t *testing.T) {
	s := newTestStore(t)
	target := ref.MustParseEventID("$m1")

	apply(t, s, message("m1", 1))
	apply(t, s, reaction("r1", 2, otherUser, target, "👍"))
	// The same event again, as a sync replay would deliver it.
	apply(t, s, reaction("r1", 2, otherUser, target, "👍"))

	summary := s.Annotation(testRoom, target)
	if count := summary.reaction("👍").Count(); count != 1 {
		t.Fatalf("count after replay = %d, want 1", count)
	}
}

func TestEditLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	target := ref.MustParseEventID("$m1")

	apply(t, s, messageFrom("m1", 1, otherUser))
	apply(t, s, edit("e2", 20, otherUser, target, "second"))
	// Older edit arriving late: rejected, the shown content stays.
	apply(t, s, edit("e1", 10, otherUser, target, "first"))

	summary := s.Annotation(testRoom, target)
	latest := summary.Edit.Latest()
	if event.Body(latest.Content) != "second" {
		t.Fatalf("latest edit = %v, want second", latest.Content)
	}
	if len(summary.Edit.Edits) != 1 {
		t.Fatalf("chain length = %d, want 1 (older edit rejected)", len(summary.Edit.Edits))
	}
}

func TestEditByNonAuthorRejected(t *testing.T) {
	s := newTestStore(t)
	target := ref.MustParseEventID("$m1")

	apply(t, s, messageFrom("m1", 1, otherUser))
	apply(t, s, edit("e1", 10, selfUser, target, "hijacked"))

	if summary := s.Annotation(testRoom, target); summary != nil && summary.Edit != nil {
		t.Fatal("edit by non-author accepted")
	}
}

func TestRedactReactionInverts(t *testing.T) {
	s := newTestStore(t)
	target := ref.MustParseEventID("$m1")

	apply(t, s, message("m1", 1))
	apply(t, s,
		reaction("r1", 2, otherUser, target, "👍"),
		reaction("r2", 3, selfUser, target, "👍"),
	)
	apply(t, s, redaction("x1", 4, selfUser, ref.MustParseEventID("$r2")))

	summary := s.Annotation(testRoom, target)
	thumbs := summary.reaction("👍")
	if thumbs.Count() != 1 {
		t.Fatalf("count after redaction = %d, want 1", thumbs.Count())
	}
	if thumbs.AddedByMe {
		t.Error("AddedByMe survived redaction of own reaction")
	}

	// Redacting the last contributor removes the key entirely.
	apply(t, s, redaction("x2", 5, otherUser, ref.MustParseEventID("$r1")))
	summary = s.Annotation(testRoom, target)
	if summary != nil && summary.reaction("👍") != nil {
		t.Fatal("empty reaction summary not dropped")
	}
}

func TestRedactEditFallsBack(t *testing.T) {
	s := newTestStore(t)
	target := ref.MustParseEventID("$m1")

	apply(t, s, messageFrom("m1", 1, otherUser))
	apply(t, s, edit("e1", 10, otherUser, target, "first"))
	apply(t, s, edit("e2", 20, otherUser, target, "second"))
	apply(t, s, redaction("x1", 30, otherUser, ref.MustParseEventID("$e2")))

	summary := s.Annotation(testRoom, target)
	latest := summary.Edit.Latest()
	if latest.EventID != ref.MustParseEventID("$e1") {
		t.Fatalf("latest after redaction = %s, want $e1", latest.EventID)
	}
}

func TestRedactTargetStripsContentAndSummary(t *testing.T) {
	s := newTestStore(t)
	target := ref.MustParseEventID("$m1")

	apply(t, s, message("m1", 1))
	apply(t, s, reaction("r1", 2, otherUser, target, "👍"))
	apply(t, s, redaction("x1", 3, selfUser, target))

	if summary := s.Annotation(testRoom, target); summary != nil {
		t.Fatal("summary survived target redaction")
	}
	window := s.LatestWindow(testRoom, 10)
	for _, snapshot := range window.Events {
		if snapshot.EventID == target {
			if len(snapshot.Content) != 0 {
				t.Fatalf("redacted content not stripped: %v", snapshot.Content)
			}
			if snapshot.Unsigned == nil || snapshot.Unsigned.RedactedBecause != ref.MustParseEventID("$x1") {
				t.Error("redaction provenance not recorded")
			}
			return
		}
	}
	t.Fatal("redacted event missing from window")
}

func pollStart(id string, ts int64, sender ref.UserID, options ...string) event.Event {
	answers := make([]any, 0, len(options))
	for _, option := range options {
		answers = append(answers, map[string]any{"id": option, "m.text": option})
	}
	return event.Event{
		EventID:        ref.MustParseEventID("$" + id),
		Type:           ref.TypePollStart,
		RoomID:         testRoom,
		Sender:         sender,
		OriginServerTS: ts,
		Content: map[string]any{
			"m.poll.start": map[string]any{
				"question": map[string]any{"m.text": "?"},
				"answers":  answers,
			},
		},
	}
}

func pollResponse(id string, ts int64, sender ref.UserID, target ref.EventID, answers ...string) event.Event {
	return event.Event{
		EventID:        ref.MustParseEventID("$" + id),
		Type:           "m.poll.response",
		RoomID:         testRoom,
		Sender:         sender,
		OriginServerTS: ts,
		Content:        event.NewPollResponseContent(target, answers),
	}
}

func pollEnd(id string, ts int64, sender ref.UserID, target ref.EventID) event.Event {
	return event.Event{
		EventID:        ref.MustParseEventID("$" + id),
		Type:           ref.TypePollEnd,
		RoomID:         testRoom,
		Sender:         sender,
		OriginServerTS: ts,
		Content:        event.NewPollEndContent(target),
	}
}

func TestPollAggregation(t *testing.T) {
	s := newTestStore(t)
	poll := ref.MustParseEventID("$p1")

	apply(t, s, pollStart("p1", 1, otherUser, "pizza", "sushi"))
	apply(t, s,
		pollResponse("v1", 2, selfUser, poll, "pizza"),
		pollResponse("v2", 3, otherUser, poll, "sushi"),
	)

	tally := s.Annotation(testRoom, poll).Poll.Tally()
	if tally["pizza"] != 1 || tally["sushi"] != 1 {
		t.Fatalf("tally = %v", tally)
	}

	// A voter's newer response replaces their earlier one.
	apply(t, s, pollResponse("v3", 4, selfUser, poll, "sushi"))
	tally = s.Annotation(testRoom, poll).Poll.Tally()
	if tally["pizza"] != 0 || tally["sushi"] != 2 {
		t.Fatalf("tally after revote = %v", tally)
	}
}

func TestPollInvalidOptionRejected(t *testing.T) {
	s := newTestStore(t)
	poll := ref.MustParseEventID("$p1")

	apply(t, s, pollStart("p1", 1, otherUser, "pizza"))
	apply(t, s, pollResponse("v1", 2, selfUser, poll, "salad"))

	summary := s.Annotation(testRoom, poll)
	if summary != nil && summary.Poll != nil && len(summary.Poll.SourceEvents) != 0 {
		t.Fatal("invalid option counted")
	}
}

func TestPollCloseRules(t *testing.T) {
	s := newTestStore(t)
	poll := ref.MustParseEventID("$p1")

	apply(t, s, pollStart("p1", 1, otherUser, "pizza", "sushi"))
	apply(t, s, pollResponse("v1", 2, selfUser, poll, "pizza"))

	// Someone other than the author, without redact power: rejected.
	apply(t, s, pollEnd("end1", 5, selfUser, poll))
	if summary := s.Annotation(testRoom, poll); summary.Poll != nil && summary.Poll.ClosedTime != nil {
		t.Fatal("unauthorized poll end accepted")
	}

	// The author closes it.
	apply(t, s, pollEnd("end2", 10, otherUser, poll))
	summary := s.Annotation(testRoom, poll)
	if summary.Poll.ClosedTime == nil || *summary.Poll.ClosedTime != 10 {
		t.Fatalf("closed time = %v, want 10", summary.Poll.ClosedTime)
	}

	// A vote timestamped after the close never counts.
	apply(t, s, pollResponse("v2", 11, otherUser, poll, "sushi"))
	tally := s.Annotation(testRoom, poll).Poll.Tally()
	if tally["sushi"] != 0 || tally["pizza"] != 1 {
		t.Fatalf("tally after close = %v", tally)
	}
}

func TestPollClosePrunesLateVotes(t *testing.T) {
	s := newTestStore(t)
	poll := ref.MustParseEventID("$p1")

	apply(t, s, pollStart("p1", 1, otherUser, "pizza", "sushi"))
	apply(t, s,
		pollResponse("v1", 2, selfUser, poll, "pizza"),
		pollResponse("v2", 20, otherUser, poll, "sushi"),
	)
	// The close arrives late but is timestamped before v2: v2 would
	// have been rejected had ordering been ideal, so it is pruned.
	apply(t, s, pollEnd("end1", 10, otherUser, poll))

	tally := s.Annotation(testRoom, poll).Poll.Tally()
	if tally["sushi"] != 0 || tally["pizza"] != 1 {
		t.Fatalf("tally = %v, want pizza only", tally)
	}
}

type allowAllPower struct{}

func (allowAllPower) CanRedact(ref.RoomID, ref.UserID) bool { return true }

func TestPollCloseByModerator(t *testing.T) {
	s, err := Open(Config{SelfUserID: selfUser, PowerLevels: allowAllPower{}})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	poll := ref.MustParseEventID("$p1")

	apply(t, s, pollStart("p1", 1, otherUser, "pizza"))
	apply(t, s, pollEnd("end1", 5, selfUser, poll))

	if s.Annotation(testRoom, poll).Poll.ClosedTime == nil {
		t.Fatal("moderator poll end rejected")
	}
}

func TestRedactVoteFallsBackToPriorVote(t *testing.T) {
	s := newTestStore(t)
	poll := ref.MustParseEventID("$p1")

	apply(t, s, pollStart("p1", 1, otherUser, "pizza", "sushi"))
	apply(t, s, pollResponse("v1", 2, selfUser, poll, "pizza"))
	apply(t, s, pollResponse("v2", 3, selfUser, poll, "sushi"))
	apply(t, s, redaction("x1", 4, selfUser, ref.MustParseEventID("$v2")))

	tally := s.Annotation(testRoom, poll).Poll.Tally()
	if tally["pizza"] != 1 || tally["sushi"] != 0 {
		t.Fatalf("tally after vote redaction = %v, want pizza", tally)
	}
}
