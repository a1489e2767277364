// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"sort"

	"github.com/bureau-foundation/timeline/event"
	"github.com/bureau-foundation/timeline/lib/ref"
)

// PowerLevelResolver answers authorization questions that gate
// aggregation, currently whether a user may close another user's poll.
// The server enforces these rules too; the client mirrors them so a
// malicious or buggy event cannot skew local aggregates before the
// server rejects it.
type PowerLevelResolver interface {
	CanRedact(roomID ref.RoomID, userID ref.UserID) bool
}

// applyRelation folds a relation-bearing event into the room's derived
// summaries. Returns true when any summary changed. Malformed or
// unauthorized relations are logged and rejected without mutating
// anything; the event itself still lands in the timeline as a plain
// event.
//
// Callers hold the room write lock.
func (s *Store) applyRelation(room *roomState, e *event.Event) bool {
	relation, ok := event.ParseRelation(e)
	if !ok {
		return false
	}
	if relation.TargetID().IsZero() {
		s.logger.Warn("relation without target rejected",
			"room", room.roomID, "event", e.EventID, "type", e.Type)
		return false
	}

	switch rel := relation.(type) {
	case event.Reaction:
		return s.applyReaction(room, e, rel)
	case event.Edit:
		return s.applyEdit(room, e, rel)
	case event.Redaction:
		return s.applyRedaction(room, e, rel)
	case event.PollResponse:
		return s.applyPollResponse(room, e, rel)
	case event.PollEnd:
		return s.applyPollEnd(room, e, rel)
	case event.Reference:
		return s.applyReference(room, e, rel)
	}
	return false
}

func (s *Store) applyReaction(room *roomState, e *event.Event, rel event.Reaction) bool {
	if rel.Key == "" {
		s.logger.Warn("reaction without key rejected",
			"room", room.roomID, "event", e.EventID)
		return false
	}
	summary := room.summaryFor(rel.Target)
	reaction := summary.reaction(rel.Key)
	if reaction == nil {
		reaction = &ReactionSummary{Key: rel.Key}
		summary.Reactions = append(summary.Reactions, reaction)
	}
	if reaction.contains(e.EventID) {
		return false
	}
	if e.IsLocalEcho() {
		reaction.LocalEchoIDs = append(reaction.LocalEchoIDs, e.EventID)
		reaction.AddedByMe = true
		return true
	}
	reaction.Sources = append(reaction.Sources, ReactionSource{
		EventID:   e.EventID,
		Sender:    e.Sender,
		Timestamp: e.OriginServerTS,
	})
	if e.Sender == s.selfUserID {
		reaction.AddedByMe = true
	}
	if reaction.FirstTimestamp == 0 || e.OriginServerTS < reaction.FirstTimestamp {
		reaction.FirstTimestamp = e.OriginServerTS
	}
	return true
}

func (s *Store) applyEdit(room *roomState, e *event.Event, rel event.Edit) bool {
	if rel.NewContent == nil {
		s.logger.Warn("edit without new content rejected",
			"room", room.roomID, "event", e.EventID)
		return false
	}
	// Only the original author may replace their event. The target may
	// not be loaded yet; in that case the server-side check is all we
	// have and the edit is taken at face value.
	if target := room.chunkOf(rel.Target); target != nil {
		if original := target.Get(rel.Target); original != nil && original.Sender != e.Sender {
			s.logger.Warn("edit by non-author rejected",
				"room", room.roomID, "event", e.EventID,
				"author", original.Sender, "editor", e.Sender)
			return false
		}
	}
	summary := room.summaryFor(rel.Target)
	if summary.Edit == nil {
		summary.Edit = &EditSummary{}
	}
	if summary.Edit.contains(e.EventID) {
		return false
	}
	if latest := summary.Edit.Latest(); latest != nil && e.OriginServerTS < latest.Timestamp {
		// An older replacement than the one already shown. A rebuild in
		// arrival order would reject it too, so dropping it keeps the
		// summary rebuild-equivalent.
		room.dropSummaryIfEmpty(rel.Target)
		return false
	}
	summary.Edit.insert(EditRecord{
		EventID:   e.EventID,
		Timestamp: e.OriginServerTS,
		Content:   rel.NewContent,
	})
	return true
}

func (s *Store) applyRedaction(room *roomState, e *event.Event, rel event.Redaction) bool {
	changed := false

	// Strip the redacted event's content in place if it is loaded.
	if c := room.chunkOf(rel.Target); c != nil {
		if stored := c.Get(rel.Target); stored != nil {
			stored.Content = map[string]any{}
			stored.PrevContent = nil
			if stored.Unsigned == nil {
				stored.Unsigned = &event.Unsigned{}
			}
			stored.Unsigned.RedactedBecause = e.EventID
			changed = true
		}
	}

	// A redacted event no longer annotates anything: drop the
	// aggregates attached to it.
	if _, ok := room.summaries[rel.Target]; ok {
		delete(room.summaries, rel.Target)
		changed = true
	}

	// And whatever the redacted event itself contributed to another
	// event's summary is inverted.
	if s.invertContribution(room, rel.Target) {
		changed = true
	}
	return changed
}

// invertContribution removes the event's contribution from every
// summary it touched, leaving the summaries exactly as a rebuild
// without that event would.
func (s *Store) invertContribution(room *roomState, redacted ref.EventID) bool {
	changed := false
	for target, summary := range room.summaries {
		if s.invertInSummary(room, summary, redacted) {
			changed = true
			room.dropSummaryIfEmpty(target)
		}
	}
	return changed
}

func (s *Store) invertInSummary(room *roomState, summary *Annotations, redacted ref.EventID) bool {
	changed := false

	var emptied []string
	for _, reaction := range summary.Reactions {
		before := reaction.Count()
		for i, source := range reaction.Sources {
			if source.EventID == redacted {
				reaction.Sources = append(reaction.Sources[:i], reaction.Sources[i+1:]...)
				break
			}
		}
		for i, echo := range reaction.LocalEchoIDs {
			if echo == redacted {
				reaction.LocalEchoIDs = append(reaction.LocalEchoIDs[:i], reaction.LocalEchoIDs[i+1:]...)
				break
			}
		}
		if reaction.Count() != before {
			reaction.recompute(s.selfUserID)
			changed = true
		}
		if reaction.Count() == 0 {
			emptied = append(emptied, reaction.Key)
		}
	}
	for _, key := range emptied {
		summary.removeReaction(key)
	}

	if summary.Edit != nil {
		if summary.Edit.remove(redacted) {
			changed = true
			if len(summary.Edit.Edits) == 0 {
				summary.Edit = nil
			}
		}
	}

	if summary.Poll != nil && summary.Poll.counted(redacted) {
		poll := summary.Poll
		for i, source := range poll.SourceEvents {
			if source == redacted {
				poll.SourceEvents = append(poll.SourceEvents[:i], poll.SourceEvents[i+1:]...)
				break
			}
		}
		for voter, history := range poll.Votes {
			for i, vote := range history {
				if vote.EventID == redacted {
					history = append(history[:i], history[i+1:]...)
					break
				}
			}
			if len(history) == 0 {
				delete(poll.Votes, voter)
			} else {
				poll.Votes[voter] = history
			}
		}
		changed = true
	}

	for i, reference := range summary.References {
		if reference == redacted {
			summary.References = append(summary.References[:i], summary.References[i+1:]...)
			changed = true
			break
		}
	}

	return changed
}

func (s *Store) applyPollResponse(room *roomState, e *event.Event, rel event.PollResponse) bool {
	definition, ok := room.polls[rel.Target]
	if !ok {
		s.logger.Warn("poll response for unknown poll rejected",
			"room", room.roomID, "event", e.EventID, "poll", rel.Target)
		return false
	}
	summary := room.summaryFor(rel.Target)
	if summary.Poll == nil {
		summary.Poll = newPollSummary(definition)
	}
	poll := summary.Poll
	if poll.counted(e.EventID) {
		return false
	}
	if poll.ClosedTime != nil && e.OriginServerTS > *poll.ClosedTime {
		s.logger.Warn("poll response after close rejected",
			"room", room.roomID, "event", e.EventID, "poll", rel.Target)
		room.dropSummaryIfEmpty(rel.Target)
		return false
	}
	if len(rel.Answers) == 0 {
		s.logger.Warn("poll response without selections rejected",
			"room", room.roomID, "event", e.EventID, "poll", rel.Target)
		room.dropSummaryIfEmpty(rel.Target)
		return false
	}
	answers := rel.Answers
	if len(answers) > poll.MaxSelections {
		answers = answers[:poll.MaxSelections]
	}
	for _, answer := range answers {
		if !poll.hasOption(answer) {
			s.logger.Warn("poll response with invalid option rejected",
				"room", room.roomID, "event", e.EventID,
				"poll", rel.Target, "option", answer)
			room.dropSummaryIfEmpty(rel.Target)
			return false
		}
	}

	if poll.Votes == nil {
		poll.Votes = make(map[string][]VoteRecord)
	}
	voter := e.Sender.String()
	history := append(poll.Votes[voter], VoteRecord{
		EventID:   e.EventID,
		Timestamp: e.OriginServerTS,
		Answers:   answers,
	})
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].Timestamp < history[j].Timestamp
	})
	poll.Votes[voter] = history
	poll.SourceEvents = append(poll.SourceEvents, e.EventID)
	return true
}

func (s *Store) applyPollEnd(room *roomState, e *event.Event, rel event.PollEnd) bool {
	definition, ok := room.polls[rel.Target]
	if !ok {
		s.logger.Warn("poll end for unknown poll rejected",
			"room", room.roomID, "event", e.EventID, "poll", rel.Target)
		return false
	}
	if e.Sender != definition.sender && !s.canRedact(room.roomID, e.Sender) {
		s.logger.Warn("poll end by unauthorized sender rejected",
			"room", room.roomID, "event", e.EventID,
			"poll", rel.Target, "sender", e.Sender)
		return false
	}
	summary := room.summaryFor(rel.Target)
	if summary.Poll == nil {
		summary.Poll = newPollSummary(definition)
	}
	poll := summary.Poll
	if poll.ClosedTime != nil && *poll.ClosedTime <= e.OriginServerTS {
		return false
	}
	closed := e.OriginServerTS
	poll.ClosedTime = &closed

	// Votes timestamped after the close would have been rejected had
	// the end arrived first. Pruning them keeps the tally
	// rebuild-equivalent.
	for voter, history := range poll.Votes {
		kept := history[:0]
		for _, vote := range history {
			if vote.Timestamp <= closed {
				kept = append(kept, vote)
			} else {
				removeEventID(&poll.SourceEvents, vote.EventID)
			}
		}
		if len(kept) == 0 {
			delete(poll.Votes, voter)
		} else {
			poll.Votes[voter] = kept
		}
	}

	// The homeserver may hold responses this client never saw in its
	// timeline windows. Kick off a relations backfill so the final
	// tally converges.
	if s.pollRefresher != nil {
		go s.pollRefresher(room.roomID, rel.Target)
	}
	return true
}

func (s *Store) applyReference(room *roomState, e *event.Event, rel event.Reference) bool {
	summary := room.summaryFor(rel.Target)
	for _, existing := range summary.References {
		if existing == e.EventID {
			return false
		}
	}
	summary.References = append(summary.References, e.EventID)
	return true
}

func (s *Store) canRedact(roomID ref.RoomID, userID ref.UserID) bool {
	if s.powerLevels == nil {
		return false
	}
	return s.powerLevels.CanRedact(roomID, userID)
}

func newPollSummary(definition *pollDefinition) *PollSummary {
	options := make([]string, 0, len(definition.content.Answers))
	for _, answer := range definition.content.Answers {
		options = append(options, answer.ID)
	}
	return &PollSummary{
		Options:       options,
		MaxSelections: definition.content.MaxSelections,
	}
}

func removeEventID(ids *[]ref.EventID, id ref.EventID) {
	for i, candidate := range *ids {
		if candidate == id {
			*ids = append((*ids)[:i], (*ids)[i+1:]...)
			return
		}
	}
}
