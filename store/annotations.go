// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"sort"

	"github.com/bureau-foundation/timeline/lib/ref"
)

// Annotations is the derived per-event summary maintained by relation
// aggregation: reactions, the accepted edit chain, poll state, and
// plain references. Keyed by the target event's ID in the room.
//
// Every mutation path is idempotent under replay — applying the same
// relation event twice never double-counts, because each sub-summary
// tracks the event IDs already contributing to it.
//
// Fields are exported (with cbor tags) because summaries are persisted
// as CBOR blobs alongside the chunk graph.
type Annotations struct {
	Reactions  []*ReactionSummary `cbor:"reactions,omitempty"`
	Edit       *EditSummary       `cbor:"edit,omitempty"`
	Poll       *PollSummary       `cbor:"poll,omitempty"`
	References []ref.EventID      `cbor:"references,omitempty"`
}

// isEmpty reports whether the summary carries no state and can be
// dropped.
func (a *Annotations) isEmpty() bool {
	return len(a.Reactions) == 0 && a.Edit == nil && a.Poll == nil && len(a.References) == 0
}

// reaction returns the per-key reaction summary, or nil.
func (a *Annotations) reaction(key string) *ReactionSummary {
	for _, summary := range a.Reactions {
		if summary.Key == key {
			return summary
		}
	}
	return nil
}

// removeReaction drops the per-key summary.
func (a *Annotations) removeReaction(key string) {
	for i, summary := range a.Reactions {
		if summary.Key == key {
			a.Reactions = append(a.Reactions[:i], a.Reactions[i+1:]...)
			return
		}
	}
}

// ReactionSummary aggregates one reaction key on one target event.
type ReactionSummary struct {
	Key string `cbor:"key"`

	// AddedByMe is true when one of the contributing senders is the
	// session's own user. Recomputed on retraction.
	AddedByMe bool `cbor:"added_by_me"`

	// FirstTimestamp is the origin_server_ts of the earliest
	// contributing reaction.
	FirstTimestamp int64 `cbor:"first_ts"`

	// Sources are the confirmed reaction events contributing to the
	// count, with enough detail to invert any of them on redaction.
	Sources []ReactionSource `cbor:"sources,omitempty"`

	// LocalEchoIDs are optimistic local reactions not yet confirmed.
	LocalEchoIDs []ref.EventID `cbor:"local_echoes,omitempty"`
}

// ReactionSource records one contributing reaction event.
type ReactionSource struct {
	EventID   ref.EventID `cbor:"event_id"`
	Sender    ref.UserID  `cbor:"sender"`
	Timestamp int64       `cbor:"ts"`
}

// Count is the aggregated reaction count (confirmed + local echoes).
func (r *ReactionSummary) Count() int {
	return len(r.Sources) + len(r.LocalEchoIDs)
}

// contains reports whether the event ID already contributes.
func (r *ReactionSummary) contains(eventID ref.EventID) bool {
	for _, source := range r.Sources {
		if source.EventID == eventID {
			return true
		}
	}
	for _, echo := range r.LocalEchoIDs {
		if echo == eventID {
			return true
		}
	}
	return false
}

// recompute refreshes the derived fields after a retraction.
func (r *ReactionSummary) recompute(self ref.UserID) {
	r.AddedByMe = len(r.LocalEchoIDs) > 0
	r.FirstTimestamp = 0
	for _, source := range r.Sources {
		if source.Sender == self {
			r.AddedByMe = true
		}
		if r.FirstTimestamp == 0 || source.Timestamp < r.FirstTimestamp {
			r.FirstTimestamp = source.Timestamp
		}
	}
}

// EditSummary is the chain of accepted replacements for a target
// event. The latest accepted edit (by origin server timestamp, not
// arrival order) supplies the display content.
type EditSummary struct {
	// Edits holds every edit that was accepted at arrival, sorted by
	// timestamp ascending. Keeping the full chain (rather than only
	// the winner) makes redaction an O(1) inverse: drop the record
	// and the previous winner takes over, exactly as a rebuild
	// without the redacted event would conclude.
	Edits []EditRecord `cbor:"edits"`
}

// EditRecord is one accepted replacement.
type EditRecord struct {
	EventID   ref.EventID    `cbor:"event_id"`
	Timestamp int64          `cbor:"ts"`
	Content   map[string]any `cbor:"content"`
}

// Latest returns the accepted edit with the newest timestamp, or nil.
func (e *EditSummary) Latest() *EditRecord {
	if len(e.Edits) == 0 {
		return nil
	}
	return &e.Edits[len(e.Edits)-1]
}

// contains reports whether the edit event is already in the chain.
func (e *EditSummary) contains(eventID ref.EventID) bool {
	for _, record := range e.Edits {
		if record.EventID == eventID {
			return true
		}
	}
	return false
}

// insert adds an accepted edit keeping timestamp order.
func (e *EditSummary) insert(record EditRecord) {
	e.Edits = append(e.Edits, record)
	sort.SliceStable(e.Edits, func(i, j int) bool {
		return e.Edits[i].Timestamp < e.Edits[j].Timestamp
	})
}

// remove drops the edit with the given event ID. Returns true if it
// was present.
func (e *EditSummary) remove(eventID ref.EventID) bool {
	for i, record := range e.Edits {
		if record.EventID == eventID {
			e.Edits = append(e.Edits[:i], e.Edits[i+1:]...)
			return true
		}
	}
	return false
}

// PollSummary aggregates poll responses against an m.poll.start
// target.
type PollSummary struct {
	// Options are the valid answer IDs, copied from the poll
	// definition. Responses selecting anything else are rejected.
	Options []string `cbor:"options"`

	// MaxSelections bounds how many options one response may select.
	MaxSelections int `cbor:"max_selections"`

	// ClosedTime is the origin server timestamp of the accepted
	// m.poll.end event, nil while the poll is open. Responses
	// timestamped after it are rejected.
	ClosedTime *int64 `cbor:"closed_time,omitempty"`

	// Votes holds the accepted response history per voter, each
	// sorted by timestamp ascending. The tally counts only the
	// latest response per voter, but the history is kept so that
	// redacting the current vote falls back to the prior one —
	// matching a rebuild without the redacted event.
	Votes map[string][]VoteRecord `cbor:"votes,omitempty"`

	// SourceEvents are all counted response event IDs (the replay
	// guard).
	SourceEvents []ref.EventID `cbor:"sources,omitempty"`
}

// VoteRecord is one accepted poll response.
type VoteRecord struct {
	EventID   ref.EventID `cbor:"event_id"`
	Timestamp int64       `cbor:"ts"`
	Answers   []string    `cbor:"answers"`
}

// hasOption reports whether id is a valid answer option.
func (p *PollSummary) hasOption(id string) bool {
	for _, option := range p.Options {
		if option == id {
			return true
		}
	}
	return false
}

// counted reports whether the response event is already counted.
func (p *PollSummary) counted(eventID ref.EventID) bool {
	for _, source := range p.SourceEvents {
		if source == eventID {
			return true
		}
	}
	return false
}

// Tally returns the vote count per option, counting each voter's
// latest response only.
func (p *PollSummary) Tally() map[string]int {
	tally := make(map[string]int, len(p.Options))
	for _, history := range p.Votes {
		if len(history) == 0 {
			continue
		}
		current := history[len(history)-1]
		for _, answer := range current.Answers {
			tally[answer]++
		}
	}
	return tally
}

// Snapshot returns a deep copy safe to hand to readers outside the
// room lock.
func (a *Annotations) Snapshot() *Annotations {
	if a == nil {
		return nil
	}
	copied := &Annotations{}
	for _, reaction := range a.Reactions {
		reactionCopy := *reaction
		reactionCopy.Sources = append([]ReactionSource(nil), reaction.Sources...)
		reactionCopy.LocalEchoIDs = append([]ref.EventID(nil), reaction.LocalEchoIDs...)
		copied.Reactions = append(copied.Reactions, &reactionCopy)
	}
	if a.Edit != nil {
		editCopy := &EditSummary{Edits: make([]EditRecord, len(a.Edit.Edits))}
		copy(editCopy.Edits, a.Edit.Edits)
		copied.Edit = editCopy
	}
	if a.Poll != nil {
		pollCopy := &PollSummary{
			Options:       append([]string(nil), a.Poll.Options...),
			MaxSelections: a.Poll.MaxSelections,
			SourceEvents:  append([]ref.EventID(nil), a.Poll.SourceEvents...),
		}
		if a.Poll.ClosedTime != nil {
			closed := *a.Poll.ClosedTime
			pollCopy.ClosedTime = &closed
		}
		if a.Poll.Votes != nil {
			pollCopy.Votes = make(map[string][]VoteRecord, len(a.Poll.Votes))
			for voter, history := range a.Poll.Votes {
				pollCopy.Votes[voter] = append([]VoteRecord(nil), history...)
			}
		}
		copied.Poll = pollCopy
	}
	copied.References = append([]ref.EventID(nil), a.References...)
	return copied
}
