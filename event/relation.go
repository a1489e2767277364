// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"github.com/bureau-foundation/timeline/lib/ref"
)

// Relation rel_type values from the Matrix spec.
const (
	RelAnnotation = "m.annotation"
	RelReplace    = "m.replace"
	RelReference  = "m.reference"
)

// Relation is the closed tagged union over the relation kinds the
// aggregation layer understands. Exactly one concrete type underlies
// each value: Reaction, Edit, Redaction, PollResponse, PollEnd, or
// Reference. Handlers switch exhaustively over these types; adding a
// new kind without a handler is a compile-visible gap, not a silently
// ignored string.
type Relation interface {
	// TargetID is the event the relation refers to. A zero TargetID
	// marks a malformed relation — the aggregator rejects it without
	// failing.
	TargetID() ref.EventID

	isRelation()
}

// Reaction is an m.reaction annotation on a target event.
type Reaction struct {
	Target ref.EventID
	Key    string
}

// Edit is an m.replace relation carrying replacement content for the
// target event.
type Edit struct {
	Target ref.EventID
	// NewContent is the replacement content (the m.new_content body).
	// Nil when the edit is malformed.
	NewContent map[string]any
}

// Redaction retracts the target event and any aggregation
// contributions it made.
type Redaction struct {
	Target ref.EventID
}

// PollResponse is a vote in a poll, referencing the m.poll.start
// event.
type PollResponse struct {
	Target ref.EventID
	// Answers are the selected option IDs. One vote per sender; the
	// aggregator keeps only the latest valid response per voter.
	Answers []string
}

// PollEnd closes a poll, referencing the m.poll.start event.
type PollEnd struct {
	Target ref.EventID
}

// Reference is a generic m.reference relation (replies, permalink
// anchors). The aggregator records it on the target's summary without
// further interpretation.
type Reference struct {
	Target ref.EventID
}

func (r Reaction) TargetID() ref.EventID     { return r.Target }
func (r Edit) TargetID() ref.EventID         { return r.Target }
func (r Redaction) TargetID() ref.EventID    { return r.Target }
func (r PollResponse) TargetID() ref.EventID { return r.Target }
func (r PollEnd) TargetID() ref.EventID      { return r.Target }
func (r Reference) TargetID() ref.EventID    { return r.Target }

func (Reaction) isRelation()     {}
func (Edit) isRelation()         {}
func (Redaction) isRelation()    {}
func (PollResponse) isRelation() {}
func (PollEnd) isRelation()      {}
func (Reference) isRelation()    {}

// ParseRelation extracts the relation carried by an event, if any.
// Returns (nil, false) for events that carry no relation at all.
//
// Malformed relations of a recognized kind (an m.replace without a
// target event ID, a poll response without selections) ARE returned,
// with a zero TargetID or empty payload — the aggregator owns the
// reject-and-log decision, because the event itself must still be
// stored as a normal timeline event.
func ParseRelation(e *Event) (Relation, bool) {
	// Redactions carry their target in the top-level redacts field,
	// not in m.relates_to.
	if e.Type == ref.TypeRedaction {
		return Redaction{Target: e.Redacts}, true
	}

	relType, target := relatesTo(e.Content)

	switch e.Type {
	case ref.TypeReaction:
		key := ""
		if relates, ok := e.Content["m.relates_to"].(map[string]any); ok {
			key, _ = relates["key"].(string)
		}
		return Reaction{Target: target, Key: key}, true

	case ref.TypePollEnd:
		return PollEnd{Target: target}, true
	}

	switch relType {
	case RelReplace:
		newContent, _ := e.Content["m.new_content"].(map[string]any)
		return Edit{Target: target, NewContent: newContent}, true

	case RelReference:
		if selections, ok := decodeSelections(e.Content); ok {
			return PollResponse{Target: target, Answers: selections}, true
		}
		return Reference{Target: target}, true
	}

	return nil, false
}

// relatesTo extracts rel_type and event_id from the m.relates_to block
// of a content map. Missing or malformed blocks yield zero values.
func relatesTo(content map[string]any) (relType string, target ref.EventID) {
	relates, ok := content["m.relates_to"].(map[string]any)
	if !ok {
		return "", ref.EventID{}
	}
	relType, _ = relates["rel_type"].(string)
	if raw, ok := relates["event_id"].(string); ok {
		// Invalid event IDs are treated as absent: the relation is
		// malformed and the aggregator rejects it.
		if parsed, err := ref.ParseEventID(raw); err == nil {
			target = parsed
		}
	}
	return relType, target
}

// decodeSelections extracts poll answer selections from a poll
// response content map. Returns false when the content carries no
// m.selections list (i.e. the reference is not a poll response).
func decodeSelections(content map[string]any) ([]string, bool) {
	raw, ok := content["m.selections"].([]any)
	if !ok {
		return nil, false
	}
	selections := make([]string, 0, len(raw))
	for _, entry := range raw {
		if s, ok := entry.(string); ok {
			selections = append(selections, s)
		}
	}
	return selections, true
}

// PollAnswer is one selectable option of a poll.
type PollAnswer struct {
	ID   string `json:"id"`
	Text string `json:"m.text"`
}

// PollStartContent is the decoded content of an m.poll.start event.
type PollStartContent struct {
	Question      string       `json:"question"`
	Answers       []PollAnswer `json:"answers"`
	MaxSelections int          `json:"max_selections"`
}

// DecodePollStart extracts the poll definition from an m.poll.start
// content map. Returns false when the content has no answers list.
func DecodePollStart(content map[string]any) (PollStartContent, bool) {
	var poll PollStartContent
	start, ok := content["m.poll.start"].(map[string]any)
	if !ok {
		return poll, false
	}
	if question, ok := start["question"].(map[string]any); ok {
		poll.Question, _ = question["m.text"].(string)
	}
	rawAnswers, ok := start["answers"].([]any)
	if !ok || len(rawAnswers) == 0 {
		return poll, false
	}
	for _, rawAnswer := range rawAnswers {
		answer, ok := rawAnswer.(map[string]any)
		if !ok {
			continue
		}
		id, _ := answer["id"].(string)
		text, _ := answer["m.text"].(string)
		if id != "" {
			poll.Answers = append(poll.Answers, PollAnswer{ID: id, Text: text})
		}
	}
	if maxSelections, ok := start["max_selections"].(float64); ok {
		poll.MaxSelections = int(maxSelections)
	}
	if poll.MaxSelections <= 0 {
		poll.MaxSelections = 1
	}
	return poll, len(poll.Answers) > 0
}

// HasAnswer reports whether the poll defines an option with the given
// ID.
func (p PollStartContent) HasAnswer(id string) bool {
	for _, answer := range p.Answers {
		if answer.ID == id {
			return true
		}
	}
	return false
}
