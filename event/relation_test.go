// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"testing"

	"github.com/bureau-foundation/timeline/lib/ref"
)

func stateKey(s string) *string { return &s }

func TestParseRelation(t *testing.T) {
	target := ref.MustParseEventID("$target")

	tests := []struct {
		name  string
		event Event
		want  Relation
	}{
		{
			name: "reaction",
			event: Event{
				Type:    ref.TypeReaction,
				Content: NewReactionContent(target, "👍"),
			},
			want: Reaction{Target: target, Key: "👍"},
		},
		{
			name: "redaction",
			event: Event{
				Type:    ref.TypeRedaction,
				Redacts: target,
			},
			want: Redaction{Target: target},
		},
		{
			name: "poll end",
			event: Event{
				Type:    ref.TypePollEnd,
				Content: NewPollEndContent(target),
			},
			want: PollEnd{Target: target},
		},
		{
			name: "reference",
			event: Event{
				Type: ref.TypeMessage,
				Content: map[string]any{
					"m.relates_to": map[string]any{
						"rel_type": RelReference,
						"event_id": target.String(),
					},
				},
			},
			want: Reference{Target: target},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			relation, ok := ParseRelation(&test.event)
			if !ok {
				t.Fatal("ParseRelation returned no relation")
			}
			if relation != test.want {
				t.Errorf("ParseRelation = %#v, want %#v", relation, test.want)
			}
		})
	}
}

func TestParseRelationEdit(t *testing.T) {
	target := ref.MustParseEventID("$target")
	edit := Event{
		Type:    ref.TypeMessage,
		Content: NewEditContent(target, "fixed"),
	}
	relation, ok := ParseRelation(&edit)
	if !ok {
		t.Fatal("edit relation not recognized")
	}
	parsed, ok := relation.(Edit)
	if !ok {
		t.Fatalf("relation type %T, want Edit", relation)
	}
	if parsed.Target != target {
		t.Errorf("target = %v, want %v", parsed.Target, target)
	}
	if Body(parsed.NewContent) != "fixed" {
		t.Errorf("new content body = %q, want %q", Body(parsed.NewContent), "fixed")
	}
}

func TestParseRelationMalformedEditKeepsKind(t *testing.T) {
	// An m.replace without a target must still parse as an Edit so
	// the aggregator can log and reject it; the event itself is
	// stored as a normal timeline event either way.
	malformed := Event{
		Type: ref.TypeMessage,
		Content: map[string]any{
			"m.relates_to":  map[string]any{"rel_type": RelReplace},
			"m.new_content": map[string]any{"body": "orphan"},
		},
	}
	relation, ok := ParseRelation(&malformed)
	if !ok {
		t.Fatal("malformed edit not recognized as relation")
	}
	parsed, ok := relation.(Edit)
	if !ok {
		t.Fatalf("relation type %T, want Edit", relation)
	}
	if !parsed.Target.IsZero() {
		t.Errorf("target = %v, want zero", parsed.Target)
	}
}

func TestParseRelationPollResponse(t *testing.T) {
	target := ref.MustParseEventID("$poll")
	vote := Event{
		Type:    "m.poll.response",
		Content: NewPollResponseContent(target, []string{"opt1", "opt2"}),
	}
	relation, ok := ParseRelation(&vote)
	if !ok {
		t.Fatal("poll response not recognized")
	}
	parsed, ok := relation.(PollResponse)
	if !ok {
		t.Fatalf("relation type %T, want PollResponse", relation)
	}
	if len(parsed.Answers) != 2 || parsed.Answers[0] != "opt1" {
		t.Errorf("answers = %v, want [opt1 opt2]", parsed.Answers)
	}
}

func TestParseRelationNone(t *testing.T) {
	plain := Event{
		Type:    ref.TypeMessage,
		Content: NewMessageContent("hello"),
	}
	if _, ok := ParseRelation(&plain); ok {
		t.Error("plain message parsed as relation")
	}
}

func TestDecodePollStart(t *testing.T) {
	content := map[string]any{
		"m.poll.start": map[string]any{
			"question": map[string]any{"m.text": "Lunch?"},
			"answers": []any{
				map[string]any{"id": "pizza", "m.text": "Pizza"},
				map[string]any{"id": "sushi", "m.text": "Sushi"},
			},
		},
	}
	poll, ok := DecodePollStart(content)
	if !ok {
		t.Fatal("poll start not decoded")
	}
	if poll.Question != "Lunch?" {
		t.Errorf("question = %q", poll.Question)
	}
	if !poll.HasAnswer("pizza") || !poll.HasAnswer("sushi") {
		t.Error("answers missing")
	}
	if poll.HasAnswer("salad") {
		t.Error("HasAnswer accepted unknown option")
	}
	if poll.MaxSelections != 1 {
		t.Errorf("max selections = %d, want default 1", poll.MaxSelections)
	}
}

func TestIsState(t *testing.T) {
	member := Event{Type: ref.TypeMember, StateKey: stateKey("@alice:x")}
	if !member.IsState() {
		t.Error("member event not recognized as state")
	}
	name := Event{Type: ref.TypeName, StateKey: stateKey("")}
	if !name.IsState() {
		t.Error("empty state key must still mark a state event")
	}
	message := Event{Type: ref.TypeMessage}
	if message.IsState() {
		t.Error("message misclassified as state")
	}
}
