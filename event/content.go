// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"github.com/bureau-foundation/timeline/lib/ref"
)

// Content constructors for the event kinds the cache synthesizes
// locally (sends and local echoes). The shapes follow the Matrix
// Client-Server API; anything the cache never sends is left to
// callers.

// NewMessageContent builds a plain m.text message body.
func NewMessageContent(body string) map[string]any {
	return map[string]any{
		"msgtype": "m.text",
		"body":    body,
	}
}

// NewReactionContent builds an m.reaction annotation on target.
func NewReactionContent(target ref.EventID, key string) map[string]any {
	return map[string]any{
		"m.relates_to": map[string]any{
			"rel_type": RelAnnotation,
			"event_id": target.String(),
			"key":      key,
		},
	}
}

// NewEditContent builds an m.replace relation carrying newBody as the
// replacement for target. The top-level body carries the conventional
// "* " fallback prefix for clients that do not aggregate edits.
func NewEditContent(target ref.EventID, newBody string) map[string]any {
	return map[string]any{
		"msgtype": "m.text",
		"body":    "* " + newBody,
		"m.new_content": map[string]any{
			"msgtype": "m.text",
			"body":    newBody,
		},
		"m.relates_to": map[string]any{
			"rel_type": RelReplace,
			"event_id": target.String(),
		},
	}
}

// NewPollResponseContent builds a poll vote referencing the
// m.poll.start event.
func NewPollResponseContent(pollStart ref.EventID, answerIDs []string) map[string]any {
	selections := make([]any, len(answerIDs))
	for i, id := range answerIDs {
		selections[i] = id
	}
	return map[string]any{
		"m.relates_to": map[string]any{
			"rel_type": RelReference,
			"event_id": pollStart.String(),
		},
		"m.selections": selections,
	}
}

// NewPollEndContent builds a poll close event referencing the
// m.poll.start event.
func NewPollEndContent(pollStart ref.EventID) map[string]any {
	return map[string]any{
		"m.relates_to": map[string]any{
			"rel_type": RelReference,
			"event_id": pollStart.String(),
		},
	}
}

// Body extracts the display body of a message content map, preferring
// the aggregated edit replacement when the caller passes one.
func Body(content map[string]any) string {
	if content == nil {
		return ""
	}
	body, _ := content["body"].(string)
	return body
}
