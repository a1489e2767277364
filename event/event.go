// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"github.com/bureau-foundation/timeline/lib/ref"
)

// Event is an immutable Matrix event: the atomic fact received from or
// sent to the homeserver. Field names follow the Matrix Client-Server
// API JSON shapes, so an Event deserializes directly from /sync,
// /messages, and /context responses.
type Event struct {
	EventID        ref.EventID    `json:"event_id"`
	Type           ref.EventType  `json:"type"`
	RoomID         ref.RoomID     `json:"room_id,omitempty"`
	Sender         ref.UserID     `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`

	// StateKey marks the event as a state event when non-nil. The
	// empty string is a meaningful state key (room name, topic, power
	// levels), which is why this is a pointer and not a string.
	StateKey *string `json:"state_key,omitempty"`

	// PrevContent is the replaced state content for state events. The
	// homeserver delivers it under unsigned.prev_content; the
	// deserialization boundary lifts it here.
	PrevContent map[string]any `json:"prev_content,omitempty"`

	// Redacts is the target of an m.room.redaction event.
	Redacts ref.EventID `json:"redacts,omitempty"`

	Unsigned *Unsigned `json:"unsigned,omitempty"`
}

// Unsigned holds optional unsigned metadata attached to events.
type Unsigned struct {
	Age           int64          `json:"age,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	PrevContent   map[string]any `json:"prev_content,omitempty"`

	// RedactedBecause is the ID of the redaction that stripped this
	// event's content, set locally when a redaction is applied.
	RedactedBecause ref.EventID `json:"redacted_because,omitempty"`
}

// IsState reports whether the event is a state event (carries a state
// key). State events participate in the per-chunk state index.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// TransactionID returns the client-generated transaction ID from the
// unsigned metadata, or "" if absent. The homeserver echoes the
// transaction ID back on /sync for events sent by this session, which
// is how local echoes are reconciled with their confirmed events.
func (e *Event) TransactionID() string {
	if e.Unsigned == nil {
		return ""
	}
	return e.Unsigned.TransactionID
}

// IsLocalEcho reports whether the event is a not-yet-confirmed local
// echo (its event ID is client-synthesized).
func (e *Event) IsLocalEcho() bool {
	return e.EventID.IsLocalEcho()
}

// ReplacedContent returns the state content this event replaced, from
// the top-level prev_content or its unsigned copy, or nil. For a state
// event, this is the room state in force immediately before it.
func (e *Event) ReplacedContent() map[string]any {
	if e.PrevContent != nil {
		return e.PrevContent
	}
	if e.Unsigned != nil {
		return e.Unsigned.PrevContent
	}
	return nil
}

// MembershipContent is the decoded content of an m.room.member state
// event, as far as sender resolution cares about it.
type MembershipContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// DecodeMembership extracts membership fields from a content map.
// Missing or mistyped fields decode to their zero values; a membership
// event with no displayname is valid.
func DecodeMembership(content map[string]any) MembershipContent {
	var decoded MembershipContent
	if content == nil {
		return decoded
	}
	if membership, ok := content["membership"].(string); ok {
		decoded.Membership = membership
	}
	if displayName, ok := content["displayname"].(string); ok {
		decoded.DisplayName = displayName
	}
	if avatarURL, ok := content["avatar_url"].(string); ok {
		decoded.AvatarURL = avatarURL
	}
	return decoded
}

// StateKeyString returns the state key or "" for non-state events.
func (e *Event) StateKeyString() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}
