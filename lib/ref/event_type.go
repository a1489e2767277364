// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// EventType identifies a Matrix state or timeline event type
// (e.g., "m.room.message", "m.room.member", "m.reaction").
//
// EventType is a named string type, not a struct wrapper: event types
// are opaque identifiers that need no parsing or validation. The type
// exists purely for compile-time safety — preventing accidental use of
// a state key where an event type is expected (or vice versa).
type EventType string

// Standard Matrix event types the timeline cache interprets. Events of
// any other type flow through the cache untouched.
const (
	TypeMessage      EventType = "m.room.message"
	TypeMember       EventType = "m.room.member"
	TypeCreate       EventType = "m.room.create"
	TypeName         EventType = "m.room.name"
	TypePowerLevels  EventType = "m.room.power_levels"
	TypeEncrypted    EventType = "m.room.encrypted"
	TypeRedaction    EventType = "m.room.redaction"
	TypeReaction     EventType = "m.reaction"
	TypePollStart    EventType = "m.poll.start"
	TypePollResponse EventType = "m.poll.response"
	TypePollEnd      EventType = "m.poll.end"
)

// String returns the event type string (e.g., "m.room.message").
func (t EventType) String() string { return string(t) }
