// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"github.com/bureau-foundation/timeline/event"
	"github.com/bureau-foundation/timeline/lib/ref"
)

// AuthResponse is returned by Login.
type AuthResponse struct {
	UserID      ref.UserID `json:"user_id"`
	AccessToken string     `json:"access_token"`
	DeviceID    string     `json:"device_id"`
}

// LoginRequest is the request body for password login.
type LoginRequest struct {
	Type                     string `json:"type"`
	User                     string `json:"user"`
	Password                 string `json:"password"`
	DeviceID                 string `json:"device_id,omitempty"`
	InitialDeviceDisplayName string `json:"initial_device_display_name,omitempty"`
}

// SyncOptions controls the behavior of the /sync endpoint.
type SyncOptions struct {
	Since      string // next_batch token from previous sync; empty for initial sync
	Timeout    int    // long-poll timeout in milliseconds; 0 for immediate return
	SetTimeout bool   // if true, send the timeout parameter (needed to distinguish "not set" from "0")
	Filter     string // filter ID or inline JSON filter
}

// SyncResponse is the top-level response from /sync.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
}

// RoomsSection contains per-room sync data grouped by membership state.
// Map keys are room IDs; encoding/json uses ref.RoomID's TextUnmarshaler
// for automatic validation at deserialization.
type RoomsSection struct {
	Join  map[ref.RoomID]JoinedRoom `json:"join,omitempty"`
	Leave map[ref.RoomID]LeftRoom   `json:"leave,omitempty"`
}

// JoinedRoom contains sync data for a room the user has joined.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// LeftRoom contains sync data for a room the user has left.
type LeftRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// TimelineSection contains timeline events from a sync response, in
// chronological order.
type TimelineSection struct {
	Events    []event.Event `json:"events"`
	PrevBatch string        `json:"prev_batch"`
	Limited   bool          `json:"limited"`
}

// StateSection contains state events from a sync response.
type StateSection struct {
	Events []event.Event `json:"events"`
}

// RoomMessagesOptions controls pagination for /messages.
type RoomMessagesOptions struct {
	From      string // pagination token; empty means "from now"
	Direction string // "b" (backward/older) or "f" (forward/newer)
	Limit     int    // max events to return; 0 uses server default
}

// RoomMessagesResponse is returned by RoomMessages. Chunk ordering
// follows the requested direction: dir=b returns newest first, dir=f
// oldest first. An empty End means the requested direction is
// exhausted (start or end of visible history).
type RoomMessagesResponse struct {
	Start string        `json:"start"`
	End   string        `json:"end"`
	Chunk []event.Event `json:"chunk"`
	State []event.Event `json:"state,omitempty"`
}

// RoomContextResponse is returned by RoomContext. EventsBefore is in
// reverse-chronological order (closest to the anchor first), per the
// Matrix spec; EventsAfter is chronological.
type RoomContextResponse struct {
	Event        event.Event   `json:"event"`
	EventsBefore []event.Event `json:"events_before"`
	EventsAfter  []event.Event `json:"events_after"`
	Start        string        `json:"start"`
	End          string        `json:"end"`
	State        []event.Event `json:"state,omitempty"`
}

// RelationsOptions controls pagination for /relations.
type RelationsOptions struct {
	RelType string // filter by rel_type, e.g. "m.reference"; empty for all
	From    string // pagination token
	Limit   int    // max events; 0 uses server default
}

// RelationsResponse is returned by Relations. Chunk is in
// reverse-chronological order.
type RelationsResponse struct {
	Chunk     []event.Event `json:"chunk"`
	NextBatch string        `json:"next_batch,omitempty"`
}

// SendEventResponse is returned by SendEvent and RedactEvent.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}

// RedactRequest is the request body for a redaction.
type RedactRequest struct {
	Reason string `json:"reason,omitempty"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   ref.UserID `json:"user_id"`
	DeviceID string     `json:"device_id,omitempty"`
}

// RoomMember represents a member of a Matrix room.
type RoomMember struct {
	UserID      ref.UserID
	DisplayName string
	Membership  string
	AvatarURL   string
}

// RoomMembersResponse is returned by the /members endpoint.
type RoomMembersResponse struct {
	Chunk []event.Event `json:"chunk"`
}

// ServerVersionsResponse is returned by Client.ServerVersions.
type ServerVersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}
