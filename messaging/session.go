// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"

	"github.com/bureau-foundation/timeline/event"
	"github.com/bureau-foundation/timeline/lib/ref"
)

// Session is the Matrix surface the timeline engine consumes. The
// production implementation is *DirectSession; tests substitute fakes
// so pagination and sync behavior can be driven without a homeserver.
type Session interface {
	// UserID returns the fully-qualified Matrix user ID of the session.
	UserID() ref.UserID

	// Close releases any resources held by the session. Idempotent.
	Close() error

	// Sync performs an incremental sync with the homeserver.
	Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error)

	// RoomMessages fetches paginated messages from a room.
	RoomMessages(ctx context.Context, roomID ref.RoomID, options RoomMessagesOptions) (*RoomMessagesResponse, error)

	// RoomContext fetches the events surrounding one event.
	RoomContext(ctx context.Context, roomID ref.RoomID, eventID ref.EventID, limit int) (*RoomContextResponse, error)

	// Relations fetches events related to the given event.
	Relations(ctx context.Context, roomID ref.RoomID, eventID ref.EventID, options RelationsOptions) (*RelationsResponse, error)

	// SendEvent sends an event with the given transaction ID. Returns
	// the server-assigned event ID.
	SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, transactionID string, content any) (ref.EventID, error)

	// RedactEvent redacts an event. Returns the redaction's event ID.
	RedactEvent(ctx context.Context, roomID ref.RoomID, target ref.EventID, reason string) (ref.EventID, error)

	// RoomState fetches all current state events from a room.
	RoomState(ctx context.Context, roomID ref.RoomID) ([]event.Event, error)

	// RoomMembers returns the members of a room.
	RoomMembers(ctx context.Context, roomID ref.RoomID) ([]RoomMember, error)

	// NewTransactionID generates a unique transaction ID for a send.
	NewTransactionID() string
}

// Compile-time check: *DirectSession implements Session.
var _ Session = (*DirectSession)(nil)
