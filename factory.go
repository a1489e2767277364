// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"sync"

	"github.com/bureau-foundation/timeline/event"
	"github.com/bureau-foundation/timeline/lib/ref"
	"github.com/bureau-foundation/timeline/store"
)

// Event is a render-ready timeline entry: the stored event enriched
// with its resolved sender profile and display-level derivations.
type Event struct {
	store.SnapshotEvent

	// Sender is the sender's profile resolved as of this event's
	// position in room history.
	Sender store.SenderProfile

	// Body is the display body: the latest accepted edit's body when
	// the event has been edited, the original body otherwise, empty
	// when redacted or undecryptable.
	Body string

	// Edited is true when an accepted edit replaces the original
	// content.
	Edited bool

	// Redacted is true when the event's content has been stripped by a
	// redaction.
	Redacted bool
}

type profileKey struct {
	sender     ref.UserID
	stateIndex int
}

// EventFactory turns window snapshots into render-ready events. Sender
// profiles are resolved per (sender, state index) and cached; the cache
// drops whenever the room's membership generation moves, since a
// profile change or a join can flip display-name ambiguity for events
// that resolved cleanly before.
type EventFactory struct {
	store *store.Store

	mu            sync.Mutex
	memberVersion uint64
	profiles      map[profileKey]store.SenderProfile
}

// NewEventFactory creates a factory backed by the store's membership
// records.
func NewEventFactory(s *store.Store) *EventFactory {
	return &EventFactory{
		store:    s,
		profiles: make(map[profileKey]store.SenderProfile),
	}
}

// Render converts a window snapshot into render-ready events, in the
// snapshot's order.
func (f *EventFactory) Render(roomID ref.RoomID, window store.WindowSnapshot) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	if window.MemberVersion != f.memberVersion {
		clear(f.profiles)
		f.memberVersion = window.MemberVersion
	}

	events := make([]Event, 0, len(window.Events))
	for i := range window.Events {
		snapshot := window.Events[i]
		rendered := Event{
			SnapshotEvent: snapshot,
			Sender:        f.profile(roomID, &snapshot),
		}
		if snapshot.Unsigned != nil && !snapshot.Unsigned.RedactedBecause.IsZero() {
			rendered.Redacted = true
		} else if snapshot.ContentState != event.ContentUTD {
			if edit := latestEdit(snapshot.Annotations); edit != nil {
				rendered.Body = event.Body(edit.Content)
				rendered.Edited = true
			} else {
				rendered.Body = event.Body(snapshot.Content)
			}
		}
		events = append(events, rendered)
	}
	return events
}

func (f *EventFactory) profile(roomID ref.RoomID, snapshot *store.SnapshotEvent) store.SenderProfile {
	key := profileKey{sender: snapshot.Sender, stateIndex: snapshot.StateIndex}
	if cached, ok := f.profiles[key]; ok {
		return cached
	}
	resolved, err := f.store.ResolveSender(roomID, snapshot.EventID)
	if err != nil {
		// Local echoes are not indexed; show the bare user ID.
		return store.SenderProfile{
			UserID:      snapshot.Sender,
			DisplayName: snapshot.Sender.String(),
		}
	}
	f.profiles[key] = resolved
	return resolved
}

func latestEdit(annotations *store.Annotations) *store.EditRecord {
	if annotations == nil || annotations.Edit == nil {
		return nil
	}
	return annotations.Edit.Latest()
}
