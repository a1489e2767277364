// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"sync"

	"github.com/bureau-foundation/timeline/lib/ref"
)

// changeBus fans out room-scoped change notifications. Each subscriber
// holds a capacity-one channel: notifications coalesce when the
// subscriber is behind, so a burst of mutations costs one wakeup and
// one snapshot read, never a queue of stale deltas.
type changeBus struct {
	mu          sync.Mutex
	nextID      int64
	subscribers map[ref.RoomID]map[int64]chan struct{}
}

func newChangeBus() *changeBus {
	return &changeBus{
		subscribers: make(map[ref.RoomID]map[int64]chan struct{}),
	}
}

// subscribe registers a listener for one room's changes. The returned
// cancel func must be called to release the subscription; it is safe to
// call more than once.
func (b *changeBus) subscribe(roomID ref.RoomID) (<-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan struct{}, 1)
	if b.subscribers[roomID] == nil {
		b.subscribers[roomID] = make(map[int64]chan struct{})
	}
	b.subscribers[roomID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if room := b.subscribers[roomID]; room != nil {
			delete(room, id)
			if len(room) == 0 {
				delete(b.subscribers, roomID)
			}
		}
	}
	return ch, cancel
}

// publish wakes every subscriber of the room. Non-blocking: a
// subscriber with a pending notification is left as is.
func (b *changeBus) publish(roomID ref.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers[roomID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
