// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"testing"

	"github.com/bureau-foundation/timeline/lib/ref"
)

func TestBusRoomScoping(t *testing.T) {
	bus := newChangeBus()
	roomA := ref.MustParseRoomID("!a:example.org")
	roomB := ref.MustParseRoomID("!b:example.org")

	chA, cancelA := bus.subscribe(roomA)
	defer cancelA()
	chB, cancelB := bus.subscribe(roomB)
	defer cancelB()

	bus.publish(roomA)

	select {
	case <-chA:
	default:
		t.Fatal("subscriber of published room not notified")
	}
	select {
	case <-chB:
		t.Fatal("subscriber of other room notified")
	default:
	}
}

func TestBusCancelStopsDelivery(t *testing.T) {
	bus := newChangeBus()
	roomA := ref.MustParseRoomID("!a:example.org")

	ch, cancel := bus.subscribe(roomA)
	cancel()
	cancel() // safe to call twice

	bus.publish(roomA)
	select {
	case <-ch:
		t.Fatal("cancelled subscriber notified")
	default:
	}
}
