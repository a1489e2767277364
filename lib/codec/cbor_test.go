// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"

	"github.com/bureau-foundation/timeline/lib/ref"
)

func TestDeterministicEncoding(t *testing.T) {
	record := map[string]any{
		"zebra": 1,
		"alpha": "two",
		"mid":   []any{"a", "b"},
	}
	first, err := Marshal(record)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	second, err := Marshal(record)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("same record produced different bytes")
	}
}

func TestRefRoundTrip(t *testing.T) {
	type record struct {
		Room   ref.RoomID  `cbor:"room_id"`
		Event  ref.EventID `cbor:"event_id"`
		Sender ref.UserID  `cbor:"sender"`
	}
	original := record{
		Room:   ref.MustParseRoomID("!r:x"),
		Event:  ref.MustParseEventID("$e"),
		Sender: ref.MustParseUserID("@u:x"),
	}
	encoded, err := Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded record
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestAnyMapsDecodeWithStringKeys(t *testing.T) {
	encoded, err := Marshal(map[string]any{"body": "hi", "nested": map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded any
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	asMap, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type %T, want map[string]any", decoded)
	}
	if _, ok := asMap["nested"].(map[string]any); !ok {
		t.Errorf("nested decoded type %T, want map[string]any", asMap["nested"])
	}
}
