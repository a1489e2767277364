// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/timeline/event"
	"github.com/bureau-foundation/timeline/lib/ref"
	"github.com/bureau-foundation/timeline/lib/sqlitepool"
)

func newTestPool(t *testing.T) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "timeline.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestPersistRoundTrip(t *testing.T) {
	pool := newTestPool(t)

	first, err := Open(Config{SelfUserID: selfUser, Pool: pool})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	target := ref.MustParseEventID("$m1")
	if err := first.ApplyTimeline(testRoom, SyncBatch{
		Events: []event.Event{
			message("m1", 1),
			memberEvent("j1", 2, "@bob:example.org"),
			message("m2", 3),
			reaction("r1", 4, otherUser, target, "👍"),
		},
		PrevBatch: "t0",
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	before := first.LatestWindow(testRoom, 10)

	second, err := Open(Config{SelfUserID: selfUser, Pool: pool})
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	after := second.LatestWindow(testRoom, 10)

	requireOrder(t, after, windowIDs(before)...)
	if !after.IsLive {
		t.Error("restored live chunk lost liveness")
	}
	for i := range before.Events {
		if after.Events[i].StateIndex != before.Events[i].StateIndex {
			t.Fatalf("state index drifted for %s", after.Events[i].EventID)
		}
		if after.Events[i].DisplayIndex != before.Events[i].DisplayIndex {
			t.Fatalf("display index drifted for %s", after.Events[i].EventID)
		}
	}
	if start, ok := second.PaginationToken(testRoom, after.ChunkID, Backwards); !ok || start != "t0" {
		t.Errorf("restored token = %q %v, want t0", start, ok)
	}

	summary := second.Annotation(testRoom, target)
	if summary == nil || summary.reaction("👍") == nil || summary.reaction("👍").Count() != 1 {
		t.Fatal("reaction summary lost across restart")
	}
}

func TestPersistSkipsLocalEchoes(t *testing.T) {
	pool := newTestPool(t)

	first, err := Open(Config{SelfUserID: selfUser, Pool: pool})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	apply(t, first, message("m1", 1))
	if err := first.AddLocalEcho(testRoom, event.Event{
		EventID:        ref.NewLocalEchoID("txn-1"),
		Type:           ref.TypeMessage,
		RoomID:         testRoom,
		Sender:         selfUser,
		OriginServerTS: 2,
		Content:        event.NewMessageContent("unconfirmed"),
	}); err != nil {
		t.Fatalf("adding echo: %v", err)
	}

	second, err := Open(Config{SelfUserID: selfUser, Pool: pool})
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	requireOrder(t, second.LatestWindow(testRoom, 10), "$m1")
}

func TestPersistDropsCorruptRows(t *testing.T) {
	pool := newTestPool(t)

	first, err := Open(Config{SelfUserID: selfUser, Pool: pool})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	apply(t, first, message("m1", 1))

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("taking conn: %v", err)
	}
	if err := sqlitex.Execute(conn,
		`UPDATE chunks SET blob = x'deadbeef'`, nil); err != nil {
		pool.Put(conn)
		t.Fatalf("corrupting row: %v", err)
	}
	pool.Put(conn)

	second, err := Open(Config{SelfUserID: selfUser, Pool: pool})
	if err != nil {
		t.Fatalf("reopening over corrupt row: %v", err)
	}
	if window := second.LatestWindow(testRoom, 10); len(window.Events) != 0 {
		t.Fatal("corrupt chunk row surfaced events")
	}

	// The corrupt row was deleted, not left to fail every load.
	conn, err = pool.Take(context.Background())
	if err != nil {
		t.Fatalf("taking conn: %v", err)
	}
	defer pool.Put(conn)
	var rows int
	if err := sqlitex.Execute(conn, `SELECT COUNT(*) FROM chunks`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rows = stmt.ColumnInt(0)
			return nil
		},
	}); err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if rows != 0 {
		t.Fatalf("corrupt rows remaining = %d, want 0", rows)
	}
}
