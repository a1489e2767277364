// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/timeline/event"
	"github.com/bureau-foundation/timeline/lib/clock"
	"github.com/bureau-foundation/timeline/lib/ref"
	"github.com/bureau-foundation/timeline/lib/testutil"
	"github.com/bureau-foundation/timeline/messaging"
	"github.com/bureau-foundation/timeline/store"
)

func joinedRoomResponse(nextBatch, prevBatch string, limited bool, events ...event.Event) *messaging.SyncResponse {
	return &messaging.SyncResponse{
		NextBatch: nextBatch,
		Rooms: messaging.RoomsSection{
			Join: map[ref.RoomID]messaging.JoinedRoom{
				testRoom: {
					Timeline: messaging.TimelineSection{
						Events:    events,
						PrevBatch: prevBatch,
						Limited:   limited,
					},
				},
			},
		},
	}
}

func TestSyncerAppliesBatchesAndAdvances(t *testing.T) {
	s := newTestStore(t)
	responses := []*messaging.SyncResponse{
		joinedRoomResponse("s1", "t0", false, message("m1", 1)),
		joinedRoomResponse("s2", "", false, message("m2", 2)),
	}

	var mu sync.Mutex
	var sinceSeen []string
	served := 0
	session := &fakeSession{}
	session.syncFn = func(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
		mu.Lock()
		sinceSeen = append(sinceSeen, options.Since)
		index := served
		served++
		mu.Unlock()
		if index < len(responses) {
			return responses[index], nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	var tokens []string
	syncer, err := NewSyncer(SyncerConfig{
		Session: session,
		Store:   s,
		OnToken: func(token string) {
			mu.Lock()
			tokens = append(tokens, token)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("creating syncer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- syncer.Run(ctx) }()

	// Wait for both batches to land and for the third sync call (the
	// one that parks on the long poll) to record its since token.
	for deadline := time.Now().Add(5 * time.Second); ; {
		mu.Lock()
		parked := served >= 3
		mu.Unlock()
		if parked && len(s.LatestWindow(testRoom, 10).Events) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sync batches never reached the store")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "syncer exit"); !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if sinceSeen[0] != "" || sinceSeen[1] != "s1" || sinceSeen[2] != "s2" {
		t.Errorf("since progression = %v", sinceSeen)
	}
	if len(tokens) != 2 || tokens[1] != "s2" {
		t.Errorf("tokens = %v", tokens)
	}
}

func TestSyncerBacksOffOnError(t *testing.T) {
	s := newTestStore(t)
	fakeClock := clock.Fake(time.Unix(1700000000, 0))

	var mu sync.Mutex
	calls := 0
	session := &fakeSession{}
	session.syncFn = func(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("connection reset")
		}
		if n == 2 {
			// The sync position must not have moved past the failure.
			if options.Since != "" {
				t.Errorf("since = %q after failed initial sync", options.Since)
			}
			return joinedRoomResponse("s1", "t0", false, message("m1", 1)), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	syncer, err := NewSyncer(SyncerConfig{Session: session, Store: s, Clock: fakeClock})
	if err != nil {
		t.Fatalf("creating syncer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- syncer.Run(ctx) }()

	// The loop parks on the backoff timer after the first failure.
	fakeClock.WaitForWaiters(1)
	fakeClock.Advance(time.Second)

	for deadline := time.Now().Add(5 * time.Second); ; {
		if window := s.LatestWindow(testRoom, 10); len(window.Events) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sync never recovered after backoff")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	testutil.RequireReceive(t, done, 5*time.Second, "syncer exit")
}

func TestSyncerLimitedBatchOpensGap(t *testing.T) {
	s := newTestStore(t)
	served := 0
	session := &fakeSession{}
	session.syncFn = func(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
		served++
		switch served {
		case 1:
			return joinedRoomResponse("s1", "t0", false, message("m1", 1)), nil
		case 2:
			// Limited: events were dropped between m1 and m50.
			return joinedRoomResponse("s2", "t49", true, message("m50", 50)), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	syncer, err := NewSyncer(SyncerConfig{Session: session, Store: s})
	if err != nil {
		t.Fatalf("creating syncer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- syncer.Run(ctx) }()

	var window = s.LatestWindow(testRoom, 10)
	for deadline := time.Now().Add(5 * time.Second); ; {
		window = s.LatestWindow(testRoom, 10)
		if len(window.Events) == 1 && window.Events[0].EventID.String() == "$m50" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("limited batch never sealed the live chunk")
		}
		time.Sleep(time.Millisecond)
	}

	// The new live chunk paginates backward from the gap token, not
	// from the old chunk's token.
	if token, ok := s.PaginationToken(testRoom, window.ChunkID, store.Backwards); !ok || token != "t49" {
		t.Errorf("gap token = %q, %v", token, ok)
	}

	cancel()
	testutil.RequireReceive(t, done, 5*time.Second, "syncer exit")
}
