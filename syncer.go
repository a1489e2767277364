// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/timeline/lib/clock"
	"github.com/bureau-foundation/timeline/messaging"
	"github.com/bureau-foundation/timeline/store"
)

// SyncerConfig configures a Syncer.
type SyncerConfig struct {
	Session messaging.Session
	Store   *store.Store

	// Logger receives structured diagnostics. Defaults to slog.Default.
	Logger *slog.Logger

	// Clock supplies time for error backoff. Defaults to the real
	// clock.
	Clock clock.Clock

	// Timeout is the /sync long-poll duration. Defaults to 30 seconds.
	Timeout time.Duration

	// Since resumes from a previous session's next_batch token. Empty
	// starts with an initial sync.
	Since string

	// Filter is a filter ID or inline JSON filter applied to /sync.
	Filter string

	// OnToken, when non-nil, is called with each new next_batch token
	// so the caller can persist it for the next session.
	OnToken func(token string)
}

// Syncer drives the /sync long-poll loop, folding each response into
// the store room by room. The store's change bus fans the updates out
// to every Timeline watching a room.
type Syncer struct {
	session messaging.Session
	store   *store.Store
	logger  *slog.Logger
	clock   clock.Clock
	timeout time.Duration
	since   string
	filter  string
	onToken func(string)
}

// NewSyncer creates a Syncer. Call Run to start the loop.
func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("timeline: Session is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("timeline: Store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Syncer{
		session: cfg.Session,
		store:   cfg.Store,
		logger:  cfg.Logger.With("component", "syncer"),
		clock:   cfg.Clock,
		timeout: cfg.Timeout,
		since:   cfg.Since,
		filter:  cfg.Filter,
		onToken: cfg.OnToken,
	}, nil
}

// Run loops /sync until the context is cancelled. Transient failures
// back off exponentially and resume from the last good token; the sync
// position never moves on error, so no events are skipped.
func (s *Syncer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		response, err := s.session.Sync(ctx, messaging.SyncOptions{
			Since:      s.since,
			Timeout:    int(s.timeout.Milliseconds()),
			SetTimeout: s.since != "",
			Filter:     s.filter,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("sync failed, backing off", "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(backoff):
			}
			if backoff < time.Minute {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		s.apply(response)
		s.since = response.NextBatch
		if s.onToken != nil {
			s.onToken(s.since)
		}
	}
}

// apply folds every joined room's batch into the store. A room that
// fails to apply is logged and skipped; one bad room must not stall
// the sync position for the rest.
func (s *Syncer) apply(response *messaging.SyncResponse) {
	for roomID, room := range response.Rooms.Join {
		err := s.store.ApplyTimeline(roomID, store.SyncBatch{
			Events:      room.Timeline.Events,
			StateEvents: room.State.Events,
			Limited:     room.Timeline.Limited,
			PrevBatch:   room.Timeline.PrevBatch,
		})
		if err != nil {
			s.logger.Error("applying sync batch", "room", roomID, "error", err)
		}
	}
}
