// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bureau-foundation/timeline/event"
	"github.com/bureau-foundation/timeline/lib/ref"
	"github.com/bureau-foundation/timeline/messaging"
	"github.com/bureau-foundation/timeline/store"
)

const maxFetchAttempts = 5

// runPagination is the network half of paginate: fetch a /messages
// page in the given direction, persist it into the chunk graph, grow
// the window over the new events, and relaunch if more requests
// coalesced while this one was in flight.
func (t *Timeline) runPagination(direction store.Direction, want int) {
	defer t.wg.Done()

	err := t.fetchPage(direction, want)
	if err != nil && t.ctx.Err() == nil {
		t.logger.Error("pagination failed", "direction", direction, "error", err)
	}

	t.mu.Lock()
	t.inflight[direction] = false
	queued := t.pending[direction]
	t.pending[direction] = 0
	relaunch := false
	if queued > 0 && !t.disposed && err == nil {
		if _, ok := t.store.PaginationToken(t.roomID, t.chunkID, direction); ok {
			t.inflight[direction] = true
			relaunch = true
		}
	}
	t.mu.Unlock()

	if relaunch {
		t.wg.Add(1)
		go t.runPagination(direction, queued)
	}
	t.wake()
}

func (t *Timeline) fetchPage(direction store.Direction, want int) error {
	t.mu.Lock()
	chunkID := t.chunkID
	t.mu.Unlock()

	token, ok := t.store.PaginationToken(t.roomID, chunkID, direction)
	if !ok {
		return nil
	}

	limit := want
	if limit < t.pageSize {
		limit = t.pageSize
	}
	dir := "b"
	if direction == store.Forwards {
		dir = "f"
	}

	var response *messaging.RoomMessagesResponse
	err := t.withRetry(t.ctx, "messages", func() error {
		var fetchErr error
		response, fetchErr = t.session.RoomMessages(t.ctx, t.roomID, messaging.RoomMessagesOptions{
			From:      token,
			Direction: dir,
			Limit:     limit,
		})
		return fetchErr
	})
	if err != nil {
		return err
	}

	// Normalize to chronological order; /messages dir=b returns newest
	// first. An empty end token means the direction is exhausted.
	events := response.Chunk
	if direction == store.Backwards {
		events = reverseEvents(events)
	}
	var end *string
	if response.End != "" && response.End != token {
		endToken := response.End
		end = &endToken
	}

	if err := t.store.PersistTokenChunk(t.roomID, chunkID, store.PaginationResponse{
		Direction: direction,
		Start:     token,
		End:       end,
		Events:    events,
	}); err != nil {
		return err
	}

	t.mu.Lock()
	t.grow(direction, len(events))
	t.mu.Unlock()
	return nil
}

// fetchContext materializes a window around an uncached event from
// /context.
func (t *Timeline) fetchContext(ctx context.Context, eventID ref.EventID) error {
	var response *messaging.RoomContextResponse
	err := t.withRetry(ctx, "context", func() error {
		var fetchErr error
		response, fetchErr = t.session.RoomContext(ctx, t.roomID, eventID, t.contextLimit)
		return fetchErr
	})
	if err != nil {
		return fmt.Errorf("timeline: fetching context for %s: %w", eventID, err)
	}

	var start, end *string
	if response.Start != "" {
		startToken := response.Start
		start = &startToken
	}
	if response.End != "" {
		endToken := response.End
		end = &endToken
	}

	_, err = t.store.PersistContext(t.roomID, store.ContextResponse{
		Event: response.Event,
		// events_before arrives reverse-chronological per the
		// Client-Server API.
		EventsBefore: reverseEvents(response.EventsBefore),
		EventsAfter:  response.EventsAfter,
		Start:        start,
		End:          end,
		StateEvents:  response.State,
	})
	if err != nil {
		return fmt.Errorf("timeline: persisting context for %s: %w", eventID, err)
	}
	return nil
}

// RefreshRelations backfills relations of one event (typically a
// closed poll) from /relations, folding every page into the store.
func (t *Timeline) RefreshRelations(ctx context.Context, eventID ref.EventID) error {
	from := ""
	for {
		var response *messaging.RelationsResponse
		err := t.withRetry(ctx, "relations", func() error {
			var fetchErr error
			response, fetchErr = t.session.Relations(ctx, t.roomID, eventID, messaging.RelationsOptions{
				From:  from,
				Limit: t.pageSize,
			})
			return fetchErr
		})
		if err != nil {
			return fmt.Errorf("timeline: fetching relations for %s: %w", eventID, err)
		}
		if err := t.store.ApplyRelations(t.roomID, response.Chunk); err != nil {
			return err
		}
		if response.NextBatch == "" {
			return nil
		}
		from = response.NextBatch
	}
}

// withRetry runs fn with exponential backoff on transient failures.
// Protocol errors (4xx other than rate limiting) fail immediately:
// retrying a request the server rejected is noise, not resilience.
func (t *Timeline) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := time.Second
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}
		if attempt >= maxFetchAttempts {
			return fmt.Errorf("timeline: %s failed after %d attempts: %w", op, attempt, err)
		}
		t.logger.Warn("transient fetch failure, retrying",
			"op", op, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.clock.After(backoff):
		}
		backoff *= 2
	}
}

// retryable classifies an error as transient (network failure, server
// error, rate limit) or permanent (client-side protocol error).
func retryable(err error) bool {
	var matrixErr *messaging.MatrixError
	if errors.As(err, &matrixErr) {
		if matrixErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return matrixErr.StatusCode >= 500
	}
	// Non-Matrix errors are transport failures.
	return true
}

func reverseEvents(events []event.Event) []event.Event {
	reversed := make([]event.Event, len(events))
	for i, e := range events {
		reversed[len(events)-1-i] = e
	}
	return reversed
}
