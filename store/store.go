// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/timeline/event"
	"github.com/bureau-foundation/timeline/lib/clock"
	"github.com/bureau-foundation/timeline/lib/ref"
	"github.com/bureau-foundation/timeline/lib/sqlitepool"
)

// Config configures a Store.
type Config struct {
	// Logger receives structured diagnostics. Defaults to
	// slog.Default.
	Logger *slog.Logger

	// Clock supplies time. Defaults to the real clock.
	Clock clock.Clock

	// Pool, when non-nil, enables write-through persistence of the
	// chunk graph and summaries. A nil pool keeps everything in
	// memory.
	Pool *sqlitepool.Pool

	// SelfUserID is the session's own user, used to mark aggregates
	// the user contributed to (AddedByMe).
	SelfUserID ref.UserID

	// PowerLevels authorizes privileged aggregation (closing another
	// user's poll). Nil means only authors may close their polls.
	PowerLevels PowerLevelResolver

	// PollRefresher, when non-nil, is invoked (on its own goroutine)
	// after a poll closes so the caller can backfill responses this
	// client never saw. Best effort.
	PollRefresher func(roomID ref.RoomID, pollID ref.EventID)
}

// Store owns the chunk graph and relation summaries for every room the
// session knows about. It is safe for concurrent use; each room
// serializes its mutations through a per-room write lock.
type Store struct {
	logger        *slog.Logger
	clock         clock.Clock
	selfUserID    ref.UserID
	powerLevels   PowerLevelResolver
	pollRefresher func(ref.RoomID, ref.EventID)

	bus     *changeBus
	persist *persistor

	mu          sync.RWMutex
	rooms       map[ref.RoomID]*roomState
	nextChunkID ChunkID
}

// Open creates a Store. When cfg.Pool is set, previously persisted
// rooms are loaded before Open returns.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	s := &Store{
		logger:        cfg.Logger.With("component", "store"),
		clock:         cfg.Clock,
		selfUserID:    cfg.SelfUserID,
		powerLevels:   cfg.PowerLevels,
		pollRefresher: cfg.PollRefresher,
		bus:           newChangeBus(),
		rooms:         make(map[ref.RoomID]*roomState),
	}
	if cfg.Pool != nil {
		persist, err := newPersistor(cfg.Pool, s.logger)
		if err != nil {
			return nil, fmt.Errorf("store: opening persistence: %w", err)
		}
		s.persist = persist
		if err := s.loadPersisted(); err != nil {
			return nil, fmt.Errorf("store: loading persisted rooms: %w", err)
		}
	}
	return s, nil
}

// Close releases the store. The SQLite pool, if any, belongs to the
// caller and is not closed here.
func (s *Store) Close() error { return nil }

// Watch subscribes to change notifications for one room. The channel
// receives a (coalesced) signal after every committed mutation; call
// the cancel func when done.
func (s *Store) Watch(roomID ref.RoomID) (<-chan struct{}, func()) {
	return s.bus.subscribe(roomID)
}

// room returns the room's state, creating it on first use.
func (s *Store) room(roomID ref.RoomID) *roomState {
	s.mu.RLock()
	room, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if ok {
		return room
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok = s.rooms[roomID]; ok {
		return room
	}
	room = newRoomState(roomID)
	s.rooms[roomID] = room
	return room
}

func (s *Store) allocChunkID() ChunkID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextChunkID++
	return s.nextChunkID
}

// SyncBatch is one room's slice of a /sync response.
type SyncBatch struct {
	// Events is the timeline section in chronological order.
	Events []event.Event

	// StateEvents is the state section: room state as of the start of
	// the timeline section. Applied to the membership and poll maps
	// but never timelined.
	StateEvents []event.Event

	// Limited is the server's signal that events were dropped between
	// the previous sync and this timeline section.
	Limited bool

	// PrevBatch is the token paginating backward from the start of
	// this timeline section.
	PrevBatch string
}

// ApplyTimeline folds one room's sync batch into the chunk graph.
//
// The timeline section always lands at the live edge. When the batch
// is limited and a live chunk already exists, a gap has opened: the old
// live chunk is sealed (keeps its events and tokens, loses the live
// flag) and a fresh live chunk starts at PrevBatch. Backward pagination
// from the new chunk will eventually reconnect the two.
//
// Events carrying a known transaction ID reconcile their local echo in
// place before insertion, so the confirmed event keeps the echo's
// timeline position.
func (s *Store) ApplyTimeline(roomID ref.RoomID, batch SyncBatch) error {
	room := s.room(roomID)
	room.mu.Lock()
	defer room.mu.Unlock()

	for i := range batch.StateEvents {
		s.applyStateEvent(room, &batch.StateEvents[i])
	}

	live := room.liveChunk()
	var sealed *Chunk
	if live == nil || batch.Limited {
		if live != nil {
			live.IsLast = false
			sealed = live
		}
		prev := batch.PrevBatch
		live = newChunk(s.allocChunkID(), roomID)
		live.IsLast = true
		if prev != "" {
			live.PrevToken = &prev
		}
		room.indexChunk(live)
		room.liveChunkID = live.ID
	}

	for i := range batch.Events {
		e := batch.Events[i]
		if txnID := e.TransactionID(); txnID != "" {
			if s.reconcileEcho(room, txnID, e) {
				continue
			}
		}
		s.ingest(room, live, e, Forwards)
	}

	s.commit(room, live, sealed)
	return nil
}

// AddLocalEcho inserts an optimistic local event at the live edge. The
// event ID must be a local echo ID carrying the send's transaction ID.
func (s *Store) AddLocalEcho(roomID ref.RoomID, e event.Event) error {
	if !e.EventID.IsLocalEcho() {
		return fmt.Errorf("store: local echo with non-echo event ID %s", e.EventID)
	}
	room := s.room(roomID)
	room.mu.Lock()
	defer room.mu.Unlock()

	live := room.liveChunk()
	if live == nil {
		live = newChunk(s.allocChunkID(), roomID)
		live.IsLast = true
		room.indexChunk(live)
		room.liveChunkID = live.ID
	}
	s.ingest(room, live, e, Forwards)
	room.txnIndex[e.EventID.TransactionID()] = e.EventID

	s.commit(room, live)
	return nil
}

// RemoveLocalEcho drops an optimistic event whose send failed
// permanently, inverting any aggregation it contributed.
func (s *Store) RemoveLocalEcho(roomID ref.RoomID, echoID ref.EventID) error {
	if !echoID.IsLocalEcho() {
		return fmt.Errorf("store: removing non-echo event %s", echoID)
	}
	room := s.room(roomID)
	room.mu.Lock()
	defer room.mu.Unlock()

	c := room.chunkOf(echoID)
	if c == nil {
		return nil
	}
	position := c.indexOf(echoID)
	c.events = append(c.events[:position], c.events[position+1:]...)
	delete(c.byID, echoID)
	delete(room.eventChunk, echoID)
	delete(room.txnIndex, echoID.TransactionID())
	s.invertContribution(room, echoID)

	s.commit(room, c)
	return nil
}

// reconcileEcho swaps a confirmed event into its local echo's timeline
// position. Returns true when an echo was found and reconciled.
func (s *Store) reconcileEcho(room *roomState, txnID string, confirmed event.Event) bool {
	echoID, ok := room.txnIndex[txnID]
	if !ok {
		return false
	}
	delete(room.txnIndex, txnID)

	c := room.chunkOf(echoID)
	if c == nil {
		return false
	}
	stored := c.Get(echoID)
	if stored == nil {
		return false
	}

	// The confirmed event replaces the echo in place: same display and
	// state index, server-assigned identity and timestamp.
	oldEvent := stored.Event
	stored.Event = confirmed
	c.reindex(echoID, confirmed.EventID)
	delete(room.eventChunk, echoID)
	room.eventChunk[confirmed.EventID] = c.ID

	// If the echo was a reaction, promote it from local echo to
	// confirmed source.
	if relation, ok := event.ParseRelation(&oldEvent); ok {
		if reactionRel, isReaction := relation.(event.Reaction); isReaction {
			if summary := room.summaries[reactionRel.Target]; summary != nil {
				if reaction := summary.reaction(reactionRel.Key); reaction != nil {
					removeEventID(&reaction.LocalEchoIDs, echoID)
					if !reaction.contains(confirmed.EventID) {
						reaction.Sources = append(reaction.Sources, ReactionSource{
							EventID:   confirmed.EventID,
							Sender:    confirmed.Sender,
							Timestamp: confirmed.OriginServerTS,
						})
					}
					reaction.recompute(s.selfUserID)
				}
			}
		}
	}
	return true
}

// ingest adds one event to a chunk and folds it into every derived
// structure: the event index, membership, poll definitions, and
// relation summaries. Duplicate event IDs are skipped entirely.
func (s *Store) ingest(room *roomState, c *Chunk, e event.Event, direction Direction) bool {
	if room.eventChunk[e.EventID] != 0 {
		return false
	}
	if !c.Add(e, direction) {
		return false
	}
	room.eventChunk[e.EventID] = c.ID
	s.applyStateEvent(room, &e)
	if e.Type == ref.TypePollStart {
		if content, ok := event.DecodePollStart(e.Content); ok {
			room.polls[e.EventID] = &pollDefinition{content: content, sender: e.Sender}
		} else {
			s.logger.Warn("malformed poll start ignored",
				"room", room.roomID, "event", e.EventID)
		}
	}
	s.applyRelation(room, &e)
	return true
}

func (s *Store) applyStateEvent(room *roomState, e *event.Event) {
	if !e.IsState() {
		return
	}
	if e.Type == ref.TypeMember {
		room.applyMember(e)
	}
}

// commit persists the room's dirty state (when persistence is enabled)
// and publishes a change notification. Called with the room write lock
// held.
func (s *Store) commit(room *roomState, chunks ...*Chunk) {
	if s.persist != nil {
		for _, c := range chunks {
			if c == nil {
				continue
			}
			if err := s.persist.saveChunk(c); err != nil {
				s.logger.Error("persisting chunk failed",
					"room", room.roomID, "chunk", c.ID, "error", err)
			}
		}
		if err := s.persist.saveSummaries(room); err != nil {
			s.logger.Error("persisting summaries failed",
				"room", room.roomID, "error", err)
		}
	}
	s.bus.publish(room.roomID)
}

// PaginationResponse is a normalized /messages response: events in
// chronological order regardless of the requested direction.
type PaginationResponse struct {
	Direction Direction

	// Start is the token the request was made with. It must still
	// match the anchor chunk's boundary token or the response is
	// stale.
	Start string

	// End is the token for continuing in the same direction, nil when
	// the server reports no further history.
	End *string

	Events []event.Event
}

// PersistTokenChunk folds a pagination response into the anchor chunk.
// New events extend the chunk in the paginated direction; events
// already held by another chunk trigger a merge of that chunk into the
// anchor, connecting previously separate regions of the graph.
func (s *Store) PersistTokenChunk(roomID ref.RoomID, anchorID ChunkID, resp PaginationResponse) error {
	room := s.room(roomID)
	room.mu.Lock()
	defer room.mu.Unlock()

	anchor := room.chunks[anchorID]
	if anchor == nil {
		return fmt.Errorf("store: pagination anchor chunk %d gone", anchorID)
	}

	var boundary *string
	if resp.Direction == Backwards {
		boundary = anchor.PrevToken
	} else {
		boundary = anchor.NextToken
	}
	if boundary == nil || *boundary != resp.Start {
		return fmt.Errorf("store: stale pagination response for chunk %d (token %q)",
			anchorID, resp.Start)
	}

	// Walk the page outward from the anchor: backward insertion
	// prepends, so the response (chronological) is walked newest-first.
	// An event held by another chunk marks a seam; that chunk is merged
	// into the anchor in place and the walk continues, so a page
	// spanning the whole chunk keeps extending on its far side instead
	// of attaching far-side events at the near seam.
	absorbed, extended := false, false
	var insertErr error
	insert := func(e event.Event) {
		if insertErr != nil {
			return
		}
		if id, ok := room.eventChunk[e.EventID]; ok && id != anchor.ID {
			insertErr = s.absorb(room, anchor, room.chunks[id], resp.Direction)
			absorbed = true
			extended = false
			return
		}
		if s.ingest(room, anchor, e, resp.Direction) {
			extended = true
		}
	}
	if resp.Direction == Backwards {
		for i := len(resp.Events) - 1; i >= 0; i-- {
			insert(resp.Events[i])
		}
	} else {
		for i := range resp.Events {
			insert(resp.Events[i])
		}
	}
	if insertErr != nil {
		return insertErr
	}

	// The boundary token comes from the last absorbed chunk, unless the
	// page extended past it (or never ran into one): then the server's
	// continuation token is the closest known boundary.
	if !absorbed || extended {
		if resp.Direction == Backwards {
			anchor.PrevToken = resp.End
		} else {
			anchor.NextToken = resp.End
		}
	}

	s.commit(room, anchor)
	return nil
}

// absorb merges a chunk the pagination walk ran into (overlap detected
// by a shared event ID) into the anchor. The walk has already ingested
// every event between the anchor's old edge and the overlap chunk, so
// the two are adjacent at the seam; the seam token comes from whichever
// side recorded one. The merge itself goes through Chunk.Merge, which
// validates token continuity and disjointness and shifts the absorbed
// indexes. The absorbed chunk is then removed from the arena.
func (s *Store) absorb(room *roomState, anchor, other *Chunk, direction Direction) error {
	if direction == Backwards {
		if other.NextToken != nil {
			anchor.PrevToken = other.NextToken
		} else {
			other.NextToken = anchor.PrevToken
		}
	} else {
		if other.PrevToken != nil {
			anchor.NextToken = other.PrevToken
		} else {
			other.PrevToken = anchor.NextToken
		}
	}
	if err := anchor.Merge(other, direction); err != nil {
		return fmt.Errorf("store: absorbing chunk %d into %d: %w", other.ID, anchor.ID, err)
	}
	for id := range other.byID {
		room.eventChunk[id] = anchor.ID
	}
	if room.liveChunkID == other.ID {
		room.liveChunkID = anchor.ID
	}
	room.removeChunk(other.ID)
	if s.persist != nil {
		if err := s.persist.deleteChunk(room.roomID, other.ID); err != nil {
			s.logger.Error("deleting merged chunk failed",
				"room", room.roomID, "chunk", other.ID, "error", err)
		}
	}
	s.logger.Debug("merged overlapping chunks",
		"room", room.roomID, "anchor", anchor.ID, "absorbed", other.ID,
		"direction", direction)
	return nil
}

// ContextResponse is a normalized /context response for one event.
type ContextResponse struct {
	// Event is the anchor the context was fetched around.
	Event event.Event

	// EventsBefore and EventsAfter are in chronological order.
	EventsBefore []event.Event
	EventsAfter  []event.Event

	// Start and End are pagination tokens bounding the context window.
	Start *string
	End   *string

	// StateEvents is the room state at the context, applied to the
	// membership and poll maps.
	StateEvents []event.Event
}

// PersistContext materializes a /context response as a chunk. If any
// of the context's events already belong to an existing chunk, the
// context is folded into that chunk (which links it into the graph);
// otherwise a new unlinked chunk is created. Returns the chunk holding
// the anchor event.
func (s *Store) PersistContext(roomID ref.RoomID, resp ContextResponse) (ChunkID, error) {
	room := s.room(roomID)
	room.mu.Lock()
	defer room.mu.Unlock()

	for i := range resp.StateEvents {
		s.applyStateEvent(room, &resp.StateEvents[i])
	}

	ordered := make([]event.Event, 0, len(resp.EventsBefore)+1+len(resp.EventsAfter))
	ordered = append(ordered, resp.EventsBefore...)
	ordered = append(ordered, resp.Event)
	ordered = append(ordered, resp.EventsAfter...)

	// A shared event means this context overlaps loaded history: reuse
	// that chunk rather than creating a disconnected duplicate.
	var host *Chunk
	for i := range ordered {
		if c := room.chunkOf(ordered[i].EventID); c != nil {
			host = c
			break
		}
	}

	if host == nil {
		host = newChunk(s.allocChunkID(), roomID)
		host.IsUnlinked = true
		host.PrevToken = resp.Start
		host.NextToken = resp.End
		room.indexChunk(host)
		for i := range ordered {
			s.ingest(room, host, ordered[i], Forwards)
		}
		s.commit(room, host)
		return host.ID, nil
	}

	// Graft the context onto the hosting chunk: events preceding the
	// host's span prepend, the rest append. Position is decided by the
	// first shared event.
	shared := -1
	for i := range ordered {
		if host.Contains(ordered[i].EventID) {
			shared = i
			break
		}
	}
	for i := shared - 1; i >= 0; i-- {
		if room.eventChunk[ordered[i].EventID] == 0 {
			s.ingest(room, host, ordered[i], Backwards)
		}
	}
	for i := shared + 1; i < len(ordered); i++ {
		if room.eventChunk[ordered[i].EventID] == 0 {
			s.ingest(room, host, ordered[i], Forwards)
		}
	}

	s.commit(room, host)
	return host.ID, nil
}

// ApplyRelations folds a page of /relations events into the room's
// aggregation summaries without inserting them into the chunk graph.
// Used to backfill relations of an event (a closed poll's votes, for
// example) whose related events fall outside loaded history. Already
// counted relations are skipped via source-event tracking, so replaying
// overlapping pages is safe.
func (s *Store) ApplyRelations(roomID ref.RoomID, events []event.Event) error {
	room := s.room(roomID)
	room.mu.Lock()
	defer room.mu.Unlock()

	changed := false
	for i := range events {
		if s.applyRelation(room, &events[i]) {
			changed = true
		}
	}
	if changed {
		s.commit(room)
	}
	return nil
}

// MarkDecrypted records the cleartext outcome of decrypting an
// encrypted event.
func (s *Store) MarkDecrypted(roomID ref.RoomID, eventID ref.EventID, clear event.ClearContent) error {
	return s.markContent(roomID, eventID, func(stored *StoredEvent) {
		stored.Type = clear.Type
		stored.Content = clear.Content
		stored.ContentState = event.ContentClear
		stored.UTDReason = ""
	})
}

// MarkUndecryptable records a decryption failure and its reason.
func (s *Store) MarkUndecryptable(roomID ref.RoomID, eventID ref.EventID, reason event.UTDReason) error {
	return s.markContent(roomID, eventID, func(stored *StoredEvent) {
		stored.ContentState = event.ContentUTD
		stored.UTDReason = reason
	})
}

func (s *Store) markContent(roomID ref.RoomID, eventID ref.EventID, mutate func(*StoredEvent)) error {
	room := s.room(roomID)
	room.mu.Lock()
	defer room.mu.Unlock()

	c := room.chunkOf(eventID)
	if c == nil {
		return fmt.Errorf("store: event %s not loaded", eventID)
	}
	stored := c.Get(eventID)
	mutate(stored)

	// A decrypted event may turn out to be a relation.
	s.applyRelation(room, &stored.Event)

	s.commit(room, c)
	return nil
}
