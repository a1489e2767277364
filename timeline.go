// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/timeline/lib/clock"
	"github.com/bureau-foundation/timeline/lib/ref"
	"github.com/bureau-foundation/timeline/messaging"
	"github.com/bureau-foundation/timeline/store"
)

// ErrDisposed is returned by operations on a disposed Timeline.
var ErrDisposed = errors.New("timeline: disposed")

// Config configures a Timeline.
type Config struct {
	RoomID  ref.RoomID
	Store   *store.Store
	Session messaging.Session

	// Logger receives structured diagnostics. Defaults to slog.Default.
	Logger *slog.Logger

	// Clock supplies time for retry backoff. Defaults to the real clock.
	Clock clock.Clock

	// InitialCount is how many events the live window starts with.
	// Defaults to 20.
	InitialCount int

	// PageSize is the /messages request size. Defaults to 30.
	PageSize int

	// ContextLimit is the /context request size for RestartAtEvent.
	// Defaults to 20.
	ContextLimit int
}

// Snapshot is one consistent, render-ready view of the window.
// Snapshots are delivered in order: a later snapshot always reflects a
// later state of the room.
type Snapshot struct {
	Events []Event

	// HasMoreBackwards / HasMoreForwards report whether pagination in
	// that direction can yield more events, locally or from the
	// network.
	HasMoreBackwards bool
	HasMoreForwards  bool

	// IsLive is true when the window tracks the room's live edge and
	// new sync events append to it directly.
	IsLive bool
}

// Timeline is a scrollable window over one room's history. Safe for
// concurrent use; snapshot delivery is serialized through a single
// dispatch goroutine so consumers never observe updates out of order.
type Timeline struct {
	roomID  ref.RoomID
	store   *store.Store
	session messaging.Session
	logger  *slog.Logger
	clock   clock.Clock
	factory *EventFactory

	pageSize     int
	contextLimit int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	updates     chan Snapshot
	kick        chan struct{}
	watchCancel func()

	mu       sync.Mutex
	disposed bool

	// Window shape. In live mode the window is the newest size events
	// of the live chunk. Anchored mode (after RestartAtEvent) tracks
	// an anchor event with before/after extents, and flips back to
	// live when forward pagination reaches the live edge.
	live          bool
	size          int
	anchor        ref.EventID
	before, after int

	// chunkID is the chunk the window currently reads from, refreshed
	// on every snapshot. Pagination tokens are resolved against it.
	chunkID store.ChunkID

	// Per-direction pagination single-flight. A request arriving while
	// its direction is in flight coalesces: the extra count is noted
	// and served when the active fetch completes.
	inflight [2]bool
	pending  [2]int
}

// New creates a Timeline positioned at the room's live edge. The
// returned Timeline immediately delivers an initial snapshot on
// Updates.
func New(cfg Config) (*Timeline, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("timeline: Store is required")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("timeline: Session is required")
	}
	if cfg.RoomID.IsZero() {
		return nil, fmt.Errorf("timeline: RoomID is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.InitialCount <= 0 {
		cfg.InitialCount = 20
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 30
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = 20
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Timeline{
		roomID:       cfg.RoomID,
		store:        cfg.Store,
		session:      cfg.Session,
		logger:       cfg.Logger.With("component", "timeline", "room", cfg.RoomID),
		clock:        cfg.Clock,
		factory:      NewEventFactory(cfg.Store),
		pageSize:     cfg.PageSize,
		contextLimit: cfg.ContextLimit,
		ctx:          ctx,
		cancel:       cancel,
		updates:      make(chan Snapshot, 1),
		kick:         make(chan struct{}, 1),
		live:         true,
		size:         cfg.InitialCount,
	}

	watchCh, watchCancel := cfg.Store.Watch(cfg.RoomID)
	t.watchCancel = watchCancel

	t.wg.Add(1)
	go t.dispatch(watchCh)
	t.wake()
	return t, nil
}

// Updates delivers snapshots. The channel coalesces: a slow consumer
// sees the latest state, never a backlog of stale intermediates, and
// successive receives are always newer. The channel closes on Dispose.
func (t *Timeline) Updates() <-chan Snapshot {
	return t.updates
}

// Dispose tears the Timeline down: in-flight fetches are cancelled and
// the updates channel closes once the dispatcher drains.
func (t *Timeline) Dispose() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	t.mu.Unlock()

	t.cancel()
	t.watchCancel()
	t.wg.Wait()
	close(t.updates)
}

// HasMoreBackwards reports whether backward pagination can yield more
// events.
func (t *Timeline) HasMoreBackwards() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buildWindow().HasMoreBackwards
}

// HasMoreForwards reports whether forward pagination can yield more
// events.
func (t *Timeline) HasMoreForwards() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buildWindow().HasMoreForwards
}

// PaginateBackwards extends the window with up to count older events.
// Events already cached locally are used without network traffic; the
// remainder is fetched from /messages. A request arriving while a
// backward fetch is in flight coalesces with it. Returns immediately;
// results arrive on Updates.
func (t *Timeline) PaginateBackwards(count int) error {
	return t.paginate(store.Backwards, count)
}

// PaginateForwards extends the window with up to count newer events.
// No-op when the window is live (sync appends newer events on its own).
func (t *Timeline) PaginateForwards(count int) error {
	return t.paginate(store.Forwards, count)
}

func (t *Timeline) paginate(direction store.Direction, count int) error {
	if count <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return ErrDisposed
	}

	beforeWindow := t.buildWindow()
	loaded := len(beforeWindow.Events)

	// Local fast path: grow the window over events the chunk already
	// holds. Only the shortfall goes to the network.
	t.grow(direction, count)
	afterWindow := t.buildWindow()
	gained := len(afterWindow.Events) - loaded
	t.wake()

	remaining := count - gained
	if remaining <= 0 {
		return nil
	}
	if _, ok := t.store.PaginationToken(t.roomID, t.chunkID, direction); !ok {
		// End of history (or the live edge): nothing to fetch.
		return nil
	}

	if t.inflight[direction] {
		t.pending[direction] += remaining
		return nil
	}
	t.inflight[direction] = true
	t.wg.Add(1)
	go t.runPagination(direction, remaining)
	return nil
}

// grow extends the window shape in one direction. Caller holds mu.
func (t *Timeline) grow(direction store.Direction, count int) {
	if t.live {
		if direction == store.Backwards {
			t.size += count
		}
		return
	}
	if direction == store.Backwards {
		t.before += count
	} else {
		t.after += count
	}
}

// RestartAtEvent re-anchors the window around an arbitrary event (a
// permalink jump). If the event is already cached the move is local;
// otherwise a /context fetch materializes a window around it.
// Synchronous: when it returns nil the next snapshot is anchored.
func (t *Timeline) RestartAtEvent(ctx context.Context, eventID ref.EventID, before, after int) error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	t.mu.Unlock()

	if _, err := t.store.WindowAround(t.roomID, eventID, 0, 0); err != nil {
		if err := t.fetchContext(ctx, eventID); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return ErrDisposed
	}
	t.live = false
	t.anchor = eventID
	t.before = before
	t.after = after
	t.wake()
	return nil
}

// buildWindow reads the current window from the store. Caller holds mu.
// Anchored windows that reach the live edge flip the Timeline back to
// live mode.
func (t *Timeline) buildWindow() store.WindowSnapshot {
	var window store.WindowSnapshot
	if t.live {
		window = t.store.LatestWindow(t.roomID, t.size)
	} else {
		var err error
		window, err = t.store.WindowAround(t.roomID, t.anchor, t.before, t.after)
		if err != nil {
			// Anchor vanished (echo removal, corrupt-row drop on
			// restart). Fall back to live rather than going dark.
			t.logger.Warn("window anchor lost, reverting to live", "anchor", t.anchor)
			t.live = true
			t.size = t.before + t.after + 1
			window = t.store.LatestWindow(t.roomID, t.size)
		}
		if window.IsLive {
			t.live = true
			t.size = len(window.Events)
		}
	}
	t.chunkID = window.ChunkID
	return window
}

// wake nudges the dispatcher to rebuild and deliver a snapshot.
func (t *Timeline) wake() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// dispatch is the single delivery goroutine: it turns store change
// notifications and window mutations into ordered snapshots.
func (t *Timeline) dispatch(watchCh <-chan struct{}) {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-watchCh:
		case <-t.kick:
		}

		t.mu.Lock()
		window := t.buildWindow()
		t.mu.Unlock()

		snapshot := Snapshot{
			Events:           t.factory.Render(t.roomID, window),
			HasMoreBackwards: window.HasMoreBackwards,
			HasMoreForwards:  window.HasMoreForwards,
			IsLive:           window.IsLive,
		}

		// Coalescing delivery: replace a stale undelivered snapshot
		// rather than queueing behind it.
		for {
			select {
			case t.updates <- snapshot:
			default:
				select {
				case <-t.updates:
				default:
				}
				continue
			}
			break
		}
	}
}
