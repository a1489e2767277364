// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package timeline assembles live, scrollable views of Matrix room
// history from the locally cached chunk graph.
//
// A [Timeline] is a window over one room: it starts at the live edge
// (or anchored at a permalinked event via [Timeline.RestartAtEvent]),
// grows through [Timeline.PaginateBackwards] and
// [Timeline.PaginateForwards], and delivers render-ready snapshots on
// [Timeline.Updates] whenever the underlying room changes. Pagination
// prefers events already cached locally and falls back to /messages
// fetches through the configured [messaging.Session]; responses land in
// the shared [store.Store], where token and overlap merges stitch the
// chunk graph back together.
//
// [Syncer] drives the /sync long-poll loop feeding the store, and
// [EventFactory] resolves sender profiles as of each event's position
// in room history, caching per (sender, state index) and invalidating
// when room membership changes.
package timeline
