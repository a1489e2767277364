// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists the chunk graph: the locally cached,
// token-bounded runs of room timeline events that pagination and sync
// feed, and that live Timeline windows read.
//
// The design is arena-style: rooms own chunks by integer ID, chunks
// own ordered event records, and every cross-reference is an ID lookup
// rather than an owning pointer. All mutations for a room are
// serialized through the room's write lock (single-writer discipline);
// snapshot reads take the read lock and copy out.
//
// Three invariants rule the chunk graph:
//
//   - No duplication: an event ID appears at most once per chunk, and
//     a duplicate across two chunks triggers an overlap merge rather
//     than a second copy.
//   - Order: within a chunk, events are chronological and their state
//     indexes are non-decreasing.
//   - Token continuity: merging two chunks requires their boundary
//     tokens to match; a mismatch is a programming error surfaced as a
//     failed merge, never silently patched.
//
// Relation aggregation (reactions, edits, redactions, polls) maintains
// derived per-event summaries alongside the chunk graph; see
// aggregator.go. Changes publish room-scoped notifications through a
// coalescing bus (bus.go). When opened with a SQLite pool, every
// committed mutation is mirrored write-through to disk (persist.go).
package store
