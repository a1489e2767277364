// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the slice of the Matrix client-server API the
// timeline engine consumes.
//
// [Client] is an unauthenticated Matrix client handling login and token
// reuse, returning authenticated [DirectSession] values. Client holds
// the homeserver URL and HTTP transport, shared across all Sessions
// derived from it.
//
// [DirectSession] wraps a Client with an access token for the
// authenticated operations the engine needs: incremental /sync with
// long-polling, /messages pagination, /context permalink windows,
// /relations backfill, idempotent event sending with caller-owned
// transaction IDs, redactions, and room state/member queries.
//
// [Session] is the interface the timeline engine depends on; tests
// substitute fakes to drive sync and pagination without a homeserver.
//
// All API errors are returned as [*MatrixError] with the standard
// Matrix error code (M_FORBIDDEN, M_NOT_FOUND, etc.) and HTTP status
// code. [IsMatrixError] tests for a specific code. Request URLs are
// built by string concatenation rather than url.URL to avoid
// double-encoding of path segments that contain URL-encoded characters.
package messaging
