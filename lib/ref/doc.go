// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable Matrix identifier
// types for the timeline cache: room IDs, event IDs, user IDs, and
// event types.
//
// Identifiers arrive from the homeserver as strings (in /sync
// responses, pagination chunks, and send acknowledgements) and are
// parsed into these types at the deserialization boundary. All
// constructors validate their inputs and return errors for malformed
// identifiers. Once constructed, a ref is immutable.
//
// JSON marshaling uses the canonical Matrix string form via
// encoding.TextMarshaler, so refs can be embedded directly in wire
// structs and persisted records.
package ref
