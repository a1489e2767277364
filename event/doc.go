// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the immutable wire-format unit of the timeline
// cache: the Matrix event, as delivered by the homeserver or
// synthesized locally as an optimistic echo of a just-sent message.
//
// The package also defines the closed set of relation kinds the
// aggregation layer understands (reaction, edit, redaction, poll
// response, poll end, reference) as a tagged union, and the contract
// for the external decryption collaborator, including the UTD
// ("unable to decrypt") terminal content states.
//
// Events are values. Nothing in this package mutates an event after
// construction; the store layer owns all mutable bookkeeping (state
// indexes, display indexes, annotation summaries).
package event
