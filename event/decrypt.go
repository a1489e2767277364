// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/timeline/lib/ref"
)

// Decryptor is the external decryption collaborator. The timeline
// cache never looks inside encrypted payloads — it hands m.room.encrypted
// events to the Decryptor and records the outcome as a content state.
//
// A UTD failure is terminal for the event's content: the cache does
// not retry. Re-decryption is triggered externally when keys arrive.
type Decryptor interface {
	Decrypt(ctx context.Context, e *Event) (*ClearContent, error)
}

// ClearContent is the decrypted payload of an encrypted event.
type ClearContent struct {
	Type    ref.EventType
	Content map[string]any
}

// UTDReason classifies why an event could not be decrypted.
type UTDReason string

// UTD reasons the decryption collaborator distinguishes.
const (
	UTDUnverifiedSenderWithheld UTDReason = "unverified-sender-withheld"
	UTDNoOlmSession             UTDReason = "no-olm-session"
	UTDUnauthorised             UTDReason = "unauthorised"
	UTDUnknown                  UTDReason = "unknown"
)

// UTDError is the terminal decryption failure for an event.
type UTDError struct {
	Reason UTDReason
}

func (e *UTDError) Error() string {
	return fmt.Sprintf("event: unable to decrypt (%s)", e.Reason)
}

// AsUTD extracts a *UTDError from err, or returns nil.
func AsUTD(err error) *UTDError {
	var utd *UTDError
	if errors.As(err, &utd) {
		return utd
	}
	return nil
}

// ContentState describes the decryption lifecycle of an event's
// content as stored in the cache.
type ContentState int

const (
	// ContentClear means the content is plaintext (never encrypted,
	// or decryption succeeded and Content holds the clear payload).
	ContentClear ContentState = iota

	// ContentEncrypted means the event is encrypted and no decryption
	// attempt has concluded yet.
	ContentEncrypted

	// ContentUTD means decryption failed terminally. The aggregator
	// must not aggregate based on undecrypted content.
	ContentUTD
)

func (s ContentState) String() string {
	switch s {
	case ContentClear:
		return "clear"
	case ContentEncrypted:
		return "encrypted"
	case ContentUTD:
		return "utd"
	default:
		return fmt.Sprintf("ContentState(%d)", int(s))
	}
}

// DecryptionPolicy holds the UTD reporting thresholds. These are
// policy knobs, not correctness constants: a UTD younger than
// ReportGrace is expected churn (keys often arrive moments after the
// event), one older than PermanentAfter is considered permanent.
type DecryptionPolicy struct {
	ReportGrace    time.Duration
	PermanentAfter time.Duration
}

// DefaultDecryptionPolicy matches the thresholds observed in practice.
func DefaultDecryptionPolicy() DecryptionPolicy {
	return DecryptionPolicy{
		ReportGrace:    3 * time.Second,
		PermanentAfter: 60 * time.Second,
	}
}
