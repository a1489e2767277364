// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"fmt"

	"github.com/bureau-foundation/timeline/event"
	"github.com/bureau-foundation/timeline/lib/ref"
)

// SendMessage sends a plain text message. An optimistic local echo
// appears in the window immediately; the echo is reconciled with the
// confirmed event when /sync delivers it back with our transaction ID.
// Returns the echo's temporary event ID.
func (t *Timeline) SendMessage(body string) (ref.EventID, error) {
	return t.send(ref.TypeMessage, event.NewMessageContent(body))
}

// SendReaction sends an m.reaction annotation on the target event. The
// local echo shows up in the target's reaction summary immediately.
func (t *Timeline) SendReaction(target ref.EventID, key string) (ref.EventID, error) {
	return t.send(ref.TypeReaction, event.NewReactionContent(target, key))
}

// SendEdit replaces the body of a previously sent message.
func (t *Timeline) SendEdit(target ref.EventID, newBody string) (ref.EventID, error) {
	return t.send(ref.TypeMessage, event.NewEditContent(target, newBody))
}

// SendPollResponse casts a vote on a poll.
func (t *Timeline) SendPollResponse(pollStart ref.EventID, answerIDs []string) (ref.EventID, error) {
	return t.send(ref.TypePollResponse, event.NewPollResponseContent(pollStart, answerIDs))
}

// ClosePoll closes a poll. The server enforces authorization; locally
// the close is gated on the sender being the poll author or having
// redaction power.
func (t *Timeline) ClosePoll(pollStart ref.EventID) (ref.EventID, error) {
	return t.send(ref.TypePollEnd, event.NewPollEndContent(pollStart))
}

// SendRedaction redacts the target event. Redactions get no local
// echo: the target's content is stripped only when the server confirms
// the redaction through /sync.
func (t *Timeline) SendRedaction(target ref.EventID, reason string) error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	t.mu.Unlock()

	err := t.withRetry(t.ctx, "redact", func() error {
		_, redactErr := t.session.RedactEvent(t.ctx, t.roomID, target, reason)
		return redactErr
	})
	if err != nil {
		return fmt.Errorf("timeline: redacting %s: %w", target, err)
	}
	return nil
}

// send inserts a local echo and ships the event to the homeserver in
// the background. The PUT is idempotent by transaction ID, so retries
// after a network failure cannot duplicate the event. An echo whose
// send fails permanently is removed from the window.
func (t *Timeline) send(eventType ref.EventType, content map[string]any) (ref.EventID, error) {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ref.EventID{}, ErrDisposed
	}
	t.mu.Unlock()

	txnID := t.session.NewTransactionID()
	echoID := ref.NewLocalEchoID(txnID)
	echo := event.Event{
		EventID:        echoID,
		Type:           eventType,
		RoomID:         t.roomID,
		Sender:         t.session.UserID(),
		OriginServerTS: t.clock.Now().UnixMilli(),
		Content:        content,
		Unsigned:       &event.Unsigned{TransactionID: txnID},
	}
	if err := t.store.AddLocalEcho(t.roomID, echo); err != nil {
		return ref.EventID{}, err
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		err := t.withRetry(t.ctx, "send", func() error {
			_, sendErr := t.session.SendEvent(t.ctx, t.roomID, eventType, txnID, content)
			return sendErr
		})
		if err == nil {
			return
		}
		if t.ctx.Err() != nil {
			// Disposed mid-send; the echo dies with the Timeline.
			return
		}
		t.logger.Error("send failed, dropping local echo",
			"type", eventType, "txn", txnID, "error", err)
		if removeErr := t.store.RemoveLocalEcho(t.roomID, echoID); removeErr != nil {
			t.logger.Error("removing failed echo", "echo", echoID, "error", removeErr)
		}
	}()
	return echoID, nil
}
