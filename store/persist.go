// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/timeline/event"
	"github.com/bureau-foundation/timeline/lib/codec"
	"github.com/bureau-foundation/timeline/lib/ref"
	"github.com/bureau-foundation/timeline/lib/sqlitepool"
)

const persistSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	room_id  TEXT    NOT NULL,
	chunk_id INTEGER NOT NULL,
	blob     BLOB    NOT NULL,
	checksum BLOB    NOT NULL,
	PRIMARY KEY (room_id, chunk_id)
);

CREATE TABLE IF NOT EXISTS summaries (
	room_id  TEXT NOT NULL PRIMARY KEY,
	blob     BLOB NOT NULL,
	checksum BLOB NOT NULL
);
`

// persistor mirrors committed store mutations to SQLite. Rows hold
// deterministic CBOR, zstd-compressed, with a BLAKE3 checksum so a
// torn or corrupted row is detected and dropped at load rather than
// poisoning the in-memory graph.
type persistor struct {
	pool    *sqlitepool.Pool
	logger  *slog.Logger
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newPersistor(pool *sqlitepool.Pool, logger *slog.Logger) (*persistor, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("store: zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("store: zstd decoder: %w", err)
	}
	p := &persistor{pool: pool, logger: logger, encoder: encoder, decoder: decoder}

	conn, err := pool.Take(context.Background())
	if err != nil {
		return nil, err
	}
	defer pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, persistSchema, nil); err != nil {
		return nil, fmt.Errorf("store: creating schema: %w", err)
	}
	return p, nil
}

// persistedChunk is the on-disk shape of a Chunk. Local echoes are not
// persisted: an echo that was never confirmed is meaningless after a
// restart.
type persistedChunk struct {
	ID                 ChunkID          `cbor:"id"`
	PrevToken          *string          `cbor:"prev_token,omitempty"`
	NextToken          *string          `cbor:"next_token,omitempty"`
	IsLast             bool             `cbor:"is_last"`
	IsUnlinked         bool             `cbor:"is_unlinked"`
	ForwardStateIndex  int              `cbor:"fwd_state_index"`
	BackwardStateIndex int              `cbor:"bwd_state_index"`
	Events             []persistedEvent `cbor:"events"`
}

type persistedEvent struct {
	Event        event.Event     `cbor:"event"`
	StateIndex   int             `cbor:"state_index"`
	DisplayIndex int             `cbor:"display_index"`
	ContentState int             `cbor:"content_state"`
	UTDReason    event.UTDReason `cbor:"utd_reason,omitempty"`
}

func (p *persistor) seal(plain []byte) (blob, checksum []byte) {
	blob = p.encoder.EncodeAll(plain, nil)
	sum := blake3.Sum256(blob)
	return blob, sum[:]
}

func (p *persistor) unseal(blob, checksum []byte) ([]byte, error) {
	sum := blake3.Sum256(blob)
	if !bytes.Equal(sum[:], checksum) {
		return nil, fmt.Errorf("store: checksum mismatch")
	}
	plain, err := p.decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("store: decompressing row: %w", err)
	}
	return plain, nil
}

func (p *persistor) saveChunk(c *Chunk) error {
	record := persistedChunk{
		ID:                 c.ID,
		PrevToken:          c.PrevToken,
		NextToken:          c.NextToken,
		IsLast:             c.IsLast,
		IsUnlinked:         c.IsUnlinked,
		ForwardStateIndex:  c.forwardStateIndex,
		BackwardStateIndex: c.backwardStateIndex,
	}
	for _, stored := range c.events {
		if stored.IsLocalEcho() {
			continue
		}
		record.Events = append(record.Events, persistedEvent{
			Event:        stored.Event,
			StateIndex:   stored.StateIndex,
			DisplayIndex: stored.DisplayIndex,
			ContentState: int(stored.ContentState),
			UTDReason:    stored.UTDReason,
		})
	}
	plain, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: encoding chunk %d: %w", c.ID, err)
	}
	blob, checksum := p.seal(plain)

	conn, err := p.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer p.pool.Put(conn)
	return sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO chunks (room_id, chunk_id, blob, checksum) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{c.RoomID.String(), int64(c.ID), blob, checksum},
		})
}

func (p *persistor) deleteChunk(roomID ref.RoomID, chunkID ChunkID) error {
	conn, err := p.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer p.pool.Put(conn)
	return sqlitex.Execute(conn,
		`DELETE FROM chunks WHERE room_id = ? AND chunk_id = ?`,
		&sqlitex.ExecOptions{Args: []any{roomID.String(), int64(chunkID)}})
}

func (p *persistor) saveSummaries(room *roomState) error {
	record := make(map[string]*Annotations, len(room.summaries))
	for target, summary := range room.summaries {
		record[target.String()] = summary
	}
	plain, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: encoding summaries: %w", err)
	}
	blob, checksum := p.seal(plain)

	conn, err := p.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer p.pool.Put(conn)
	return sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO summaries (room_id, blob, checksum) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{room.roomID.String(), blob, checksum},
		})
}

// loadPersisted rebuilds the in-memory graph from disk. Rows that fail
// their checksum or decode are deleted and logged, not fatal: the
// client refetches that history on demand.
func (s *Store) loadPersisted() error {
	conn, err := s.persist.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.persist.pool.Put(conn)

	type corruptRow struct {
		roomID  string
		chunkID int64
	}
	var corrupt []corruptRow

	err = sqlitex.Execute(conn,
		`SELECT room_id, chunk_id, blob, checksum FROM chunks ORDER BY room_id, chunk_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				roomRaw := stmt.ColumnText(0)
				chunkID := stmt.ColumnInt64(1)
				blob := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, blob)
				checksum := make([]byte, stmt.ColumnLen(3))
				stmt.ColumnBytes(3, checksum)

				if err := s.restoreChunk(roomRaw, blob, checksum); err != nil {
					s.logger.Warn("dropping corrupt chunk row",
						"room", roomRaw, "chunk", chunkID, "error", err)
					corrupt = append(corrupt, corruptRow{roomID: roomRaw, chunkID: chunkID})
				}
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("store: reading chunks: %w", err)
	}

	for _, row := range corrupt {
		if err := sqlitex.Execute(conn,
			`DELETE FROM chunks WHERE room_id = ? AND chunk_id = ?`,
			&sqlitex.ExecOptions{Args: []any{row.roomID, row.chunkID}}); err != nil {
			return fmt.Errorf("store: deleting corrupt chunk row: %w", err)
		}
	}

	err = sqlitex.Execute(conn,
		`SELECT room_id, blob, checksum FROM summaries`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				roomRaw := stmt.ColumnText(0)
				blob := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, blob)
				checksum := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, checksum)

				if err := s.restoreSummaries(roomRaw, blob, checksum); err != nil {
					s.logger.Warn("dropping corrupt summaries row",
						"room", roomRaw, "error", err)
				}
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("store: reading summaries: %w", err)
	}
	return nil
}

func (s *Store) restoreChunk(roomRaw string, blob, checksum []byte) error {
	roomID, err := ref.ParseRoomID(roomRaw)
	if err != nil {
		return err
	}
	plain, err := s.persist.unseal(blob, checksum)
	if err != nil {
		return err
	}
	var record persistedChunk
	if err := codec.Unmarshal(plain, &record); err != nil {
		return fmt.Errorf("store: decoding chunk: %w", err)
	}

	room := s.room(roomID)
	room.mu.Lock()
	defer room.mu.Unlock()

	c := newChunk(record.ID, roomID)
	c.PrevToken = record.PrevToken
	c.NextToken = record.NextToken
	c.IsLast = record.IsLast
	c.IsUnlinked = record.IsUnlinked
	c.forwardStateIndex = record.ForwardStateIndex
	c.backwardStateIndex = record.BackwardStateIndex
	for i := range record.Events {
		persisted := &record.Events[i]
		stored := &StoredEvent{
			Event:        persisted.Event,
			StateIndex:   persisted.StateIndex,
			DisplayIndex: persisted.DisplayIndex,
			ContentState: event.ContentState(persisted.ContentState),
			UTDReason:    persisted.UTDReason,
		}
		c.events = append(c.events, stored)
		c.byID[stored.EventID] = stored

		// Rebuild the derived maps the chunk blob does not carry.
		s.applyStateEvent(room, &stored.Event)
		if stored.Type == ref.TypePollStart {
			if content, ok := event.DecodePollStart(stored.Content); ok {
				room.polls[stored.EventID] = &pollDefinition{content: content, sender: stored.Sender}
			}
		}
	}
	if len(c.events) > 0 {
		c.minDisplayIndex = c.events[0].DisplayIndex
		c.maxDisplayIndex = c.events[len(c.events)-1].DisplayIndex
	}
	room.indexChunk(c)
	if c.IsLast {
		room.liveChunkID = c.ID
	}

	s.mu.Lock()
	if c.ID > s.nextChunkID {
		s.nextChunkID = c.ID
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) restoreSummaries(roomRaw string, blob, checksum []byte) error {
	roomID, err := ref.ParseRoomID(roomRaw)
	if err != nil {
		return err
	}
	plain, err := s.persist.unseal(blob, checksum)
	if err != nil {
		return err
	}
	var record map[string]*Annotations
	if err := codec.Unmarshal(plain, &record); err != nil {
		return fmt.Errorf("store: decoding summaries: %w", err)
	}

	room := s.room(roomID)
	room.mu.Lock()
	defer room.mu.Unlock()
	for raw, summary := range record {
		target, err := ref.ParseEventID(raw)
		if err != nil {
			continue
		}
		room.summaries[target] = summary
	}
	return nil
}
