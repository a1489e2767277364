// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

// Direction is a pagination direction through room history.
type Direction int

const (
	// Forwards moves toward newer events (the live edge).
	Forwards Direction = iota
	// Backwards moves toward older events (room creation).
	Backwards
)

func (d Direction) String() string {
	if d == Forwards {
		return "forwards"
	}
	return "backwards"
}
