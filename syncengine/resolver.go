// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"github.com/qashsolutions/mango-sub000/healthrecord"
)

// Winner identifies which side of a conflict prevails.
type Winner int

const (
	// WinnerLocal means the local version is retained and stays dirty
	// so a subsequent cycle pushes it.
	WinnerLocal Winner = iota
	// WinnerRemote means the remote version overwrites local state.
	WinnerRemote
)

// Resolve decides between a local and a remote version of the same
// logical record using last-writer-wins on UpdatedAt.
//
// On an exact timestamp tie, deletion wins over a concurrent edit
// (favor data removal). If the tie is between two edits or two
// deletions, the lexicographically greater originating device ID wins,
// so the outcome is reproducible across retries and on every device.
// Deletion precedence applies only on exact ties: a tombstone loses to
// strictly newer non-deleted data.
//
// Resolve is a pure function: no I/O, no mutation of its arguments.
// The rules themselves live in healthrecord.Wins because the sync
// server must apply the identical ordering.
func Resolve(local, remote *healthrecord.Record) Winner {
	if healthrecord.Wins(local, remote) {
		return WinnerLocal
	}
	// Covers remote strictly winning, and the same-write echo case
	// (identical timestamp and device): treating remote as canonical
	// lets the record go clean.
	return WinnerRemote
}
