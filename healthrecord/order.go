// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthrecord

// Wins reports whether version a of a logical record prevails over
// version b under the shared last-writer-wins rules. Every party (the
// device engines and the sync server) must apply exactly these rules
// or replicas stop converging.
//
// Rules, in order:
//  1. Greater UpdatedAt wins.
//  2. On an exact timestamp tie, a deletion wins over an edit.
//  3. Still tied: the lexicographically greater DeviceID wins.
//  4. Identical device and timestamp: the versions are the same write;
//     neither wins (Wins returns false both ways).
func Wins(a, b *Record) bool {
	if a.UpdatedAt != b.UpdatedAt {
		return a.UpdatedAt > b.UpdatedAt
	}
	if a.Deleted != b.Deleted {
		return a.Deleted
	}
	return a.DeviceID > b.DeviceID
}
