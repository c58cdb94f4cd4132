// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"

	"github.com/qashsolutions/mango-sub000/healthrecord"
)

// Backend is the server's storage abstraction. The service layer owns
// conflict decisions; backends only persist and page.
type Backend interface {
	// Get returns the stored record or ErrNotFound.
	Get(ctx context.Context, userID, id string) (*healthrecord.Record, error)

	// Upsert stores a record, replacing any previous version.
	Upsert(ctx context.Context, rec *healthrecord.Record) error

	// Delete physically removes a record. Deletion propagation happens
	// through tombstone upserts; this exists for garbage collection.
	Delete(ctx context.Context, userID, id string) error

	// ChangesSince returns up to limit records for the user strictly
	// after (since, sinceID) in (UpdatedAt, ID) order. The compound
	// cursor lets a page boundary fall inside a group of records that
	// share one UpdatedAt without skipping the rest of the group. When
	// excludeDevice is non-empty, records whose last mutation came
	// from that device are filtered out. The second return value
	// reports whether more pages remain.
	ChangesSince(ctx context.Context, userID string, since int64, sinceID string, excludeDevice string, limit int) ([]healthrecord.Record, bool, error)

	Close()
}
