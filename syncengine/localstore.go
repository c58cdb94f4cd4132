// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncengine implements the offline-first synchronization engine
// for health records: a durable local store with per-record sync
// metadata, a deterministic last-writer-wins conflict resolver, a retry
// scheduler with typed error classification, and a coordinator that
// reconciles local state with a remote store once connectivity returns.
package syncengine

import (
	"context"

	"github.com/qashsolutions/mango-sub000/healthrecord"
)

// SyncMeta is the per-record sync bookkeeping kept alongside the
// record envelope. It never leaves the device.
type SyncMeta struct {
	// NeedsPush marks the record dirty: its local payload/deleted state
	// is more recent than what the remote store last confirmed.
	NeedsPush bool

	// LastSyncedAt is when this device last successfully pushed the
	// record (Unix millis), nil before the first push.
	LastSyncedAt *int64

	// LastKnownRemoteUpdatedAt is the remote UpdatedAt confirmed at the
	// last push or pull, nil if the remote side has never been observed.
	LastKnownRemoteUpdatedAt *int64
}

// LocalRecord pairs a record envelope with its sync metadata.
type LocalRecord struct {
	healthrecord.Record
	Meta SyncMeta
}

// PullCursor is the pull watermark position: remote changes up to and
// including (UpdatedAt, ID) have been applied locally. UpdatedAt alone
// is not a cursor: several records can share one millisecond timestamp,
// and a page boundary inside such a group must resume at the exact
// record, not the timestamp.
type PullCursor struct {
	UpdatedAt int64
	ID        string
}

// Before reports whether c precedes o in (UpdatedAt, ID) order.
func (c PullCursor) Before(o PullCursor) bool {
	if c.UpdatedAt != o.UpdatedAt {
		return c.UpdatedAt < o.UpdatedAt
	}
	return c.ID < o.ID
}

// LocalStore is durable on-device persistence for health records plus
// sync metadata. All writes are transactional: a partial write must
// never leave metadata inconsistent with the payload. Implementations
// have no knowledge of the network.
type LocalStore interface {
	// Save upserts a user edit by id. It bumps UpdatedAt monotonically
	// and sets NeedsPush when the payload or deletion state changed;
	// saving an identical payload twice is a no-op with respect to
	// UpdatedAt. Returns the stored record.
	Save(ctx context.Context, rec *healthrecord.Record) (*LocalRecord, error)

	// ApplyRemote upserts a record pulled from the remote store.
	// The record arrives authoritative: NeedsPush is cleared and
	// LastKnownRemoteUpdatedAt is set to its UpdatedAt. Idempotent.
	ApplyRemote(ctx context.Context, rec *healthrecord.Record) error

	// Fetch returns a single record or ErrNotFound.
	Fetch(ctx context.Context, userID, id string) (*LocalRecord, error)

	// FetchAll returns every non-purged record for the user,
	// tombstones included.
	FetchAll(ctx context.Context, userID string) ([]*LocalRecord, error)

	// FetchDirty returns records whose local state is ahead of the
	// remote store, ordered by UpdatedAt.
	FetchDirty(ctx context.Context, userID string) ([]*LocalRecord, error)

	// MarkSynced clears NeedsPush and records the remote watermark for
	// one record after a successful push. The dirty flag is only
	// cleared if the record has not been mutated past remoteUpdatedAt,
	// so a concurrent local edit is never silently unmarked.
	MarkSynced(ctx context.Context, userID, id string, remoteUpdatedAt int64) error

	// Delete converts the record to a tombstone (Deleted=true, dirty)
	// rather than removing it. Returns the tombstoned record.
	Delete(ctx context.Context, userID, id string) (*LocalRecord, error)

	// Purge physically removes a record. Only valid once the remote
	// side has confirmed the tombstone.
	Purge(ctx context.Context, userID, id string) error

	// PurgeTombstones removes every tombstone whose deletion the remote
	// store has confirmed, returning how many were removed.
	PurgeTombstones(ctx context.Context, userID string) (int, error)

	// Watermark returns the pull cursor: the position up to which this
	// user's remote changes have been applied locally.
	Watermark(ctx context.Context, userID string) (PullCursor, error)

	// SetWatermark advances the pull cursor. Never moves backwards.
	SetWatermark(ctx context.Context, userID string, cur PullCursor) error

	// ResetWatermark rewinds the pull watermark to zero so the next
	// cycle re-pulls the full remote state. Recovery path only.
	ResetWatermark(ctx context.Context, userID string) error

	Close() error
}
