// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"

	"github.com/qashsolutions/mango-sub000/healthrecord"
)

// PushStatus is the remote store's verdict on one pushed record.
type PushStatus string

const (
	// PushApplied means the record was accepted and stored.
	PushApplied PushStatus = "applied"
	// PushConflict means the remote store held a version that wins
	// under the shared conflict rules; ServerRecord carries it.
	PushConflict PushStatus = "conflict"
)

// PushAck is the result of pushing one record.
type PushAck struct {
	Status PushStatus
	// RemoteUpdatedAt is the UpdatedAt now stored remotely for this
	// record, whichever side won.
	RemoteUpdatedAt int64
	// ServerRecord is the remote version, present when Status is
	// PushConflict.
	ServerRecord *healthrecord.Record
}

// PullPage is one page of remote changes. Next is the cursor of the
// last record in the page (the input cursor when the page is empty);
// passing it to the next Pull resumes exactly after this page, even
// when several records share one UpdatedAt across the boundary.
type PullPage struct {
	Records []healthrecord.Record
	Next    PullCursor
	HasMore bool
}

// PullOptions tunes a pull request.
type PullOptions struct {
	Limit int
	// IncludeSelf also returns changes originated by this device.
	// Normally false (local state already has them); ForceSyncAll sets
	// it for full recovery.
	IncludeSelf bool
}

// RemoteStore is the thin transport to the backing cloud database.
// Implementations surface failures as the typed errors in errors.go so
// the retry scheduler can classify them.
type RemoteStore interface {
	// Push uploads one record. The remote store applies it under the
	// same deterministic last-writer-wins rules as the local resolver.
	Push(ctx context.Context, rec *healthrecord.Record) (*PushAck, error)

	// Pull returns records for the user strictly after the cursor in
	// (UpdatedAt, ID) order, up to opts.Limit per page.
	Pull(ctx context.Context, userID string, since PullCursor, opts PullOptions) (*PullPage, error)

	// Delete physically removes a record remote-side. Propagating a
	// deletion goes through tombstone pushes; Delete exists for
	// confirmed-tombstone garbage collection.
	Delete(ctx context.Context, userID, id string) error
}
