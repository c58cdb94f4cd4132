// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
)

// ChangeQueue is the outgoing work list for a sync cycle: the set of
// records whose local state is ahead of the remote store. It persists
// nothing of its own; the queue is recomputed from the local store at
// the start of every cycle, so it can never go stale against a second
// source of truth.
type ChangeQueue struct {
	store  LocalStore
	userID string
}

// NewChangeQueue creates a queue view over the given store.
func NewChangeQueue(store LocalStore, userID string) *ChangeQueue {
	return &ChangeQueue{store: store, userID: userID}
}

// Pending returns the dirty records in push order (oldest edit first).
func (q *ChangeQueue) Pending(ctx context.Context) ([]*LocalRecord, error) {
	return q.store.FetchDirty(ctx, q.userID)
}

// HasPending reports whether any record is awaiting push.
func (q *ChangeQueue) HasPending(ctx context.Context) (bool, error) {
	dirty, err := q.store.FetchDirty(ctx, q.userID)
	if err != nil {
		return false, err
	}
	return len(dirty) > 0, nil
}
