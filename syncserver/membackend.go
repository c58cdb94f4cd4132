// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"sort"
	"sync"

	"github.com/qashsolutions/mango-sub000/healthrecord"
)

// MemBackend is a mutex-guarded in-memory Backend. It serves tests and
// the device simulator; production deployments use PGBackend.
type MemBackend struct {
	mu      sync.RWMutex
	records map[string]map[string]*healthrecord.Record // userID -> id -> record
}

// NewMemBackend creates an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{records: make(map[string]map[string]*healthrecord.Record)}
}

func (b *MemBackend) Get(_ context.Context, userID, id string) (*healthrecord.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[userID][id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (b *MemBackend) Upsert(_ context.Context, rec *healthrecord.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket, ok := b.records[rec.UserID]
	if !ok {
		bucket = make(map[string]*healthrecord.Record)
		b.records[rec.UserID] = bucket
	}
	bucket[rec.ID] = rec.Clone()
	return nil
}

func (b *MemBackend) Delete(_ context.Context, userID, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records[userID], id)
	return nil
}

func (b *MemBackend) ChangesSince(_ context.Context, userID string, since int64, sinceID string, excludeDevice string, limit int) ([]healthrecord.Record, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var changed []healthrecord.Record
	for _, rec := range b.records[userID] {
		if rec.UpdatedAt < since || (rec.UpdatedAt == since && rec.ID <= sinceID) {
			continue
		}
		if excludeDevice != "" && rec.DeviceID == excludeDevice {
			continue
		}
		changed = append(changed, *rec.Clone())
	}
	sort.Slice(changed, func(i, j int) bool {
		if changed[i].UpdatedAt != changed[j].UpdatedAt {
			return changed[i].UpdatedAt < changed[j].UpdatedAt
		}
		return changed[i].ID < changed[j].ID
	})

	hasMore := false
	if limit > 0 && len(changed) > limit {
		changed = changed[:limit]
		hasMore = true
	}
	return changed, hasMore, nil
}

func (b *MemBackend) Close() {}

var _ Backend = (*MemBackend)(nil)
