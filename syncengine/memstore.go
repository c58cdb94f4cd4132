// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/qashsolutions/mango-sub000/healthrecord"
)

// MemoryStore is a volatile LocalStore. It backs the degraded mode the
// engine falls into when the SQLite store reports ErrStorageUnavailable,
// and doubles as a test double. Nothing it holds survives a restart.
type MemoryStore struct {
	mu         sync.Mutex
	deviceID   string
	now        func() time.Time
	records    map[string]map[string]*LocalRecord // userID -> id -> record
	watermarks map[string]PullCursor
}

// NewMemoryStore creates an empty in-memory store stamping mutations
// with the given device ID.
func NewMemoryStore(deviceID string) *MemoryStore {
	return &MemoryStore{
		deviceID:   deviceID,
		now:        time.Now,
		records:    make(map[string]map[string]*LocalRecord),
		watermarks: make(map[string]PullCursor),
	}
}

func (m *MemoryStore) DeviceID() string { return m.deviceID }

// SetClock overrides the wall clock, for tests.
func (m *MemoryStore) SetClock(now func() time.Time) { m.now = now }

func (m *MemoryStore) bucket(userID string) map[string]*LocalRecord {
	b, ok := m.records[userID]
	if !ok {
		b = make(map[string]*LocalRecord)
		m.records[userID] = b
	}
	return b
}

func (m *MemoryStore) Save(_ context.Context, rec *healthrecord.Record) (*LocalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.bucket(rec.UserID)
	stored := rec.Clone()
	stored.DeviceID = m.deviceID

	if existing, ok := bucket[rec.ID]; ok {
		if existing.SamePayload(stored) {
			return cloneLocal(existing), nil
		}
		stored.UpdatedAt = bumpTimestamp(m.now().UnixMilli(), existing.UpdatedAt)
		lr := &LocalRecord{Record: *stored, Meta: existing.Meta}
		lr.Meta.NeedsPush = true
		bucket[rec.ID] = lr
		return cloneLocal(lr), nil
	}

	stored.UpdatedAt = bumpTimestamp(m.now().UnixMilli(), 0)
	lr := &LocalRecord{Record: *stored, Meta: SyncMeta{NeedsPush: true}}
	bucket[rec.ID] = lr
	return cloneLocal(lr), nil
}

func (m *MemoryStore) ApplyRemote(_ context.Context, rec *healthrecord.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixMilli()
	remoteTS := rec.UpdatedAt
	m.bucket(rec.UserID)[rec.ID] = &LocalRecord{
		Record: *rec.Clone(),
		Meta: SyncMeta{
			NeedsPush:                false,
			LastSyncedAt:             &now,
			LastKnownRemoteUpdatedAt: &remoteTS,
		},
	}
	return nil
}

func (m *MemoryStore) Fetch(_ context.Context, userID, id string) (*LocalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.bucket(userID)[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneLocal(rec), nil
}

func (m *MemoryStore) FetchAll(_ context.Context, userID string) ([]*LocalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(userID, func(*LocalRecord) bool { return true }), nil
}

func (m *MemoryStore) FetchDirty(_ context.Context, userID string) ([]*LocalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(userID, func(r *LocalRecord) bool { return r.Meta.NeedsPush }), nil
}

func (m *MemoryStore) collect(userID string, keep func(*LocalRecord) bool) []*LocalRecord {
	var out []*LocalRecord
	for _, rec := range m.bucket(userID) {
		if keep(rec) {
			out = append(out, cloneLocal(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt < out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryStore) MarkSynced(_ context.Context, userID, id string, remoteUpdatedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.bucket(userID)[id]
	if !ok || rec.UpdatedAt > remoteUpdatedAt {
		return nil
	}
	now := m.now().UnixMilli()
	rec.Meta.NeedsPush = false
	rec.Meta.LastSyncedAt = &now
	rec.Meta.LastKnownRemoteUpdatedAt = &remoteUpdatedAt
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, userID, id string) (*LocalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.bucket(userID)[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Deleted {
		return cloneLocal(rec), nil
	}
	rec.Deleted = true
	rec.UpdatedAt = bumpTimestamp(m.now().UnixMilli(), rec.UpdatedAt)
	rec.DeviceID = m.deviceID
	rec.Meta.NeedsPush = true
	return cloneLocal(rec), nil
}

func (m *MemoryStore) Purge(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bucket(userID), id)
	return nil
}

func (m *MemoryStore) PurgeTombstones(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.bucket(userID)
	purged := 0
	for id, rec := range bucket {
		if rec.Deleted && !rec.Meta.NeedsPush &&
			rec.Meta.LastKnownRemoteUpdatedAt != nil &&
			*rec.Meta.LastKnownRemoteUpdatedAt >= rec.UpdatedAt {
			delete(bucket, id)
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryStore) Watermark(_ context.Context, userID string) (PullCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermarks[userID], nil
}

func (m *MemoryStore) SetWatermark(_ context.Context, userID string, cur PullCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watermarks[userID].Before(cur) {
		m.watermarks[userID] = cur
	}
	return nil
}

func (m *MemoryStore) ResetWatermark(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermarks[userID] = PullCursor{}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneLocal(rec *LocalRecord) *LocalRecord {
	cp := &LocalRecord{Record: *rec.Record.Clone(), Meta: rec.Meta}
	if rec.Meta.LastSyncedAt != nil {
		v := *rec.Meta.LastSyncedAt
		cp.Meta.LastSyncedAt = &v
	}
	if rec.Meta.LastKnownRemoteUpdatedAt != nil {
		v := *rec.Meta.LastKnownRemoteUpdatedAt
		cp.Meta.LastKnownRemoteUpdatedAt = &v
	}
	return cp
}

var _ LocalStore = (*MemoryStore)(nil)
