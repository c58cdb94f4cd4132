// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qashsolutions/mango-sub000/healthrecord"
)

const testUser = "user-1"

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(":memory:", testUser)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func fixedClock(millis int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(millis) }
}

func testRecord(id string) *healthrecord.Record {
	return &healthrecord.Record{
		ID:      id,
		UserID:  testUser,
		Kind:    healthrecord.KindMedication,
		Payload: json.RawMessage(`{"name":"aspirin","dosage":"100mg"}`),
	}
}

func TestSQLiteStoreSaveAndFetch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.SetClock(fixedClock(5000))

	saved, err := store.Save(ctx, testRecord("r1"))
	require.NoError(t, err)
	require.Equal(t, int64(5000), saved.UpdatedAt)
	require.Equal(t, store.DeviceID(), saved.DeviceID)
	require.True(t, saved.Meta.NeedsPush)

	got, err := store.Fetch(ctx, testUser, "r1")
	require.NoError(t, err)
	require.Equal(t, saved.Record, got.Record)
	require.True(t, got.Meta.NeedsPush)
	require.Nil(t, got.Meta.LastSyncedAt)
}

func TestSQLiteStoreFetchMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Fetch(context.Background(), testUser, "absent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStoreSaveUnchangedPayloadIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.SetClock(fixedClock(5000))

	first, err := store.Save(ctx, testRecord("r1"))
	require.NoError(t, err)

	store.SetClock(fixedClock(9000))
	second, err := store.Save(ctx, testRecord("r1"))
	require.NoError(t, err)
	require.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestSQLiteStoreSaveBumpsUnderClockSkew(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.SetClock(fixedClock(5000))

	_, err := store.Save(ctx, testRecord("r1"))
	require.NoError(t, err)

	// Clock went backwards; the edit must still sort after the original.
	store.SetClock(fixedClock(3000))
	rec := testRecord("r1")
	rec.Payload = json.RawMessage(`{"name":"aspirin","dosage":"200mg"}`)
	saved, err := store.Save(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, int64(5001), saved.UpdatedAt)
}

func TestSQLiteStoreDeviceIDSurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/local.db"

	first, err := OpenSQLiteStore(path, testUser)
	require.NoError(t, err)
	deviceID := first.DeviceID()
	require.NotEmpty(t, deviceID)
	require.NoError(t, first.Close())

	second, err := OpenSQLiteStore(path, testUser)
	require.NoError(t, err)
	defer second.Close()
	require.Equal(t, deviceID, second.DeviceID())
}

func TestSQLiteStoreFetchDirty(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.SetClock(fixedClock(5000))

	_, err := store.Save(ctx, testRecord("r1"))
	require.NoError(t, err)
	store.SetClock(fixedClock(6000))
	saved, err := store.Save(ctx, testRecord("r2"))
	require.NoError(t, err)

	require.NoError(t, store.MarkSynced(ctx, testUser, "r1", 5000))

	dirty, err := store.FetchDirty(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	require.Equal(t, saved.ID, dirty[0].ID)
}

func TestSQLiteStoreMarkSyncedGuard(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.SetClock(fixedClock(5000))

	_, err := store.Save(ctx, testRecord("r1"))
	require.NoError(t, err)

	// Local edit lands after the push started but before the ack.
	store.SetClock(fixedClock(7000))
	rec := testRecord("r1")
	rec.Payload = json.RawMessage(`{"name":"aspirin","dosage":"300mg"}`)
	_, err = store.Save(ctx, rec)
	require.NoError(t, err)

	// Ack for the old version must not mark the newer edit clean.
	require.NoError(t, store.MarkSynced(ctx, testUser, "r1", 5000))
	got, err := store.Fetch(ctx, testUser, "r1")
	require.NoError(t, err)
	require.True(t, got.Meta.NeedsPush)

	// Ack covering the newer edit does.
	require.NoError(t, store.MarkSynced(ctx, testUser, "r1", 7000))
	got, err = store.Fetch(ctx, testUser, "r1")
	require.NoError(t, err)
	require.False(t, got.Meta.NeedsPush)
	require.NotNil(t, got.Meta.LastKnownRemoteUpdatedAt)
	require.Equal(t, int64(7000), *got.Meta.LastKnownRemoteUpdatedAt)
}

func TestSQLiteStoreApplyRemote(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.SetClock(fixedClock(5000))

	remote := testRecord("r1")
	remote.UpdatedAt = 8000
	remote.DeviceID = "device-other"
	require.NoError(t, store.ApplyRemote(ctx, remote))

	got, err := store.Fetch(ctx, testUser, "r1")
	require.NoError(t, err)
	require.Equal(t, int64(8000), got.UpdatedAt)
	require.Equal(t, "device-other", got.DeviceID)
	require.False(t, got.Meta.NeedsPush)
	require.NotNil(t, got.Meta.LastKnownRemoteUpdatedAt)
	require.Equal(t, int64(8000), *got.Meta.LastKnownRemoteUpdatedAt)
}

func TestSQLiteStoreDeleteTombstones(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.SetClock(fixedClock(5000))

	_, err := store.Save(ctx, testRecord("r1"))
	require.NoError(t, err)

	store.SetClock(fixedClock(6000))
	deleted, err := store.Delete(ctx, testUser, "r1")
	require.NoError(t, err)
	require.True(t, deleted.Deleted)
	require.Equal(t, int64(6000), deleted.UpdatedAt)
	require.True(t, deleted.Meta.NeedsPush)

	// Row still exists as a tombstone.
	got, err := store.Fetch(ctx, testUser, "r1")
	require.NoError(t, err)
	require.True(t, got.Deleted)

	// Deleting twice does not bump the timestamp again.
	store.SetClock(fixedClock(9000))
	again, err := store.Delete(ctx, testUser, "r1")
	require.NoError(t, err)
	require.Equal(t, int64(6000), again.UpdatedAt)
}

func TestSQLiteStoreDeleteMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Delete(context.Background(), testUser, "absent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStorePurgeTombstones(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.SetClock(fixedClock(5000))

	_, err := store.Save(ctx, testRecord("r1"))
	require.NoError(t, err)
	_, err = store.Save(ctx, testRecord("r2"))
	require.NoError(t, err)

	store.SetClock(fixedClock(6000))
	_, err = store.Delete(ctx, testUser, "r1")
	require.NoError(t, err)
	_, err = store.Delete(ctx, testUser, "r2")
	require.NoError(t, err)

	// r1's tombstone is acknowledged remotely, r2's is still dirty.
	require.NoError(t, store.MarkSynced(ctx, testUser, "r1", 6000))

	n, err := store.PurgeTombstones(ctx, testUser)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = store.Fetch(ctx, testUser, "r1")
	require.ErrorIs(t, err, ErrNotFound)
	got, err := store.Fetch(ctx, testUser, "r2")
	require.NoError(t, err)
	require.True(t, got.Deleted)
}

func TestSQLiteStoreWatermark(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	cur, err := store.Watermark(ctx, testUser)
	require.NoError(t, err)
	require.Zero(t, cur)

	require.NoError(t, store.SetWatermark(ctx, testUser, PullCursor{UpdatedAt: 4000, ID: "r2"}))
	cur, err = store.Watermark(ctx, testUser)
	require.NoError(t, err)
	require.Equal(t, PullCursor{UpdatedAt: 4000, ID: "r2"}, cur)

	// The cursor only moves forward in (UpdatedAt, ID) order.
	require.NoError(t, store.SetWatermark(ctx, testUser, PullCursor{UpdatedAt: 2000, ID: "r9"}))
	require.NoError(t, store.SetWatermark(ctx, testUser, PullCursor{UpdatedAt: 4000, ID: "r1"}))
	cur, err = store.Watermark(ctx, testUser)
	require.NoError(t, err)
	require.Equal(t, PullCursor{UpdatedAt: 4000, ID: "r2"}, cur)

	// Same timestamp, greater ID still advances it.
	require.NoError(t, store.SetWatermark(ctx, testUser, PullCursor{UpdatedAt: 4000, ID: "r7"}))
	cur, err = store.Watermark(ctx, testUser)
	require.NoError(t, err)
	require.Equal(t, PullCursor{UpdatedAt: 4000, ID: "r7"}, cur)

	require.NoError(t, store.ResetWatermark(ctx, testUser))
	cur, err = store.Watermark(ctx, testUser)
	require.NoError(t, err)
	require.Zero(t, cur)
}

func TestSQLiteStoreFetchAllOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	store.SetClock(fixedClock(7000))
	_, err := store.Save(ctx, testRecord("r2"))
	require.NoError(t, err)
	store.SetClock(fixedClock(5000))
	_, err = store.Save(ctx, testRecord("r1"))
	require.NoError(t, err)

	all, err := store.FetchAll(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "r1", all[0].ID)
	require.Equal(t, "r2", all[1].ID)
}
