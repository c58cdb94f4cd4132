// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package healthsync holds end-to-end tests running real device engines
// against a real sync server over HTTP: SQLite-backed engines on one
// side, the chi router with JWT auth and the in-memory backend on the
// other. Only the network is local.
package healthsync

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qashsolutions/mango-sub000/healthrecord"
	"github.com/qashsolutions/mango-sub000/syncengine"
	"github.com/qashsolutions/mango-sub000/syncserver"
)

const testUser = "e2e-user"

type harness struct {
	t       *testing.T
	server  *httptest.Server
	backend *syncserver.MemBackend
	jwtAuth *syncserver.JWTAuth
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := syncserver.NewMemBackend()
	jwtAuth := syncserver.NewJWTAuth("e2e-secret")
	service := syncserver.NewService(backend, nil, logger)
	server := httptest.NewServer(syncserver.Router(service, jwtAuth, logger))
	t.Cleanup(server.Close)
	return &harness{t: t, server: server, backend: backend, jwtAuth: jwtAuth}
}

// device is one simulated phone: a SQLite store plus a coordinator
// talking to the harness server with its own token.
type device struct {
	store  *syncengine.SQLiteStore
	remote *syncengine.HTTPRemoteStore
	coord  *syncengine.Coordinator
}

func (h *harness) newDevice(t *testing.T) *device {
	return h.newDeviceWithPullLimit(t, 0)
}

func (h *harness) newDeviceWithPullLimit(t *testing.T, pullLimit int) *device {
	t.Helper()
	store, err := syncengine.OpenSQLiteStore(":memory:", testUser)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	token, err := h.jwtAuth.GenerateToken(testUser, store.DeviceID(), time.Hour)
	require.NoError(t, err)
	remote := syncengine.NewHTTPRemoteStore(h.server.URL, func(context.Context) (string, error) {
		return token, nil
	})

	cfg := syncengine.CoordinatorConfig{
		UserID:       testUser,
		PullLimit:    pullLimit,
		CycleTimeout: 10 * time.Second,
		Retry:        syncengine.RetryConfig{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, MaxAttempts: 3},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := syncengine.NewCoordinator(store, remote, nil, store.DeviceID(), cfg, logger)
	return &device{store: store, remote: remote, coord: coord}
}

func (d *device) setClock(millis int64) {
	d.store.SetClock(func() time.Time { return time.UnixMilli(millis) })
}

func (d *device) save(t *testing.T, id string, kind healthrecord.Kind, payload string) *syncengine.LocalRecord {
	t.Helper()
	saved, err := d.coord.SaveLocally(context.Background(), &healthrecord.Record{
		ID:      id,
		UserID:  testUser,
		Kind:    kind,
		Payload: json.RawMessage(payload),
	})
	require.NoError(t, err)
	return saved
}

func (d *device) delete(t *testing.T, id string) {
	t.Helper()
	_, err := d.coord.DeleteLocally(context.Background(), id)
	require.NoError(t, err)
}

func (d *device) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, d.coord.TriggerManualSync(context.Background()))
}

func (d *device) fetch(t *testing.T, id string) *syncengine.LocalRecord {
	t.Helper()
	rec, err := d.store.Fetch(context.Background(), testUser, id)
	require.NoError(t, err)
	return rec
}

func (d *device) missing(t *testing.T, id string) {
	t.Helper()
	_, err := d.store.Fetch(context.Background(), testUser, id)
	require.ErrorIs(t, err, syncengine.ErrNotFound)
}

// records returns the device's live state keyed by record ID, sync
// metadata stripped, so two devices can be compared for convergence.
func (d *device) records(t *testing.T) map[string]healthrecord.Record {
	t.Helper()
	all, err := d.store.FetchAll(context.Background(), testUser)
	require.NoError(t, err)
	out := make(map[string]healthrecord.Record, len(all))
	for _, rec := range all {
		out[rec.ID] = rec.Record
	}
	return out
}
