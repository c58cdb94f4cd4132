// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/qashsolutions/mango-sub000/healthrecord"
)

// SQLiteStore is the durable LocalStore implementation backed by an
// embedded SQLite database in WAL mode. A single open connection
// serializes writers at the driver level; the coordinator additionally
// serializes full sync cycles (see coordinator.go).
type SQLiteStore struct {
	db       *sql.DB
	deviceID string
	now      func() time.Time
}

// OpenSQLiteStore opens (or creates) the local database at path and
// initializes the schema. Use ":memory:" for tests.
func OpenSQLiteStore(path, userID string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, wrapStorage("failed to open local database", err)
	}
	// One connection: avoids SQLITE_BUSY under concurrent access and
	// keeps ":memory:" databases from splitting across pool conns.
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db, userID)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps an existing database handle. The schema is
// created if missing and a device identifier is generated and persisted
// on first use.
func NewSQLiteStore(db *sql.DB, userID string) (*SQLiteStore, error) {
	if err := initializeSchema(db); err != nil {
		return nil, err
	}
	deviceID, err := ensureDeviceID(db, userID)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, deviceID: deviceID, now: time.Now}, nil
}

// DeviceID returns the stable device identifier persisted in the local
// database. It stamps every local mutation and breaks conflict ties.
func (s *SQLiteStore) DeviceID() string { return s.deviceID }

// SetClock overrides the wall clock, for tests.
func (s *SQLiteStore) SetClock(now func() time.Time) { s.now = now }

func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return wrapStorage("failed to enable WAL mode", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return wrapStorage("failed to enable foreign keys", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS health_records (
			user_id                      TEXT NOT NULL,
			id                           TEXT NOT NULL,
			kind                         TEXT NOT NULL,
			payload                      TEXT,
			updated_at                   INTEGER NOT NULL,
			deleted                      INTEGER NOT NULL DEFAULT 0,
			device_id                    TEXT NOT NULL,
			needs_push                   INTEGER NOT NULL DEFAULT 1,
			last_synced_at               INTEGER,
			last_known_remote_updated_at INTEGER,
			PRIMARY KEY (user_id, id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_health_records_dirty
			ON health_records(user_id, needs_push)`,

		// One row per signed-in user: persisted device identity plus the
		// pull cursor (position in (updated_at, id) order up to which
		// remote changes have been applied locally).
		`CREATE TABLE IF NOT EXISTS _sync_client_state (
			user_id        TEXT NOT NULL,
			device_id      TEXT NOT NULL,
			last_pulled_at INTEGER NOT NULL DEFAULT 0,
			last_pulled_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id)
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return wrapStorage("failed to create sync table", err)
		}
	}
	return nil
}

// ensureDeviceID generates and persists a device ID if not already present.
func ensureDeviceID(db *sql.DB, userID string) (string, error) {
	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _sync_client_state WHERE user_id = ?`, userID).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO _sync_client_state (user_id, device_id, last_pulled_at)
			VALUES (?, ?, 0)
		`, userID, deviceID)
		if err != nil {
			return "", wrapStorage("failed to insert client state", err)
		}
	} else if err != nil {
		return "", wrapStorage("failed to query client state", err)
	}
	return deviceID, nil
}

func (s *SQLiteStore) nowMilli() int64 { return s.now().UnixMilli() }

// Save implements LocalStore. The UpdatedAt bump is max(now, prev+1) so
// timestamps strictly increase per record even under clock skew.
func (s *SQLiteStore) Save(ctx context.Context, rec *healthrecord.Record) (*LocalRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStorage("failed to begin save transaction", err)
	}
	defer tx.Rollback()

	existing, err := fetchInTx(ctx, tx, rec.UserID, rec.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	stored := rec.Clone()
	stored.DeviceID = s.deviceID
	if existing != nil {
		if existing.SamePayload(stored) {
			// Identical payload: no-op, UpdatedAt untouched.
			return existing, nil
		}
		stored.UpdatedAt = bumpTimestamp(s.nowMilli(), existing.UpdatedAt)
	} else {
		stored.UpdatedAt = bumpTimestamp(s.nowMilli(), 0)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO health_records
			(user_id, id, kind, payload, updated_at, deleted, device_id, needs_push, last_synced_at, last_known_remote_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, NULL, NULL)
		ON CONFLICT(user_id, id) DO UPDATE SET
			kind       = excluded.kind,
			payload    = excluded.payload,
			updated_at = excluded.updated_at,
			deleted    = excluded.deleted,
			device_id  = excluded.device_id,
			needs_push = 1
	`, stored.UserID, stored.ID, string(stored.Kind), payloadText(stored.Payload),
		stored.UpdatedAt, boolToInt(stored.Deleted), stored.DeviceID)
	if err != nil {
		return nil, wrapStorage("failed to upsert record", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapStorage("failed to commit save", err)
	}

	out := &LocalRecord{Record: *stored, Meta: SyncMeta{NeedsPush: true}}
	if existing != nil {
		out.Meta.LastSyncedAt = existing.Meta.LastSyncedAt
		out.Meta.LastKnownRemoteUpdatedAt = existing.Meta.LastKnownRemoteUpdatedAt
	}
	return out, nil
}

// ApplyRemote implements LocalStore. The pulled record overwrites local
// state verbatim and is marked clean; the caller decides whether the
// remote version should win before calling this.
func (s *SQLiteStore) ApplyRemote(ctx context.Context, rec *healthrecord.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_records
			(user_id, id, kind, payload, updated_at, deleted, device_id, needs_push, last_synced_at, last_known_remote_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(user_id, id) DO UPDATE SET
			kind                         = excluded.kind,
			payload                      = excluded.payload,
			updated_at                   = excluded.updated_at,
			deleted                      = excluded.deleted,
			device_id                    = excluded.device_id,
			needs_push                   = 0,
			last_synced_at               = excluded.last_synced_at,
			last_known_remote_updated_at = excluded.last_known_remote_updated_at
	`, rec.UserID, rec.ID, string(rec.Kind), payloadText(rec.Payload),
		rec.UpdatedAt, boolToInt(rec.Deleted), rec.DeviceID, s.nowMilli(), rec.UpdatedAt)
	if err != nil {
		return wrapStorage("failed to apply remote record", err)
	}
	return nil
}

const recordColumns = `user_id, id, kind, payload, updated_at, deleted, device_id,
	needs_push, last_synced_at, last_known_remote_updated_at`

func (s *SQLiteStore) Fetch(ctx context.Context, userID, id string) (*LocalRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM health_records WHERE user_id = ? AND id = ?
	`, userID, id)
	return scanRecord(row)
}

func fetchInTx(ctx context.Context, tx *sql.Tx, userID, id string) (*LocalRecord, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM health_records WHERE user_id = ? AND id = ?
	`, userID, id)
	return scanRecord(row)
}

func (s *SQLiteStore) FetchAll(ctx context.Context, userID string) ([]*LocalRecord, error) {
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM health_records
		WHERE user_id = ? ORDER BY updated_at, id
	`, userID)
}

func (s *SQLiteStore) FetchDirty(ctx context.Context, userID string) ([]*LocalRecord, error) {
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM health_records
		WHERE user_id = ? AND needs_push = 1 ORDER BY updated_at, id
	`, userID)
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]*LocalRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStorage("failed to query records", err)
	}
	defer rows.Close()

	var records []*LocalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("failed to iterate records", err)
	}
	return records, nil
}

// MarkSynced implements LocalStore. The guard on updated_at keeps a
// local edit made after the push started from being unmarked.
func (s *SQLiteStore) MarkSynced(ctx context.Context, userID, id string, remoteUpdatedAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE health_records
		SET needs_push = 0, last_synced_at = ?, last_known_remote_updated_at = ?
		WHERE user_id = ? AND id = ? AND updated_at <= ?
	`, s.nowMilli(), remoteUpdatedAt, userID, id, remoteUpdatedAt)
	if err != nil {
		return wrapStorage("failed to mark record synced", err)
	}
	return nil
}

// Delete implements LocalStore: tombstone, never a physical delete.
func (s *SQLiteStore) Delete(ctx context.Context, userID, id string) (*LocalRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStorage("failed to begin delete transaction", err)
	}
	defer tx.Rollback()

	existing, err := fetchInTx(ctx, tx, userID, id)
	if err != nil {
		return nil, err
	}
	if existing.Deleted {
		return existing, nil
	}

	updatedAt := bumpTimestamp(s.nowMilli(), existing.UpdatedAt)
	_, err = tx.ExecContext(ctx, `
		UPDATE health_records
		SET deleted = 1, updated_at = ?, device_id = ?, needs_push = 1
		WHERE user_id = ? AND id = ?
	`, updatedAt, s.deviceID, userID, id)
	if err != nil {
		return nil, wrapStorage("failed to tombstone record", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapStorage("failed to commit delete", err)
	}

	out := *existing
	out.Deleted = true
	out.UpdatedAt = updatedAt
	out.DeviceID = s.deviceID
	out.Meta.NeedsPush = true
	return &out, nil
}

func (s *SQLiteStore) Purge(ctx context.Context, userID, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM health_records WHERE user_id = ? AND id = ?
	`, userID, id)
	if err != nil {
		return wrapStorage("failed to purge record", err)
	}
	return nil
}

// PurgeTombstones implements LocalStore. A tombstone is confirmed once
// it is clean and the remote side has observed at least its timestamp.
func (s *SQLiteStore) PurgeTombstones(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM health_records
		WHERE user_id = ? AND deleted = 1 AND needs_push = 0
			AND last_known_remote_updated_at IS NOT NULL
			AND last_known_remote_updated_at >= updated_at
	`, userID)
	if err != nil {
		return 0, wrapStorage("failed to purge tombstones", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapStorage("failed to count purged tombstones", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Watermark(ctx context.Context, userID string) (PullCursor, error) {
	var cur PullCursor
	err := s.db.QueryRowContext(ctx, `
		SELECT last_pulled_at, last_pulled_id FROM _sync_client_state WHERE user_id = ?
	`, userID).Scan(&cur.UpdatedAt, &cur.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return PullCursor{}, nil
	}
	if err != nil {
		return PullCursor{}, wrapStorage("failed to read watermark", err)
	}
	return cur, nil
}

func (s *SQLiteStore) SetWatermark(ctx context.Context, userID string, cur PullCursor) error {
	// The WHERE guard keeps the cursor monotonic in (updated_at, id).
	_, err := s.db.ExecContext(ctx, `
		UPDATE _sync_client_state
		SET last_pulled_at = ?, last_pulled_id = ?
		WHERE user_id = ?
			AND (last_pulled_at < ? OR (last_pulled_at = ? AND last_pulled_id < ?))
	`, cur.UpdatedAt, cur.ID, userID, cur.UpdatedAt, cur.UpdatedAt, cur.ID)
	if err != nil {
		return wrapStorage("failed to set watermark", err)
	}
	return nil
}

// ResetWatermark rewinds the pull cursor to zero so the next cycle
// re-pulls everything. Used by ForceSyncAll for recovery.
func (s *SQLiteStore) ResetWatermark(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE _sync_client_state SET last_pulled_at = 0, last_pulled_id = '' WHERE user_id = ?
	`, userID)
	if err != nil {
		return wrapStorage("failed to reset watermark", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- row helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*LocalRecord, error) {
	var rec LocalRecord
	var kind, payload string
	var deleted, needsPush int
	var lastSyncedAt, lastKnownRemote sql.NullInt64

	err := row.Scan(&rec.UserID, &rec.ID, &kind, &payload, &rec.UpdatedAt,
		&deleted, &rec.DeviceID, &needsPush, &lastSyncedAt, &lastKnownRemote)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapStorage("failed to scan record", err)
	}

	rec.Kind = healthrecord.Kind(kind)
	if payload != "" {
		rec.Payload = json.RawMessage(payload)
	}
	rec.Deleted = deleted != 0
	rec.Meta.NeedsPush = needsPush != 0
	if lastSyncedAt.Valid {
		rec.Meta.LastSyncedAt = &lastSyncedAt.Int64
	}
	if lastKnownRemote.Valid {
		rec.Meta.LastKnownRemoteUpdatedAt = &lastKnownRemote.Int64
	}
	return &rec, nil
}

func payloadText(p json.RawMessage) string {
	if p == nil {
		return ""
	}
	return string(p)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// bumpTimestamp returns a strictly increasing timestamp for a record:
// wall clock when it is ahead, prev+1 otherwise.
func bumpTimestamp(now, prev int64) int64 {
	if now > prev {
		return now
	}
	return prev + 1
}

var _ LocalStore = (*SQLiteStore)(nil)
