// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qashsolutions/mango-sub000/healthrecord"
)

// PGBackend stores records in PostgreSQL behind a pgx connection pool.
type PGBackend struct {
	pool *pgxpool.Pool
}

// NewPGBackend wraps an existing pool and initializes the schema.
func NewPGBackend(ctx context.Context, pool *pgxpool.Pool) (*PGBackend, error) {
	b := &PGBackend{pool: pool}
	if err := b.initializeSchema(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// initializeSchema creates the sync schema and tables if missing.
func (b *PGBackend) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		migrations := []string{
			/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS healthsync`,

			// Current record state per user, tombstones included.
			// updated_at is the client-assigned Unix-millisecond
			// timestamp; the paired index drives pull pagination.
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS healthsync.health_records (
				user_id    TEXT    NOT NULL,
				id         TEXT    NOT NULL,
				kind       TEXT    NOT NULL,
				payload    JSON,
				updated_at BIGINT  NOT NULL,
				deleted    BOOLEAN NOT NULL DEFAULT FALSE,
				device_id  TEXT    NOT NULL,
				PRIMARY KEY (user_id, id)
			)`,

			/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_health_records_user_updated
				ON healthsync.health_records (user_id, updated_at, id)`,
		}
		for _, migration := range migrations {
			if _, err := tx.Exec(ctx, migration); err != nil {
				return fmt.Errorf("failed to run schema migration: %w", err)
			}
		}
		return nil
	})
}

func (b *PGBackend) Get(ctx context.Context, userID, id string) (*healthrecord.Record, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT user_id, id, kind, payload, updated_at, deleted, device_id
		FROM healthsync.health_records
		WHERE user_id = $1 AND id = $2
	`, userID, id)

	rec, err := scanPGRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	return rec, nil
}

func (b *PGBackend) Upsert(ctx context.Context, rec *healthrecord.Record) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO healthsync.health_records
			(user_id, id, kind, payload, updated_at, deleted, device_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, id) DO UPDATE SET
			kind       = EXCLUDED.kind,
			payload    = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at,
			deleted    = EXCLUDED.deleted,
			device_id  = EXCLUDED.device_id
	`, rec.UserID, rec.ID, string(rec.Kind), payloadOrNil(rec.Payload),
		rec.UpdatedAt, rec.Deleted, rec.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

func (b *PGBackend) Delete(ctx context.Context, userID, id string) error {
	_, err := b.pool.Exec(ctx, `
		DELETE FROM healthsync.health_records WHERE user_id = $1 AND id = $2
	`, userID, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (b *PGBackend) ChangesSince(ctx context.Context, userID string, since int64, sinceID string, excludeDevice string, limit int) ([]healthrecord.Record, bool, error) {
	if limit <= 0 {
		limit = 500
	}
	// Keyset pagination on the (updated_at, id) index; fetch one extra
	// row to learn whether more pages remain.
	rows, err := b.pool.Query(ctx, `
		SELECT user_id, id, kind, payload, updated_at, deleted, device_id
		FROM healthsync.health_records
		WHERE user_id = $1 AND (updated_at, id) > ($2, $3)
			AND ($4 = '' OR device_id <> $4)
		ORDER BY updated_at, id
		LIMIT $5
	`, userID, since, sinceID, excludeDevice, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var changed []healthrecord.Record
	for rows.Next() {
		rec, err := scanPGRecord(rows)
		if err != nil {
			return nil, false, fmt.Errorf("failed to scan change: %w", err)
		}
		changed = append(changed, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("failed to iterate changes: %w", err)
	}

	hasMore := false
	if len(changed) > limit {
		changed = changed[:limit]
		hasMore = true
	}
	return changed, hasMore, nil
}

func (b *PGBackend) Close() { b.pool.Close() }

func scanPGRecord(row pgx.Row) (*healthrecord.Record, error) {
	var rec healthrecord.Record
	var kind string
	var payload []byte
	if err := row.Scan(&rec.UserID, &rec.ID, &kind, &payload,
		&rec.UpdatedAt, &rec.Deleted, &rec.DeviceID); err != nil {
		return nil, err
	}
	rec.Kind = healthrecord.Kind(kind)
	if len(payload) > 0 {
		rec.Payload = json.RawMessage(payload)
	}
	return &rec, nil
}

func payloadOrNil(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return []byte(p)
}

var _ Backend = (*PGBackend)(nil)
