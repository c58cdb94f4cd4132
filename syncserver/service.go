// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/qashsolutions/mango-sub000/healthrecord"
)

// Service applies pushed records and serves pulls. Conflict decisions
// use healthrecord.Wins, the same ordering the device engines apply, so
// every replica converges on the same state regardless of sync order.
type Service struct {
	backend Backend
	logger  *slog.Logger
	cfg     *ServiceConfig
}

// ServiceConfig holds service limits.
type ServiceConfig struct {
	MaxPayloadBytes  int // per-record payload cap, 0 = unlimited
	DefaultPullLimit int // page size when the client does not specify one
	MaxPullLimit     int // page size cap
}

// DefaultServiceConfig returns the server defaults.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		MaxPayloadBytes:  256 * 1024,
		DefaultPullLimit: 500,
		MaxPullLimit:     2000,
	}
}

// NewService creates the sync service over a backend.
func NewService(backend Backend, cfg *ServiceConfig, logger *slog.Logger) *Service {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: backend, logger: logger, cfg: cfg}
}

// ValidationError marks a push rejected as malformed. The HTTP layer
// maps it to 400 so clients classify it as terminal for that record.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// ProcessPush applies one pushed record. The record is upserted when it
// wins against the stored version; otherwise the stored version comes
// back in a conflict response. Idempotent: re-pushing the same write
// reports applied again without changing state.
func (s *Service) ProcessPush(ctx context.Context, userID string, rec *healthrecord.Record) (*PushResponse, error) {
	if rec.UserID == "" {
		rec.UserID = userID
	}
	if rec.UserID != userID {
		return nil, &ValidationError{Err: fmt.Errorf("record user %q does not match authenticated user", rec.UserID)}
	}
	if err := rec.Validate(); err != nil {
		return nil, &ValidationError{Err: err}
	}
	if s.cfg.MaxPayloadBytes > 0 && len(rec.Payload) > s.cfg.MaxPayloadBytes {
		return nil, &ValidationError{Err: fmt.Errorf("record %s payload exceeds %d bytes", rec.ID, s.cfg.MaxPayloadBytes)}
	}

	existing, err := s.backend.Get(ctx, userID, rec.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if existing == nil || healthrecord.Wins(rec, existing) {
		if err := s.backend.Upsert(ctx, rec); err != nil {
			return nil, err
		}
		s.logger.Debug("push applied", "user_id", userID, "record_id", rec.ID,
			"updated_at", rec.UpdatedAt, "deleted", rec.Deleted)
		return &PushResponse{Status: StApplied, RemoteUpdatedAt: rec.UpdatedAt}, nil
	}

	if !healthrecord.Wins(existing, rec) {
		// Same timestamp and device: the identical write replayed.
		return &PushResponse{Status: StApplied, RemoteUpdatedAt: existing.UpdatedAt}, nil
	}

	s.logger.Debug("push conflict, server version wins", "user_id", userID,
		"record_id", rec.ID, "client_updated_at", rec.UpdatedAt, "server_updated_at", existing.UpdatedAt)
	return &PushResponse{
		Status:          StConflict,
		RemoteUpdatedAt: existing.UpdatedAt,
		ServerRecord:    existing,
	}, nil
}

// ProcessPull returns a page of the user's changes strictly after the
// (since, sinceID) cursor. excludeDevice filters out the requesting
// device's own writes unless the client asked to include them.
func (s *Service) ProcessPull(ctx context.Context, userID string, since int64, sinceID string, excludeDevice string, limit int) (*PullResponse, error) {
	if limit <= 0 {
		limit = s.cfg.DefaultPullLimit
	}
	if s.cfg.MaxPullLimit > 0 && limit > s.cfg.MaxPullLimit {
		limit = s.cfg.MaxPullLimit
	}

	changed, hasMore, err := s.backend.ChangesSince(ctx, userID, since, sinceID, excludeDevice, limit)
	if err != nil {
		return nil, err
	}

	// The cursor of the last row in (UpdatedAt, ID) order; the next
	// page resumes exactly there even inside a same-timestamp group.
	nextSince, nextSinceID := since, sinceID
	if n := len(changed); n > 0 {
		nextSince = changed[n-1].UpdatedAt
		nextSinceID = changed[n-1].ID
	}
	return &PullResponse{
		Records:     changed,
		NextSince:   nextSince,
		NextSinceID: nextSinceID,
		HasMore:     hasMore,
	}, nil
}

// ProcessDelete physically removes a record. Not part of deletion
// propagation (tombstone pushes are); used for confirmed-tombstone
// garbage collection.
func (s *Service) ProcessDelete(ctx context.Context, userID, id string) error {
	return s.backend.Delete(ctx, userID, id)
}
