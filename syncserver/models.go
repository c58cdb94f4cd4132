// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncserver implements the remote store backend for the
// offline-first health-record engine: a JSON HTTP API with JWT
// authentication over a pluggable storage backend (PostgreSQL or
// in-memory). Conflict handling applies the same deterministic
// last-writer-wins ordering as the device engines.
package syncserver

import (
	"errors"

	"github.com/qashsolutions/mango-sub000/healthrecord"
)

// Push statuses returned to clients.
const (
	StApplied  = "applied"
	StConflict = "conflict"
)

// PushResponse is the body of POST /sync/push.
type PushResponse struct {
	Status          string               `json:"status"`
	RemoteUpdatedAt int64                `json:"remote_updated_at"`
	ServerRecord    *healthrecord.Record `json:"server_record,omitempty"`
}

// PullResponse is the body of GET /sync/pull. NextSince and
// NextSinceID together form the cursor the client passes back to
// resume after this page.
type PullResponse struct {
	Records     []healthrecord.Record `json:"records"`
	NextSince   int64                 `json:"next_since"`
	NextSinceID string                `json:"next_since_id"`
	HasMore     bool                  `json:"has_more"`
}

// ErrorResponse is the body of any non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ErrNotFound is returned by backends for unknown records.
var ErrNotFound = errors.New("record not found")
