// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine. Call sites match with
// errors.Is; the retry scheduler classifies them into retryable and
// terminal (see retry.go).
var (
	// ErrNotFound is returned by store lookups for unknown records.
	ErrNotFound = errors.New("record not found")

	// ErrUnauthenticated means the identity provider rejected or could
	// not supply a credential. Terminal: sync cannot proceed until the
	// app re-authenticates.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrBadPayload means the remote store rejected a record as
	// malformed. Terminal for that record only.
	ErrBadPayload = errors.New("malformed payload")

	// ErrStorageUnavailable means the local store is corrupt or
	// unreachable. The engine degrades to the in-memory fallback rather
	// than crashing the host application.
	ErrStorageUnavailable = errors.New("local storage unavailable")

	// ErrRemoteUnavailable covers transient transport failures
	// (timeouts, connection resets, 5xx). Retryable.
	ErrRemoteUnavailable = errors.New("remote store unavailable")

	// ErrRateLimited is returned when the remote store throttles the
	// client. Retryable.
	ErrRateLimited = errors.New("rate limited")

	// ErrSyncInFlight is returned by forced triggers when a cycle is
	// already running and the trigger was coalesced into it.
	ErrSyncInFlight = errors.New("sync already in flight")
)

// RecordError attaches the record identity to a per-record push
// failure so a single bad record stays isolated from the batch.
type RecordError struct {
	RecordID string
	Err      error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s: %v", e.RecordID, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// wrapStorage tags a local store failure so callers can detect the
// storage-unavailable condition with errors.Is while keeping the
// underlying driver error in the chain.
func wrapStorage(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStorageUnavailable, err))
}
