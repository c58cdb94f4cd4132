// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package healthrecord defines the domain record envelope shared by the
// sync engine and the sync server. The engine treats payloads as opaque
// JSON; typed payloads exist for app layers that want structure.
package healthrecord

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the domain record type carried in a payload.
type Kind string

const (
	KindMedication Kind = "medication"
	KindSupplement Kind = "supplement"
	KindDietEntry  Kind = "diet_entry"
	KindDoctor     Kind = "doctor"
)

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	switch k {
	case KindMedication, KindSupplement, KindDietEntry, KindDoctor:
		return true
	}
	return false
}

// Record is the sync envelope for a single logical health record.
// ID is assigned client-side at creation and never changes. UpdatedAt is
// Unix milliseconds of the last mutation, bumped monotonically by
// whichever actor performed the edit. DeviceID identifies that actor
// and is the deterministic tie-break key during conflict resolution.
// Deleted marks a tombstone; tombstones travel on the wire like any
// other record until all parties have converged on the deletion.
type Record struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UpdatedAt int64           `json:"updated_at"`
	Deleted   bool            `json:"deleted"`
	DeviceID  string          `json:"device_id"`
}

// Validate checks the envelope fields a remote store must reject on.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record missing id")
	}
	if r.UserID == "" {
		return fmt.Errorf("record %s missing user_id", r.ID)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("record %s has unknown kind %q", r.ID, r.Kind)
	}
	if r.UpdatedAt <= 0 {
		return fmt.Errorf("record %s has invalid updated_at %d", r.ID, r.UpdatedAt)
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return fmt.Errorf("record %s has malformed payload", r.ID)
	}
	return nil
}

// UpdatedTime returns UpdatedAt as a time.Time in UTC.
func (r *Record) UpdatedTime() time.Time {
	return time.UnixMilli(r.UpdatedAt).UTC()
}

// Clone returns a deep copy of the record. Payload bytes are copied so
// callers can mutate the clone without aliasing the original.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &cp
}

// SamePayload reports whether two records carry byte-identical payloads
// and the same deletion state. Used by the local store to keep saves of
// an unchanged record from bumping UpdatedAt.
func (r *Record) SamePayload(other *Record) bool {
	if r.Deleted != other.Deleted {
		return false
	}
	return string(r.Payload) == string(other.Payload)
}
