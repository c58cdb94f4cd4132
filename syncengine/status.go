// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// State is the coordinator's public state machine value.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
	StateOffline State = "offline"
)

// StatusSnapshot is what the UI layer subscribes to. It is a value:
// safe to hand across goroutines.
type StatusSnapshot struct {
	State             State
	IsOnline          bool
	HasPendingChanges bool
	LastSyncedAt      time.Time // zero until the first successful cycle
	CurrentError      error     // non-nil only in StateError
	Degraded          bool      // true when running on the in-memory fallback store
}

// DisplayStatus is the compact rendering for status display surfaces.
type DisplayStatus struct {
	Icon              string
	DisplayText       string
	IsOnline          bool
	HasPendingChanges bool
}

// Display renders the snapshot for UI consumption.
func (s StatusSnapshot) Display() DisplayStatus {
	d := DisplayStatus{IsOnline: s.IsOnline, HasPendingChanges: s.HasPendingChanges}
	switch s.State {
	case StateSyncing:
		d.Icon = "arrow.triangle.2.circlepath"
		d.DisplayText = "Syncing…"
	case StateError:
		d.Icon = "exclamationmark.triangle"
		d.DisplayText = "Sync failed"
	case StateOffline:
		d.Icon = "wifi.slash"
		if s.HasPendingChanges {
			d.DisplayText = "Offline, changes pending"
		} else {
			d.DisplayText = "Offline"
		}
	default:
		d.Icon = "checkmark.icloud"
		if s.LastSyncedAt.IsZero() {
			d.DisplayText = "Not synced yet"
		} else {
			d.DisplayText = "Synced " + s.LastSyncedAt.Local().Format("15:04")
		}
	}
	if s.Degraded {
		d.Icon = "exclamationmark.icloud"
		d.DisplayText = "Storage degraded, changes not persisted"
	}
	return d
}

// lastSyncFile persists the "last sync time" display value outside the
// local store's transactional boundary. Best effort on both ends:
// a lost or stale value only affects the label, never sync correctness.
type lastSyncFile struct {
	path string
}

func newLastSyncFile(dir string) *lastSyncFile {
	if dir == "" {
		return &lastSyncFile{}
	}
	return &lastSyncFile{path: filepath.Join(dir, "last_sync")}
}

func (f *lastSyncFile) write(t time.Time) {
	if f.path == "" {
		return
	}
	_ = os.WriteFile(f.path, []byte(strconv.FormatInt(t.UnixMilli(), 10)), 0o600)
}

func (f *lastSyncFile) read() time.Time {
	if f.path == "" {
		return time.Time{}
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
