// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMonitorDebouncesTransition(t *testing.T) {
	m := NewNetworkMonitor(nil, MonitorConfig{Interval: time.Hour, Debounce: 2 * time.Second}, nil)
	transitions := m.Subscribe()
	base := time.Unix(1000, 0)

	require.False(t, m.IsOnline())

	// One good probe is not enough.
	m.Observe(true, base)
	require.False(t, m.IsOnline())
	require.Empty(t, transitions)

	// Still within the debounce window.
	m.Observe(true, base.Add(1*time.Second))
	require.False(t, m.IsOnline())

	// Stable for the full window: transition fires.
	m.Observe(true, base.Add(2*time.Second))
	require.True(t, m.IsOnline())

	tr := <-transitions
	require.True(t, tr.Online)
}

func TestMonitorIgnoresFlapping(t *testing.T) {
	m := NewNetworkMonitor(nil, MonitorConfig{Interval: time.Hour, Debounce: 2 * time.Second}, nil)
	transitions := m.Subscribe()
	base := time.Unix(1000, 0)

	// Bring it online first.
	m.Observe(true, base)
	m.Observe(true, base.Add(2*time.Second))
	require.True(t, m.IsOnline())
	<-transitions

	// Flap faster than the debounce interval: no transitions.
	at := base.Add(2 * time.Second)
	for i := 0; i < 10; i++ {
		at = at.Add(500 * time.Millisecond)
		m.Observe(i%2 == 0, at)
	}
	require.True(t, m.IsOnline())
	require.Empty(t, transitions)
}

func TestMonitorOfflineTransition(t *testing.T) {
	m := NewNetworkMonitor(nil, MonitorConfig{Interval: time.Hour, Debounce: time.Second}, nil)
	transitions := m.Subscribe()
	base := time.Unix(1000, 0)

	m.Observe(true, base)
	m.Observe(true, base.Add(time.Second))
	<-transitions

	m.Observe(false, base.Add(2*time.Second))
	m.Observe(false, base.Add(3*time.Second))
	require.False(t, m.IsOnline())

	tr := <-transitions
	require.False(t, tr.Online)
}
