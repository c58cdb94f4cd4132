// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Prober answers the question "can we reach the remote store right
// now". The default implementation dials the sync server; tests inject
// a scripted prober.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) Probe(ctx context.Context) bool { return f(ctx) }

// HTTPProber probes connectivity with a HEAD request to the sync
// server's base URL.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		// Any transport error counts as offline.
		return false
	}
	defer resp.Body.Close()
	return true
}

// Transition is an observed connectivity change.
type Transition struct {
	Online bool
	At     time.Time
}

// NetworkMonitor maintains an online/offline boolean and publishes
// debounced transitions. A transition is only reported after the new
// state has held for the debounce interval (default 2s), so flapping
// links never trigger sync churn.
type NetworkMonitor struct {
	prober   Prober
	interval time.Duration
	debounce time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	online    bool
	candidate bool
	heldSince time.Time
	subs      []chan Transition
}

// MonitorConfig configures probing cadence and debounce.
type MonitorConfig struct {
	Interval time.Duration // probe period, default 1s
	Debounce time.Duration // minimum stable interval, default 2s
}

// NewNetworkMonitor creates a monitor that is initially offline until
// the first stable probe says otherwise.
func NewNetworkMonitor(prober Prober, cfg MonitorConfig, logger *slog.Logger) *NetworkMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 1 * time.Second
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkMonitor{
		prober:   prober,
		interval: cfg.Interval,
		debounce: cfg.Debounce,
		logger:   logger,
	}
}

// IsOnline reports the current debounced connectivity state.
func (m *NetworkMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel of debounced transitions. The channel is
// buffered; a slow consumer drops transitions rather than blocking the
// monitor.
func (m *NetworkMonitor) Subscribe() <-chan Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Transition, 4)
	m.subs = append(m.subs, ch)
	return ch
}

// Start runs the probe loop until ctx ends.
func (m *NetworkMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *NetworkMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Observe(m.prober.Probe(ctx), time.Now())
		}
	}
}

// Observe feeds one probe result into the debouncer. Exported so tests
// can drive the monitor with a synthetic clock instead of the loop.
func (m *NetworkMonitor) Observe(online bool, at time.Time) {
	m.mu.Lock()

	if online != m.candidate {
		m.candidate = online
		m.heldSince = at
	}
	if m.candidate == m.online || at.Sub(m.heldSince) < m.debounce {
		m.mu.Unlock()
		return
	}

	m.online = m.candidate
	tr := Transition{Online: m.online, At: at}
	subs := make([]chan Transition, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", tr.Online)
	for _, ch := range subs {
		select {
		case ch <- tr:
		default:
		}
	}
}
