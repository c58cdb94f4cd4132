// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/qashsolutions/mango-sub000/healthrecord"
)

// CoordinatorConfig tunes the sync coordinator.
type CoordinatorConfig struct {
	UserID       string
	PullLimit    int           // page size for pulls, default 500
	SyncInterval time.Duration // periodic cycle cadence, 0 disables the timer
	CycleTimeout time.Duration // overall budget per cycle, default 60s
	Retry        RetryConfig
	StateDir     string // directory for the best-effort last-sync file, "" disables
}

// DefaultCoordinatorConfig returns the engine defaults for a user.
func DefaultCoordinatorConfig(userID string) CoordinatorConfig {
	return CoordinatorConfig{
		UserID:       userID,
		PullLimit:    500,
		SyncInterval: 5 * time.Minute,
		CycleTimeout: 60 * time.Second,
		Retry:        DefaultRetryConfig(),
	}
}

// Coordinator orchestrates sync cycles: it drains the change queue,
// pushes dirty records, pulls remote changes, resolves conflicts,
// applies results to the local store, and republishes status.
//
// The engine is a single logical worker. At most one cycle runs at a
// time; concurrent triggers (manual, reconnect, timer) coalesce into
// the in-flight cycle. Local writes and cycle store mutations share one
// mutex so a user edit can never race a cycle's MarkSynced.
type Coordinator struct {
	cfg      CoordinatorConfig
	remote   RemoteStore
	monitor  *NetworkMonitor
	retry    *RetryScheduler
	logger   *slog.Logger
	lastSync *lastSyncFile
	deviceID string

	writeMu sync.Mutex // serialization point for all local store mutation

	syncing        atomic.Bool // single-flight cycle guard
	pendingTrigger atomic.Bool // a trigger arrived while a cycle was running
	cycleStarts    atomic.Int64

	mu           sync.Mutex // guards the fields below and the subscriber list
	store        LocalStore // swapped to the memory fallback on storage failure
	queue        *ChangeQueue
	state        State
	currentErr   error
	lastSyncedAt time.Time
	degraded     bool
	subs         []chan StatusSnapshot
}

// NewCoordinator wires the engine together. deviceID is the stable
// identifier stamped on local mutations (SQLiteStore.DeviceID).
func NewCoordinator(store LocalStore, remote RemoteStore, monitor *NetworkMonitor,
	deviceID string, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {

	if cfg.PullLimit <= 0 {
		cfg.PullLimit = 500
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		cfg:      cfg,
		remote:   remote,
		monitor:  monitor,
		retry:    NewRetryScheduler(cfg.Retry, logger),
		logger:   logger,
		lastSync: newLastSyncFile(cfg.StateDir),
		deviceID: deviceID,
		store:    store,
		queue:    NewChangeQueue(store, cfg.UserID),
		state:    StateIdle,
	}
	c.lastSyncedAt = c.lastSync.read()
	if monitor != nil && !monitor.IsOnline() {
		c.state = StateOffline
	}
	return c
}

// Start launches the reconnect listener and the periodic timer. Both
// stop when ctx ends. Safe to call once.
func (c *Coordinator) Start(ctx context.Context) {
	var transitions <-chan Transition
	if c.monitor != nil {
		transitions = c.monitor.Subscribe()
		c.monitor.Start(ctx)
	}

	go func() {
		var tick <-chan time.Time
		if c.cfg.SyncInterval > 0 {
			ticker := time.NewTicker(c.cfg.SyncInterval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case tr := <-transitions:
				if tr.Online {
					c.setState(StateIdle, nil)
					if err := c.runCycle(ctx, false); err != nil && !errors.Is(err, ErrSyncInFlight) {
						c.logger.Warn("reconnect sync failed", "error", err)
					}
				} else {
					c.setState(StateOffline, nil)
				}
			case <-tick:
				if c.monitor != nil && !c.monitor.IsOnline() {
					continue
				}
				if err := c.runCycle(ctx, false); err != nil && !errors.Is(err, ErrSyncInFlight) {
					c.logger.Warn("periodic sync failed", "error", err)
				}
			}
		}
	}()
}

// SaveLocally records a user edit. The write is synchronous; remote
// propagation happens on a later cycle. A missing ID is assigned here.
func (c *Coordinator) SaveLocally(ctx context.Context, rec *healthrecord.Record) (*LocalRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.UserID == "" {
		rec.UserID = c.cfg.UserID
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	saved, err := c.currentStore().Save(ctx, rec)
	if errors.Is(err, ErrStorageUnavailable) {
		c.degradeStorage(err)
		saved, err = c.currentStore().Save(ctx, rec)
	}
	if err != nil {
		return nil, err
	}
	c.publishStatus()
	return saved, nil
}

// DeleteLocally tombstones a record. The tombstone propagates on the
// next cycle and is purged once the remote side confirms it.
func (c *Coordinator) DeleteLocally(ctx context.Context, id string) (*LocalRecord, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deleted, err := c.currentStore().Delete(ctx, c.cfg.UserID, id)
	if errors.Is(err, ErrStorageUnavailable) {
		c.degradeStorage(err)
		deleted, err = c.currentStore().Delete(ctx, c.cfg.UserID, id)
	}
	if err != nil {
		return nil, err
	}
	c.publishStatus()
	return deleted, nil
}

// TriggerManualSync runs one cycle now. If a cycle is already in
// flight the trigger is coalesced into it and ErrSyncInFlight is
// returned; no second cycle starts.
func (c *Coordinator) TriggerManualSync(ctx context.Context) error {
	return c.runCycle(ctx, false)
}

// RetryFailedSync clears a surfaced sync error and attempts
// immediately, with backoff state reset.
func (c *Coordinator) RetryFailedSync(ctx context.Context) error {
	c.mu.Lock()
	c.currentErr = nil
	if c.state == StateError {
		c.state = StateIdle
	}
	c.mu.Unlock()
	return c.runCycle(ctx, false)
}

// ForceSyncAll rewinds the pull watermark and runs a cycle that
// re-pulls the full remote state, this device's own changes included.
// Recovery path for a restored or inconsistent device.
func (c *Coordinator) ForceSyncAll(ctx context.Context) error {
	c.writeMu.Lock()
	err := c.currentStore().ResetWatermark(ctx, c.cfg.UserID)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}
	return c.runCycle(ctx, true)
}

// Status returns the current status snapshot.
func (c *Coordinator) Status() StatusSnapshot {
	c.mu.Lock()
	snap := c.snapshotLocked()
	queue := c.queue
	c.mu.Unlock()

	// Best effort; a failed dirty check only affects the badge.
	if has, err := queue.HasPending(context.Background()); err == nil {
		snap.HasPendingChanges = has
	}
	return snap
}

// GetSyncStatus returns the compact status for display surfaces.
func (c *Coordinator) GetSyncStatus() DisplayStatus {
	return c.Status().Display()
}

// SubscribeStatus returns a channel receiving status snapshots on every
// change. Buffered; slow consumers miss intermediate snapshots rather
// than blocking the engine.
func (c *Coordinator) SubscribeStatus() <-chan StatusSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan StatusSnapshot, 8)
	c.subs = append(c.subs, ch)
	return ch
}

// CycleStarts returns how many cycles have started. Observability hook
// for the single-flight guarantee.
func (c *Coordinator) CycleStarts() int64 {
	return c.cycleStarts.Load()
}

// Store returns the store currently backing the engine (the fallback
// after degradation).
func (c *Coordinator) Store() LocalStore {
	return c.currentStore()
}

func (c *Coordinator) currentStore() LocalStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store
}

// degradeStorage swaps in the volatile fallback store. Data written
// afterwards is not durable; the status snapshot says so.
func (c *Coordinator) degradeStorage(cause error) {
	c.mu.Lock()
	if c.degraded {
		c.mu.Unlock()
		return
	}
	c.degraded = true
	c.store = NewMemoryStore(c.deviceID)
	c.queue = NewChangeQueue(c.store, c.cfg.UserID)
	c.mu.Unlock()
	c.logger.Error("local storage unavailable, degrading to in-memory store", "error", cause)
	c.publishStatus()
}

// runCycle executes one full sync cycle. includeSelf re-pulls this
// device's own changes (ForceSyncAll only).
func (c *Coordinator) runCycle(ctx context.Context, includeSelf bool) error {
	if !c.syncing.CompareAndSwap(false, true) {
		c.pendingTrigger.Store(true)
		return ErrSyncInFlight
	}

	var err error
	for {
		err = c.cycle(ctx, includeSelf)
		includeSelf = false
		// A trigger that arrived mid-cycle gets one coalesced follow-up
		// run instead of a queue of cycles.
		if c.pendingTrigger.Swap(false) {
			continue
		}
		if !c.releaseAndRecheck() {
			return err
		}
	}
}

// releaseAndRecheck drops the single-flight guard, then picks up a
// trigger that landed between the runner's last coalescing check and
// the release. Such a caller already got ErrSyncInFlight expecting a
// follow-up cycle, so the trigger must not be dropped. Reports whether
// the guard was reacquired and another cycle should run.
func (c *Coordinator) releaseAndRecheck() bool {
	c.syncing.Store(false)
	if !c.pendingTrigger.Load() || !c.syncing.CompareAndSwap(false, true) {
		return false
	}
	c.pendingTrigger.Store(false)
	return true
}

func (c *Coordinator) cycle(parent context.Context, includeSelf bool) error {
	c.cycleStarts.Add(1)
	c.setState(StateSyncing, nil)

	ctx, cancel := context.WithTimeout(parent, c.cfg.CycleTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	err := c.cycleLocked(ctx, includeSelf)
	if err != nil {
		if errors.Is(err, ErrStorageUnavailable) {
			c.degradeStorage(err)
		}
		c.setState(StateError, err)
		return err
	}

	now := time.Now()
	c.mu.Lock()
	c.lastSyncedAt = now
	c.mu.Unlock()
	c.lastSync.write(now)

	if c.monitor != nil && !c.monitor.IsOnline() {
		c.setState(StateOffline, nil)
	} else {
		c.setState(StateIdle, nil)
	}
	return nil
}

func (c *Coordinator) cycleLocked(ctx context.Context, includeSelf bool) error {
	store := c.currentStore()
	queue := c.currentQueue()

	// Phase 1: push. The queue is recomputed from the store, never
	// cached across cycles.
	dirty, err := queue.Pending(ctx)
	if err != nil {
		return fmt.Errorf("failed to read change queue: %w", err)
	}

	var pushErrs []error
	for _, rec := range dirty {
		if err := c.pushRecord(ctx, store, rec); err != nil {
			if Classify(err) == ClassTerminal && errors.Is(err, ErrUnauthenticated) {
				// Auth failure is cycle-level: nothing else can succeed.
				return err
			}
			// Per-record failures stay isolated; the record stays dirty
			// and the rest of the batch proceeds.
			pushErrs = append(pushErrs, &RecordError{RecordID: rec.ID, Err: err})
			c.logger.Warn("push failed, record stays dirty", "record_id", rec.ID, "error", err)
		}
	}

	// Phase 2: pull. Pushes always complete before pulls are applied so
	// a fresh local edit is never clobbered by a stale pull in the same
	// cycle.
	if err := c.pullAndApply(ctx, store, includeSelf); err != nil {
		return err
	}

	if purged, err := store.PurgeTombstones(ctx, c.cfg.UserID); err != nil {
		return err
	} else if purged > 0 {
		c.logger.Debug("purged confirmed tombstones", "count", purged)
	}

	if len(pushErrs) > 0 {
		return fmt.Errorf("%d of %d pushes failed: %w", len(pushErrs), len(dirty), errors.Join(pushErrs...))
	}
	return nil
}

func (c *Coordinator) pushRecord(ctx context.Context, store LocalStore, rec *LocalRecord) error {
	var ack *PushAck
	err := c.retry.Do(ctx, "push", func(ctx context.Context) error {
		var err error
		ack, err = c.remote.Push(ctx, &rec.Record)
		return err
	})
	if err != nil {
		return err
	}

	switch ack.Status {
	case PushApplied:
		return store.MarkSynced(ctx, rec.UserID, rec.ID, ack.RemoteUpdatedAt)
	case PushConflict:
		// The server holds a version that wins under the shared
		// last-writer-wins rules; adopt it and drop the local edit.
		if ack.ServerRecord == nil {
			return fmt.Errorf("conflict ack for %s without server record", rec.ID)
		}
		return store.ApplyRemote(ctx, ack.ServerRecord)
	default:
		return fmt.Errorf("unknown push status %q for %s", ack.Status, rec.ID)
	}
}

func (c *Coordinator) pullAndApply(ctx context.Context, store LocalStore, includeSelf bool) error {
	cursor, err := store.Watermark(ctx, c.cfg.UserID)
	if err != nil {
		return err
	}

	for {
		var page *PullPage
		err := c.retry.Do(ctx, "pull", func(ctx context.Context) error {
			var err error
			page, err = c.remote.Pull(ctx, c.cfg.UserID, cursor, PullOptions{
				Limit:       c.cfg.PullLimit,
				IncludeSelf: includeSelf,
			})
			return err
		})
		if err != nil {
			// Pull failures are cycle-level: abort, the cursor keeps
			// partial progress from already-applied pages.
			return fmt.Errorf("pull failed: %w", err)
		}

		for i := range page.Records {
			if err := c.applyPulled(ctx, store, &page.Records[i], includeSelf); err != nil {
				return err
			}
		}

		if cursor.Before(page.Next) {
			if err := store.SetWatermark(ctx, c.cfg.UserID, page.Next); err != nil {
				return err
			}
			cursor = page.Next
		}
		if !page.HasMore {
			return nil
		}
	}
}

// applyPulled reconciles one remote record against local state.
// Idempotent: applying the same record twice leaves the store unchanged.
func (c *Coordinator) applyPulled(ctx context.Context, store LocalStore, remote *healthrecord.Record, includeSelf bool) error {
	if !includeSelf && remote.DeviceID == c.deviceID {
		// Our own change echoed back; local state already has it.
		return nil
	}

	local, err := store.Fetch(ctx, remote.UserID, remote.ID)
	if errors.Is(err, ErrNotFound) {
		return store.ApplyRemote(ctx, remote)
	}
	if err != nil {
		return err
	}

	switch Resolve(&local.Record, remote) {
	case WinnerRemote:
		return store.ApplyRemote(ctx, remote)
	default:
		// Local wins. If it is still dirty it will be pushed on a
		// subsequent cycle; a pull never silently clobbers a pending
		// local write.
		return nil
	}
}

func (c *Coordinator) currentQueue() *ChangeQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue
}

func (c *Coordinator) setState(state State, err error) {
	c.mu.Lock()
	c.state = state
	c.currentErr = err
	c.mu.Unlock()
	c.publishStatus()
}

func (c *Coordinator) snapshotLocked() StatusSnapshot {
	return StatusSnapshot{
		State:        c.state,
		IsOnline:     c.monitor == nil || c.monitor.IsOnline(),
		LastSyncedAt: c.lastSyncedAt,
		CurrentError: c.currentErr,
		Degraded:     c.degraded,
	}
}

func (c *Coordinator) publishStatus() {
	snap := c.Status()

	c.mu.Lock()
	subs := make([]chan StatusSnapshot, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
