// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// The device simulator drives two simulated phones through a full
// offline-first flow against a running healthsync server: offline
// edits, reconnect sync, a concurrent-edit conflict, a deletion with
// tombstone garbage collection, and a forced full re-pull.
//
// Run a server first (cmd/healthsync-server), then:
//
//	devicesim -server http://localhost:8080 -jwt-secret <secret>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/qashsolutions/mango-sub000/healthrecord"
	"github.com/qashsolutions/mango-sub000/syncengine"
	"github.com/qashsolutions/mango-sub000/syncserver"
)

func main() {
	var (
		serverFlag    = flag.String("server", "http://localhost:8080", "Server URL")
		jwtSecretFlag = flag.String("jwt-secret", "", "JWT secret for local token generation (defaults to env JWT_SECRET)")
		userFlag      = flag.String("user", "sim-user", "User ID to simulate")
		verboseFlag   = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	jwtSecret := *jwtSecretFlag
	if jwtSecret == "" {
		jwtSecret = os.Getenv("JWT_SECRET")
	}
	if jwtSecret == "" {
		logger.Error("JWT secret required (-jwt-secret or JWT_SECRET)")
		os.Exit(1)
	}

	sim := &simulation{
		serverURL: *serverFlag,
		userID:    *userFlag,
		jwtAuth:   syncserver.NewJWTAuth(jwtSecret),
		logger:    logger,
	}
	if err := sim.run(context.Background()); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
	logger.Info("simulation complete: all devices converged")
}

type simulation struct {
	serverURL string
	userID    string
	jwtAuth   *syncserver.JWTAuth
	logger    *slog.Logger
}

// phone is one simulated device: a file-backed SQLite store and a sync
// coordinator with its own device identity and token.
type phone struct {
	name  string
	store *syncengine.SQLiteStore
	coord *syncengine.Coordinator
}

func (s *simulation) newPhone(name, baseDir string) (*phone, error) {
	dir := filepath.Join(baseDir, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	store, err := syncengine.OpenSQLiteStore(filepath.Join(dir, "local.db"), s.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", name, err)
	}

	token, err := s.jwtAuth.GenerateToken(s.userID, store.DeviceID(), 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to issue %s token: %w", name, err)
	}
	remote := syncengine.NewHTTPRemoteStore(s.serverURL, func(context.Context) (string, error) {
		return token, nil
	})

	cfg := syncengine.DefaultCoordinatorConfig(s.userID)
	cfg.StateDir = dir
	// The simulator drives every cycle explicitly, so no monitor: a
	// reconnect-triggered cycle would race the scripted ones.
	coord := syncengine.NewCoordinator(store, remote, nil, store.DeviceID(), cfg, s.logger.With("device", name))
	return &phone{name: name, store: store, coord: coord}, nil
}

func (p *phone) sync(ctx context.Context) error {
	if err := p.coord.TriggerManualSync(ctx); err != nil {
		return fmt.Errorf("%s sync: %w", p.name, err)
	}
	return nil
}

func (s *simulation) run(ctx context.Context) error {
	prober := &syncengine.HTTPProber{URL: s.serverURL}
	if !prober.Probe(ctx) {
		return fmt.Errorf("server %s is not reachable", s.serverURL)
	}

	dir, err := os.MkdirTemp("", "devicesim-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	alpha, err := s.newPhone("alpha", dir)
	if err != nil {
		return err
	}
	defer alpha.store.Close()
	beta, err := s.newPhone("beta", dir)
	if err != nil {
		return err
	}
	defer beta.store.Close()

	// Offline edits on both devices.
	med, err := healthrecord.EncodePayload(healthrecord.MedicationPayload{
		Name: "lisinopril", Dosage: "10mg", Schedule: "morning",
	})
	if err != nil {
		return err
	}
	saved, err := alpha.coord.SaveLocally(ctx, &healthrecord.Record{
		Kind: healthrecord.KindMedication, Payload: med,
	})
	if err != nil {
		return err
	}
	s.logger.Info("alpha saved medication offline", "record_id", saved.ID,
		"status", alpha.coord.GetSyncStatus().DisplayText)

	diet, err := healthrecord.EncodePayload(healthrecord.DietEntryPayload{
		Description: "oatmeal with berries", MealType: "breakfast",
	})
	if err != nil {
		return err
	}
	if _, err := beta.coord.SaveLocally(ctx, &healthrecord.Record{
		Kind: healthrecord.KindDietEntry, Payload: diet,
	}); err != nil {
		return err
	}

	// Both devices come online and sync; alpha needs a second pass to
	// pick up beta's push.
	for _, p := range []*phone{alpha, beta, alpha} {
		if err := p.sync(ctx); err != nil {
			return err
		}
	}
	if err := s.verifyConverged(ctx, alpha, beta, 2); err != nil {
		return err
	}
	s.logger.Info("offline edits converged", "records", 2)

	// Concurrent edit of the same record: the later write must win on
	// both devices.
	if _, err := alpha.coord.SaveLocally(ctx, &healthrecord.Record{
		ID: saved.ID, Kind: healthrecord.KindMedication,
		Payload: json.RawMessage(`{"name":"lisinopril","dosage":"20mg","schedule":"morning"}`),
	}); err != nil {
		return err
	}
	time.Sleep(5 * time.Millisecond) // distinct wall-clock timestamps
	if _, err := beta.coord.SaveLocally(ctx, &healthrecord.Record{
		ID: saved.ID, Kind: healthrecord.KindMedication,
		Payload: json.RawMessage(`{"name":"lisinopril","dosage":"40mg","schedule":"evening"}`),
	}); err != nil {
		return err
	}
	for _, p := range []*phone{alpha, beta, alpha} {
		if err := p.sync(ctx); err != nil {
			return err
		}
	}
	winner, err := alpha.store.Fetch(ctx, s.userID, saved.ID)
	if err != nil {
		return err
	}
	if winner.DeviceID != beta.store.DeviceID() {
		return fmt.Errorf("conflict resolution picked %s, want beta's later edit", winner.DeviceID)
	}
	s.logger.Info("concurrent edit resolved, later write won", "record_id", saved.ID)

	// Deletion propagates as a tombstone, then the server copy is
	// garbage-collected once every device has confirmed it.
	if _, err := beta.coord.DeleteLocally(ctx, saved.ID); err != nil {
		return err
	}
	for _, p := range []*phone{beta, alpha} {
		if err := p.sync(ctx); err != nil {
			return err
		}
	}
	for _, p := range []*phone{alpha, beta} {
		if _, err := p.store.Fetch(ctx, s.userID, saved.ID); !errorIsNotFound(err) {
			return fmt.Errorf("%s still holds deleted record %s", p.name, saved.ID)
		}
	}
	gcRemote := syncengine.NewHTTPRemoteStore(s.serverURL, func(context.Context) (string, error) {
		return s.jwtAuth.GenerateToken(s.userID, alpha.store.DeviceID(), time.Hour)
	})
	if err := gcRemote.Delete(ctx, s.userID, saved.ID); err != nil {
		return fmt.Errorf("tombstone gc: %w", err)
	}
	s.logger.Info("deletion propagated and tombstone collected", "record_id", saved.ID)

	// Device restore: wipe beta's local rows and recover everything
	// with a forced full re-pull.
	remaining, err := beta.store.FetchAll(ctx, s.userID)
	if err != nil {
		return err
	}
	for _, rec := range remaining {
		if err := beta.store.Purge(ctx, s.userID, rec.ID); err != nil {
			return err
		}
	}
	if err := beta.coord.ForceSyncAll(ctx); err != nil {
		return fmt.Errorf("beta force sync: %w", err)
	}
	if err := s.verifyConverged(ctx, alpha, beta, 1); err != nil {
		return err
	}
	s.logger.Info("restored device recovered via full re-pull",
		"status", beta.coord.GetSyncStatus().DisplayText)
	return nil
}

// verifyConverged checks both phones hold identical record content.
func (s *simulation) verifyConverged(ctx context.Context, a, b *phone, want int) error {
	recsA, err := a.store.FetchAll(ctx, s.userID)
	if err != nil {
		return err
	}
	recsB, err := b.store.FetchAll(ctx, s.userID)
	if err != nil {
		return err
	}
	if len(recsA) != want || len(recsB) != want {
		return fmt.Errorf("expected %d records, %s has %d and %s has %d",
			want, a.name, len(recsA), b.name, len(recsB))
	}
	for i := range recsA {
		ra, rb := recsA[i].Record, recsB[i].Record
		if ra.ID != rb.ID || ra.UpdatedAt != rb.UpdatedAt || ra.DeviceID != rb.DeviceID ||
			ra.Deleted != rb.Deleted || string(ra.Payload) != string(rb.Payload) {
			return fmt.Errorf("divergence on record %s between %s and %s", ra.ID, a.name, b.name)
		}
	}
	return nil
}

func errorIsNotFound(err error) bool {
	return errors.Is(err, syncengine.ErrNotFound)
}
