// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"
)

// ErrorClass partitions sync failures for the retry scheduler.
type ErrorClass int

const (
	// ClassRetryable covers transient conditions: network timeouts,
	// unreachable hosts, 5xx responses, rate limiting.
	ClassRetryable ErrorClass = iota
	// ClassTerminal covers conditions retrying cannot fix: rejected
	// credentials, malformed payloads, storage corruption, cancellation.
	ClassTerminal
)

// Classify maps an error to its retry class. Unknown errors are assumed
// transient; the bounded attempt count keeps that assumption cheap.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassRetryable
	case errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrBadPayload),
		errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, context.Canceled):
		return ClassTerminal
	case errors.Is(err, ErrRemoteUnavailable),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded):
		return ClassRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}
	return ClassRetryable
}

// RetryConfig bounds the retry scheduler.
type RetryConfig struct {
	BaseDelay   time.Duration // first backoff delay
	MaxDelay    time.Duration // backoff cap
	MaxAttempts int           // attempts before the error surfaces
}

// DefaultRetryConfig matches the engine defaults: 1s base doubling to a
// 30s cap, three attempts before the failure becomes user-visible.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 3,
	}
}

// Backoff yields the exponential delay sequence for one retry run.
// Not safe for concurrent use; each run owns its own Backoff.
type Backoff struct {
	cfg  RetryConfig
	next time.Duration
}

// NewBackoff creates a backoff starting at the configured base delay.
func NewBackoff(cfg RetryConfig) *Backoff {
	return &Backoff{cfg: cfg, next: cfg.BaseDelay}
}

// Next returns the current delay and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.cfg.MaxDelay {
		b.next = b.cfg.MaxDelay
	}
	return d
}

// Reset rewinds the sequence to the base delay. A manual "retry now"
// trigger calls this before attempting immediately.
func (b *Backoff) Reset() {
	b.next = b.cfg.BaseDelay
}

// RetryScheduler wraps sync attempts with bounded exponential backoff.
type RetryScheduler struct {
	cfg    RetryConfig
	logger *slog.Logger
}

// NewRetryScheduler creates a scheduler with the given bounds.
func NewRetryScheduler(cfg RetryConfig, logger *slog.Logger) *RetryScheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryScheduler{cfg: cfg, logger: logger}
}

// Do runs fn until it succeeds, fails terminally, exhausts the attempt
// budget, or the context ends. Terminal errors surface immediately
// without retry. The last error is returned on exhaustion.
func (s *RetryScheduler) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := NewBackoff(s.cfg)
	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if Classify(err) == ClassTerminal {
			s.logger.Error("terminal sync failure", "op", op, "attempt", attempt, "error", err)
			return err
		}

		s.logger.Warn("retryable sync failure", "op", op, "attempt", attempt,
			"max_attempts", s.cfg.MaxAttempts, "error", err)
		if attempt == s.cfg.MaxAttempts {
			break
		}
		if err := sleepWithContext(ctx, backoff.Next()); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
