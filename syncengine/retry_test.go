// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	retryable := []error{
		ErrRemoteUnavailable,
		ErrRateLimited,
		context.DeadlineExceeded,
		fmt.Errorf("pull failed: %w", ErrRemoteUnavailable),
		errors.New("something transient"),
	}
	for _, err := range retryable {
		require.Equal(t, ClassRetryable, Classify(err), "expected retryable: %v", err)
	}

	terminal := []error{
		ErrUnauthenticated,
		ErrBadPayload,
		ErrStorageUnavailable,
		context.Canceled,
		fmt.Errorf("server status 401: %w", ErrUnauthenticated),
	}
	for _, err := range terminal {
		require.Equal(t, ClassTerminal, Classify(err), "expected terminal: %v", err)
	}
}

func TestBackoffDoublesToCap(t *testing.T) {
	b := NewBackoff(RetryConfig{BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, MaxAttempts: 10})

	require.Equal(t, 500*time.Millisecond, b.Next())
	require.Equal(t, 1*time.Second, b.Next())
	require.Equal(t, 2*time.Second, b.Next())
	require.Equal(t, 4*time.Second, b.Next())

	var last time.Duration
	for i := 0; i < 10; i++ {
		last = b.Next()
	}
	require.Equal(t, 30*time.Second, last)

	b.Reset()
	require.Equal(t, 500*time.Millisecond, b.Next())
}

func testRetryConfig() RetryConfig {
	return RetryConfig{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, MaxAttempts: 3}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	s := NewRetryScheduler(testRetryConfig(), nil)

	attempts := 0
	err := s.Do(context.Background(), "push", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return ErrRemoteUnavailable
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestDoExhaustsBudget(t *testing.T) {
	s := NewRetryScheduler(testRetryConfig(), nil)

	attempts := 0
	err := s.Do(context.Background(), "push", func(context.Context) error {
		attempts++
		return ErrRemoteUnavailable
	})
	require.ErrorIs(t, err, ErrRemoteUnavailable)
	require.Equal(t, 3, attempts)
}

func TestDoTerminalNoRetry(t *testing.T) {
	s := NewRetryScheduler(testRetryConfig(), nil)

	attempts := 0
	err := s.Do(context.Background(), "push", func(context.Context) error {
		attempts++
		return ErrUnauthenticated
	})
	require.ErrorIs(t, err, ErrUnauthenticated)
	require.Equal(t, 1, attempts)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	s := NewRetryScheduler(RetryConfig{BaseDelay: time.Hour, MaxDelay: time.Hour, MaxAttempts: 3}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := s.Do(ctx, "push", func(context.Context) error {
		return ErrRemoteUnavailable
	})
	require.ErrorIs(t, err, context.Canceled)
}
