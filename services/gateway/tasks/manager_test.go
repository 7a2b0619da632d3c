// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tasks

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/observability"
)

// =============================================================================
// Test Helpers
// =============================================================================

// blockingFn returns a task body that signals started and waits for release
// or cancellation.
func blockingFn(started chan<- struct{}, release <-chan struct{}) Func {
	return func(ctx context.Context) error {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
			return nil
		}
	}
}

func startBlocking(t *testing.T, m *Manager, typ Type, conv string, release <-chan struct{}) <-chan error {
	t.Helper()
	started := make(chan struct{}, 1)
	result := make(chan error, 1)
	err := m.Go(context.Background(), Spec{Type: typ, ConversationID: conv, Fn: blockingFn(started, release)},
		func(err error) { result <- err })
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not start")
	}
	return result
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
		return nil
	}
}

// =============================================================================
// Admission Tests
// =============================================================================

func TestCreateTask_Completes(t *testing.T) {
	m := NewManager("s1", Config{})

	ran := false
	err := m.CreateTask(context.Background(), Spec{
		Type: TypePromptStream,
		Fn:   func(ctx context.Context) error { ran = true; return nil },
	})

	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 0, m.Count())
}

func TestCreateTask_FailurePropagatesAndRemoves(t *testing.T) {
	m := NewManager("s1", Config{})
	boom := datatypes.NewError(datatypes.KindUpstreamFailure, "upstream returned 502")

	err := m.CreateTask(context.Background(), Spec{
		Type: TypePromptStream,
		Fn:   func(ctx context.Context) error { return boom },
	})

	require.Error(t, err)
	assert.Same(t, boom, err)
	assert.Equal(t, 0, m.Count())
}

func TestCreateTask_PanicBecomesFailure(t *testing.T) {
	m := NewManager("s1", Config{})

	err := m.CreateTask(context.Background(), Spec{
		Type: TypePromptStream,
		Fn:   func(ctx context.Context) error { panic("bad") },
	})

	require.Error(t, err)
	assert.Equal(t, datatypes.KindInternal, datatypes.KindOf(err))
	assert.Equal(t, 0, m.Count())
}

func TestCreateTask_CeilingRejectsWithoutStarting(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.New(reg)
	m := NewManager("s1", Config{MaxTasks: 10, Metrics: metrics})
	release := make(chan struct{})

	results := make([]<-chan error, 0, 10)
	for i := 0; i < 10; i++ {
		results = append(results, startBlocking(t, m, TypePromptStream, "", release))
	}
	assert.Equal(t, 10, m.Count())

	started := false
	err := m.Go(context.Background(), Spec{
		Type: TypePromptStream,
		Fn:   func(ctx context.Context) error { started = true; return nil },
	}, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, datatypes.ErrConcurrencyLimitExceeded))
	assert.False(t, started)
	assert.Equal(t, 10, m.Count())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TasksTotal.WithLabelValues(string(TypePromptStream), "rejected")))

	close(release)
	for _, ch := range results {
		assert.NoError(t, waitErr(t, ch))
	}
	assert.Equal(t, 0, m.Count())
}

func TestCreateTask_ConcurrentAdmissionNeverExceedsCeiling(t *testing.T) {
	m := NewManager("s1", Config{MaxTasks: 5})
	release := make(chan struct{})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		rejected int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Go(context.Background(), Spec{Type: TypePromptStream, Fn: blockingFn(nil, release)}, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejected++
				return
			}
			admitted++
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, admitted)
	assert.Equal(t, 45, rejected)
	assert.Equal(t, 5, m.Count())
	close(release)
}

func TestTaskIDs_AreUniqueAndFormatted(t *testing.T) {
	m := NewManager("sess", Config{})
	release := make(chan struct{})
	defer close(release)

	startBlocking(t, m, TypePromptStream, "c1", release)
	startBlocking(t, m, TypeTitleGeneration, "c1", release)

	infos := m.TasksForConversation("c1")
	require.Len(t, infos, 2)
	assert.NotEqual(t, infos[0].ID, infos[1].ID)

	pattern := regexp.MustCompile(`^(prompt_stream|title_generation)_sess_\d+_\d+$`)
	for _, info := range infos {
		assert.Regexp(t, pattern, info.ID)
		assert.Equal(t, StatusRunning, info.Status)
	}
}

// =============================================================================
// Cancellation Tests
// =============================================================================

func TestTimeout_CancelsWithTaskCancelled(t *testing.T) {
	m := NewManager("s1", Config{})

	err := m.CreateTask(context.Background(), Spec{
		Type:    TypePromptStream,
		Timeout: 20 * time.Millisecond,
		Fn:      blockingFn(nil, nil),
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, datatypes.ErrTaskCancelled))
	assert.Contains(t, err.Error(), "timed out")
	assert.False(t, IsWithdrawn(err))
	assert.Equal(t, 0, m.Count())
}

func TestCancelConversation_OnlyMatchingTasks(t *testing.T) {
	m := NewManager("s1", Config{})
	release := make(chan struct{})

	a1 := startBlocking(t, m, TypePromptStream, "a", release)
	a2 := startBlocking(t, m, TypeTitleGeneration, "a", release)
	b := startBlocking(t, m, TypePromptStream, "b", release)

	assert.Equal(t, 2, m.CancelConversation("a"))
	assert.Empty(t, m.TasksForConversation("a"))
	assert.Len(t, m.TasksForConversation("b"), 1)

	err1 := waitErr(t, a1)
	assert.True(t, datatypes.IsCancellation(err1))
	assert.True(t, IsWithdrawn(err1))
	assert.True(t, datatypes.IsCancellation(waitErr(t, a2)))

	close(release)
	assert.NoError(t, waitErr(t, b))
}

func TestBindConversation_MakesTaskCancellable(t *testing.T) {
	m := NewManager("s1", Config{})
	bound := make(chan struct{})
	result := make(chan error, 1)

	err := m.Go(context.Background(), Spec{
		Type: TypePromptStream,
		Fn: func(ctx context.Context) error {
			assert.True(t, BindConversation(ctx, "real-id"))
			close(bound)
			<-ctx.Done()
			return ctx.Err()
		},
	}, func(err error) { result <- err })
	require.NoError(t, err)
	<-bound

	assert.Len(t, m.TasksForConversation("real-id"), 1)
	assert.Equal(t, 1, m.CancelConversation("real-id"))
	assert.True(t, IsWithdrawn(waitErr(t, result)))
	assert.False(t, BindConversation(context.Background(), "x"))
}

func TestDeliver_CancelWaitsForEmitInProgress(t *testing.T) {
	m := NewManager("s1", Config{})
	entered := make(chan struct{})
	release := make(chan struct{})
	result := make(chan error, 1)
	var after []error
	emitsAfter := 0

	err := m.Go(context.Background(), Spec{
		Type:           TypePromptStream,
		ConversationID: "c",
		Fn: func(ctx context.Context) error {
			err := Deliver(ctx, func() error {
				close(entered)
				<-release
				return nil
			})
			if err != nil {
				return err
			}
			for i := 0; i < 3; i++ {
				after = append(after, Deliver(ctx, func() error {
					emitsAfter++
					return nil
				}))
			}
			return nil
		},
	}, func(err error) { result <- err })
	require.NoError(t, err)
	<-entered

	cancelled := make(chan int, 1)
	go func() { cancelled <- m.CancelConversation("c") }()

	select {
	case <-cancelled:
		t.Fatal("CancelConversation returned while an emit was in progress")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	assert.Equal(t, 1, <-cancelled)

	assert.True(t, IsWithdrawn(waitErr(t, result)))
	assert.Zero(t, emitsAfter)
	require.Len(t, after, 3)
	for _, err := range after {
		assert.True(t, IsWithdrawn(err))
	}
}

func TestDeliver_OutsideTask(t *testing.T) {
	called := false
	require.NoError(t, Deliver(context.Background(), func() error { called = true; return nil }))
	assert.True(t, called)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called = false
	err := Deliver(ctx, func() error { called = true; return nil })
	assert.False(t, called)
	assert.True(t, datatypes.IsCancellation(err))
}

func TestCancelConversation_NoMatchIsNoop(t *testing.T) {
	m := NewManager("s1", Config{})

	assert.Equal(t, 0, m.CancelConversation("missing"))
	assert.Equal(t, 0, m.CancelConversation(""))
}

func TestCancel_ExactlyOneTerminalStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.New(reg)
	m := NewManager("s1", Config{Metrics: metrics})

	result := startBlocking(t, m, TypePromptStream, "c", nil)
	m.CancelConversation("c")
	m.CancelConversation("c")
	require.True(t, datatypes.IsCancellation(waitErr(t, result)))

	label := string(TypePromptStream)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TasksTotal.WithLabelValues(label, "cancelled")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.TasksTotal.WithLabelValues(label, "completed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.TasksTotal.WithLabelValues(label, "failed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.TasksActive.WithLabelValues(label)))
}

func TestCancelAll_CancelsAndCloses(t *testing.T) {
	m := NewManager("s1", Config{SettleTimeout: time.Second})

	r1 := startBlocking(t, m, TypePromptStream, "a", nil)
	r2 := startBlocking(t, m, TypeTitleGeneration, "", nil)

	assert.Equal(t, 2, m.CancelAll(context.Background()))
	assert.Equal(t, 0, m.Count())
	err1 := waitErr(t, r1)
	assert.True(t, datatypes.IsCancellation(err1))
	assert.True(t, IsWithdrawn(err1))
	assert.True(t, datatypes.IsCancellation(waitErr(t, r2)))

	err := m.Go(context.Background(), Spec{Type: TypePromptStream, Fn: blockingFn(nil, nil)}, nil)
	assert.True(t, datatypes.IsCancellation(err))
}

func TestCancelAll_SettleTimeoutBoundsWait(t *testing.T) {
	m := NewManager("s1", Config{SettleTimeout: 20 * time.Millisecond})
	stuck := make(chan struct{})
	defer close(stuck)

	started := make(chan struct{})
	err := m.Go(context.Background(), Spec{
		Type: TypePromptStream,
		Fn: func(ctx context.Context) error {
			close(started)
			<-stuck
			return nil
		},
	}, nil)
	require.NoError(t, err)
	<-started

	begin := time.Now()
	assert.Equal(t, 1, m.CancelAll(context.Background()))
	assert.Less(t, time.Since(begin), time.Second)
	assert.Equal(t, 0, m.Count())
}

func TestParentContextCancellation(t *testing.T) {
	m := NewManager("s1", Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	started := make(chan struct{}, 1)
	require.NoError(t, m.Go(ctx, Spec{Type: TypePromptStream, Fn: blockingFn(started, nil)},
		func(err error) { done <- err }))
	<-started
	cancel()

	assert.True(t, datatypes.IsCancellation(waitErr(t, done)))
}

// =============================================================================
// Stats Tests
// =============================================================================

func TestStats(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }

	m := NewManager("s1", Config{Now: clock})
	release := make(chan struct{})
	defer close(release)

	startBlocking(t, m, TypePromptStream, "a", release)
	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()
	startBlocking(t, m, TypeTitleGeneration, "a", release)
	mu.Lock()
	now = now.Add(time.Second)
	mu.Unlock()

	s := m.Stats()
	assert.Equal(t, "s1", s.SessionID)
	assert.Equal(t, 2, s.ActiveTaskCount)
	assert.Equal(t, map[string]int{"prompt_stream": 1, "title_generation": 1}, s.TasksByType)
	assert.Equal(t, int64(3000), s.LongestRunningTask)
	assert.Equal(t, now.Add(-time.Second).UnixMilli(), s.LastActivity)
}
