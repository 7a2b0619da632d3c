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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/observability"
)

func TestRegistry_ManagerIsCachedPerSession(t *testing.T) {
	r := NewRegistry(Config{})

	a := r.Manager("a")
	assert.Same(t, a, r.Manager("a"))
	assert.NotSame(t, a, r.Manager("b"))
	assert.Equal(t, "a", a.SessionID())
}

func TestRegistry_RemoveSessionCancelsAndRecreatesFresh(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.New(reg)
	r := NewRegistry(Config{Metrics: metrics})

	old := r.Manager("s")
	result := startBlocking(t, old, TypePromptStream, "c", nil)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SessionsActive))

	assert.Equal(t, 1, r.RemoveSession(context.Background(), "s"))
	assert.True(t, datatypes.IsCancellation(waitErr(t, result)))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.SessionsActive))

	fresh := r.Manager("s")
	assert.NotSame(t, old, fresh)
	assert.Equal(t, 0, fresh.Count())
	assert.Equal(t, 0, fresh.Stats().ActiveTaskCount)
}

func TestRegistry_RemoveUnknownSession(t *testing.T) {
	r := NewRegistry(Config{})

	assert.Equal(t, 0, r.RemoveSession(context.Background(), "nobody"))
}

func TestRegistry_GlobalStats(t *testing.T) {
	r := NewRegistry(Config{})
	release := make(chan struct{})
	defer close(release)

	startBlocking(t, r.Manager("a"), TypePromptStream, "x", release)
	startBlocking(t, r.Manager("a"), TypeTitleGeneration, "x", release)
	startBlocking(t, r.Manager("b"), TypePromptStream, "y", release)
	r.Manager("idle")

	g := r.GlobalStats()
	assert.Equal(t, 3, g.ActiveSessions)
	assert.Equal(t, 3, g.TotalTasks)
	assert.Equal(t, map[string]int{"prompt_stream": 2, "title_generation": 1}, g.TasksByType)
}

func TestRegistry_StatsReporterStopsOnCancel(t *testing.T) {
	r := NewRegistry(Config{})
	ctx, cancel := context.WithCancel(context.Background())

	r.StartStatsReporter(ctx, 0)
	cancel()
}

func TestRegistry_StatsReporterSetsGauges(t *testing.T) {
	metrics := observability.New(prometheus.NewRegistry())
	r := NewRegistry(Config{Metrics: metrics})
	release := make(chan struct{})
	defer close(release)

	startBlocking(t, r.Manager("a"), TypePromptStream, "x", release)
	r.Manager("b")

	// Skew the gauges so only the reporter can bring them back.
	metrics.SessionsActive.Set(42)
	metrics.TasksActive.WithLabelValues(string(TypePromptStream)).Set(7)
	metrics.TasksActive.WithLabelValues(string(TypeTitleGeneration)).Set(3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartStatsReporter(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.SessionsActive) == 2 &&
			testutil.ToFloat64(metrics.TasksActive.WithLabelValues(string(TypePromptStream))) == 1 &&
			testutil.ToFloat64(metrics.TasksActive.WithLabelValues(string(TypeTitleGeneration))) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRegistry_ShutdownWaitsForTaskBodies(t *testing.T) {
	r := NewRegistry(Config{SettleTimeout: time.Millisecond})
	m := r.Manager("s")

	started := make(chan struct{})
	release := make(chan struct{})
	returned := make(chan struct{})
	err := m.Go(context.Background(), Spec{
		Type: TypePromptStream,
		Fn: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			// Outlives the settle window.
			<-release
			close(returned)
			return ctx.Err()
		},
	}, nil)
	require.NoError(t, err)
	<-started

	shutdown := make(chan error, 1)
	go func() { shutdown <- r.Shutdown(context.Background()) }()

	select {
	case <-shutdown:
		t.Fatal("Shutdown returned while a task body was running")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-shutdown)
	select {
	case <-returned:
	default:
		t.Fatal("task body had not returned")
	}

	late := r.Manager("late")
	err = late.Go(context.Background(), Spec{Type: TypePromptStream, Fn: func(context.Context) error { return nil }}, nil)
	assert.True(t, IsWithdrawn(err), "admission after shutdown")
	assert.Zero(t, r.GlobalStats().ActiveSessions)
}

func TestRegistry_ShutdownBoundedByContext(t *testing.T) {
	r := NewRegistry(Config{SettleTimeout: time.Millisecond})
	release := make(chan struct{})
	defer close(release)

	err := r.Manager("s").Go(context.Background(), Spec{
		Type: TypePromptStream,
		Fn: func(ctx context.Context) error {
			<-release
			return nil
		},
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Shutdown(ctx), context.DeadlineExceeded)
}
