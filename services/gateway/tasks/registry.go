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
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// GlobalStats aggregates every session's manager in this process.
type GlobalStats struct {
	ActiveSessions int            `json:"activeSessions"`
	TotalTasks     int            `json:"totalTasks"`
	TasksByType    map[string]int `json:"tasksByType"`
}

// Registry maps session IDs to their Manager.
//
// # Description
//
// Managers are created on first use by Manager and discarded by
// RemoveSession, which the socket handler calls exactly once when the
// transport closes. Construct one per process and inject it; tests create
// as many isolated instances as they need.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	managers map[string]*Manager
	closed   bool

	inflight sync.WaitGroup
}

// NewRegistry creates an empty registry. cfg is applied to every Manager.
func NewRegistry(cfg Config) *Registry {
	cfg.applyDefaults()
	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "task_registry"),
		managers: make(map[string]*Manager),
	}
}

// Manager returns the manager for sessionID, creating it on a miss.
func (r *Registry) Manager(sessionID string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[sessionID]; ok {
		return m
	}
	m := NewManager(sessionID, r.cfg)
	m.inflight = &r.inflight
	if r.closed {
		// Never stored and never admits.
		m.closed = true
		return m
	}
	r.managers[sessionID] = m
	r.cfg.Metrics.SetSessions(len(r.managers))
	return m
}

// RemoveSession discards the session's manager and cancels its tasks.
//
// # Description
//
// The entry is removed before cancellation starts, so a Manager call for the
// same ID made afterwards always gets a fresh, empty manager.
//
// # Outputs
//
//   - int: Number of tasks cancelled. 0 for an unknown session.
func (r *Registry) RemoveSession(ctx context.Context, sessionID string) int {
	r.mu.Lock()
	m, ok := r.managers[sessionID]
	delete(r.managers, sessionID)
	n := len(r.managers)
	r.mu.Unlock()

	if !ok {
		return 0
	}
	r.cfg.Metrics.SetSessions(n)
	cancelled := m.CancelAll(ctx)
	r.logger.Debug("Session removed", "session_id", sessionID, "cancelled_tasks", cancelled)
	return cancelled
}

// Shutdown cancels every remaining session's tasks and waits for all task
// bodies started through this registry to return.
//
// # Description
//
// Managers handed out afterwards refuse admission, so once Shutdown returns
// nil no task can still touch the store or the session. Called on process
// exit after the sockets are gone.
//
// # Outputs
//
//   - error: ctx's error when it ends before the last task returns.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	managers := make([]*Manager, 0, len(r.managers))
	for id, m := range r.managers {
		managers = append(managers, m)
		delete(r.managers, id)
	}
	r.mu.Unlock()
	r.cfg.Metrics.SetSessions(0)

	for _, m := range managers {
		m.CancelAll(ctx)
	}

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("Task registry shut down", "sessions", len(managers))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for tasks: %w", ctx.Err())
	}
}

// GlobalStats sums the stats of every live manager.
func (r *Registry) GlobalStats() GlobalStats {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	g := GlobalStats{
		ActiveSessions: len(managers),
		TasksByType:    make(map[string]int),
	}
	for _, m := range managers {
		s := m.Stats()
		g.TotalTasks += s.ActiveTaskCount
		for typ, n := range s.TasksByType {
			g.TasksByType[typ] += n
		}
	}
	return g
}

// StartStatsReporter publishes GlobalStats every interval until ctx is
// done.
//
// # Description
//
// Each tick resets the session and running-task gauges from a fresh
// snapshot, correcting any drift left by a manager torn down mid-update. The
// snapshot is also logged while any session exists.
func (r *Registry) StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g := r.reportStats()
				if g.ActiveSessions == 0 {
					continue
				}
				r.logger.Info("Task manager stats",
					"active_sessions", g.ActiveSessions,
					"total_tasks", g.TotalTasks,
					"tasks_by_type", g.TasksByType,
				)
			}
		}
	}()
}

func (r *Registry) reportStats() GlobalStats {
	g := r.GlobalStats()
	byType := map[string]int{
		string(TypePromptStream):    0,
		string(TypeTitleGeneration): 0,
	}
	for typ, n := range g.TasksByType {
		byType[typ] = n
	}
	r.cfg.Metrics.SetSessions(g.ActiveSessions)
	r.cfg.Metrics.SetActiveTasks(byType)
	return g
}
