// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tasks runs cancellable, timeout-bounded jobs on behalf of chat
// sessions.
//
// # Description
//
// A Manager owns the running tasks of one session and enforces its
// concurrency ceiling. A Registry maps session IDs to Managers, creating
// them on first use and tearing them down when the socket goes away.
//
// Explicit cancellation and timeout share one mechanism: the task's context.
// A task function only has to watch ctx.Done().
//
// # Thread Safety
//
// Manager and Registry are safe for concurrent use.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/observability"
)

// =============================================================================
// Types
// =============================================================================

// Type labels what a task does.
type Type string

const (
	TypePromptStream    Type = "prompt_stream"
	TypeTitleGeneration Type = "title_generation"
)

// Status is a task's lifecycle state. running is the only non-terminal one.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Func is the body of a task. It must return promptly once ctx is done.
type Func func(ctx context.Context) error

// Spec describes a task to start.
type Spec struct {
	Type Type

	// ConversationID scopes CancelConversation. May be empty when the task
	// runs before its conversation exists.
	ConversationID string

	// Timeout overrides Config.DefaultTimeout when positive.
	Timeout time.Duration

	Fn Func
}

// Info is a read-only snapshot of one running task.
type Info struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	Status         Status    `json:"status"`
	ConversationID string    `json:"conversationId,omitempty"`
	StartTime      time.Time `json:"startTime"`
}

// Stats is the per-session diagnostic sent as task_stats.
type Stats struct {
	SessionID       string         `json:"sessionId"`
	ActiveTaskCount int            `json:"activeTaskCount"`
	TasksByType     map[string]int `json:"tasksByType"`

	// LongestRunningTask is the age of the oldest running task in
	// milliseconds, 0 when idle.
	LongestRunningTask int64 `json:"longestRunningTask"`

	// LastActivity is the unix millisecond time of the last task admission.
	LastActivity int64 `json:"lastActivity"`
}

// Config holds Manager settings.
type Config struct {
	// MaxTasks is the per-session concurrency ceiling. Default 10.
	MaxTasks int

	// DefaultTimeout bounds a task without its own Timeout. Default 60s.
	DefaultTimeout time.Duration

	// SettleTimeout is how long CancelAll waits for cancelled tasks to
	// return. Default 100ms.
	SettleTimeout time.Duration

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxTasks:       10,
		DefaultTimeout: 60 * time.Second,
		SettleTimeout:  100 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxTasks <= 0 {
		c.MaxTasks = d.MaxTasks
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = d.SettleTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Cancellation causes. All carry KindTaskCancelled.
var (
	errCancelledByClient = datatypes.NewError(datatypes.KindTaskCancelled, "task cancelled")
	errSessionClosed     = datatypes.NewError(datatypes.KindTaskCancelled, "session closed")
)

// IsWithdrawn reports whether err is a cancellation requested by the client
// (cancel_conversation) or caused by the session closing, as opposed to a
// timeout. Callers report neither to the client.
func IsWithdrawn(err error) bool {
	var e *datatypes.Error
	if !errors.As(err, &e) {
		return false
	}
	return e == errCancelledByClient || e == errSessionClosed
}

// =============================================================================
// Manager
// =============================================================================

type task struct {
	info     Info
	cancel   context.CancelCauseFunc
	done     chan struct{}
	finished bool

	// cause is set with finished when another path cancelled the task.
	cause error

	// gate serialises client-visible output against CancelConversation.
	gate sync.Mutex
}

// Manager controls the concurrent tasks of one session.
//
// # Description
//
// A task is in the active set iff it is running. Every admitted task reaches
// exactly one terminal status, recorded by whichever of completion,
// cancellation or teardown gets there first.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Each read-modify-write of the
// task set happens under a single lock hold.
type Manager struct {
	sessionID string
	cfg       Config
	logger    *slog.Logger

	mu           sync.Mutex
	tasks        map[string]*task
	counter      uint64
	lastActivity time.Time
	closed       bool

	// inflight counts task bodies across a Registry. Nil for a standalone
	// manager.
	inflight *sync.WaitGroup
}

// NewManager creates an empty manager for sessionID.
func NewManager(sessionID string, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		sessionID:    sessionID,
		cfg:          cfg,
		logger:       cfg.Logger.With("session_id", sessionID),
		tasks:        make(map[string]*task),
		lastActivity: cfg.Now(),
	}
}

// SessionID returns the owning session.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// CreateTask runs spec.Fn and blocks until it finishes.
//
// # Description
//
// Admission is refused with ConcurrencyLimitExceeded when the session
// already runs MaxTasks tasks; no work starts in that case. On admission the
// task gets a context derived from ctx that is cancelled by
// CancelConversation, CancelAll or its timeout.
//
// # Outputs
//
//   - error: nil on completion. A TaskCancelled kind when the task context
//     ended, whatever Fn returned. Otherwise Fn's error unchanged.
func (m *Manager) CreateTask(ctx context.Context, spec Spec) error {
	t, runCtx, err := m.admit(ctx, spec)
	if err != nil {
		return err
	}
	return m.run(runCtx, t, spec.Fn)
}

// Go admits a task synchronously and runs it on a new goroutine.
//
// # Description
//
// Returns the admission error, if any, before any work starts. onDone, when
// non-nil, receives the same error CreateTask would have returned.
//
// # Examples
//
//	err := mgr.Go(sessCtx, tasks.Spec{Type: tasks.TypePromptStream, Fn: job},
//	    func(err error) { if err != nil { sess.SendError(ctx, err, nil) } })
func (m *Manager) Go(ctx context.Context, spec Spec, onDone func(error)) error {
	t, runCtx, err := m.admit(ctx, spec)
	if err != nil {
		return err
	}
	go func() {
		err := m.run(runCtx, t, spec.Fn)
		if onDone != nil {
			onDone(err)
		}
	}()
	return nil
}

func (m *Manager) admit(ctx context.Context, spec Spec) (*task, context.Context, error) {
	if spec.Fn == nil {
		return nil, nil, datatypes.NewError(datatypes.KindInternal, "task %s has no function", spec.Type)
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, errSessionClosed
	}
	if len(m.tasks) >= m.cfg.MaxTasks {
		m.cfg.Metrics.RecordTaskRejected(string(spec.Type))
		m.logger.Warn("Task rejected at concurrency ceiling",
			"task_type", spec.Type, "active", len(m.tasks), "max_tasks", m.cfg.MaxTasks)
		return nil, nil, datatypes.NewError(datatypes.KindConcurrencyLimitExceeded,
			"too many concurrent tasks (max %d)", m.cfg.MaxTasks)
	}

	now := m.cfg.Now()
	m.counter++
	id := fmt.Sprintf("%s_%s_%d_%d", spec.Type, m.sessionID, m.counter, now.UnixMilli())

	runCtx, cancel := context.WithCancelCause(ctx)
	runCtx, stop := context.WithTimeoutCause(runCtx, timeout,
		datatypes.NewError(datatypes.KindTaskCancelled, "task timed out after %s", timeout))

	t := &task{
		info: Info{
			ID:             id,
			Type:           spec.Type,
			Status:         StatusRunning,
			ConversationID: spec.ConversationID,
			StartTime:      now,
		},
		done: make(chan struct{}),
	}
	t.cancel = func(cause error) {
		cancel(cause)
		stop()
	}
	runCtx = context.WithValue(runCtx, taskKey{}, taskRef{m: m, t: t})
	if m.inflight != nil {
		m.inflight.Add(1)
	}
	m.tasks[id] = t
	m.lastActivity = now
	m.cfg.Metrics.TaskStarted(string(spec.Type))

	m.logger.Debug("Task started",
		"task_id", id, "task_type", spec.Type, "conversation_id", spec.ConversationID)
	return t, runCtx, nil
}

func (m *Manager) run(ctx context.Context, t *task, fn Func) (err error) {
	if m.inflight != nil {
		defer m.inflight.Done()
	}
	defer close(t.done)
	defer func() {
		if p := recover(); p != nil {
			err = datatypes.NewError(datatypes.KindInternal, "task %s panicked: %v", t.info.ID, p)
			m.finish(t, StatusFailed)
			t.cancel(nil)
			m.logger.Error("Task panicked", "task_id", t.info.ID, "panic", p)
		}
	}()

	fnErr := fn(ctx)

	status := StatusCompleted
	switch {
	case ctx.Err() != nil && fnErr != nil, datatypes.IsCancellation(fnErr):
		status = StatusCancelled
	case fnErr != nil:
		status = StatusFailed
	}

	m.mu.Lock()
	recorded := m.finishLocked(t, status)
	cause := t.cause
	m.mu.Unlock()
	t.cancel(nil)

	switch recorded {
	case StatusCompleted:
		return nil
	case StatusCancelled:
		if cause != nil {
			return cause
		}
		return cancellationError(ctx, fnErr)
	default:
		m.logger.Warn("Task failed", "task_id", t.info.ID, "task_type", t.info.Type, "error", fnErr)
		return fnErr
	}
}

// cancellationError returns one well-typed TaskCancelled error.
func cancellationError(ctx context.Context, fnErr error) error {
	if cause := context.Cause(ctx); cause != nil {
		var e *datatypes.Error
		if errors.As(cause, &e) && e.Kind == datatypes.KindTaskCancelled {
			return e
		}
		return datatypes.WrapError(datatypes.KindTaskCancelled, cause, "task cancelled")
	}
	if datatypes.IsCancellation(fnErr) {
		return fnErr
	}
	return errCancelledByClient
}

// finish records the terminal status once and removes the task. Returns the
// status that won.
func (m *Manager) finish(t *task, status Status) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishLocked(t, status)
}

func (m *Manager) finishLocked(t *task, status Status) Status {
	if t.finished {
		return t.info.Status
	}
	t.finished = true
	t.info.Status = status
	delete(m.tasks, t.info.ID)

	elapsed := m.cfg.Now().Sub(t.info.StartTime)
	m.cfg.Metrics.TaskFinished(string(t.info.Type), string(status), elapsed)
	m.logger.Debug("Task finished",
		"task_id", t.info.ID, "status", status, "duration_ms", elapsed.Milliseconds())
	return status
}

type taskKey struct{}

type taskRef struct {
	m *Manager
	t *task
}

// BindConversation sets the conversation of the task running under ctx.
//
// # Description
//
// A prompt for a new conversation is admitted before the conversation id
// exists. The task body calls this once the id is known so that
// CancelConversation reaches it.
//
// # Outputs
//
//   - bool: false when ctx does not belong to a running task.
func BindConversation(ctx context.Context, conversationID string) bool {
	ref, ok := ctx.Value(taskKey{}).(taskRef)
	if !ok {
		return false
	}
	ref.m.mu.Lock()
	defer ref.m.mu.Unlock()
	if ref.t.finished {
		return false
	}
	ref.t.info.ConversationID = conversationID
	return true
}

// Deliver runs emit for the task running under ctx unless that task has
// been cancelled or has finished.
//
// # Description
//
// CancelConversation takes the same per-task gate while cancelling, so once
// it returns no Deliver for a cancelled task is in progress and none will
// run emit again. Callers emit conversation_cancelled after that point and
// the client never sees output for the conversation afterwards.
//
// For a ctx that does not belong to a task, emit runs when ctx is live.
//
// # Outputs
//
//   - error: The cancellation error when emit was skipped, else emit's error.
func Deliver(ctx context.Context, emit func() error) error {
	ref, ok := ctx.Value(taskKey{}).(taskRef)
	if !ok {
		if ctx.Err() != nil {
			return cancellationError(ctx, nil)
		}
		return emit()
	}

	ref.t.gate.Lock()
	defer ref.t.gate.Unlock()

	ref.m.mu.Lock()
	finished := ref.t.finished
	ref.m.mu.Unlock()

	if finished || ctx.Err() != nil {
		return cancellationError(ctx, nil)
	}
	return emit()
}

// CancelConversation cancels and removes every running task for
// conversationID and returns how many there were.
//
// # Description
//
// Waits for any Deliver in progress on the matching tasks before returning.
// It does not wait for the task bodies themselves.
func (m *Manager) CancelConversation(conversationID string) int {
	if conversationID == "" {
		return 0
	}
	m.mu.Lock()
	var matched []*task
	for _, t := range m.tasks {
		if t.info.ConversationID != conversationID {
			continue
		}
		t.cause = errCancelledByClient
		m.finishLocked(t, StatusCancelled)
		matched = append(matched, t)
	}
	m.mu.Unlock()

	// finished is already set, so a Deliver that takes the gate after this
	// point skips its emit even before the context is cancelled.
	for _, t := range matched {
		t.gate.Lock()
		t.cancel(errCancelledByClient)
		t.gate.Unlock()
	}
	if len(matched) > 0 {
		m.logger.Info("Cancelled conversation tasks", "conversation_id", conversationID, "count", len(matched))
	}
	return len(matched)
}

// CancelAll cancels every running task and waits up to SettleTimeout for
// them to return before clearing the set.
//
// # Description
//
// Also closes the manager: later admissions fail with TaskCancelled. Used
// when the session's socket goes away.
//
// # Outputs
//
//   - int: Number of tasks that were running.
func (m *Manager) CancelAll(ctx context.Context) int {
	m.mu.Lock()
	m.closed = true
	pending := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		t.cancel(errSessionClosed)
		t.cause = errSessionClosed
		pending = append(pending, t)
	}
	m.mu.Unlock()

	if len(pending) == 0 {
		return 0
	}

	settle := time.NewTimer(m.cfg.SettleTimeout)
	defer settle.Stop()
wait:
	for _, t := range pending {
		select {
		case <-t.done:
		case <-settle.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	m.mu.Lock()
	for _, t := range pending {
		m.finishLocked(t, StatusCancelled)
	}
	m.mu.Unlock()

	m.logger.Info("Cancelled all session tasks", "count", len(pending))
	return len(pending)
}

// Stats returns the session's task diagnostics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Now()
	s := Stats{
		SessionID:       m.sessionID,
		ActiveTaskCount: len(m.tasks),
		TasksByType:     make(map[string]int),
		LastActivity:    m.lastActivity.UnixMilli(),
	}
	for _, t := range m.tasks {
		s.TasksByType[string(t.info.Type)]++
		if age := now.Sub(t.info.StartTime).Milliseconds(); age > s.LongestRunningTask {
			s.LongestRunningTask = age
		}
	}
	return s
}

// TasksForConversation lists running tasks for conversationID.
func (m *Manager) TasksForConversation(conversationID string) []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Info
	for _, t := range m.tasks {
		if t.info.ConversationID == conversationID {
			out = append(out, t.info)
		}
	}
	return out
}

// Count returns the number of running tasks.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
