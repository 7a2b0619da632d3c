// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/observability"
	"github.com/AleutianAI/AleutianChat/services/gateway/persistence"
	"github.com/AleutianAI/AleutianChat/services/gateway/relay"
	"github.com/AleutianAI/AleutianChat/services/gateway/session"
	"github.com/AleutianAI/AleutianChat/services/gateway/tasks"
)

// Error context labels sent back with failed events.
const (
	errorEventPrompt = "llmPrompt"
	errorEventCancel = "cancelConversation"
)

// errClientGone stops a relay whose chunks can no longer be delivered.
var errClientGone = errors.New("client no longer reachable")

// Session is the part of session.Session the router drives.
type Session interface {
	ConnectionID() string
	On(event string, handler session.Handler) session.HandlerID
	Emit(ctx context.Context, event string, data any) bool
	SendError(ctx context.Context, err error, extra map[string]any)
	GetOrCreateConversation(ctx context.Context, conversationID string) (*persistence.Conversation, bool, error)
}

// Streamer produces generation output. *relay.Relay satisfies it.
type Streamer interface {
	Stream(ctx context.Context, req relay.Request, onChunk relay.ChunkFunc) error
}

// RouterConfig holds the collaborators of the event router.
type RouterConfig struct {
	Tasks *tasks.Registry
	Relay Streamer
	Store persistence.Store

	// PromptTimeout bounds a prompt_stream task. 0 uses the manager default.
	PromptTimeout time.Duration

	// TitleTimeout bounds a title_generation task. 0 uses the manager default.
	TitleTimeout time.Duration

	// RateLimit is the sustained inbound events per second per session.
	// 0 disables limiting.
	RateLimit float64
	Burst     int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// EventRouter binds inbound socket events to task-manager operations.
//
// # Description
//
// One router serves every session of the process. Attach subscribes a
// session's events and keeps per-session state (its rate limiter and task
// manager) in the subscriptions' closures.
//
// # Thread Safety
//
// Safe for concurrent use.
type EventRouter struct {
	cfg    RouterConfig
	logger *slog.Logger
}

// NewEventRouter creates a router.
func NewEventRouter(cfg RouterConfig) *EventRouter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &EventRouter{cfg: cfg, logger: cfg.Logger.With("component", "event_router")}
}

// Attach subscribes the chat events of a connected session.
//
// # Inputs
//
//   - sessCtx: Lives as long as the socket. Parent of every task context.
//   - sess: A connected session.
func (r *EventRouter) Attach(sessCtx context.Context, sess Session) {
	sessionID := sess.ConnectionID()
	mgr := r.cfg.Tasks.Manager(sessionID)

	limit := rate.Inf
	if r.cfg.RateLimit > 0 {
		limit = rate.Limit(r.cfg.RateLimit)
	}
	limiter := rate.NewLimiter(limit, r.cfg.Burst)

	guard := func(event string, fn session.Handler) session.Handler {
		return func(ctx context.Context, data json.RawMessage) {
			if !limiter.Allow() {
				r.logger.Warn("Inbound event rate limited", "session_id", sessionID, "event", event)
				sess.SendError(ctx, datatypes.NewError(datatypes.KindRateLimited,
					"too many events, slow down"), map[string]any{"event": event})
				return
			}
			fn(ctx, data)
		}
	}

	sess.On(datatypes.EventLLMPrompt, guard(datatypes.EventLLMPrompt, func(ctx context.Context, data json.RawMessage) {
		r.handlePrompt(sessCtx, sess, mgr, data)
	}))
	sess.On(datatypes.EventCancelConversation, guard(datatypes.EventCancelConversation, func(ctx context.Context, data json.RawMessage) {
		r.handleCancel(ctx, sess, mgr, data)
	}))
	sess.On(datatypes.EventGetTaskStats, guard(datatypes.EventGetTaskStats, func(ctx context.Context, _ json.RawMessage) {
		sess.Emit(ctx, datatypes.EventTaskStats, mgr.Stats())
	}))
	sess.On(datatypes.EventDisconnect, func(ctx context.Context, _ json.RawMessage) {
		n := r.cfg.Tasks.RemoveSession(ctx, sessionID)
		r.logger.Info("Session tasks released", "session_id", sessionID, "cancelled", n)
	})
}

// =============================================================================
// Event Handlers
// =============================================================================

func (r *EventRouter) handlePrompt(sessCtx context.Context, sess Session, mgr *tasks.Manager, data json.RawMessage) {
	var req datatypes.PromptRequest
	if err := datatypes.DecodePayload(data, &req); err != nil {
		r.report(sessCtx, sess, err, errorEventPrompt, data)
		return
	}

	err := mgr.Go(sessCtx, tasks.Spec{
		Type:           tasks.TypePromptStream,
		ConversationID: req.ConversationID,
		Timeout:        r.cfg.PromptTimeout,
		Fn: func(ctx context.Context) error {
			return r.processPrompt(ctx, sessCtx, sess, mgr, req)
		},
	}, func(err error) {
		r.report(sessCtx, sess, err, errorEventPrompt, data)
	})
	if err != nil {
		r.report(sessCtx, sess, err, errorEventPrompt, data)
	}
}

func (r *EventRouter) handleCancel(ctx context.Context, sess Session, mgr *tasks.Manager, data json.RawMessage) {
	var req datatypes.CancelConversationRequest
	if err := datatypes.DecodePayload(data, &req); err != nil {
		r.report(ctx, sess, err, errorEventCancel, data)
		return
	}
	// Returns only once no chunk for the conversation can still be written.
	mgr.CancelConversation(req.ConversationID)
	sess.Emit(ctx, datatypes.EventConversationCancelled, datatypes.ConversationRef{ConversationID: req.ConversationID})
}

// report converts a task failure into an error event. Withdrawn tasks and
// unreachable clients are not reported.
func (r *EventRouter) report(ctx context.Context, sess Session, err error, label string, original json.RawMessage) {
	if err == nil || tasks.IsWithdrawn(err) || errors.Is(err, errClientGone) {
		return
	}
	r.logger.Warn("Event failed",
		"session_id", sess.ConnectionID(),
		"event", label,
		"error_type", datatypes.KindOf(err),
		"error", err)
	sess.SendError(ctx, err, map[string]any{
		"event":        label,
		"originalData": originalData(original),
	})
}

func originalData(raw json.RawMessage) any {
	if len(raw) > 0 && json.Valid(raw) {
		return raw
	}
	return string(raw)
}

// =============================================================================
// Jobs
// =============================================================================

// processPrompt is the body of a prompt_stream task.
func (r *EventRouter) processPrompt(ctx, sessCtx context.Context, sess Session, mgr *tasks.Manager, req datatypes.PromptRequest) error {
	conv, isNew, err := sess.GetOrCreateConversation(ctx, req.ConversationID)
	if err != nil {
		return err
	}
	tasks.BindConversation(ctx, conv.ID)
	if err := ctx.Err(); err != nil {
		return err
	}

	if isNew && req.PlaceholderID != "" {
		sess.Emit(ctx, datatypes.EventConversationCreated, datatypes.ConversationCreated{
			PlaceholderID:  req.PlaceholderID,
			ConversationID: conv.ID,
		})
	}

	history := make([]relay.Message, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		history = append(history, relay.Message{Role: string(m.Role), Content: m.Content})
	}
	if _, err := r.cfg.Store.CreateMessage(ctx, persistence.RoleUser, req.UserPrompt, conv.ID); err != nil {
		return err
	}

	response, err := r.streamJob(ctx, sess, datatypes.EventLLMResponseChunk, conv.ID, relay.Request{
		Message:      req.UserPrompt,
		PrevMessages: history,
		Model:        req.Model,
	})
	if err != nil {
		return err
	}

	if _, err := r.cfg.Store.CreateMessage(ctx, persistence.RoleAssistant, response, conv.ID); err != nil {
		return err
	}
	// A cancel that lands after the last chunk still suppresses stream_end
	// and the title.
	return tasks.Deliver(ctx, func() error {
		sess.Emit(ctx, datatypes.EventStreamEnd, datatypes.ConversationRef{ConversationID: conv.ID})
		if isNew {
			r.startTitle(sessCtx, sess, mgr, conv.ID, req, response)
		}
		return nil
	})
}

// startTitle chains an independent title_generation task. Its outcome is
// only logged.
func (r *EventRouter) startTitle(sessCtx context.Context, sess Session, mgr *tasks.Manager, conversationID string, req datatypes.PromptRequest, response string) {
	logger := r.logger.With("session_id", sess.ConnectionID(), "conversation_id", conversationID)

	err := mgr.Go(sessCtx, tasks.Spec{
		Type:           tasks.TypeTitleGeneration,
		ConversationID: conversationID,
		Timeout:        r.cfg.TitleTimeout,
		Fn: func(ctx context.Context) error {
			title, err := r.streamJob(ctx, sess, datatypes.EventLLMTitleChunk, conversationID, relay.Request{
				Message: TitlePrompt(req.UserPrompt, response),
				Model:   req.Model,
			})
			if err != nil {
				return err
			}
			title = cleanTitle(title)
			if title == "" {
				return nil
			}
			return r.cfg.Store.UpdateConversationTitle(ctx, title, conversationID)
		},
	}, func(err error) {
		if err != nil && !tasks.IsWithdrawn(err) {
			logger.Warn("Title generation failed", "error", err)
		}
	})
	if err != nil {
		logger.Warn("Title generation not started", "error", err)
	}
}

// streamJob relays one generation call to the client as event chunks and
// returns the concatenated text.
func (r *EventRouter) streamJob(ctx context.Context, sess Session, event, conversationID string, req relay.Request) (string, error) {
	var full strings.Builder
	err := r.cfg.Relay.Stream(ctx, req, func(chunk string) error {
		return tasks.Deliver(ctx, func() error {
			full.WriteString(chunk)
			r.cfg.Metrics.RecordChunk(event)
			if !sess.Emit(ctx, event, datatypes.Chunk{Chunk: chunk, ConversationID: conversationID}) {
				return errClientGone
			}
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return full.String(), nil
}

// =============================================================================
// Title Prompt
// =============================================================================

const titleExcerptRunes = 200

// TitlePrompt builds the instruction sent to the generation service for a
// new conversation's title.
func TitlePrompt(userPrompt, response string) string {
	var b strings.Builder
	b.WriteString("Based on the conversation context, please generate a concise and descriptive title for the conversation. ")
	b.WriteString("The title should reflect the main topic or theme discussed in the conversation.\n\n")
	b.WriteString("- user: ")
	b.WriteString(excerpt(userPrompt, titleExcerptRunes))
	b.WriteString("\n- assistant: ")
	b.WriteString(excerpt(response, titleExcerptRunes))
	b.WriteString("\n\nRespond with ONLY the title, no quotes, no explanation, and no markup. Examples of good titles:\n")
	for _, ex := range []string{
		"Resume Writing Tips",
		"Career Growth Strategies",
		"Interview Preparation Tips",
		"Effective Job Search Techniques",
		"Networking Strategies For Career Success",
	} {
		b.WriteString("- \"")
		b.WriteString(ex)
		b.WriteString("\"\n")
	}
	return b.String()
}

func excerpt(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
