// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session wraps one authenticated chat socket.
//
// A Session is the only thing event handlers talk to: it owns the
// connection id handed out by the registry, routes inbound events to
// subscribed handlers, and turns outbound events into registry deliveries.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/observability"
	"github.com/AleutianAI/AleutianChat/services/gateway/persistence"
	"github.com/AleutianAI/AleutianChat/services/gateway/registry"
)

// Registry is the part of the connection registry a session uses.
// *registry.Registry satisfies it.
type Registry interface {
	Register(ctx context.Context, t registry.Transport, namespace string) (string, error)
	Unregister(ctx context.Context, connectionID string) error
	SendTo(ctx context.Context, connectionID, event string, payload any) bool
	Touch(ctx context.Context, connectionID string) (bool, error)
	HandlePong(ctx context.Context, connectionID string) error
}

// Handler receives one inbound event payload.
type Handler func(ctx context.Context, data json.RawMessage)

// HandlerID identifies a subscription for Off.
type HandlerID uint64

type subscription struct {
	id HandlerID
	fn Handler
}

// Config holds the collaborators of a session.
type Config struct {
	Registry  Registry
	Store     persistence.Store
	Namespace string
	UserID    string
	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// Stats is a point-in-time snapshot of the session.
type Stats struct {
	SocketID     string              `json:"socketId"`
	Namespace    string              `json:"namespace"`
	ConnectedAt  time.Time           `json:"connectedAt"`
	IsConnected  bool                `json:"isConnected"`
	ConnectionID string              `json:"connectionId"`
	ClientInfo   registry.ClientInfo `json:"clientInfo"`
}

// Session is one authenticated socket.
//
// # Description
//
// Connect registers the transport and installs the built-in pong,
// disconnect and error subscriptions. Every inbound event refreshes the
// connection's liveness before handlers run. Registry failures never reach
// callers: they degrade the session to locally disconnected, after which
// Emit returns false without touching the store.
//
// # Thread Safety
//
// Safe for concurrent use. Handlers for one Dispatch call run sequentially
// on the caller's goroutine.
type Session struct {
	transport registry.Transport
	cfg       Config
	logger    *slog.Logger
	createdAt time.Time

	mu           sync.Mutex
	connected    bool
	connectionID string
	connectedAt  time.Time
	handlers     map[string][]subscription
	nextID       HandlerID
}

// New creates an unconnected session for transport.
func New(transport registry.Transport, cfg Config) *Session {
	if cfg.Namespace == "" {
		cfg.Namespace = datatypes.ChatNamespace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		transport: transport,
		cfg:       cfg,
		logger: cfg.Logger.With(
			"component", "user_session",
			"socket_id", transport.SocketID(),
			"user_id", cfg.UserID,
		),
		createdAt: cfg.Now(),
		handlers:  make(map[string][]subscription),
	}
}

// Connect registers the session with the connection registry.
//
// # Description
//
// On success the session is connected and the built-in subscriptions are
// installed. On failure the session stays disconnected and the registry
// error is returned unchanged; the caller must close the transport.
//
// # Outputs
//
//   - string: The connection id.
//   - error: RegistryUnavailable or CapacityExceeded.
func (s *Session) Connect(ctx context.Context) (string, error) {
	id, err := s.cfg.Registry.Register(ctx, s.transport, s.cfg.Namespace)
	if err != nil {
		s.logger.Warn("Failed to connect user session", "error", err)
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		return "", err
	}

	s.mu.Lock()
	s.connected = true
	s.connectionID = id
	s.connectedAt = s.cfg.Now()
	s.mu.Unlock()

	s.installBuiltins()
	s.logger.Info("User session connected", "connection_id", id)
	return id, nil
}

func (s *Session) installBuiltins() {
	s.On(datatypes.EventPong, func(ctx context.Context, _ json.RawMessage) {
		s.handlePong(ctx)
	})
	s.On(datatypes.EventDisconnect, func(ctx context.Context, _ json.RawMessage) {
		s.Disconnect(ctx)
	})
	s.On(datatypes.EventError, func(_ context.Context, data json.RawMessage) {
		s.logger.Warn("Socket error", "detail", string(data))
	})
}

// Disconnect unregisters the connection. Safe to call more than once.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	id, wasConnected := s.connectionID, s.connected
	s.connected = false
	s.mu.Unlock()

	if !wasConnected || id == "" {
		return
	}
	if err := s.cfg.Registry.Unregister(ctx, id); err != nil {
		s.logger.Warn("Failed to unregister connection", "error", err)
		return
	}
	s.logger.Info("User session disconnected")
}

// Emit sends event to the client.
//
// # Outputs
//
//   - bool: false when the session is disconnected or delivery could not be
//     confirmed. A false delivery marks the session disconnected.
func (s *Session) Emit(ctx context.Context, event string, data any) bool {
	s.mu.Lock()
	id, connected := s.connectionID, s.connected
	s.mu.Unlock()

	if !connected || id == "" {
		s.logger.Debug("Attempted to emit on disconnected session", "event", event)
		return false
	}
	if s.cfg.Registry.SendTo(ctx, id, event, data) {
		return true
	}

	s.mu.Lock()
	if s.connectionID == id {
		s.connected = false
	}
	s.mu.Unlock()
	return false
}

// SendError emits a structured error event.
//
// # Description
//
// Builds {type:"error", error, error_type, timestamp, ...extra}. A failed
// delivery is logged and otherwise ignored.
func (s *Session) SendError(ctx context.Context, err error, extra map[string]any) {
	kind := datatypes.KindOf(err)
	label, _ := extra["event"].(string)
	if label == "" {
		label = "unknown"
	}
	s.cfg.Metrics.RecordError(label, string(kind))

	payload := datatypes.ErrorEvent(err, extra, s.cfg.Now())
	if !s.Emit(ctx, datatypes.EventError, payload) {
		s.logger.Debug("Error event not delivered", "error_type", kind, "error", err)
	}
}

// =============================================================================
// Inbound Events
// =============================================================================

// On subscribes handler to event and returns its id.
func (s *Session) On(event string, handler Handler) HandlerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.handlers[event] = append(s.handlers[event], subscription{id: s.nextID, fn: handler})
	return s.nextID
}

// Off removes one subscription. Unknown ids are ignored.
func (s *Session) Off(event string, id HandlerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.handlers[event]
	for i, sub := range subs {
		if sub.id == id {
			s.handlers[event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// OffAll removes every subscription for event.
func (s *Session) OffAll(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, event)
}

// Dispatch delivers one inbound event.
//
// # Description
//
// Refreshes the connection's liveness, then runs every handler subscribed
// to event in subscription order. A Touch that finds no record (the
// connection was evicted) or cannot reach the store marks the session
// disconnected; handlers still run so disconnect cleanup happens.
//
// # Outputs
//
//   - int: Number of handlers invoked.
func (s *Session) Dispatch(ctx context.Context, event string, data json.RawMessage) int {
	s.cfg.Metrics.RecordEvent(event)
	s.updateLastSeen(ctx)

	s.mu.Lock()
	subs := append([]subscription(nil), s.handlers[event]...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(ctx, data)
	}
	return len(subs)
}

func (s *Session) updateLastSeen(ctx context.Context) {
	s.mu.Lock()
	id, connected := s.connectionID, s.connected
	s.mu.Unlock()
	if !connected || id == "" {
		return
	}

	found, err := s.cfg.Registry.Touch(ctx, id)
	if err == nil && found {
		return
	}
	if err != nil {
		s.logger.Warn("Failed to refresh liveness", "error", err)
	} else {
		s.logger.Info("Connection record gone, session marked disconnected")
	}
	s.mu.Lock()
	if s.connectionID == id {
		s.connected = false
	}
	s.mu.Unlock()
}

func (s *Session) handlePong(ctx context.Context) {
	s.mu.Lock()
	id, connected := s.connectionID, s.connected
	s.mu.Unlock()
	if !connected || id == "" {
		return
	}
	if err := s.cfg.Registry.HandlePong(ctx, id); err != nil {
		s.logger.Warn("Failed to record pong", "error", err)
		return
	}
	s.logger.Debug("Received pong")
}

// =============================================================================
// Accessors
// =============================================================================

// GetOrCreateConversation loads or creates a conversation owned by the
// session's user.
func (s *Session) GetOrCreateConversation(ctx context.Context, conversationID string) (*persistence.Conversation, bool, error) {
	return s.cfg.Store.GetOrCreateConversation(ctx, s.cfg.UserID, conversationID)
}

// UserID returns the authenticated user id.
func (s *Session) UserID() string { return s.cfg.UserID }

// ConnectionID returns the registry id, or "" before Connect.
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

// IsConnected reports the local connection flag.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && s.connectionID != ""
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	connectedAt := s.connectedAt
	if connectedAt.IsZero() {
		connectedAt = s.createdAt
	}
	return Stats{
		SocketID:     s.transport.SocketID(),
		Namespace:    s.cfg.Namespace,
		ConnectedAt:  connectedAt,
		IsConnected:  s.connected,
		ConnectionID: s.connectionID,
		ClientInfo:   s.transport.ClientInfo(),
	}
}
