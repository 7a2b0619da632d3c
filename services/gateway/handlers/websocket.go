// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the chat socket endpoint and the event router
// that turns inbound socket events into tasks.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/middleware"
	"github.com/AleutianAI/AleutianChat/services/gateway/observability"
	"github.com/AleutianAI/AleutianChat/services/gateway/persistence"
	"github.com/AleutianAI/AleutianChat/services/gateway/registry"
	"github.com/AleutianAI/AleutianChat/services/gateway/session"
)

// SocketConfig holds the collaborators of the chat socket endpoint.
type SocketConfig struct {
	Registry session.Registry
	Store    persistence.Store
	Router   *EventRouter

	// Namespace recorded on every connection. Default datatypes.ChatNamespace.
	Namespace string

	// MaxMessageBytes caps one inbound frame. Default twice MaxPromptBytes.
	MaxMessageBytes int64

	// WriteTimeout bounds one outbound frame write. Default 10s.
	WriteTimeout time.Duration

	// AllowedOrigins lists accepted Origin headers. Empty accepts any.
	AllowedOrigins []string

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// ChatSocket serves the authenticated chat WebSocket.
//
// # Description
//
// Each accepted socket becomes one session. The handler goroutine owns the
// read side of the socket and dispatches every frame to the session. When
// the read side fails the session receives a disconnect event, which
// cancels its tasks and removes its connection record.
//
// # Assumptions
//
// middleware.HandshakeAuth runs before Handle.
type ChatSocket struct {
	cfg      SocketConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// active counts Handle calls past authentication, including the
	// disconnect teardown of hijacked sockets.
	active sync.WaitGroup
}

// NewChatSocket creates the endpoint.
func NewChatSocket(cfg SocketConfig) *ChatSocket {
	if cfg.Namespace == "" {
		cfg.Namespace = datatypes.ChatNamespace
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 2 * datatypes.MaxPromptBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}

	return &ChatSocket{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "chat_socket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
	}
}

// Handle upgrades the request and runs the socket until it closes.
func (h *ChatSocket) Handle(c *gin.Context) {
	authInfo := middleware.GetAuthInfo(c)
	if authInfo == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":      "unauthenticated",
			"error_type": string(datatypes.KindInvalidCredential),
		})
		return
	}

	h.active.Add(1)
	defer h.active.Done()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade the websocket", "error", err)
		return
	}

	transport := newWSTransport(conn, registry.ClientInfo{
		Address:   c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Referer:   c.Request.Referer(),
	}, h.cfg.WriteTimeout)
	defer transport.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sess := session.New(transport, session.Config{
		Registry:  h.cfg.Registry,
		Store:     h.cfg.Store,
		Namespace: h.cfg.Namespace,
		UserID:    authInfo.UserID,
		Logger:    h.cfg.Logger,
		Metrics:   h.cfg.Metrics,
	})
	connectionID, err := sess.Connect(ctx)
	if err != nil {
		h.cfg.Metrics.RecordError("connect", string(datatypes.KindOf(err)))
		_ = transport.Send(datatypes.EventError, datatypes.ErrorEvent(err,
			map[string]any{"event": "connect"}, time.Now()))
		return
	}
	logger := h.logger.With("connection_id", connectionID, "user_id", authInfo.UserID)

	h.cfg.Router.Attach(ctx, sess)
	defer func() {
		sess.Dispatch(context.WithoutCancel(ctx), datatypes.EventDisconnect, nil)
		logger.Info("Chat socket closed")
	}()

	conn.SetReadLimit(h.cfg.MaxMessageBytes)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				logger.Info("Chat socket read failed", "error", err)
			}
			return
		}
		h.dispatchFrame(ctx, sess, logger, data)
	}
}

// Wait blocks until every socket handler has finished its disconnect
// teardown or ctx ends.
//
// # Description
//
// http.Server.Shutdown does not track hijacked connections. The gateway
// calls Wait after closing the local sockets and before releasing the store.
func (h *ChatSocket) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for chat sockets: %w", ctx.Err())
	}
}

func (h *ChatSocket) dispatchFrame(ctx context.Context, sess *session.Session, logger *slog.Logger, data []byte) {
	var frame datatypes.Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
		sess.SendError(ctx, datatypes.NewError(datatypes.KindInvalidRequest,
			"frames must be {\"event\": string, \"data\": any}"), map[string]any{"event": "unknown"})
		return
	}
	if frame.Event == datatypes.EventDisconnect {
		logger.Debug("Ignoring client-sent lifecycle event", "event", frame.Event)
		return
	}
	if sess.Dispatch(ctx, frame.Event, frame.Data) == 0 {
		logger.Debug("No handler for event", "event", frame.Event)
	}
}
