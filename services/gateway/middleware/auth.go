// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the chat gateway.
//
// # Handshake Flow
//
// The handshake middleware runs before the WebSocket upgrade. A rejected
// handshake never reaches the upgrader, so no connection is registered.
//
//	GET /v1/chat/ws
//	   │
//	   ▼
//	HandshakeAuth
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │   or the "token" query parameter
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │       signature, expiry, revocation list
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       WebSocket handler (retrieves via GetAuthInfo)
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/observability"
)

// =============================================================================
// Context Keys
// =============================================================================

// authInfoKey is the gin context key for storing AuthInfo.
const authInfoKey = "aleutian_auth_info"

// tokenQueryParam carries the credential for clients that cannot set
// headers on a WebSocket handshake (browsers).
const tokenQueryParam = "token"

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated user info in the Gin context.
//
// # Description
//
// Called by HandshakeAuth after successful authentication.
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info from the Gin context.
//
// # Outputs
//
//   - *extensions.AuthInfo: User info, or nil if not authenticated
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// =============================================================================
// Handshake Middleware
// =============================================================================

// HandshakeAuth creates the Gin middleware that admits or rejects socket
// handshakes.
//
// # Description
//
// Extracts the bearer credential, validates it using provider, and stores
// the resulting AuthInfo in the context. Every rejection is a 401 with
// body {error, error_type}, where error_type is one of InvalidCredential,
// ExpiredCredential, RevokedCredential, or RegistryUnavailable when the
// revocation store could not be consulted.
//
// # Inputs
//
//   - provider: AuthProvider to validate tokens. Must not be nil.
//   - metrics: Rejection counters. May be nil.
//   - logger: May be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware ready for use with Gin
//
// # Examples
//
//	router.GET("/v1/chat/ws", middleware.HandshakeAuth(provider, metrics, logger), ws.Handle)
//
// # Limitations
//
//   - Only Bearer tokens are supported
//   - Does not cache validation results (validates every handshake)
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func HandshakeAuth(provider extensions.AuthProvider, metrics *observability.Metrics, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		token := extractToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			rejection := classify(err)
			metrics.RecordHandshakeRejection(string(rejection.Kind))
			logger.Info("Handshake rejected",
				"remote_addr", c.ClientIP(),
				"error_type", rejection.Kind,
				"reason", err.Error())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":      rejection.Message,
				"error_type": string(rejection.Kind),
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// classify maps provider errors onto the client-visible kinds.
func classify(err error) *datatypes.Error {
	switch {
	case errors.Is(err, extensions.ErrTokenExpired):
		return datatypes.ErrExpiredCredential
	case errors.Is(err, extensions.ErrTokenRevoked):
		return datatypes.ErrRevokedCredential
	case errors.Is(err, extensions.ErrProviderUnavailable):
		return datatypes.NewError(datatypes.KindRegistryUnavailable, "credential check unavailable")
	case errors.Is(err, extensions.ErrTokenMissing):
		return datatypes.NewError(datatypes.KindInvalidCredential, "no token provided")
	case errors.Is(err, extensions.ErrTokenMalformed):
		return datatypes.NewError(datatypes.KindInvalidCredential, "malformed token")
	default:
		return datatypes.ErrInvalidCredential
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractToken returns the bearer token from the Authorization header, or
// the token query parameter when the header is absent.
//
// # Description
//
// The "Bearer" prefix is case-insensitive per RFC 7235. A present but
// malformed Authorization header does not fall back to the query parameter.
//
// # Examples
//
//	// Header: "Authorization: Bearer abc123"     -> "abc123"
//	// Header: "Authorization: bearer ABC123"     -> "ABC123"
//	// No header, URL: /v1/chat/ws?token=xyz      -> "xyz"
//	// Header: "Authorization: Basic Zm9v"        -> ""
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return strings.TrimSpace(c.Query(tokenQueryParam))
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
