// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/gateway/observability"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// mockAuthProvider is a configurable mock for testing.
type mockAuthProvider struct {
	authInfo  *extensions.AuthInfo
	err       error
	lastToken string
}

func (m *mockAuthProvider) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	m.lastToken = token
	if m.err != nil {
		return nil, m.err
	}
	return m.authInfo, nil
}

func newRouter(provider extensions.AuthProvider, metrics *observability.Metrics) *gin.Engine {
	router := gin.New()
	router.GET("/ws", HandshakeAuth(provider, metrics, nil), func(c *gin.Context) {
		info := GetAuthInfo(c)
		c.JSON(http.StatusOK, gin.H{"user_id": info.UserID})
	})
	return router
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// =============================================================================
// extractToken Tests
// =============================================================================

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		url    string
		want   string
	}{
		{"bearer header", "Bearer abc123", "/", "abc123"},
		{"case insensitive", "bearer ABC123", "/", "ABC123"},
		{"query fallback", "", "/?token=xyz", "xyz"},
		{"header wins over query", "Bearer fromheader", "/?token=fromquery", "fromheader"},
		{"malformed header does not fall back", "Basic abc", "/?token=xyz", ""},
		{"empty bearer", "Bearer ", "/", ""},
		{"nothing", "", "/", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest("GET", tt.url, nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}

			assert.Equal(t, tt.want, extractToken(c))
		})
	}
}

// =============================================================================
// HandshakeAuth Tests
// =============================================================================

func TestHandshakeAuth_Admits(t *testing.T) {
	provider := &mockAuthProvider{authInfo: &extensions.AuthInfo{UserID: "user-1"}}
	router := newRouter(provider, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ws?token=tok", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-1", decodeBody(t, w)["user_id"])
	assert.Equal(t, "tok", provider.lastToken)
}

func TestHandshakeAuth_RejectionKinds(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind string
	}{
		{"missing", extensions.ErrTokenMissing, "InvalidCredential"},
		{"malformed", extensions.ErrTokenMalformed, "InvalidCredential"},
		{"expired", extensions.ErrTokenExpired, "ExpiredCredential"},
		{"revoked", extensions.ErrTokenRevoked, "RevokedCredential"},
		{"store down", extensions.ErrProviderUnavailable, "RegistryUnavailable"},
		{"unknown", errors.New("weird"), "InvalidCredential"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := observability.New(prometheus.NewRegistry())
			called := false
			router := gin.New()
			router.GET("/ws", HandshakeAuth(&mockAuthProvider{err: tt.err}, metrics, nil), func(c *gin.Context) {
				called = true
			})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest("GET", "/ws", nil))

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.False(t, called, "handler must not run for a rejected handshake")
			body := decodeBody(t, w)
			assert.Equal(t, tt.wantKind, body["error_type"])
			assert.NotEmpty(t, body["error"])
			assert.Equal(t, float64(1), testutil.ToFloat64(
				metrics.HandshakeRejectionsTotal.WithLabelValues(tt.wantKind)))
		})
	}
}

func TestGetAuthInfo_Missing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	assert.Nil(t, GetAuthInfo(c))

	c.Set(authInfoKey, "not auth info")
	assert.Nil(t, GetAuthInfo(c))
}

// =============================================================================
// Revocation List Tests
// =============================================================================

func TestRedisRevocationList(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	list := NewRedisRevocationList(client, "")
	ctx := context.Background()

	revoked, err := list.IsRevoked(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, list.Revoke(ctx, "tok", time.Minute))
	revoked, err = list.IsRevoked(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.True(t, mr.Exists("chat:blacklist:tok"))

	mr.FastForward(2 * time.Minute)
	revoked, err = list.IsRevoked(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestHandshakeAuth_EndToEndWithJWTAndRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	list := NewRedisRevocationList(client, "")

	provider, err := extensions.NewJWTProvider([]byte("handshake-secret"), extensions.WithRevocationList(list))
	require.NoError(t, err)
	defer provider.Close()
	router := newRouter(provider, nil)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":  "user-9",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("handshake-secret"))
	require.NoError(t, err)

	send := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Authorization", "Bearer "+signed)
		router.ServeHTTP(w, req)
		return w
	}

	w := send()
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-9", decodeBody(t, w)["user_id"])

	require.NoError(t, list.Revoke(context.Background(), signed, time.Hour))
	w = send()
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "RevokedCredential", decodeBody(t, w)["error_type"])

	mr.Close()
	w = send()
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "RegistryUnavailable", decodeBody(t, w)["error_type"])
}
