// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the pluggable identity surface of the chat
// gateway: who is on the other end of a socket, and how a bearer credential
// is turned into that identity.
package extensions

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// ErrUnauthorized is the root of every credential rejection, so callers that
// only need allow/deny can test errors.Is(err, ErrUnauthorized).
var ErrUnauthorized = errors.New("unauthorized")

var (
	// ErrTokenMissing: no credential was presented.
	ErrTokenMissing = fmt.Errorf("%w: no token provided", ErrUnauthorized)

	// ErrTokenMalformed: the credential failed parsing or signature checks.
	ErrTokenMalformed = fmt.Errorf("%w: malformed token", ErrUnauthorized)

	// ErrTokenExpired: the credential is past its expiry.
	ErrTokenExpired = fmt.Errorf("%w: token expired", ErrUnauthorized)

	// ErrTokenRevoked: the credential is on the revocation list.
	ErrTokenRevoked = fmt.Errorf("%w: token revoked", ErrUnauthorized)
)

// ErrProviderUnavailable is returned when a provider cannot reach a backing
// store it needs to reach a decision. It does not wrap ErrUnauthorized:
// callers reject the request but report an infrastructure failure.
var ErrProviderUnavailable = errors.New("auth provider unavailable")

// AuthInfo is the identity a handshake resolves to. The gateway scopes
// conversations by UserID; the other fields ride along for handlers that
// want them.
type AuthInfo struct {
	// UserID is the token subject. Never empty on a successful Validate.
	UserID string
	Email  string
	Roles  []string

	// Metadata keeps the claims not mapped above.
	Metadata map[string]any
}

// HasRole reports whether role was granted.
func (a *AuthInfo) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// AuthProvider turns a bearer token into an identity. Implementations are
// called concurrently from every handshake.
type AuthProvider interface {
	// Validate returns the token's identity, one of the ErrToken* values, or
	// ErrProviderUnavailable when a backing store could not be consulted.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// RevocationList reports whether a credential has been withdrawn before its
// expiry, e.g. on logout.
type RevocationList interface {
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// NopAuthProvider admits every handshake as "local-user". Used when
// auth.disabled is set for a single-user local gateway.
type NopAuthProvider struct{}

// Validate always returns the local user. The token is ignored.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{"admin"},
	}, nil
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*JWTProvider)(nil)
)
