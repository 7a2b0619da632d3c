// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"
)

// JWTProvider validates HS256 access tokens.
//
// # Description
//
// The signing secret lives in a memguard LockedBuffer (mlocked, guard
// pages, wiped on Close) rather than on the Go heap. The user id is taken
// from the "id" claim, falling back to "sub". After the signature and
// expiry pass, the token is checked against the revocation list.
//
// # Thread Safety
//
// Safe for concurrent use. Close must not race with Validate.
type JWTProvider struct {
	secret      *memguard.LockedBuffer
	revocations RevocationList
	now         func() time.Time
	closeOnce   sync.Once
}

// JWTOption configures a JWTProvider.
type JWTOption func(*JWTProvider)

// WithRevocationList enables the revocation check.
func WithRevocationList(list RevocationList) JWTOption {
	return func(p *JWTProvider) { p.revocations = list }
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) JWTOption {
	return func(p *JWTProvider) { p.now = now }
}

// NewJWTProvider copies secret into locked memory and wipes the input.
//
// # Inputs
//
//   - secret: HMAC key. Must not be empty. Zeroed on return.
//   - opts: Optional revocation list and clock.
//
// # Outputs
//
//   - *JWTProvider: Call Close on shutdown.
//   - error: Empty secret.
func NewJWTProvider(secret []byte, opts ...JWTOption) (*JWTProvider, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret must not be empty")
	}
	p := &JWTProvider{
		secret: memguard.NewBufferFromBytes(secret),
		now:    time.Now,
	}
	memguard.WipeBytes(secret)
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Close destroys the locked secret.
func (p *JWTProvider) Close() {
	p.closeOnce.Do(p.secret.Destroy)
}

// Validate implements AuthProvider.
func (p *JWTProvider) Validate(ctx context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, ErrTokenMissing
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return p.secret.Bytes(), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	userID, _ := claims["id"].(string)
	if userID == "" {
		userID, _ = claims.GetSubject()
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: no user id claim", ErrTokenMalformed)
	}

	if p.revocations != nil {
		revoked, err := p.revocations.IsRevoked(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}

	info := &AuthInfo{UserID: userID, Metadata: map[string]any{}}
	for k, v := range claims {
		switch k {
		case "email":
			info.Email, _ = v.(string)
		case "roles":
			if roles, ok := v.([]any); ok {
				for _, r := range roles {
					if s, ok := r.(string); ok {
						info.Roles = append(info.Roles, s)
					}
				}
			}
		case "id", "sub", "exp", "iat", "nbf":
		default:
			info.Metadata[k] = v
		}
	}
	return info, nil
}
