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
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
)

// DefaultRevocationPrefix is shared with the auth service that writes
// revocations on logout.
const DefaultRevocationPrefix = "chat:blacklist:"

// RedisRevocationList implements extensions.RevocationList on Redis keys
// <prefix><token> with a TTL matching the token lifetime.
type RedisRevocationList struct {
	client redis.UniversalClient
	prefix string
}

var _ extensions.RevocationList = (*RedisRevocationList)(nil)

// NewRedisRevocationList creates a revocation list. An empty prefix uses
// DefaultRevocationPrefix.
func NewRedisRevocationList(client redis.UniversalClient, prefix string) *RedisRevocationList {
	if prefix == "" {
		prefix = DefaultRevocationPrefix
	}
	return &RedisRevocationList{client: client, prefix: prefix}
}

// IsRevoked reports whether token has a revocation entry. Store errors are
// returned so the caller can fail closed.
func (l *RedisRevocationList) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := l.client.Exists(ctx, l.prefix+token).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Revoke adds token to the list for ttl.
func (l *RedisRevocationList) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	return l.client.Set(ctx, l.prefix+token, "true", ttl).Err()
}
