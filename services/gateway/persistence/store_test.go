// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persistence

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenBadgerStore(InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenBadgerStore_RequiresPath(t *testing.T) {
	_, err := OpenBadgerStore(BadgerConfig{})
	require.Error(t, err)
}

func TestOpenBadgerStore_OnDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "chat")
	cfg := DefaultBadgerConfig(dir)
	cfg.GCInterval = time.Hour

	s, err := OpenBadgerStore(cfg)
	require.NoError(t, err)
	conv, _, err := s.GetOrCreateConversation(context.Background(), "u1", "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := OpenBadgerStore(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	got, isNew, err := reopened.GetOrCreateConversation(context.Background(), "u1", conv.ID)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, conv.ID, got.ID)
}

func TestGetOrCreateConversation_CreatesWhenEmpty(t *testing.T) {
	s := openTestStore(t)

	conv, isNew, err := s.GetOrCreateConversation(context.Background(), "u1", "")

	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, "u1", conv.UserID)
	assert.Equal(t, DefaultTitle, conv.Title)
	assert.Empty(t, conv.Messages)
}

func TestGetOrCreateConversation_ReturnsExistingWithHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conv, _, err := s.GetOrCreateConversation(ctx, "u1", "")
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		_, err := s.CreateMessage(ctx, role, fmt.Sprintf("m%d", i), conv.ID)
		require.NoError(t, err)
	}

	got, isNew, err := s.GetOrCreateConversation(ctx, "u1", conv.ID)
	require.NoError(t, err)
	assert.False(t, isNew)
	require.Len(t, got.Messages, 12)
	for i, m := range got.Messages {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Content)
	}
	assert.Equal(t, RoleAssistant, got.Messages[1].Role)
}

func TestGetOrCreateConversation_ForeignOrUnknownIDCreatesNew(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owned, _, err := s.GetOrCreateConversation(ctx, "owner", "")
	require.NoError(t, err)

	tests := []struct {
		name string
		id   string
	}{
		{"owned by another user", owned.ID},
		{"unknown", "does-not-exist"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv, isNew, err := s.GetOrCreateConversation(ctx, "intruder", tt.id)
			require.NoError(t, err)
			assert.True(t, isNew)
			assert.NotEqual(t, tt.id, conv.ID)
			assert.Equal(t, "intruder", conv.UserID)
		})
	}
}

func TestCreateMessage_UnknownConversation(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CreateMessage(context.Background(), RoleUser, "hi", "missing")

	require.Error(t, err)
	assert.Equal(t, datatypes.KindPersistenceFailure, datatypes.KindOf(err))
}

func TestCreateMessage_ConcurrentAppendsKeepAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conv, _, err := s.GetOrCreateConversation(ctx, "u1", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.CreateMessage(ctx, RoleUser, fmt.Sprintf("m%d", i), conv.ID)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, _, err := s.GetOrCreateConversation(ctx, "u1", conv.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 20)
}

func TestUpdateConversationTitle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conv, _, err := s.GetOrCreateConversation(ctx, "u1", "")
	require.NoError(t, err)

	require.NoError(t, s.UpdateConversationTitle(ctx, "Rust lifetimes", conv.ID))

	got, _, err := s.GetOrCreateConversation(ctx, "u1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Rust lifetimes", got.Title)

	err = s.UpdateConversationTitle(ctx, "x", "missing")
	assert.Equal(t, datatypes.KindPersistenceFailure, datatypes.KindOf(err))
}

func TestStore_CancelledContext(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := s.GetOrCreateConversation(ctx, "u1", "")
	assert.ErrorIs(t, err, context.Canceled)
}
