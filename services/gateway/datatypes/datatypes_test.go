// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Frame Tests
// =============================================================================

func TestEncodeFrame(t *testing.T) {
	raw, err := EncodeFrame(EventStreamEnd, ConversationRef{ConversationID: "c1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"stream_end","data":{"conversationId":"c1"}}`, string(raw))

	_, err = EncodeFrame(EventError, func() {})
	assert.Error(t, err, "unmarshalable payload")
}

// =============================================================================
// DecodePayload Tests
// =============================================================================

func TestDecodePayload_Prompt(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"minimal", `{"userPrompt":"hi"}`, false},
		{"all fields", `{"userPrompt":"hi","model":"m","conversationId":"c","placeholderId":"p"}`, false},
		{"empty prompt", `{"userPrompt":""}`, true},
		{"missing prompt", `{}`, true},
		{"no payload", ``, true},
		{"malformed", `{"userPrompt":`, true},
		{"wrong type", `{"userPrompt":42}`, true},
		{"prompt too long", fmt.Sprintf(`{"userPrompt":%q}`, strings.Repeat("a", MaxPromptBytes+1)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req PromptRequest
			err := DecodePayload(json.RawMessage(tt.raw), &req)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "hi", req.UserPrompt)
				return
			}
			require.Error(t, err)
			assert.Equal(t, KindInvalidRequest, KindOf(err))
		})
	}
}

func TestDecodePayload_CancelRequiresID(t *testing.T) {
	var req CancelConversationRequest
	assert.ErrorIs(t, DecodePayload(json.RawMessage(`{}`), &req), ErrInvalidRequest)
	require.NoError(t, DecodePayload(json.RawMessage(`{"conversationId":"c9"}`), &req))
	assert.Equal(t, "c9", req.ConversationID)
}

// =============================================================================
// Error Tests
// =============================================================================

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindInternal},
		{"plain", errors.New("boom"), KindInternal},
		{"typed", ErrCapacityExceeded, KindCapacityExceeded},
		{"wrapped typed", fmt.Errorf("register: %w", ErrRegistryUnavailable), KindRegistryUnavailable},
		{"context cancelled", context.Canceled, KindTaskCancelled},
		{"deadline", fmt.Errorf("stream: %w", context.DeadlineExceeded), KindTaskCancelled},
		{"outermost wins", WrapError(KindUpstreamFailure, ErrInvalidRequest, "relay"), KindUpstreamFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestError_IsMatchesKind(t *testing.T) {
	err := WrapError(KindTaskCancelled, context.DeadlineExceeded, "prompt timed out")

	assert.ErrorIs(t, err, ErrTaskCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrUpstreamFailure)
	assert.True(t, IsCancellation(err))
}

func TestClientMessage_HidesInternalDetail(t *testing.T) {
	redisErr := WrapError(KindRegistryUnavailable, errors.New("dial tcp 10.0.0.7:6379: refused"), "register")
	assert.Equal(t, "session registry unavailable", ClientMessage(redisErr))

	dbErr := WrapError(KindPersistenceFailure, errors.New("badger: txn too big"), "save message")
	assert.Equal(t, "conversation storage failed", ClientMessage(dbErr))

	assert.Equal(t, "too many concurrent tasks", ClientMessage(ErrConcurrencyLimitExceeded))
}

func TestErrorEvent_FixedKeysWin(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	event := ErrorEvent(ErrRateLimited, map[string]any{
		"event": "llm_prompt",
		"type":  "spoofed",
	}, now)

	assert.Equal(t, "error", event["type"])
	assert.Equal(t, "rate limited", event["error"])
	assert.Equal(t, "RateLimited", event["error_type"])
	assert.Equal(t, int64(1700000000123), event["timestamp"])
	assert.Equal(t, "llm_prompt", event["event"])
}

func TestAllErrorKinds_Unique(t *testing.T) {
	seen := map[ErrorKind]bool{}
	for _, k := range AllErrorKinds {
		assert.False(t, seen[k], "duplicate kind %s", k)
		seen[k] = true
	}
	assert.True(t, seen[KindInternal])
}
