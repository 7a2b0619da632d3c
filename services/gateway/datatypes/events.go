// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides wire types shared by the chat gateway packages.
//
// This file contains the socket event names, the frame envelope, and the
// inbound/outbound payloads of the "/chat" namespace. Error kinds live in
// errors.go.
package datatypes

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ChatNamespace is the logical channel chat sockets register under.
const ChatNamespace = "/chat"

// MaxPromptBytes bounds a single llm_prompt userPrompt.
const MaxPromptBytes = 32 * 1024

// =============================================================================
// Event Names
// =============================================================================

// Inbound events.
const (
	EventLLMPrompt          = "llm_prompt"
	EventCancelConversation = "cancel_conversation"
	EventGetTaskStats       = "get_task_stats"
	EventPong               = "pong"
)

// Outbound events.
const (
	EventPing                  = "ping"
	EventConversationCreated   = "conversation_created"
	EventLLMResponseChunk      = "llm_response_chunk"
	EventLLMTitleChunk         = "llm_title_chunk"
	EventStreamEnd             = "stream_end"
	EventConversationCancelled = "conversation_cancelled"
	EventTaskStats             = "task_stats"
	EventError                 = "error"
)

// Lifecycle events raised by the transport itself rather than the client.
const (
	EventDisconnect = "disconnect"
)

// =============================================================================
// Frame Envelope
// =============================================================================

// Frame is one socket message in either direction.
//
// Every WebSocket text frame carries exactly one Frame:
//
//	{"event": "llm_prompt", "data": {"userPrompt": "hi"}}
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals an outbound event and payload.
func EncodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// =============================================================================
// Inbound Payloads
// =============================================================================

// PromptRequest is the llm_prompt payload.
type PromptRequest struct {
	UserPrompt     string `json:"userPrompt" validate:"required,max=32768"`
	Model          string `json:"model,omitempty" validate:"omitempty,max=128"`
	ConversationID string `json:"conversationId,omitempty" validate:"omitempty,max=128"`
	PlaceholderID  string `json:"placeholderId,omitempty" validate:"omitempty,max=128"`
}

// CancelConversationRequest is the cancel_conversation payload.
type CancelConversationRequest struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

var payloadValidate = validator.New()

// DecodePayload unmarshals raw into v and validates its struct tags.
//
// # Outputs
//
//   - error: *Error of KindInvalidRequest on malformed JSON or failed
//     validation.
func DecodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return WrapError(KindInvalidRequest, err, "malformed payload")
	}
	if err := payloadValidate.Struct(v); err != nil {
		return WrapError(KindInvalidRequest, err, "payload failed validation")
	}
	return nil
}

// =============================================================================
// Outbound Payloads
// =============================================================================

// PingMessage is sent by the liveness service.
type PingMessage struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

// ConversationCreated reconciles a client placeholder with the real id.
type ConversationCreated struct {
	PlaceholderID  string `json:"placeholderId"`
	ConversationID string `json:"conversationId"`
}

// Chunk carries one relayed piece of generated text.
type Chunk struct {
	Chunk          string `json:"chunk"`
	ConversationID string `json:"conversationId"`
}

// ConversationRef names a conversation; used by stream_end and
// conversation_cancelled.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// ErrorEvent builds the structured error payload.
//
// # Description
//
// Produces {type:"error", error, error_type, timestamp, ...extra}. Keys in
// extra never override the four fixed keys.
func ErrorEvent(err error, extra map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(extra)+4)
	for k, v := range extra {
		out[k] = v
	}
	out["type"] = "error"
	out["error"] = ClientMessage(err)
	out["error_type"] = string(KindOf(err))
	out["timestamp"] = now.UnixMilli()
	return out
}
