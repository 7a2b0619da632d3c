// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/observability"
	"github.com/AleutianAI/AleutianChat/services/gateway/persistence"
	"github.com/AleutianAI/AleutianChat/services/gateway/registry"
)

// =============================================================================
// Test Helpers
// =============================================================================

type sentEvent struct {
	Event   string
	Payload any
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []sentEvent
	sendErr error
	closed  bool
}

func (f *fakeTransport) SocketID() string { return "sock-1" }

func (f *fakeTransport) ClientInfo() registry.ClientInfo {
	return registry.ClientInfo{Address: "127.0.0.1:4000", UserAgent: "go-test"}
}

func (f *fakeTransport) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentEvent{event, payload})
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) events() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

type fixture struct {
	mr        *miniredis.Miniredis
	reg       *registry.Registry
	transport *fakeTransport
	session   *Session
	metrics   *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := persistence.OpenBadgerStore(persistence.InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	metrics := observability.New(prometheus.NewRegistry())
	reg := registry.New(client, registry.Config{ServerID: "server_test"})
	tr := &fakeTransport{}
	s := New(tr, Config{Registry: reg, Store: store, UserID: "user-1", Metrics: metrics})
	return &fixture{mr: mr, reg: reg, transport: tr, session: s, metrics: metrics}
}

// stubRegistry scripts registry answers.
type stubRegistry struct {
	registerErr error
	touchFound  bool
	touchErr    error
	sendOK      bool
	unregisters int
	pongs       int
}

func (s *stubRegistry) Register(context.Context, registry.Transport, string) (string, error) {
	if s.registerErr != nil {
		return "", s.registerErr
	}
	return "server_x:conn", nil
}

func (s *stubRegistry) Unregister(context.Context, string) error {
	s.unregisters++
	return nil
}

func (s *stubRegistry) SendTo(context.Context, string, string, any) bool { return s.sendOK }

func (s *stubRegistry) Touch(context.Context, string) (bool, error) {
	return s.touchFound, s.touchErr
}

func (s *stubRegistry) HandlePong(context.Context, string) error {
	s.pongs++
	return nil
}

// =============================================================================
// Connect / Disconnect
// =============================================================================

func TestConnect_RegistersAndReportsStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.session.Connect(ctx)

	require.NoError(t, err)
	assert.Equal(t, id, f.session.ConnectionID())
	assert.True(t, f.session.IsConnected())
	rec, err := f.reg.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, datatypes.ChatNamespace, rec.Namespace)

	stats := f.session.Stats()
	assert.Equal(t, "sock-1", stats.SocketID)
	assert.True(t, stats.IsConnected)
	assert.Equal(t, "go-test", stats.ClientInfo.UserAgent)
	assert.Equal(t, "user-1", f.session.UserID())
}

func TestConnect_FailureLeavesSessionDisconnected(t *testing.T) {
	stub := &stubRegistry{registerErr: datatypes.NewError(datatypes.KindRegistryUnavailable, "down")}
	s := New(&fakeTransport{}, Config{Registry: stub})

	_, err := s.Connect(context.Background())

	assert.ErrorIs(t, err, datatypes.ErrRegistryUnavailable)
	assert.False(t, s.IsConnected())
	assert.False(t, s.Emit(context.Background(), "x", nil))
}

func TestDisconnect_IsIdempotent(t *testing.T) {
	stub := &stubRegistry{touchFound: true, sendOK: true}
	s := New(&fakeTransport{}, Config{Registry: stub})
	ctx := context.Background()
	_, err := s.Connect(ctx)
	require.NoError(t, err)

	s.Disconnect(ctx)
	s.Disconnect(ctx)
	s.Dispatch(ctx, datatypes.EventDisconnect, nil)

	assert.Equal(t, 1, stub.unregisters)
	assert.False(t, s.IsConnected())
}

func TestDisconnectEvent_RemovesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.session.Connect(ctx)
	require.NoError(t, err)

	f.session.Dispatch(ctx, datatypes.EventDisconnect, nil)

	rec, err := f.reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 0, f.reg.LocalCount())
}

// =============================================================================
// Emit / SendError
// =============================================================================

func TestEmit_DeliversThroughRegistry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.session.Connect(ctx)
	require.NoError(t, err)

	ok := f.session.Emit(ctx, datatypes.EventStreamEnd, datatypes.ConversationRef{ConversationID: "c1"})

	assert.True(t, ok)
	events := f.transport.events()
	require.Len(t, events, 1)
	assert.Equal(t, datatypes.EventStreamEnd, events[0].Event)
}

func TestEmit_FailedDeliveryMarksDisconnected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.session.Connect(ctx)
	require.NoError(t, err)
	f.transport.sendErr = errors.New("broken pipe")

	assert.False(t, f.session.Emit(ctx, "x", map[string]any{}))
	assert.False(t, f.session.IsConnected())

	f.transport.sendErr = nil
	assert.False(t, f.session.Emit(ctx, "x", map[string]any{}))
	assert.Empty(t, f.transport.events())
}

func TestSendError_StructuredPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.session.Connect(ctx)
	require.NoError(t, err)

	f.session.SendError(ctx, datatypes.NewError(datatypes.KindConcurrencyLimitExceeded, "too many concurrent tasks (max 10)"),
		map[string]any{"event": "llmPrompt", "originalData": map[string]any{"userPrompt": "hi"}, "type": "overridden?"})

	events := f.transport.events()
	require.Len(t, events, 1)
	assert.Equal(t, datatypes.EventError, events[0].Event)
	payload := events[0].Payload.(map[string]any)
	assert.Equal(t, "error", payload["type"])
	assert.Equal(t, "ConcurrencyLimitExceeded", payload["error_type"])
	assert.Equal(t, "too many concurrent tasks (max 10)", payload["error"])
	assert.Equal(t, "llmPrompt", payload["event"])
	assert.NotNil(t, payload["originalData"])
	assert.Equal(t, float64(1), testutil.ToFloat64(
		f.metrics.ErrorsTotal.WithLabelValues("llmPrompt", "ConcurrencyLimitExceeded")))
}

func TestSendError_NeverPanicsWhenDisconnected(t *testing.T) {
	s := New(&fakeTransport{}, Config{Registry: &stubRegistry{}})

	assert.NotPanics(t, func() {
		s.SendError(context.Background(), errors.New("boom"), nil)
	})
}

// =============================================================================
// Dispatch
// =============================================================================

func TestDispatch_RefreshesLivenessBeforeHandlers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.session.Connect(ctx)
	require.NoError(t, err)
	f.mr.HSet("chat:conn:"+id, "status", "stale")

	var statusSeen string
	f.session.On("custom", func(context.Context, json.RawMessage) {
		statusSeen = f.mr.HGet("chat:conn:"+id, "status")
	})

	n := f.session.Dispatch(ctx, "custom", json.RawMessage(`{}`))

	assert.Equal(t, 1, n)
	assert.Equal(t, "connected", statusSeen)
}

func TestDispatch_HandlersRunInSubscriptionOrder(t *testing.T) {
	s := New(&fakeTransport{}, Config{Registry: &stubRegistry{touchFound: true}})
	var order []int
	s.On("e", func(context.Context, json.RawMessage) { order = append(order, 1) })
	id := s.On("e", func(context.Context, json.RawMessage) { order = append(order, 2) })
	s.On("e", func(context.Context, json.RawMessage) { order = append(order, 3) })

	s.Dispatch(context.Background(), "e", nil)
	s.Off("e", id)
	s.Dispatch(context.Background(), "e", nil)
	s.OffAll("e")
	n := s.Dispatch(context.Background(), "e", nil)

	assert.Equal(t, []int{1, 2, 3, 1, 3}, order)
	assert.Equal(t, 0, n)
}

func TestDispatch_MissingRecordDegradesSession(t *testing.T) {
	stub := &stubRegistry{touchFound: false, sendOK: true}
	s := New(&fakeTransport{}, Config{Registry: stub})
	_, err := s.Connect(context.Background())
	require.NoError(t, err)

	called := false
	s.On("e", func(context.Context, json.RawMessage) { called = true })
	s.Dispatch(context.Background(), "e", nil)

	assert.True(t, called)
	assert.False(t, s.IsConnected())
}

func TestDispatch_TouchErrorDegradesSession(t *testing.T) {
	stub := &stubRegistry{touchErr: datatypes.NewError(datatypes.KindRegistryUnavailable, "down"), sendOK: true}
	s := New(&fakeTransport{}, Config{Registry: stub})
	_, err := s.Connect(context.Background())
	require.NoError(t, err)

	s.Dispatch(context.Background(), "e", nil)

	assert.False(t, s.IsConnected())
}

func TestDispatch_PongClearsMarker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.session.Connect(ctx)
	require.NoError(t, err)
	f.mr.HSet("chat:ping_awaiting", id, "1")

	f.session.Dispatch(ctx, datatypes.EventPong, nil)

	assert.Empty(t, f.mr.HGet("chat:ping_awaiting", id))
}

// =============================================================================
// Conversations
// =============================================================================

func TestGetOrCreateConversation_ScopedToUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, isNew, err := f.session.GetOrCreateConversation(ctx, "")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "user-1", conv.UserID)

	again, isNew, err := f.session.GetOrCreateConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, conv.ID, again.ID)
}

func TestStats_BeforeConnect(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(&fakeTransport{}, Config{Registry: &stubRegistry{}, Now: func() time.Time { return now }})

	stats := s.Stats()

	assert.False(t, stats.IsConnected)
	assert.Empty(t, stats.ConnectionID)
	assert.Equal(t, now, stats.ConnectedAt)
	assert.Equal(t, datatypes.ChatNamespace, stats.Namespace)
}
