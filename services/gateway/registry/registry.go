// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry tracks live chat sockets across a fleet of gateway
// processes.
//
// # Description
//
// Connection records live in Redis so that any process can answer "is this
// connection alive" and route an event to it. Each process additionally keeps
// the Transport for the sockets it owns. Delivery to a socket owned by
// another process goes over that process's pub/sub channel.
//
// The registry also runs the liveness services: a ping broadcast and a
// cleanup sweep that ages records through idle, stale and dead.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/observability"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds registry settings.
type Config struct {
	// ServerID identifies this process. Generated as server_<hex8> if empty.
	ServerID string

	// KeyPrefix namespaces every Redis key. Default "chat".
	KeyPrefix string

	// MaxConnections is the fleet-wide soft capacity. Default 1000.
	MaxConnections int

	// IdleAfter is the silence after which a record is marked idle. Defaults
	// to the ping interval once StartPingService runs, else 30s.
	IdleAfter time.Duration

	// StatsTTL bounds how long a published ServerStats snapshot survives a
	// crashed process. Default 5m.
	StatsTTL time.Duration

	// Now is the clock used for last_seen and sweep ages. Default time.Now.
	Now func() time.Time

	// Logger receives structured logs. Default slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *observability.Metrics
}

// DefaultConfig returns settings matching a single-tenant deployment.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:      "chat",
		MaxConnections: 1000,
		IdleAfter:      30 * time.Second,
		StatsTTL:       5 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ServerID == "" {
		c.ServerID = newServerID()
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.StatsTTL <= 0 {
		c.StatsTTL = d.StatsTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func newServerID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "server_" + uuid.NewString()[:8]
	}
	return "server_" + hex.EncodeToString(b)
}

// =============================================================================
// Registry
// =============================================================================

// Registry is the fleet-wide connection presence table.
//
// # Description
//
// Register, Unregister, Touch and HandlePong read or write Redis. SendTo
// writes directly to locally owned transports and publishes to the owning
// process otherwise. Start the delivery subscriber with Run before relying on
// cross-process delivery.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	client redis.UniversalClient
	cfg    Config
	keys   keys
	logger *slog.Logger

	mu    sync.RWMutex
	local map[string]Transport

	svcMu    sync.Mutex
	services []*service
}

// New creates a registry bound to client.
//
// # Inputs
//
//   - client: Redis client shared by the fleet.
//   - cfg: Settings; zero fields take defaults.
//
// # Outputs
//
//   - *Registry: Ready for Register. Call Run to receive remote deliveries.
func New(client redis.UniversalClient, cfg Config) *Registry {
	cfg.applyDefaults()
	return &Registry{
		client: client,
		cfg:    cfg,
		keys:   keys{prefix: cfg.KeyPrefix},
		logger: cfg.Logger.With("component", "connection_registry", "server_id", cfg.ServerID),
		local:  make(map[string]Transport),
	}
}

// ServerID returns this process's identifier.
func (r *Registry) ServerID() string {
	return r.cfg.ServerID
}

// Register admits a new socket.
//
// # Description
//
// Checks fleet capacity, then writes the record and set memberships in one
// transaction. The capacity check and the write are not atomic, so
// MaxConnections is a soft limit under concurrent registration.
//
// # Inputs
//
//   - ctx: Context for the Redis round trips.
//   - t: The socket. Owned by the registry until Unregister.
//   - namespace: Logical channel. Empty means datatypes.ChatNamespace.
//
// # Outputs
//
//   - string: Connection ID, "<serverId>:<uuid>".
//   - error: ErrCapacityExceeded or ErrRegistryUnavailable kinds.
func (r *Registry) Register(ctx context.Context, t Transport, namespace string) (string, error) {
	if namespace == "" {
		namespace = datatypes.ChatNamespace
	}
	total, err := r.client.SCard(ctx, r.keys.all()).Result()
	if err != nil {
		r.cfg.Metrics.RecordRegistration(observability.OutcomeUnavailable)
		return "", datatypes.WrapError(datatypes.KindRegistryUnavailable, err, "count connections")
	}
	if total >= int64(r.cfg.MaxConnections) {
		r.cfg.Metrics.RecordRegistration(observability.OutcomeCapacity)
		r.logger.Warn("Connection rejected at capacity",
			"total", total, "max_connections", r.cfg.MaxConnections)
		return "", datatypes.NewError(datatypes.KindCapacityExceeded,
			"maximum connections exceeded (%d)", r.cfg.MaxConnections)
	}

	now := r.cfg.Now()
	rec := &ConnectionRecord{
		ConnectionID: r.cfg.ServerID + ":" + uuid.NewString(),
		SocketID:     t.SocketID(),
		ServerID:     r.cfg.ServerID,
		Namespace:    namespace,
		Status:       StatusConnected,
		ConnectedAt:  now,
		LastSeen:     now,
		ClientInfo:   t.ClientInfo(),
	}
	fields, err := rec.toHash()
	if err != nil {
		return "", datatypes.WrapError(datatypes.KindInternal, err, "encode connection record")
	}

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.keys.conn(rec.ConnectionID), fields)
		p.SAdd(ctx, r.keys.all(), rec.ConnectionID)
		p.SAdd(ctx, r.keys.server(r.cfg.ServerID), rec.ConnectionID)
		return nil
	})
	if err != nil {
		r.cfg.Metrics.RecordRegistration(observability.OutcomeUnavailable)
		return "", datatypes.WrapError(datatypes.KindRegistryUnavailable, err, "write connection record")
	}

	r.mu.Lock()
	r.local[rec.ConnectionID] = t
	n := len(r.local)
	r.mu.Unlock()

	r.cfg.Metrics.RecordRegistration(observability.OutcomeOK)
	r.cfg.Metrics.SetConnections(n)
	r.logger.Info("Connection registered",
		"connection_id", rec.ConnectionID,
		"socket_id", rec.SocketID,
		"address", rec.ClientInfo.Address,
	)
	r.publishStats(ctx)
	return rec.ConnectionID, nil
}

// Unregister removes a connection. Idempotent.
//
// # Description
//
// Deletes the record, both set memberships and any awaiting ping, and forgets
// the local transport. Does not close the transport; callers that own the
// socket close it themselves.
func (r *Registry) Unregister(ctx context.Context, connectionID string) error {
	return r.unregister(ctx, connectionID, observability.ReasonDisconnect)
}

func (r *Registry) unregister(ctx context.Context, connectionID, reason string) error {
	r.mu.Lock()
	_, owned := r.local[connectionID]
	delete(r.local, connectionID)
	n := len(r.local)
	r.mu.Unlock()

	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.keys.conn(connectionID))
		p.SRem(ctx, r.keys.all(), connectionID)
		p.SRem(ctx, r.keys.server(r.cfg.ServerID), connectionID)
		p.HDel(ctx, r.keys.pingAwaiting(), connectionID)
		return nil
	})
	if owned {
		r.cfg.Metrics.SetConnections(n)
		r.cfg.Metrics.RecordEviction(reason)
	}
	if err != nil {
		return datatypes.WrapError(datatypes.KindRegistryUnavailable, err, "remove connection record")
	}
	r.logger.Debug("Connection unregistered", "connection_id", connectionID, "reason", reason)
	r.publishStats(ctx)
	return nil
}

// Get returns the record for connectionID, or nil when it does not exist.
func (r *Registry) Get(ctx context.Context, connectionID string) (*ConnectionRecord, error) {
	h, err := r.client.HGetAll(ctx, r.keys.conn(connectionID)).Result()
	if err != nil {
		return nil, datatypes.WrapError(datatypes.KindRegistryUnavailable, err, "read connection record")
	}
	rec, ok := recordFromHash(connectionID, h)
	if !ok {
		return nil, nil
	}
	return rec, nil
}

// Touch refreshes last_seen and resets status to connected.
//
// # Outputs
//
//   - bool: False if the record no longer exists. A missing record is never
//     recreated.
//   - error: ErrRegistryUnavailable kind.
func (r *Registry) Touch(ctx context.Context, connectionID string) (bool, error) {
	n, err := touchScript.Run(ctx, r.client,
		[]string{r.keys.conn(connectionID)},
		formatMillis(r.cfg.Now()),
	).Int()
	if err != nil {
		return false, datatypes.WrapError(datatypes.KindRegistryUnavailable, err, "touch connection")
	}
	return n == 1, nil
}

// HandlePong clears the awaiting-ping marker and refreshes the record.
func (r *Registry) HandlePong(ctx context.Context, connectionID string) error {
	if err := r.client.HDel(ctx, r.keys.pingAwaiting(), connectionID).Err(); err != nil {
		return datatypes.WrapError(datatypes.KindRegistryUnavailable, err, "clear ping marker")
	}
	_, err := r.Touch(ctx, connectionID)
	return err
}

// SendTo delivers one event to a connection anywhere in the fleet.
//
// # Description
//
// A locally owned socket is written directly. Otherwise the record is
// resolved and the envelope is published to the owning process. On success
// last_seen is refreshed.
//
// # Outputs
//
//   - bool: False when the record is missing, the write failed, no
//     subscriber received the publish, or the store could not confirm the
//     connection is still registered.
func (r *Registry) SendTo(ctx context.Context, connectionID, event string, payload any) bool {
	r.mu.RLock()
	t, ok := r.local[connectionID]
	r.mu.RUnlock()

	if ok {
		if err := t.Send(event, payload); err != nil {
			r.logger.Warn("Local send failed, dropping connection",
				"connection_id", connectionID, "event", event, "error", err)
			r.cfg.Metrics.RecordDelivery(observability.RouteLocal, false)
			_ = t.Close()
			_ = r.unregister(ctx, connectionID, observability.ReasonSendFailed)
			return false
		}
		alive, err := r.Touch(ctx, connectionID)
		delivered := err == nil && alive
		r.cfg.Metrics.RecordDelivery(observability.RouteLocal, delivered)
		return delivered
	}

	rec, err := r.Get(ctx, connectionID)
	if err != nil || rec == nil || rec.ServerID == r.cfg.ServerID {
		r.cfg.Metrics.RecordDelivery(observability.RouteRemote, false)
		return false
	}
	delivered := r.publish(ctx, rec.ServerID, connectionID, event, payload)
	if delivered {
		if _, err := r.Touch(ctx, connectionID); err != nil {
			delivered = false
		}
	}
	r.cfg.Metrics.RecordDelivery(observability.RouteRemote, delivered)
	return delivered
}

// LocalCount returns the number of sockets owned by this process.
func (r *Registry) LocalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.local)
}

func (r *Registry) localIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.local))
	for id := range r.local {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) transport(connectionID string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.local[connectionID]
	return t, ok
}

// =============================================================================
// Cross-process Delivery
// =============================================================================

// envelope is the pub/sub message carrying one remote delivery.
type envelope struct {
	ConnectionID string          `json:"connection_id"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload"`
}

func (r *Registry) publish(ctx context.Context, serverID, connectionID, event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("Failed to encode remote payload", "event", event, "error", err)
		return false
	}
	msg, err := json.Marshal(envelope{ConnectionID: connectionID, Event: event, Payload: data})
	if err != nil {
		return false
	}
	receivers, err := r.client.Publish(ctx, r.keys.deliver(serverID), msg).Result()
	if err != nil {
		r.logger.Warn("Remote publish failed", "target_server", serverID, "error", err)
		return false
	}
	return receivers > 0
}

// Run consumes deliveries addressed to this process until ctx ends.
//
// # Description
//
// Subscribes to this process's delivery channel and writes each envelope to
// the matching local transport. Returns after the subscription is closed.
//
// # Outputs
//
//   - error: Subscription failure. nil on context cancellation.
func (r *Registry) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.keys.deliver(r.cfg.ServerID))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return datatypes.WrapError(datatypes.KindRegistryUnavailable, err, "subscribe to delivery channel")
	}
	r.logger.Info("Delivery subscriber started")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Delivery subscriber stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(ctx, msg.Payload)
		}
	}
}

func (r *Registry) deliver(ctx context.Context, raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		r.logger.Warn("Dropping malformed delivery", "error", err)
		return
	}
	t, ok := r.transport(env.ConnectionID)
	if !ok {
		return
	}
	if err := t.Send(env.Event, env.Payload); err != nil {
		r.logger.Warn("Remote delivery write failed",
			"connection_id", env.ConnectionID, "event", env.Event, "error", err)
		_ = t.Close()
		_ = r.unregister(ctx, env.ConnectionID, observability.ReasonSendFailed)
	}
}

// =============================================================================
// Shutdown
// =============================================================================

// Shutdown stops liveness services, closes every local socket and removes
// its record.
//
// # Outputs
//
//   - error: Joined store errors. Local sockets are closed regardless.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.stopServices()

	var errs []error
	for _, id := range r.localIDs() {
		if t, ok := r.transport(id); ok {
			_ = t.Close()
		}
		if err := r.unregister(ctx, id, observability.ReasonShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.client.Del(ctx, r.keys.stats(r.cfg.ServerID), r.keys.server(r.cfg.ServerID)).Err(); err != nil {
		errs = append(errs, fmt.Errorf("remove server keys: %w", err))
	}
	r.logger.Info("Connection registry shut down")
	return errors.Join(errs...)
}
