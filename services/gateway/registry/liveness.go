// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/observability"
)

// evictScript removes a record and its memberships if last_seen is
// unchanged since the sweep read it.
//
// KEYS: record, fleet set, owner set, ping hash. ARGV: last_seen, id.
var evictScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'last_seen') ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
redis.call('SREM', KEYS[3], ARGV[2])
redis.call('HDEL', KEYS[4], ARGV[2])
return 1
`)

// minSweepInterval keeps tiny stale thresholds from spinning the sweep.
const minSweepInterval = time.Second

// =============================================================================
// Background Services
// =============================================================================

// service is one ticker-driven background loop.
type service struct {
	name    string
	done    chan struct{}
	stopped chan struct{}
}

func (r *Registry) startService(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) error {
	r.svcMu.Lock()
	defer r.svcMu.Unlock()

	for _, s := range r.services {
		if s.name == name {
			return fmt.Errorf("%s service is already running", name)
		}
	}
	s := &service{name: name, done: make(chan struct{}), stopped: make(chan struct{})}
	r.services = append(r.services, s)

	r.logger.Info("Liveness service starting", "service", name, "interval", interval.String())

	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Liveness service stopped (context cancelled)", "service", name)
				return
			case <-s.done:
				r.logger.Info("Liveness service stopped (stop requested)", "service", name)
				return
			case <-ticker.C:
				tick(ctx)
			}
		}
	}()
	return nil
}

// stopServices signals every loop and waits for the in-flight tick.
func (r *Registry) stopServices() {
	r.svcMu.Lock()
	services := r.services
	r.services = nil
	r.svcMu.Unlock()

	for _, s := range services {
		close(s.done)
	}
	for _, s := range services {
		<-s.stopped
	}
}

// StartPingService broadcasts a ping to every local socket each interval.
//
// # Description
//
// Each ping records an awaiting marker that HandlePong clears. Unless
// Config.IdleAfter was set, interval also becomes the idle threshold used by
// the cleanup sweep.
//
// # Outputs
//
//   - error: Non-nil if the service is already running or interval <= 0.
func (r *Registry) StartPingService(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return datatypes.NewError(datatypes.KindInvalidRequest, "ping interval must be positive")
	}
	r.svcMu.Lock()
	if r.cfg.IdleAfter <= 0 {
		r.cfg.IdleAfter = interval
	}
	r.svcMu.Unlock()

	return r.startService(ctx, "ping", interval, func(ctx context.Context) {
		sent := r.BroadcastPing(ctx)
		if sent > 0 {
			r.logger.Debug("Pings sent", "count", sent)
		}
	})
}

// StartCleanupServices runs the liveness sweep every staleAfter/2.
//
// # Inputs
//
//   - staleAfter: Silence after which a record is flagged stale.
//   - deadAfter: Silence after which a record is evicted. Must exceed
//     staleAfter.
func (r *Registry) StartCleanupServices(ctx context.Context, staleAfter, deadAfter time.Duration) error {
	if staleAfter <= 0 || deadAfter <= staleAfter {
		return datatypes.NewError(datatypes.KindInvalidRequest,
			"cleanup thresholds must satisfy 0 < stale (%s) < dead (%s)", staleAfter, deadAfter)
	}
	interval := staleAfter / 2
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	return r.startService(ctx, "cleanup", interval, func(ctx context.Context) {
		res, err := r.Sweep(ctx, staleAfter, deadAfter)
		if err != nil {
			r.logger.Error("Liveness sweep failed", "error", err)
			return
		}
		if res.Idle+res.Stale+res.Evicted+res.Orphans > 0 {
			r.logger.Info("Liveness sweep completed",
				"scanned", res.Scanned,
				"idle", res.Idle,
				"stale", res.Stale,
				"evicted", res.Evicted,
				"orphans", res.Orphans,
			)
		}
	})
}

// =============================================================================
// Ping
// =============================================================================

// BroadcastPing sends one ping to each local socket and returns how many
// writes succeeded. A failed write closes and unregisters the socket.
func (r *Registry) BroadcastPing(ctx context.Context) int {
	now := r.cfg.Now()
	msg := datatypes.PingMessage{
		Type:      "ping",
		Timestamp: float64(now.UnixMilli()) / 1000,
	}
	sent := 0
	for _, id := range r.localIDs() {
		t, ok := r.transport(id)
		if !ok {
			continue
		}
		if err := t.Send(datatypes.EventPing, msg); err != nil {
			r.logger.Debug("Ping write failed", "connection_id", id, "error", err)
			_ = t.Close()
			_ = r.unregister(ctx, id, observability.ReasonSendFailed)
			continue
		}
		if err := r.client.HSet(ctx, r.keys.pingAwaiting(), id, formatMillis(now)).Err(); err != nil {
			r.logger.Warn("Failed to record ping marker", "connection_id", id, "error", err)
		}
		sent++
	}
	r.cfg.Metrics.RecordPings(sent)
	return sent
}

// =============================================================================
// Sweep
// =============================================================================

// Sweep runs one cleanup pass over every record in the fleet.
//
// # Description
//
// Ages each record by now - last_seen:
//   - >= deadAfter: evicted. A local socket is closed first.
//   - >= staleAfter: status set to stale.
//   - >= idle threshold: status set to idle if still connected.
//
// Status writes and evictions only apply if last_seen has not moved since
// the record was read. Fleet set entries without a record, and local
// transports whose record vanished, are dropped as orphans. Records owned by
// crashed processes age out the same way since any process may sweep them.
//
// # Outputs
//
//   - SweepResult: Counts for this pass.
//   - error: ErrRegistryUnavailable kind if the fleet set cannot be read.
func (r *Registry) Sweep(ctx context.Context, staleAfter, deadAfter time.Duration) (SweepResult, error) {
	var res SweepResult

	ids, err := r.client.SMembers(ctx, r.keys.all()).Result()
	if err != nil {
		return res, datatypes.WrapError(datatypes.KindRegistryUnavailable, err, "list connections")
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	for _, id := range r.localIDs() {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	res.Scanned = len(ids)
	if len(ids) == 0 {
		r.publishStats(ctx)
		return res, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	if _, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, r.keys.conn(id))
		}
		return nil
	}); err != nil {
		return res, datatypes.WrapError(datatypes.KindRegistryUnavailable, err, "read connection records")
	}

	now := r.cfg.Now()
	idleAfter := r.idleAfter()

	for i, id := range ids {
		rec, ok := recordFromHash(id, cmds[i].Val())
		if !ok {
			r.dropOrphan(ctx, id)
			res.Orphans++
			continue
		}

		age := now.Sub(rec.LastSeen)
		switch {
		case age >= deadAfter:
			if r.evict(ctx, rec) {
				res.Evicted++
			}
		case age >= staleAfter:
			if rec.Status != StatusStale && r.setStatus(ctx, rec, StatusStale) {
				res.Stale++
			}
		case age >= idleAfter:
			if rec.Status == StatusConnected && r.setStatus(ctx, rec, StatusIdle) {
				res.Idle++
			}
		}
	}

	r.publishStats(ctx)
	return res, nil
}

func (r *Registry) idleAfter() time.Duration {
	r.svcMu.Lock()
	defer r.svcMu.Unlock()
	if r.cfg.IdleAfter > 0 {
		return r.cfg.IdleAfter
	}
	return DefaultConfig().IdleAfter
}

func (r *Registry) setStatus(ctx context.Context, rec *ConnectionRecord, status Status) bool {
	n, err := statusScript.Run(ctx, r.client,
		[]string{r.keys.conn(rec.ConnectionID)},
		string(status), rec.lastSeenRaw,
	).Int()
	if err != nil {
		r.logger.Warn("Failed to update connection status",
			"connection_id", rec.ConnectionID, "status", status, "error", err)
		return false
	}
	return n == 1
}

func (r *Registry) evict(ctx context.Context, rec *ConnectionRecord) bool {
	n, err := evictScript.Run(ctx, r.client,
		[]string{
			r.keys.conn(rec.ConnectionID),
			r.keys.all(),
			r.keys.server(rec.ServerID),
			r.keys.pingAwaiting(),
		},
		rec.lastSeenRaw, rec.ConnectionID,
	).Int()
	if err != nil {
		r.logger.Warn("Failed to evict connection", "connection_id", rec.ConnectionID, "error", err)
		return false
	}
	if n == 0 {
		return false
	}

	r.logger.Info("Evicted dead connection",
		"connection_id", rec.ConnectionID,
		"owner", rec.ServerID,
		"status", StatusDead,
		"last_seen", rec.LastSeen,
	)
	r.forgetLocal(rec.ConnectionID, observability.ReasonDead)
	return true
}

// dropOrphan clears a fleet set entry with no record and closes a local
// socket whose record was removed elsewhere.
func (r *Registry) dropOrphan(ctx context.Context, connectionID string) {
	if err := r.client.SRem(ctx, r.keys.all(), connectionID).Err(); err != nil {
		r.logger.Warn("Failed to drop orphan", "connection_id", connectionID, "error", err)
	}
	_ = r.client.SRem(ctx, r.keys.server(r.cfg.ServerID), connectionID).Err()
	r.forgetLocal(connectionID, observability.ReasonDead)
}

// forgetLocal closes and forgets a local transport, if this process owns one.
func (r *Registry) forgetLocal(connectionID, reason string) {
	r.mu.Lock()
	t, ok := r.local[connectionID]
	delete(r.local, connectionID)
	n := len(r.local)
	r.mu.Unlock()
	if !ok {
		return
	}
	_ = t.Close()
	r.cfg.Metrics.SetConnections(n)
	r.cfg.Metrics.RecordEviction(reason)
}
