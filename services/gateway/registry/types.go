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
	"encoding/json"
	"strconv"
	"time"
)

// =============================================================================
// Connection Status
// =============================================================================

// Status is the liveness state of a connection record.
type Status string

const (
	// StatusConnected: traffic or a pong was seen within the idle window.
	StatusConnected Status = "connected"

	// StatusIdle: no traffic for longer than one ping interval.
	StatusIdle Status = "idle"

	// StatusStale: no traffic for longer than the stale threshold. The
	// connection is still counted but flagged.
	StatusStale Status = "stale"

	// StatusDead: past the dead threshold. Records in this state are evicted
	// in the same sweep that observes it.
	StatusDead Status = "dead"
)

// =============================================================================
// Transport
// =============================================================================

// ClientInfo describes the remote end of a socket.
type ClientInfo struct {
	Address   string `json:"address"`
	UserAgent string `json:"userAgent,omitempty"`
	Referer   string `json:"referer,omitempty"`
}

// Transport is the live socket a connection record points at.
//
// # Description
//
// Implemented by the WebSocket adapter in the handlers package and by fakes
// in tests. The registry only ever writes to a Transport owned by the local
// process.
//
// # Thread Safety
//
// Send and Close must be safe for concurrent use.
type Transport interface {
	// SocketID is the transport-local identifier.
	SocketID() string

	// ClientInfo returns handshake metadata about the peer.
	ClientInfo() ClientInfo

	// Send writes one event frame. payload is JSON-encoded by the transport.
	Send(event string, payload any) error

	// Close terminates the socket. Safe to call more than once.
	Close() error
}

// =============================================================================
// Records
// =============================================================================

// ConnectionRecord is the presence entry for one live socket.
type ConnectionRecord struct {
	ConnectionID string     `json:"connection_id"`
	SocketID     string     `json:"socket_id"`
	ServerID     string     `json:"server_id"`
	Namespace    string     `json:"namespace"`
	Status       Status     `json:"status"`
	ConnectedAt  time.Time  `json:"connected_at"`
	LastSeen     time.Time  `json:"last_seen"`
	ClientInfo   ClientInfo `json:"client_info"`

	// lastSeenRaw is the stored last_seen field, kept for compare-and-set
	// status updates.
	lastSeenRaw string
}

// toHash flattens the record into hash fields. Every field is written so a
// register replaces the full record.
func (r *ConnectionRecord) toHash() (map[string]any, error) {
	info, err := json.Marshal(r.ClientInfo)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		fieldSocketID:    r.SocketID,
		fieldServerID:    r.ServerID,
		fieldNamespace:   r.Namespace,
		fieldStatus:      string(r.Status),
		fieldConnectedAt: formatMillis(r.ConnectedAt),
		fieldLastSeen:    formatMillis(r.LastSeen),
		fieldClientInfo:  string(info),
	}, nil
}

// recordFromHash rebuilds a record; ok is false for an empty or corrupt hash.
func recordFromHash(connectionID string, h map[string]string) (*ConnectionRecord, bool) {
	if len(h) == 0 {
		return nil, false
	}
	serverID := h[fieldServerID]
	if serverID == "" {
		return nil, false
	}
	rec := &ConnectionRecord{
		ConnectionID: connectionID,
		SocketID:     h[fieldSocketID],
		ServerID:     serverID,
		Namespace:    h[fieldNamespace],
		Status:       Status(h[fieldStatus]),
		ConnectedAt:  parseMillis(h[fieldConnectedAt]),
		LastSeen:     parseMillis(h[fieldLastSeen]),
		lastSeenRaw:  h[fieldLastSeen],
	}
	if raw := h[fieldClientInfo]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &rec.ClientInfo)
	}
	return rec, true
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// =============================================================================
// Statistics
// =============================================================================

// ServerStats is the snapshot one process publishes about itself.
type ServerStats struct {
	ServerID         string  `json:"server_id"`
	LastUpdated      float64 `json:"last_updated"`
	LocalSockets     int     `json:"local_sockets"`
	LocalConnections int     `json:"local_connections"`
}

// ConnectionStats is the cluster-wide aggregate returned by Stats.
type ConnectionStats struct {
	ServerID           string        `json:"server_id"`
	PingAwaiting       int64         `json:"ping_awaiting"`
	LocalSockets       int           `json:"local_sockets"`
	MaxConnections     int           `json:"max_connections"`
	TotalConnections   int64         `json:"total_connections"`
	LocalConnections   int64         `json:"local_connections"`
	ServerStats        []ServerStats `json:"server_stats"`
	UtilizationPercent float64       `json:"utilization_percent"`
}

// SweepResult summarizes one cleanup pass.
type SweepResult struct {
	Scanned int
	Idle    int
	Stale   int
	Evicted int
	Orphans int
}
