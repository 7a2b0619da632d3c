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

import "github.com/redis/go-redis/v9"

// Redis key layout. All keys share a configurable prefix (default "chat"):
//
//	<p>:conn:<connectionId>        hash   one connection record
//	<p>:connections                set    every connection id in the fleet
//	<p>:server:<serverId>:conns    set    connection ids owned by one process
//	<p>:ping_awaiting              hash   connectionId -> ping sent (unix ms)
//	<p>:stats:<serverId>           string ServerStats JSON, expires
//	<p>:deliver:<serverId>         pubsub remote deliveries for one process
const (
	fieldSocketID    = "socket_id"
	fieldServerID    = "server_id"
	fieldNamespace   = "namespace"
	fieldStatus      = "status"
	fieldConnectedAt = "connected_at"
	fieldLastSeen    = "last_seen"
	fieldClientInfo  = "client_info"
)

type keys struct {
	prefix string
}

func (k keys) conn(connectionID string) string { return k.prefix + ":conn:" + connectionID }
func (k keys) all() string                     { return k.prefix + ":connections" }
func (k keys) server(serverID string) string   { return k.prefix + ":server:" + serverID + ":conns" }
func (k keys) pingAwaiting() string            { return k.prefix + ":ping_awaiting" }
func (k keys) stats(serverID string) string    { return k.prefix + ":stats:" + serverID }
func (k keys) statsPattern() string            { return k.prefix + ":stats:*" }
func (k keys) deliver(serverID string) string  { return k.prefix + ":deliver:" + serverID }

// touchScript refreshes last_seen and resets status without recreating a
// record that has already been removed.
//
// KEYS[1] record key; ARGV[1] last_seen millis. Returns 1 if updated.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'last_seen', ARGV[1], 'status', 'connected')
return 1
`)

// statusScript sets status only if last_seen still holds the value the
// caller based its decision on, so a sweep never overwrites fresher traffic.
//
// KEYS[1] record key; ARGV[1] status; ARGV[2] expected last_seen.
var statusScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'last_seen') ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
return 1
`)
