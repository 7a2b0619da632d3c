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
	"encoding/json"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
)

// publishStats writes this process's snapshot. Failures are logged only;
// stats are advisory.
func (r *Registry) publishStats(ctx context.Context) {
	n := r.LocalCount()
	snap := ServerStats{
		ServerID:         r.cfg.ServerID,
		LastUpdated:      float64(r.cfg.Now().UnixMilli()) / 1000,
		LocalSockets:     n,
		LocalConnections: n,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, r.keys.stats(r.cfg.ServerID), data, r.cfg.StatsTTL).Err(); err != nil {
		r.logger.Debug("Failed to publish server stats", "error", err)
	}
}

// Stats aggregates presence across the fleet.
//
// # Description
//
// Reads the fleet and local counts, the awaiting-ping count and every
// unexpired ServerStats snapshot. Snapshots are sorted by server ID.
//
// # Outputs
//
//   - ConnectionStats: Fleet aggregate.
//   - error: ErrRegistryUnavailable kind.
func (r *Registry) Stats(ctx context.Context) (ConnectionStats, error) {
	stats := ConnectionStats{
		ServerID:       r.cfg.ServerID,
		LocalSockets:   r.LocalCount(),
		MaxConnections: r.cfg.MaxConnections,
		ServerStats:    []ServerStats{},
	}

	var (
		total, local, awaiting *redis.IntCmd
	)
	if _, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		total = p.SCard(ctx, r.keys.all())
		local = p.SCard(ctx, r.keys.server(r.cfg.ServerID))
		awaiting = p.HLen(ctx, r.keys.pingAwaiting())
		return nil
	}); err != nil {
		return stats, datatypes.WrapError(datatypes.KindRegistryUnavailable, err, "read connection counts")
	}
	stats.TotalConnections = total.Val()
	stats.LocalConnections = local.Val()
	stats.PingAwaiting = awaiting.Val()

	var statKeys []string
	iter := r.client.Scan(ctx, 0, r.keys.statsPattern(), 100).Iterator()
	for iter.Next(ctx) {
		statKeys = append(statKeys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return stats, datatypes.WrapError(datatypes.KindRegistryUnavailable, err, "scan server stats")
	}

	if len(statKeys) > 0 {
		vals, err := r.client.MGet(ctx, statKeys...).Result()
		if err != nil {
			return stats, datatypes.WrapError(datatypes.KindRegistryUnavailable, err, "read server stats")
		}
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var snap ServerStats
			if err := json.Unmarshal([]byte(s), &snap); err != nil {
				continue
			}
			stats.ServerStats = append(stats.ServerStats, snap)
		}
		sort.Slice(stats.ServerStats, func(i, j int) bool {
			return stats.ServerStats[i].ServerID < stats.ServerStats[j].ServerID
		})
	}

	if stats.MaxConnections > 0 {
		stats.UtilizationPercent = float64(stats.TotalConnections) / float64(stats.MaxConnections) * 100
	}
	return stats, nil
}
