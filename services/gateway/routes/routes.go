// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/registry"
	"github.com/AleutianAI/AleutianChat/services/gateway/tasks"
)

// healthTimeout bounds the dependency probe behind /health.
const healthTimeout = 2 * time.Second

// ConnectionStatsSource is the part of the connection registry the stats
// route reads.
type ConnectionStatsSource interface {
	Stats(ctx context.Context) (registry.ConnectionStats, error)
}

// TaskStatsSource is the part of the task registry the stats route reads.
type TaskStatsSource interface {
	GlobalStats() tasks.GlobalStats
}

// Deps are the handlers and data sources the routes expose.
type Deps struct {
	// Handshake authenticates /v1/chat/ws before Socket runs.
	Handshake gin.HandlerFunc
	Socket    gin.HandlerFunc

	Connections ConnectionStatsSource
	Tasks       TaskStatsSource

	// Metrics serves /metrics. Omitted when nil.
	Metrics http.Handler

	// Ping probes the shared store for /health. Omitted when nil.
	Ping func(ctx context.Context) error

	Logger *slog.Logger
}

// SetupRoutes registers the gateway's HTTP surface.
//
//	GET /health         liveness plus shared store reachability
//	GET /metrics        Prometheus exposition
//	GET /v1/stats       fleet connection stats and this process's task stats
//	GET /v1/chat/ws     authenticated chat socket
func SetupRoutes(router *gin.Engine, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router.GET("/health", healthCheck(deps.Ping))
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	v1 := router.Group("/v1")
	{
		v1.GET("/stats", stats(deps.Connections, deps.Tasks, logger))
		v1.GET("/chat/ws", deps.Handshake, deps.Socket)
	}
}

func healthCheck(ping func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
			defer cancel()
			if err := ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":     "degraded",
					"error_type": string(datatypes.KindRegistryUnavailable),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func stats(connections ConnectionStatsSource, taskStats TaskStatsSource, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := connections.Stats(c.Request.Context())
		if err != nil {
			logger.Warn("Connection stats unavailable", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":      datatypes.ClientMessage(err),
				"error_type": string(datatypes.KindOf(err)),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"connections": conn,
			"tasks":       taskStats.GlobalStats(),
		})
	}
}
