// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway assembles the real-time chat gateway service.
//
// The gateway accepts authenticated WebSocket connections, keeps a
// fleet-wide presence table for them in Redis, runs each socket's prompts
// as cancellable tasks and relays the generation service's streamed output
// back to the client.
//
//	client ──ws──► HandshakeAuth ──► ChatSocket ──► Session ──► EventRouter
//	                  │                                │            │
//	                  ▼                                ▼            ▼
//	           JWT + revocation              ConnectionRegistry  TaskManager ──► Relay ──► generation service
//	               (Redis)                        (Redis)            │
//	                                                                 ▼
//	                                                          conversation store (badger)
//
// # Usage
//
//	cfg, _ := config.Load(path)
//	svc, err := gateway.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = svc.Run(ctx) // blocks until ctx is cancelled
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/services/gateway/config"
	"github.com/AleutianAI/AleutianChat/services/gateway/handlers"
	"github.com/AleutianAI/AleutianChat/services/gateway/middleware"
	"github.com/AleutianAI/AleutianChat/services/gateway/observability"
	"github.com/AleutianAI/AleutianChat/services/gateway/persistence"
	"github.com/AleutianAI/AleutianChat/services/gateway/registry"
	"github.com/AleutianAI/AleutianChat/services/gateway/relay"
	"github.com/AleutianAI/AleutianChat/services/gateway/routes"
	"github.com/AleutianAI/AleutianChat/services/gateway/tasks"
)

// ServiceName labels traces and logs.
const ServiceName = "chat-gateway"

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the gateway lifecycle.
//
// # Thread Safety
//
// Run blocks and must be called at most once.
type Service interface {
	// Run serves until ctx is cancelled or a component fails, then shuts
	// down every component. Returns nil after a clean cancellation.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine, for tests.
	Router() *gin.Engine
}

// Options override components New would otherwise build from config. A nil
// *Options uses config for everything.
type Options struct {
	// Redis replaces the client built from cfg.Redis.URL. The caller keeps
	// ownership and closes it.
	Redis redis.UniversalClient

	// Auth replaces the JWT provider.
	Auth extensions.AuthProvider

	// Logger replaces the logger built from cfg.Log. The caller closes it.
	Logger *logging.Logger

	// ConfigPath, when set, is watched and log.level changes are applied
	// without a restart.
	ConfigPath string
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	cfg  config.Config
	opts Options

	logging *logging.Logger
	logger  *slog.Logger

	redis     redis.UniversalClient
	ownsRedis bool
	ownsLog   bool

	metrics  *observability.Metrics
	store    *persistence.BadgerStore
	registry *registry.Registry
	tasks    *tasks.Registry
	socket   *handlers.ChatSocket
	auth     extensions.AuthProvider
	router   *gin.Engine

	tracerCleanup func(context.Context)
}

// New builds every component from cfg.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Invalid config or a component that could not be built. Anything
//     already built is released.
func New(cfg config.Config, opts *Options) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &service{cfg: cfg}
	if opts != nil {
		s.opts = *opts
	}

	s.initLogger()

	if err := s.build(); err != nil {
		s.cleanup()
		return nil, err
	}
	return s, nil
}

func (s *service) build() error {
	cleanup, err := s.initTracer()
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if err := s.initRedis(); err != nil {
		return err
	}

	s.metrics = observability.New(prometheus.NewRegistry())

	if err := s.initStore(); err != nil {
		return err
	}

	s.registry = registry.New(s.redis, registry.Config{
		ServerID:       s.cfg.Registry.ServerID,
		KeyPrefix:      s.cfg.Registry.KeyPrefix,
		MaxConnections: s.cfg.Registry.MaxConnections,
		StatsTTL:       s.cfg.Registry.StatsTTL,
		Logger:         s.logger,
		Metrics:        s.metrics,
	})

	if err := s.initAuth(); err != nil {
		return err
	}

	s.tasks = tasks.NewRegistry(tasks.Config{
		MaxTasks:       s.cfg.Tasks.MaxPerSession,
		DefaultTimeout: s.cfg.Tasks.DefaultTimeout,
		SettleTimeout:  s.cfg.Tasks.SettleTimeout,
		Logger:         s.logger,
		Metrics:        s.metrics,
	})

	s.initRouter()
	return nil
}

func (s *service) initLogger() {
	if s.opts.Logger != nil {
		s.logging = s.opts.Logger
	} else {
		level, _ := logging.ParseLevel(s.cfg.Log.Level)
		s.logging = logging.New(logging.Config{
			Level:   level,
			LogDir:  s.cfg.Log.Dir,
			Service: ServiceName,
			Format:  logging.Format(s.cfg.Log.Format),
		})
		s.ownsLog = true
	}
	s.logger = s.logging.Slog()
}

// initTracer installs the global tracer provider. With exporter "none" the
// default no-op provider stays in place.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	var exporter sdktrace.SpanExporter
	switch s.cfg.Telemetry.Exporter {
	case "otlp":
		conn, err := grpc.NewClient(s.cfg.Telemetry.OTLPEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
	case "stdout":
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	default:
		return func(context.Context) {}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.cfg.Telemetry.SampleRatio))),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown tracer provider", "error", err)
		}
	}, nil
}

func (s *service) initRedis() error {
	if s.opts.Redis != nil {
		s.redis = s.opts.Redis
		return nil
	}
	opt, err := redis.ParseURL(s.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	s.redis = redis.NewClient(opt)
	s.ownsRedis = true
	return nil
}

func (s *service) initStore() error {
	badgerCfg := persistence.DefaultBadgerConfig(s.cfg.Store.DataDir)
	if s.cfg.Store.InMemory {
		badgerCfg = persistence.InMemoryBadgerConfig()
	}
	badgerCfg.Logger = s.logger

	store, err := persistence.OpenBadgerStore(badgerCfg)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	s.store = store
	return nil
}

func (s *service) initAuth() error {
	switch {
	case s.opts.Auth != nil:
		s.auth = s.opts.Auth
	case s.cfg.Auth.Disabled:
		s.logger.Warn("Handshake authentication disabled, every socket is the local user")
		s.auth = &extensions.NopAuthProvider{}
	default:
		revocations := middleware.NewRedisRevocationList(s.redis, s.cfg.Auth.RevocationPrefix)
		provider, err := extensions.NewJWTProvider([]byte(s.cfg.Auth.JWTSecret),
			extensions.WithRevocationList(revocations))
		if err != nil {
			return fmt.Errorf("failed to initialize JWT provider: %w", err)
		}
		s.auth = provider
	}
	return nil
}

func (s *service) initRouter() {
	streamer := relay.New(relay.Config{
		BaseURL:          s.cfg.Upstream.BaseURL,
		FailureThreshold: s.cfg.Upstream.FailureThreshold,
		BreakerDelay:     s.cfg.Upstream.BreakerDelay,
		Logger:           s.logger,
		Metrics:          s.metrics,
	})

	eventRouter := handlers.NewEventRouter(handlers.RouterConfig{
		Tasks:         s.tasks,
		Relay:         streamer,
		Store:         s.store,
		PromptTimeout: s.cfg.Tasks.PromptTimeout,
		TitleTimeout:  s.cfg.Tasks.TitleTimeout,
		RateLimit:     s.cfg.Events.RateLimit,
		Burst:         s.cfg.Events.Burst,
		Logger:        s.logger,
		Metrics:       s.metrics,
	})

	s.socket = handlers.NewChatSocket(handlers.SocketConfig{
		Registry:        s.registry,
		Store:           s.store,
		Router:          eventRouter,
		Namespace:       s.cfg.Registry.Namespace,
		MaxMessageBytes: s.cfg.Events.MaxMessageBytes,
		AllowedOrigins:  s.cfg.Server.AllowedOrigins,
		Logger:          s.logger,
		Metrics:         s.metrics,
	})

	gin.SetMode(s.cfg.Server.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery(), otelgin.Middleware(ServiceName))

	routes.SetupRoutes(s.router, routes.Deps{
		Handshake:   middleware.HandshakeAuth(s.auth, s.metrics, s.logger),
		Socket:      s.socket.Handle,
		Connections: s.registry,
		Tasks:       s.tasks,
		Metrics:     s.metrics.Handler(),
		Ping:        func(ctx context.Context) error { return s.redis.Ping(ctx).Err() },
		Logger:      s.logger,
	})
}

// Run starts the background services and the HTTP server.
//
// # Description
//
// Components run in one errgroup. The first to fail, or ctx ending, stops
// the rest: the HTTP server drains, every local socket is closed (which
// cancels its tasks) and its presence record removed, the socket handlers
// and task bodies are awaited, then the store, auth provider, Redis client
// and tracer are released.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	g, gctx := errgroup.WithContext(ctx)

	if err := s.registry.StartPingService(gctx, s.cfg.Registry.PingInterval); err != nil {
		return err
	}
	if err := s.registry.StartCleanupServices(gctx, s.cfg.Registry.StaleAfter, s.cfg.Registry.DeadAfter); err != nil {
		return err
	}
	s.tasks.StartStatsReporter(gctx, s.cfg.Tasks.StatsInterval)

	g.Go(func() error { return s.registry.Run(gctx) })

	if s.opts.ConfigPath != "" {
		watcher, err := config.NewWatcher(s.opts.ConfigPath, config.DefaultDebounce, s.logger, s.applyReload)
		if err != nil {
			s.logger.Warn("Config hot reload unavailable", "error", err)
		} else {
			g.Go(func() error { return watcher.Run(gctx) })
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		s.logger.Info("Starting chat gateway", "port", s.cfg.Server.Port, "server_id", s.registry.ServerID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(srv)
	})

	return g.Wait()
}

func (s *service) shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down chat gateway")
	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.registry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("registry shutdown: %w", err))
	}
	// Hijacked sockets outlive srv.Shutdown. Their teardown and any task
	// still writing to the store must end before cleanup closes it.
	if err := s.socket.Wait(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.tasks.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("task shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// applyReload applies the settings that can change without a restart.
func (s *service) applyReload(cfg config.Config) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return
	}
	before := s.logging.Level()
	s.logging.SetLevel(level)
	if s.logging.Level() != before {
		s.logger.Info("Log level changed", "level", level.String())
	}
}

func (s *service) cleanup() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("Conversation store close error", "error", err)
		}
	}
	if closer, ok := s.auth.(interface{ Close() }); ok {
		closer.Close()
	}
	if s.ownsRedis && s.redis != nil {
		_ = s.redis.Close()
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	if s.ownsLog {
		_ = s.logging.Close()
	}
}

// Router returns the configured Gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

var _ Service = (*service)(nil)
