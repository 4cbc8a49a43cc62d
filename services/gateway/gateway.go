// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway assembles the portal gateway from its parts.
//
// # Description
//
// New opens the subscription store, initializes the VAPID identity, builds
// the dispatcher, live hub, sweeper and upstream proxy, and registers every
// route. Push is optional: when the VAPID settings are missing or invalid the
// problem is logged once, push routes answer 503, and everything else keeps
// working.
//
// # Thread Safety
//
// A Service is started once with Run and then closed once with Close.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/serenecare/portal-gateway/services/gateway/config"
	"github.com/serenecare/portal-gateway/services/gateway/handlers"
	"github.com/serenecare/portal-gateway/services/gateway/middleware"
	"github.com/serenecare/portal-gateway/services/gateway/observability"
	"github.com/serenecare/portal-gateway/services/gateway/routes"
	"github.com/serenecare/portal-gateway/services/gateway/telemetry"
	"github.com/serenecare/portal-gateway/services/push/dispatch"
	"github.com/serenecare/portal-gateway/services/push/live"
	"github.com/serenecare/portal-gateway/services/push/registry"
	"github.com/serenecare/portal-gateway/services/push/sweep"
	"github.com/serenecare/portal-gateway/services/push/vapid"
)

// ServiceName identifies the gateway in traces and logs.
const ServiceName = "portal-gateway"

// Version is stamped at build time with -ldflags.
var Version = "dev"

const shutdownTimeout = 10 * time.Second

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStore injects a subscription store instead of opening the configured
// backend. The Service does not close an injected store.
func WithStore(store registry.Store) Option {
	return func(s *Service) { s.injected = store }
}

// Service is a fully wired gateway.
type Service struct {
	cfg    config.Config
	logger *slog.Logger

	injected registry.Store
	store    registry.Store

	metrics    *observability.Metrics
	dispatcher *dispatch.Dispatcher
	hub        *live.Hub
	sweeper    *sweep.Sweeper
	audit      *sweep.AuditLog
	router     *gin.Engine

	shutdownTracer telemetry.ShutdownFunc
}

// New validates cfg and builds a Service.
//
// # Outputs
//
//	*Service - Ready to Run. Caller must Close it.
//	error - Invalid configuration or a store, audit log or tracer that
//	        cannot be opened. VAPID problems are not errors.
func New(ctx context.Context, cfg config.Config, opts ...Option) (svc *Service, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.shutdownTracer, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName:    ServiceName,
		ServiceVersion: Version,
		Endpoint:       cfg.OTelEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	if s.store, err = s.openStore(); err != nil {
		return nil, err
	}

	s.metrics = observability.New()
	s.dispatcher = s.buildDispatcher()
	s.hub = live.NewHub(live.WithLogger(s.logger), live.WithCheckOrigin(s.checkOrigin))

	if cfg.Sweep.Interval > 0 {
		sweepOpts := []sweep.Option{sweep.WithRecorder(s.metrics), sweep.WithLogger(s.logger)}
		if cfg.Sweep.AuditPath != "" {
			if s.audit, err = sweep.OpenAuditLog(cfg.Sweep.AuditPath); err != nil {
				return nil, err
			}
			sweepOpts = append(sweepOpts, sweep.WithAuditLog(s.audit))
		}
		s.sweeper = sweep.New(s.store, sweep.Config{
			Interval: cfg.Sweep.Interval,
			MaxAge:   cfg.Sweep.MaxAge,
		}, sweepOpts...)
	}

	proxy, err := handlers.NewProxy(handlers.ProxyConfig{
		BaseURL:        cfg.APIBaseURL,
		Timeout:        cfg.UpstreamTimeout,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Recorder:       s.metrics,
		Logger:         s.logger,
	})
	if err != nil {
		return nil, err
	}

	push := handlers.NewPushHandler(handlers.PushDeps{
		Store:        s.store,
		Dispatcher:   s.dispatcher,
		Hub:          s.hub,
		PortalOrigin: cfg.PortalOrigin,
		Recorder:     s.metrics,
		Logger:       s.logger,
	})

	gin.SetMode(cfg.GinMode)
	s.router = gin.New()
	s.router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.RequestLogger(s.logger),
		otelgin.Middleware(ServiceName),
	)
	routes.SetupRoutes(s.router, routes.Deps{
		Store:          s.store,
		Push:           push,
		Proxy:          proxy,
		Metrics:        s.metrics.Handler(),
		IdentityCookie: cfg.IdentityCookie,
		InternalAPIKey: cfg.InternalAPIKey,
		CORSOrigin:     cfg.CORSAllowOrigin,
	})

	s.logger.Info("gateway.ready",
		"version", Version,
		"push", push.Enabled(),
		"store", cfg.Store.Backend,
		"sweep", s.sweeper != nil,
		"tracing", cfg.OTelEndpoint != "")
	return s, nil
}

func (s *Service) openStore() (registry.Store, error) {
	if s.injected != nil {
		return s.injected, nil
	}
	switch s.cfg.Store.Backend {
	case config.StoreMemory:
		s.logger.Warn("gateway.store.memory", "detail", "subscriptions are lost on restart")
		return registry.NewMemoryStore(registry.WithLogger(s.logger)), nil
	default:
		store, err := registry.OpenBadgerStore(registry.DefaultBadgerConfig(s.cfg.Store.Path), registry.WithLogger(s.logger))
		if err != nil {
			return nil, fmt.Errorf("open subscription store: %w", err)
		}
		return store, nil
	}
}

// buildDispatcher returns nil when push cannot be enabled.
func (s *Service) buildDispatcher() *dispatch.Dispatcher {
	if !s.cfg.PushConfigured() {
		s.logger.Warn("push.disabled", "reason", "VAPID keys not configured")
		return nil
	}

	identity, err := vapid.NewSigner(vapid.WithLogger(s.logger)).Initialize(s.cfg.VAPID.PublicKey, s.cfg.VAPID.PrivateKey, s.cfg.VAPID.Contact)
	if err != nil {
		var cfgErr *vapid.ConfigError
		if errors.As(err, &cfgErr) {
			s.logger.Error("push.disabled", "field", cfgErr.Field, "reason", cfgErr.Reason)
		} else {
			s.logger.Error("push.disabled", "error", err)
		}
		return nil
	}

	push := s.cfg.Push
	d, err := dispatch.New(identity, dispatch.Config{
		Retry: dispatch.RetryConfig{
			MaxAttempts:    push.RetryAttempts,
			InitialBackoff: push.InitialBackoff,
			MaxBackoff:     push.MaxBackoff,
			BackoffFactor:  2.0,
			JitterFactor:   0.2,
		},
		RatePerSecond:  push.RatePerSecond,
		MaxConcurrency: push.MaxConcurrency,
		DefaultTTL:     push.TTL,
	}, dispatch.WithLogger(s.logger), dispatch.WithRecorder(s.metrics))
	if err != nil {
		s.logger.Error("push.disabled", "error", err)
		return nil
	}
	return d
}

// checkOrigin admits socket upgrades from the portal and from non-browser
// clients that send no Origin.
func (s *Service) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || origin == s.cfg.PortalOrigin
}

// Handler exposes the router, mainly for tests.
func (s *Service) Handler() http.Handler {
	return s.router
}

// PushEnabled reports whether a dispatcher was built.
func (s *Service) PushEnabled() bool {
	return s.dispatcher != nil
}

// Run serves on the configured port and starts the sweeper. It returns when
// ctx is cancelled and in-flight requests have drained, or when the listener
// fails.
func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.sweeper != nil {
		if err := s.sweeper.Start(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("gateway.listen", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("gateway.shutdown")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close stops background work and releases the store, audit log and tracer.
// Safe to call on a partially built Service.
func (s *Service) Close() error {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}

	var errs []error
	if s.store != nil && s.injected == nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit log: %w", err))
		}
	}
	if s.shutdownTracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.shutdownTracer(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	if s.dispatcher != nil {
		vapid.Purge()
	}
	return errors.Join(errs...)
}
