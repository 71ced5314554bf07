// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

// Package gateway wires the provider-routing service: adapter registry,
// router, usage pipeline, rate limiter, and the HTTP surface that
// exposes them.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"agentworks/gateway/byoa"
	"agentworks/gateway/cache"
	"agentworks/gateway/config"
	"agentworks/gateway/health"
	"agentworks/gateway/llm"
	"agentworks/gateway/llm/anthropic"
	"agentworks/gateway/llm/elevenlabs"
	"agentworks/gateway/llm/gemini"
	"agentworks/gateway/llm/openai"
	"agentworks/gateway/pricing"
	"agentworks/gateway/ratelimit"
	"agentworks/gateway/shared/logger"
	"agentworks/gateway/usage"
)

// Server holds the assembled gateway and its HTTP surface.
type Server struct {
	cfg      *config.Config
	router   *llm.Router
	executor *byoa.Executor
	voice    *elevenlabs.Adapter
	store    *cache.Store
	table    *pricing.Table
	tracker  *usage.Tracker
	limiter  *ratelimit.Limiter
	healthT  *health.Tracker
	log      *logger.Logger
}

// Run assembles the gateway from configuration and serves it until
// SIGINT or SIGTERM.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	srv, aggregator, cleanup, err := build(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go aggregator.Run(ctx)

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}).Handler(srv.routes())

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // Streaming responses manage their own deadlines
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		srv.log.Info("", "", "Gateway listening", map[string]interface{}{"port": cfg.Port})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		srv.log.Info("", "", "Shutting down", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

// build assembles every component from configuration. The cache store
// and billing recorder are optional: the gateway starts degraded
// without them rather than refusing to serve.
func build(cfg *config.Config) (*Server, *usage.Aggregator, func(), error) {
	log := logger.New("gateway")

	store, err := cache.New(cfg.RedisURL)
	if err != nil {
		// A nil store is a valid degraded mode: the limiter fails open
		// and usage aggregation skips ticks until the cache returns.
		log.Warn("", "", "Cache unavailable, starting degraded", map[string]interface{}{"error": err.Error()})
		store = nil
	}

	var recorder *usage.Recorder
	if cfg.DatabaseDSN != "" {
		recorder, err = usage.OpenRecorder(cfg.DatabaseDSN)
		if err != nil {
			log.Warn("", "", "Billing database unavailable, usage events will not be persisted", map[string]interface{}{"error": err.Error()})
			recorder = nil
		}
	}

	tracker := usage.NewTracker(store, recorder)
	aggregator := usage.NewAggregator(store, tracker,
		usage.WithInterval(cfg.Usage.Interval),
		usage.WithBatchSize(cfg.Usage.BatchSize),
	)
	healthTracker := health.NewTracker(store)
	limiter := ratelimit.NewLimiter(store)

	registry := llm.NewRegistry()
	if err := registerAdapters(registry, cfg); err != nil {
		return nil, nil, nil, err
	}

	table := pricing.LoadFromEnv()
	router := llm.NewRouter(registry, table,
		llm.WithUsageTracker(tracker),
		llm.WithHealthTracker(healthTracker),
		llm.WithFailureThreshold(cfg.FailureThreshold),
	)

	var executor *byoa.Executor
	if cfg.BYOA.APIBaseURL != "" && cfg.BYOA.Secret != "" {
		resolver, err := byoa.NewResolver(byoa.Config{
			BaseURL: cfg.BYOA.APIBaseURL,
			Secret:  cfg.BYOA.Secret,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		executor = byoa.NewExecutor(resolver, tracker)
	}

	var voice *elevenlabs.Adapter
	if cfg.Providers.ElevenLabsKey != "" {
		voice, err = elevenlabs.New(elevenlabs.Config{APIKey: cfg.Providers.ElevenLabsKey})
		if err != nil {
			return nil, nil, nil, err
		}
	}

	srv := &Server{
		cfg:      cfg,
		router:   router,
		executor: executor,
		voice:    voice,
		store:    store,
		table:    table,
		tracker:  tracker,
		limiter:  limiter,
		healthT:  healthTracker,
		log:      log,
	}

	cleanup := func() {
		_ = store.Close()
		if recorder != nil {
			_ = recorder.Close()
		}
	}
	return srv, aggregator, cleanup, nil
}

// registerAdapters registers one adapter per configured vendor key.
func registerAdapters(registry *llm.Registry, cfg *config.Config) error {
	if key := cfg.Providers.OpenAIKey; key != "" {
		a, err := openai.New(openai.Config{APIKey: key})
		if err != nil {
			return fmt.Errorf("openai adapter: %w", err)
		}
		registry.Register(a)
	}
	if key := cfg.Providers.AnthropicKey; key != "" {
		a, err := anthropic.New(anthropic.Config{APIKey: key})
		if err != nil {
			return fmt.Errorf("anthropic adapter: %w", err)
		}
		registry.Register(a)
	}
	if key := cfg.Providers.GoogleKey; key != "" {
		a, err := gemini.New(gemini.Config{APIKey: key})
		if err != nil {
			return fmt.Errorf("gemini adapter: %w", err)
		}
		registry.Register(a)
	}
	return nil
}

// routes builds the HTTP route table.
func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/stream", s.handleStream).Methods("POST")
	api.HandleFunc("/synthesize", s.handleSynthesize).Methods("POST")
	api.HandleFunc("/estimate", s.handleEstimate).Methods("GET")
	api.HandleFunc("/usage/{workspace_id}", s.handleUsage).Methods("GET")
	api.HandleFunc("/providers/stats", s.handleProviderStats).Methods("GET")
	api.HandleFunc("/ratelimit/check", s.handleRateLimitCheck).Methods("POST")

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	return r
}
